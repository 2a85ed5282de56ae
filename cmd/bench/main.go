package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/infra-bed/fib-service/pkg/bench"
	"github.com/infra-bed/fib-service/pkg/fibonacci"
	"github.com/infra-bed/fib-service/pkg/logger"
)

func newFlagSet() *pflag.FlagSet {
	flags := pflag.NewFlagSet("bench", pflag.ContinueOnError)
	flags.String("target", "http://localhost:8083", "base URL of the fib-service instance")
	flags.StringSlice("n", []string{"10", "20", "30", "40"}, "indices to measure")
	flags.Int("requests", bench.DefaultRequests, "requests per index and mode")
	flags.Int("concurrency", bench.DefaultConcurrency, "workers for the concurrent batch")
	flags.Duration("request-timeout", bench.DefaultRequestTimeout, "timeout for a single request")
	flags.Duration("timeout", 0, "overall run timeout, 0 for none")
	flags.String("out", "benchmark_results.json", "file the JSON report is written to")
	flags.Bool("pretty", true, "human-readable console logs")
	return flags
}

// loadSettings binds flags and BENCH_* environment variables, flags winning.
func loadSettings(args []string) (*viper.Viper, error) {
	flags := newFlagSet()
	if err := flags.Parse(args); err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetEnvPrefix("BENCH")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(flags); err != nil {
		return nil, fmt.Errorf("binding flags: %w", err)
	}
	return v, nil
}

func optionsFrom(v *viper.Viper) (bench.Options, error) {
	var indices []uint64
	for _, raw := range v.GetStringSlice("n") {
		for _, part := range strings.Split(raw, ",") {
			n, err := strconv.ParseUint(strings.TrimSpace(part), 10, 64)
			if err != nil {
				return bench.Options{}, fmt.Errorf("invalid index %q: %w", part, err)
			}
			if err := fibonacci.Validate(n); err != nil {
				return bench.Options{}, err
			}
			indices = append(indices, n)
		}
	}

	opts := bench.Options{
		Target:         v.GetString("target"),
		Indices:        indices,
		Requests:       v.GetInt("requests"),
		Concurrency:    v.GetInt("concurrency"),
		RequestTimeout: v.GetDuration("request-timeout"),
		Timeout:        v.GetDuration("timeout"),
	}
	return opts, opts.Validate()
}

func writeReport(path string, report bench.Report) error {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding report: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("writing report: %w", err)
	}
	return nil
}

func main() {
	v, err := loadSettings(os.Args[1:])
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger.InitWithOptions(logger.Options{Pretty: v.GetBool("pretty"), ServiceName: "fib-bench"})
	log := logger.Get()

	opts, err := optionsFrom(v)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid benchmark options")
	}
	job, err := bench.NewJob(opts)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create benchmark")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	log.Info().
		Str("target", opts.Target).
		Uints64("indices", opts.Indices).
		Int("requests", opts.Requests).
		Int("concurrency", opts.Concurrency).
		Msg("Starting benchmark")

	start := time.Now()
	job.Run(ctx)
	report := job.Report()

	for _, res := range report.Results {
		log.Info().
			Uint64("n", res.Number).
			Str("sequential", fmt.Sprintf("%.3fms (%.1f%%)", res.Sequential.Mean, res.Sequential.SuccessRate*100)).
			Str("concurrent", fmt.Sprintf("%.3fms (%.1f%%)", res.Concurrent.Mean, res.Concurrent.SuccessRate*100)).
			Msg("Result")
	}

	out := v.GetString("out")
	if err := writeReport(out, report); err != nil {
		log.Error().Err(err).Msg("Failed to save results")
		os.Exit(1)
	}
	log.Info().
		Str("status", report.Status).
		Str("out", out).
		Dur("elapsed", time.Since(start)).
		Msg("Benchmark finished")

	if report.Status != bench.StatusCompleted {
		os.Exit(1)
	}
}
