package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"syscall"

	"github.com/infra-bed/fib-service/cmd/handler"
	"github.com/infra-bed/fib-service/pkg/config"
	"github.com/infra-bed/fib-service/pkg/events"
	"github.com/infra-bed/fib-service/pkg/fibonacci"
	"github.com/infra-bed/fib-service/pkg/logger"
	"github.com/infra-bed/fib-service/pkg/metrics"
	"github.com/infra-bed/fib-service/pkg/model"
	"github.com/infra-bed/fib-service/pkg/tracing"
)

func main() {
	ctx := context.Background()

	logger.Init()
	// Deferred first so it runs last, after every other shutdown step has logged.
	defer func() {
		if err := logger.Shutdown(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "failed to shut down log sinks: %v\n", err)
		}
	}()
	log := logger.Get()

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = config.DefaultConfigPath
	}

	cfgManager, err := config.NewConfigManager(configPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", configPath).Msg("Failed to load config")
	}
	if err := cfgManager.Watch(); err != nil {
		log.Warn().Err(err).Msg("Config hot reload disabled")
	}
	defer cfgManager.Close()

	cfg := cfgManager.Get()
	features := cfgManager.GetFeatures()

	logger.InitWithOptions(logger.Options{
		Pretty:      cfg.Logging.Pretty,
		LokiURL:     cfg.Logging.Loki.URL,
		LokiLabels:  cfg.Logging.Loki.Labels,
		LokiBatch:   cfg.Logging.Loki.BatchSize,
		LokiFlush:   cfg.Logging.Loki.FlushInterval,
		ServiceName: handler.ServiceName,
	})
	applyLogLevel(features)
	log = logger.Get()

	handler.SetConfigManager(cfgManager)

	version := os.Getenv("SERVICE_VERSION")
	if version == "" {
		version = "1.0.0"
	}
	metrics.RecordApplicationInfo(version, runtime.Version())

	server := cfgManager.GetServer()
	if envPort := os.Getenv("PORT"); envPort != "" {
		port, err := strconv.Atoi(envPort)
		if err != nil {
			log.Fatal().Err(err).Str("port", envPort).Msg("Invalid PORT")
		}
		server.Port = port
	}

	if server.Workers > 0 {
		prev := runtime.GOMAXPROCS(server.Workers)
		log.Info().Int("workers", server.Workers).Int("previous", prev).Msg("Set GOMAXPROCS")
	}

	if features.EnableTracing {
		shutdown, err := tracing.InitTracer(ctx, handler.ServiceName, version)
		if err != nil {
			log.Error().Err(err).Msg("Failed to initialize tracer")
		} else {
			defer shutdown(ctx)
		}
	}

	publisher, err := events.NewReloadable(features.EnablePublishing, cfgManager.GetKafka())
	if err != nil {
		log.Error().Err(err).Msg("Failed to create event publisher, publishing disabled until the next config change")
	}
	handler.SetPublisher(publisher)

	applyBenchmark(features, cfgManager.GetBench(), server.Port)

	cfgManager.OnChange(func(cfg *config.Config) {
		logger.Get().Info().
			Bool("debug", cfg.Features.EnableDebugLogging).
			Bool("profiling", cfg.Features.EnableProfiling).
			Bool("tracing", cfg.Features.EnableTracing).
			Bool("publishing", cfg.Features.EnablePublishing).
			Bool("benchmark", cfg.Features.EnableBenchmark).
			Msg("Configuration updated")
		applyLogLevel(cfg.Features)
		if err := publisher.Apply(cfg.Features.EnablePublishing, cfg.Kafka); err != nil {
			logger.Get().Error().Err(err).Msg("Failed to apply publishing config, keeping the current publisher")
		}
		applyBenchmark(cfg.Features, cfg.Bench, server.Port)
	})

	// pprof registers on http.DefaultServeMux, which only this listener serves.
	if features.EnableProfiling {
		pprofPort := os.Getenv("PPROF_PORT")
		if pprofPort == "" {
			pprofPort = "6060"
		}
		go func() {
			log.Info().Str("port", pprofPort).Msg("Starting pprof server")
			if err := http.ListenAndServe(":"+pprofPort, nil); err != nil {
				log.Error().Err(err).Msg("pprof server error")
			}
		}()
	}

	metricsPath := ""
	if features.EnableMetrics {
		metricsPath = cfg.Metrics.Path
	}
	r := handler.NewRouter(handler.RouterOptions{
		AllowedOrigin: server.AllowedOrigin,
		MetricsPath:   metricsPath,
	})

	srv := &http.Server{
		Addr:         server.Addr(),
		Handler:      r,
		ReadTimeout:  server.ReadTimeout,
		WriteTimeout: server.WriteTimeout,
		IdleTimeout:  server.IdleTimeout,
	}

	log.Info().
		Str("addr", srv.Addr).
		Uint64("maxIndex", fibonacci.MaxIndex).
		Int("gomaxprocs", runtime.GOMAXPROCS(0)).
		Dur("readTimeout", server.ReadTimeout).
		Dur("writeTimeout", server.WriteTimeout).
		Dur("idleTimeout", server.IdleTimeout).
		Msg("Starting fib-service")

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Server failed to start")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	for _, exec := range model.ExecutionRepo.List() {
		model.ExecutionRepo.Close(exec.ID)
		log.Info().Str("id", exec.ID).Str("job", exec.JobName).Msg("Cancelled running job")
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	publisher.Close()

	log.Info().Msg("Server exited")
}

func applyLogLevel(f config.FeatureFlags) {
	if f.EnableDebugLogging {
		logger.SetDebugLevel()
		return
	}
	logger.SetLevel(f.LogLevel)
}

// applyBenchmark enables the benchmark endpoints when the flag is on. Without
// an explicit target, runs go to this instance over loopback.
func applyBenchmark(f config.FeatureFlags, b config.BenchConfig, port int) {
	if !f.EnableBenchmark {
		handler.SetBenchmark("", b)
		return
	}
	target := b.Target
	if target == "" {
		target = fmt.Sprintf("http://127.0.0.1:%d", port)
	}
	handler.SetBenchmark(target, b)
}
