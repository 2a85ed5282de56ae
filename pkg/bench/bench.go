package bench

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sourcegraph/conc/pool"
	"go.opentelemetry.io/otel/attribute"

	"github.com/infra-bed/fib-service/pkg/logger"
	"github.com/infra-bed/fib-service/pkg/metrics"
	"github.com/infra-bed/fib-service/pkg/tracing"
)

const (
	ModeSequential = "sequential"
	ModeConcurrent = "concurrent"

	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusCancelled = "cancelled"
	StatusTimedOut  = "timed_out"

	DefaultRequests       = 500
	DefaultConcurrency    = 10
	DefaultRequestTimeout = 10 * time.Second
)

// DefaultIndices are the indices measured when none are given.
var DefaultIndices = []uint64{10, 20, 30, 40}

type Options struct {
	// Target is the base URL of the service, without a trailing /fibonacci.
	Target         string
	Indices        []uint64
	Requests       int
	Concurrency    int
	RequestTimeout time.Duration
	// Timeout bounds the whole run when it is started through a Runner.
	Timeout time.Duration
}

func (o Options) Validate() error {
	u, err := url.Parse(o.Target)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("target must be an http(s) URL, got %q", o.Target)
	}
	if len(o.Indices) == 0 {
		return errors.New("at least one index is required")
	}
	if o.Requests <= 0 {
		return fmt.Errorf("requests must be positive, got %d", o.Requests)
	}
	if o.Concurrency <= 0 {
		return fmt.Errorf("concurrency must be positive, got %d", o.Concurrency)
	}
	return nil
}

type IndexResult struct {
	Number     uint64 `json:"number"`
	Sequential Stats  `json:"sequential"`
	Concurrent Stats  `json:"concurrent"`
}

type Report struct {
	Status      string        `json:"status"`
	Target      string        `json:"target"`
	Indices     []uint64      `json:"indices"`
	Requests    int           `json:"requests"`
	Concurrency int           `json:"concurrency"`
	StartedAt   *time.Time    `json:"started_at,omitempty"`
	FinishedAt  *time.Time    `json:"finished_at,omitempty"`
	Results     []IndexResult `json:"results"`
}

// Job measures /fibonacci/{n} latencies for each index, first with
// sequential requests and then with a bounded pool of concurrent ones.
type Job struct {
	opts   Options
	client *http.Client
	done   chan struct{}

	mu      sync.RWMutex
	started bool
	report  Report
}

func NewJob(opts Options) (*Job, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}
	opts.Target = strings.TrimRight(opts.Target, "/")

	return &Job{
		opts: opts,
		client: &http.Client{
			Timeout:   opts.RequestTimeout,
			Transport: &http.Transport{MaxIdleConnsPerHost: opts.Concurrency},
		},
		done: make(chan struct{}),
		report: Report{
			Status:      StatusPending,
			Target:      opts.Target,
			Indices:     append([]uint64(nil), opts.Indices...),
			Requests:    opts.Requests,
			Concurrency: opts.Concurrency,
			Results:     []IndexResult{},
		},
	}, nil
}

func (j *Job) Name() string { return "benchmark" }

func (j *Job) Timeout() time.Duration { return j.opts.Timeout }

// Finished reports whether Run has returned.
func (j *Job) Finished() bool {
	select {
	case <-j.done:
		return true
	default:
		return false
	}
}

// Active reports whether the run has not reached a final status yet.
func (j *Job) Active() bool {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.report.Status == StatusPending || j.report.Status == StatusRunning
}

// Report returns a copy of the current report. Results grow as indices finish.
func (j *Job) Report() Report {
	j.mu.RLock()
	defer j.mu.RUnlock()
	r := j.report
	r.Indices = append([]uint64(nil), j.report.Indices...)
	r.Results = append([]IndexResult{}, j.report.Results...)
	return r
}

// Run executes the benchmark until every index is measured or ctx ends. An
// index interrupted by ctx is left out of the results. Only the first call
// does anything.
func (j *Job) Run(ctx context.Context) {
	j.mu.Lock()
	if j.started {
		j.mu.Unlock()
		return
	}
	j.started = true
	now := time.Now().UTC()
	j.report.Status = StatusRunning
	j.report.StartedAt = &now
	j.mu.Unlock()
	defer close(j.done)
	defer j.client.CloseIdleConnections()

	log := logger.Ctx(ctx)
	for _, n := range j.opts.Indices {
		if ctx.Err() != nil {
			break
		}
		res := j.runIndex(ctx, n)
		if ctx.Err() != nil {
			break
		}

		j.mu.Lock()
		j.report.Results = append(j.report.Results, res)
		j.mu.Unlock()

		log.Info().
			Uint64("n", n).
			Float64("sequential_mean_ms", res.Sequential.Mean).
			Float64("sequential_success_rate", res.Sequential.SuccessRate).
			Float64("concurrent_mean_ms", res.Concurrent.Mean).
			Float64("concurrent_success_rate", res.Concurrent.SuccessRate).
			Msg("Benchmark index measured")
	}

	status := statusFor(ctx.Err())
	metrics.BenchmarkRuns.WithLabelValues(status).Inc()

	finished := time.Now().UTC()
	j.mu.Lock()
	j.report.Status = status
	j.report.FinishedAt = &finished
	j.mu.Unlock()

	log.Info().Str("status", status).Str("target", j.opts.Target).Msg("Benchmark finished")
}

func statusFor(err error) string {
	switch {
	case err == nil:
		return StatusCompleted
	case errors.Is(err, context.DeadlineExceeded):
		return StatusTimedOut
	default:
		return StatusCancelled
	}
}

type sample struct {
	ms float64
	ok bool
}

func (j *Job) runIndex(ctx context.Context, n uint64) IndexResult {
	ctx, span := tracing.StartSpanWithAttributes(ctx, "benchmark.index", append(
		tracing.FibonacciAttributes(n),
		attribute.Int("benchmark.requests", j.opts.Requests),
		attribute.Int("benchmark.concurrency", j.opts.Concurrency),
	))
	defer span.End()

	target := j.opts.Target + "/fibonacci/" + strconv.FormatUint(n, 10)

	sequential := make([]float64, 0, j.opts.Requests)
	for i := 0; i < j.opts.Requests && ctx.Err() == nil; i++ {
		if s := j.hit(ctx, target, ModeSequential); s.ok {
			sequential = append(sequential, s.ms)
		}
	}

	p := pool.NewWithResults[sample]().WithMaxGoroutines(j.opts.Concurrency)
	for i := 0; i < j.opts.Requests; i++ {
		p.Go(func() sample {
			return j.hit(ctx, target, ModeConcurrent)
		})
	}
	concurrent := make([]float64, 0, j.opts.Requests)
	for _, s := range p.Wait() {
		if s.ok {
			concurrent = append(concurrent, s.ms)
		}
	}

	return IndexResult{
		Number:     n,
		Sequential: Summarize(sequential, j.opts.Requests),
		Concurrent: Summarize(concurrent, j.opts.Requests),
	}
}

// hit issues one request and returns its latency. Anything but a 200 is a
// failure.
func (j *Job) hit(ctx context.Context, target, mode string) sample {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return sample{}
	}

	start := time.Now()
	resp, err := j.client.Do(req)
	if err != nil {
		return sample{}
	}
	defer resp.Body.Close()
	if _, err := io.Copy(io.Discard, resp.Body); err != nil {
		return sample{}
	}
	elapsed := time.Since(start)

	if resp.StatusCode != http.StatusOK {
		return sample{}
	}
	metrics.BenchmarkRequestDuration.WithLabelValues(mode).Observe(elapsed.Seconds())
	return sample{ms: float64(elapsed) / float64(time.Millisecond), ok: true}
}
