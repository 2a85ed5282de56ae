package handler

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/gorilla/mux"

	"github.com/infra-bed/fib-service/pkg/bench"
	"github.com/infra-bed/fib-service/pkg/config"
	"github.com/infra-bed/fib-service/pkg/fibonacci"
	"github.com/infra-bed/fib-service/pkg/logger"
	"github.com/infra-bed/fib-service/pkg/model"
)

var (
	benchMu     sync.RWMutex
	benchTarget string
	benchLimits config.BenchConfig

	benchRunner = model.NewRunner(model.ExecutionRepo)
	benchRuns   = &runRegistry{}
)

// SetBenchmark enables benchmark runs against target. An empty target
// disables them.
func SetBenchmark(target string, limits config.BenchConfig) {
	benchMu.Lock()
	defer benchMu.Unlock()
	benchTarget = strings.TrimRight(target, "/")
	benchLimits = limits
}

func benchSettings() (string, config.BenchConfig) {
	benchMu.RLock()
	defer benchMu.RUnlock()
	return benchTarget, benchLimits
}

type BenchRun struct {
	ID string `json:"id"`
	bench.Report
}

type BenchListResponse struct {
	Running []model.Execution `json:"running"`
	Runs    []BenchRun        `json:"runs"`
}

// StartBenchmark starts a benchmark run in the background and answers with its
// id. Query: n (comma-separated indices), requests, concurrency.
func StartBenchmark(w http.ResponseWriter, r *http.Request) {
	target, limits := benchSettings()
	if target == "" {
		writeError(w, http.StatusServiceUnavailable, "Benchmarking is disabled")
		return
	}

	opts, err := benchOptions(r.URL.Query(), limits)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	opts.Target = target

	job, err := bench.NewJob(opts)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	// The run outlives the request but keeps its trace and request id.
	id := benchRunner.Start(context.WithoutCancel(r.Context()), job)
	benchRuns.add(id, job, limits.History)

	logger.Ctx(r.Context()).Info().
		Str("id", id).
		Uints64("indices", opts.Indices).
		Int("requests", opts.Requests).
		Int("concurrency", opts.Concurrency).
		Msg("Benchmark started")

	w.Header().Set("Location", "/bench/"+id)
	writeJSON(w, http.StatusAccepted, BenchRun{ID: id, Report: job.Report()})
}

func ListBenchmarks(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, BenchListResponse{
		Running: model.ExecutionRepo.List(),
		Runs:    benchRuns.list(),
	})
}

func GetBenchmark(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	job := benchRuns.get(id)
	if job == nil {
		writeError(w, http.StatusNotFound, "Benchmark not found")
		return
	}
	writeJSON(w, http.StatusOK, BenchRun{ID: id, Report: job.Report()})
}

func CancelBenchmark(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	job := benchRuns.get(id)
	if job == nil {
		writeError(w, http.StatusNotFound, "Benchmark not found")
		return
	}
	if !job.Active() || !model.ExecutionRepo.Close(id) {
		writeError(w, http.StatusConflict, "Benchmark is not running")
		return
	}

	logger.Ctx(r.Context()).Info().Str("id", id).Msg("Benchmark cancelled")
	writeJSON(w, http.StatusAccepted, BenchRun{ID: id, Report: job.Report()})
}

func benchOptions(q url.Values, limits config.BenchConfig) (bench.Options, error) {
	opts := bench.Options{
		Indices:        bench.DefaultIndices,
		Requests:       bench.DefaultRequests,
		Concurrency:    bench.DefaultConcurrency,
		RequestTimeout: limits.RequestTimeout,
		Timeout:        limits.Timeout,
	}

	if raw := q.Get("n"); raw != "" {
		indices, err := parseIndices(raw)
		if err != nil {
			return opts, err
		}
		opts.Indices = indices
	}

	var err error
	if opts.Requests, err = boundedInt(q, "requests", opts.Requests, limits.MaxRequests); err != nil {
		return opts, err
	}
	if opts.Concurrency, err = boundedInt(q, "concurrency", opts.Concurrency, limits.MaxConcurrency); err != nil {
		return opts, err
	}
	return opts, nil
}

func parseIndices(raw string) ([]uint64, error) {
	parts := strings.Split(raw, ",")
	indices := make([]uint64, 0, len(parts))
	for _, part := range parts {
		n, err := parseIndex(strings.TrimSpace(part))
		if err != nil {
			return nil, fmt.Errorf("Invalid number %q", part)
		}
		if err := fibonacci.Validate(n); err != nil {
			return nil, err
		}
		indices = append(indices, n)
	}
	return indices, nil
}

// boundedInt reads key from q, falling back to def, and requires 1..limit when
// limit is positive.
func boundedInt(q url.Values, key string, def, limit int) (int, error) {
	v := def
	if raw := q.Get(key); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return 0, fmt.Errorf("%s must be an integer", key)
		}
		v = n
	}
	if v < 1 || (limit > 0 && v > limit) {
		if limit > 0 {
			return 0, fmt.Errorf("%s must be between 1 and %d", key, limit)
		}
		return 0, fmt.Errorf("%s must be positive", key)
	}
	return v, nil
}

type benchEntry struct {
	id  string
	job *bench.Job
}

// runRegistry remembers recent benchmark runs, oldest first.
type runRegistry struct {
	mu   sync.Mutex
	runs []benchEntry
}

// add records a run and, past limit entries, forgets the oldest finished ones.
func (r *runRegistry) add(id string, job *bench.Job, limit int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.runs = append(r.runs, benchEntry{id: id, job: job})
	if limit <= 0 {
		return
	}
	for i := 0; len(r.runs) > limit && i < len(r.runs); {
		if r.runs[i].job.Finished() {
			r.runs = append(r.runs[:i], r.runs[i+1:]...)
			continue
		}
		i++
	}
}

func (r *runRegistry) get(id string) *bench.Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.runs {
		if e.id == id {
			return e.job
		}
	}
	return nil
}

func (r *runRegistry) list() []BenchRun {
	r.mu.Lock()
	defer r.mu.Unlock()
	runs := make([]BenchRun, 0, len(r.runs))
	for _, e := range r.runs {
		runs = append(runs, BenchRun{ID: e.id, Report: e.job.Report()})
	}
	return runs
}
