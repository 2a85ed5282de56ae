package handler

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/infra-bed/fib-service/pkg/events"
	"github.com/infra-bed/fib-service/pkg/fibonacci"
	"github.com/infra-bed/fib-service/pkg/logger"
	"github.com/infra-bed/fib-service/pkg/metrics"
	"github.com/infra-bed/fib-service/pkg/tracing"
)

const usage = "Fibonacci Web Service - use /fibonacci/{number}"

// ErrInvalidNumber is returned for path segments that are not a uint64.
var ErrInvalidNumber = errors.New("invalid number")

var publisher events.Publisher = events.Noop{}

// SetPublisher installs the publisher used for successful computations.
func SetPublisher(p events.Publisher) {
	if p == nil {
		p = events.Noop{}
	}
	publisher = p
}

func Root(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, usage)
}

// Evaluate validates n and computes its term. Only the compute step is timed.
func Evaluate(n uint64) (fibonacci.Result, error) {
	if err := fibonacci.Validate(n); err != nil {
		return fibonacci.Result{}, err
	}

	start := time.Now()
	result := fibonacci.Compute(n)
	elapsed := time.Since(start)

	return fibonacci.Result{
		Number:            n,
		Result:            result,
		CalculationTimeNs: elapsed.Nanoseconds(),
	}, nil
}

func parseIndex(s string) (uint64, error) {
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrInvalidNumber, err)
	}
	return n, nil
}

func Fibonacci(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logger.Ctx(ctx)

	raw := mux.Vars(r)["n"]
	n, err := parseIndex(raw)
	if err != nil {
		metrics.FibonacciComputations.WithLabelValues("invalid").Inc()
		log.Warn().Str("n", raw).Err(err).Msg("Invalid fibonacci number requested")
		writeError(w, http.StatusBadRequest, "Invalid number")
		return
	}

	ctx, span := tracing.StartSpanWithAttributes(ctx, "fibonacci.compute", tracing.FibonacciAttributes(n))
	defer span.End()

	res, err := Evaluate(n)
	if err != nil {
		var tooLarge *fibonacci.InputTooLargeError
		if !errors.As(err, &tooLarge) {
			// Evaluate has no other failure mode; treat anything else as a bug.
			log.Error().Err(err).Uint64("n", n).Msg("Unexpected evaluation error")
			writeError(w, http.StatusInternalServerError, "Internal error")
			return
		}
		metrics.FibonacciComputations.WithLabelValues("too_large").Inc()
		tracing.RecordError(span, err, "input too large")
		log.Warn().Uint64("n", n).Uint64("max", tooLarge.Max).Msg("Fibonacci number too large")
		writeError(w, http.StatusBadRequest, tooLarge.Error())
		return
	}

	elapsed := time.Duration(res.CalculationTimeNs)
	metrics.FibonacciComputations.WithLabelValues("ok").Inc()
	metrics.FibonacciComputationDuration.Observe(elapsed.Seconds())
	tracing.SetSpanAttributes(span, tracing.FibonacciResultAttributes(res.Result, elapsed)...)

	log.Debug().
		Uint64("n", n).
		Uint64("result", res.Result).
		Dur("duration", elapsed).
		Msg("Fibonacci calculated")

	writeJSON(w, http.StatusOK, res)

	publisher.Publish(ctx, events.ComputationEvent{
		RequestID:         RequestIDFromContext(ctx),
		Number:            res.Number,
		Result:            res.Result,
		CalculationTimeNs: res.CalculationTimeNs,
		ComputedAt:        time.Now().UTC(),
	})
}
