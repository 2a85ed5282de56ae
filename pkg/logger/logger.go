package logger

import (
	"context"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
)

var (
	mu    sync.RWMutex
	base  = zerolog.New(os.Stdout).With().Timestamp().Logger()
	sinks []io.Closer
)

// Options controls where log lines are written.
type Options struct {
	Pretty      bool
	LokiURL     string
	LokiLabels  map[string]string
	LokiBatch   int
	LokiFlush   time.Duration
	ServiceName string
}

func Init() {
	InitWithOptions(Options{})
}

// InitWithOptions rebuilds the base logger. Any previously attached Loki sink is
// closed first.
func InitWithOptions(opts Options) {
	mu.Lock()
	defer mu.Unlock()

	closeSinksLocked()

	zerolog.TimeFieldFormat = time.RFC3339Nano
	zerolog.DurationFieldUnit = time.Nanosecond

	var out io.Writer = os.Stdout
	if opts.Pretty {
		out = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}

	if opts.LokiURL != "" {
		loki := NewLokiWriter(opts.LokiURL, opts.LokiLabels, opts.LokiBatch, opts.LokiFlush)
		sinks = append(sinks, loki)
		out = zerolog.MultiLevelWriter(out, loki)
	}

	ctx := zerolog.New(out).With().Timestamp()
	if opts.ServiceName != "" {
		ctx = ctx.Str("service", opts.ServiceName)
	}
	base = ctx.Logger().Level(zerolog.GlobalLevel())

	base.Info().
		Bool("pretty", opts.Pretty).
		Bool("loki", opts.LokiURL != "").
		Str("level", zerolog.GlobalLevel().String()).
		Msg("Logger initialized")
}

func Get() *zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	l := base
	return &l
}

// Ctx returns a logger carrying the trace and span ids of the span in ctx, if any.
func Ctx(ctx context.Context) *zerolog.Logger {
	l := Get()
	spanCtx := trace.SpanContextFromContext(ctx)
	if !spanCtx.IsValid() {
		return l
	}
	withTrace := l.With().
		Str("trace_id", spanCtx.TraceID().String()).
		Str("span_id", spanCtx.SpanID().String()).
		Logger()
	return &withTrace
}

// SetLevel changes the global level. Unknown levels fall back to info.
func SetLevel(level string) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || level == "" {
		Get().Warn().Str("level", level).Msg("Unknown log level, defaulting to INFO")
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	mu.Lock()
	base = base.Level(lvl)
	mu.Unlock()

	Get().Info().Str("level", lvl.String()).Msg("Log level updated")
}

func SetDebugLevel() {
	SetLevel("debug")
}

// Shutdown flushes and closes any remote sinks. Later lines still reach stdout.
func Shutdown(_ context.Context) error {
	mu.Lock()
	defer mu.Unlock()
	return closeSinksLocked()
}

func closeSinksLocked() error {
	var firstErr error
	for _, s := range sinks {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	sinks = nil
	return firstErr
}
