package handler

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gorilla/mux/otelmux"
)

type RouterOptions struct {
	AllowedOrigin string
	// MetricsPath serves the Prometheus registry when non-empty.
	MetricsPath string
}

func NewRouter(opts RouterOptions) *mux.Router {
	r := mux.NewRouter()
	r.Use(otelmux.Middleware(ServiceName))
	r.Use(RequestIDMiddleware)
	r.Use(CORSMiddleware(opts.AllowedOrigin))
	r.Use(HTTPMetricsMiddleware)

	r.HandleFunc("/", Root).Methods(http.MethodGet)
	r.HandleFunc("/health", Health).Methods(http.MethodGet)
	r.HandleFunc("/fibonacci/{n:[0-9]+}", Fibonacci).Methods(http.MethodGet)

	r.HandleFunc("/config", GetConfig).Methods(http.MethodGet)
	r.HandleFunc("/config/feature/{feature}", CheckFeature).Methods(http.MethodGet)

	r.HandleFunc("/bench", StartBenchmark).Methods(http.MethodPost)
	r.HandleFunc("/bench", ListBenchmarks).Methods(http.MethodGet)
	r.HandleFunc("/bench/{id}", GetBenchmark).Methods(http.MethodGet)
	r.HandleFunc("/bench/{id}", CancelBenchmark).Methods(http.MethodDelete)

	if opts.MetricsPath != "" {
		r.Handle(opts.MetricsPath, promhttp.Handler()).Methods(http.MethodGet)
	}

	r.NotFoundHandler = HTTPMetricsMiddleware(CORSMiddleware(opts.AllowedOrigin)(http.NotFoundHandler()))

	return r
}
