package fielddaq

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/fielddaq/internal/clock"
	"github.com/loykin/fielddaq/internal/config"
	"github.com/loykin/fielddaq/internal/history"
	"github.com/loykin/fielddaq/internal/history/factory"
	"github.com/loykin/fielddaq/internal/metrics"
	iapi "github.com/loykin/fielddaq/internal/server"
	"github.com/loykin/fielddaq/internal/station"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Config = config.Config

type InstrumentConfig = config.InstrumentConfig

type Status = station.Status

type Fleet = station.Fleet

type Deps = station.Deps

type Event = history.Event

type HistorySink = history.Sink

type Recorder = history.Recorder

type StatusSource = iapi.StatusSource

func LoadConfig(path string) (*Config, error) { return config.Load(path) }

// NewFleet builds one station per enabled instrument of cfg.
func NewFleet(cfg *Config, d Deps) (*Fleet, error) { return station.NewFleet(cfg, d) }

// NewRecorder opens every history DSN of cfg and returns a recorder
// fanning events out to them. With no DSNs the recorder discards events.
func NewRecorder(cfg *Config, log *slog.Logger) (*Recorder, error) {
	sinks, err := factory.NewSinks(cfg.History.DSNs)
	if err != nil {
		return nil, err
	}
	return history.NewRecorder(log, cfg.History.Timeout, sinks...), nil
}

// DelayToNextGrid is the wait until the next wall-clock minute divisible by n.
func DelayToNextGrid(now time.Time, n int) time.Duration { return clock.DelayToNextGrid(now, n) }

// NewHTTPServer starts an HTTP server exposing the status API of src.
func NewHTTPServer(addr, basePath string, src StatusSource) (*http.Server, error) {
	return iapi.NewServer(addr, basePath, src)
}

// NewStatusHandler returns the status API as an http.Handler for embedding
// into another router.
func NewStatusHandler(basePath string, src StatusSource) http.Handler {
	return iapi.NewRouter(src, basePath).Handler()
}

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }

// MetricsHandler serves the default registry.
func MetricsHandler() http.Handler { return metrics.Handler() }

// ServeMetrics starts an HTTP server on addr exposing /metrics using the default registry.
// It returns any immediate listen error; otherwise it runs the server in the caller goroutine.
func ServeMetrics(addr string) error {
	return NewMetricsServer(addr).ListenAndServe()
}

// NewMetricsServer returns an unstarted server exposing /metrics on addr.
func NewMetricsServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}
