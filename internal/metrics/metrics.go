package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "fielddaq"

// Result label values.
const (
	OK    = "ok"
	Error = "error"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	readings = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "readings_total",
			Help:      "Acquisition attempts per instrument and result.",
		}, []string{"instrument", "result"},
	)
	flushes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flushes_total",
			Help:      "Buffer flushes to data files per instrument and result.",
		}, []string{"instrument", "result"},
	)
	staged = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "staged_total",
			Help:      "Data files staged as archives per instrument and result.",
		}, []string{"instrument", "result"},
	)
	transferredFiles = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transferred_files_total",
			Help:      "Archives delivered and verified on the remote.",
		}, []string{"instrument"},
	)
	transferBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transfer_bytes_total",
			Help:      "Bytes delivered to the remote.",
		}, []string{"instrument"},
	)
	transferFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transfer_failures_total",
			Help:      "Files retained or passes aborted by transfer errors.",
		}, []string{"instrument"},
	)
	jobRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "job_runs_total",
			Help:      "Scheduled job runs per job and result.",
		}, []string{"job", "result"},
	)
	jobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "job_duration_seconds",
			Help:      "Wall time of scheduled job runs.",
			Buckets:   []float64{.005, .01, .05, .1, .5, 1, 2, 5, 10, 30, 60},
		}, []string{"job"},
	)
	buffered = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "buffered_readings",
			Help:      "Readings held in memory awaiting the next flush.",
		}, []string{"instrument"},
	)
	pending = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_files",
			Help:      "Data files written but not yet staged.",
		}, []string{"instrument"},
	)
	diskFree = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "disk_free_bytes",
			Help:      "Free bytes on the filesystem holding the path.",
		}, []string{"path"},
	)
	selfRSS = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "daemon",
			Name:      "resident_memory_bytes",
			Help:      "Resident set size of the daemon.",
		},
	)
	selfCPU = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "daemon",
			Name:      "cpu_percent",
			Help:      "CPU usage of the daemon since the previous sample.",
		},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		readings, flushes, staged, transferredFiles, transferBytes, transferFailures,
		jobRuns, jobDuration, buffered, pending, diskFree, selfRSS, selfCPU,
	}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			// If already registered, ignore (allows double Register with default registry)
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func result(err error) string {
	if err != nil {
		return Error
	}
	return OK
}

func ObserveReading(instrument string, err error) {
	if regOK.Load() {
		readings.WithLabelValues(instrument, result(err)).Inc()
	}
}

func ObserveFlush(instrument string, err error) {
	if regOK.Load() {
		flushes.WithLabelValues(instrument, result(err)).Inc()
	}
}

func ObserveStage(instrument string, err error) {
	if regOK.Load() {
		staged.WithLabelValues(instrument, result(err)).Inc()
	}
}

func ObserveTransfer(instrument string, bytes int64, err error) {
	if !regOK.Load() {
		return
	}
	if err != nil {
		transferFailures.WithLabelValues(instrument).Inc()
		return
	}
	transferredFiles.WithLabelValues(instrument).Inc()
	transferBytes.WithLabelValues(instrument).Add(float64(bytes))
}

func ObserveJob(job string, d time.Duration, err error) {
	if regOK.Load() {
		jobRuns.WithLabelValues(job, result(err)).Inc()
		jobDuration.WithLabelValues(job).Observe(d.Seconds())
	}
}

func SetBuffered(instrument string, n int) {
	if regOK.Load() {
		buffered.WithLabelValues(instrument).Set(float64(n))
	}
}

func SetPending(instrument string, n int) {
	if regOK.Load() {
		pending.WithLabelValues(instrument).Set(float64(n))
	}
}
