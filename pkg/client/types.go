package client

import (
	"github.com/loykin/fielddaq/internal/cron"
	"github.com/loykin/fielddaq/internal/station"
)

// InstrumentStatus is one instrument's pipeline state as served by
// GET {base}/status.
type InstrumentStatus = station.Status

// JobStatus is one scheduler job as served by GET {base}/jobs.
type JobStatus = cron.JobStatus

// Health is the body of GET {base}/healthz.
type Health struct {
	OK        bool   `json:"ok"`
	Scheduler string `json:"scheduler"`
	Uptime    string `json:"uptime"`
}

// ErrorResponse represents an error response from the API
type ErrorResponse struct {
	Error string `json:"error"`
}
