// Package history journals pipeline events (acquisitions, flushes,
// staging, transfers) to external stores for later analysis.
package history

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// EventType defines the kind of pipeline event.
type EventType string

const (
	EventAcquired         EventType = "acquired"
	EventAcquireFailed    EventType = "acquire_failed"
	EventSaved            EventType = "saved"
	EventSaveFailed       EventType = "save_failed"
	EventStaged           EventType = "staged"
	EventStageFailed      EventType = "stage_failed"
	EventTransferred      EventType = "transferred"
	EventTransferRetained EventType = "transfer_retained"
	EventTransferFailed   EventType = "transfer_failed"
)

// Table is the default table (or index) name used by the sinks.
const Table = "fielddaq_events"

// Event represents a pipeline event to be exported to external systems.
type Event struct {
	ID         string    `json:"id"`
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Instrument string    `json:"instrument"`
	Path       string    `json:"path,omitempty"`
	Bytes      int64     `json:"bytes,omitempty"`
	Digest     string    `json:"digest,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// NewEvent stamps a fresh ID. err, when non-nil, fills Error.
func NewEvent(t EventType, instrument string, at time.Time, err error) Event {
	e := Event{ID: uuid.NewString(), Type: t, OccurredAt: at, Instrument: instrument}
	if err != nil {
		e.Error = err.Error()
	}
	return e
}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// Recorder fans events out to its sinks. Sink failures are logged and
// never reach the pipeline.
type Recorder struct {
	sinks   []Sink
	timeout time.Duration
	log     *slog.Logger
}

// NewRecorder returns a Recorder; a zero timeout means 5s per send.
func NewRecorder(log *slog.Logger, timeout time.Duration, sinks ...Sink) *Recorder {
	if log == nil {
		log = slog.Default()
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Recorder{sinks: sinks, timeout: timeout, log: log}
}

// Record sends e to every sink. A nil Recorder is a no-op.
func (r *Recorder) Record(ctx context.Context, e Event) {
	if r == nil {
		return
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	for _, s := range r.sinks {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
		if err := s.Send(sctx, e); err != nil {
			r.log.Warn("history sink failed", "type", e.Type, "instrument", e.Instrument, "err", err)
		}
		cancel()
	}
}

// Len reports the number of sinks.
func (r *Recorder) Len() int {
	if r == nil {
		return 0
	}
	return len(r.sinks)
}

// Close closes every sink that implements io.Closer.
func (r *Recorder) Close() error {
	if r == nil {
		return nil
	}
	var errs []error
	for _, s := range r.sinks {
		if c, ok := s.(interface{ Close() error }); ok {
			errs = append(errs, c.Close())
		}
	}
	return errors.Join(errs...)
}
