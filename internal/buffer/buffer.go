// Package buffer holds the readings acquired since the last flush.
package buffer

import (
	"sync"
	"time"
)

// Reading is one formatted data line and the time it was taken.
type Reading struct {
	At   time.Time
	Line string
}

// ReadingBuffer is an ordered, append-only list of readings for one
// instrument. It is safe for one appender and one flusher running
// concurrently: a flush takes a Snapshot, writes it, then Commits only
// the readings it wrote.
type ReadingBuffer struct {
	mu       sync.Mutex
	readings []Reading
}

func New() *ReadingBuffer { return &ReadingBuffer{} }

// Append adds a reading at the end of the buffer.
func (b *ReadingBuffer) Append(r Reading) {
	b.mu.Lock()
	b.readings = append(b.readings, r)
	b.mu.Unlock()
}

// Len returns the number of buffered readings.
func (b *ReadingBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.readings)
}

// Snapshot returns a copy of the buffered readings.
func (b *ReadingBuffer) Snapshot() []Reading {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Reading(nil), b.readings...)
}

// Commit drops the first n readings, which a flush has persisted.
func (b *ReadingBuffer) Commit(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n >= len(b.readings) {
		b.readings = nil
		return
	}
	if n > 0 {
		b.readings = append([]Reading(nil), b.readings[n:]...)
	}
}

// Last returns the most recent reading.
func (b *ReadingBuffer) Last() (Reading, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.readings) == 0 {
		return Reading{}, false
	}
	return b.readings[len(b.readings)-1], true
}
