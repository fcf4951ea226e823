package buffer

import (
	"sync"
	"testing"
	"time"
)

func TestSnapshotCommitKeepsLateAppends(t *testing.T) {
	b := New()
	t0 := time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)
	b.Append(Reading{At: t0, Line: "a"})
	b.Append(Reading{At: t0.Add(time.Minute), Line: "b"})

	snap := b.Snapshot()
	// arrives while the flush is writing
	b.Append(Reading{At: t0.Add(2 * time.Minute), Line: "c"})
	b.Commit(len(snap))

	if b.Len() != 1 {
		t.Fatalf("expected 1 reading left, got %d", b.Len())
	}
	last, ok := b.Last()
	if !ok || last.Line != "c" {
		t.Fatalf("unexpected remaining reading: %+v", last)
	}
	b.Commit(10)
	if b.Len() != 0 {
		t.Fatalf("commit past end should empty the buffer")
	}
	if _, ok := b.Last(); ok {
		t.Fatalf("empty buffer has no last reading")
	}
}

func TestConcurrentAppendAndFlush(t *testing.T) {
	b := New()
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			b.Append(Reading{Line: "x"})
		}
	}()
	flushed := 0
	for i := 0; i < 100; i++ {
		s := b.Snapshot()
		flushed += len(s)
		b.Commit(len(s))
	}
	wg.Wait()
	flushed += b.Len()
	if flushed != 1000 {
		t.Fatalf("lost or duplicated readings: %d", flushed)
	}
}
