package metrics

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func TestRegisterIdempotentAndCountersWork(t *testing.T) {
	regOK.Store(false)
	reg := prometheus.NewRegistry()
	if err := Register(reg); err != nil {
		t.Fatalf("first register: %v", err)
	}
	// idempotent: calling again should be no-op
	if err := Register(reg); err != nil {
		t.Fatalf("second register: %v", err)
	}

	ObserveReading("thermo", nil)
	ObserveReading("thermo", errors.New("timeout"))
	ObserveFlush("thermo", nil)
	ObserveStage("thermo", nil)
	ObserveTransfer("thermo", 512, nil)
	ObserveTransfer("thermo", 0, errors.New("lost"))
	ObserveJob("thermo/acquire", 250*time.Millisecond, nil)
	SetBuffered("thermo", 3)
	SetPending("thermo", 1)

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	wantNames := map[string]bool{
		"fielddaq_readings_total":                 false,
		"fielddaq_flushes_total":                  false,
		"fielddaq_staged_total":                   false,
		"fielddaq_transferred_files_total":        false,
		"fielddaq_transfer_bytes_total":           false,
		"fielddaq_transfer_failures_total":        false,
		"fielddaq_scheduler_job_runs_total":       false,
		"fielddaq_scheduler_job_duration_seconds": false,
		"fielddaq_buffered_readings":              false,
		"fielddaq_pending_files":                  false,
	}
	for _, mf := range mfs {
		n := mf.GetName()
		if _, ok := wantNames[n]; ok {
			wantNames[n] = true
			if len(mf.GetMetric()) == 0 {
				t.Fatalf("metric %s has no samples", n)
			}
		}
		if n == "fielddaq_readings_total" && len(mf.GetMetric()) != 2 {
			t.Fatalf("readings_total should have ok and error series, got %d", len(mf.GetMetric()))
		}
	}
	for n, ok := range wantNames {
		if !ok {
			t.Fatalf("expected to find metric %s", n)
		}
	}
}

func TestHelpersNoopBeforeRegister(t *testing.T) {
	regOK.Store(false)
	// must not panic
	ObserveReading("x", nil)
	SetBuffered("x", 1)
	ObserveJob("x", time.Second, nil)
}

func TestHandlerServesMetrics(t *testing.T) {
	regOK.Store(false)
	if err := Register(prometheus.DefaultRegisterer); err != nil {
		t.Fatal(err)
	}

	srv := httptest.NewServer(Handler())
	defer srv.Close()

	ObserveReading("ae31", nil)

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != 200 {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), `fielddaq_readings_total{instrument="ae31",result="ok"}`) {
		t.Fatalf("metrics output missing reading counter:\n%s", body)
	}
}

func TestHostSamplerDiskFree(t *testing.T) {
	regOK.Store(false)
	reg := prometheus.NewRegistry()
	if err := Register(reg); err != nil {
		t.Fatal(err)
	}
	dir := t.TempDir()
	h := NewHostSampler(dir)
	if err := h.Sample(context.Background()); err != nil {
		t.Fatalf("sample: %v", err)
	}
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, mf := range mfs {
		if mf.GetName() == "fielddaq_disk_free_bytes" {
			for _, m := range mf.GetMetric() {
				for _, l := range m.GetLabel() {
					if l.GetName() == "path" && l.GetValue() == dir {
						found = m.GetGauge().GetValue() > 0
					}
				}
			}
		}
	}
	if !found {
		t.Fatal("disk_free_bytes for temp dir not reported")
	}
}

func TestHostSamplerMissingPath(t *testing.T) {
	h := NewHostSampler("/definitely/not/here")
	if err := h.Sample(context.Background()); err == nil {
		t.Fatal("expected error for missing path")
	}
}
