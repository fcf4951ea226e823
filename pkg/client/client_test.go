package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/loykin/fielddaq/internal/cron"
	"github.com/loykin/fielddaq/internal/server"
	"github.com/loykin/fielddaq/internal/station"
)

type source struct{ running bool }

func (source) Status() []station.Status {
	return []station.Status{
		{Name: "49i", Kind: "thermo49i", Acquired: 12, Pending: 1},
		{Name: "fidas", Kind: "fidas", LastError: "modbus timeout"},
	}
}
func (source) Jobs() []cron.JobStatus {
	return []cron.JobStatus{{Name: "49i/acquire", Runs: 12}, {Name: "disk", Runs: 1}}
}
func (s source) Running() bool { return s.running }

func apiHandler(running bool) http.Handler {
	gin.SetMode(gin.TestMode)
	return server.NewRouter(source{running: running}, "/api").Handler()
}

func TestClientStatusAndJobs(t *testing.T) {
	ts := httptest.NewServer(apiHandler(true))
	defer ts.Close()
	c := New(Config{BaseURL: ts.URL + "/api/"})
	ctx := context.Background()

	if !c.IsReachable(ctx) {
		t.Fatal("daemon should be reachable")
	}
	all, err := c.Statuses(ctx)
	if err != nil {
		t.Fatalf("statuses: %v", err)
	}
	if len(all) != 2 || all[0].Acquired != 12 {
		t.Fatalf("unexpected statuses %+v", all)
	}
	one, err := c.Status(ctx, "fidas")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if one.LastError != "modbus timeout" {
		t.Fatalf("unexpected status %+v", one)
	}
	jobs, err := c.Jobs(ctx)
	if err != nil {
		t.Fatalf("jobs: %v", err)
	}
	if len(jobs) != 2 || jobs[1].Name != "disk" {
		t.Fatalf("unexpected jobs %+v", jobs)
	}
}

func TestClientErrors(t *testing.T) {
	ts := httptest.NewServer(apiHandler(true))
	defer ts.Close()
	c := New(Config{BaseURL: ts.URL + "/api"})
	ctx := context.Background()

	tests := []struct {
		name string
		want string
	}{
		{"missing", "unknown instrument"},
		{"../x", "invalid instrument name"},
	}
	for _, tt := range tests {
		_, err := c.Status(ctx, tt.name)
		if err == nil || !strings.Contains(err.Error(), tt.want) {
			t.Fatalf("%s: expected %q, got %v", tt.name, tt.want, err)
		}
	}

	down := New(Config{BaseURL: "http://127.0.0.1:1/api"})
	if down.IsReachable(ctx) {
		t.Fatal("closed port should not be reachable")
	}
}

func TestHealthDecodesServiceUnavailable(t *testing.T) {
	ts := httptest.NewServer(apiHandler(false))
	defer ts.Close()
	h, err := New(Config{BaseURL: ts.URL + "/api"}).Health(context.Background())
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	if h.OK || h.Scheduler != "idle" {
		t.Fatalf("unexpected health %+v", h)
	}
}

func TestClientTLS(t *testing.T) {
	ts := httptest.NewTLSServer(apiHandler(true))
	defer ts.Close()
	ctx := context.Background()

	if _, err := New(Config{BaseURL: ts.URL + "/api"}).Statuses(ctx); err == nil {
		t.Fatal("expected certificate verification error")
	}
	if _, err := New(Config{BaseURL: ts.URL + "/api", Insecure: true}).Statuses(ctx); err != nil {
		t.Fatalf("insecure client: %v", err)
	}
}

func TestSetupClientTLSBadCA(t *testing.T) {
	ca := filepath.Join(t.TempDir(), "ca.pem")
	if err := os.WriteFile(ca, []byte("not a cert"), 0o600); err != nil {
		t.Fatal(err)
	}
	_, err := setupClientTLS(Config{TLS: &TLSClientConfig{Enabled: true, CACert: ca}})
	if err == nil {
		t.Fatal("expected error for invalid CA file")
	}
}
