package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/fielddaq/internal/cron"
	"github.com/loykin/fielddaq/internal/station"
)

type fakeSource struct {
	running bool
}

func (f *fakeSource) Status() []station.Status {
	return []station.Status{
		{Name: "thermo", Kind: "thermo49i", Buffered: 3, Acquired: 42},
		{Name: "ae31", Kind: "ae31", LastError: "no reply"},
	}
}

func (f *fakeSource) Jobs() []cron.JobStatus {
	return []cron.JobStatus{{Name: "thermo/acquire", Schedule: "every 1m0s", Runs: 42}}
}

func (f *fakeSource) Running() bool { return f.running }

func setupRouter(t *testing.T, base string, src StatusSource) http.Handler {
	t.Helper()
	gin.SetMode(gin.TestMode)
	return NewRouter(src, base).Handler()
}

func doReq(t *testing.T, h http.Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec
}

func TestStatusAll(t *testing.T) {
	h := setupRouter(t, "/api", &fakeSource{running: true})
	rec := doReq(t, h, http.MethodGet, "/api/status")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var sts []station.Status
	if err := json.Unmarshal(rec.Body.Bytes(), &sts); err != nil {
		t.Fatal(err)
	}
	if len(sts) != 2 || sts[0].Acquired != 42 {
		t.Fatalf("unexpected body %s", rec.Body.String())
	}
}

func TestStatusByName(t *testing.T) {
	h := setupRouter(t, "", &fakeSource{})
	tests := []struct {
		query string
		code  int
	}{
		{"?name=ae31", http.StatusOK},
		{"?name=nope", http.StatusNotFound},
		{"?name=../etc", http.StatusBadRequest},
	}
	for _, tt := range tests {
		rec := doReq(t, h, http.MethodGet, "/status"+tt.query)
		if rec.Code != tt.code {
			t.Fatalf("%s: expected %d, got %d: %s", tt.query, tt.code, rec.Code, rec.Body.String())
		}
	}
	rec := doReq(t, h, http.MethodGet, "/status?name=ae31")
	var st station.Status
	if err := json.Unmarshal(rec.Body.Bytes(), &st); err != nil {
		t.Fatal(err)
	}
	if st.LastError != "no reply" {
		t.Fatalf("status = %+v", st)
	}
}

func TestJobs(t *testing.T) {
	h := setupRouter(t, "/api", &fakeSource{})
	rec := doReq(t, h, http.MethodGet, "/api/jobs")
	var jobs []cron.JobStatus
	if err := json.Unmarshal(rec.Body.Bytes(), &jobs); err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 1 || jobs[0].Name != "thermo/acquire" {
		t.Fatalf("jobs = %+v", jobs)
	}
}

func TestHealthz(t *testing.T) {
	src := &fakeSource{}
	h := setupRouter(t, "/api", src)
	if rec := doReq(t, h, http.MethodGet, "/api/healthz"); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("idle scheduler: expected 503, got %d", rec.Code)
	}
	src.running = true
	if rec := doReq(t, h, http.MethodGet, "/api/healthz"); rec.Code != http.StatusOK {
		t.Fatalf("running scheduler: expected 200, got %d", rec.Code)
	}
}

func TestUnknownRoute(t *testing.T) {
	h := setupRouter(t, "/api", &fakeSource{})
	if rec := doReq(t, h, http.MethodGet, "/status"); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 outside base path, got %d", rec.Code)
	}
}

func TestNewServerServes(t *testing.T) {
	gin.SetMode(gin.TestMode)
	srv, err := NewServer("127.0.0.1:0", "/api", &fakeSource{running: true})
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = srv.Close() }()
	if srv.ReadHeaderTimeout != 10*time.Second {
		t.Fatalf("read header timeout = %s", srv.ReadHeaderTimeout)
	}
}
