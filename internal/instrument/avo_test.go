package instrument

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/loykin/fielddaq/internal/clock"
	"github.com/loykin/fielddaq/internal/config"
	"github.com/loykin/fielddaq/internal/daqerr"
)

func avoJSON(instant ...string) string {
	var rows []string
	for _, ts := range instant {
		rows = append(rows, fmt.Sprintf(`{"ts":%q,"pm25":{"conc":12.5,"aqius":52},"tp":21}`, ts))
	}
	return `{
  "name": "Nairobi Kenya",
  "current": {"ts": "2024-05-17T07:59:00.000Z", "pm25": {"conc": 9}, "tp": 20.5},
  "historical": {
    "instant": [` + strings.Join(rows, ",") + `],
    "hourly": [{"ts": "2024-05-17T07:00:00.000Z", "pm25": {"conc": 11}}],
    "daily": [],
    "monthly": [{"ts": "2024-05-01T00:00:00.000Z", "co2": 415}]
  }
}`
}

func newTestAVO(t *testing.T, url string, validated bool) *AVO {
	t.Helper()
	d, err := New(config.InstrumentConfig{
		Name: "avo",
		Type: KindAVO,
		HTTP: &config.HTTPConfig{URLs: map[string]string{"nairobi": url}, Validated: validated, Timeout: 5 * time.Second},
	}, Deps{Clock: clock.Fake(time.Date(2024, 5, 17, 8, 0, 0, 0, time.UTC))})
	if err != nil {
		t.Fatalf("new avo: %v", err)
	}
	return d.(*AVO)
}

func TestAVODownloadMergesHistory(t *testing.T) {
	bodies := []string{
		avoJSON("2024-05-17T07:58:00.000Z", "2024-05-17T07:57:00.000Z"),
		avoJSON("2024-05-17T07:59:00.000Z", "2024-05-17T07:58:00.000Z"),
	}
	var paths []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
		_, _ = w.Write([]byte(bodies[0]))
		bodies = bodies[1:]
	}))
	defer srv.Close()

	a := newTestAVO(t, srv.URL+"/api/key123", false)
	dir := t.TempDir()
	for i := 0; i < 2; i++ {
		files, err := a.Download(context.Background(), dir)
		if err != nil {
			t.Fatalf("download %d: %v", i, err)
		}
		if len(files) != 3 {
			t.Fatalf("files = %v", files)
		}
	}
	if paths[0] != "/api/key123" {
		t.Fatalf("requested %s", paths[0])
	}

	got, err := os.ReadFile(filepath.Join(dir, "nairobi_kenya_avo_instant-20240517.csv"))
	if err != nil {
		t.Fatal(err)
	}
	want := "ts,pm25_aqius,pm25_conc,tp\n" +
		"2024-05-17T07:57:00.000Z,52,12.5,21\n" +
		"2024-05-17T07:58:00.000Z,52,12.5,21\n" +
		"2024-05-17T07:59:00.000Z,52,12.5,21\n"
	if string(got) != want {
		t.Fatalf("instant file =\n%s\nwant\n%s", got, want)
	}
	for _, name := range []string{"nairobi_kenya_avo_hourly-20240517.csv", "nairobi_kenya_avo_monthly-202405.csv"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Fatalf("%s: %v", name, err)
		}
	}
	if _, err := os.Stat(filepath.Join(dir, "nairobi_kenya_avo_daily-20240517.csv")); !errors.Is(err, os.ErrNotExist) {
		t.Fatal("empty table must not create a file")
	}
}

func TestAVOValidatedAndErrors(t *testing.T) {
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		http.Error(w, "invalid key", http.StatusUnauthorized)
	}))
	defer srv.Close()

	a := newTestAVO(t, srv.URL+"/api/key123/", true)
	files, err := a.Download(context.Background(), t.TempDir())
	if !errors.Is(err, daqerr.ErrCommunication) || len(files) != 0 {
		t.Fatalf("files=%v err=%v", files, err)
	}
	if !strings.Contains(err.Error(), "invalid key") {
		t.Fatalf("error should carry the portal reply: %v", err)
	}
	if path != "/api/key123/validated_data" {
		t.Fatalf("validated path = %s", path)
	}
}

func TestAVOAcquireReportsCurrent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(avoJSON("2024-05-17T07:58:00.000Z")))
	}))
	defer srv.Close()

	r := newTestAVO(t, srv.URL, false).Acquire(context.Background())
	if !r.OK() {
		t.Fatalf("acquire: %v", r.Err)
	}
	if r.Data != "9 20.5" {
		t.Fatalf("data = %q", r.Data)
	}
	if want := time.Date(2024, 5, 17, 7, 59, 0, 0, time.UTC); !r.At.Equal(want) {
		t.Fatalf("at = %s", r.At)
	}
}

func TestAVOWithoutURLsIsConfigError(t *testing.T) {
	_, err := New(config.InstrumentConfig{Name: "avo", Type: KindAVO}, Deps{})
	if !errors.Is(err, daqerr.ErrConfig) {
		t.Fatalf("expected ErrConfig, got %v", err)
	}
}
