package main

import (
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"testing"
)

func TestPidFileRoundTrip(t *testing.T) {
	pidFile := filepath.Join(t.TempDir(), "fielddaq.pid")
	if err := writePidFile(pidFile, os.Getpid()); err != nil {
		t.Fatalf("writePidFile failed: %v", err)
	}
	b, err := os.ReadFile(pidFile)
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != strconv.Itoa(os.Getpid()) {
		t.Fatalf("pid file contains %q", b)
	}
	if err := removePidFile(pidFile); err != nil {
		t.Fatalf("removePidFile failed: %v", err)
	}
	if _, err := os.Stat(pidFile); !os.IsNotExist(err) {
		t.Error("PID file was not removed")
	}
	if err := removePidFile(""); err != nil {
		t.Fatalf("empty pid file should be a no-op: %v", err)
	}
}

func TestChildArgs(t *testing.T) {
	tests := []struct {
		name string
		in   []string
		pid  string
		want []string
	}{
		{
			name: "strip daemon flags",
			in:   []string{"serve", "--config", "f.toml", "--daemonize", "--logfile", "out.log"},
			want: []string{"serve", "--config", "f.toml"},
		},
		{
			name: "pid file passed on once",
			in:   []string{"serve", "--pidfile=/run/a.pid", "--daemonize", "--simulate"},
			pid:  "/run/a.pid",
			want: []string{"serve", "--simulate", "--pidfile", "/run/a.pid"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := childArgs(tt.in, tt.pid); !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("childArgs = %v, want %v", got, tt.want)
			}
		})
	}
}
