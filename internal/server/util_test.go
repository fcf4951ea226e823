package server

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
)

func TestSanitizeBase(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"", ""},
		{"/", ""},
		{"daq", "/daq"},
		{"/api", "/api"},
		{"/api/", "/api"},
		{" /station/api// ", "/station/api"},
	}
	for _, c := range cases {
		if got := sanitizeBase(c.in); got != c.want {
			t.Fatalf("sanitizeBase(%q)=%q want %q", c.in, got, c.want)
		}
	}
}

func TestValidName(t *testing.T) {
	cases := []struct {
		name string
		ok   bool
	}{
		{"49i", true},
		{"ae31", true},
		{"aurora_3000-2.b", true},
		{"", false},
		{".hidden", false},
		{"-flag", false},
		{"a..b", false},
		{"a/b", false},
		{`a\b`, false},
		{"o3*", false},
		{"측정기", false},
		{strings.Repeat("x", maxNameLen+1), false},
	}
	for _, c := range cases {
		if got := validName(c.name); got != c.ok {
			t.Fatalf("validName(%q)=%v want %v", c.name, got, c.ok)
		}
	}
}

func TestWriteJSONHeaders(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/x", func(c *gin.Context) { writeJSON(c, http.StatusAccepted, map[string]int{"buffered": 3}) })
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("content-type: %s", ct)
	}
	if cc := rec.Header().Get("Cache-Control"); cc != "no-store" {
		t.Fatalf("cache-control: %s", cc)
	}
	if strings.TrimSpace(rec.Body.String()) != `{"buffered":3}` {
		t.Fatalf("body: %s", rec.Body.String())
	}
}
