package opensearch

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/loykin/fielddaq/internal/history"
)

func TestOpenSearchSink_Send(t *testing.T) {
	var receivedBody []byte
	var receivedURL, receivedMethod, receivedUser string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		receivedMethod = r.Method
		receivedURL = r.URL.Path
		receivedUser, _, _ = r.BasicAuth()
		receivedBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"result":"created"}`))
	}))
	defer server.Close()

	sink := New(server.URL, "fielddaq").WithBasicAuth("daq", "secret")

	event := history.NewEvent(history.EventStaged, "ae31", time.Now().UTC(), nil)
	event.Path = "/staging/ae31/ae31-20240101.zip"
	event.Bytes = 321
	if err := sink.Send(context.Background(), event); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if receivedMethod != http.MethodPut {
		t.Errorf("Expected PUT method, got: %s", receivedMethod)
	}
	if want := "/fielddaq/_doc/" + event.ID; receivedURL != want {
		t.Errorf("Expected URL path %s, got: %s", want, receivedURL)
	}
	if receivedUser != "daq" {
		t.Errorf("Expected basic auth user daq, got %q", receivedUser)
	}

	var got map[string]any
	if err := json.Unmarshal(receivedBody, &got); err != nil {
		t.Fatalf("Failed to parse received JSON: %v", err)
	}
	if got["type"] != string(history.EventStaged) {
		t.Errorf("Expected type %s, got: %v", history.EventStaged, got["type"])
	}
	if got["instrument"] != "ae31" || got["bytes"] != float64(321) {
		t.Errorf("unexpected body: %v", got)
	}
	if _, ok := got["error"]; ok {
		t.Errorf("empty error must be omitted: %v", got)
	}
}

func TestOpenSearchSink_SendError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"bad request"}`))
	}))
	defer server.Close()

	sink := New(server.URL, "fielddaq")
	err := sink.Send(context.Background(), history.NewEvent(history.EventSaved, "x", time.Now(), nil))
	if err == nil {
		t.Fatal("Expected error, got nil")
	}
	if !strings.Contains(err.Error(), "opensearch sink status 400") {
		t.Errorf("Expected status error message, got: %v", err)
	}
}

func TestOpenSearchSink_URLConstruction(t *testing.T) {
	tests := []struct {
		name  string
		base  string
		index string
		id    string
		want  string
	}{
		{"with id", "http://localhost:9200", "logs", "abc", "/logs/_doc/abc"},
		{"trailing slash", "http://localhost:9200/", "events", "1", "/events/_doc/1"},
		{"no id posts", "http://localhost:9200", "events", "", "/events/_doc"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got string
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				got = r.URL.Path
				w.WriteHeader(http.StatusCreated)
			}))
			defer server.Close()

			sink := New(tt.base, tt.index)
			sink.baseURL = server.URL
			_ = sink.Send(context.Background(), history.Event{ID: tt.id, Type: history.EventSaved, OccurredAt: time.Now()})
			if got != tt.want {
				t.Errorf("Expected URL path %s, got: %s", tt.want, got)
			}
		})
	}
}
