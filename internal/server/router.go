package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/fielddaq/internal/cron"
	"github.com/loykin/fielddaq/internal/station"
)

// StatusSource is what the API reports on. *station.Fleet implements it.
type StatusSource interface {
	Status() []station.Status
	Jobs() []cron.JobStatus
	Running() bool
}

// Router provides embeddable read-only HTTP handlers for the daemon.
// Endpoints:
//
//	GET {basePath}/status    all instruments, or one with ?name=...
//	GET {basePath}/jobs      scheduler snapshot
//	GET {basePath}/healthz   scheduler state
//
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	src      StatusSource
	basePath string
	started  time.Time
}

// NewRouter constructs a new Router with configurable basePath.
// Example basePath: "/api" results in /api/status, /api/jobs, /api/healthz.
func NewRouter(src StatusSource, basePath string) *Router {
	return &Router{src: src, basePath: sanitizeBase(basePath), started: time.Now()}
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.GET("/status", r.handleStatus)
	group.GET("/jobs", r.handleJobs)
	group.GET("/healthz", r.handleHealth)
	return g
}

// NewServer starts a standalone HTTP server on addr using this router.
// Shut it down with the returned server's Shutdown or Close.
func NewServer(addr, basePath string, src StatusSource) (*http.Server, error) {
	r := NewRouter(src, basePath)
	server := &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() { _ = server.ListenAndServe() }()
	return server, nil
}

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
}

type healthResp struct {
	OK        bool   `json:"ok"`
	Scheduler string `json:"scheduler"`
	Uptime    string `json:"uptime"`
}

func (r *Router) handleStatus(c *gin.Context) {
	name := c.Query("name")
	sts := r.src.Status()
	if name == "" {
		writeJSON(c, http.StatusOK, sts)
		return
	}
	if !validName(name) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid instrument name"})
		return
	}
	for _, st := range sts {
		if st.Name == name {
			writeJSON(c, http.StatusOK, st)
			return
		}
	}
	writeJSON(c, http.StatusNotFound, errorResp{Error: "unknown instrument " + name})
}

func (r *Router) handleJobs(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.src.Jobs())
}

func (r *Router) handleHealth(c *gin.Context) {
	resp := healthResp{OK: true, Scheduler: "idle", Uptime: time.Since(r.started).Truncate(time.Second).String()}
	code := http.StatusOK
	if r.src.Running() {
		resp.Scheduler = "running"
	} else {
		resp.OK = false
		code = http.StatusServiceUnavailable
	}
	writeJSON(c, code, resp)
}
