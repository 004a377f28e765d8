// Package api serves the HTTP control and monitoring surface of the tracking
// service.
package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/CINPLA/tracking-plugin/internal/config"
	"github.com/CINPLA/tracking-plugin/internal/db"
	"github.com/CINPLA/tracking-plugin/internal/host"
	"github.com/CINPLA/tracking-plugin/internal/httputil"
	"github.com/CINPLA/tracking-plugin/internal/monitoring"
	"github.com/CINPLA/tracking-plugin/internal/stim"
	"github.com/CINPLA/tracking-plugin/internal/tracking"
)

// ANSI escape codes for the request log
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

const maxBodySize = 1 << 20

// Config contains configuration options for a Server.
type Config struct {
	Graph      *host.Graph
	Node       *tracking.Node
	Stimulator *stim.Stimulator
	Status     *monitoring.StatusLog
	Stats      *monitoring.MessageStats
	// Trail feeds the trajectory chart. When nil one is created and added
	// to Graph as a sink.
	Trail *Trail
	// DB and Recorder are optional; without DB the session routes
	// answer 404.
	DB       *db.DB
	Recorder *db.Recorder
	// ConfigPath is the default target of config save and load. Explicit
	// paths must lie in its directory.
	ConfigPath string
	// Base is the loaded configuration; saving writes it back with the
	// running state captured into it.
	Base *config.Config
}

// Server holds the running components the handlers operate on.
type Server struct {
	graph      *host.Graph
	node       *tracking.Node
	stim       *stim.Stimulator
	status     *monitoring.StatusLog
	notify     monitoring.StatusSink
	stats      *monitoring.MessageStats
	trail      *Trail
	db         *db.DB
	recorder   *db.Recorder
	configPath string

	mu   sync.Mutex
	base *config.Config
}

// NewServer validates cfg and creates a Server.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Graph == nil || cfg.Node == nil || cfg.Stimulator == nil {
		return nil, errors.New("api: graph, node and stimulator are required")
	}
	if cfg.ConfigPath == "" {
		cfg.ConfigPath = config.DefaultConfigPath
	}
	if cfg.Base == nil {
		cfg.Base = config.Default()
	}
	if cfg.Trail == nil {
		cfg.Trail = NewTrail(0)
		cfg.Graph.AddSink(cfg.Trail)
	}
	s := &Server{
		graph:      cfg.Graph,
		node:       cfg.Node,
		stim:       cfg.Stimulator,
		status:     cfg.Status,
		stats:      cfg.Stats,
		trail:      cfg.Trail,
		db:         cfg.DB,
		recorder:   cfg.Recorder,
		configPath: cfg.ConfigPath,
		base:       cfg.Base,
	}
	if cfg.Status != nil {
		s.notify = cfg.Status
	}
	return s, nil
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	code := strconv.Itoa(statusCode)
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + code + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + code + colorReset
	case statusCode >= 400:
		return colorBoldRed + code + colorReset
	default:
		return code
	}
}

// LoggingMiddleware logs method, path, query, status, and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		monitoring.Logf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

// ServeMux returns the routes. The database admin routes are attached under
// /debug/ when a database is configured.
func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/stats", s.handleStats)
	mux.HandleFunc("GET /api/status-messages", s.handleStatusMessages)

	mux.HandleFunc("GET /api/sources", s.listSources)
	mux.HandleFunc("POST /api/sources", s.addSource)
	mux.HandleFunc("PUT /api/sources/{i}", s.updateSource)
	mux.HandleFunc("DELETE /api/sources/{i}", s.removeSource)

	mux.HandleFunc("POST /api/acquisition", s.setAcquisition)
	mux.HandleFunc("POST /api/recording", s.setRecording)
	mux.HandleFunc("POST /api/ttl", s.injectTTL)

	mux.HandleFunc("GET /api/regions", s.listRegions)
	mux.HandleFunc("POST /api/regions", s.addRegion)
	mux.HandleFunc("POST /api/regions/disable", s.disableRegions)
	mux.HandleFunc("PUT /api/regions/{i}", s.editRegion)
	mux.HandleFunc("DELETE /api/regions/{i}", s.deleteRegion)
	mux.HandleFunc("POST /api/regions/{i}/select", s.selectRegion)

	mux.HandleFunc("GET /api/stim", s.stimState)
	mux.HandleFunc("GET /api/stim/settings", s.getStimSettings)
	mux.HandleFunc("PUT /api/stim/settings", s.putStimSettings)
	mux.HandleFunc("POST /api/stim/{action}", s.stimAction)
	mux.HandleFunc("GET /api/stim/channels/{c}", s.getChannel)
	mux.HandleFunc("PUT /api/stim/channels/{c}", s.putChannel)

	mux.HandleFunc("GET /api/chart/trajectory", s.handleTrajectoryChart)

	mux.HandleFunc("GET /api/sessions", s.listSessions)
	mux.HandleFunc("GET /api/sessions/{id}", s.getSession)
	mux.HandleFunc("GET /api/sessions/{id}/positions", s.sessionPositions)
	mux.HandleFunc("GET /api/sessions/{id}/ttl", s.sessionTTL)
	mux.HandleFunc("GET /api/status-log", s.statusLog)

	mux.HandleFunc("GET /api/config", s.getConfig)
	mux.HandleFunc("POST /api/config/save", s.saveConfig)
	mux.HandleFunc("POST /api/config/load", s.loadConfig)

	if s.db != nil {
		s.db.AttachAdminRoutes(mux)
	}
	return mux
}

// Handler returns the routes wrapped in LoggingMiddleware.
func (s *Server) Handler() http.Handler {
	return LoggingMiddleware(s.ServeMux())
}

// decodeBody decodes a JSON request body into v. An empty body leaves v
// untouched.
func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	return httputil.DecodeJSON(w, r, v, maxBodySize)
}

// pathIndex parses the integer path value name.
func pathIndex(w http.ResponseWriter, r *http.Request, name string) (int, bool) {
	i, err := strconv.Atoi(r.PathValue(name))
	if err != nil {
		httputil.BadRequest(w, fmt.Sprintf("invalid %s %q", name, r.PathValue(name)))
		return 0, false
	}
	return i, true
}

// queryLimit parses the limit query parameter.
func queryLimit(w http.ResponseWriter, r *http.Request, def int) (int, bool) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return def, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		httputil.BadRequest(w, "Invalid 'limit' parameter")
		return 0, false
	}
	return n, true
}
