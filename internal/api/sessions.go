package api

import (
	"errors"
	"fmt"
	"net/http"
	"path/filepath"

	"github.com/CINPLA/tracking-plugin/internal/config"
	"github.com/CINPLA/tracking-plugin/internal/db"
	"github.com/CINPLA/tracking-plugin/internal/httputil"
	"github.com/CINPLA/tracking-plugin/internal/monitoring"
	"github.com/CINPLA/tracking-plugin/internal/security"
)

const defaultSessionLimit = 50

func (s *Server) requireDB(w http.ResponseWriter) bool {
	if s.db == nil {
		httputil.NotFound(w, "no database configured")
		return false
	}
	return true
}

// session resolves the id path value; "latest" names the newest session.
func (s *Server) session(w http.ResponseWriter, r *http.Request) (db.Session, bool) {
	id := r.PathValue("id")
	if id == "latest" {
		id = ""
	}
	sess, err := s.db.Session(id)
	if err != nil {
		if errors.Is(err, db.ErrNoSession) {
			httputil.NotFound(w, err.Error())
		} else {
			httputil.InternalServerError(w, err.Error())
		}
		return db.Session{}, false
	}
	return sess, true
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	if !s.requireDB(w) {
		return
	}
	limit, ok := queryLimit(w, r, defaultSessionLimit)
	if !ok {
		return
	}
	sessions, err := s.db.Sessions(limit)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("Failed to retrieve sessions: %v", err))
		return
	}
	httputil.WriteJSONOK(w, sessions)
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	if !s.requireDB(w) {
		return
	}
	if sess, ok := s.session(w, r); ok {
		httputil.WriteJSONOK(w, sess)
	}
}

func (s *Server) sessionPositions(w http.ResponseWriter, r *http.Request) {
	if !s.requireDB(w) {
		return
	}
	limit, ok := queryLimit(w, r, 0)
	if !ok {
		return
	}
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	rows, err := s.db.Positions(sess.ID, limit)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("Failed to retrieve positions: %v", err))
		return
	}
	httputil.WriteJSONOK(w, rows)
}

func (s *Server) sessionTTL(w http.ResponseWriter, r *http.Request) {
	if !s.requireDB(w) {
		return
	}
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	rows, err := s.db.TTLEvents(sess.ID)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("Failed to retrieve TTL events: %v", err))
		return
	}
	httputil.WriteJSONOK(w, rows)
}

func (s *Server) statusLog(w http.ResponseWriter, r *http.Request) {
	if !s.requireDB(w) {
		return
	}
	limit, ok := queryLimit(w, r, monitoring.DefaultStatusHistory)
	if !ok {
		return
	}
	rows, err := s.db.StatusLog(limit)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("Failed to retrieve status log: %v", err))
		return
	}
	httputil.WriteJSONOK(w, rows)
}

type configRequest struct {
	Path string `json:"path"`
}

// ConfigResponse reports a save or load. Warning lists sources or channels
// that could not be applied as given.
type ConfigResponse struct {
	Path    string `json:"path"`
	Warning string `json:"warning,omitempty"`
}

// resolveConfigPath returns the requested path, defaulting to the configured one.
// A requested path must lie in the configured file's directory.
func (s *Server) resolveConfigPath(w http.ResponseWriter, r *http.Request) (string, bool) {
	var req configRequest
	if !decodeBody(w, r, &req) {
		return "", false
	}
	if req.Path == "" {
		return s.configPath, true
	}
	path := req.Path
	dir := filepath.Dir(s.configPath)
	if !filepath.IsAbs(path) {
		path = filepath.Join(dir, path)
	}
	if err := security.WithinDirectory(path, dir); err != nil {
		httputil.Forbidden(w, err.Error())
		return "", false
	}
	return path, true
}

func (s *Server) capture() *config.Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return config.Capture(s.base, s.node, s.stim)
}

func (s *Server) getConfig(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSONOK(w, s.capture())
}

func (s *Server) saveConfig(w http.ResponseWriter, r *http.Request) {
	path, ok := s.resolveConfigPath(w, r)
	if !ok {
		return
	}
	cfg := s.capture()
	if err := config.Save(path, cfg); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	s.mu.Lock()
	s.base = cfg
	s.mu.Unlock()
	monitoring.Statusf(s.notify, "Saved configuration to %s", path)
	httputil.WriteJSONOK(w, ConfigResponse{Path: path})
}

// loadConfig replaces the sources and stimulator state with the file's.
// Sources that fail to bind and corrected channels are reported in the
// response; a file that fails to parse or validate changes nothing.
func (s *Server) loadConfig(w http.ResponseWriter, r *http.Request) {
	path, ok := s.resolveConfigPath(w, r)
	if !ok {
		return
	}
	cfg, err := config.Load(path)
	if err != nil {
		monitoring.Statusf(s.notify, "Could not load %s: %v", path, err)
		httputil.BadRequest(w, err.Error())
		return
	}
	resp := ConfigResponse{Path: path}
	if err := errors.Join(cfg.ApplySources(s.node), cfg.ApplyStimulator(s.stim)); err != nil {
		resp.Warning = err.Error()
	}
	s.mu.Lock()
	s.base = cfg
	s.mu.Unlock()
	monitoring.Statusf(s.notify, "Loaded configuration from %s", path)
	httputil.WriteJSONOK(w, resp)
}
