package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/CINPLA/tracking-plugin/internal/config"
	"github.com/CINPLA/tracking-plugin/internal/events"
	"github.com/CINPLA/tracking-plugin/internal/host"
	"github.com/CINPLA/tracking-plugin/internal/httputil"
	"github.com/CINPLA/tracking-plugin/internal/monitoring"
	"github.com/CINPLA/tracking-plugin/internal/stim"
	"github.com/CINPLA/tracking-plugin/internal/tracking"
	"github.com/CINPLA/tracking-plugin/internal/version"
)

// RecorderStatus describes the session store writer.
type RecorderStatus struct {
	Session string `json:"session,omitempty"`
	Written int64  `json:"written"`
	Dropped int64  `json:"dropped"`
}

// StatusResponse is the body of GET /api/status.
type StatusResponse struct {
	Version    string                    `json:"version"`
	Graph      host.Status               `json:"graph"`
	Sources    []tracking.SourceInfo     `json:"sources"`
	Received   int64                     `json:"received"`
	Cleared    int64                     `json:"cleared_queues"`
	Stimulator stim.State                `json:"stimulator"`
	Regions    []config.Region           `json:"regions"`
	Stats      *monitoring.StatsSnapshot `json:"stats,omitempty"`
	Recorder   *RecorderStatus           `json:"recorder,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	state := s.stim.State()
	resp := StatusResponse{
		Version:    version.String(),
		Graph:      s.graph.Status(),
		Sources:    s.node.Sources(),
		Received:   s.node.Received(),
		Cleared:    s.node.ClearedQueues(),
		Stimulator: state,
		Regions:    regionsOf(state.Regions),
	}
	if s.stats != nil {
		resp.Stats = s.stats.Latest()
	}
	if s.recorder != nil {
		resp.Recorder = &RecorderStatus{
			Session: s.recorder.Session(),
			Written: s.recorder.Written(),
			Dropped: s.recorder.Dropped(),
		}
	}
	httputil.WriteJSONOK(w, resp)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if s.stats == nil {
		httputil.NotFound(w, "message statistics are not enabled")
		return
	}
	snap := s.stats.Latest()
	if snap == nil {
		snap = &monitoring.StatsSnapshot{Sources: []monitoring.SourceRates{}}
	}
	httputil.WriteJSONOK(w, snap)
}

func (s *Server) handleStatusMessages(w http.ResponseWriter, r *http.Request) {
	entries := []monitoring.StatusEntry{}
	if s.status != nil {
		entries = append(entries, s.status.Recent()...)
	}
	httputil.WriteJSONOK(w, entries)
}

type gateRequest struct {
	Active bool `json:"active"`
}

func (s *Server) setAcquisition(w http.ResponseWriter, r *http.Request) {
	var req gateRequest
	if !decodeBody(w, r, &req) {
		return
	}
	s.graph.SetAcquisition(req.Active)
	httputil.WriteJSONOK(w, s.graph.Status())
}

func (s *Server) setRecording(w http.ResponseWriter, r *http.Request) {
	var req gateRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.graph.SetRecording(req.Active); err != nil {
		if errors.Is(err, host.ErrNotAcquiring) {
			httputil.Conflict(w, err.Error())
			return
		}
		httputil.InternalServerError(w, err.Error())
		return
	}
	httputil.WriteJSONOK(w, s.graph.Status())
}

type ttlRequest struct {
	Line  int  `json:"line"`
	State bool `json:"state"`
}

// injectTTL queues a TTL edge for the next cycle, as if it came from an
// upstream processor.
func (s *Server) injectTTL(w http.ResponseWriter, r *http.Request) {
	var req ttlRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Line < 0 || req.Line >= stim.MaxOutput {
		httputil.BadRequest(w, fmt.Sprintf("line must be in 0-%d", stim.MaxOutput-1))
		return
	}
	st := s.graph.Status()
	if !st.Acquiring {
		httputil.Conflict(w, "acquisition is not running")
		return
	}
	s.graph.Inject(events.Event{
		Kind:      events.TTL,
		Processor: "api",
		Timestamp: st.Sample,
		Line:      req.Line,
		State:     req.State,
	})
	httputil.Accepted(w, req)
}
