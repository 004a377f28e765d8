package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/CINPLA/tracking-plugin/internal/config"
	"github.com/CINPLA/tracking-plugin/internal/httputil"
	"github.com/CINPLA/tracking-plugin/internal/stim"
)

func regionsOf(rs []stim.Region) []config.Region {
	out := make([]config.Region, 0, len(rs))
	for i, r := range rs {
		out = append(out, config.RegionOf(i, r))
	}
	return out
}

var stimErrorCodes = []httputil.ErrorCode{
	{Err: stim.ErrNoSuchRegion, Code: http.StatusNotFound},
	{Err: stim.ErrTooManyRegions, Code: http.StatusConflict},
	{Err: stim.ErrHardwareNotConnected, Code: http.StatusServiceUnavailable},
}

func writeStimError(w http.ResponseWriter, err error) {
	httputil.WriteError(w, err, stimErrorCodes...)
}

// RegionsResponse is the body of GET /api/regions.
type RegionsResponse struct {
	Selected int             `json:"selected"`
	Regions  []config.Region `json:"regions"`
}

func (s *Server) listRegions(w http.ResponseWriter, r *http.Request) {
	state := s.stim.State()
	httputil.WriteJSONOK(w, RegionsResponse{Selected: state.SelectedRegion, Regions: regionsOf(state.Regions)})
}

func decodeRegion(w http.ResponseWriter, r *http.Request) (stim.Region, bool) {
	var req config.Region
	if !decodeBody(w, r, &req) {
		return stim.Region{}, false
	}
	region, err := req.StimRegion()
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return stim.Region{}, false
	}
	return region, true
}

func (s *Server) addRegion(w http.ResponseWriter, r *http.Request) {
	region, ok := decodeRegion(w, r)
	if !ok {
		return
	}
	i, err := s.stim.AddRegion(region)
	if err != nil {
		writeStimError(w, err)
		return
	}
	httputil.Created(w, config.RegionOf(i, region))
}

func (s *Server) editRegion(w http.ResponseWriter, r *http.Request) {
	i, ok := pathIndex(w, r, "i")
	if !ok {
		return
	}
	region, ok := decodeRegion(w, r)
	if !ok {
		return
	}
	if err := s.stim.EditRegion(i, region); err != nil {
		writeStimError(w, err)
		return
	}
	httputil.WriteJSONOK(w, config.RegionOf(i, region))
}

func (s *Server) deleteRegion(w http.ResponseWriter, r *http.Request) {
	i, ok := pathIndex(w, r, "i")
	if !ok {
		return
	}
	if err := s.stim.DeleteRegion(i); err != nil {
		writeStimError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) selectRegion(w http.ResponseWriter, r *http.Request) {
	i, ok := pathIndex(w, r, "i")
	if !ok {
		return
	}
	if err := s.stim.SelectRegion(i); err != nil {
		writeStimError(w, err)
		return
	}
	s.listRegions(w, r)
}

func (s *Server) disableRegions(w http.ResponseWriter, r *http.Request) {
	s.stim.DisableRegions()
	s.listRegions(w, r)
}

// StimResponse is the body of GET /api/stim.
type StimResponse struct {
	stim.State
	Regions []config.Region `json:"regions"`
}

func (s *Server) stimState(w http.ResponseWriter, r *http.Request) {
	state := s.stim.State()
	httputil.WriteJSONOK(w, StimResponse{State: state, Regions: regionsOf(state.Regions)})
}

func (s *Server) getStimSettings(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSONOK(w, s.stim.Settings())
}

// putStimSettings overlays the body on the current settings.
func (s *Server) putStimSettings(w http.ResponseWriter, r *http.Request) {
	settings := s.stim.Settings()
	if !decodeBody(w, r, &settings) {
		return
	}
	if err := s.stim.SetSettings(settings); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	httputil.WriteJSONOK(w, s.stim.Settings())
}

type syncRequest struct {
	Channel *int `json:"channel"`
}

func (s *Server) stimAction(w http.ResponseWriter, r *http.Request) {
	var err error
	switch action := r.PathValue("action"); action {
	case "start":
		s.stim.Start()
	case "stop":
		s.stim.Stop()
	case "test":
		err = s.stim.TestStimulation()
	case "program":
		err = s.stim.UpdateHardware()
	case "sync":
		var req syncRequest
		if !decodeBody(w, r, &req) {
			return
		}
		ch := s.stim.Settings().StimSyncChannel
		if req.Channel != nil {
			ch = *req.Channel
		}
		err = s.stim.SyncStimulation(ch)
	default:
		httputil.NotFound(w, fmt.Sprintf("unknown action %q", action))
		return
	}
	if err != nil {
		writeStimError(w, err)
		return
	}
	httputil.WriteJSONOK(w, map[string]bool{"on": s.stim.IsOn()})
}

// ChannelResponse is the stored channel after a PUT. Corrected is set when
// the submitted train was inconsistent and has been adjusted.
type ChannelResponse struct {
	Channel   int                `json:"channel"`
	Config    stim.ChannelConfig `json:"config"`
	Corrected bool               `json:"corrected"`
	Warning   string             `json:"warning,omitempty"`
}

func (s *Server) getChannel(w http.ResponseWriter, r *http.Request) {
	c, ok := pathIndex(w, r, "c")
	if !ok {
		return
	}
	cfg, err := s.stim.Channel(c)
	if err != nil {
		httputil.NotFound(w, err.Error())
		return
	}
	httputil.WriteJSONOK(w, ChannelResponse{Channel: c, Config: cfg})
}

// putChannel overlays the body on channel c. The priority query parameter
// ("repetitions" or "train") picks which field wins when the train is
// inconsistent; it defaults to the configured priority.
func (s *Server) putChannel(w http.ResponseWriter, r *http.Request) {
	c, ok := pathIndex(w, r, "c")
	if !ok {
		return
	}
	cfg, err := s.stim.Channel(c)
	if err != nil {
		httputil.NotFound(w, err.Error())
		return
	}
	priority := s.priority()
	if p := r.URL.Query().Get("priority"); p != "" {
		if priority, err = stim.ParsePriority(p); err != nil {
			httputil.BadRequest(w, err.Error())
			return
		}
	}
	if !decodeBody(w, r, &cfg) {
		return
	}

	stored, err := s.stim.SetChannel(c, cfg, priority)
	resp := ChannelResponse{Channel: c, Config: stored}
	switch {
	case errors.Is(err, stim.ErrInconsistentTrain):
		resp.Corrected = true
		resp.Warning = err.Error()
	case err != nil:
		httputil.BadRequest(w, err.Error())
		return
	}
	httputil.WriteJSONOK(w, resp)
}

func (s *Server) priority() stim.Priority {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, err := s.base.GetPriority()
	if err != nil {
		return stim.RepetitionsFirst
	}
	return p
}
