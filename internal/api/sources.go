package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/CINPLA/tracking-plugin/internal/httputil"
	"github.com/CINPLA/tracking-plugin/internal/network"
	"github.com/CINPLA/tracking-plugin/internal/tracking"
)

// sourceRequest adds or edits a source. Omitted fields are left unchanged
// on edit; on add a missing port or address creates an unbound source.
type sourceRequest struct {
	Port    *int    `json:"port"`
	Address *string `json:"address"`
	Color   *string `json:"color"`
}

func (req sourceRequest) validate() error {
	if req.Port != nil && *req.Port != tracking.UnsetPort && (*req.Port < 1 || *req.Port > 65535) {
		return fmt.Errorf("port %d out of range", *req.Port)
	}
	if req.Color != nil && *req.Color != "" && !tracking.ValidColor(*req.Color) {
		return fmt.Errorf("unknown color %q", *req.Color)
	}
	return nil
}

func writeSourceError(w http.ResponseWriter, err error) {
	var bindErr *network.BindError
	switch {
	case errors.Is(err, tracking.ErrNoSuchSource):
		httputil.NotFound(w, err.Error())
	case errors.Is(err, tracking.ErrPortInUse), errors.As(err, &bindErr):
		httputil.Conflict(w, err.Error())
	default:
		httputil.BadRequest(w, err.Error())
	}
}

func (s *Server) sourceInfo(i int) (tracking.SourceInfo, bool) {
	for _, info := range s.node.Sources() {
		if info.Index == i {
			return info, true
		}
	}
	return tracking.SourceInfo{}, false
}

func (s *Server) listSources(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSONOK(w, s.node.Sources())
}

func (s *Server) addSource(w http.ResponseWriter, r *http.Request) {
	var req sourceRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := req.validate(); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}

	var (
		i   int
		err error
	)
	if req.Port == nil || *req.Port == tracking.UnsetPort || req.Address == nil || *req.Address == "" {
		i = s.node.AddEmptySource()
		err = s.applySource(i, req)
	} else {
		color := ""
		if req.Color != nil {
			color = *req.Color
		}
		i, err = s.node.AddSource(*req.Port, *req.Address, color)
	}
	if err != nil {
		writeSourceError(w, err)
		return
	}
	info, _ := s.sourceInfo(i)
	httputil.Created(w, info)
}

// applySource sets color, then address, then port, so a source with both
// set binds once.
func (s *Server) applySource(i int, req sourceRequest) error {
	if req.Color != nil && *req.Color != "" {
		if err := s.node.SetColor(i, *req.Color); err != nil {
			return err
		}
	}
	if req.Address != nil {
		if err := s.node.SetAddress(i, *req.Address); err != nil {
			return err
		}
	}
	if req.Port != nil {
		if err := s.node.SetPort(i, *req.Port); err != nil {
			return err
		}
	}
	return nil
}

func (s *Server) updateSource(w http.ResponseWriter, r *http.Request) {
	i, ok := pathIndex(w, r, "i")
	if !ok {
		return
	}
	var req sourceRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := req.validate(); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	if err := s.applySource(i, req); err != nil {
		writeSourceError(w, err)
		return
	}
	info, ok := s.sourceInfo(i)
	if !ok {
		httputil.NotFound(w, tracking.ErrNoSuchSource.Error())
		return
	}
	httputil.WriteJSONOK(w, info)
}

func (s *Server) removeSource(w http.ResponseWriter, r *http.Request) {
	i, ok := pathIndex(w, r, "i")
	if !ok {
		return
	}
	if err := s.node.RemoveSource(i); err != nil {
		writeSourceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
