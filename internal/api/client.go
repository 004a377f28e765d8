package api

import (
	"net/http"
	"strings"

	"github.com/CINPLA/tracking-plugin/internal/host"
	"github.com/CINPLA/tracking-plugin/internal/httputil"
)

// Client drives a running service's acquisition and recording gates.
type Client struct {
	base string
	http httputil.Doer
}

// NewClient returns a client for the service at baseURL, e.g.
// http://localhost:8080. A nil doer uses http.DefaultClient.
func NewClient(baseURL string, doer httputil.Doer) *Client {
	if doer == nil {
		doer = http.DefaultClient
	}
	return &Client{base: strings.TrimRight(baseURL, "/"), http: doer}
}

// Status returns the service status.
func (c *Client) Status() (StatusResponse, error) {
	var st StatusResponse
	err := httputil.DoJSON(c.http, http.MethodGet, c.base+"/api/status", nil, &st)
	return st, err
}

// SetAcquisition opens or closes the acquisition gate.
func (c *Client) SetAcquisition(active bool) (host.Status, error) {
	return c.gate("/api/acquisition", active)
}

// SetRecording opens or closes the recording gate. Acquisition must be
// active to start recording.
func (c *Client) SetRecording(active bool) (host.Status, error) {
	return c.gate("/api/recording", active)
}

func (c *Client) gate(path string, active bool) (host.Status, error) {
	var st host.Status
	err := httputil.DoJSON(c.http, http.MethodPost, c.base+path, gateRequest{Active: active}, &st)
	return st, err
}
