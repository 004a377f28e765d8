// Package httputil holds the JSON response helpers of the HTTP API and a
// small JSON client for talking to it.
package httputil

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
)

// Doer sends HTTP requests. *http.Client satisfies it; FakeDoer stands in
// for it in tests.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// StatusError is returned by DoJSON for a non-2xx reply. Message holds the
// "error" field of a JSON error body when there is one.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("http %d", e.Code)
	}
	return fmt.Sprintf("http %d: %s", e.Code, e.Message)
}

// DoJSON sends body (when non-nil) as JSON and decodes a 2xx reply into out
// (when non-nil).
func DoJSON(c Doer, method, url string, body, out interface{}) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, url, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e ErrorBody
		_ = json.NewDecoder(resp.Body).Decode(&e)
		return &StatusError{Code: resp.StatusCode, Message: e.Error}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// FakeReply is one canned response of a FakeDoer.
type FakeReply struct {
	StatusCode int
	Body       string
	Err        error
}

// FakeDoer records requests and answers them from a queue of replies,
// falling back to an empty 200.
type FakeDoer struct {
	mu       sync.Mutex
	replies  []FakeReply
	requests []*http.Request
	bodies   []string
}

// Reply queues a response.
func (f *FakeDoer) Reply(status int, body string) *FakeDoer {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replies = append(f.replies, FakeReply{StatusCode: status, Body: body})
	return f
}

// Fail queues a transport error.
func (f *FakeDoer) Fail(err error) *FakeDoer {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replies = append(f.replies, FakeReply{Err: err})
	return f
}

func (f *FakeDoer) Do(req *http.Request) (*http.Response, error) {
	var body string
	if req.Body != nil {
		b, err := io.ReadAll(req.Body)
		if err != nil {
			return nil, err
		}
		body = string(b)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	f.bodies = append(f.bodies, body)

	reply := FakeReply{StatusCode: http.StatusOK}
	if len(f.replies) > 0 {
		reply, f.replies = f.replies[0], f.replies[1:]
	}
	if reply.Err != nil {
		return nil, reply.Err
	}
	return &http.Response{
		StatusCode: reply.StatusCode,
		Body:       io.NopCloser(bytes.NewBufferString(reply.Body)),
		Header:     make(http.Header),
		Request:    req,
	}, nil
}

// Request returns the nth recorded request and its body.
func (f *FakeDoer) Request(n int) (*http.Request, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if n < 0 || n >= len(f.requests) {
		return nil, ""
	}
	return f.requests[n], f.bodies[n]
}

// Count returns the number of recorded requests.
func (f *FakeDoer) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}
