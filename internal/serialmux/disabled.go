package serialmux

import (
	"context"
	"net/http"
	"sync"

	"github.com/CINPLA/tracking-plugin/internal/httputil"
	"github.com/CINPLA/tracking-plugin/internal/monitoring"
)

// DisabledSerialMux stands in when no pulse generator port is configured or
// the port failed to open. Commands are counted and dropped; subscribers only
// ever see their channel closed.
type DisabledSerialMux struct {
	mu          sync.Mutex
	subscribers map[string]chan string
	closed      bool
	dropped     int
}

func NewDisabledSerialMux() *DisabledSerialMux {
	return &DisabledSerialMux{subscribers: make(map[string]chan string)}
}

func (d *DisabledSerialMux) Subscribe() (string, chan string) {
	id, ch := randomID(), make(chan string)
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		close(ch)
	} else {
		d.subscribers[id] = ch
	}
	return id, ch
}

func (d *DisabledSerialMux) Unsubscribe(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if ch, ok := d.subscribers[id]; ok {
		delete(d.subscribers, id)
		close(ch)
	}
}

// SendCommand drops cmd. The first drop is logged.
func (d *DisabledSerialMux) SendCommand(cmd string) error {
	d.mu.Lock()
	d.dropped++
	first := d.dropped == 1
	d.mu.Unlock()
	if first {
		monitoring.Logf("pulse generator not connected, dropping %q and later commands", cmd)
	}
	return nil
}

// Dropped returns the number of commands sent to the disabled port.
func (d *DisabledSerialMux) Dropped() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dropped
}

// Query never gets a reply.
func (d *DisabledSerialMux) Query(context.Context, string, func(string) bool) (string, error) {
	return "", ErrNoReply
}

func (d *DisabledSerialMux) Monitor(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

func (d *DisabledSerialMux) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.closed {
		d.closed = true
		for id, ch := range d.subscribers {
			delete(d.subscribers, id)
			close(ch)
		}
	}
	return nil
}

func (d *DisabledSerialMux) AttachAdminRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /debug/pulsegen-status", func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteJSONOK(w, MuxStats{Commands: int64(d.Dropped())})
	})
}
