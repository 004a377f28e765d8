package serialmux

import (
	"context"
	"fmt"
	"html/template"
	"net/http"
	"strings"
	"time"

	"tailscale.com/tsweb"

	"github.com/CINPLA/tracking-plugin/internal/httputil"
)

// replyTimeout bounds how long the command API waits for a device reply.
const replyTimeout = 500 * time.Millisecond

var consoleTemplate = template.Must(template.New("console").Parse(`<!doctype html>
<html><head><title>pulse generator console</title></head>
<body>
<p>HELLO identifies the device. SET &lt;ch&gt; &lt;param&gt; &lt;value&gt; programs a channel. TRIG &lt;mask&gt; fires channels.</p>
<form method="post" action="/debug/pulsegen-command-api">
<input name="command" size="60" autofocus> <label><input type="checkbox" name="wait" value="1"> wait for reply</label> <button>send</button>
</form>
<pre id="tail"></pre>
<script>
const tail = document.getElementById("tail");
new EventSource("/debug/pulsegen-tail").onmessage = (e) => {
  tail.textContent = e.data + "\n" + tail.textContent.slice(0, {{.Limit}});
};
</script>
</body></html>`))

// CommandReply is the body of a successful POST to the command API.
type CommandReply struct {
	Command string `json:"command"`
	Reply   string `json:"reply,omitempty"`
}

func (s *SerialMux[T]) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)

	debug.HandleFunc("pulsegen-console", "send commands to the pulse generator", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if err := consoleTemplate.Execute(w, struct{ Limit int }{Limit: 8192}); err != nil {
			httputil.InternalServerError(w, "failed to render console")
		}
	})

	debug.HandleFunc("pulsegen-status", "pulse generator serial traffic", func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteJSONOK(w, s.Stats())
	})

	debug.HandleSilentFunc("pulsegen-command-api", s.handleCommand)
	debug.HandleSilentFunc("pulsegen-tail", s.handleTail)
}

// handleCommand writes the posted command. With wait=1 it returns the next
// line the device sends, which needs Monitor to be running.
func (s *SerialMux[T]) handleCommand(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	command := strings.TrimSpace(r.FormValue("command"))
	if command == "" {
		httputil.BadRequest(w, "missing command")
		return
	}

	if r.FormValue("wait") != "1" {
		if err := s.SendCommand(command); err != nil {
			httputil.InternalServerError(w, err.Error())
			return
		}
		httputil.WriteJSONOK(w, CommandReply{Command: command})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), replyTimeout)
	defer cancel()
	reply, err := s.Query(ctx, command, func(string) bool { return true })
	if err != nil {
		httputil.WriteJSONError(w, http.StatusGatewayTimeout, err.Error())
		return
	}
	httputil.WriteJSONOK(w, CommandReply{Command: command, Reply: reply})
}

// handleTail streams every line read from the port as a server-sent event.
func (s *SerialMux[T]) handleTail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		httputil.InternalServerError(w, "streaming unsupported")
		return
	}
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("X-Accel-Buffering", "no")

	id, lines := s.Subscribe()
	defer s.Unsubscribe(id)

	ping := func() {
		fmt.Fprint(w, ": ping\n\n")
		flusher.Flush()
	}
	ping()

	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepalive.C:
			ping()
		case line, ok := <-lines:
			if !ok {
				return
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", line); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
