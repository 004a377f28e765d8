package serialmux

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.bug.st/serial"
)

func startMonitor(t *testing.T, mux *SerialMux[*TestableSerialPort]) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		mux.Monitor(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		mux.Close()
		<-done
	})
}

func TestSendCommand_AppendsNewline(t *testing.T) {
	port := NewTestableSerialPort()
	mux := NewSerialMux(port)

	require.NoError(t, mux.SendCommand("TRIG 1"))
	require.NoError(t, mux.SendCommand("TRIG 2\n"))

	assert.Equal(t, "TRIG 1\nTRIG 2\n", string(port.Written()))
	assert.Equal(t, []string{"TRIG 1", "TRIG 2"}, port.Commands())
}

func TestSendCommand_WriteError(t *testing.T) {
	port := NewTestableSerialPort()
	port.WriteError = errors.New("unplugged")
	mux := NewSerialMux(port)

	err := mux.SendCommand("HELLO")
	assert.EqualError(t, err, "unplugged")
}

func TestMonitor_FansOutLines(t *testing.T) {
	port := NewTestableSerialPort()
	mux := NewSerialMux(port)
	_, a := mux.Subscribe()
	_, b := mux.Subscribe()
	startMonitor(t, mux)

	port.AddReadData([]byte("OK\r\n"))

	for _, ch := range []chan string{a, b} {
		select {
		case line := <-ch:
			assert.Equal(t, "OK", line)
		case <-time.After(time.Second):
			t.Fatal("line not delivered")
		}
	}
}

func TestQuery_ReturnsMatchingReply(t *testing.T) {
	port := NewTestableSerialPort()
	port.Responder = func(cmd string) string {
		if cmd == "HELLO" {
			return "PULSEGEN 20"
		}
		return "OK"
	}
	mux := NewSerialMux(port)
	startMonitor(t, mux)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	line, err := mux.Query(ctx, "HELLO", func(l string) bool { return strings.HasPrefix(l, "PULSEGEN") })
	require.NoError(t, err)
	assert.Equal(t, "PULSEGEN 20", line)
}

func TestQuery_TimesOut(t *testing.T) {
	port := NewTestableSerialPort()
	mux := NewSerialMux(port)
	startMonitor(t, mux)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := mux.Query(ctx, "HELLO", func(string) bool { return true })
	assert.ErrorIs(t, err, ErrNoReply)
}

func TestClose_ClosesSubscribers(t *testing.T) {
	port := NewTestableSerialPort()
	mux := NewSerialMux(port)
	_, ch := mux.Subscribe()

	require.NoError(t, mux.Close())

	_, ok := <-ch
	assert.False(t, ok)
	assert.True(t, port.Closed())
}

func postCommand(httpMux *http.ServeMux, form url.Values) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/debug/pulsegen-command-api", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.RemoteAddr = "127.0.0.1:1234"
	rec := httptest.NewRecorder()
	httpMux.ServeHTTP(rec, req)
	return rec
}

func TestAdminRoutes_SendCommand(t *testing.T) {
	port := NewTestableSerialPort()
	mux := NewSerialMux(port)
	httpMux := http.NewServeMux()
	mux.AttachAdminRoutes(httpMux)

	rec := postCommand(httpMux, url.Values{"command": {"TRIG 3"}})
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"command":"TRIG 3"}`, rec.Body.String())
	assert.Equal(t, []string{"TRIG 3"}, port.Commands())

	rec = postCommand(httpMux, url.Values{"command": {"  "}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/debug/pulsegen-command-api", nil)
	req.RemoteAddr = "127.0.0.1:1234"
	rec = httptest.NewRecorder()
	httpMux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestAdminRoutes_WaitForReply(t *testing.T) {
	port := NewTestableSerialPort()
	port.Responder = func(cmd string) string { return "PULSEGEN 20" }
	mux := NewSerialMux(port)
	startMonitor(t, mux)
	httpMux := http.NewServeMux()
	mux.AttachAdminRoutes(httpMux)

	rec := postCommand(httpMux, url.Values{"command": {"HELLO"}, "wait": {"1"}})
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"command":"HELLO","reply":"PULSEGEN 20"}`, rec.Body.String())

	req := httptest.NewRequest(http.MethodGet, "/debug/pulsegen-status", nil)
	req.RemoteAddr = "127.0.0.1:1234"
	rec = httptest.NewRecorder()
	httpMux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"connected":true,"commands":1,"lines":1,"dropped_lines":0,"last_line":"PULSEGEN 20"}`, rec.Body.String())
}

func TestMonitor_DropsForSlowSubscriber(t *testing.T) {
	port := NewTestableSerialPort()
	mux := NewSerialMux(port)
	_, slow := mux.Subscribe()

	for i := 0; i < subscriberBuffer+4; i++ {
		require.True(t, mux.broadcast(fmt.Sprintf("OK %d", i)))
	}
	st := mux.Stats()
	assert.Equal(t, int64(subscriberBuffer+4), st.Lines)
	assert.Equal(t, int64(4), st.DroppedLines)
	assert.Equal(t, "OK 0", <-slow)

	require.NoError(t, mux.Close())
	assert.False(t, mux.broadcast("late"))
	assert.False(t, mux.Stats().Connected)
}

func TestDisabledSerialMux(t *testing.T) {
	d := NewDisabledSerialMux()
	_, ch := d.Subscribe()

	assert.NoError(t, d.SendCommand("HELLO"))
	assert.NoError(t, d.SendCommand("TRIG 1"))
	assert.Equal(t, 2, d.Dropped())
	_, err := d.Query(context.Background(), "HELLO", func(string) bool { return true })
	assert.ErrorIs(t, err, ErrNoReply)

	httpMux := http.NewServeMux()
	d.AttachAdminRoutes(httpMux)
	rec := httptest.NewRecorder()
	httpMux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/pulsegen-status", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"connected":false,"commands":2,"lines":0,"dropped_lines":0}`, rec.Body.String())

	require.NoError(t, d.Close())
	_, ok := <-ch
	assert.False(t, ok)

	// subscribing after close yields a closed channel
	_, late := d.Subscribe()
	_, ok = <-late
	assert.False(t, ok)
}

func TestOpen_UsesOpener(t *testing.T) {
	port := NewTestableSerialPort()
	var gotPath string
	mux, err := Open("/dev/ttyACM0", PortOptions{}, func(path string, opts PortOptions) (SerialPorter, error) {
		gotPath = path
		return port, nil
	})
	require.NoError(t, err)
	require.NoError(t, mux.SendCommand("HELLO"))
	assert.Equal(t, "/dev/ttyACM0", gotPath)
	assert.Equal(t, []string{"HELLO"}, port.Commands())
}

func TestPortOptions_Normalise(t *testing.T) {
	tests := []struct {
		name    string
		in      PortOptions
		want    PortOptions
		wantErr bool
	}{
		{"defaults", PortOptions{}, PortOptions{BaudRate: 115200, DataBits: 8, StopBits: 1, Parity: "N"}, false},
		{"explicit", PortOptions{BaudRate: 9600, DataBits: 7, StopBits: 2, Parity: "even"}, PortOptions{BaudRate: 9600, DataBits: 7, StopBits: 2, Parity: "E"}, false},
		{"odd baud", PortOptions{BaudRate: 12345}, PortOptions{}, true},
		{"data bits", PortOptions{DataBits: 9}, PortOptions{}, true},
		{"stop bits", PortOptions{StopBits: 3}, PortOptions{}, true},
		{"parity", PortOptions{Parity: "mark"}, PortOptions{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.in.Normalise()
			if tt.wantErr {
				if err == nil {
					t.Fatalf("Normalise() = %+v, want error", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("Normalise() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("Normalise() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestPortOptions_SerialMode(t *testing.T) {
	mode, err := PortOptions{StopBits: 2, Parity: "O"}.SerialMode()
	require.NoError(t, err)
	assert.Equal(t, 115200, mode.BaudRate)
	assert.Equal(t, serial.TwoStopBits, mode.StopBits)
	assert.Equal(t, serial.OddParity, mode.Parity)
}
