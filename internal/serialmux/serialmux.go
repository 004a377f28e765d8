// Package serialmux shares one line-oriented serial link between a command
// writer and any number of line subscribers. The pulse generator driver and
// the /debug/ console both sit on top of it.
package serialmux

import (
	"bufio"
	"context"
	crand "crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
)

var (
	ErrWriteFailed = errors.New("failed to write to serial port")
	// ErrNoReply is returned by Query when no matching line arrived in time.
	ErrNoReply = errors.New("no reply from serial device")
)

// subscriberBuffer is how many unread lines a subscriber may fall behind
// before lines are dropped for it.
const subscriberBuffer = 16

// SerialMuxInterface is the surface the pulse generator driver and the HTTP
// layer depend on.
type SerialMuxInterface interface {
	// Subscribe returns a channel of lines read from the port. The ID is
	// passed to Unsubscribe.
	Subscribe() (string, chan string)
	Unsubscribe(string)
	// SendCommand writes one newline-terminated command.
	SendCommand(string) error
	// Query sends a command and returns the first line accepted by match.
	Query(ctx context.Context, command string, match func(string) bool) (string, error)
	// Monitor reads lines until ctx is done or the port fails.
	Monitor(context.Context) error
	Close() error
	// AttachAdminRoutes serves a command console and the traffic counters
	// under /debug/.
	AttachAdminRoutes(*http.ServeMux)
}

// MuxStats counts the traffic through a mux.
type MuxStats struct {
	Connected    bool   `json:"connected"`
	Commands     int64  `json:"commands"`
	Lines        int64  `json:"lines"`
	DroppedLines int64  `json:"dropped_lines"`
	LastLine     string `json:"last_line,omitempty"`
}

// SerialMux multiplexes a single serial port.
type SerialMux[T SerialPorter] struct {
	port T

	writeMu sync.Mutex

	mu          sync.Mutex
	subscribers map[string]chan string
	closed      bool
	stats       MuxStats
}

func NewSerialMux[T SerialPorter](port T) *SerialMux[T] {
	return &SerialMux[T]{
		port:        port,
		subscribers: make(map[string]chan string),
		stats:       MuxStats{Connected: true},
	}
}

func randomID() string {
	b := make([]byte, 8)
	_, _ = crand.Read(b)
	return hex.EncodeToString(b)
}

func (s *SerialMux[T]) Subscribe() (string, chan string) {
	id, ch := randomID(), make(chan string, subscriberBuffer)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		close(ch)
	} else {
		s.subscribers[id] = ch
	}
	return id, ch
}

func (s *SerialMux[T]) Unsubscribe(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ch, ok := s.subscribers[id]; ok {
		delete(s.subscribers, id)
		close(ch)
	}
}

// SendCommand writes command, newline terminated. Concurrent commands are
// never interleaved on the wire.
func (s *SerialMux[T]) SendCommand(command string) error {
	line := strings.TrimRight(command, "\n") + "\n"

	s.writeMu.Lock()
	n, err := s.port.Write([]byte(line))
	s.writeMu.Unlock()
	if err != nil {
		return err
	}
	if n != len(line) {
		return ErrWriteFailed
	}

	s.mu.Lock()
	s.stats.Commands++
	s.mu.Unlock()
	return nil
}

// Query subscribes before writing so a fast reply is not missed. Monitor must
// be running for a reply to arrive.
func (s *SerialMux[T]) Query(ctx context.Context, command string, match func(string) bool) (string, error) {
	id, lines := s.Subscribe()
	defer s.Unsubscribe(id)

	if err := s.SendCommand(command); err != nil {
		return "", fmt.Errorf("send %q: %w", command, err)
	}
	for {
		select {
		case <-ctx.Done():
			return "", fmt.Errorf("query %q: %w", command, ErrNoReply)
		case line, ok := <-lines:
			if !ok {
				return "", fmt.Errorf("query %q: %w", command, ErrNoReply)
			}
			if match(line) {
				return line, nil
			}
		}
	}
}

// Monitor reads lines from the port and hands each to every subscriber until
// ctx is done, the port fails or the mux is closed.
func (s *SerialMux[T]) Monitor(ctx context.Context) error {
	lines := make(chan string)
	readErr := make(chan error, 1)

	// Scan blocks on the port, so it runs apart from the ctx select below.
	go func() {
		defer close(lines)
		scan := bufio.NewScanner(s.port)
		for scan.Scan() {
			select {
			case lines <- strings.TrimRight(scan.Text(), "\r"):
			case <-ctx.Done():
				return
			}
		}
		readErr <- scan.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-readErr:
					return err
				default:
					return ctx.Err()
				}
			}
			if !s.broadcast(line) {
				return nil
			}
		}
	}
}

// broadcast reports false once the mux is closed.
func (s *SerialMux[T]) broadcast(line string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.stats.Lines++
	s.stats.LastLine = line
	for _, ch := range s.subscribers {
		select {
		case ch <- line:
		default:
			s.stats.DroppedLines++
		}
	}
	return true
}

// Stats returns the traffic counters.
func (s *SerialMux[T]) Stats() MuxStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stats
	st.Connected = !s.closed
	return st
}

func (s *SerialMux[T]) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	for id, ch := range s.subscribers {
		delete(s.subscribers, id)
		close(ch)
	}
	s.mu.Unlock()
	return s.port.Close()
}
