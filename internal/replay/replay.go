package replay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/CINPLA/tracking-plugin/internal/monitoring"
	"github.com/CINPLA/tracking-plugin/internal/osc"
)

var logf = monitoring.Prefixed("replay")

// Sender delivers a payload to a destination port.
type Sender interface {
	Send(port int, payload []byte) error
}

// UDPSender sends to Host, keeping one connection per port.
type UDPSender struct {
	Host string

	mu    sync.Mutex
	conns map[int]net.Conn
}

// Send writes payload to Host:port.
func (s *UDPSender) Send(port int, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	conn, ok := s.conns[port]
	if !ok {
		host := s.Host
		if host == "" {
			host = "127.0.0.1"
		}
		c, err := net.Dial("udp", net.JoinHostPort(host, strconv.Itoa(port)))
		if err != nil {
			return fmt.Errorf("failed to dial port %d: %w", port, err)
		}
		if s.conns == nil {
			s.conns = make(map[int]net.Conn)
		}
		s.conns[port] = c
		conn = c
	}
	_, err := conn.Write(payload)
	return err
}

// Close closes every connection.
func (s *UDPSender) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	for port, c := range s.conns {
		errs = append(errs, c.Close())
		delete(s.conns, port)
	}
	return errors.Join(errs...)
}

// Config controls playback.
type Config struct {
	// Speed scales the capture timing: 2 plays twice as fast. Values <= 0
	// mean real time.
	Speed float64
	// NoDelay sends every packet as soon as it is read.
	NoDelay bool
	// Remap sends packets captured on a key port to the mapped port.
	Remap map[int]int
	// Validate drops payloads that do not parse as OSC.
	Validate bool
}

// Stats summarise a playback.
type Stats struct {
	Sent     int           `json:"sent"`
	Invalid  int           `json:"invalid"`
	Failed   int           `json:"failed"`
	Skipped  int           `json:"skipped"`
	Duration time.Duration `json:"duration"`
	Span     time.Duration `json:"span"`
}

// Play sends every datagram from r to s, preserving inter-packet gaps scaled
// by cfg.Speed. It stops at the end of the stream or when ctx is done.
func Play(ctx context.Context, r *Reader, s Sender, cfg Config) (st Stats, err error) {
	if cfg.Speed <= 0 {
		cfg.Speed = 1
	}
	var (
		first time.Time
		start = time.Now()
	)
	defer func() {
		st.Duration = time.Since(start)
		st.Skipped = r.Skipped
	}()

	for {
		if err := ctx.Err(); err != nil {
			return st, err
		}
		p, rerr := r.Next()
		if errors.Is(rerr, io.EOF) {
			logf("complete: %d sent, %d invalid, %d failed in %v", st.Sent, st.Invalid, st.Failed, time.Since(start))
			return st, nil
		}
		if rerr != nil {
			return st, fmt.Errorf("failed to read packet: %w", rerr)
		}

		if first.IsZero() {
			first = p.Time
		}
		st.Span = p.Time.Sub(first)
		if !cfg.NoDelay {
			due := start.Add(time.Duration(float64(st.Span) / cfg.Speed))
			if wait := time.Until(due); wait > 0 {
				t := time.NewTimer(wait)
				select {
				case <-ctx.Done():
					t.Stop()
					return st, ctx.Err()
				case <-t.C:
				}
			}
		}

		if cfg.Validate {
			if _, err := osc.Parse(p.Payload); err != nil {
				st.Invalid++
				continue
			}
		}
		port := p.DstPort
		if to, ok := cfg.Remap[port]; ok {
			port = to
		}
		if err := s.Send(port, p.Payload); err != nil {
			st.Failed++
			logf("send to port %d failed: %v", port, err)
			continue
		}
		st.Sent++
		if st.Sent%10000 == 0 {
			logf("progress: %d packets, %v of capture in %v", st.Sent, st.Span, time.Since(start))
		}
	}
}
