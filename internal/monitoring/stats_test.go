package monitoring

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/CINPLA/tracking-plugin/internal/timeutil"
)

func TestMessageStats_GetAndReset(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(0, 0))
	s := NewMessageStats(clock)

	for i := 0; i < 40; i++ {
		s.AddReceived("red")
	}
	s.AddDrained("red", 30)
	s.AddMalformed("red")
	s.AddCleared("red")
	s.AddTrigger("stim")
	s.AddDrained("green", 0)

	clock.Advance(2 * time.Second)
	snap := s.GetAndReset()

	if snap.Interval != 2*time.Second {
		t.Fatalf("Interval = %v, want 2s", snap.Interval)
	}
	if len(snap.Sources) != 2 {
		t.Fatalf("got %d sources, want 2: %+v", len(snap.Sources), snap.Sources)
	}
	red := snap.Sources[0]
	if red.Key != "red" || red.ReceivedPS != 20 || red.DrainedPS != 15 {
		t.Errorf("red rates = %+v", red)
	}
	if red.Malformed != 1 || red.Cleared != 1 {
		t.Errorf("red cumulative counters = %+v", red)
	}
	if stim := snap.Sources[1]; stim.Key != "stim" || stim.TriggersPS != 0.5 {
		t.Errorf("stim rates = %+v", stim)
	}

	clock.Advance(time.Second)
	snap = s.GetAndReset()
	if snap.Sources[0].Received != 0 {
		t.Errorf("received counter not reset: %+v", snap.Sources[0])
	}
	if snap.Sources[0].Cleared != 1 {
		t.Errorf("cleared counter should be cumulative: %+v", snap.Sources[0])
	}
	if s.Latest() == nil || !s.Latest().Timestamp.Equal(clock.Now()) {
		t.Errorf("Latest() = %+v", s.Latest())
	}
}

func TestSampler_LogsOnTick(t *testing.T) {
	original := Logf
	defer func() { Logf = original }()

	var mu sync.Mutex
	var lines []string
	logged := make(chan struct{}, 1)
	SetLogger(func(format string, v ...interface{}) {
		mu.Lock()
		lines = append(lines, fmt.Sprintf(format, v...))
		mu.Unlock()
		select {
		case logged <- struct{}{}:
		default:
		}
	})

	clock := timeutil.NewMockClock(time.Unix(0, 0))
	stats := NewMessageStats(clock)
	stats.AddReceived("red")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	sampler := &Sampler{Stats: stats, Clock: clock, Interval: time.Second}
	go func() {
		sampler.Run(ctx)
		close(done)
	}()

	// The ticker is registered asynchronously; keep advancing until it fires.
	deadline := time.After(2 * time.Second)
	for {
		clock.Advance(time.Second)
		select {
		case <-logged:
			cancel()
			<-done
			mu.Lock()
			defer mu.Unlock()
			if !strings.Contains(lines[0], "[red]") {
				t.Errorf("unexpected log line %q", lines[0])
			}
			return
		case <-deadline:
			cancel()
			t.Fatal("sampler never logged")
		case <-time.After(10 * time.Millisecond):
		}
	}
}
