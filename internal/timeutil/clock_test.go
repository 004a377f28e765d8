package timeutil

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRealClock_Now(t *testing.T) {
	before := time.Now()
	now := RealClock{}.Now()
	if now.Before(before) || now.After(time.Now()) {
		t.Errorf("Now() = %v outside the call window", now)
	}
}

func TestMockClock_AdvanceAndSet(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := NewMockClock(start)

	clock.Advance(250 * time.Millisecond)
	if got := clock.Now().Sub(start); got != 250*time.Millisecond {
		t.Errorf("elapsed = %v, want 250ms", got)
	}

	clock.Set(start)
	if !clock.Now().Equal(start) {
		t.Errorf("Now() after Set = %v, want %v", clock.Now(), start)
	}
}

func tickNow(tk Ticker) (time.Time, bool) {
	select {
	case now := <-tk.C():
		return now, true
	default:
		return time.Time{}, false
	}
}

func TestMockTicker_CycleGrid(t *testing.T) {
	clock := NewMockClock(time.Unix(0, 0))
	// 20 Hz cycle driver
	ticker := clock.NewTicker(Interval(20))
	defer ticker.Stop()

	clock.Advance(30 * time.Millisecond)
	if _, ok := tickNow(ticker); ok {
		t.Fatal("ticker fired before the first period")
	}

	clock.Advance(20 * time.Millisecond)
	if now, ok := tickNow(ticker); !ok || !now.Equal(time.Unix(0, int64(50*time.Millisecond))) {
		t.Fatalf("tick = %v, %v; want 50ms", now, ok)
	}

	// a stalled receiver gets one tick and the grid moves past the backlog
	clock.Advance(175 * time.Millisecond)
	if _, ok := tickNow(ticker); !ok {
		t.Fatal("no tick after a long advance")
	}
	if _, ok := tickNow(ticker); ok {
		t.Fatal("backlogged ticks were queued")
	}
	clock.Advance(25 * time.Millisecond)
	if _, ok := tickNow(ticker); !ok {
		t.Fatal("no tick at 250ms")
	}
}

func TestMockTicker_Stopped(t *testing.T) {
	clock := NewMockClock(time.Unix(0, 0))
	ticker := clock.NewTicker(time.Second)
	if clock.Tickers() != 1 {
		t.Fatalf("Tickers() = %d, want 1", clock.Tickers())
	}
	ticker.Stop()
	if clock.Tickers() != 0 {
		t.Fatalf("Tickers() after Stop = %d, want 0", clock.Tickers())
	}

	clock.Advance(2 * time.Second)
	if _, ok := tickNow(ticker); ok {
		t.Fatal("stopped ticker fired")
	}
}

func TestEvery(t *testing.T) {
	clock := NewMockClock(time.Unix(0, 0))
	ctx, cancel := context.WithCancel(context.Background())
	ticks := make(chan time.Time)
	done := make(chan error, 1)
	go func() {
		done <- Every(ctx, clock, time.Second, func(now time.Time) { ticks <- now })
	}()

	deadline := time.Now().Add(2 * time.Second)
	for clock.Tickers() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("Every never started its ticker")
		}
		time.Sleep(time.Millisecond)
	}

	for i := 1; i <= 3; i++ {
		clock.Advance(time.Second)
		if now := <-ticks; !now.Equal(time.Unix(int64(i), 0)) {
			t.Errorf("tick %d = %v", i, now)
		}
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Every() = %v, want context.Canceled", err)
	}
	if clock.Tickers() != 0 {
		t.Error("ticker not stopped on return")
	}
}

func TestConversions(t *testing.T) {
	start := time.Unix(100, 0)

	if got := MillisSince(start, start.Add(1500*time.Millisecond)); got != 1500 {
		t.Errorf("MillisSince = %d, want 1500", got)
	}
	if got := MillisSince(time.Time{}, start); got != 0 {
		t.Errorf("MillisSince(zero) = %d, want 0", got)
	}

	tests := []struct {
		ms   float64
		rate float64
		want int64
	}{
		{50, 30000, 1500},
		{1, 44100, 45},
		{0, 30000, 0},
		{10, 0, 0},
	}
	for _, tt := range tests {
		if got := SamplesFor(tt.ms, tt.rate); got != tt.want {
			t.Errorf("SamplesFor(%v, %v) = %d, want %d", tt.ms, tt.rate, got, tt.want)
		}
	}

	if got := SamplesBetween(start, start.Add(2*time.Second), 1000); got != 2000 {
		t.Errorf("SamplesBetween = %d, want 2000", got)
	}
	if got := Interval(20); got != 50*time.Millisecond {
		t.Errorf("Interval(20) = %v, want 50ms", got)
	}
}
