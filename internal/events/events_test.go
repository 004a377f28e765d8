package events

import "testing"

func TestKindString(t *testing.T) {
	tests := []struct {
		kind Kind
		want string
	}{
		{Binary, "binary"},
		{TTL, "ttl"},
		{Kind(7), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.kind.String(); got != tt.want {
			t.Errorf("Kind(%d).String() = %q, want %q", tt.kind, got, tt.want)
		}
	}
}

func TestCycleEmit(t *testing.T) {
	c := &Cycle{Sample: 100}
	if len(c.Events()) != 0 {
		t.Fatal("new cycle has events")
	}
	c.Emit(Event{Kind: TTL, Line: 1, State: true})
	c.Emit(Event{Kind: Binary, Payload: []byte{1}})
	evs := c.Events()
	if len(evs) != 2 {
		t.Fatalf("got %d events, want 2", len(evs))
	}
	if evs[0].Kind != TTL || evs[1].Kind != Binary {
		t.Errorf("events out of order: %v", evs)
	}
}
