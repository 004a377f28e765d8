package queue

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestRing_PushPopOrder(t *testing.T) {
	r := NewRing[int](4)
	for i := 1; i <= 3; i++ {
		if r.Push(i) {
			t.Fatalf("Push(%d) reported overwrite on a non-full ring", i)
		}
	}
	if r.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", r.Len())
	}
	for want := 1; want <= 3; want++ {
		got, ok := r.Pop()
		if !ok || got != want {
			t.Fatalf("Pop() = %d, %v; want %d, true", got, ok, want)
		}
	}
	if _, ok := r.Pop(); ok {
		t.Fatal("Pop() on empty ring returned ok")
	}
}

func TestRing_OverwriteKeepsMostRecent(t *testing.T) {
	tests := []struct {
		name     string
		capacity int
		pushes   int
	}{
		{"one over", 4, 5},
		{"double", 4, 8},
		{"many laps", 3, 100},
		{"default capacity", 0, DefaultCapacity + 17},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRing[int](tt.capacity)
			n := r.Cap()
			for i := 0; i < tt.pushes; i++ {
				r.Push(i)
			}
			var got []int
			for i := 0; i < n; i++ {
				v, ok := r.Pop()
				if !ok {
					t.Fatalf("Pop() %d returned empty", i)
				}
				got = append(got, v)
			}
			var want []int
			for i := tt.pushes - n; i < tt.pushes; i++ {
				want = append(want, i)
			}
			if diff := cmp.Diff(want, got); diff != "" {
				t.Errorf("popped values mismatch (-want +got):\n%s", diff)
			}
			if !r.IsEmpty() {
				t.Error("ring should be empty after draining capacity entries")
			}
		})
	}
}

func TestRing_IsEmpty(t *testing.T) {
	r := NewRing[string](2)
	if !r.IsEmpty() {
		t.Fatal("new ring should be empty")
	}
	r.Push("a")
	r.Push("b")
	if r.IsEmpty() {
		t.Fatal("ring with two pushes should not be empty")
	}
	r.Pop()
	r.Pop()
	if !r.IsEmpty() {
		t.Fatal("ring should be empty after equal pops and pushes")
	}
	r.Push("c")
	r.Clear()
	if !r.IsEmpty() {
		t.Fatal("ring should be empty after Clear")
	}
	if _, ok := r.Peek(); ok {
		t.Fatal("Peek() on cleared ring returned ok")
	}
}

func TestRing_Snapshot(t *testing.T) {
	r := NewRing[int](3)
	for i := 0; i < 5; i++ {
		r.Push(i)
	}
	if diff := cmp.Diff([]int{2, 3, 4}, r.Snapshot()); diff != "" {
		t.Errorf("Snapshot mismatch (-want +got):\n%s", diff)
	}
	if r.Len() != 3 {
		t.Errorf("Snapshot consumed entries: Len() = %d", r.Len())
	}
	if v, _ := r.Peek(); v != 2 {
		t.Errorf("Peek() = %d, want 2", v)
	}
}
