package stim

import (
	"errors"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestRegion_Contains(t *testing.T) {
	circle := NewCircle(0.5, 0.5, 0.1, true)
	rect := NewRect(0.5, 0.5, 0.2, 0.4, true)

	tests := []struct {
		name   string
		region Region
		x, y   float64
		want   bool
	}{
		{"circle centre", circle, 0.5, 0.5, true},
		{"circle outside", circle, 0.7, 0.7, false},
		{"circle just outside", circle, 0.5, 0.625, false},
		{"circle on radius", NewCircle(0, 0, 1, true), 1, 0, true},
		{"rect centre", rect, 0.5, 0.5, true},
		{"rect inside tall side", rect, 0.55, 0.65, true},
		{"rect on edge", NewRect(0, 0, 2, 2, true), 1, 0, false},
		{"rect outside", rect, 0.7, 0.5, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.region.Contains(tt.x, tt.y); got != tt.want {
				t.Errorf("%v.Contains(%v, %v) = %v, want %v", tt.region, tt.x, tt.y, got, tt.want)
			}
		})
	}
}

func TestRegion_Distance(t *testing.T) {
	circle := NewCircle(0.5, 0.5, 0.1, true)
	if d := circle.Distance(0.6, 0.5); math.Abs(d-0.1) > 1e-9 {
		t.Errorf("circle distance = %v, want 0.1", d)
	}
	if d := circle.Distance(0.53, 0.54); math.Abs(d-0.05) > 1e-9 {
		t.Errorf("circle distance = %v, want 0.05", d)
	}

	// rectangles measure Manhattan distance
	rect := NewRect(0.5, 0.5, 0.4, 0.2, true)
	if d := rect.Distance(0.53, 0.54); math.Abs(d-0.07) > 1e-9 {
		t.Errorf("rect distance = %v, want 0.07", d)
	}
	if e := rect.Extent(); e != 0.2 {
		t.Errorf("rect extent = %v, want 0.2", e)
	}
	if e := circle.Extent(); e != 0.1 {
		t.Errorf("circle extent = %v, want 0.1", e)
	}
}

func TestRegion_Validate(t *testing.T) {
	bad := []Region{
		NewCircle(0.5, 0.5, 0, true),
		NewCircle(math.NaN(), 0.5, 0.1, true),
		NewRect(0.5, 0.5, 0.1, -1, true),
		{Shape: Shape(7), Radius: 1},
	}
	for _, r := range bad {
		if err := r.Validate(); err == nil {
			t.Errorf("Validate(%+v) = nil, want error", r)
		}
	}
	if err := NewRect(0.1, 0.2, 0.3, 0.4, false).Validate(); err != nil {
		t.Errorf("Validate() = %v", err)
	}
}

func TestParseShape(t *testing.T) {
	for in, want := range map[string]Shape{"circle": Circle, "": Circle, "rect": Rectangle, "rectangle": Rectangle} {
		got, err := ParseShape(in)
		if err != nil || got != want {
			t.Errorf("ParseShape(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParseShape("hexagon"); err == nil {
		t.Error("ParseShape(hexagon) succeeded")
	}
}

func TestRegionSet_MatchLastWins(t *testing.T) {
	s := NewRegionSet()
	for _, r := range []Region{
		NewCircle(0.5, 0.5, 0.3, true),
		NewCircle(0.5, 0.5, 0.1, true),
		NewRect(0.2, 0.2, 0.1, 0.1, true),
	} {
		if _, err := s.Add(r); err != nil {
			t.Fatal(err)
		}
	}

	if got := s.Match(0.5, 0.5); got != 1 {
		t.Errorf("Match(centre) = %d, want 1", got)
	}
	if got := s.Match(0.7, 0.5); got != 0 {
		t.Errorf("Match(outer ring) = %d, want 0", got)
	}
	if got := s.Match(0.9, 0.9); got != -1 {
		t.Errorf("Match(outside) = %d, want -1", got)
	}

	// disabled regions do not gate
	r, _ := s.At(1)
	r.On = false
	if err := s.Edit(1, r); err != nil {
		t.Fatal(err)
	}
	if got := s.Match(0.5, 0.5); got != 0 {
		t.Errorf("Match(centre) after disable = %d, want 0", got)
	}

	s.DisableAll()
	if got := s.Match(0.5, 0.5); got != -1 {
		t.Errorf("Match after DisableAll = %d, want -1", got)
	}
}

func TestRegionSet_Bounds(t *testing.T) {
	s := NewRegionSet()
	for i := 0; i < MaxRegions; i++ {
		if _, err := s.Add(NewCircle(0.5, 0.5, 0.1, true)); err != nil {
			t.Fatalf("Add %d: %v", i, err)
		}
	}
	if _, err := s.Add(NewCircle(0.5, 0.5, 0.1, true)); !errors.Is(err, ErrTooManyRegions) {
		t.Errorf("Add past max: err = %v", err)
	}
	if err := s.Edit(MaxRegions, NewCircle(0, 0, 1, true)); !errors.Is(err, ErrNoSuchRegion) {
		t.Errorf("Edit out of range: err = %v", err)
	}
	if err := s.Delete(-1); !errors.Is(err, ErrNoSuchRegion) {
		t.Errorf("Delete(-1): err = %v", err)
	}
	if err := s.Replace(make([]Region, MaxRegions+1)); !errors.Is(err, ErrTooManyRegions) {
		t.Errorf("Replace: err = %v", err)
	}
}

func TestRegionSet_DeleteMovesSelection(t *testing.T) {
	s := NewRegionSet()
	for _, x := range []float64{0.1, 0.2, 0.3} {
		s.Add(NewCircle(x, 0.5, 0.05, true))
	}
	if err := s.Select(2); err != nil {
		t.Fatal(err)
	}

	if err := s.Delete(0); err != nil {
		t.Fatal(err)
	}
	if s.Selected() != 1 {
		t.Errorf("Selected() = %d, want 1", s.Selected())
	}
	if err := s.Delete(1); err != nil {
		t.Fatal(err)
	}
	if s.Selected() != -1 {
		t.Errorf("Selected() = %d, want -1", s.Selected())
	}

	want := []Region{NewCircle(0.2, 0.5, 0.05, true)}
	if diff := cmp.Diff(want, s.All()); diff != "" {
		t.Errorf("All() mismatch (-want +got):\n%s", diff)
	}
}
