package stim

import (
	"errors"
	"fmt"
	"math"
)

// MaxRegions is the largest number of regions a RegionSet holds.
const MaxRegions = 9

var (
	// ErrTooManyRegions is returned when adding past MaxRegions.
	ErrTooManyRegions = fmt.Errorf("at most %d regions", MaxRegions)
	// ErrNoSuchRegion is returned for an out-of-range region index.
	ErrNoSuchRegion = errors.New("no such region")
)

// Shape tags the geometry of a Region.
type Shape int

const (
	Circle Shape = iota
	Rectangle
)

func (s Shape) String() string {
	switch s {
	case Circle:
		return "circle"
	case Rectangle:
		return "rect"
	default:
		return "unknown"
	}
}

// ParseShape maps "circle" or "rect" to a Shape.
func ParseShape(s string) (Shape, error) {
	switch s {
	case "circle", "":
		return Circle, nil
	case "rect", "rectangle":
		return Rectangle, nil
	default:
		return 0, fmt.Errorf("unknown region shape %q", s)
	}
}

// Region is a spatial gate. Shape selects which of Radius or Width/Height
// applies; the other fields are ignored.
type Region struct {
	Shape  Shape
	X, Y   float64
	Radius float64
	Width  float64
	Height float64
	On     bool
}

// NewCircle returns a circular region centred on (x, y).
func NewCircle(x, y, radius float64, on bool) Region {
	return Region{Shape: Circle, X: x, Y: y, Radius: radius, On: on}
}

// NewRect returns a rectangular region centred on (x, y).
func NewRect(x, y, w, h float64, on bool) Region {
	return Region{Shape: Rectangle, X: x, Y: y, Width: w, Height: h, On: on}
}

// Validate checks that the shape parameters are positive and finite.
func (r Region) Validate() error {
	var dims []float64
	switch r.Shape {
	case Circle:
		dims = []float64{r.Radius}
	case Rectangle:
		dims = []float64{r.Width, r.Height}
	default:
		return fmt.Errorf("region: unknown shape %d", r.Shape)
	}
	for _, v := range append(dims, r.X, r.Y) {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return errors.New("region: coordinates must be finite")
		}
	}
	for _, v := range dims {
		if v <= 0 {
			return fmt.Errorf("region: %s size must be positive", r.Shape)
		}
	}
	return nil
}

// Contains reports whether (x, y) lies inside the region. Circles include
// their boundary; rectangles do not.
func (r Region) Contains(x, y float64) bool {
	dx, dy := x-r.X, y-r.Y
	switch r.Shape {
	case Circle:
		return dx*dx+dy*dy <= r.Radius*r.Radius
	case Rectangle:
		return math.Abs(dx) < r.Width/2 && math.Abs(dy) < r.Height/2
	}
	return false
}

// Distance returns the distance of (x, y) from the centre: Euclidean for
// circles, Manhattan for rectangles.
func (r Region) Distance(x, y float64) float64 {
	dx, dy := x-r.X, y-r.Y
	switch r.Shape {
	case Circle:
		return math.Hypot(dx, dy)
	case Rectangle:
		return math.Abs(dx) + math.Abs(dy)
	}
	return 0
}

// Extent is the length Distance is normalised by: the radius of a circle,
// half the longer side of a rectangle.
func (r Region) Extent() float64 {
	switch r.Shape {
	case Circle:
		return r.Radius
	case Rectangle:
		return math.Max(r.Width, r.Height) / 2
	}
	return 0
}

func (r Region) String() string {
	if r.Shape == Rectangle {
		return fmt.Sprintf("rect(%.3g,%.3g %gx%g on=%t)", r.X, r.Y, r.Width, r.Height, r.On)
	}
	return fmt.Sprintf("circle(%.3g,%.3g r=%g on=%t)", r.X, r.Y, r.Radius, r.On)
}

// RegionSet is an ordered list of at most MaxRegions regions with an
// optional selection. It is not safe for concurrent use.
type RegionSet struct {
	regions  []Region
	selected int
}

// NewRegionSet returns an empty set with nothing selected.
func NewRegionSet() *RegionSet {
	return &RegionSet{selected: -1}
}

// Add appends r and returns its index.
func (s *RegionSet) Add(r Region) (int, error) {
	if len(s.regions) >= MaxRegions {
		return -1, ErrTooManyRegions
	}
	if err := r.Validate(); err != nil {
		return -1, err
	}
	s.regions = append(s.regions, r)
	return len(s.regions) - 1, nil
}

// Edit replaces region i.
func (s *RegionSet) Edit(i int, r Region) error {
	if i < 0 || i >= len(s.regions) {
		return fmt.Errorf("edit region %d: %w", i, ErrNoSuchRegion)
	}
	if err := r.Validate(); err != nil {
		return err
	}
	s.regions[i] = r
	return nil
}

// Delete removes region i. The selection follows the region it pointed at
// and is cleared when that region is the one removed.
func (s *RegionSet) Delete(i int) error {
	if i < 0 || i >= len(s.regions) {
		return fmt.Errorf("delete region %d: %w", i, ErrNoSuchRegion)
	}
	s.regions = append(s.regions[:i], s.regions[i+1:]...)
	switch {
	case s.selected == i:
		s.selected = -1
	case s.selected > i:
		s.selected--
	}
	return nil
}

// DisableAll switches every region off.
func (s *RegionSet) DisableAll() {
	for i := range s.regions {
		s.regions[i].On = false
	}
}

// Select marks region i for editing; -1 clears the selection.
func (s *RegionSet) Select(i int) error {
	if i < -1 || i >= len(s.regions) {
		return fmt.Errorf("select region %d: %w", i, ErrNoSuchRegion)
	}
	s.selected = i
	return nil
}

// Selected returns the selected index or -1.
func (s *RegionSet) Selected() int { return s.selected }

// Len returns the number of regions.
func (s *RegionSet) Len() int { return len(s.regions) }

// At returns region i.
func (s *RegionSet) At(i int) (Region, bool) {
	if i < 0 || i >= len(s.regions) {
		return Region{}, false
	}
	return s.regions[i], true
}

// All returns a copy of the regions in order.
func (s *RegionSet) All() []Region {
	return append([]Region(nil), s.regions...)
}

// Replace swaps in a new list, e.g. after loading a configuration.
func (s *RegionSet) Replace(rs []Region) error {
	if len(rs) > MaxRegions {
		return ErrTooManyRegions
	}
	for i, r := range rs {
		if err := r.Validate(); err != nil {
			return fmt.Errorf("region %d: %w", i, err)
		}
	}
	s.regions = append([]Region(nil), rs...)
	s.selected = -1
	return nil
}

// Match returns the index of the last enabled region containing (x, y), or
// -1. Later regions shadow earlier ones where they overlap.
func (s *RegionSet) Match(x, y float64) int {
	match := -1
	for i, r := range s.regions {
		if r.On && r.Contains(x, y) {
			match = i
		}
	}
	return match
}
