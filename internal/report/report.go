// Package report renders stored sessions to PNG: the trajectory of every
// source with the stimulation regions and trigger positions, and a
// timeline of TTL edges.
package report

import (
	"errors"
	"fmt"
	"image/color"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"

	"github.com/CINPLA/tracking-plugin/internal/db"
	"github.com/CINPLA/tracking-plugin/internal/security"
	"github.com/CINPLA/tracking-plugin/internal/stim"
)

// Default image size.
const (
	DefaultWidth  = 8 * vg.Inch
	DefaultHeight = 8 * vg.Inch
)

// ErrEmptySession is returned when a session has nothing to draw.
var ErrEmptySession = errors.New("session has no positions or TTL events")

var palette = map[string]color.RGBA{
	"red":     {R: 0xe5, G: 0x39, B: 0x35, A: 0xff},
	"green":   {R: 0x43, G: 0xa0, B: 0x47, A: 0xff},
	"blue":    {R: 0x1e, G: 0x88, B: 0xe5, A: 0xff},
	"magenta": {R: 0xd8, G: 0x1b, B: 0x60, A: 0xff},
	"cyan":    {R: 0x00, G: 0xac, B: 0xc1, A: 0xff},
	"orange":  {R: 0xfb, G: 0x8c, B: 0x00, A: 0xff},
	"pink":    {R: 0xf0, G: 0x62, B: 0x92, A: 0xff},
	"grey":    {R: 0x75, G: 0x75, B: 0x75, A: 0xff},
	"violet":  {R: 0x8e, G: 0x24, B: 0xaa, A: 0xff},
	"yellow":  {R: 0xfd, G: 0xd8, B: 0x35, A: 0xff},
}

var (
	regionColor  = color.RGBA{R: 0x9e, G: 0x9e, B: 0x9e, A: 0xff}
	triggerColor = color.RGBA{A: 0xff}
)

func colorOf(name string) color.Color {
	if c, ok := palette[name]; ok {
		return c
	}
	return palette["grey"]
}

type track struct {
	key   string
	color string
	xys   plotter.XYs
	// samples parallels xys
	samples []int64
}

// tracks groups positions by source, in key order. Positions are expected
// in sample order.
func tracks(positions []db.PositionRow) []*track {
	byKey := make(map[string]*track)
	var out []*track
	for _, p := range positions {
		if p.X == 0 && p.Y == 0 {
			continue
		}
		key := fmt.Sprintf("%d%s", p.Port, p.Address)
		t, ok := byKey[key]
		if !ok {
			t = &track{key: key, color: p.Color}
			byKey[key] = t
			out = append(out, t)
		}
		t.xys = append(t.xys, plotter.XY{X: p.X, Y: p.Y})
		t.samples = append(t.samples, p.Sample)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].key < out[j].key })
	return out
}

// outline returns the closed boundary of r.
func outline(r stim.Region) plotter.XYs {
	if r.Shape == stim.Rectangle {
		x0, y0, x1, y1 := r.X-r.Width/2, r.Y-r.Height/2, r.X+r.Width/2, r.Y+r.Height/2
		return plotter.XYs{{X: x0, Y: y0}, {X: x1, Y: y0}, {X: x1, Y: y1}, {X: x0, Y: y1}, {X: x0, Y: y0}}
	}
	const n = 64
	xys := make(plotter.XYs, 0, n+1)
	for i := 0; i <= n; i++ {
		theta := 2 * math.Pi * float64(i) / n
		xys = append(xys, plotter.XY{X: r.X + r.Radius*math.Cos(theta), Y: r.Y + r.Radius*math.Sin(theta)})
	}
	return xys
}

// triggerPositions places each rising TTL edge at the last position of the
// longest track at or before the edge.
func triggerPositions(ts []*track, ttls []db.TTLRow) plotter.XYs {
	var primary *track
	for _, t := range ts {
		if primary == nil || len(t.xys) > len(primary.xys) {
			primary = t
		}
	}
	if primary == nil {
		return nil
	}
	var out plotter.XYs
	for _, e := range ttls {
		if !e.State {
			continue
		}
		i := sort.Search(len(primary.samples), func(i int) bool { return primary.samples[i] > e.Sample }) - 1
		if i < 0 {
			continue
		}
		out = append(out, primary.xys[i])
	}
	return out
}

// Trajectory plots every source's path in the unit square with the regions
// outlined and triggers marked.
func Trajectory(title string, positions []db.PositionRow, ttls []db.TTLRow, regions []stim.Region) (*plot.Plot, error) {
	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "x"
	p.Y.Label.Text = "y"
	p.X.Min, p.X.Max = 0, 1
	p.Y.Min, p.Y.Max = 0, 1
	p.Add(plotter.NewGrid())

	for i, r := range regions {
		line, err := plotter.NewLine(outline(r))
		if err != nil {
			return nil, fmt.Errorf("region %d: %w", i+1, err)
		}
		line.Color = regionColor
		line.Width = vg.Points(1)
		if !r.On {
			line.Dashes = []vg.Length{vg.Points(4), vg.Points(4)}
		}
		p.Add(line)
	}

	ts := tracks(positions)
	for _, t := range ts {
		line, err := plotter.NewLine(t.xys)
		if err != nil {
			return nil, fmt.Errorf("source %s: %w", t.key, err)
		}
		line.Color = colorOf(t.color)
		line.Width = vg.Points(1)
		p.Add(line)
		p.Legend.Add(t.key, line)
	}

	if trig := triggerPositions(ts, ttls); len(trig) > 0 {
		sc, err := plotter.NewScatter(trig)
		if err != nil {
			return nil, err
		}
		sc.GlyphStyle.Shape = draw.CrossGlyph{}
		sc.GlyphStyle.Color = triggerColor
		sc.GlyphStyle.Radius = vg.Points(3)
		p.Add(sc)
		p.Legend.Add(fmt.Sprintf("triggers (%d)", len(trig)), sc)
	}

	p.Legend.Top = true
	p.Legend.Left = false
	p.Legend.XOffs = -10
	p.Legend.YOffs = -10
	return p, nil
}

// Timeline plots TTL edges against time in seconds: rising edges as
// triangles, falling edges as rings, one row per line.
func Timeline(title string, ttls []db.TTLRow, sampleRate float64) (*plot.Plot, error) {
	if sampleRate <= 0 {
		return nil, fmt.Errorf("invalid sample rate %g", sampleRate)
	}
	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "Time (s)"
	p.Y.Label.Text = "TTL line"
	p.Y.Min, p.Y.Max = -0.5, float64(stim.MaxOutput)-0.5
	p.Add(plotter.NewGrid())

	var rising, falling plotter.XYs
	for _, e := range ttls {
		xy := plotter.XY{X: float64(e.Sample) / sampleRate, Y: float64(e.Line)}
		if e.State {
			rising = append(rising, xy)
		} else {
			falling = append(falling, xy)
		}
	}
	for _, s := range []struct {
		name  string
		xys   plotter.XYs
		shape draw.GlyphDrawer
	}{
		{"rising", rising, draw.TriangleGlyph{}},
		{"falling", falling, draw.RingGlyph{}},
	} {
		if len(s.xys) == 0 {
			continue
		}
		sc, err := plotter.NewScatter(s.xys)
		if err != nil {
			return nil, err
		}
		sc.GlyphStyle.Shape = s.shape
		sc.GlyphStyle.Radius = vg.Points(3)
		p.Add(sc)
		p.Legend.Add(s.name, sc)
	}
	return p, nil
}

// WritePNG renders p to w.
func WritePNG(w io.Writer, p *plot.Plot, width, height vg.Length) error {
	wt, err := p.WriterTo(width, height, "png")
	if err != nil {
		return err
	}
	_, err = wt.WriteTo(w)
	return err
}

// SaveSession renders session id from store into dir as
// <id>_trajectory.png and <id>_ttl.png and returns the written paths. An
// empty id selects the latest session.
func SaveSession(store *db.DB, id, dir string, regions []stim.Region) ([]string, error) {
	sess, err := store.Session(id)
	if err != nil {
		return nil, err
	}
	positions, err := store.Positions(sess.ID, 0)
	if err != nil {
		return nil, err
	}
	ttls, err := store.TTLEvents(sess.ID)
	if err != nil {
		return nil, err
	}
	if len(positions) == 0 && len(ttls) == 0 {
		return nil, fmt.Errorf("session %s: %w", sess.ID, ErrEmptySession)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	title := fmt.Sprintf("Session %s (%s)", sess.ID, sess.StartedAt.Format("2006-01-02 15:04:05"))
	traj, err := Trajectory(title, positions, ttls, regions)
	if err != nil {
		return nil, err
	}
	timeline, err := Timeline(title, ttls, sess.SampleRate)
	if err != nil {
		return nil, err
	}

	base := security.SanitizeFilename(sess.ID)
	var paths []string
	for _, out := range []struct {
		name string
		p    *plot.Plot
		w, h vg.Length
	}{
		{base + "_trajectory.png", traj, DefaultWidth, DefaultHeight},
		{base + "_ttl.png", timeline, 14 * vg.Inch, 4 * vg.Inch},
	} {
		path := filepath.Join(dir, out.name)
		if err := out.p.Save(out.w, out.h, path); err != nil {
			return paths, fmt.Errorf("save %s: %w", path, err)
		}
		paths = append(paths, path)
	}
	return paths, nil
}
