package api

import (
	"bytes"
	"fmt"
	"math"
	"net/http"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/CINPLA/tracking-plugin/internal/httputil"
	"github.com/CINPLA/tracking-plugin/internal/stim"
)

const outlinePoints = 72

// regionOutline samples the boundary of r.
func regionOutline(r stim.Region) []opts.ScatterData {
	pts := make([]opts.ScatterData, 0, outlinePoints)
	switch r.Shape {
	case stim.Rectangle:
		per := outlinePoints / 4
		x0, y0 := r.X-r.Width/2, r.Y-r.Height/2
		for i := 0; i < per; i++ {
			f := float64(i) / float64(per)
			pts = append(pts,
				opts.ScatterData{Value: []interface{}{x0 + f*r.Width, y0}},
				opts.ScatterData{Value: []interface{}{x0 + r.Width, y0 + f*r.Height}},
				opts.ScatterData{Value: []interface{}{x0 + r.Width - f*r.Width, y0 + r.Height}},
				opts.ScatterData{Value: []interface{}{x0, y0 + r.Height - f*r.Height}},
			)
		}
	default:
		for i := 0; i < outlinePoints; i++ {
			theta := 2 * math.Pi * float64(i) / outlinePoints
			pts = append(pts, opts.ScatterData{Value: []interface{}{
				r.X + r.Radius*math.Cos(theta),
				r.Y + r.Radius*math.Sin(theta),
			}})
		}
	}
	return pts
}

// handleTrajectoryChart renders the recent trails and the stimulation
// regions as an HTML scatter chart.
func (s *Server) handleTrajectoryChart(w http.ResponseWriter, r *http.Request) {
	trails := s.trail.Snapshot()
	regions := s.stim.Regions()
	state := s.stim.State()

	scatter := charts.NewScatter()
	scatter.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Tracking", Theme: "dark", Width: "800px", Height: "800px"}),
		charts.WithTitleOpts(opts.Title{Title: "Trajectory", Subtitle: fmt.Sprintf("sources=%d regions=%d triggers=%d", len(trails), len(regions), state.Triggers)}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Min: 0, Max: 1, Name: "x", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Min: 0, Max: 1, Name: "y", NameLocation: "middle", NameGap: 30}),
	)

	for i, region := range regions {
		color := "#9e9e9e"
		if region.On {
			color = "#ffd54f"
		}
		if i == state.Region {
			color = "#ff5252"
		}
		scatter.AddSeries(fmt.Sprintf("region %d", i+1), regionOutline(region),
			charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 2}),
			charts.WithItemStyleOpts(opts.ItemStyle{Color: color}))
	}

	for _, t := range trails {
		pts := make([]opts.ScatterData, 0, len(t.Points))
		for _, p := range t.Points {
			pts = append(pts, opts.ScatterData{Value: []interface{}{p.X, p.Y}})
		}
		scatter.AddSeries(t.Key, pts,
			charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 4}),
			charts.WithItemStyleOpts(opts.ItemStyle{Color: t.Color}))
	}

	var buf bytes.Buffer
	if err := scatter.Render(&buf); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to render chart: %v", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}
