package api

import (
	"bytes"
	"fmt"
	"image/color"
	"net/http"
	"sort"
	"time"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
	"tailscale.com/tsweb"

	"github.com/banshee-data/uwb.locator/internal/calibration"
	"github.com/banshee-data/uwb.locator/internal/geometry"
)

// echartsAssetsHost serves the echarts script for the debug pages.
const echartsAssetsHost = "https://go-echarts.github.io/go-echarts-assets/assets/"

// AttachDebugRoutes adds the tag position chart and the calibration plot to
// the tsweb debug index on mux.
func (s *Server) AttachDebugRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)
	debug.HandleFunc("positions", "Tag positions on the screen and in the room", s.handlePositionsChart)
	debug.HandleFunc("calibration.png", "Last calibration: targets vs measured", s.handleCalibrationPlot)
}

// handlePositionsChart renders two scatters: tags in screen coordinates, and
// a top-down room view with the anchors.
func (s *Server) handlePositionsChart(w http.ResponseWriter, r *http.Request) {
	tags := s.store.Tags()
	sort.Slice(tags, func(i, j int) bool { return tags[i].ID < tags[j].ID })

	screenPts := make([]opts.ScatterData, 0, len(tags))
	roomPts := make([]opts.ScatterData, 0, len(tags))
	for _, t := range tags {
		if uv := t.Position2D; uv != nil {
			screenPts = append(screenPts, opts.ScatterData{Name: t.ID, Value: []interface{}{uv.U, uv.V}})
		}
		if p := t.Position3D; p != nil {
			roomPts = append(roomPts, opts.ScatterData{Name: t.ID, Value: []interface{}{p.X, p.Y, p.Z}})
		}
	}

	anchors := s.store.Anchors()
	anchorPts := make([]opts.ScatterData, 0, len(anchors))
	for _, id := range anchors.IDs() {
		a := anchors[id]
		anchorPts = append(anchorPts, opts.ScatterData{Name: id, Value: []interface{}{a.X, a.Y, a.Z}})
	}

	stamp := s.clock.Now().Format(time.RFC3339)

	screen := charts.NewScatter()
	screen.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "UWB Tag Positions", Theme: "dark", Width: "900px", Height: "600px", AssetsHost: echartsAssetsHost}),
		charts.WithTitleOpts(opts.Title{Title: "Screen", Subtitle: fmt.Sprintf("%s tags=%d", stamp, len(screenPts))}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Min: -0.1, Max: 1.1, Name: "u", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Min: -0.1, Max: 1.1, Name: "v", NameLocation: "middle", NameGap: 30}),
	)
	screen.AddSeries("tags", screenPts, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 14}))

	room := charts.NewScatter()
	room.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Theme: "dark", Width: "900px", Height: "600px", AssetsHost: echartsAssetsHost}),
		charts.WithTitleOpts(opts.Title{Title: "Room (top down)", Subtitle: fmt.Sprintf("anchors=%d", len(anchorPts))}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: "X (m)", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Name: "Y (m)", NameLocation: "middle", NameGap: 30}),
	)
	room.AddSeries("anchors", anchorPts, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 16}))
	room.AddSeries("tags", roomPts, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 10}))

	page := components.NewPage()
	page.SetAssetsHost(echartsAssetsHost)
	page.AddCharts(screen, room)

	var buf bytes.Buffer
	if err := page.Render(&buf); err != nil {
		http.Error(w, fmt.Sprintf("render error: %v", err), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

// handleCalibrationPlot draws the target points of the last calibration and
// where each measurement lands in the fitted plane.
func (s *Server) handleCalibrationPlot(w http.ResponseWriter, r *http.Request) {
	run, ok := s.calibration.LastRun()
	if !ok {
		http.Error(w, "no calibration has completed since startup", http.StatusNotFound)
		return
	}

	p, err := calibrationPlot(run)
	if err != nil {
		http.Error(w, fmt.Sprintf("failed to build plot: %v", err), http.StatusInternalServerError)
		return
	}
	wt, err := p.WriterTo(6*vg.Inch, 6*vg.Inch, "png")
	if err != nil {
		http.Error(w, fmt.Sprintf("failed to render plot: %v", err), http.StatusInternalServerError)
		return
	}
	var buf bytes.Buffer
	if _, err := wt.WriteTo(&buf); err != nil {
		http.Error(w, fmt.Sprintf("failed to render plot: %v", err), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	_, _ = w.Write(buf.Bytes())
}

func calibrationPlot(run calibration.Run) (*plot.Plot, error) {
	p := plot.New()
	p.Title.Text = fmt.Sprintf("Calibration %s", run.CompletedAt.UTC().Format(time.RFC3339))
	p.X.Label.Text = "u"
	p.Y.Label.Text = "v"
	p.X.Min, p.X.Max = -0.1, 1.1
	p.Y.Min, p.Y.Max = -0.1, 1.1
	p.Add(plotter.NewGrid())

	targets := make(plotter.XYs, 0, len(run.Measurements))
	measured := make(plotter.XYs, 0, len(run.Measurements))
	for _, m := range run.Measurements {
		targets = append(targets, plotter.XY{X: m.UV.U, Y: m.UV.V})
		if uv, ok := geometry.Project(m.Position, run.Plane); ok {
			measured = append(measured, plotter.XY{X: uv.U, Y: uv.V})
		}
	}

	targetScatter, err := plotter.NewScatter(targets)
	if err != nil {
		return nil, err
	}
	targetScatter.GlyphStyle.Shape = draw.RingGlyph{}
	targetScatter.GlyphStyle.Radius = vg.Points(5)
	targetScatter.GlyphStyle.Color = color.RGBA{R: 31, G: 119, B: 180, A: 255}
	p.Add(targetScatter)
	p.Legend.Add("target", targetScatter)

	if len(measured) > 0 {
		measuredScatter, err := plotter.NewScatter(measured)
		if err != nil {
			return nil, err
		}
		measuredScatter.GlyphStyle.Shape = draw.CrossGlyph{}
		measuredScatter.GlyphStyle.Radius = vg.Points(4)
		measuredScatter.GlyphStyle.Color = color.RGBA{R: 214, G: 39, B: 40, A: 255}
		p.Add(measuredScatter)
		p.Legend.Add("measured", measuredScatter)
	}
	p.Legend.Top = true
	return p, nil
}
