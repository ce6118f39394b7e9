package api

import (
	"bytes"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"
	"gonum.org/v1/plot/vg"

	"github.com/banshee-data/uwb.locator/internal/calibration"
)

var pngMagic = []byte("\x89PNG\r\n\x1a\n")

func TestDebugRoutes_Mounted(t *testing.T) {
	env := newTestEnv(t)
	mux := http.NewServeMux()
	env.server.AttachDebugRoutes(mux)

	req := httptest.NewRequest(http.MethodGet, "/debug/positions", nil)
	req.RemoteAddr = "127.0.0.1:4567"
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	req = httptest.NewRequest(http.MethodGet, "/debug/", nil)
	req.RemoteAddr = "127.0.0.1:4567"
	w = httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "calibration.png")
}

func TestPositionsChart(t *testing.T) {
	env := newTestEnv(t)
	env.useRoomAnchors(t)
	require.True(t, env.pipeline.Ingest(env.report("T7", r3.Vec{X: 2, Y: 1.5, Z: 1.2}), "10.0.0.7"))

	w := httptest.NewRecorder()
	env.server.handlePositionsChart(w, httptest.NewRequest(http.MethodGet, "/debug/positions", nil))

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/html; charset=utf-8", w.Header().Get("Content-Type"))
	body := w.Body.String()
	assert.Contains(t, body, "Room (top down)")
	assert.Contains(t, body, "T7")
	assert.Contains(t, body, echartsAssetsHost)
}

func TestCalibrationPlot_NoRun(t *testing.T) {
	env := newTestEnv(t)
	w := httptest.NewRecorder()
	env.server.handleCalibrationPlot(w, httptest.NewRequest(http.MethodGet, "/debug/calibration.png", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCalibrationPlot_RendersPNG(t *testing.T) {
	var ms []calibration.Measurement
	for _, uv := range calibration.Targets {
		ms = append(ms, calibration.Measurement{UV: uv, Position: leaningScreen.At(uv)})
	}
	run := calibration.Run{ID: "r1", CompletedAt: time.Unix(1700000000, 0), Plane: leaningScreen, Measurements: ms}

	p, err := calibrationPlot(run)
	require.NoError(t, err)
	assert.Contains(t, p.Title.Text, "2023-11-14")

	wt, err := p.WriterTo(3*vg.Inch, 3*vg.Inch, "png")
	require.NoError(t, err)
	var buf bytes.Buffer
	_, err = wt.WriteTo(&buf)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(buf.Bytes(), pngMagic))
}

func TestCalibrationPlot_AfterCalibration(t *testing.T) {
	env := newTestEnv(t)
	env.useRoomAnchors(t)
	env.do(t, http.MethodPost, "/api/calibrate/start", "")
	for _, step := range []int{0, 2, 7, 9} {
		require.True(t, env.pipeline.Ingest(env.report("T1", leaningScreen.At(calibration.Targets[step])), "10.0.0.7"))
		w, _ := env.do(t, http.MethodPost, "/api/calibrate/record_point", fmt.Sprintf(`{"tracker_id":"T1","step_index":%d}`, step))
		require.Equal(t, http.StatusOK, w.Code)
	}
	w, _ := env.do(t, http.MethodPost, "/api/calibrate/calculate", "")
	require.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	env.server.handleCalibrationPlot(w, httptest.NewRequest(http.MethodGet, "/debug/calibration.png", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "image/png", w.Header().Get("Content-Type"))
	assert.True(t, bytes.HasPrefix(w.Body.Bytes(), pngMagic))
}
