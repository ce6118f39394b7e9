// Package api serves the operator HTTP interface: site configuration,
// calibration control, the live tag snapshot and its websocket feed.
package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/uwb.locator/internal/calibration"
	"github.com/banshee-data/uwb.locator/internal/config"
	"github.com/banshee-data/uwb.locator/internal/geometry"
	"github.com/banshee-data/uwb.locator/internal/push"
	"github.com/banshee-data/uwb.locator/internal/timeutil"
	"github.com/banshee-data/uwb.locator/internal/tracking"
)

// SiteManager is the persisted anchor and screen configuration.
type SiteManager interface {
	Site() config.Site
	SetAnchors(anchors geometry.AnchorSet) error
	SetManualScreen(originCM r3.Vec, widthCM, heightCM float64) (geometry.Plane, error)
}

// History is the calibration and anchor history store.
type History interface {
	CalibrationRuns(limit int) ([]calibration.Run, error)
	RecordAnchorChange(anchors geometry.AnchorSet, at time.Time) error
}

// StatsFunc reports counters for one named component on /api/stats.
type StatsFunc func() any

// Config wires a Server. Store, Site and Calibration are required.
type Config struct {
	Store       *tracking.Store
	Pipeline    *tracking.Pipeline
	Site        SiteManager
	Calibration *calibration.Session
	// History may be nil, in which case /api/calibrate/history is empty.
	History History
	// Hub feeds /ws. Without it the websocket only sends the initial
	// snapshot.
	Hub   *push.Hub[tracking.Snapshot]
	Clock timeutil.Clock
	// Stats are extra counters listed by /api/stats.
	Stats map[string]StatsFunc
}

type Server struct {
	store       *tracking.Store
	pipeline    *tracking.Pipeline
	site        SiteManager
	calibration *calibration.Session
	history     History
	hub         *push.Hub[tracking.Snapshot]
	clock       timeutil.Clock
	stats       map[string]StatsFunc
	upgrader    websocket.Upgrader
}

func NewServer(cfg Config) *Server {
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	return &Server{
		store:       cfg.Store,
		pipeline:    cfg.Pipeline,
		site:        cfg.Site,
		calibration: cfg.Calibration,
		history:     cfg.History,
		hub:         cfg.Hub,
		clock:       cfg.Clock,
		stats:       cfg.Stats,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// The operator UI is served from other origins during development.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/anchors", s.handleAnchors)
	mux.HandleFunc("/api/screen_config", s.showScreenConfig)
	mux.HandleFunc("/api/screen_config/manual", s.setManualScreen)
	mux.HandleFunc("/api/calibrate/start", s.calibrateStart)
	mux.HandleFunc("/api/calibrate/record_point", s.calibrateRecordPoint)
	mux.HandleFunc("/api/calibrate/calculate", s.calibrateCalculate)
	mux.HandleFunc("/api/calibrate/cancel", s.calibrateCancel)
	mux.HandleFunc("/api/calibrate/status", s.calibrateStatus)
	mux.HandleFunc("/api/calibrate/history", s.calibrateHistory)
	mux.HandleFunc("/api/tags", s.listTags)
	mux.HandleFunc("/api/stats", s.showStats)
	mux.HandleFunc("/api/version", s.showVersion)
	mux.HandleFunc("/ws", s.serveWebsocket)
	return mux
}
