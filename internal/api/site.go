package api

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/uwb.locator/internal/config"
	"github.com/banshee-data/uwb.locator/internal/httputil"
)

// maxBodyBytes bounds request bodies on the configuration routes.
const maxBodyBytes = 1 << 20

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	return json.NewDecoder(r.Body).Decode(v)
}

func (s *Server) handleAnchors(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		// Same shape as the site file: centimeters, screen null when unset.
		httputil.WriteJSON(w, http.StatusOK, s.site.Site().File())
	case http.MethodPost:
		s.updateAnchors(w, r)
	default:
		httputil.MethodNotAllowed(w)
	}
}

func (s *Server) updateAnchors(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Anchors map[string]config.AnchorCM `json:"anchors"`
	}
	if err := decodeBody(w, r, &req); err != nil || req.Anchors == nil {
		httputil.BadRequest(w, "Invalid data")
		return
	}
	if len(req.Anchors) == 0 {
		httputil.BadRequest(w, config.ErrNoAnchors.Error())
		return
	}

	anchors := config.AnchorsFromCM(req.Anchors)
	if err := s.site.SetAnchors(anchors); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("Failed to save anchors: %v", err))
		return
	}
	if s.history != nil {
		if err := s.history.RecordAnchorChange(anchors, s.clock.Now()); err != nil {
			log.Printf("failed to record anchor change: %v", err)
		}
	}
	httputil.WriteOK(w, nil)
}

func (s *Server) showScreenConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	site := s.site.Site()
	if site.Screen == nil {
		httputil.WriteStatus(w, http.StatusOK, "not_found", httputil.Fields{
			"message": "No screen configuration found.",
		})
		return
	}
	httputil.WriteOK(w, httputil.Fields{"config": config.ScreenToCM(*site.Screen)})
}

type manualScreenRequest struct {
	WidthCM  *float64 `json:"width_cm"`
	HeightCM *float64 `json:"height_cm"`
	OriginX  *float64 `json:"origin_x"`
	OriginY  *float64 `json:"origin_y"`
	OriginZ  *float64 `json:"origin_z"`
}

func (m manualScreenRequest) complete() bool {
	return m.WidthCM != nil && m.HeightCM != nil &&
		m.OriginX != nil && m.OriginY != nil && m.OriginZ != nil
}

func (s *Server) setManualScreen(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	var req manualScreenRequest
	if err := decodeBody(w, r, &req); err != nil || !req.complete() {
		httputil.BadRequest(w, "Invalid or incomplete data.")
		return
	}
	if *req.WidthCM <= 0 || *req.HeightCM <= 0 {
		httputil.BadRequest(w, "Screen width and height must be positive.")
		return
	}

	origin := r3.Vec{X: *req.OriginX, Y: *req.OriginY, Z: *req.OriginZ}
	plane, err := s.site.SetManualScreen(origin, *req.WidthCM, *req.HeightCM)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("Failed to save screen configuration: %v", err))
		return
	}
	httputil.WriteOK(w, httputil.Fields{"config": config.ScreenToCM(plane)})
}
