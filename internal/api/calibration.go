package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/banshee-data/uwb.locator/internal/calibration"
	"github.com/banshee-data/uwb.locator/internal/config"
	"github.com/banshee-data/uwb.locator/internal/httputil"
)

const defaultHistoryLimit = 20

// measurementView is a recorded point; pos3d is in meters.
type measurementView struct {
	UV    [2]float64 `json:"uv"`
	Pos3D [3]float64 `json:"pos3d"`
}

type runView struct {
	ID           string            `json:"id"`
	CompletedAt  string            `json:"completed_at"`
	Config       config.ScreenCM   `json:"config"`
	Measurements []measurementView `json:"measurements"`
}

func newMeasurementViews(ms []calibration.Measurement) []measurementView {
	out := make([]measurementView, 0, len(ms))
	for _, m := range ms {
		out = append(out, measurementView{
			UV:    [2]float64{m.UV.U, m.UV.V},
			Pos3D: [3]float64{m.Position.X, m.Position.Y, m.Position.Z},
		})
	}
	return out
}

func newRunView(run calibration.Run) runView {
	return runView{
		ID:           run.ID,
		CompletedAt:  run.CompletedAt.UTC().Format(time.RFC3339Nano),
		Config:       config.ScreenToCM(run.Plane),
		Measurements: newMeasurementViews(run.Measurements),
	}
}

func (s *Server) calibrateStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	total := s.calibration.Start()
	httputil.WriteOK(w, httputil.Fields{"total_steps": total})
}

func (s *Server) calibrateRecordPoint(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	var req struct {
		TrackerID *string `json:"tracker_id"`
		StepIndex *int    `json:"step_index"`
	}
	if err := decodeBody(w, r, &req); err != nil || req.TrackerID == nil || req.StepIndex == nil {
		httputil.BadRequest(w, "Invalid request.")
		return
	}

	// Blocks for the sampling window; the client disconnecting aborts it.
	n, err := s.calibration.RecordPoint(r.Context(), *req.TrackerID, *req.StepIndex)
	switch {
	case err == nil:
		httputil.WriteOK(w, httputil.Fields{"points_recorded": n})
	case errors.Is(err, calibration.ErrUnknownTag):
		httputil.NotFound(w, fmt.Sprintf("Tracker %s not found.", *req.TrackerID))
	case errors.Is(err, calibration.ErrRecordingInProgress), errors.Is(err, calibration.ErrRecordingCancelled):
		httputil.WriteJSONError(w, http.StatusConflict, err.Error())
	case calibration.IsValidation(err):
		httputil.BadRequest(w, err.Error())
	case errors.Is(err, calibration.ErrNoSamples):
		httputil.InternalServerError(w, "No 3D position received during the sampling window. Move the tracker closer.")
	default:
		httputil.InternalServerError(w, err.Error())
	}
}

func (s *Server) calibrateCalculate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	plane, err := s.calibration.Compute()
	switch {
	case err == nil:
		httputil.WriteOK(w, httputil.Fields{"config": config.ScreenToCM(plane)})
	case calibration.IsValidation(err):
		httputil.BadRequest(w, err.Error())
	case errors.Is(err, calibration.ErrSingularFit):
		httputil.InternalServerError(w, "Calculation error. Try again.")
	default:
		httputil.InternalServerError(w, err.Error())
	}
}

func (s *Server) calibrateCancel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	s.calibration.Cancel()
	httputil.WriteOK(w, nil)
}

func (s *Server) calibrateStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	httputil.WriteOK(w, httputil.Fields{
		"calibration":  s.calibration.Status(),
		"measurements": newMeasurementViews(s.calibration.Measurements()),
	})
}

func (s *Server) calibrateHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	limit := defaultHistoryLimit
	if l := r.URL.Query().Get("limit"); l != "" {
		parsed, err := strconv.Atoi(l)
		if err != nil || parsed < 1 {
			httputil.BadRequest(w, "Invalid 'limit' parameter")
			return
		}
		limit = parsed
	}

	runs := []runView{}
	if s.history != nil {
		stored, err := s.history.CalibrationRuns(limit)
		if err != nil {
			httputil.InternalServerError(w, fmt.Sprintf("Failed to retrieve calibration history: %v", err))
			return
		}
		for _, run := range stored {
			runs = append(runs, newRunView(run))
		}
	}
	httputil.WriteOK(w, httputil.Fields{"runs": runs})
}
