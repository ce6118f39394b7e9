package config

import (
	"encoding/json"
	"fmt"
	"net"
	"path/filepath"
	"time"

	"github.com/banshee-data/uwb.locator/internal/fsutil"
)

// maxFileSize bounds every JSON configuration file.
const maxFileSize = 1 * 1024 * 1024

// Settings holds runtime tuning. Every field is optional; the Get* methods
// supply defaults for anything left unset, so partial files are safe.
type Settings struct {
	UDPListen  *string `json:"udp_listen,omitempty"`
	HTTPListen *string `json:"http_listen,omitempty"`

	// Durations are strings like "10s".
	TagTimeout    *string `json:"tag_timeout,omitempty"`
	SweepInterval *string `json:"sweep_interval,omitempty"`

	SolverBoundMeters  *float64 `json:"solver_bound_m,omitempty"`
	SolverMaxIter      *int     `json:"solver_max_iterations,omitempty"`
	CalibrationWindow  *string  `json:"calibration_window,omitempty"`
	CalibrationPolling *string  `json:"calibration_poll_interval,omitempty"`

	UDPReceiveBuffer *int `json:"udp_receive_buffer,omitempty"`
}

// LoadSettings reads a Settings file. The file must have a .json extension
// and be no larger than 1MB.
func LoadSettings(fsys fsutil.FileSystem, path string) (*Settings, error) {
	data, err := readJSONFile(fsys, path)
	if err != nil {
		return nil, err
	}
	s := &Settings{}
	if err := json.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("failed to parse settings JSON: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("invalid settings: %w", err)
	}
	return s, nil
}

func readJSONFile(fsys fsutil.FileSystem, path string) ([]byte, error) {
	clean := filepath.Clean(path)
	if ext := filepath.Ext(clean); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}
	info, err := fsys.Stat(clean)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if info.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxFileSize)
	}
	data, err := fsys.ReadFile(clean)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return data, nil
}

// Validate checks the values that are set.
func (s *Settings) Validate() error {
	for name, v := range map[string]*string{
		"udp_listen":  s.UDPListen,
		"http_listen": s.HTTPListen,
	} {
		if v == nil {
			continue
		}
		if _, _, err := net.SplitHostPort(*v); err != nil {
			return fmt.Errorf("invalid %s %q: %w", name, *v, err)
		}
	}

	for name, v := range map[string]*string{
		"tag_timeout":               s.TagTimeout,
		"sweep_interval":            s.SweepInterval,
		"calibration_window":        s.CalibrationWindow,
		"calibration_poll_interval": s.CalibrationPolling,
	} {
		if v == nil || *v == "" {
			continue
		}
		d, err := time.ParseDuration(*v)
		if err != nil {
			return fmt.Errorf("invalid %s '%s': %w", name, *v, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, *v)
		}
	}

	if s.SolverBoundMeters != nil && *s.SolverBoundMeters <= 0 {
		return fmt.Errorf("solver_bound_m must be positive, got %f", *s.SolverBoundMeters)
	}
	if s.SolverMaxIter != nil && *s.SolverMaxIter <= 0 {
		return fmt.Errorf("solver_max_iterations must be positive, got %d", *s.SolverMaxIter)
	}
	if s.UDPReceiveBuffer != nil && *s.UDPReceiveBuffer < 0 {
		return fmt.Errorf("udp_receive_buffer must be non-negative, got %d", *s.UDPReceiveBuffer)
	}
	return nil
}

func durationOr(v *string, def time.Duration) time.Duration {
	if v == nil || *v == "" {
		return def
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return def
	}
	return d
}

func stringOr(v *string, def string) string {
	if v == nil {
		return def
	}
	return *v
}

// GetUDPListen returns the report listener address.
func (s *Settings) GetUDPListen() string { return stringOr(s.UDPListen, ":16061") }

// GetHTTPListen returns the HTTP listen address.
func (s *Settings) GetHTTPListen() string { return stringOr(s.HTTPListen, ":5001") }

// GetTagTimeout returns how long a silent tag is kept.
func (s *Settings) GetTagTimeout() time.Duration { return durationOr(s.TagTimeout, 10*time.Second) }

// GetSweepInterval returns the eviction sweep period.
func (s *Settings) GetSweepInterval() time.Duration {
	return durationOr(s.SweepInterval, 2*time.Second)
}

// GetCalibrationWindow returns how long each calibration point is sampled.
func (s *Settings) GetCalibrationWindow() time.Duration {
	return durationOr(s.CalibrationWindow, 5*time.Second)
}

// GetCalibrationPollInterval returns the calibration sampling period.
func (s *Settings) GetCalibrationPollInterval() time.Duration {
	return durationOr(s.CalibrationPolling, 50*time.Millisecond)
}

// GetSolverBound returns the per-axis search half-width in meters.
func (s *Settings) GetSolverBound() float64 {
	if s.SolverBoundMeters == nil {
		return 10
	}
	return *s.SolverBoundMeters
}

// GetSolverMaxIterations returns the optimizer iteration cap.
func (s *Settings) GetSolverMaxIterations() int {
	if s.SolverMaxIter == nil {
		return 200
	}
	return *s.SolverMaxIter
}

// GetUDPReceiveBuffer returns the socket receive buffer size; zero keeps the
// OS default.
func (s *Settings) GetUDPReceiveBuffer() int {
	if s.UDPReceiveBuffer == nil {
		return 0
	}
	return *s.UDPReceiveBuffer
}
