package calibration

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/uwb.locator/internal/geometry"
	"github.com/banshee-data/uwb.locator/internal/monitoring"
	"github.com/banshee-data/uwb.locator/internal/timeutil"
)

// State is the lifecycle of a calibration run.
type State string

const (
	StateIdle       State = "idle"
	StateCollecting State = "collecting"
	// StateCancelled behaves like StateIdle; it records that the last run was
	// abandoned rather than completed.
	StateCancelled State = "cancelled"
)

// PositionSource is the read side of the tag store used while sampling.
// Each call must take and release the store lock on its own.
type PositionSource interface {
	HasTag(id string) bool
	Position(id string) (r3.Vec, bool)
}

// ScreenApplier persists a fitted plane and makes it the active screen.
type ScreenApplier interface {
	ApplyScreen(plane geometry.Plane) error
}

// RunRecorder keeps a history of completed calibrations.
type RunRecorder interface {
	RecordCalibrationRun(run Run) error
}

// Run is a completed calibration.
type Run struct {
	ID           string
	CompletedAt  time.Time
	Plane        geometry.Plane
	Measurements []Measurement
}

// Config holds sampling parameters for a Session.
type Config struct {
	// Window is how long each point is sampled for.
	Window time.Duration
	// PollInterval is the delay between reads of the tag position.
	PollInterval time.Duration
	// Clock defaults to the real clock.
	Clock timeutil.Clock
}

// DefaultConfig samples for 5 s at 20 Hz.
func DefaultConfig() Config {
	return Config{
		Window:       5 * time.Second,
		PollInterval: 50 * time.Millisecond,
		Clock:        timeutil.RealClock{},
	}
}

// Status summarises the session for the control API.
type Status struct {
	State      State `json:"state"`
	Recorded   int   `json:"points_recorded"`
	TotalSteps int   `json:"total_steps"`
	Recording  bool  `json:"recording"`
}

// Session is the multi-step screen calibration procedure. It is safe for
// concurrent use; only one point may be recorded at a time.
type Session struct {
	cfg      Config
	source   PositionSource
	applier  ScreenApplier
	recorder RunRecorder

	mu           sync.Mutex
	state        State
	measurements []Measurement
	active       *recording
	lastRun      *Run
}

// recording is one in-flight sampling window.
type recording struct {
	cancel context.CancelFunc
}

// NewSession creates an idle session. applier and recorder may be nil.
func NewSession(cfg Config, source PositionSource, applier ScreenApplier, recorder RunRecorder) *Session {
	def := DefaultConfig()
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = def.Clock
	}
	return &Session{
		cfg:      cfg,
		source:   source,
		applier:  applier,
		recorder: recorder,
		state:    StateIdle,
	}
}

// Start discards any previous measurements and begins collecting. It
// returns the number of target points.
func (s *Session) Start() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.abortRecordingLocked()
	s.measurements = nil
	s.state = StateCollecting
	monitoring.Logf("[*] Starting new %d-point screen calibration.", len(Targets))
	return len(Targets)
}

// Cancel discards measurements, aborts a recording in progress and leaves
// the session in StateCancelled.
func (s *Session) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.abortRecordingLocked()
	s.measurements = nil
	s.state = StateCancelled
	monitoring.Logf("[*] Calibration cancelled.")
}

func (s *Session) abortRecordingLocked() {
	if s.active != nil {
		s.active.cancel()
		s.active = nil
	}
}

// RecordPoint samples tagID's position for the configured window and stores
// the mean against the target at step. Re-recording a step replaces its
// measurement. It returns the number of distinct targets recorded.
//
// The window ends early with ErrRecordingCancelled if ctx is cancelled or
// Cancel/Start is called.
func (s *Session) RecordPoint(ctx context.Context, tagID string, step int) (int, error) {
	s.mu.Lock()
	if err := s.validateRecordLocked(tagID, step); err != nil {
		s.mu.Unlock()
		return 0, err
	}
	ctx, cancel := context.WithCancel(ctx)
	rec := &recording{cancel: cancel}
	s.active = rec
	s.mu.Unlock()

	monitoring.Logf("[*] Starting %v measurement for step %d (tracker %s)...", s.cfg.Window, step, tagID)
	mean, n, err := s.sample(ctx, tagID)

	s.mu.Lock()
	defer s.mu.Unlock()
	cancel()
	if s.active != rec {
		// Aborted by Start or Cancel, possibly just as the window closed.
		return 0, ErrRecordingCancelled
	}
	s.active = nil
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, fmt.Errorf("tracker %s: %w", tagID, ErrNoSamples)
	}

	m := Measurement{UV: Targets[step], Position: mean}
	s.putLocked(m)
	monitoring.Logf("[+] Calibration point %d/%d recorded for step %d: mean of %d samples = (%.3f, %.3f, %.3f)",
		len(s.measurements), len(Targets), step, n, mean.X, mean.Y, mean.Z)
	return len(s.measurements), nil
}

func (s *Session) validateRecordLocked(tagID string, step int) error {
	if s.state != StateCollecting {
		return &ValidationError{Err: ErrNotCollecting}
	}
	if step < 0 || step >= len(Targets) {
		return &ValidationError{Err: ErrStepOutOfRange, Detail: fmt.Sprintf("step %d not in [0, %d)", step, len(Targets))}
	}
	if s.active != nil {
		return &ValidationError{Err: ErrRecordingInProgress}
	}
	if !s.source.HasTag(tagID) {
		return &ValidationError{Err: ErrUnknownTag, Detail: tagID}
	}
	return nil
}

// sample averages every available position of tagID over the window.
// Polls where the tag has no position are skipped.
func (s *Session) sample(ctx context.Context, tagID string) (r3.Vec, int, error) {
	clock := s.cfg.Clock
	start := clock.Now()
	ticker := clock.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	var (
		sum r3.Vec
		n   int
	)
	for {
		if p, ok := s.source.Position(tagID); ok {
			sum = r3.Add(sum, p)
			n++
		}
		if clock.Since(start) >= s.cfg.Window {
			break
		}
		select {
		case <-ctx.Done():
			return r3.Vec{}, 0, fmt.Errorf("%w: %v", ErrRecordingCancelled, ctx.Err())
		case <-ticker.C():
		}
	}
	if n == 0 {
		return r3.Vec{}, 0, nil
	}
	return r3.Scale(1/float64(n), sum), n, nil
}

// putLocked replaces the measurement for the same target or appends.
func (s *Session) putLocked(m Measurement) {
	for i := range s.measurements {
		if s.measurements[i].UV == m.UV {
			s.measurements[i] = m
			return
		}
	}
	s.measurements = append(s.measurements, m)
}

// Compute fits a plane to the recorded measurements, applies it as the
// active screen and clears the session. On any error the measurements are
// kept so the operator can retry.
func (s *Session) Compute() (geometry.Plane, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active != nil {
		return geometry.Plane{}, &ValidationError{Err: ErrRecordingInProgress}
	}
	measurements := append([]Measurement(nil), s.measurements...)
	plane, err := FitPlane(measurements)
	if err != nil {
		return geometry.Plane{}, err
	}

	if s.applier != nil {
		if err := s.applier.ApplyScreen(plane); err != nil {
			return geometry.Plane{}, fmt.Errorf("failed to apply screen configuration: %w", err)
		}
	}

	run := Run{
		ID:           uuid.NewString(),
		CompletedAt:  s.cfg.Clock.Now(),
		Plane:        plane,
		Measurements: measurements,
	}
	if s.recorder != nil {
		if err := s.recorder.RecordCalibrationRun(run); err != nil {
			monitoring.Logf("failed to record calibration run %s: %v", run.ID, err)
		}
	}

	monitoring.Logf("[+] Calibration result: origin=(%.3f, %.3f, %.3f) m, W=%.1f cm, H=%.1f cm",
		plane.Origin.X, plane.Origin.Y, plane.Origin.Z, plane.Width()*100, plane.Height()*100)

	s.lastRun = &run
	s.measurements = nil
	s.state = StateIdle
	return plane, nil
}

// Measurements returns a copy of the recorded measurements in record order.
func (s *Session) Measurements() []Measurement {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Measurement(nil), s.measurements...)
}

// LastRun returns the most recent completed calibration, if any.
func (s *Session) LastRun() (Run, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastRun == nil {
		return Run{}, false
	}
	return *s.lastRun, true
}

// Status reports the session state.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		State:      s.state,
		Recorded:   len(s.measurements),
		TotalSteps: len(Targets),
		Recording:  s.active != nil,
	}
}
