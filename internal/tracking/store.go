// Package tracking keeps the live state of every ranging tag and turns
// incoming reports into 3D positions and screen coordinates.
package tracking

import (
	"sort"
	"sync"
	"time"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/uwb.locator/internal/geometry"
	"github.com/banshee-data/uwb.locator/internal/timeutil"
)

// Status describes what the tracker could compute for a tag from its most
// recent report.
type Status string

const (
	StatusReceiving Status = "receiving"
	StatusTracking  Status = "tracking"
	// StatusSolverFailed is reported whenever no 3D position is available,
	// including while fewer than geometry.MinAnchors anchors have reported.
	StatusSolverFailed     Status = "solver_failed"
	StatusNeedsCalibration Status = "needs_calibration"
)

// TagState is the latest known state of one tag.
type TagState struct {
	ID         string
	Origin     string
	Distances  map[string]*float64
	LastSeen   time.Time
	Position3D *r3.Vec
	Position2D *geometry.UV
	Status     Status
}

func (t *TagState) clone() TagState {
	c := *t
	c.Distances = make(map[string]*float64, len(t.Distances))
	for id, d := range t.Distances {
		if d != nil {
			v := *d
			d = &v
		}
		c.Distances[id] = d
	}
	if t.Position3D != nil {
		p := *t.Position3D
		c.Position3D = &p
	}
	if t.Position2D != nil {
		uv := *t.Position2D
		c.Position2D = &uv
	}
	return c
}

// StoreConfig configures a Store.
type StoreConfig struct {
	Anchors geometry.AnchorSet
	// Screen is nil until the screen has been calibrated.
	Screen *geometry.Plane
	Solver geometry.SolverConfig
	Clock  timeutil.Clock
}

// Store owns the tags together with the anchor set and screen plane they are
// computed against. Every method takes the single store lock once and
// releases it before returning, so callers never nest acquisitions.
type Store struct {
	clock  timeutil.Clock
	solver geometry.SolverConfig

	mu      sync.Mutex
	tags    map[string]*TagState
	anchors geometry.AnchorSet
	screen  *geometry.Plane
}

// NewStore creates an empty store.
func NewStore(cfg StoreConfig) *Store {
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	if cfg.Solver.Bound == 0 {
		cfg.Solver = geometry.DefaultSolverConfig()
	}
	anchors := cfg.Anchors.Clone()
	if anchors == nil {
		anchors = geometry.AnchorSet{}
	}
	var screen *geometry.Plane
	if cfg.Screen != nil {
		p := *cfg.Screen
		screen = &p
	}
	return &Store{
		clock:   cfg.Clock,
		solver:  cfg.Solver,
		tags:    make(map[string]*TagState),
		anchors: anchors,
		screen:  screen,
	}
}

// Apply folds a report into the tag's state, recomputes its position and
// status, and returns a copy of the result. created is true when the report
// was the first from this tag.
func (s *Store) Apply(r Report, origin string) (state TagState, created bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tags[r.Tag]
	if !ok {
		t = &TagState{
			ID:        r.Tag,
			Origin:    origin,
			Distances: make(map[string]*float64, len(s.anchors)),
			Status:    StatusReceiving,
		}
		for id := range s.anchors {
			t.Distances[id] = nil
		}
		s.tags[r.Tag] = t
		created = true
	}

	t.LastSeen = s.clock.Now()
	for _, rg := range r.Ranges {
		if _, known := t.Distances[rg.AnchorID]; known {
			t.Distances[rg.AnchorID] = rg.Distance
		}
	}

	s.recomputeLocked(t)
	return t.clone(), created
}

// recomputeLocked solves the full stored distance map, not just the ranges
// in the latest report.
func (s *Store) recomputeLocked(t *TagState) {
	pos, ok := s.solver.Solve(t.Distances, s.anchors)
	if !ok {
		t.Position3D = nil
		t.Position2D = nil
		t.Status = StatusSolverFailed
		return
	}
	t.Position3D = &pos
	t.Status = StatusTracking

	if s.screen == nil {
		t.Position2D = nil
		t.Status = StatusNeedsCalibration
		return
	}
	if uv, ok := geometry.Project(pos, *s.screen); ok {
		t.Position2D = &uv
	} else {
		t.Position2D = nil
	}
}

// EvictStale removes tags not heard from for longer than timeout and
// returns their ids in sorted order.
func (s *Store) EvictStale(timeout time.Duration) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	var removed []string
	for id, t := range s.tags {
		if now.Sub(t.LastSeen) > timeout {
			delete(s.tags, id)
			removed = append(removed, id)
		}
	}
	sort.Strings(removed)
	return removed
}

// Tag returns a copy of one tag's state.
func (s *Store) Tag(id string) (TagState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tags[id]
	if !ok {
		return TagState{}, false
	}
	return t.clone(), true
}

// HasTag reports whether id is currently tracked.
func (s *Store) HasTag(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.tags[id]
	return ok
}

// Position returns the tag's current 3D position if it has one.
func (s *Store) Position(id string) (r3.Vec, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tags[id]
	if !ok || t.Position3D == nil {
		return r3.Vec{}, false
	}
	return *t.Position3D, true
}

// Len returns the number of tracked tags.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tags)
}

// Tags returns copies of every tag, sorted by id.
func (s *Store) Tags() []TagState {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TagState, 0, len(s.tags))
	for _, t := range s.tags {
		out = append(out, t.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Snapshot captures every tag for publishing to viewers.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		ServerTimestamp: unixSeconds(s.clock.Now()),
		Tags:            make(map[string]TagView, len(s.tags)),
	}
	for id, t := range s.tags {
		snap.Tags[id] = newTagView(t)
	}
	return snap
}

// Anchors returns a copy of the anchor set.
func (s *Store) Anchors() geometry.AnchorSet {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.anchors.Clone()
}

// SetAnchors replaces the anchor set. Each tag's distance map is re-keyed to
// the new ids: distances to anchors that remain are kept, removed anchors
// are dropped and new anchors start absent.
func (s *Store) SetAnchors(anchors geometry.AnchorSet) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.anchors = anchors.Clone()
	for _, t := range s.tags {
		next := make(map[string]*float64, len(anchors))
		for id := range anchors {
			next[id] = t.Distances[id]
		}
		t.Distances = next
	}
}

// Screen returns the active screen plane, if calibrated.
func (s *Store) Screen() (geometry.Plane, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.screen == nil {
		return geometry.Plane{}, false
	}
	return *s.screen, true
}

// SetScreen replaces the screen plane; nil clears it. Tags pick up the new
// plane on their next report.
func (s *Store) SetScreen(plane *geometry.Plane) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if plane == nil {
		s.screen = nil
		return
	}
	p := *plane
	s.screen = &p
}
