package tracking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/uwb.locator/internal/geometry"
	"github.com/banshee-data/uwb.locator/internal/timeutil"
)

var roomAnchors = geometry.AnchorSet{
	"A0": {X: 0, Y: 0, Z: 2.5},
	"A1": {X: 4, Y: 0, Z: 0.5},
	"A2": {X: 4, Y: 3, Z: 2.5},
	"A3": {X: 0, Y: 3, Z: 0.5},
}

// wallScreen spans 2 m along x and 1 m up from (1, 0, 1).
var wallScreen = geometry.Plane{
	Origin: r3.Vec{X: 1, Y: 0, Z: 1},
	VecX:   r3.Vec{X: 2},
	VecY:   r3.Vec{Z: 1},
}

type capturePublisher struct {
	mu    sync.Mutex
	snaps []Snapshot
}

func (c *capturePublisher) Publish(s Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snaps = append(c.snaps, s)
}

func (c *capturePublisher) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.snaps)
}

func (c *capturePublisher) last() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snaps[len(c.snaps)-1]
}

func reportFor(tag string, p r3.Vec, anchors geometry.AnchorSet) []byte {
	var parts []string
	for _, id := range anchors.IDs() {
		d := r3.Norm(r3.Sub(p, anchors[id]))
		parts = append(parts, fmt.Sprintf(`{"id":%q,"distance":%.9f}`, id, d))
	}
	return []byte(fmt.Sprintf(`{"tag":%q,"anchors":[%s]}`, tag, strings.Join(parts, ",")))
}

func newTestStore(screen *geometry.Plane, clock timeutil.Clock) *Store {
	return NewStore(StoreConfig{Anchors: roomAnchors, Screen: screen, Clock: clock})
}

func TestParseReport(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    Report
		wantErr bool
	}{
		{
			name:    "valid",
			payload: `{"tag":"T0","anchors":[{"id":"A0","distance":1.5},{"id":"A1","distance":2}]}`,
			want:    Report{Tag: "T0", Ranges: []Range{{AnchorID: "A0", Distance: ptr(1.5)}, {AnchorID: "A1", Distance: ptr(2)}}},
		},
		{
			name:    "null distance clears",
			payload: `{"tag":"T0","anchors":[{"id":"A0","distance":null}]}`,
			want:    Report{Tag: "T0", Ranges: []Range{{AnchorID: "A0"}}},
		},
		{
			name:    "entries without id are skipped",
			payload: `{"tag":"T0","anchors":[{"distance":1.0},{"id":"A2","distance":3}]}`,
			want:    Report{Tag: "T0", Ranges: []Range{{AnchorID: "A2", Distance: ptr(3)}}},
		},
		{
			name:    "empty anchor list",
			payload: `{"tag":"T0","anchors":[]}`,
			want:    Report{Tag: "T0", Ranges: []Range{}},
		},
		{name: "not json", payload: `hello`, wantErr: true},
		{name: "missing tag", payload: `{"anchors":[]}`, wantErr: true},
		{name: "missing anchors", payload: `{"tag":"T0"}`, wantErr: true},
		{name: "missing distance", payload: `{"tag":"T0","anchors":[{"id":"A0"}]}`, wantErr: true},
		{name: "string distance", payload: `{"tag":"T0","anchors":[{"id":"A0","distance":"far"}]}`, wantErr: true},
		{name: "numeric tag", payload: `{"tag":7,"anchors":[]}`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseReport([]byte(tt.payload))
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrMalformedReport))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func ptr(v float64) *float64 { return &v }

func TestPipeline_TracksAndProjects(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(1_700_000_000, 0))
	store := newTestStore(&wallScreen, clock)
	pub := &capturePublisher{}
	p := NewPipeline(store, pub)

	truth := r3.Vec{X: 2, Y: 1, Z: 1.5}
	require.True(t, p.Ingest(reportFor("T0", truth, roomAnchors), "10.0.0.7"))
	require.Equal(t, 1, pub.count())

	tag, ok := store.Tag("T0")
	require.True(t, ok)
	assert.Equal(t, StatusTracking, tag.Status)
	assert.Equal(t, "10.0.0.7", tag.Origin)
	require.NotNil(t, tag.Position3D)
	assert.InDelta(t, 0, r3.Norm(r3.Sub(*tag.Position3D, truth)), 1e-3)
	require.NotNil(t, tag.Position2D)
	assert.InDelta(t, 0.5, tag.Position2D.U, 1e-3)
	assert.InDelta(t, 0.5, tag.Position2D.V, 1e-3)

	view := pub.last().Tags["T0"]
	assert.Equal(t, "10.0.0.7", view.IP)
	require.NotNil(t, view.Position2D)
	assert.InDelta(t, 0.5, view.Position2D[0], 1e-3)
	assert.InDelta(t, 1_700_000_000, pub.last().ServerTimestamp, 1e-3)
}

func TestPipeline_NeedsCalibrationWithoutScreen(t *testing.T) {
	store := newTestStore(nil, timeutil.NewMockClock(time.Unix(0, 0)))
	p := NewPipeline(store, nil)

	require.True(t, p.Ingest(reportFor("T0", r3.Vec{X: 1, Y: 1, Z: 1}, roomAnchors), "10.0.0.7"))

	tag, _ := store.Tag("T0")
	assert.Equal(t, StatusNeedsCalibration, tag.Status)
	assert.NotNil(t, tag.Position3D)
	assert.Nil(t, tag.Position2D)
}

func TestPipeline_PartialReportsAccumulate(t *testing.T) {
	store := newTestStore(&wallScreen, timeutil.NewMockClock(time.Unix(0, 0)))
	pub := &capturePublisher{}
	p := NewPipeline(store, pub)

	truth := r3.Vec{X: 1.5, Y: 2, Z: 1.2}
	dist := func(id string) float64 { return r3.Norm(r3.Sub(truth, roomAnchors[id])) }

	for i, id := range roomAnchors.IDs() {
		payload := fmt.Sprintf(`{"tag":"T1","anchors":[{"id":%q,"distance":%.9f}]}`, id, dist(id))
		require.True(t, p.Ingest([]byte(payload), "10.0.0.8"))

		tag, _ := store.Tag("T1")
		if i < geometry.MinAnchors-1 {
			assert.Equal(t, StatusSolverFailed, tag.Status, "after %d anchors", i+1)
			assert.Nil(t, tag.Position3D)
		} else {
			assert.Equal(t, StatusTracking, tag.Status)
		}
	}
	assert.Equal(t, len(roomAnchors), pub.count(), "one publish per report")
}

func TestPipeline_NullDistanceClears(t *testing.T) {
	store := newTestStore(&wallScreen, timeutil.NewMockClock(time.Unix(0, 0)))
	p := NewPipeline(store, nil)

	require.True(t, p.Ingest(reportFor("T0", r3.Vec{X: 2, Y: 1, Z: 1}, roomAnchors), "h"))
	require.True(t, p.Ingest([]byte(`{"tag":"T0","anchors":[{"id":"A2","distance":null}]}`), "h"))

	tag, _ := store.Tag("T0")
	assert.Nil(t, tag.Distances["A2"])
	assert.NotNil(t, tag.Distances["A0"])
	assert.Equal(t, StatusSolverFailed, tag.Status)
	assert.Nil(t, tag.Position3D)
	assert.Nil(t, tag.Position2D)
}

func TestPipeline_UnknownAnchorIgnored(t *testing.T) {
	store := newTestStore(nil, timeutil.NewMockClock(time.Unix(0, 0)))
	p := NewPipeline(store, nil)

	require.True(t, p.Ingest([]byte(`{"tag":"T0","anchors":[{"id":"A9","distance":1.0},{"id":"A0","distance":2.0}]}`), "h"))

	tag, _ := store.Tag("T0")
	assert.NotContains(t, tag.Distances, "A9")
	assert.Len(t, tag.Distances, len(roomAnchors))
	require.NotNil(t, tag.Distances["A0"])
	assert.Equal(t, 2.0, *tag.Distances["A0"])
}

func TestPipeline_MalformedLeavesStoreUntouched(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(100, 0))
	store := newTestStore(nil, clock)
	pub := &capturePublisher{}
	p := NewPipeline(store, pub)

	require.True(t, p.Ingest([]byte(`{"tag":"T0","anchors":[{"id":"A0","distance":2.0}]}`), "h"))
	before, _ := store.Tag("T0")
	clock.Advance(time.Second)

	for _, payload := range []string{
		`{"tag":"T0","anchors":[{"id":"A0","distance":"x"}]}`,
		`{"tag":"T0","anchors":[{"id":"A0","distance":1.0},{"id":"A1"}]}`,
		`{{{`,
	} {
		assert.False(t, p.Ingest([]byte(payload), "h"), payload)
	}

	after, _ := store.Tag("T0")
	assert.Equal(t, before, after)
	assert.Equal(t, 1, pub.count())
	assert.Equal(t, Stats{Accepted: 1, Dropped: 3}, p.Stats())
}

func TestStore_SetAnchorsRekeys(t *testing.T) {
	store := newTestStore(nil, timeutil.NewMockClock(time.Unix(0, 0)))
	p := NewPipeline(store, nil)
	require.True(t, p.Ingest(reportFor("T0", r3.Vec{X: 1, Y: 1, Z: 1}, roomAnchors), "h"))
	a0, _ := store.Tag("T0")

	next := geometry.AnchorSet{
		"A0": roomAnchors["A0"],
		"A1": roomAnchors["A1"],
		"B7": {X: 2, Y: 2, Z: 2},
	}
	store.SetAnchors(next)

	tag, _ := store.Tag("T0")
	assert.Len(t, tag.Distances, 3)
	assert.Equal(t, *a0.Distances["A0"], *tag.Distances["A0"])
	assert.Contains(t, tag.Distances, "B7")
	assert.Nil(t, tag.Distances["B7"])
	assert.NotContains(t, tag.Distances, "A2")
	assert.Equal(t, next, store.Anchors())
}

func TestStore_SetScreenAppliesOnNextReport(t *testing.T) {
	store := newTestStore(nil, timeutil.NewMockClock(time.Unix(0, 0)))
	p := NewPipeline(store, nil)
	payload := reportFor("T0", r3.Vec{X: 2, Y: 1, Z: 1.5}, roomAnchors)
	require.True(t, p.Ingest(payload, "h"))

	store.SetScreen(&wallScreen)
	got, ok := store.Screen()
	require.True(t, ok)
	assert.Equal(t, wallScreen, got)

	tag, _ := store.Tag("T0")
	assert.Equal(t, StatusNeedsCalibration, tag.Status)

	require.True(t, p.Ingest(payload, "h"))
	tag, _ = store.Tag("T0")
	assert.Equal(t, StatusTracking, tag.Status)
	assert.NotNil(t, tag.Position2D)

	store.SetScreen(nil)
	_, ok = store.Screen()
	assert.False(t, ok)
}

func TestStore_PositionSource(t *testing.T) {
	store := newTestStore(nil, timeutil.NewMockClock(time.Unix(0, 0)))
	assert.False(t, store.HasTag("T0"))
	_, ok := store.Position("T0")
	assert.False(t, ok)

	NewPipeline(store, nil).Ingest([]byte(`{"tag":"T0","anchors":[]}`), "h")
	assert.True(t, store.HasTag("T0"))
	_, ok = store.Position("T0")
	assert.False(t, ok, "no position before enough anchors")
}

func TestSnapshot_JSON(t *testing.T) {
	store := newTestStore(nil, timeutil.NewMockClock(time.Unix(5, 0)))
	NewPipeline(store, nil).Ingest([]byte(`{"tag":"T0","anchors":[{"id":"A0","distance":1.25}]}`), "192.168.1.4")

	b, err := json.Marshal(store.Snapshot())
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(b, &decoded))
	tags := decoded["tags"].(map[string]any)
	tag := tags["T0"].(map[string]any)
	assert.Equal(t, "192.168.1.4", tag["ip"])
	assert.Equal(t, "solver_failed", tag["status"])
	assert.Nil(t, tag["position_3d"])
	assert.Nil(t, tag["position_2d"])
	assert.Equal(t, 5.0, tag["last_seen"])
	distances := tag["distances"].(map[string]any)
	assert.Equal(t, 1.25, distances["A0"])
	assert.Contains(t, distances, "A3")
	assert.Nil(t, distances["A3"])
}

func TestSweeper_EvictsStaleTags(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(0, 0))
	store := newTestStore(nil, clock)
	pub := &capturePublisher{}
	p := NewPipeline(store, nil)
	sw := &Sweeper{Store: store, Pub: pub, Clock: clock, Timeout: 10 * time.Second}

	p.Ingest([]byte(`{"tag":"old","anchors":[]}`), "h")
	p.Ingest([]byte(`{"tag":"older","anchors":[]}`), "h")
	clock.Advance(5 * time.Second)
	p.Ingest([]byte(`{"tag":"fresh","anchors":[]}`), "h")

	clock.Advance(5 * time.Second)
	assert.Empty(t, sw.Sweep(), "exactly at the timeout is not stale")
	assert.Equal(t, 0, pub.count())

	clock.Advance(time.Second)
	assert.Equal(t, []string{"old", "older"}, sw.Sweep())
	assert.Equal(t, 1, pub.count(), "one publish per sweep")
	assert.Equal(t, []string{"fresh"}, keys(pub.last().Tags))

	assert.Empty(t, sw.Sweep())
	assert.Equal(t, 1, pub.count())
}

func TestSweeper_RunUntilCancelled(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(0, 0))
	store := newTestStore(nil, clock)
	NewPipeline(store, nil).Ingest([]byte(`{"tag":"T0","anchors":[]}`), "h")
	sw := &Sweeper{Store: store, Clock: clock, Interval: 2 * time.Second, Timeout: 10 * time.Second}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sw.Run(ctx) }()

	require.Eventually(t, func() bool { return clock.Tickers() == 1 }, time.Second, time.Millisecond)
	for i := 0; i < 6; i++ {
		clock.Advance(2 * time.Second)
	}
	require.Eventually(t, func() bool { return store.Len() == 0 }, time.Second, time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}

func keys(m map[string]TagView) []string {
	var out []string
	for k := range m {
		out = append(out, k)
	}
	return out
}
