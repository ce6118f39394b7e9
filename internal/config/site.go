// Package config loads and persists the site description (anchor positions
// and the screen plane) and the runtime settings.
//
// The site file stores lengths in centimeters. Everything returned from this
// package is in meters.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"sync"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/uwb.locator/internal/fsutil"
	"github.com/banshee-data/uwb.locator/internal/geometry"
	"github.com/banshee-data/uwb.locator/internal/monitoring"
)

// DefaultSitePath is where the site file lives unless overridden.
const DefaultSitePath = "config.json"

const cmPerMeter = 100.0

// ErrNoAnchors is returned when an anchor update is empty.
var ErrNoAnchors = errors.New("anchor set must not be empty")

// AnchorCM is an anchor position in centimeters.
type AnchorCM struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// ScreenCM is the persisted screen plane in centimeters.
type ScreenCM struct {
	Origin   [3]float64 `json:"origin"`
	VecX     [3]float64 `json:"vec_x"`
	VecY     [3]float64 `json:"vec_y"`
	WidthCM  float64    `json:"width_cm"`
	HeightCM float64    `json:"height_cm"`
}

// SiteFile is the on-disk form of the site.
type SiteFile struct {
	Anchors map[string]AnchorCM `json:"anchors"`
	Screen  *ScreenCM           `json:"screen"`
}

// Site is the site description in meters.
type Site struct {
	Anchors geometry.AnchorSet
	Screen  *geometry.Plane
}

// DefaultSite is a 4.35 m by 2.5 m room with anchors at two heights.
func DefaultSite() Site {
	return SiteFile{
		Anchors: map[string]AnchorCM{
			"A0": {X: 0, Y: 0, Z: 250},
			"A1": {X: 435, Y: 250, Z: 150},
			"A2": {X: 435, Y: 0, Z: 250},
			"A3": {X: 0, Y: 250, Z: 150},
		},
	}.Site()
}

// cmSteps is how many steps per centimeter the site file keeps. Rounding to
// them undoes the error of the meters round trip, so a value entered as 435
// is written back as 435.
const cmSteps = 1e6

func metersToCM(v float64) float64 {
	return math.Round(v*cmPerMeter*cmSteps) / cmSteps
}

func toCM(v r3.Vec) [3]float64 {
	return [3]float64{metersToCM(v.X), metersToCM(v.Y), metersToCM(v.Z)}
}

func fromCM(v [3]float64) r3.Vec {
	return r3.Vec{X: v[0] / cmPerMeter, Y: v[1] / cmPerMeter, Z: v[2] / cmPerMeter}
}

// ScreenToCM converts a plane for storage or display.
func ScreenToCM(p geometry.Plane) ScreenCM {
	return ScreenCM{
		Origin:   toCM(p.Origin),
		VecX:     toCM(p.VecX),
		VecY:     toCM(p.VecY),
		WidthCM:  metersToCM(p.Width()),
		HeightCM: metersToCM(p.Height()),
	}
}

// Plane converts the stored screen to meters. The width and height fields
// are informational; the basis vectors are authoritative.
func (s ScreenCM) Plane() geometry.Plane {
	return geometry.Plane{
		Origin: fromCM(s.Origin),
		VecX:   fromCM(s.VecX),
		VecY:   fromCM(s.VecY),
	}
}

// AnchorsToCM converts an anchor set for storage or display.
func AnchorsToCM(a geometry.AnchorSet) map[string]AnchorCM {
	out := make(map[string]AnchorCM, len(a))
	for id, p := range a {
		out[id] = AnchorCM{X: metersToCM(p.X), Y: metersToCM(p.Y), Z: metersToCM(p.Z)}
	}
	return out
}

// AnchorsFromCM converts stored anchors to meters.
func AnchorsFromCM(a map[string]AnchorCM) geometry.AnchorSet {
	out := make(geometry.AnchorSet, len(a))
	for id, p := range a {
		out[id] = r3.Vec{X: p.X / cmPerMeter, Y: p.Y / cmPerMeter, Z: p.Z / cmPerMeter}
	}
	return out
}

// Site converts the file to meters.
func (f SiteFile) Site() Site {
	s := Site{Anchors: AnchorsFromCM(f.Anchors)}
	if f.Screen != nil {
		p := f.Screen.Plane()
		s.Screen = &p
	}
	return s
}

// File converts the site to its on-disk form.
func (s Site) File() SiteFile {
	f := SiteFile{Anchors: AnchorsToCM(s.Anchors)}
	if s.Screen != nil {
		sc := ScreenToCM(*s.Screen)
		f.Screen = &sc
	}
	return f
}

// LoadSite reads the site file at path. A missing file is created with
// DefaultSite.
func LoadSite(fsys fsutil.FileSystem, path string) (Site, error) {
	data, err := readJSONFile(fsys, path)
	if errors.Is(err, fs.ErrNotExist) {
		monitoring.Logf("'%s' not found. Creating with default values.", path)
		site := DefaultSite()
		if err := SaveSite(fsys, path, site); err != nil {
			return Site{}, err
		}
		return site, nil
	}
	if err != nil {
		return Site{}, err
	}

	var f SiteFile
	if err := json.Unmarshal(data, &f); err != nil {
		return Site{}, fmt.Errorf("failed to parse site file %s: %w", path, err)
	}
	if len(f.Anchors) == 0 {
		return Site{}, fmt.Errorf("site file %s: %w", path, ErrNoAnchors)
	}
	if f.Screen == nil {
		monitoring.Logf("Screen is not calibrated yet.")
	}
	return f.Site(), nil
}

// SaveSite writes the site to path in centimeters.
func SaveSite(fsys fsutil.FileSystem, path string, site Site) error {
	data, err := json.MarshalIndent(site.File(), "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode site: %w", err)
	}
	if err := fsys.WriteFileAtomic(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("failed to save site to %s: %w", path, err)
	}
	return nil
}

// SiteTarget receives site changes once they are persisted, typically the
// tracking store.
type SiteTarget interface {
	SetAnchors(anchors geometry.AnchorSet)
	SetScreen(plane *geometry.Plane)
}

// Manager owns the site file. Each change is saved first and only then
// applied to memory and to the target, so a failed save changes nothing.
type Manager struct {
	fsys   fsutil.FileSystem
	path   string
	target SiteTarget

	mu   sync.Mutex
	site Site
}

// NewManager loads (or creates) the site file and pushes it to target.
func NewManager(fsys fsutil.FileSystem, path string, target SiteTarget) (*Manager, error) {
	site, err := LoadSite(fsys, path)
	if err != nil {
		return nil, err
	}
	m := &Manager{fsys: fsys, path: path, target: target, site: site}
	if target != nil {
		target.SetAnchors(site.Anchors)
		target.SetScreen(site.Screen)
	}
	return m, nil
}

// Site returns a copy of the current site.
func (m *Manager) Site() Site {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.site.clone()
}

func (s Site) clone() Site {
	c := Site{Anchors: s.Anchors.Clone()}
	if s.Screen != nil {
		p := *s.Screen
		c.Screen = &p
	}
	return c
}

// SetAnchors replaces the anchor set.
func (m *Manager) SetAnchors(anchors geometry.AnchorSet) error {
	if len(anchors) == 0 {
		return ErrNoAnchors
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	next := m.site.clone()
	next.Anchors = anchors.Clone()
	if err := SaveSite(m.fsys, m.path, next); err != nil {
		return err
	}
	m.site = next
	if m.target != nil {
		m.target.SetAnchors(next.Anchors)
	}
	monitoring.Logf("[Config] Anchor positions updated (%d anchors).", len(anchors))
	return nil
}

// ApplyScreen replaces the screen plane.
func (m *Manager) ApplyScreen(plane geometry.Plane) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	next := m.site.clone()
	next.Screen = &plane
	if err := SaveSite(m.fsys, m.path, next); err != nil {
		return err
	}
	m.site = next
	if m.target != nil {
		m.target.SetScreen(&plane)
	}
	return nil
}

// SetManualScreen stores an axis-aligned rectangle. Inputs are in
// centimeters as entered by the operator.
func (m *Manager) SetManualScreen(originCM r3.Vec, widthCM, heightCM float64) (geometry.Plane, error) {
	if widthCM <= 0 || heightCM <= 0 {
		return geometry.Plane{}, fmt.Errorf("screen size must be positive, got %gx%g cm", widthCM, heightCM)
	}
	plane := geometry.RectanglePlane(r3.Scale(1/cmPerMeter, originCM), widthCM/cmPerMeter, heightCM/cmPerMeter)
	if err := m.ApplyScreen(plane); err != nil {
		return geometry.Plane{}, err
	}
	monitoring.Logf("[SUCCESS] Manual screen configuration saved.")
	return plane, nil
}
