// Package geometry holds the stateless maths used by the tracker:
// bounded multilateration of a tag from anchor distances and projection of a
// 3D point onto an oblique screen plane. All values are in meters.
package geometry

import (
	"sort"

	"gonum.org/v1/gonum/spatial/r3"
)

// AnchorSet maps an anchor identifier to its fixed position in meters.
type AnchorSet map[string]r3.Vec

// IDs returns the anchor identifiers in sorted order.
func (a AnchorSet) IDs() []string {
	ids := make([]string, 0, len(a))
	for id := range a {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Clone returns an independent copy of the set.
func (a AnchorSet) Clone() AnchorSet {
	out := make(AnchorSet, len(a))
	for id, p := range a {
		out[id] = p
	}
	return out
}

// Plane is a screen surface described by an origin and two basis vectors.
// The basis need not be orthogonal or of equal length.
type Plane struct {
	Origin r3.Vec
	VecX   r3.Vec
	VecY   r3.Vec
}

// Width is the length of the X basis vector.
func (p Plane) Width() float64 { return r3.Norm(p.VecX) }

// Height is the length of the Y basis vector.
func (p Plane) Height() float64 { return r3.Norm(p.VecY) }

// At returns the world point at parametric coordinate uv.
func (p Plane) At(uv UV) r3.Vec {
	return r3.Add(p.Origin, r3.Add(r3.Scale(uv.U, p.VecX), r3.Scale(uv.V, p.VecY)))
}

// RectanglePlane builds an axis-aligned plane: VecX along world X with the
// given width and VecY along world Y with the given height.
func RectanglePlane(origin r3.Vec, width, height float64) Plane {
	return Plane{
		Origin: origin,
		VecX:   r3.Vec{X: width},
		VecY:   r3.Vec{Y: height},
	}
}

// UV is a point expressed in a plane's own basis.
type UV struct {
	U float64
	V float64
}
