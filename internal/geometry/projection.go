package geometry

import (
	"math"

	"gonum.org/v1/gonum/spatial/r3"
)

// DegenerateEpsilon is the smallest Gram determinant for which the plane
// basis is treated as spanning a plane.
const DegenerateEpsilon = 1e-9

// Project expresses point in the plane's (u, v) basis by solving the 2×2
// normal equations in closed form. It returns false when the basis vectors
// are collinear. The result is not clamped to [0, 1].
func Project(point r3.Vec, plane Plane) (UV, bool) {
	p := r3.Sub(point, plane.Origin)

	m11 := r3.Dot(plane.VecX, plane.VecX)
	m12 := r3.Dot(plane.VecX, plane.VecY)
	m22 := r3.Dot(plane.VecY, plane.VecY)

	det := m11*m22 - m12*m12
	if math.Abs(det) < DegenerateEpsilon {
		return UV{}, false
	}

	d1 := r3.Dot(p, plane.VecX)
	d2 := r3.Dot(p, plane.VecY)

	inv := 1 / det
	return UV{
		U: inv * (m22*d1 - m12*d2),
		V: inv * (m11*d2 - m12*d1),
	}, true
}
