// Package calibration fits a screen plane from sampled tag positions and runs
// the interactive multi-step procedure that collects those samples.
package calibration

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/uwb.locator/internal/geometry"
)

// MinMeasurements is the number of recorded targets required to fit a plane.
const MinMeasurements = 4

// maxCondition rejects systems whose targets are too close to collinear in
// (u, v) to pin down both basis vectors.
const maxCondition = 1e12

// Measurement pairs a target's parametric coordinate with the averaged tag
// position recorded while the operator held the tag on that target.
type Measurement struct {
	UV       geometry.UV `json:"uv"`
	Position r3.Vec      `json:"pos3d"`
}

// FitPlane solves P = O + u·X + v·Y for the nine plane unknowns in the
// least-squares sense. Each measurement contributes one equation per axis.
// The basis is not orthogonalised, so oblique screens are preserved.
func FitPlane(measurements []Measurement) (geometry.Plane, error) {
	if len(measurements) < MinMeasurements {
		return geometry.Plane{}, &ValidationError{
			Err:    ErrNotEnoughMeasurements,
			Detail: fmt.Sprintf("%d recorded, at least %d required", len(measurements), MinMeasurements),
		}
	}

	rows := 3 * len(measurements)
	a := mat.NewDense(rows, 9, nil)
	b := mat.NewVecDense(rows, nil)

	// Unknown layout: O(0..2), X(3..5), Y(6..8).
	for i, m := range measurements {
		pos := [3]float64{m.Position.X, m.Position.Y, m.Position.Z}
		for axis := 0; axis < 3; axis++ {
			row := 3*i + axis
			a.Set(row, axis, 1)
			a.Set(row, 3+axis, m.UV.U)
			a.Set(row, 6+axis, m.UV.V)
			b.SetVec(row, pos[axis])
		}
	}

	if c := mat.Cond(a, 2); c > maxCondition {
		return geometry.Plane{}, fmt.Errorf("%w: condition number %.3g", ErrSingularFit, c)
	}

	var x mat.VecDense
	if err := x.SolveVec(a, b); err != nil {
		var cond mat.Condition
		if errors.As(err, &cond) {
			return geometry.Plane{}, fmt.Errorf("%w: condition number %.3g", ErrSingularFit, float64(cond))
		}
		return geometry.Plane{}, fmt.Errorf("%w: %v", ErrSingularFit, err)
	}

	s := make([]float64, 9)
	for i := range s {
		s[i] = x.AtVec(i)
		if math.IsNaN(s[i]) || math.IsInf(s[i], 0) {
			return geometry.Plane{}, fmt.Errorf("%w: non-finite solution", ErrSingularFit)
		}
	}

	return geometry.Plane{
		Origin: r3.Vec{X: s[0], Y: s[1], Z: s[2]},
		VecX:   r3.Vec{X: s[3], Y: s[4], Z: s[5]},
		VecY:   r3.Vec{X: s[6], Y: s[7], Z: s[8]},
	}, nil
}
