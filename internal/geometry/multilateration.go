package geometry

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/optimize"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/uwb.locator/internal/monitoring"
)

// MinAnchors is the number of anchors with a known distance required before
// the solver is attempted.
const MinAnchors = 4

// SolverConfig controls the bounded least-squares position solver.
type SolverConfig struct {
	// Bound is the half-width of the search box per axis, in meters.
	Bound float64
	// MaxIterations caps the number of major optimizer iterations.
	MaxIterations int
	// GradientTolerance is the gradient norm at which the solve is converged.
	GradientTolerance float64
}

// DefaultSolverConfig returns the solver settings used in production.
func DefaultSolverConfig() SolverConfig {
	return SolverConfig{
		Bound:             10,
		MaxIterations:     200,
		GradientTolerance: 1e-10,
	}
}

// stallTolerance is the gradient norm below which a line search that stops
// making progress is still treated as having reached the minimum.
const stallTolerance = 1e-6

// SolvePosition estimates a tag position from its anchor distances using the
// default solver settings.
func SolvePosition(distances map[string]*float64, anchors AnchorSet) (r3.Vec, bool) {
	return DefaultSolverConfig().Solve(distances, anchors)
}

// Solve minimizes the sum of squared range residuals over the search box.
// It returns false when fewer than MinAnchors anchors have a distance or
// when the optimizer does not converge.
func (c SolverConfig) Solve(distances map[string]*float64, anchors AnchorSet) (r3.Vec, bool) {
	var (
		points []r3.Vec
		ranges []float64
	)
	// Sorted ids keep the objective's summation order, and therefore the
	// result, identical across calls.
	for _, id := range anchors.IDs() {
		d, ok := distances[id]
		if !ok || d == nil {
			continue
		}
		points = append(points, anchors[id])
		ranges = append(ranges, *d)
	}
	if len(points) < MinAnchors {
		return r3.Vec{}, false
	}

	bound := c.Bound
	if bound <= 0 {
		bound = DefaultSolverConfig().Bound
	}
	b := boxMap{bound: bound}
	obj := rangeObjective{anchors: points, ranges: ranges}

	var centroid r3.Vec
	for _, p := range points {
		centroid = r3.Add(centroid, p)
	}
	centroid = r3.Scale(1/float64(len(points)), centroid)

	problem := optimize.Problem{
		Func: func(q []float64) float64 {
			return obj.value(b.toBox(q))
		},
		Grad: func(grad, q []float64) {
			x := b.toBox(q)
			g := obj.gradient(x)
			jac := b.jacobian(q)
			grad[0] = g.X * jac.X
			grad[1] = g.Y * jac.Y
			grad[2] = g.Z * jac.Z
		},
	}

	settings := &optimize.Settings{
		GradientThreshold: c.GradientTolerance,
		MajorIterations:   c.MaxIterations,
		Converger: &optimize.FunctionConverge{
			Absolute:   1e-16,
			Relative:   1e-12,
			Iterations: 25,
		},
	}

	result, err := optimize.Minimize(problem, b.fromBox(centroid), settings, &optimize.LBFGS{})
	if result == nil {
		monitoring.Logf("[solver] 3D position solve failed: %v", err)
		return r3.Vec{}, false
	}
	x := b.toBox(result.X)
	if b.onFace(x) {
		// tanh flattens out at the box faces, so a minimum outside the box
		// stalls there and looks converged.
		monitoring.Logf("[solver] 3D position solve pinned to the search box at %v", x)
		return r3.Vec{}, false
	}
	if err != nil {
		if floats.Norm(result.Gradient, 2) < stallTolerance {
			return x, true
		}
		monitoring.Logf("[solver] 3D position solve failed: %v (status %v)", err, result.Status)
		return r3.Vec{}, false
	}

	switch result.Status {
	case optimize.Success,
		optimize.GradientThreshold,
		optimize.FunctionThreshold,
		optimize.FunctionConvergence,
		optimize.StepConvergence:
		return x, true
	default:
		monitoring.Logf("[solver] 3D position solve did not converge: status %v after %d iterations",
			result.Status, result.Stats.MajorIterations)
		return r3.Vec{}, false
	}
}

// rangeObjective is Σ(‖p − aᵢ‖ − dᵢ)².
type rangeObjective struct {
	anchors []r3.Vec
	ranges  []float64
}

func (o rangeObjective) value(p r3.Vec) float64 {
	var sum float64
	for i, a := range o.anchors {
		r := r3.Norm(r3.Sub(p, a)) - o.ranges[i]
		sum += r * r
	}
	return sum
}

func (o rangeObjective) gradient(p r3.Vec) r3.Vec {
	var g r3.Vec
	for i, a := range o.anchors {
		diff := r3.Sub(p, a)
		n := r3.Norm(diff)
		if n == 0 {
			continue
		}
		g = r3.Add(g, r3.Scale(2*(n-o.ranges[i])/n, diff))
	}
	return g
}

// boxMap maps unconstrained optimizer variables q onto the open box
// (-bound, bound) per axis with x = bound·tanh(q).
type boxMap struct {
	bound float64
}

func (b boxMap) toBox(q []float64) r3.Vec {
	return r3.Vec{
		X: b.bound * math.Tanh(q[0]),
		Y: b.bound * math.Tanh(q[1]),
		Z: b.bound * math.Tanh(q[2]),
	}
}

func (b boxMap) fromBox(x r3.Vec) []float64 {
	return []float64{b.inverse(x.X), b.inverse(x.Y), b.inverse(x.Z)}
}

func (b boxMap) inverse(v float64) float64 {
	const edge = 1 - 1e-9
	t := v / b.bound
	if t > edge {
		t = edge
	} else if t < -edge {
		t = -edge
	}
	return math.Atanh(t)
}

// faceMargin is the fraction of the bound treated as touching a face.
const faceMargin = 1e-6

func (b boxMap) onFace(x r3.Vec) bool {
	limit := b.bound * (1 - faceMargin)
	return math.Abs(x.X) >= limit || math.Abs(x.Y) >= limit || math.Abs(x.Z) >= limit
}

func (b boxMap) jacobian(q []float64) r3.Vec {
	d := func(v float64) float64 {
		t := math.Tanh(v)
		return b.bound * (1 - t*t)
	}
	return r3.Vec{X: d(q[0]), Y: d(q[1]), Z: d(q[2])}
}
