package calibration

import (
	"errors"
	"fmt"
)

var (
	ErrNotCollecting         = errors.New("calibration has not been started")
	ErrStepOutOfRange        = errors.New("invalid step index")
	ErrUnknownTag            = errors.New("tracker not found")
	ErrNotEnoughMeasurements = errors.New("not enough calibration points")
	ErrRecordingInProgress   = errors.New("a calibration point is already being recorded")

	// ErrNoSamples means the tag produced no 3D position during the whole
	// sampling window.
	ErrNoSamples = errors.New("no 3D position received during the sampling window")
	// ErrRecordingCancelled is returned when a sampling window is aborted by
	// Cancel or by the caller's context.
	ErrRecordingCancelled = errors.New("calibration point recording cancelled")
	// ErrSingularFit means the measurements cannot determine a plane.
	ErrSingularFit = errors.New("calibration system is singular")
)

// ValidationError rejects a calibration request before it changes any
// session state. Err is one of the sentinel validation errors above.
type ValidationError struct {
	Err    error
	Detail string
}

func (e *ValidationError) Error() string {
	if e.Detail == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %s", e.Err, e.Detail)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// IsValidation reports whether err is a request validation failure.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}
