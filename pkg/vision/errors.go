package vision

import (
	"errors"
	"fmt"
)

// ErrMissingObservation is returned when a frame has no face, or no landmark
// region of the required type. It is recoverable: the frame is skipped.
var ErrMissingObservation = errors.New("missing observation")

// ErrBackendClosed is returned when a capability is used after Close.
var ErrBackendClosed = errors.New("vision backend closed")

// Stage identifies which capability call failed.
type Stage string

const (
	StageDetect    Stage = "detect"
	StageTrack     Stage = "track"
	StageLandmarks Stage = "landmarks"
	StageCapture   Stage = "capture"
)

// CapabilityError wraps a failure of an external capability call.
// The current frame's result is dropped; the pipeline continues.
type CapabilityError struct {
	Stage Stage
	Err   error
}

func (e *CapabilityError) Error() string {
	return fmt.Sprintf("%s capability failed: %v", e.Stage, e.Err)
}

func (e *CapabilityError) Unwrap() error {
	return e.Err
}

// NewCapabilityError wraps err for the given stage. A nil err yields nil.
func NewCapabilityError(stage Stage, err error) error {
	if err == nil {
		return nil
	}
	return &CapabilityError{Stage: stage, Err: err}
}

// IsCapabilityFailure reports whether err is (or wraps) a CapabilityError.
func IsCapabilityFailure(err error) bool {
	var capErr *CapabilityError
	return errors.As(err, &capErr)
}
