package pipeline

import (
	"errors"
	"fmt"
)

// Kind classifies a pipeline failure by its cause
type Kind int

const (
	KindUnknown Kind = iota

	// KindInputRejected means the image failed a mandatory quality check
	// and no stage beyond the gate ran
	KindInputRejected

	// KindGridUnresolved means no lattice could be fit, not even by
	// spectral reconstruction
	KindGridUnresolved

	// KindCalibrationLowConfidence means no geometric model converged on
	// the detected crossings
	KindCalibrationLowConfidence

	// KindLeadMissing means more lead regions were blank than the
	// configured limit allows
	KindLeadMissing

	// KindExtractionDiscontinuity means a trace broke apart more often
	// than a plausible waveform can
	KindExtractionDiscontinuity

	// KindValidationFailed means the digitized output violated amplitude
	// or noise limits
	KindValidationFailed

	// KindTimeout means the run's context expired between stages
	KindTimeout
)

// String returns the printable form of the kind
func (k Kind) String() string {
	switch k {
	case KindInputRejected:
		return "input rejected"
	case KindGridUnresolved:
		return "grid unresolved"
	case KindCalibrationLowConfidence:
		return "calibration low confidence"
	case KindLeadMissing:
		return "lead missing"
	case KindExtractionDiscontinuity:
		return "extraction discontinuity"
	case KindValidationFailed:
		return "validation failed"
	case KindTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// Error is a classified failure tied to the stage that raised it
type Error struct {
	Kind  Kind
	Stage string
	Err   error
}

// Error formats the failure as stage, kind, then cause
func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Stage, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Stage, e.Kind, e.Err)
}

// Unwrap exposes the underlying cause
func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf extracts the failure kind from an error chain, or KindUnknown
// when the chain carries no classified pipeline error
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindUnknown
}

// failure wraps err as a classified pipeline error
func failure(kind Kind, stage string, err error) *Error {
	return &Error{Kind: kind, Stage: stage, Err: err}
}

// failuref builds a classified pipeline error from a format string
func failuref(kind Kind, stage, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Stage: stage, Err: fmt.Errorf(format, args...)}
}
