package capture

import (
	"context"
	"errors"
	"fmt"
)

// Device failures. Device implementations return (or wrap) these so the
// provider can classify them.
var (
	ErrPermissionDenied   = errors.New("permission denied")
	ErrDeviceMissing      = errors.New("device not found")
	ErrDeviceBusy         = errors.New("device busy")
	ErrOverconstrained    = errors.New("constraints cannot be satisfied")
	ErrInvalidConstraints = errors.New("invalid constraints")
	ErrSecurity           = errors.New("blocked by security policy")
)

type Cause string

const (
	CausePermissionDenied Cause = "permission-denied"
	CauseDeviceMissing    Cause = "device-missing"
	CauseDeviceBusy       Cause = "device-busy"
	CauseConstraints      Cause = "constraints-unsatisfiable"
	CauseAborted          Cause = "aborted"
	CauseUnknown          Cause = "unknown"
)

// Error is a failed acquisition. Tier is the last tier tried.
type Error struct {
	Cause Cause
	Tier  Tier
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("capture %s (%s): %v", e.Cause, e.Tier, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Message is the text shown to the user.
func (e *Error) Message() string {
	if errors.Is(e.Err, ErrSecurity) {
		return "Media access blocked due to security restrictions."
	}
	if errors.Is(e.Err, ErrInvalidConstraints) {
		return "Invalid media constraints provided."
	}
	switch e.Cause {
	case CausePermissionDenied:
		return "Camera/microphone access denied. Please allow permissions and retry."
	case CauseDeviceMissing:
		return "No camera/microphone found. Please connect a device."
	case CauseDeviceBusy:
		return "Camera/microphone is already in use by another application."
	case CauseConstraints:
		return "Camera/microphone doesn't meet the required constraints."
	case CauseAborted:
		return "Media access was aborted."
	}
	return fmt.Sprintf("Media error: %v", e.Err)
}

func classify(err error) Cause {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return CauseAborted
	case errors.Is(err, ErrPermissionDenied), errors.Is(err, ErrSecurity):
		return CausePermissionDenied
	case errors.Is(err, ErrDeviceMissing):
		return CauseDeviceMissing
	case errors.Is(err, ErrDeviceBusy):
		return CauseDeviceBusy
	case errors.Is(err, ErrOverconstrained), errors.Is(err, ErrInvalidConstraints):
		return CauseConstraints
	}
	return CauseUnknown
}

func wrap(tier Tier, err error) *Error {
	var ce *Error
	if errors.As(err, &ce) {
		return ce
	}
	return &Error{Cause: classify(err), Tier: tier, Err: err}
}
