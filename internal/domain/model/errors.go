package model

import "fmt"

// IntegrityError reports an upstream event stream that violates its
// ordering contract (non-ascending positions, non-alternating toggles).
// It is never silently recovered; the computation that hit it fails.
type IntegrityError struct {
	Reason string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("event stream integrity: %s", e.Reason)
}

func Integrityf(format string, args ...any) *IntegrityError {
	return &IntegrityError{Reason: fmt.Sprintf(format, args...)}
}
