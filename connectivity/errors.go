package connectivity

import (
	"errors"
	"fmt"
)

// ErrCircuitOpen is returned when the breaker for a service rejects a call
// without attempting it.
type ErrCircuitOpen struct {
	Service string
}

func (e *ErrCircuitOpen) Error() string {
	return fmt.Sprintf("connectivity: circuit open: %s", e.Service)
}

// ErrStatus is returned when a remote HTTP endpoint answers outside 2xx.
type ErrStatus struct {
	Code int
	Body string
}

func (e *ErrStatus) Error() string {
	return fmt.Sprintf("connectivity/http: status %d: %s", e.Code, e.Body)
}

// Temporary reports whether the status is worth retrying (5xx, 429).
func (e *ErrStatus) Temporary() bool {
	return e.Code >= 500 || e.Code == 429
}

// ErrPanic wraps a recovered panic value.
type ErrPanic struct {
	Value any
}

func (e *ErrPanic) Error() string {
	return fmt.Sprintf("connectivity: handler panicked: %v", e.Value)
}

// Retryable reports whether err may succeed on another attempt. Open
// circuits, panics and permanent HTTP statuses are not retried.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	var open *ErrCircuitOpen
	if errors.As(err, &open) {
		return false
	}
	var p *ErrPanic
	if errors.As(err, &p) {
		return false
	}
	var st *ErrStatus
	if errors.As(err, &st) {
		return st.Temporary()
	}
	return true
}
