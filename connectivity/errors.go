package connectivity

import (
	"context"
	"fmt"
	"time"
)

// ErrCallTimeout is returned when a call exceeds its deadline.
type ErrCallTimeout struct {
	Service string
	After   time.Duration
}

func (e *ErrCallTimeout) Error() string {
	return fmt.Sprintf("connectivity: %s timed out after %s", e.Service, e.After)
}

func (e *ErrCallTimeout) Unwrap() error { return context.DeadlineExceeded }

// ErrCircuitOpen is returned when a call is rejected by an open breaker.
type ErrCircuitOpen struct {
	Service string
}

func (e *ErrCircuitOpen) Error() string {
	return fmt.Sprintf("connectivity: circuit open: %s", e.Service)
}

// ErrPanic carries a recovered panic value.
type ErrPanic struct {
	Value any
}

func (e *ErrPanic) Error() string {
	return fmt.Sprintf("connectivity: call panicked: %v", e.Value)
}
