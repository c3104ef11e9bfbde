package reconcile

import (
	"errors"
	"fmt"
)

var (
	// ErrExhausted matches every ReconciliationExhaustedError.
	ErrExhausted = errors.New("reconciliation attempts exhausted")

	// ErrInvalidInput is returned for an empty state or asset ID.
	ErrInvalidInput = errors.New("invalid input")
)

// ReconciliationExhaustedError is returned when a state has used up its
// automatic attempts. It must be reset before it is tried again.
type ReconciliationExhaustedError struct {
	StateID     string
	Attempts    int
	MaxAttempts int
	LastError   string
}

func (e *ReconciliationExhaustedError) Error() string {
	msg := fmt.Sprintf("state %s exhausted %d/%d sync attempts", e.StateID, e.Attempts, e.MaxAttempts)
	if e.LastError != "" {
		msg += ": " + e.LastError
	}
	return msg
}

func (e *ReconciliationExhaustedError) Is(target error) bool {
	return target == ErrExhausted
}
