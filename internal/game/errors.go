package game

import (
	"errors"
	"fmt"
)

var (
	ErrBettingClosed     = errors.New("betting is closed")
	ErrRoundNotActive    = errors.New("round is not active")
	ErrInvalidTransition = errors.New("invalid round transition")
	ErrNoRound           = errors.New("no round open")
	ErrNotFound          = errors.New("not found")
)

// ValidationError is a rejected bet request; Reason is safe to show players.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return e.Reason
}

func invalid(format string, args ...interface{}) error {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// InvalidTransitionError is returned when the orchestrating layer drives the
// round state machine out of order.
type InvalidTransitionError struct {
	Op   string
	From RoundState
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("cannot %s from state %q", e.Op, e.From)
}

func (e *InvalidTransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}
