package workflow

import (
	"errors"
	"fmt"
)

var (
	// ErrBusy is returned while another adapter call for the same order is outstanding.
	ErrBusy = errors.New("another action is in progress")
	// ErrClustersUnassigned blocks the final call until every cluster has a drone.
	ErrClustersUnassigned = errors.New("every cluster must be assigned a drone")
	ErrInvalidTransition  = errors.New("invalid transition")
	// ErrDiscarded is returned to a caller whose result arrived after the view was closed.
	ErrDiscarded = errors.New("view closed before the call completed")
)

// ValidationError reports bad operator input. No network call was made.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Msg)
}

// AdapterError wraps a failed call to the analytics service.
type AdapterError struct {
	Action string
	Err    error
}

func (e *AdapterError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Action, e.Err)
}

func (e *AdapterError) Unwrap() error { return e.Err }

func invalidTransition(action string, from Stage) error {
	return fmt.Errorf("%w: %s from %s", ErrInvalidTransition, action, from)
}
