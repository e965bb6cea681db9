package routing

import (
	"errors"
	"fmt"
)

var (
	ErrMissingTarget         = errors.New("routing: missing target")
	ErrChannelNotEstablished = errors.New("routing: task has no established channel")
	ErrTaskNotFound          = errors.New("routing: task not found")
	ErrAlreadyClaimed        = errors.New("routing: task already claimed")
	ErrInvalidRouteType      = errors.New("routing: unknown route type")
	ErrNotRoutable           = errors.New("routing: task is not in a routable state")
	ErrExtensionNotFound     = errors.New("routing: extension not found")
	ErrSwitchCommandFailed   = errors.New("routing: switch command failed")
)

// SwitchCommandError wraps a failed redirect, hangup or queue command.
// errors.Is matches both ErrSwitchCommandFailed and the underlying cause.
type SwitchCommandError struct {
	Action string
	Err    error
}

func (e *SwitchCommandError) Error() string {
	return fmt.Sprintf("routing: %s command failed: %v", e.Action, e.Err)
}

func (e *SwitchCommandError) Unwrap() error { return e.Err }

func (e *SwitchCommandError) Is(target error) bool {
	return target == ErrSwitchCommandFailed
}
