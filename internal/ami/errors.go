package ami

import (
	"errors"
	"fmt"
)

var (
	// ErrConnectionClosed is returned for actions issued on, or still pending
	// when, the session goes away.
	ErrConnectionClosed = errors.New("ami: connection closed")

	// ErrCommandTimeout is returned when no response arrives before the
	// action's deadline.
	ErrCommandTimeout = errors.New("ami: command timed out")

	// ErrCommandRejected matches any CommandRejectedError via errors.Is.
	ErrCommandRejected = errors.New("ami: command rejected")
)

// CommandRejectedError carries the switch's own explanation for a failed action.
type CommandRejectedError struct {
	Action  string
	Message string
}

func (e *CommandRejectedError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("ami: %s rejected", e.Action)
	}
	return fmt.Sprintf("ami: %s rejected: %s", e.Action, e.Message)
}

func (e *CommandRejectedError) Is(target error) bool {
	return target == ErrCommandRejected
}
