package supervisor

import "time"

// Timer is the part of *time.Timer the supervisor needs.
type Timer interface {
	Stop() bool
}

// Clock schedules callbacks. Defaults to the real clock; override in tests.
type Clock interface {
	AfterFunc(d time.Duration, f func()) Timer
}

type realClock struct{}

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
