package schedule

import "errors"

// ErrNotFound is returned by edit/cancel when no record carries the given id.
var ErrNotFound = errors.New("scheduled message not found")

// InvalidScheduleError rejects a schedule request before any mutation.
type InvalidScheduleError struct {
	Reason string
}

func (e *InvalidScheduleError) Error() string { return "invalid schedule: " + e.Reason }

// InvalidRecurrenceError rejects a recurring specification.
type InvalidRecurrenceError struct {
	Reason string
}

func (e *InvalidRecurrenceError) Error() string { return "invalid recurrence: " + e.Reason }
