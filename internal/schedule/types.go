package schedule

import (
	"time"

	"wagate/internal/transport"
)

// RecurrenceKind selects the repeat pattern of a scheduled message.
type RecurrenceKind string

const (
	RecurrenceNone    RecurrenceKind = ""
	RecurrenceDaily   RecurrenceKind = "daily"
	RecurrenceWeekly  RecurrenceKind = "weekly"
	RecurrenceMonthly RecurrenceKind = "monthly"
	RecurrenceCustom  RecurrenceKind = "custom"
)

// Recurrence describes how a message repeats. The zero value means one-time.
type Recurrence struct {
	Kind RecurrenceKind `json:"kind,omitempty"`

	// Days is required for RecurrenceCustom: the weekdays to fire on.
	Days []time.Weekday `json:"days,omitempty"`

	// EndDate, when non-zero, stops a recurring message: the first fire at or
	// past this instant transitions the record to completed.
	EndDate time.Time `json:"end_date,omitzero"`
}

func (r Recurrence) IsZero() bool { return r.Kind == RecurrenceNone }

// Status is the lifecycle state of a ScheduledMessage.
type Status string

const (
	// Initial states.
	StatusScheduled Status = "scheduled" // one-time, armed
	StatusActive    Status = "active"    // recurring, armed

	// Terminal states. One-time terminals are followed by record deletion;
	// recurring terminals keep the record for audit.
	StatusSent      Status = "sent"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	StatusCompleted Status = "completed"

	// Reconciliation outcomes for records found after a restart.
	StatusSentOnRestart    Status = "sent_on_restart"
	StatusFailedOnRestart  Status = "failed_on_restart"
	StatusFailedReschedule Status = "failed_reschedule"
)

// ScheduledMessage is the persisted form of one scheduled send.
//
// For recurring messages ScheduledTime is the anchor: its hour/minute (and
// weekday or day-of-month, depending on the kind) define the repeat pattern.
type ScheduledMessage struct {
	ID        string `json:"id"`
	SessionID string `json:"session_id"`

	Recipient string            `json:"recipient"`
	Payload   transport.Payload `json:"payload"`

	// ForwardTo lists secondary recipients that also receive the message on
	// each fire, after the primary recipient succeeds.
	ForwardTo []string `json:"forward_to,omitempty"`

	ScheduledTime time.Time  `json:"scheduled_time"`
	Recurrence    Recurrence `json:"recurrence,omitzero"`

	Status Status `json:"status"`

	LastSent      time.Time `json:"last_sent,omitzero"`
	LastError     string    `json:"last_error,omitempty"`
	LastErrorTime time.Time `json:"last_error_time,omitzero"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Recurring reports whether the message repeats.
func (m ScheduledMessage) Recurring() bool { return !m.Recurrence.IsZero() }

// Armable reports whether the record should carry a live job.
func (m ScheduledMessage) Armable() bool {
	return m.Status == StatusScheduled || m.Status == StatusActive
}

// Validate checks the invariants a record must satisfy before it is armed.
func (m ScheduledMessage) Validate() error {
	if m.SessionID == "" {
		return &InvalidScheduleError{Reason: "session id required"}
	}
	if m.Recipient == "" {
		return &InvalidScheduleError{Reason: "recipient required"}
	}
	if m.ScheduledTime.IsZero() {
		return &InvalidScheduleError{Reason: "scheduled time required"}
	}
	if m.Recurring() {
		return m.Recurrence.Validate(m.ScheduledTime)
	}
	return nil
}

// Validate checks recurrence invariants against the anchor time.
func (r Recurrence) Validate(anchor time.Time) error {
	switch r.Kind {
	case RecurrenceDaily, RecurrenceWeekly, RecurrenceMonthly:
	case RecurrenceCustom:
		if len(r.Days) == 0 {
			return &InvalidRecurrenceError{Reason: "custom recurrence requires at least one weekday"}
		}
		for _, d := range r.Days {
			if d < time.Sunday || d > time.Saturday {
				return &InvalidRecurrenceError{Reason: "unrecognized weekday"}
			}
		}
	default:
		return &InvalidRecurrenceError{Reason: "unknown recurrence kind: " + string(r.Kind)}
	}
	if !r.EndDate.IsZero() && r.EndDate.Before(anchor) {
		return &InvalidRecurrenceError{Reason: "end date precedes the anchor time"}
	}
	return nil
}
