package history

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a status update targets an unknown record id.
var ErrNotFound = errors.New("history record not found")

// ErrStatusRegression rejects a backward status transition.
var ErrStatusRegression = errors.New("history status may not move backward")

type RecordType string

const (
	TypeText  RecordType = "text"
	TypeMedia RecordType = "media"
)

type RecordStatus string

const (
	StatusSent      RecordStatus = "sent"
	StatusFailed    RecordStatus = "failed"
	StatusReceived  RecordStatus = "received"
	StatusDelivered RecordStatus = "delivered"
	StatusRead      RecordStatus = "read"
	StatusUnknown   RecordStatus = "unknown"
)

// statusRank orders the delivery-receipt taxonomy. Transitions must move
// forward; the one sanctioned exception is failed -> sent (a retried send).
var statusRank = map[RecordStatus]int{
	StatusUnknown:   0,
	StatusFailed:    0,
	StatusSent:      1,
	StatusReceived:  2,
	StatusDelivered: 3,
	StatusRead:      4,
}

// transitionAllowed reports whether from -> to is a legal status change.
func transitionAllowed(from, to RecordStatus) bool {
	if from == to {
		return true
	}
	if from == StatusFailed && to == StatusSent {
		return true
	}
	return statusRank[to] > statusRank[from]
}

// Record is one entry in a session's append-only delivery log.
type Record struct {
	ID        string       `json:"id"`
	SessionID string       `json:"session_id"`
	To        string       `json:"to"`
	Body      string       `json:"body"`
	Type      RecordType   `json:"type"`
	Status    RecordStatus `json:"status"`
	Error     string       `json:"error,omitempty"`

	Timestamp       time.Time `json:"timestamp"`
	StatusUpdatedAt time.Time `json:"status_updated_at,omitzero"`
}

// Query filters and pages a session's history.
// Zero-value fields are ignored.
type Query struct {
	Status    RecordStatus
	Type      RecordType
	Recipient string // case-insensitive substring match on To
	From      time.Time
	To        time.Time

	Limit  int
	Offset int

	// SortAsc orders by Timestamp ascending; default is newest first.
	SortAsc bool
}

// Page is one page of query results.
type Page struct {
	Records []Record
	Total   int
	Limit   int
	Offset  int
	HasMore bool
}

// Stats aggregates a session's history over an optional time range.
type Stats struct {
	Total       int            `json:"total"`
	ByStatus    map[string]int `json:"by_status"`
	ByType      map[string]int `json:"by_type"`
	ByRecipient map[string]int `json:"by_recipient"` // capped at topRecipients
	Daily       []DailyCount   `json:"daily"`
}

type DailyCount struct {
	Date  string `json:"date"` // YYYY-MM-DD
	Count int    `json:"count"`
}

// DeleteRequest selects records for bulk deletion. Exactly one selector
// should be set; All wins over the others.
type DeleteRequest struct {
	All    bool
	IDs    []string
	Before time.Time
	Status RecordStatus
}

type DeleteResult struct {
	Deleted   int `json:"deleted"`
	Remaining int `json:"remaining"`
}
