package storage

import (
	"context"
	"errors"
	"time"

	"wagate/internal/history"
	"wagate/internal/schedule"
)

var ErrClosed = errors.New("storage closed")

// Config configures storage.
//
// Driver values:
//   - "file": dependency-free file backend (jsonl journal + snapshot)
//   - "sqlite": SQLite database file (optional build tag)
//
// An empty Driver defaults to "file"; the engine always needs a durable store.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Store is the durable persistence API consumed by the scheduling engine and
// the history tracker. Records are partitioned by session id; fire marks are
// process-global best-effort idempotence keys with a TTL.
type Store interface {
	// ListSessions returns every session id holding at least one schedule
	// record, for startup recovery.
	ListSessions(ctx context.Context) ([]string, error)

	ListSchedules(ctx context.Context, sessionID string) ([]schedule.ScheduledMessage, error)
	GetSchedule(ctx context.Context, sessionID, id string) (schedule.ScheduledMessage, bool, error)
	UpsertSchedule(ctx context.Context, sessionID string, m schedule.ScheduledMessage) error
	// DeleteSchedule reports whether the record existed, so callers can treat
	// deletion idempotently.
	DeleteSchedule(ctx context.Context, sessionID, id string) (bool, error)

	AppendHistory(ctx context.Context, sessionID string, r history.Record) error
	GetHistory(ctx context.Context, sessionID, id string) (history.Record, bool, error)
	UpdateHistory(ctx context.Context, sessionID string, r history.Record) error
	ListHistory(ctx context.Context, sessionID string) ([]history.Record, error)
	DeleteHistory(ctx context.Context, sessionID string, ids []string) (int, error)

	PutFireMark(ctx context.Context, key string, until time.Time) error
	GetFireMark(ctx context.Context, key string) (until time.Time, ok bool, err error)

	Close() error
}
