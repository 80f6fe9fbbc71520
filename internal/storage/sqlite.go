//go:build sqlite
// +build sqlite

package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"wagate/internal/history"
	"wagate/internal/schedule"
	"wagate/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	opCount    atomic.Uint64
	pruneEvery uint64
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("storage.path is required for sqlite driver")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log, pruneEvery: 500}

	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- schedules ----

func (s *sqliteStore) ListSessions(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT session_id FROM scheduled_messages ORDER BY session_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *sqliteStore) ListSchedules(ctx context.Context, sessionID string) ([]schedule.ScheduledMessage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT data FROM scheduled_messages WHERE session_id = ? ORDER BY scheduled_at`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []schedule.ScheduledMessage
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var m schedule.ScheduledMessage
		if err := json.Unmarshal([]byte(data), &m); err != nil {
			s.log.Warn("corrupt scheduled message row skipped", logx.String("session", sessionID), logx.Err(err))
			continue
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *sqliteStore) GetSchedule(ctx context.Context, sessionID, id string) (schedule.ScheduledMessage, bool, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM scheduled_messages WHERE session_id = ? AND id = ?`, sessionID, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return schedule.ScheduledMessage{}, false, nil
	}
	if err != nil {
		return schedule.ScheduledMessage{}, false, err
	}
	var m schedule.ScheduledMessage
	if err := json.Unmarshal([]byte(data), &m); err != nil {
		return schedule.ScheduledMessage{}, false, err
	}
	return m, true, nil
}

func (s *sqliteStore) UpsertSchedule(ctx context.Context, sessionID string, m schedule.ScheduledMessage) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO scheduled_messages(session_id, id, status, scheduled_at, data) VALUES(?,?,?,?,?)
		 ON CONFLICT(session_id, id) DO UPDATE SET status=excluded.status, scheduled_at=excluded.scheduled_at, data=excluded.data`,
		sessionID, m.ID, string(m.Status), m.ScheduledTime.Format(time.RFC3339Nano), string(data),
	)
	return err
}

func (s *sqliteStore) DeleteSchedule(ctx context.Context, sessionID, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM scheduled_messages WHERE session_id = ? AND id = ?`, sessionID, id)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ---- history ----

func (s *sqliteStore) AppendHistory(ctx context.Context, sessionID string, r history.Record) error {
	data, err := json.Marshal(r)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO message_history(session_id, id, status, ts, data) VALUES(?,?,?,?,?)`,
		sessionID, r.ID, string(r.Status), r.Timestamp.Format(time.RFC3339Nano), string(data),
	)
	return err
}

func (s *sqliteStore) GetHistory(ctx context.Context, sessionID, id string) (history.Record, bool, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM message_history WHERE session_id = ? AND id = ?`, sessionID, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return history.Record{}, false, nil
	}
	if err != nil {
		return history.Record{}, false, err
	}
	var r history.Record
	if err := json.Unmarshal([]byte(data), &r); err != nil {
		return history.Record{}, false, err
	}
	return r, true, nil
}

func (s *sqliteStore) UpdateHistory(ctx context.Context, sessionID string, r history.Record) error {
	data, err := json.Marshal(r)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE message_history SET status = ?, data = ? WHERE session_id = ? AND id = ?`,
		string(r.Status), string(data), sessionID, r.ID,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return history.ErrNotFound
	}
	return nil
}

func (s *sqliteStore) ListHistory(ctx context.Context, sessionID string) ([]history.Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT data FROM message_history WHERE session_id = ? ORDER BY rowid`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []history.Record
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var r history.Record
		if err := json.Unmarshal([]byte(data), &r); err != nil {
			s.log.Warn("corrupt history row skipped", logx.String("session", sessionID), logx.Err(err))
			continue
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqliteStore) DeleteHistory(ctx context.Context, sessionID string, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, 0, len(ids)+1)
	args = append(args, sessionID)
	for _, id := range ids {
		args = append(args, id)
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM message_history WHERE session_id = ? AND id IN (`+placeholders+`)`, args...)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// ---- fire marks ----

func (s *sqliteStore) PutFireMark(ctx context.Context, key string, until time.Time) error {
	if key == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO fire_marks(key, until) VALUES(?,?)
		 ON CONFLICT(key) DO UPDATE SET until=excluded.until`,
		key, until.UnixMilli(),
	)
	if err == nil && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		_, _ = s.db.ExecContext(pctx, `DELETE FROM fire_marks WHERE until < ?`, time.Now().UnixMilli())
		cancel()
	}
	return err
}

func (s *sqliteStore) GetFireMark(ctx context.Context, key string) (time.Time, bool, error) {
	if key == "" {
		return time.Time{}, false, nil
	}
	var ms int64
	err := s.db.QueryRowContext(ctx, `SELECT until FROM fire_marks WHERE key = ?`, key).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	if ms < time.Now().UnixMilli() {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(ms), true, nil
}
