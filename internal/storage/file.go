package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"wagate/internal/history"
	"wagate/internal/schedule"
	"wagate/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.schedules.json        (atomic snapshot, rewritten per mutation)
//   - <prefix>.history.jsonl         (append-only op journal)
//   - <prefix>.history.snapshot.json (periodic snapshot)
//   - <prefix>.marks.json            (fire-mark snapshot, pruned on write)
//
// The history journal is periodically compacted into the snapshot. Snapshot
// and journal lines carry a compaction generation: replay skips lines older
// than the snapshot's generation, so a crash between the snapshot write and
// the journal truncate does not duplicate records on the next open. Schedule
// mutations are rare relative to history appends, so schedules skip the
// journal and rewrite their snapshot atomically every time.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	schedulesPath string
	schedules     map[string]map[string]schedule.ScheduledMessage

	historySnapshotPath string
	historyJournal      *os.File
	history             map[string][]history.Record
	historyGen          uint64
	historyWrites       int

	marksPath string
	marks     map[string]int64 // unix milli

	closed bool
}

// historyOp is one journal line.
type historyOp struct {
	Op      string          `json:"op"`  // append | update | delete
	Gen     uint64          `json:"gen"` // compaction generation at write time
	Session string          `json:"session"`
	Record  *history.Record `json:"record,omitempty"`
	IDs     []string        `json:"ids,omitempty"`
}

// historySnapshot is the on-disk form of the compacted history.
type historySnapshot struct {
	Gen      uint64                      `json:"gen"`
	Sessions map[string][]history.Record `json:"sessions"`
}

const historyCompactEvery = 1000

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{
		log:                 log,
		schedulesPath:       prefix + ".schedules.json",
		historySnapshotPath: prefix + ".history.snapshot.json",
		marksPath:           prefix + ".marks.json",
		schedules:           map[string]map[string]schedule.ScheduledMessage{},
		history:             map[string][]history.Record{},
		marks:               map[string]int64{},
	}

	_ = loadJSONFile(s.schedulesPath, &s.schedules)
	_ = loadJSONFile(s.marksPath, &s.marks)

	var snap historySnapshot
	if err := loadJSONFile(s.historySnapshotPath, &snap); err == nil {
		s.historyGen = snap.Gen
		if snap.Sessions != nil {
			s.history = snap.Sessions
		}
	}

	journalPath := prefix + ".history.jsonl"
	_ = s.replayHistoryJournal(journalPath)

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	s.historyJournal = jf

	pruneExpiredMarks(s.marks)
	return s, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.historyJournal != nil {
		err := s.historyJournal.Close()
		s.historyJournal = nil
		return err
	}
	return nil
}

// ---- schedules ----

func (s *fileStore) ListSessions(ctx context.Context) ([]string, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	out := make([]string, 0, len(s.schedules))
	for id := range s.schedules {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

func (s *fileStore) ListSchedules(ctx context.Context, sessionID string) ([]schedule.ScheduledMessage, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	out := make([]schedule.ScheduledMessage, 0, len(s.schedules[sessionID]))
	for _, m := range s.schedules[sessionID] {
		out = append(out, m)
	}
	return out, nil
}

func (s *fileStore) GetSchedule(ctx context.Context, sessionID, id string) (schedule.ScheduledMessage, bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return schedule.ScheduledMessage{}, false, ErrClosed
	}
	m, ok := s.schedules[sessionID][id]
	return m, ok, nil
}

func (s *fileStore) UpsertSchedule(ctx context.Context, sessionID string, m schedule.ScheduledMessage) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.schedules[sessionID] == nil {
		s.schedules[sessionID] = map[string]schedule.ScheduledMessage{}
	}
	s.schedules[sessionID][m.ID] = m
	return writeJSONFileAtomic(s.schedulesPath, s.schedules)
}

func (s *fileStore) DeleteSchedule(ctx context.Context, sessionID, id string) (bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrClosed
	}
	if _, ok := s.schedules[sessionID][id]; !ok {
		return false, nil
	}
	delete(s.schedules[sessionID], id)
	if len(s.schedules[sessionID]) == 0 {
		delete(s.schedules, sessionID)
	}
	return true, writeJSONFileAtomic(s.schedulesPath, s.schedules)
}

// ---- history ----

func (s *fileStore) AppendHistory(ctx context.Context, sessionID string, r history.Record) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.history[sessionID] = append(s.history[sessionID], r)
	return s.journalLocked(historyOp{Op: "append", Session: sessionID, Record: &r})
}

func (s *fileStore) GetHistory(ctx context.Context, sessionID, id string) (history.Record, bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return history.Record{}, false, ErrClosed
	}
	for _, r := range s.history[sessionID] {
		if r.ID == id {
			return r, true, nil
		}
	}
	return history.Record{}, false, nil
}

func (s *fileStore) UpdateHistory(ctx context.Context, sessionID string, r history.Record) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	recs := s.history[sessionID]
	for i := range recs {
		if recs[i].ID == r.ID {
			recs[i] = r
			return s.journalLocked(historyOp{Op: "update", Session: sessionID, Record: &r})
		}
	}
	return history.ErrNotFound
}

func (s *fileStore) ListHistory(ctx context.Context, sessionID string) ([]history.Record, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	out := make([]history.Record, len(s.history[sessionID]))
	copy(out, s.history[sessionID])
	return out, nil
}

func (s *fileStore) DeleteHistory(ctx context.Context, sessionID string, ids []string) (int, error) {
	_ = ctx
	if len(ids) == 0 {
		return 0, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	drop := make(map[string]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}
	recs := s.history[sessionID]
	n := 0
	deleted := 0
	for _, r := range recs {
		if drop[r.ID] {
			deleted++
			continue
		}
		recs[n] = r
		n++
	}
	if deleted == 0 {
		return 0, nil
	}
	s.history[sessionID] = recs[:n]
	return deleted, s.journalLocked(historyOp{Op: "delete", Session: sessionID, IDs: ids})
}

// ---- fire marks ----

func (s *fileStore) PutFireMark(ctx context.Context, key string, until time.Time) error {
	_ = ctx
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.marks[key] = until.UnixMilli()
	pruneExpiredMarks(s.marks)
	return writeJSONFileAtomic(s.marksPath, s.marks)
}

func (s *fileStore) GetFireMark(ctx context.Context, key string) (time.Time, bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return time.Time{}, false, ErrClosed
	}
	ms, ok := s.marks[key]
	if !ok {
		return time.Time{}, false, nil
	}
	if ms < time.Now().UnixMilli() {
		delete(s.marks, key)
		return time.Time{}, false, nil
	}
	return time.UnixMilli(ms), true, nil
}

// ---- plumbing ----

func (s *fileStore) journalLocked(op historyOp) error {
	if s.historyJournal == nil {
		return errors.New("history journal closed")
	}
	op.Gen = s.historyGen
	if err := json.NewEncoder(s.historyJournal).Encode(op); err != nil {
		return err
	}
	s.historyWrites++
	if s.historyWrites%historyCompactEvery == 0 {
		// Best-effort compact.
		if err := s.compactLocked(); err != nil {
			s.log.Debug("history compact failed", logx.Any("err", err))
		}
	}
	return nil
}

func (s *fileStore) compactLocked() error {
	// The generation is bumped before the snapshot lands: journal lines that
	// predate the new snapshot carry an older gen and are ignored on replay
	// even if the truncate below never happens.
	s.historyGen++
	snap := historySnapshot{Gen: s.historyGen, Sessions: s.history}
	if err := writeJSONFileAtomic(s.historySnapshotPath, snap); err != nil {
		return err
	}
	if err := s.historyJournal.Truncate(0); err != nil {
		return err
	}
	_, err := s.historyJournal.Seek(0, 2)
	return err
}

func (s *fileStore) replayHistoryJournal(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var op historyOp
		if err := json.Unmarshal(sc.Bytes(), &op); err != nil {
			continue
		}
		if op.Gen < s.historyGen {
			// Written before the snapshot that was loaded; already folded in.
			continue
		}
		switch op.Op {
		case "append":
			if op.Record != nil {
				s.history[op.Session] = append(s.history[op.Session], *op.Record)
			}
		case "update":
			if op.Record == nil {
				continue
			}
			recs := s.history[op.Session]
			for i := range recs {
				if recs[i].ID == op.Record.ID {
					recs[i] = *op.Record
					break
				}
			}
		case "delete":
			drop := make(map[string]bool, len(op.IDs))
			for _, id := range op.IDs {
				drop[id] = true
			}
			recs := s.history[op.Session]
			n := 0
			for _, r := range recs {
				if drop[r.ID] {
					continue
				}
				recs[n] = r
				n++
			}
			s.history[op.Session] = recs[:n]
		}
	}
	return sc.Err()
}

func loadJSONFile(path string, out any) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return json.NewDecoder(f).Decode(out)
}

func writeJSONFileAtomic(path string, v any) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(v); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func pruneExpiredMarks(m map[string]int64) {
	now := time.Now().UnixMilli()
	for k, v := range m {
		if v < now {
			delete(m, k)
		}
	}
}
