// Package history records every delivery attempt and the receipt updates that
// follow it. It shares the durable store with the scheduler but is otherwise
// independent of scheduling.
package history

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"wagate/pkg/logx"
)

// topRecipients caps the by-recipient breakdown in Stats.
const topRecipients = 20

// Log is the slice of the durable store the tracker needs.
type Log interface {
	AppendHistory(ctx context.Context, sessionID string, r Record) error
	GetHistory(ctx context.Context, sessionID, id string) (Record, bool, error)
	UpdateHistory(ctx context.Context, sessionID string, r Record) error
	ListHistory(ctx context.Context, sessionID string) ([]Record, error)
	DeleteHistory(ctx context.Context, sessionID string, ids []string) (int, error)
}

type Tracker struct {
	log   logx.Logger
	store Log

	// sessionMu serializes read-modify-write cycles per session.
	sessionMu sync.Map // map[string]*sync.Mutex
}

func NewTracker(store Log, log logx.Logger) *Tracker {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Tracker{log: log, store: store}
}

func (t *Tracker) lock(sessionID string) *sync.Mutex {
	mu, _ := t.sessionMu.LoadOrStore(sessionID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// RecordAttempt appends one delivery attempt to the session's log.
func (t *Tracker) RecordAttempt(ctx context.Context, r Record) error {
	if r.ID == "" || r.SessionID == "" {
		return fmt.Errorf("history record requires id and session id")
	}
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now()
	}
	if r.Status == "" {
		r.Status = StatusUnknown
	}
	mu := t.lock(r.SessionID)
	mu.Lock()
	defer mu.Unlock()
	return t.store.AppendHistory(ctx, r.SessionID, r)
}

// StatusExtra carries optional fields merged into a record on status update.
type StatusExtra struct {
	Error string
}

// UpdateStatus applies a delivery-receipt update to an existing record.
// Transitions only move forward along the receipt taxonomy; the exception is
// failed -> sent for a retried send.
func (t *Tracker) UpdateStatus(ctx context.Context, sessionID, id string, status RecordStatus, extra *StatusExtra) (Record, error) {
	mu := t.lock(sessionID)
	mu.Lock()
	defer mu.Unlock()

	rec, ok, err := t.store.GetHistory(ctx, sessionID, id)
	if err != nil {
		return Record{}, err
	}
	if !ok {
		return Record{}, ErrNotFound
	}
	if !transitionAllowed(rec.Status, status) {
		return Record{}, fmt.Errorf("%w: %s -> %s", ErrStatusRegression, rec.Status, status)
	}

	rec.Status = status
	rec.StatusUpdatedAt = time.Now()
	if extra != nil && extra.Error != "" {
		rec.Error = extra.Error
	}
	if err := t.store.UpdateHistory(ctx, sessionID, rec); err != nil {
		return Record{}, err
	}
	return rec, nil
}

// Query returns one page of the session's history matching the filters.
func (t *Tracker) Query(ctx context.Context, sessionID string, q Query) (Page, error) {
	recs, err := t.store.ListHistory(ctx, sessionID)
	if err != nil {
		return Page{}, err
	}

	matched := recs[:0:0]
	for _, r := range recs {
		if q.Status != "" && r.Status != q.Status {
			continue
		}
		if q.Type != "" && r.Type != q.Type {
			continue
		}
		if q.Recipient != "" && !strings.Contains(strings.ToLower(r.To), strings.ToLower(q.Recipient)) {
			continue
		}
		if !q.From.IsZero() && r.Timestamp.Before(q.From) {
			continue
		}
		if !q.To.IsZero() && r.Timestamp.After(q.To) {
			continue
		}
		matched = append(matched, r)
	}

	if q.SortAsc {
		sort.SliceStable(matched, func(i, j int) bool { return matched[i].Timestamp.Before(matched[j].Timestamp) })
	} else {
		sort.SliceStable(matched, func(i, j int) bool { return matched[j].Timestamp.Before(matched[i].Timestamp) })
	}

	total := len(matched)
	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}
	if offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}

	return Page{
		Records: matched[offset:end],
		Total:   total,
		Limit:   limit,
		Offset:  offset,
		HasMore: end < total,
	}, nil
}

// Stats aggregates the session's history within the optional [from, to] range.
func (t *Tracker) Stats(ctx context.Context, sessionID string, from, to time.Time) (Stats, error) {
	recs, err := t.store.ListHistory(ctx, sessionID)
	if err != nil {
		return Stats{}, err
	}

	st := Stats{
		ByStatus:    map[string]int{},
		ByType:      map[string]int{},
		ByRecipient: map[string]int{},
	}
	daily := map[string]int{}
	full := map[string]int{}
	for _, r := range recs {
		if !from.IsZero() && r.Timestamp.Before(from) {
			continue
		}
		if !to.IsZero() && r.Timestamp.After(to) {
			continue
		}
		st.Total++
		st.ByStatus[string(r.Status)]++
		st.ByType[string(r.Type)]++
		full[r.To]++
		daily[r.Timestamp.Format("2006-01-02")]++
	}

	// Keep only the busiest recipients.
	type rc struct {
		to string
		n  int
	}
	ranked := make([]rc, 0, len(full))
	for to, n := range full {
		ranked = append(ranked, rc{to: to, n: n})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].n != ranked[j].n {
			return ranked[i].n > ranked[j].n
		}
		return ranked[i].to < ranked[j].to
	})
	if len(ranked) > topRecipients {
		ranked = ranked[:topRecipients]
	}
	for _, r := range ranked {
		st.ByRecipient[r.to] = r.n
	}

	days := make([]string, 0, len(daily))
	for d := range daily {
		days = append(days, d)
	}
	sort.Strings(days)
	for _, d := range days {
		st.Daily = append(st.Daily, DailyCount{Date: d, Count: daily[d]})
	}
	return st, nil
}

// BulkDelete removes the selected records and reports how many remain.
func (t *Tracker) BulkDelete(ctx context.Context, sessionID string, req DeleteRequest) (DeleteResult, error) {
	mu := t.lock(sessionID)
	mu.Lock()
	defer mu.Unlock()

	recs, err := t.store.ListHistory(ctx, sessionID)
	if err != nil {
		return DeleteResult{}, err
	}

	var ids []string
	switch {
	case req.All:
		for _, r := range recs {
			ids = append(ids, r.ID)
		}
	case len(req.IDs) > 0:
		want := make(map[string]bool, len(req.IDs))
		for _, id := range req.IDs {
			want[id] = true
		}
		for _, r := range recs {
			if want[r.ID] {
				ids = append(ids, r.ID)
			}
		}
	case !req.Before.IsZero():
		for _, r := range recs {
			if r.Timestamp.Before(req.Before) {
				ids = append(ids, r.ID)
			}
		}
	case req.Status != "":
		for _, r := range recs {
			if r.Status == req.Status {
				ids = append(ids, r.ID)
			}
		}
	default:
		return DeleteResult{Remaining: len(recs)}, nil
	}

	deleted, err := t.store.DeleteHistory(ctx, sessionID, ids)
	if err != nil {
		return DeleteResult{}, err
	}
	t.log.Debug("history bulk delete",
		logx.String("session", sessionID),
		logx.Int("deleted", deleted),
		logx.Int("remaining", len(recs)-deleted),
	)
	return DeleteResult{Deleted: deleted, Remaining: len(recs) - deleted}, nil
}
