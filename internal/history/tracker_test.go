package history

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"wagate/pkg/logx"
)

// memLog is an in-memory Log for tracker tests.
type memLog struct {
	recs map[string][]Record
}

func newMemLog() *memLog { return &memLog{recs: map[string][]Record{}} }

func (m *memLog) AppendHistory(_ context.Context, sessionID string, r Record) error {
	m.recs[sessionID] = append(m.recs[sessionID], r)
	return nil
}

func (m *memLog) GetHistory(_ context.Context, sessionID, id string) (Record, bool, error) {
	for _, r := range m.recs[sessionID] {
		if r.ID == id {
			return r, true, nil
		}
	}
	return Record{}, false, nil
}

func (m *memLog) UpdateHistory(_ context.Context, sessionID string, r Record) error {
	recs := m.recs[sessionID]
	for i := range recs {
		if recs[i].ID == r.ID {
			recs[i] = r
			return nil
		}
	}
	return ErrNotFound
}

func (m *memLog) ListHistory(_ context.Context, sessionID string) ([]Record, error) {
	out := make([]Record, len(m.recs[sessionID]))
	copy(out, m.recs[sessionID])
	return out, nil
}

func (m *memLog) DeleteHistory(_ context.Context, sessionID string, ids []string) (int, error) {
	drop := map[string]bool{}
	for _, id := range ids {
		drop[id] = true
	}
	recs := m.recs[sessionID]
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
	m.recs[sessionID] = recs[:n]
	return deleted, nil
}

func seedTracker(t *testing.T) (*Tracker, *memLog) {
	t.Helper()
	log := newMemLog()
	tr := NewTracker(log, logx.Nop())
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	seed := []Record{
		{ID: "h1", SessionID: "s1", To: "6281111", Body: "a", Type: TypeText, Status: StatusSent, Timestamp: base},
		{ID: "h2", SessionID: "s1", To: "6282222", Body: "b", Type: TypeText, Status: StatusFailed, Timestamp: base.Add(time.Hour)},
		{ID: "h3", SessionID: "s1", To: "6281111", Body: "c", Type: TypeMedia, Status: StatusSent, Timestamp: base.Add(26 * time.Hour)},
		{ID: "h4", SessionID: "s1", To: "6283333", Body: "d", Type: TypeText, Status: StatusFailed, Timestamp: base.Add(27 * time.Hour)},
	}
	for _, r := range seed {
		if err := tr.RecordAttempt(context.Background(), r); err != nil {
			t.Fatalf("RecordAttempt(%s): %v", r.ID, err)
		}
	}
	return tr, log
}

func TestUpdateStatusForwardOnly(t *testing.T) {
	t.Parallel()
	tr, _ := seedTracker(t)
	ctx := context.Background()

	rec, err := tr.UpdateStatus(ctx, "s1", "h1", StatusDelivered, nil)
	if err != nil {
		t.Fatalf("sent -> delivered: %v", err)
	}
	if rec.StatusUpdatedAt.IsZero() {
		t.Fatal("StatusUpdatedAt not stamped")
	}

	// Backward transition rejected.
	if _, err := tr.UpdateStatus(ctx, "s1", "h1", StatusSent, nil); !errors.Is(err, ErrStatusRegression) {
		t.Fatalf("delivered -> sent: got %v, want ErrStatusRegression", err)
	}

	// failed -> sent is the sanctioned exception.
	if _, err := tr.UpdateStatus(ctx, "s1", "h2", StatusSent, nil); err != nil {
		t.Fatalf("failed -> sent: %v", err)
	}

	if _, err := tr.UpdateStatus(ctx, "s1", "missing", StatusRead, nil); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown id: got %v, want ErrNotFound", err)
	}
}

func TestQueryFiltersAndPagination(t *testing.T) {
	t.Parallel()
	tr, _ := seedTracker(t)
	ctx := context.Background()

	page, err := tr.Query(ctx, "s1", Query{Status: StatusFailed})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if page.Total != 2 {
		t.Fatalf("failed total = %d", page.Total)
	}
	// Default sort is newest first.
	if page.Records[0].ID != "h4" {
		t.Fatalf("sort order: first = %s", page.Records[0].ID)
	}

	page, err = tr.Query(ctx, "s1", Query{Recipient: "1111", SortAsc: true})
	if err != nil {
		t.Fatalf("Query recipient: %v", err)
	}
	if page.Total != 2 || page.Records[0].ID != "h1" {
		t.Fatalf("recipient filter: %+v", page)
	}

	page, err = tr.Query(ctx, "s1", Query{Limit: 2, Offset: 2, SortAsc: true})
	if err != nil {
		t.Fatalf("Query page 2: %v", err)
	}
	if len(page.Records) != 2 || page.Records[0].ID != "h3" || page.HasMore {
		t.Fatalf("pagination: %+v", page)
	}

	from := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	page, err = tr.Query(ctx, "s1", Query{From: from})
	if err != nil {
		t.Fatalf("Query from: %v", err)
	}
	if page.Total != 2 {
		t.Fatalf("date filter total = %d", page.Total)
	}
}

func TestStats(t *testing.T) {
	t.Parallel()
	tr, _ := seedTracker(t)

	st, err := tr.Stats(context.Background(), "s1", time.Time{}, time.Time{})
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if st.Total != 4 {
		t.Fatalf("total = %d", st.Total)
	}
	if st.ByStatus["sent"] != 2 || st.ByStatus["failed"] != 2 {
		t.Fatalf("byStatus = %v", st.ByStatus)
	}
	if st.ByType["media"] != 1 {
		t.Fatalf("byType = %v", st.ByType)
	}
	if st.ByRecipient["6281111"] != 2 {
		t.Fatalf("byRecipient = %v", st.ByRecipient)
	}
	if len(st.Daily) != 2 || st.Daily[0].Date != "2026-03-01" || st.Daily[0].Count != 2 {
		t.Fatalf("daily = %v", st.Daily)
	}
}

func TestStatsRecipientCap(t *testing.T) {
	t.Parallel()
	log := newMemLog()
	tr := NewTracker(log, logx.Nop())
	ctx := context.Background()
	for i := 0; i < 30; i++ {
		r := Record{
			ID:        fmt.Sprintf("h%d", i),
			SessionID: "s1",
			To:        fmt.Sprintf("62%03d", i),
			Type:      TypeText,
			Status:    StatusSent,
			Timestamp: time.Now(),
		}
		if err := tr.RecordAttempt(ctx, r); err != nil {
			t.Fatalf("RecordAttempt: %v", err)
		}
	}
	st, err := tr.Stats(ctx, "s1", time.Time{}, time.Time{})
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if len(st.ByRecipient) != topRecipients {
		t.Fatalf("byRecipient size = %d, want %d", len(st.ByRecipient), topRecipients)
	}
}

func TestBulkDelete(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	tr, _ := seedTracker(t)
	res, err := tr.BulkDelete(ctx, "s1", DeleteRequest{Status: StatusFailed})
	if err != nil {
		t.Fatalf("BulkDelete by status: %v", err)
	}
	if res.Deleted != 2 || res.Remaining != 2 {
		t.Fatalf("by status: %+v", res)
	}
	page, _ := tr.Query(ctx, "s1", Query{})
	for _, r := range page.Records {
		if r.Status == StatusFailed {
			t.Fatalf("failed record survived: %+v", r)
		}
	}

	tr, _ = seedTracker(t)
	res, err = tr.BulkDelete(ctx, "s1", DeleteRequest{IDs: []string{"h1", "h4", "ghost"}})
	if err != nil {
		t.Fatalf("BulkDelete by ids: %v", err)
	}
	if res.Deleted != 2 || res.Remaining != 2 {
		t.Fatalf("by ids: %+v", res)
	}

	tr, _ = seedTracker(t)
	cutoff := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	res, err = tr.BulkDelete(ctx, "s1", DeleteRequest{Before: cutoff})
	if err != nil {
		t.Fatalf("BulkDelete by age: %v", err)
	}
	if res.Deleted != 2 {
		t.Fatalf("by age: %+v", res)
	}

	tr, _ = seedTracker(t)
	res, err = tr.BulkDelete(ctx, "s1", DeleteRequest{All: true})
	if err != nil {
		t.Fatalf("BulkDelete all: %v", err)
	}
	if res.Deleted != 4 || res.Remaining != 0 {
		t.Fatalf("all: %+v", res)
	}
}
