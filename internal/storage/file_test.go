package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"wagate/internal/history"
	"wagate/internal/schedule"
	"wagate/pkg/logx"
)

func openTestStore(t *testing.T, dir string) Store {
	t.Helper()
	st, err := Open(Config{Driver: "file", Path: filepath.Join(dir, "store.json")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return st
}

func TestFileStoreScheduleRoundTrip(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	ctx := context.Background()
	st := openTestStore(t, dir)

	msg := schedule.ScheduledMessage{
		ID:            "m1",
		SessionID:     "s1",
		Recipient:     "6281234",
		ScheduledTime: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC),
		Status:        schedule.StatusScheduled,
	}
	if err := st.UpsertSchedule(ctx, "s1", msg); err != nil {
		t.Fatalf("UpsertSchedule: %v", err)
	}

	got, ok, err := st.GetSchedule(ctx, "s1", "m1")
	if err != nil || !ok {
		t.Fatalf("GetSchedule: ok=%v err=%v", ok, err)
	}
	if got.Recipient != "6281234" || got.Status != schedule.StatusScheduled {
		t.Fatalf("unexpected record: %+v", got)
	}

	// Sessions are isolated.
	if _, ok, _ := st.GetSchedule(ctx, "s2", "m1"); ok {
		t.Fatal("record leaked across sessions")
	}

	existed, err := st.DeleteSchedule(ctx, "s1", "m1")
	if err != nil || !existed {
		t.Fatalf("DeleteSchedule: existed=%v err=%v", existed, err)
	}
	// Idempotent delete.
	existed, err = st.DeleteSchedule(ctx, "s1", "m1")
	if err != nil || existed {
		t.Fatalf("second DeleteSchedule: existed=%v err=%v", existed, err)
	}
}

func TestFileStoreSurvivesReopen(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	ctx := context.Background()

	st := openTestStore(t, dir)
	msg := schedule.ScheduledMessage{
		ID:            "m1",
		SessionID:     "s1",
		Recipient:     "6281234",
		ScheduledTime: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC),
		Status:        schedule.StatusActive,
		Recurrence:    schedule.Recurrence{Kind: schedule.RecurrenceDaily},
	}
	if err := st.UpsertSchedule(ctx, "s1", msg); err != nil {
		t.Fatalf("UpsertSchedule: %v", err)
	}
	rec := history.Record{
		ID:        "h1",
		SessionID: "s1",
		To:        "6281234",
		Body:      "hi",
		Type:      history.TypeText,
		Status:    history.StatusSent,
		Timestamp: time.Now(),
	}
	if err := st.AppendHistory(ctx, "s1", rec); err != nil {
		t.Fatalf("AppendHistory: %v", err)
	}
	if err := st.PutFireMark(ctx, "fired:m1", time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("PutFireMark: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	st = openTestStore(t, dir)
	defer st.Close()

	msgs, err := st.ListSchedules(ctx, "s1")
	if err != nil || len(msgs) != 1 {
		t.Fatalf("ListSchedules after reopen: %v %v", msgs, err)
	}
	sessions, err := st.ListSessions(ctx)
	if err != nil || len(sessions) != 1 || sessions[0] != "s1" {
		t.Fatalf("ListSessions after reopen: %v %v", sessions, err)
	}
	if msgs[0].Recurrence.Kind != schedule.RecurrenceDaily {
		t.Fatalf("recurrence lost: %+v", msgs[0])
	}

	recs, err := st.ListHistory(ctx, "s1")
	if err != nil || len(recs) != 1 || recs[0].ID != "h1" {
		t.Fatalf("ListHistory after reopen: %v %v", recs, err)
	}

	if _, ok, _ := st.GetFireMark(ctx, "fired:m1"); !ok {
		t.Fatal("fire mark lost on reopen")
	}
}

func TestFileStoreHistoryJournalOps(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	ctx := context.Background()

	st := openTestStore(t, dir)
	base := time.Now()
	for i, id := range []string{"h1", "h2", "h3"} {
		rec := history.Record{
			ID: id, SessionID: "s1", To: "62812", Body: "b", Type: history.TypeText,
			Status: history.StatusSent, Timestamp: base.Add(time.Duration(i) * time.Second),
		}
		if err := st.AppendHistory(ctx, "s1", rec); err != nil {
			t.Fatalf("AppendHistory(%s): %v", id, err)
		}
	}

	upd, _, _ := st.GetHistory(ctx, "s1", "h2")
	upd.Status = history.StatusDelivered
	if err := st.UpdateHistory(ctx, "s1", upd); err != nil {
		t.Fatalf("UpdateHistory: %v", err)
	}
	if err := st.UpdateHistory(ctx, "s1", history.Record{ID: "nope"}); err != history.ErrNotFound {
		t.Fatalf("UpdateHistory unknown id: %v", err)
	}

	n, err := st.DeleteHistory(ctx, "s1", []string{"h1"})
	if err != nil || n != 1 {
		t.Fatalf("DeleteHistory: n=%d err=%v", n, err)
	}
	st.Close()

	// Replay must reproduce append + update + delete.
	st = openTestStore(t, dir)
	defer st.Close()
	recs, err := st.ListHistory(ctx, "s1")
	if err != nil || len(recs) != 2 {
		t.Fatalf("after replay: %v %v", recs, err)
	}
	if recs[0].ID != "h2" || recs[0].Status != history.StatusDelivered {
		t.Fatalf("update not replayed: %+v", recs[0])
	}
}

func TestFileStoreCompactCrashDoesNotDuplicateHistory(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	ctx := context.Background()

	st := openTestStore(t, dir)
	for _, id := range []string{"h1", "h2"} {
		rec := history.Record{
			ID: id, SessionID: "s1", To: "62812", Body: "b", Type: history.TypeText,
			Status: history.StatusSent, Timestamp: time.Now(),
		}
		if err := st.AppendHistory(ctx, "s1", rec); err != nil {
			t.Fatalf("AppendHistory(%s): %v", id, err)
		}
	}
	recs, err := st.ListHistory(ctx, "s1")
	if err != nil {
		t.Fatalf("ListHistory: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Simulate a compaction that crashed after writing the snapshot but
	// before truncating the journal: the snapshot already holds both records
	// and its generation outranks every journal line.
	snap := historySnapshot{Gen: 1, Sessions: map[string][]history.Record{"s1": recs}}
	if err := writeJSONFileAtomic(filepath.Join(dir, "store.history.snapshot.json"), snap); err != nil {
		t.Fatalf("write snapshot: %v", err)
	}

	st = openTestStore(t, dir)
	defer st.Close()
	recs, err = st.ListHistory(ctx, "s1")
	if err != nil || len(recs) != 2 {
		t.Fatalf("stale journal lines replayed: %v %v", recs, err)
	}
}

func TestFireMarkExpiry(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	ctx := context.Background()
	st := openTestStore(t, dir)
	defer st.Close()

	if err := st.PutFireMark(ctx, "k", time.Now().Add(-time.Second)); err != nil {
		t.Fatalf("PutFireMark: %v", err)
	}
	if _, ok, _ := st.GetFireMark(ctx, "k"); ok {
		t.Fatal("expired mark still visible")
	}
}
