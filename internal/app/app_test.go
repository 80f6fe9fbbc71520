package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"wagate/internal/scheduler"
	"wagate/internal/transport"
)

func writeAppConfig(t *testing.T, dir string) string {
	t.Helper()
	body := fmt.Sprintf(`
logging:
  level: error
scheduler:
  timezone: UTC
  workers: 1
transport:
  country_code: "62"
  dry_run: true
storage:
  driver: file
  path: %q
`, filepath.Join(dir, "store"))
	path := filepath.Join(dir, "wagate.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestAppLifecycleAndRecovery(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	cfgPath := writeAppConfig(t, dir)
	ctx := context.Background()

	var sends atomic.Int32
	sender := transport.Func(func(_ context.Context, _, _ string, _ transport.Payload) (transport.Receipt, error) {
		sends.Add(1)
		return transport.Receipt{MessageID: "t", Timestamp: time.Now()}, nil
	})

	a, err := New(cfgPath, WithTransport(sender))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	m, err := a.Engine().Schedule(ctx, scheduler.Request{
		SessionID:     "s1",
		Recipient:     "6281234",
		Payload:       transport.Payload{Text: "hello"},
		ScheduledTime: time.Now().Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if a.Engine().JobCount() != 1 {
		t.Fatalf("job count = %d", a.Engine().JobCount())
	}
	if err := a.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	// A fresh process over the same store re-arms the pending record.
	a2, err := New(cfgPath, WithTransport(sender))
	if err != nil {
		t.Fatalf("New (restart): %v", err)
	}
	if err := a2.Start(ctx); err != nil {
		t.Fatalf("Start (restart): %v", err)
	}
	defer a2.Stop(ctx)

	if a2.Engine().JobCount() != 1 {
		t.Fatalf("job not rebuilt after restart: %d", a2.Engine().JobCount())
	}
	got, err := a2.Engine().Get(ctx, "s1", m.ID)
	if err != nil || got.Recipient != "6281234" {
		t.Fatalf("record after restart: %+v %v", got, err)
	}
	if n := sends.Load(); n != 0 {
		t.Fatalf("future message delivered early: %d sends", n)
	}
}
