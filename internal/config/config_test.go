package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadYAML(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "wagate.yaml", `
logging:
  level: debug
  console: true
scheduler:
  timezone: Asia/Jakarta
  workers: 2
  fire_timeout: 10s
  rate_per_sec: 3
transport:
  country_code: "62"
  dry_run: true
storage:
  driver: file
  path: ./store
`)
	m := NewManager(path)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Logging.Level != "debug" || !cfg.Logging.Console {
		t.Fatalf("logging: %+v", cfg.Logging)
	}
	if cfg.Scheduler.Timezone != "Asia/Jakarta" || cfg.Scheduler.Workers != 2 {
		t.Fatalf("scheduler: %+v", cfg.Scheduler)
	}
	d, err := ParseDurationField("scheduler.fire_timeout", cfg.Scheduler.FireTimeout)
	if err != nil || d != 10*time.Second {
		t.Fatalf("fire_timeout: %v %v", d, err)
	}
	if cfg.Storage == nil || cfg.Storage.Driver != "file" {
		t.Fatalf("storage: %+v", cfg.Storage)
	}
	if got := m.Get(); got != cfg {
		t.Fatal("Get did not return committed config")
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "wagate.json", `{"scheduler": {"wrokers": 2}}`)
	if _, err := NewManager(path).Load(); err == nil {
		t.Fatal("typo'd field accepted")
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		cfg  Config
		ok   bool
	}{
		{"zero value", Config{}, true},
		{"bad level", Config{Logging: LoggingConfig{Level: "loud"}}, false},
		{"file log without path", Config{Logging: LoggingConfig{File: LoggingFile{Enabled: true}}}, false},
		{"negative workers", Config{Scheduler: SchedulerConfig{Workers: -1}}, false},
		{"bad duration", Config{Scheduler: SchedulerConfig{FireTimeout: "soon"}}, false},
		{"bad driver", Config{Storage: &StorageConfig{Driver: "postgres"}}, false},
		{"sqlite", Config{Storage: &StorageConfig{Driver: "sqlite", Path: "x.db", BusyTimeout: "5s"}}, true},
		{"sqlite3 alias", Config{Storage: &StorageConfig{Driver: "sqlite3", Path: "x.db"}}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.cfg.Validate()
			if tc.ok && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tc.ok && err == nil {
				t.Fatal("want error")
			}
		})
	}
}

func TestParseDurationOrDefault(t *testing.T) {
	t.Parallel()
	d, err := ParseDurationOrDefault("x", "", 30*time.Second)
	if err != nil || d != 30*time.Second {
		t.Fatalf("empty: %v %v", d, err)
	}
	d, err = ParseDurationOrDefault("x", "1m", 30*time.Second)
	if err != nil || d != time.Minute {
		t.Fatalf("explicit: %v %v", d, err)
	}
	if _, err := ParseDurationOrDefault("x", "-5s", 0); err == nil {
		t.Fatal("negative accepted")
	}
}

func TestPublishDropsOldestForSlowSubscriber(t *testing.T) {
	t.Parallel()
	m := NewManager("unused")
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	a := &Config{Logging: LoggingConfig{Level: "info"}}
	b := &Config{Logging: LoggingConfig{Level: "debug"}}
	m.publish(a)
	m.publish(b) // buffer full: a is dropped, b delivered

	got := <-ch
	if got != b {
		t.Fatalf("got %+v, want newest config", got.Logging)
	}
	select {
	case extra := <-ch:
		t.Fatalf("unexpected extra config: %+v", extra.Logging)
	default:
	}
}

func TestReloadSkipsUnchangedContent(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "wagate.json", `{"logging": {"level": "info"}}`)
	m := NewManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	ch := m.Subscribe(2)
	defer m.Unsubscribe(ch)

	// Same bytes on disk: reload must not republish.
	m.reload(context.Background())
	select {
	case <-ch:
		t.Fatal("unchanged config republished")
	default:
	}

	if err := os.WriteFile(path, []byte(`{"logging": {"level": "warn"}}`), 0o600); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	m.reload(context.Background())
	select {
	case cfg := <-ch:
		if cfg.Logging.Level != "warn" {
			t.Fatalf("published config: %+v", cfg.Logging)
		}
	default:
		t.Fatal("changed config not published")
	}
}
