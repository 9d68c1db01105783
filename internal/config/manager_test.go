package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const sampleJSON = `{
  "logging": {"level": "debug", "console": true, "file": {"enabled": false, "path": ""}},
  "storage": {"driver": "file", "path": "/var/lib/gateway"},
  "session": {"max_reconnect_attempts": 3, "qr_ttl": "10m"},
  "directory": {"max_age": "5m", "fetch_timeout": "30s", "fetch_retries": 5},
  "dispatch": {"group_batch_size": 3, "group_batch_delay": "2s", "channel_batch_delay": "5s"},
  "scheduler": {"enabled": true, "timezone": "Asia/Jakarta"}
}`

func TestParseJSON(t *testing.T) {
	t.Parallel()
	m := NewManager(writeConfig(t, "config.json", sampleJSON))
	cfg, err := m.Parse()
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Logging.Level != "debug" || !cfg.Logging.Console {
		t.Fatalf("logging = %+v", cfg.Logging)
	}
	if cfg.Storage.Driver != "file" {
		t.Fatalf("storage = %+v", cfg.Storage)
	}
	if !cfg.Scheduler.Enabled || cfg.Scheduler.Timezone != "Asia/Jakarta" {
		t.Fatalf("scheduler = %+v", cfg.Scheduler)
	}

	sess, err := cfg.SessionConfig()
	if err != nil {
		t.Fatalf("SessionConfig: %v", err)
	}
	if sess.MaxReconnectAttempts != 3 || sess.QRTTL != 10*time.Minute {
		t.Fatalf("session = %+v", sess)
	}

	dir, err := cfg.DirectoryConfig()
	if err != nil {
		t.Fatalf("DirectoryConfig: %v", err)
	}
	if dir.MaxAge != 5*time.Minute || dir.FetchTimeout != 30*time.Second || dir.FetchRetries != 5 {
		t.Fatalf("directory = %+v", dir)
	}

	disp, err := cfg.DispatchConfig()
	if err != nil {
		t.Fatalf("DispatchConfig: %v", err)
	}
	if disp.GroupBatchDelay != 2*time.Second || disp.ChannelBatchDelay != 5*time.Second {
		t.Fatalf("dispatch = %+v", disp)
	}
}

func TestParseYAML(t *testing.T) {
	t.Parallel()
	const y = `
logging:
  level: info
  console: true
storage:
  driver: sqlite
  path: gateway.db
  busy_timeout: 5s
session:
  qr_ttl: 600s
directory: {}
dispatch: {}
scheduler:
  enabled: false
`
	m := NewManager(writeConfig(t, "config.yaml", y))
	cfg, err := m.Parse()
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Storage.Driver != "sqlite" || cfg.Storage.Path != "gateway.db" {
		t.Fatalf("storage = %+v", cfg.Storage)
	}
	st, err := cfg.StorageConfig()
	if err != nil {
		t.Fatalf("StorageConfig: %v", err)
	}
	if st.BusyTimeout != 5*time.Second {
		t.Fatalf("busy timeout = %v", st.BusyTimeout)
	}
	sess, err := cfg.SessionConfig()
	if err != nil {
		t.Fatalf("SessionConfig: %v", err)
	}
	if sess.QRTTL != 600*time.Second {
		t.Fatalf("qr ttl = %v", sess.QRTTL)
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	t.Parallel()
	m := NewManager(writeConfig(t, "config.json", `{"loging": {"level": "info"}}`))
	if _, err := m.Parse(); err == nil {
		t.Fatal("unknown top-level field accepted")
	}
}

func TestParseRejectsTrailingData(t *testing.T) {
	t.Parallel()
	m := NewManager(writeConfig(t, "config.json", `{"scheduler": {"enabled": true}} {"extra": 1}`))
	if _, err := m.Parse(); err == nil {
		t.Fatal("trailing document accepted")
	}
}

func TestParseDurationField(t *testing.T) {
	t.Parallel()
	tests := []struct {
		raw     string
		want    time.Duration
		wantErr bool
	}{
		{"", 0, false},
		{"  ", 0, false},
		{"30s", 30 * time.Second, false},
		{"5m", 5 * time.Minute, false},
		{"-1s", 0, true},
		{"banana", 0, true},
		{"30", 0, true}, // bare numbers are ambiguous, require a unit
	}
	for _, tt := range tests {
		got, err := ParseDurationField("x", tt.raw)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseDurationField(%q) err = %v, wantErr %v", tt.raw, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseDurationField(%q) = %v, want %v", tt.raw, got, tt.want)
		}
	}
}

func TestBadDurationSurfacesFieldPath(t *testing.T) {
	t.Parallel()
	cfg := &Config{}
	cfg.Directory.MaxAge = "soon"
	if _, err := cfg.DirectoryConfig(); err == nil || !strings.Contains(err.Error(), "directory.max_age") {
		t.Fatalf("err = %v, want field path in message", err)
	}
}

func TestLoadCommitGet(t *testing.T) {
	t.Parallel()
	m := NewManager(writeConfig(t, "config.json", sampleJSON))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if m.Get() != cfg {
		t.Fatal("Get does not return the loaded snapshot")
	}
}

func TestSubscribePrefersLatestSnapshot(t *testing.T) {
	t.Parallel()
	m := NewManager("unused")
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	stale := &Config{}
	latest := &Config{Scheduler: SchedulerConfig{Enabled: true}}
	m.publish(stale)
	m.publish(latest)

	got := <-ch
	if got != latest {
		t.Fatalf("got %+v, want the latest snapshot", got)
	}
}

func TestWatchReloadsOnChange(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "config.json", sampleJSON)
	m := NewManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}

	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- m.Watch(ctx) }()

	// Give the watcher a moment to register before touching the file.
	time.Sleep(100 * time.Millisecond)

	updated := strings.Replace(sampleJSON, `"level": "debug"`, `"level": "warn"`, 1)
	if err := os.WriteFile(path, []byte(updated), 0o600); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}

	select {
	case cfg := <-ch:
		if cfg.Logging.Level != "warn" {
			t.Fatalf("reloaded level = %q, want warn", cfg.Logging.Level)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no reload observed")
	}
	if got := m.Get().Logging.Level; got != "warn" {
		t.Fatalf("committed level = %q, want warn", got)
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Watch: %v", err)
	}
}
