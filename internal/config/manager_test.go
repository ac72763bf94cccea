package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, content string) *Manager {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return NewManager(path)
}

func TestParseJSON(t *testing.T) {
	t.Parallel()
	m := writeConfig(t, "config.json", `{
		"telegram": {"token": "t", "announce_chat": -100123, "owner_user_ids": [1, 2]},
		"logging": {"level": "debug", "console": true},
		"storage": {"path": "./db/racebot.db"},
		"reminder": {"timezone": "America/New_York", "offsets_days": [3, 2, 1], "trigger_at": "16:00"}
	}`)

	cfg, err := m.Parse()
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Telegram.Token != "t" || cfg.Telegram.AnnounceChat != -100123 {
		t.Fatalf("telegram section: %+v", cfg.Telegram)
	}
	if len(cfg.Telegram.OwnerUserIDs) != 2 {
		t.Fatalf("owners: %+v", cfg.Telegram.OwnerUserIDs)
	}
	if len(cfg.Reminder.OffsetsDays) != 3 || cfg.Reminder.TriggerAt != "16:00" {
		t.Fatalf("reminder section: %+v", cfg.Reminder)
	}
}

func TestParseYAML(t *testing.T) {
	t.Parallel()
	m := writeConfig(t, "config.yaml", `
telegram:
  token: t
  announce_chat: -100123
logging:
  level: info
  console: true
storage:
  path: ./racebot.db
reminder:
  enabled: true
  timezone: America/New_York
  offsets_days: [3, 2, 1]
  trigger_at: "16:00"
`)

	cfg, err := m.Parse()
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Telegram.AnnounceChat != -100123 {
		t.Fatalf("announce_chat = %d", cfg.Telegram.AnnounceChat)
	}
	if cfg.Reminder.Enabled == nil || !*cfg.Reminder.Enabled {
		t.Fatalf("enabled = %v", cfg.Reminder.Enabled)
	}
	if cfg.Storage.Path != "./racebot.db" {
		t.Fatalf("storage path = %q", cfg.Storage.Path)
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	t.Parallel()
	m := writeConfig(t, "config.json", `{"telegram": {"token": "t", "chat": 1}}`)
	if _, err := m.Parse(); err == nil {
		t.Fatal("expected unknown field to be rejected")
	}
}

func TestParseRejectsTrailingData(t *testing.T) {
	t.Parallel()
	m := writeConfig(t, "config.json", `{"telegram": {"token": "t"}}{"extra": 1}`)
	if _, err := m.Parse(); err == nil {
		t.Fatal("expected trailing data to be rejected")
	}
}

func TestLoadCommitsAndGet(t *testing.T) {
	t.Parallel()
	m := writeConfig(t, "config.json", `{"telegram": {"token": "t"}}`)

	if m.Get() != nil {
		t.Fatal("Get before Load should be nil")
	}
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if m.Get() != cfg {
		t.Fatal("Get should return the committed config")
	}
}

func TestSubscribePublishUnsubscribe(t *testing.T) {
	t.Parallel()
	m := writeConfig(t, "config.json", `{"telegram": {"token": "t"}}`)

	sub := m.Subscribe(1)
	cfg := &Config{}
	m.publish(cfg)

	select {
	case got := <-sub:
		if got != cfg {
			t.Fatal("wrong config delivered")
		}
	case <-time.After(time.Second):
		t.Fatal("no config delivered")
	}

	// Slow subscriber: the newest config wins.
	m.publish(&Config{Telegram: TelegramConfig{Token: "old"}})
	newest := &Config{Telegram: TelegramConfig{Token: "new"}}
	m.publish(newest)
	if got := <-sub; got != newest {
		t.Fatalf("expected newest config, got %+v", got)
	}

	m.Unsubscribe(sub)
	if _, ok := <-sub; ok {
		t.Fatal("channel not closed on unsubscribe")
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
		{"10s", 10 * time.Second, false},
		{"1m30s", 90 * time.Second, false},
		{"-5s", 0, true},
		{"ten", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseDurationField("x", tt.raw)
		if (err != nil) != tt.wantErr {
			t.Fatalf("ParseDurationField(%q) err = %v", tt.raw, err)
		}
		if err == nil && got != tt.want {
			t.Fatalf("ParseDurationField(%q) = %v, want %v", tt.raw, got, tt.want)
		}
	}

	if d, err := ParseDurationOrDefault("x", "", time.Minute); err != nil || d != time.Minute {
		t.Fatalf("ParseDurationOrDefault empty = %v, %v", d, err)
	}
	if d, err := ParseDurationOrDefault("x", "5s", time.Minute); err != nil || d != 5*time.Second {
		t.Fatalf("ParseDurationOrDefault set = %v, %v", d, err)
	}
}
