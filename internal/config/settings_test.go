package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultSettings(t *testing.T) {
	s := DefaultSettings()
	if s.WorkerCount != 6 || s.DailyBudget != 50 || s.WeeklyBudget != 200 {
		t.Errorf("unexpected defaults: %+v", s)
	}
	if s.DefaultModel != "claude-sonnet-4-6" || s.DefaultAgent != "claude" || !s.AutoPR {
		t.Errorf("unexpected defaults: %+v", s)
	}
}

func TestSettingsMapRoundTrip(t *testing.T) {
	s := Settings{
		WorkerCount:   3,
		WorkspaceBase: "/tmp/ws",
		DailyBudget:   12.5,
		WeeklyBudget:  80,
		DefaultModel:  "claude-haiku-4-5",
		DefaultAgent:  "codex",
		AutoPR:        false,
	}

	got, err := DefaultSettings().Apply(s.Map())
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if got != s {
		t.Errorf("round trip = %+v, want %+v", got, s)
	}
	if len(SettingKeys()) != len(s.Map()) {
		t.Errorf("SettingKeys has %d keys, Map has %d", len(SettingKeys()), len(s.Map()))
	}
}

func TestSettingsApply(t *testing.T) {
	tests := []struct {
		name    string
		values  map[string]string
		wantErr bool
		check   func(t *testing.T, s Settings)
	}{
		{
			name:   "daily budget",
			values: map[string]string{KeyDailyBudget: "75"},
			check: func(t *testing.T, s Settings) {
				if s.DailyBudget != 75 {
					t.Errorf("DailyBudget = %v", s.DailyBudget)
				}
			},
		},
		{
			name:   "unknown key ignored",
			values: map[string]string{"theme": "dark"},
			check: func(t *testing.T, s Settings) {
				if s != DefaultSettings() {
					t.Errorf("settings changed: %+v", s)
				}
			},
		},
		{
			name:    "bad number",
			values:  map[string]string{KeyWorkerCount: "many"},
			wantErr: true,
		},
		{
			name:    "negative worker count",
			values:  map[string]string{KeyWorkerCount: "-1"},
			wantErr: true,
		},
		{
			name:    "bad bool",
			values:  map[string]string{KeyAutoPR: "sometimes"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			base := DefaultSettings()
			got, err := base.Apply(tt.values)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				if got != base {
					t.Errorf("failed Apply modified settings: %+v", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("Apply failed: %v", err)
			}
			tt.check(t, got)
		})
	}
}

func TestIsSettingKey(t *testing.T) {
	if !IsSettingKey(KeyWeeklyBudget) {
		t.Error("weekly_budget should be a setting key")
	}
	if IsSettingKey("nope") {
		t.Error("nope should not be a setting key")
	}
}

func TestWatch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	writeFile(t, path, `{}`)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	changed := make(chan struct{}, 16)
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, path, func() { changed <- struct{}{} })
	}()

	// Unrelated files in the same directory are ignored.
	deadline := time.After(5 * time.Second)
	for {
		if err := os.WriteFile(filepath.Join(dir, "other.json"), []byte(`{}`), 0644); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(`{"workers": {"count": 2}}`), 0644); err != nil {
			t.Fatal(err)
		}
		select {
		case <-changed:
			cancel()
			if err := <-done; err != nil {
				t.Fatalf("Watch returned error: %v", err)
			}
			return
		case <-time.After(100 * time.Millisecond):
		case <-deadline:
			t.Fatal("timeout waiting for change notification")
		}
	}
}
