package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/xiaohuo/verifybot/internal/verifybot"
)

func loadEnv(t *testing.T, vars map[string]string) (*Config, error) {
	t.Helper()
	return load(env.Options{Environment: vars})
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := loadEnv(t, map[string]string{"VERIFY_ENDPOINT": "https://auth.example.com/check"})
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.HTTPAddr != ":8000" {
		t.Errorf("HTTPAddr = %q", cfg.HTTPAddr)
	}
	if cfg.LogLevel != slog.LevelInfo {
		t.Errorf("LogLevel = %v", cfg.LogLevel)
	}
	if cfg.EventPath != "/api/bot/event_callback" || !cfg.EventAsync || cfg.EventTimeout != 2*time.Minute {
		t.Errorf("event settings = %q async=%v timeout=%s", cfg.EventPath, cfg.EventAsync, cfg.EventTimeout)
	}
	if cfg.Store.Backend != BackendMemory || cfg.Store.SessionTTL != 5*time.Minute {
		t.Errorf("store = %+v", cfg.Store)
	}
	if cfg.Verify.CacheTTL != time.Minute || cfg.Verify.RatePerMinute != 60 || !cfg.Verify.Enabled {
		t.Errorf("verify = %+v", cfg.Verify)
	}
	if cfg.Lark.BaseURL != "https://open.feishu.cn" || cfg.Lark.Client != ClientSDK {
		t.Errorf("lark = %+v", cfg.Lark)
	}
	if cfg.Groups.Name(verifybot.CategoryJudge) != "评委群" {
		t.Errorf("groups = %+v", cfg.Groups)
	}
}

func TestLoadOverrides(t *testing.T) {
	cfg, err := loadEnv(t, map[string]string{
		"LOG_LEVEL":       "DEBUG",
		"STORE_BACKEND":   "redis",
		"REDIS_PREFIX":    "test:",
		"LARK_APP_ID":     "cli_1",
		"LARK_CLIENT":     "http",
		"VERIFY_ENABLED":  "false",
		"VERIFY_TIMEOUT":  "3s",
		"PLAYER_CHAT_IDS": "oc_1, oc_2,,",
		"JUDGE_CHAT_IDS":  "oc_3",
	})
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.LogLevel != slog.LevelDebug {
		t.Errorf("LogLevel = %v", cfg.LogLevel)
	}
	if cfg.Store.Backend != BackendRedis || cfg.Store.RedisPrefix != "test:" {
		t.Errorf("store = %+v", cfg.Store)
	}
	if cfg.Lark.AppID != "cli_1" || cfg.Lark.Client != ClientHTTP {
		t.Errorf("lark = %+v", cfg.Lark)
	}
	if cfg.Verify.Enabled || cfg.Verify.Timeout != 3*time.Second {
		t.Errorf("verify = %+v", cfg.Verify)
	}
	if got := cfg.Groups[verifybot.CategoryPlayer].ChatIDs; !slices.Equal(got, []string{"oc_1", "oc_2"}) {
		t.Errorf("player chat ids = %v", got)
	}
	if got := cfg.Groups[verifybot.CategoryJudge].ChatIDs; !slices.Equal(got, []string{"oc_3"}) {
		t.Errorf("judge chat ids = %v", got)
	}
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name string
		vars map[string]string
		want string
	}{
		{"unknown backend", map[string]string{"VERIFY_ENABLED": "false", "STORE_BACKEND": "etcd"}, "STORE_BACKEND"},
		{"unknown client", map[string]string{"VERIFY_ENABLED": "false", "LARK_CLIENT": "grpc"}, "LARK_CLIENT"},
		{"missing endpoint", map[string]string{}, "VERIFY_ENDPOINT"},
		{"zero session ttl", map[string]string{"VERIFY_ENABLED": "false", "SESSION_TTL": "0s"}, "SESSION_TTL"},
		{"relative event path", map[string]string{"VERIFY_ENABLED": "false", "EVENT_PATH": "events"}, "EVENT_PATH"},
		{"event timeout below call budget", map[string]string{
			"VERIFY_ENABLED":  "false",
			"PLAYER_CHAT_IDS": "oc_1,oc_2",
			"EVENT_TIMEOUT":   "30s",
		}, "EVENT_TIMEOUT"},
		{"bad duration", map[string]string{"SESSION_TTL": "soon"}, "soon"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := loadEnv(t, tt.vars)
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %v, want mention of %s", err, tt.want)
			}
		})
	}
}

func TestLoadGroupsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "groups.yaml")
	content := `groups:
  player:
    name: 参赛选手群
    chat_ids: [oc_a, " oc_b "]
  judge:
    alias: referee
    chat_ids:
      - oc_c
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	groups, err := LoadGroups(path)
	if err != nil {
		t.Fatalf("LoadGroups: %v", err)
	}
	player := groups[verifybot.CategoryPlayer]
	if player.Name != "参赛选手群" || player.Keyword != "选手" {
		t.Errorf("player = %+v", player)
	}
	if !slices.Equal(player.ChatIDs, []string{"oc_a", "oc_b"}) {
		t.Errorf("player chat ids = %v", player.ChatIDs)
	}
	judge := groups[verifybot.CategoryJudge]
	if judge.Alias != "referee" || judge.Name != "评委群" || !slices.Equal(judge.ChatIDs, []string{"oc_c"}) {
		t.Errorf("judge = %+v", judge)
	}
}

func TestLoadGroupsFileErrors(t *testing.T) {
	dir := t.TempDir()

	unknown := filepath.Join(dir, "unknown.yaml")
	os.WriteFile(unknown, []byte("groups:\n  coach:\n    chat_ids: [oc_x]\n"), 0o600)
	if _, err := LoadGroups(unknown); err == nil || !strings.Contains(err.Error(), "coach") {
		t.Errorf("unknown category error = %v", err)
	}

	broken := filepath.Join(dir, "broken.yaml")
	os.WriteFile(broken, []byte("groups: [\n"), 0o600)
	if _, err := LoadGroups(broken); err == nil {
		t.Error("expected parse error")
	}

	if _, err := LoadGroups(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("expected read error")
	}
}
