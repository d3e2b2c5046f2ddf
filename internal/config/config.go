package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/xiaohuo/verifybot/internal/verifybot"
)

type Config struct {
	HTTPAddr     string        `env:"HTTP_ADDR" envDefault:":8000"`
	LogLevel     slog.Level    `env:"LOG_LEVEL" envDefault:"INFO"`
	EventPath    string        `env:"EVENT_PATH" envDefault:"/api/bot/event_callback"`
	EventAsync   bool          `env:"EVENT_ASYNC" envDefault:"true"`
	EventTimeout time.Duration `env:"EVENT_TIMEOUT" envDefault:"2m"`
	OpsTokenHash string        `env:"OPS_TOKEN_HASH"`

	Lark   Lark `envPrefix:"LARK_"`
	Store  Store
	Verify Verify `envPrefix:"VERIFY_"`

	GroupsFile    string   `env:"GROUPS_FILE"`
	PlayerChatIDs []string `env:"PLAYER_CHAT_IDS" envSeparator:","`
	JudgeChatIDs  []string `env:"JUDGE_CHAT_IDS" envSeparator:","`

	// Groups is resolved from GroupsFile and the chat id overrides.
	Groups verifybot.Groups
}

type Lark struct {
	AppID      string        `env:"APP_ID"`
	AppSecret  string        `env:"APP_SECRET"`
	BaseURL    string        `env:"BASE_URL" envDefault:"https://open.feishu.cn"`
	Client     string        `env:"CLIENT" envDefault:"sdk"`
	Timeout    time.Duration `env:"TIMEOUT" envDefault:"10s"`
	EncryptKey string        `env:"ENCRYPT_KEY"`
}

type Store struct {
	Backend       string        `env:"STORE_BACKEND" envDefault:"memory"`
	RedisURL      string        `env:"REDIS_URL" envDefault:"redis://localhost:6379/0"`
	RedisPrefix   string        `env:"REDIS_PREFIX" envDefault:"xiaohuo:"`
	DBPath        string        `env:"DB_PATH" envDefault:"data/verifybot.db"`
	SessionTTL    time.Duration `env:"SESSION_TTL" envDefault:"5m"`
	SweepInterval time.Duration `env:"SWEEP_INTERVAL" envDefault:"1m"`
}

type Verify struct {
	Enabled       bool          `env:"ENABLED" envDefault:"true"`
	Endpoint      string        `env:"ENDPOINT"`
	Token         string        `env:"TOKEN"`
	EventID       string        `env:"EVENT_ID"`
	Timeout       time.Duration `env:"TIMEOUT" envDefault:"10s"`
	CacheTTL      time.Duration `env:"CACHE_TTL" envDefault:"60s"`
	RatePerMinute int           `env:"RATE_PER_MINUTE" envDefault:"60"`
}

// Store backends.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendSQLite = "sqlite"
)

// Platform client bindings.
const (
	ClientSDK  = "sdk"
	ClientHTTP = "http"
)

func Load() (*Config, error) {
	return load(env.Options{})
}

func load(opts env.Options) (*Config, error) {
	cfg, err := env.ParseAsWithOptions[Config](opts)
	if err != nil {
		return nil, fmt.Errorf("parsing environment: %w", err)
	}

	groups, err := LoadGroups(cfg.GroupsFile)
	if err != nil {
		return nil, err
	}
	overrideChatIDs(groups, verifybot.CategoryPlayer, cfg.PlayerChatIDs)
	overrideChatIDs(groups, verifybot.CategoryJudge, cfg.JudgeChatIDs)
	cfg.Groups = groups

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	var errs []error
	switch c.Store.Backend {
	case BackendMemory, BackendRedis, BackendSQLite:
	default:
		errs = append(errs, fmt.Errorf("STORE_BACKEND: unknown backend %q", c.Store.Backend))
	}
	switch c.Lark.Client {
	case ClientSDK, ClientHTTP:
	default:
		errs = append(errs, fmt.Errorf("LARK_CLIENT: unknown binding %q", c.Lark.Client))
	}
	if c.Store.SessionTTL <= 0 {
		errs = append(errs, errors.New("SESSION_TTL must be positive"))
	}
	if c.Verify.CacheTTL <= 0 {
		errs = append(errs, errors.New("VERIFY_CACHE_TTL must be positive"))
	}
	if c.Verify.Enabled && c.Verify.Endpoint == "" {
		errs = append(errs, errors.New("VERIFY_ENDPOINT is required when VERIFY_ENABLED is set"))
	}
	if c.Verify.RatePerMinute < 0 {
		errs = append(errs, errors.New("VERIFY_RATE_PER_MINUTE must not be negative"))
	}
	if !strings.HasPrefix(c.EventPath, "/") {
		errs = append(errs, fmt.Errorf("EVENT_PATH: %q must start with /", c.EventPath))
	}
	if budget := c.pipelineBudget(); c.EventAsync && c.EventTimeout <= budget {
		errs = append(errs, fmt.Errorf("EVENT_TIMEOUT: %s must exceed the pipeline's call timeouts (%s)", c.EventTimeout, budget))
	}
	return errors.Join(errs...)
}

// pipelineBudget is the worst case time one QR image can spend in platform
// and authorization calls: the download, the API check and one membership
// call per target chat of the largest category.
func (c *Config) pipelineBudget() time.Duration {
	chats := 0
	for _, g := range c.Groups {
		chats = max(chats, len(g.ChatIDs))
	}
	budget := time.Duration(1+chats) * c.Lark.Timeout
	if c.Verify.Enabled {
		budget += c.Verify.Timeout
	}
	return budget
}

// DefaultGroups is the built-in category table with no chat targets.
func DefaultGroups() verifybot.Groups {
	return verifybot.Groups{
		verifybot.CategoryPlayer: {
			Name:        "选手群",
			Description: "比赛选手交流群组",
			Keyword:     "选手",
			Alias:       "player",
		},
		verifybot.CategoryJudge: {
			Name:        "评委群",
			Description: "比赛评委交流群组",
			Keyword:     "评委",
			Alias:       "judge",
		},
	}
}

type groupsFile struct {
	Groups map[string]verifybot.GroupConfig `yaml:"groups"`
}

// LoadGroups reads the category table from a YAML file and merges it over
// the defaults. An empty path yields the defaults.
func LoadGroups(path string) (verifybot.Groups, error) {
	groups := DefaultGroups()
	if path == "" {
		return groups, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading groups file: %w", err)
	}
	var f groupsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing groups file %s: %w", path, err)
	}

	for key, in := range f.Groups {
		c, ok := verifybot.ParseCategory(key)
		if !ok {
			return nil, fmt.Errorf("groups file %s: unknown group type %q", path, key)
		}
		g := groups[c]
		if in.Name != "" {
			g.Name = in.Name
		}
		if in.Description != "" {
			g.Description = in.Description
		}
		if in.Keyword != "" {
			g.Keyword = in.Keyword
		}
		if in.Alias != "" {
			g.Alias = in.Alias
		}
		g.ChatIDs = cleanIDs(in.ChatIDs)
		groups[c] = g
	}
	return groups, nil
}

func overrideChatIDs(groups verifybot.Groups, c verifybot.Category, ids []string) {
	ids = cleanIDs(ids)
	if len(ids) == 0 {
		return
	}
	g := groups[c]
	g.ChatIDs = ids
	groups[c] = g
}

func cleanIDs(ids []string) []string {
	var out []string
	for _, id := range ids {
		if id = strings.TrimSpace(id); id != "" {
			out = append(out, id)
		}
	}
	return out
}
