// Package config defines the ads daemon configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"
)

// Config is the top-level ads configuration.
type Config struct {
	Server     ServerConfig      `json:"server" yaml:"server"`
	Auth       AuthConfig        `json:"auth" yaml:"auth"`
	Store      StoreConfig       `json:"store" yaml:"store"`
	Queue      QueueConfig       `json:"queue" yaml:"queue"`
	Agents     []AgentConfig     `json:"agents" yaml:"agents"`
	Events     EventsConfig      `json:"events" yaml:"events"`
	Promotions []PromotionConfig `json:"promotions,omitempty" yaml:"promotions"`
	DataDir    string            `json:"data_dir" yaml:"data_dir"`
	LogLevel   string            `json:"log_level" yaml:"log_level"`
	LogFormat  string            `json:"log_format" yaml:"log_format"` // "text" or "json"
}

// ServerConfig controls the HTTP server.
type ServerConfig struct {
	Addr           string   `json:"addr" yaml:"addr"` // listen address, e.g., ":9090"
	AllowedOrigins []string `json:"allowed_origins,omitempty" yaml:"allowed_origins"`
}

// AuthConfig controls API authentication.
type AuthConfig struct {
	JWTSecret string        `json:"jwt_secret" yaml:"jwt_secret"`
	AdminUser string        `json:"admin_user" yaml:"admin_user"`
	AdminPass string        `json:"admin_pass" yaml:"admin_pass"` // bcrypt hash
	TokenTTL  time.Duration `json:"token_ttl" yaml:"token_ttl"`
}

// StoreConfig selects the task database.
type StoreConfig struct {
	Driver string `json:"driver" yaml:"driver"` // "sqlite" or "postgres"
	// DSN defaults to <data_dir>/ads.db for sqlite.
	DSN string `json:"dsn,omitempty" yaml:"dsn"`
}

// QueueConfig controls the scheduler and the executor behind it.
type QueueConfig struct {
	Enabled          bool           `json:"enabled" yaml:"enabled"`
	Concurrency      int            `json:"concurrency" yaml:"concurrency"`
	PollInterval     time.Duration  `json:"poll_interval" yaml:"poll_interval"`
	DefaultLaneLimit int            `json:"default_lane_limit" yaml:"default_lane_limit"`
	LaneLimits       map[string]int `json:"lane_limits,omitempty" yaml:"lane_limits"`
	RetryBackoff     time.Duration  `json:"retry_backoff" yaml:"retry_backoff"`
	Planner          bool           `json:"planner" yaml:"planner"`
	TaskTimeout      time.Duration  `json:"task_timeout" yaml:"task_timeout"`
	SessionCacheSize int            `json:"session_cache_size" yaml:"session_cache_size"`
	Stream           bool           `json:"stream" yaml:"stream"`
	SystemPrompt     string         `json:"system_prompt,omitempty" yaml:"system_prompt"`
	// DefaultAgent serves tasks whose routed agent is not configured.
	DefaultAgent string `json:"default_agent" yaml:"default_agent"`
}

// AgentConfig defines one backend family.
type AgentConfig struct {
	Kind         string      `json:"kind" yaml:"kind"`         // "codex", "claude", "gemini"
	Provider     string      `json:"provider" yaml:"provider"` // "openai", "anthropic", "gemini", "mock"
	APIKey       string      `json:"-" yaml:"api_key"`
	BaseURL      string      `json:"base_url,omitempty" yaml:"base_url"`
	Model        string      `json:"model,omitempty" yaml:"model"`
	MaxTokens    int         `json:"max_tokens,omitempty" yaml:"max_tokens"`
	SystemPrompt string      `json:"system_prompt,omitempty" yaml:"system_prompt"`
	Limit        LimitConfig `json:"limit" yaml:"limit"`
}

// LimitConfig bounds calls to one backend.
type LimitConfig struct {
	Concurrent int     `json:"concurrent" yaml:"concurrent"`
	PerSecond  float64 `json:"per_second" yaml:"per_second"`
	Burst      int     `json:"burst" yaml:"burst"`
}

// EventsConfig selects the event bus.
type EventsConfig struct {
	Backend string `json:"backend" yaml:"backend"` // "memory", "redis", "nats"
	URL     string `json:"url,omitempty" yaml:"url"`
	Subject string `json:"subject" yaml:"subject"`
	History int    `json:"history" yaml:"history"`
}

// PromotionConfig promotes queued tasks of a context on a cron schedule.
type PromotionConfig struct {
	Schedule string `json:"schedule" yaml:"schedule"`
	Context  string `json:"context" yaml:"context"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr: ":9090",
		},
		Auth: AuthConfig{
			AdminUser: "admin",
			TokenTTL:  24 * time.Hour,
		},
		Store: StoreConfig{
			Driver: "sqlite",
		},
		Queue: QueueConfig{
			Enabled:          true,
			Concurrency:      1,
			PollInterval:     2 * time.Second,
			DefaultLaneLimit: 1,
			SessionCacheSize: 16,
			DefaultAgent:     "codex",
		},
		Agents: []AgentConfig{
			{Kind: "codex", Provider: "mock"},
		},
		Events: EventsConfig{
			Backend: "memory",
			Subject: "ads.events",
			History: 1000,
		},
		DataDir:   "./data",
		LogLevel:  "info",
		LogFormat: "text",
	}
}

// Load reads a YAML config file, expands ${VAR} references from the
// environment and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	expanded, err := expandEnv(string(data), os.LookupEnv)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

var placeholder = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnv substitutes ${VAR} references. Unset variables are an error.
func expandEnv(s string, lookup func(string) (string, bool)) (string, error) {
	missing := map[string]struct{}{}
	out := placeholder.ReplaceAllStringFunc(s, func(m string) string {
		name := placeholder.FindStringSubmatch(m)[1]
		v, ok := lookup(name)
		if !ok {
			missing[name] = struct{}{}
			return ""
		}
		return v
	})
	if len(missing) > 0 {
		names := make([]string, 0, len(missing))
		for n := range missing {
			names = append(names, n)
		}
		sort.Strings(names)
		return "", fmt.Errorf("missing environment variables: %s", strings.Join(names, ", "))
	}
	return out, nil
}

var (
	validKinds     = map[string]bool{"codex": true, "claude": true, "gemini": true}
	validProviders = map[string]bool{"openai": true, "anthropic": true, "gemini": true, "mock": true}
)

// Validate reports every configuration problem at once.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }

	switch c.Store.Driver {
	case "sqlite":
	case "postgres", "pgx":
		if c.Store.DSN == "" {
			add("store.dsn is required for driver %q", c.Store.Driver)
		}
	default:
		add("store.driver %q is not one of sqlite, postgres", c.Store.Driver)
	}

	if c.Queue.Concurrency < 1 {
		add("queue.concurrency must be at least 1")
	}
	if c.Queue.PollInterval <= 0 {
		add("queue.poll_interval must be positive")
	}
	if c.Queue.RetryBackoff < 0 || c.Queue.TaskTimeout < 0 {
		add("queue durations may not be negative")
	}
	if !validKinds[c.Queue.DefaultAgent] {
		add("queue.default_agent %q is not one of codex, claude, gemini", c.Queue.DefaultAgent)
	}

	seen := map[string]bool{}
	for i, a := range c.Agents {
		if !validKinds[a.Kind] {
			add("agents[%d].kind %q is not one of codex, claude, gemini", i, a.Kind)
		}
		if seen[a.Kind] {
			add("agents[%d].kind %q is configured twice", i, a.Kind)
		}
		seen[a.Kind] = true
		if !validProviders[a.Provider] {
			add("agents[%d].provider %q is not one of openai, anthropic, gemini, mock", i, a.Provider)
		}
		if a.Provider != "mock" && a.APIKey == "" {
			add("agents[%d].api_key is required for provider %q", i, a.Provider)
		}
	}

	switch c.Events.Backend {
	case "memory":
	case "redis", "nats":
		if c.Events.URL == "" {
			add("events.url is required for backend %q", c.Events.Backend)
		}
	default:
		add("events.backend %q is not one of memory, redis, nats", c.Events.Backend)
	}

	if c.Auth.AdminPass != "" {
		if _, err := bcrypt.Cost([]byte(c.Auth.AdminPass)); err != nil {
			add("auth.admin_pass must be a bcrypt hash: %v", err)
		}
	}
	if c.Auth.TokenTTL <= 0 {
		add("auth.token_ttl must be positive")
	}

	for i, p := range c.Promotions {
		if p.Schedule == "" {
			add("promotions[%d].schedule is required", i)
		}
	}

	if _, err := ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		add("log_format %q is not one of text, json", c.LogFormat)
	}
	return errors.Join(errs...)
}
