// Package config loads clawd configuration from YAML with environment
// overrides for credentials. Every tunable the runtime exposes lives
// here; unknown keys in skill config sections produce warnings at load
// time rather than silent acceptance.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all clawd configuration.
type Config struct {
	// Core settings
	Name     string `yaml:"name"`
	Version  string `yaml:"version"`
	Timezone string `yaml:"timezone"`

	// Chat transport
	Chat ChatConfig `yaml:"chat"`

	// Persistent store
	Store StoreConfig `yaml:"store"`

	// Natural-language router tunables
	Router RouterConfig `yaml:"router"`

	// Scheduler
	Scheduler SchedulerConfig `yaml:"scheduler"`

	// Pipeline orchestrator
	Pipeline PipelineConfig `yaml:"pipeline"`

	// AI provider
	Provider ProviderConfig `yaml:"provider"`

	// Cost accounting
	Cost CostConfig `yaml:"cost"`

	// Skill loading
	Skills SkillsConfig `yaml:"skills"`

	// Source control
	GitHub GitHubConfig `yaml:"github"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// ChatConfig configures the messaging transport.
type ChatConfig struct {
	Platform    string `yaml:"platform"` // slack
	Token       string `yaml:"token"`    // overridden by SLACK_BOT_TOKEN
	OwnerUserID string `yaml:"owner_user_id"`
}

// StoreConfig configures the sqlite store.
type StoreConfig struct {
	DatabasePath          string `yaml:"database_path"`
	ConversationRetention int    `yaml:"conversation_retention"` // entries kept per user
	AudioDir              string `yaml:"audio_dir"`              // meeting-record artifacts
}

// RouterConfig configures the NL router. All fields are live-tunable at
// runtime through the nl-set command surface; these are the boot values.
type RouterConfig struct {
	AmbiguityThreshold     float64           `yaml:"ambiguity_threshold"`
	ClarificationThreshold float64           `yaml:"clarification_threshold"`
	AITimeoutMs            int               `yaml:"ai_timeout_ms"`  // 500..30000
	CacheMaxSize           int               `yaml:"cache_max_size"` // 10..10000
	CacheMaxAgeMs          int               `yaml:"cache_max_age_ms"`
	Weights                ConfidenceWeights `yaml:"weights"`
}

// ConfidenceWeights compose the classifier confidence score.
type ConfidenceWeights struct {
	KeywordMatch float64 `yaml:"keyword_match"`
	ContextMatch float64 `yaml:"context_match"`
	HistoryMatch float64 `yaml:"history_match"`
	Specificity  float64 `yaml:"specificity"`
}

// SchedulerConfig configures the cron/one-shot scheduler.
type SchedulerConfig struct {
	Workers      int    `yaml:"workers"`
	TickInterval string `yaml:"tick_interval"`
	DigestCron   string `yaml:"digest_cron"` // flush schedule for digest chats
}

// PipelineConfig configures the orchestrator.
type PipelineConfig struct {
	// Projects maps target name to its absolute working directory.
	Projects map[string]string `yaml:"projects"`

	// HealthURLs maps target name to the endpoint probed by the verify stage.
	HealthURLs map[string]string `yaml:"health_urls"`

	// Whitelist is the full table of commands the orchestrator may spawn.
	Whitelist map[string]WhitelistEntry `yaml:"whitelist"`

	TestCommand     string `yaml:"test_command"`
	DeployCommand   string `yaml:"deploy_command"`
	TestTimeout     string `yaml:"test_timeout"`
	DeployTimeout   string `yaml:"deploy_timeout"`
	VerifyTimeout   string `yaml:"verify_timeout"`
	ConfirmTTL      string `yaml:"confirm_ttl"`
	HistoryCap      int    `yaml:"history_cap"`
	AuditCap        int    `yaml:"audit_cap"`
	OutputLimit     int    `yaml:"output_limit"`      // chars delivered to chat
	VerifySettle    string `yaml:"verify_settle"`     // delay before probing preview URLs
	SimulateOffHost bool   `yaml:"simulate_off_host"` // force dev mode regardless of platform probe
}

// WhitelistEntry describes one allowed subprocess command.
type WhitelistEntry struct {
	Timeout              string `yaml:"timeout"`
	RequiresConfirmation bool   `yaml:"requires_confirmation"`
	Description          string `yaml:"description"`
}

// ProviderConfig configures the AI provider adapter.
type ProviderConfig struct {
	APIKey          string `yaml:"api_key"` // overridden by ANTHROPIC_API_KEY
	Model           string `yaml:"model"`
	ClassifyModel   string `yaml:"classify_model"`
	ClassifyTimeout string `yaml:"classify_timeout"`
	MaxRetries      int    `yaml:"max_retries"`
}

// CostConfig configures the cost tracker.
type CostConfig struct {
	RingCap int `yaml:"ring_cap"`
	// Budget is the monthly budget in USD; zero means no budget set.
	Budget float64 `yaml:"budget"`
	// Rates maps provider -> model -> per-million-token USD rates.
	Rates map[string]map[string]Rate `yaml:"rates"`
}

// Rate holds per-million-token pricing for one model.
type Rate struct {
	InputPerM  float64 `yaml:"input_per_m"`
	OutputPerM float64 `yaml:"output_per_m"`
}

// SkillsConfig configures skill discovery.
type SkillsConfig struct {
	Dir        string `yaml:"dir"`         // one subdirectory per skill
	ConfigPath string `yaml:"config_path"` // enabled/disabled/config JSON
	HotReload  bool   `yaml:"hot_reload"`
}

// GitHubConfig configures the source-control adapter.
type GitHubConfig struct {
	Token          string   `yaml:"token"` // overridden by GITHUB_TOKEN
	Owner          string   `yaml:"owner"`
	MonitoredRepos []string `yaml:"monitored_repos"`
	WebhookSecret  string   `yaml:"webhook_secret"`
	WebhookListen  string   `yaml:"webhook_listen"` // e.g. ":8090"; empty disables ingress
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level      string          `yaml:"level"` // debug, info, warn, error
	JSONFormat bool            `yaml:"json_format"`
	Categories map[string]bool `yaml:"categories"`
}

// CompanyCodes are the company contexts a chat can be registered against.
var CompanyCodes = []string{"GMH", "GACC", "GCAP", "GQCARS", "GSPV"}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:     "clawd",
		Version:  "1.0.0",
		Timezone: "Europe/London",

		Chat: ChatConfig{
			Platform: "slack",
		},

		Store: StoreConfig{
			DatabasePath:          ".clawd/clawd.db",
			ConversationRetention: 200,
			AudioDir:              ".clawd/audio",
		},

		Router: RouterConfig{
			AmbiguityThreshold:     0.5,
			ClarificationThreshold: 0.3,
			AITimeoutMs:            5000,
			CacheMaxSize:           500,
			CacheMaxAgeMs:          300_000,
			Weights: ConfidenceWeights{
				KeywordMatch: 0.4,
				ContextMatch: 0.3,
				HistoryMatch: 0.2,
				Specificity:  0.1,
			},
		},

		Scheduler: SchedulerConfig{
			Workers:      4,
			TickInterval: "15s",
			DigestCron:   "0 9 * * *",
		},

		Pipeline: PipelineConfig{
			Projects:   map[string]string{},
			HealthURLs: map[string]string{},
			Whitelist: map[string]WhitelistEntry{
				"npm":    {Timeout: "180s", Description: "npm test / npm run build"},
				"git":    {Timeout: "60s", Description: "git operations"},
				"vercel": {Timeout: "180s", RequiresConfirmation: true, Description: "vercel deploys"},
				"node":   {Timeout: "120s", Description: "node scripts"},
				"npx":    {Timeout: "120s", Description: "npx runners"},
			},
			TestCommand:   "npm test",
			DeployCommand: "vercel --prod --yes",
			TestTimeout:   "180s",
			DeployTimeout: "180s",
			VerifyTimeout: "15s",
			ConfirmTTL:    "5m",
			HistoryCap:    50,
			AuditCap:      100,
			OutputLimit:   2500,
			VerifySettle:  "3s",
		},

		Provider: ProviderConfig{
			Model:           "claude-sonnet-4-20250514",
			ClassifyModel:   "claude-3-5-haiku-latest",
			ClassifyTimeout: "5s",
			MaxRetries:      2,
		},

		Cost: CostConfig{
			RingCap: 1000,
			Rates: map[string]map[string]Rate{
				"anthropic": {
					"claude-sonnet-4-20250514": {InputPerM: 3.00, OutputPerM: 15.00},
					"claude-3-5-haiku-latest":  {InputPerM: 0.80, OutputPerM: 4.00},
				},
				"groq": {
					"whisper-large-v3": {InputPerM: 0.05, OutputPerM: 0.05},
				},
			},
		},

		Skills: SkillsConfig{
			Dir:        "skills",
			ConfigPath: "skills/skills.json",
			HotReload:  true,
		},

		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from path, layering file values over defaults
// and environment overrides over both. A missing file is not an error;
// defaults apply.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
			}
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides lets credentials and a few paths come from the
// environment so they stay out of the YAML file.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("SLACK_BOT_TOKEN"); v != "" {
		c.Chat.Token = v
	}
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" {
		c.Provider.APIKey = v
	}
	if v := os.Getenv("GITHUB_TOKEN"); v != "" {
		c.GitHub.Token = v
	}
	if v := os.Getenv("GITHUB_WEBHOOK_SECRET"); v != "" {
		c.GitHub.WebhookSecret = v
	}
	if v := os.Getenv("CLAWD_DB_PATH"); v != "" {
		c.Store.DatabasePath = v
	}
	if v := os.Getenv("CLAWD_TIMEZONE"); v != "" {
		c.Timezone = v
	}
}

// Validate rejects out-of-range tunables up front so the runtime never
// starts with values the live-tuning surface would refuse.
func (c *Config) Validate() error {
	r := &c.Router
	if r.AmbiguityThreshold < 0 || r.AmbiguityThreshold > 1 {
		return fmt.Errorf("router.ambiguity_threshold %v out of range [0,1]", r.AmbiguityThreshold)
	}
	if r.ClarificationThreshold < 0 || r.ClarificationThreshold > 1 {
		return fmt.Errorf("router.clarification_threshold %v out of range [0,1]", r.ClarificationThreshold)
	}
	if r.AITimeoutMs < 500 || r.AITimeoutMs > 30000 {
		return fmt.Errorf("router.ai_timeout_ms %d out of range [500,30000]", r.AITimeoutMs)
	}
	if r.CacheMaxSize < 10 || r.CacheMaxSize > 10000 {
		return fmt.Errorf("router.cache_max_size %d out of range [10,10000]", r.CacheMaxSize)
	}
	if r.CacheMaxAgeMs < 0 || r.CacheMaxAgeMs > 3_600_000 {
		return fmt.Errorf("router.cache_max_age_ms %d out of range [0,3600000]", r.CacheMaxAgeMs)
	}

	if c.Scheduler.Workers < 1 {
		return fmt.Errorf("scheduler.workers must be at least 1, got %d", c.Scheduler.Workers)
	}

	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("invalid timezone %q: %w", c.Timezone, err)
	}

	for _, d := range []struct {
		name, val string
	}{
		{"scheduler.tick_interval", c.Scheduler.TickInterval},
		{"pipeline.test_timeout", c.Pipeline.TestTimeout},
		{"pipeline.deploy_timeout", c.Pipeline.DeployTimeout},
		{"pipeline.verify_timeout", c.Pipeline.VerifyTimeout},
		{"pipeline.confirm_ttl", c.Pipeline.ConfirmTTL},
		{"provider.classify_timeout", c.Provider.ClassifyTimeout},
	} {
		if _, err := time.ParseDuration(d.val); err != nil {
			return fmt.Errorf("invalid duration for %s: %q", d.name, d.val)
		}
	}

	return nil
}

// Location returns the configured timezone location. Validate has already
// checked it parses.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Duration parses one of the validated duration fields, falling back
// to def when the field is empty or unparseable.
func Duration(s string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

// EnsureDirs creates the writable directories the store and meeting
// recorder need before first use.
func (c *Config) EnsureDirs() error {
	for _, dir := range []string{filepath.Dir(c.Store.DatabasePath), c.Store.AudioDir} {
		if dir == "" || dir == "." {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}
