// Package config loads and validates prospectd configuration.
// Config is read once at boot from a YAML file; API keys may be supplied
// through the environment instead of the file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all prospectd configuration.
type Config struct {
	// Data directory for the SQLite database, model snapshots and logs
	DataDir string `yaml:"data_dir"`

	// Campaign context fed to the oracle
	Campaign CampaignConfig `yaml:"campaign"`

	// Action rate ceilings
	Limits LimitsConfig `yaml:"limits"`

	// Daemon scheduling
	Schedule ScheduleConfig `yaml:"schedule"`

	// Active-learning qualifier
	Qualifier QualifierConfig `yaml:"qualifier"`

	// Embedding engine
	Embedding EmbeddingConfig `yaml:"embedding"`

	// LLM oracle
	Oracle OracleConfig `yaml:"oracle"`

	// Browser automation
	Browser BrowserConfig `yaml:"browser"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// CampaignConfig describes the outreach campaign the oracle reasons about.
type CampaignConfig struct {
	Name             string `yaml:"name"`
	ProductDocs      string `yaml:"product_docs"`
	Objective        string `yaml:"objective"`
	FollowUpTemplate string `yaml:"follow_up_template"`
	BookingLink      string `yaml:"booking_link"`
	FollowUpExisting bool   `yaml:"follow_up_existing_connections"`
	KeywordBatchSize int    `yaml:"keyword_batch_size"`
}

// LimitsConfig configures daily/weekly action ceilings.
type LimitsConfig struct {
	ConnectDaily  int `yaml:"connect_daily"`
	ConnectWeekly int `yaml:"connect_weekly"`
	FollowUpDaily int `yaml:"follow_up_daily"`
}

// ScheduleConfig configures lane cadence.
type ScheduleConfig struct {
	// Base interval for the connect and follow-up lanes
	ActionInterval string `yaml:"action_interval"`

	// Base re-check interval for pending profiles (also the backoff base)
	PendingRecheckHours float64 `yaml:"pending_recheck_hours"`

	// Floor for the gap-filler pace
	MinGapInterval string `yaml:"min_gap_interval"`

	// Jitter bounds applied to every reschedule
	JitterLow  float64 `yaml:"jitter_low"`
	JitterHigh float64 `yaml:"jitter_high"`

	// Active-hours window, "HH:MM" local time. Empty disables the gate.
	WorkingHoursStart string `yaml:"working_hours_start"`
	WorkingHoursEnd   string `yaml:"working_hours_end"`

	// Search lane refill floor: search only runs when fewer enriched
	// profiles than this are awaiting qualification
	MinQualifiablePool int `yaml:"min_qualifiable_pool"`
}

// QualifierConfig configures the active-learning model and its gate.
type QualifierConfig struct {
	EntropyThreshold float64 `yaml:"entropy_threshold"`
	StdCeiling       float64 `yaml:"std_ceiling"`
	AcceptProb       float64 `yaml:"accept_prob"`
	MCSamples        int     `yaml:"mc_samples"`
	EmbeddingDim     int     `yaml:"embedding_dim"`

	// Candidate reduced dimensions for the per-refit CV search
	PCADims []int `yaml:"pca_dims"`

	Seed int64 `yaml:"seed"`
}

// EmbeddingConfig configures the embedding engine.
type EmbeddingConfig struct {
	Provider string `yaml:"provider"` // genai or ollama

	OllamaEndpoint string `yaml:"ollama_endpoint"`
	OllamaModel    string `yaml:"ollama_model"`

	GenAIAPIKey string `yaml:"genai_api_key"`
	GenAIModel  string `yaml:"genai_model"`
}

// OracleConfig configures the LLM judgment service.
type OracleConfig struct {
	APIKey  string `yaml:"api_key"`
	Model   string `yaml:"model"`
	Timeout string `yaml:"timeout"`
}

// BrowserConfig configures the rod browser executor.
type BrowserConfig struct {
	BaseURL             string `yaml:"base_url"`
	Headless            bool   `yaml:"headless"`
	CookiesPath         string `yaml:"cookies_path"`
	NavigationTimeoutMs int    `yaml:"navigation_timeout_ms"`
	MinDelayMs          int    `yaml:"min_delay_ms"`
	MaxDelayMs          int    `yaml:"max_delay_ms"`
}

// LoggingConfig configures categorized file logging.
type LoggingConfig struct {
	DebugMode  bool            `yaml:"debug_mode"`
	Level      string          `yaml:"level"` // debug, info, warn, error
	Categories map[string]bool `yaml:"categories"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		DataDir: ".prospectd",

		Campaign: CampaignConfig{
			KeywordBatchSize: 10,
		},

		Limits: LimitsConfig{
			ConnectDaily:  20,
			ConnectWeekly: 100,
			FollowUpDaily: 30,
		},

		Schedule: ScheduleConfig{
			ActionInterval:      "120s",
			PendingRecheckHours: 24,
			MinGapInterval:      "1s",
			JitterLow:           0.8,
			JitterHigh:          1.2,
			WorkingHoursStart:   "09:00",
			WorkingHoursEnd:     "18:00",
			MinQualifiablePool:  50,
		},

		Qualifier: QualifierConfig{
			EntropyThreshold: 0.3,
			StdCeiling:       0.8,
			AcceptProb:       0.8,
			MCSamples:        100,
			EmbeddingDim:     768,
			PCADims:          []int{2, 4, 8, 16},
			Seed:             42,
		},

		Embedding: EmbeddingConfig{
			Provider:       "ollama",
			OllamaEndpoint: "http://localhost:11434",
			OllamaModel:    "embeddinggemma",
			GenAIModel:     "gemini-embedding-001",
		},

		Oracle: OracleConfig{
			Model:   "gemini-2.5-flash",
			Timeout: "60s",
		},

		Browser: BrowserConfig{
			BaseURL:             "https://www.linkedin.com",
			Headless:            false,
			NavigationTimeoutMs: 30000,
			MinDelayMs:          5000,
			MaxDelayMs:          8000,
		},

		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads a YAML config file, applies defaults for missing values, then
// environment overrides for secrets. A missing file is not an error: the
// defaults are returned.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnv()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv applies environment variable overrides for secrets.
func (c *Config) applyEnv() {
	if key := os.Getenv("PROSPECTD_ORACLE_API_KEY"); key != "" {
		c.Oracle.APIKey = key
	}
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		if c.Oracle.APIKey == "" {
			c.Oracle.APIKey = key
		}
		if c.Embedding.GenAIAPIKey == "" {
			c.Embedding.GenAIAPIKey = key
		}
	}
}

// Validate checks the configuration for internally inconsistent values.
func (c *Config) Validate() error {
	if c.Schedule.JitterLow <= 0 || c.Schedule.JitterHigh < c.Schedule.JitterLow {
		return fmt.Errorf("invalid jitter bounds [%v, %v]", c.Schedule.JitterLow, c.Schedule.JitterHigh)
	}
	if c.Qualifier.EntropyThreshold <= 0 {
		return fmt.Errorf("entropy_threshold must be positive, got %v", c.Qualifier.EntropyThreshold)
	}
	if c.Qualifier.AcceptProb <= 0.5 || c.Qualifier.AcceptProb > 1 {
		return fmt.Errorf("accept_prob must be in (0.5, 1], got %v", c.Qualifier.AcceptProb)
	}
	if c.Qualifier.MCSamples <= 0 {
		return fmt.Errorf("mc_samples must be positive, got %d", c.Qualifier.MCSamples)
	}
	if c.Qualifier.EmbeddingDim <= 0 {
		return fmt.Errorf("embedding_dim must be positive, got %d", c.Qualifier.EmbeddingDim)
	}
	if c.Schedule.PendingRecheckHours <= 0 {
		return fmt.Errorf("pending_recheck_hours must be positive, got %v", c.Schedule.PendingRecheckHours)
	}
	if _, err := c.ActionInterval(); err != nil {
		return err
	}
	if _, err := c.MinGapInterval(); err != nil {
		return err
	}
	if _, err := c.OracleTimeout(); err != nil {
		return err
	}
	return nil
}

// ActionInterval returns the parsed scheduled-lane base interval.
func (c *Config) ActionInterval() (time.Duration, error) {
	return parseDuration("schedule.action_interval", c.Schedule.ActionInterval, 120*time.Second)
}

// MinGapInterval returns the parsed gap-filler floor interval.
func (c *Config) MinGapInterval() (time.Duration, error) {
	return parseDuration("schedule.min_gap_interval", c.Schedule.MinGapInterval, time.Second)
}

// OracleTimeout returns the parsed oracle call timeout.
func (c *Config) OracleTimeout() (time.Duration, error) {
	return parseDuration("oracle.timeout", c.Oracle.Timeout, 60*time.Second)
}

// DatabasePath returns the SQLite database location under the data dir.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "prospectd.db")
}

// SnapshotPath returns the qualifier model snapshot location.
func (c *Config) SnapshotPath() string {
	return filepath.Join(c.DataDir, "qualifier.json")
}

func parseDuration(field, value string, fallback time.Duration) (time.Duration, error) {
	if value == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", field, value, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s must be positive, got %v", field, d)
	}
	return d, nil
}
