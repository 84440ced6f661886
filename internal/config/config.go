package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/Veraticus/spendlot/internal/common"
	"github.com/spf13/viper"
)

// Config is the complete runtime configuration.
type Config struct {
	Vision       VisionConfig
	Gmail        GmailConfig
	Plaid        PlaidConfig
	RateLimits   map[string]float64 // Requests per minute keyed by provider name
	Database     DatabaseConfig
	Normalize    NormalizeConfig
	Categorize   CategorizeConfig
	Metrics      MetricsConfig
	Dedup        DedupConfig
	Breaker      BreakerConfig
	Scheduler    SchedulerConfig
	Orchestrator OrchestratorConfig
}

// DatabaseConfig locates the sqlite database.
type DatabaseConfig struct {
	Path string
}

// NormalizeConfig controls evidence normalization.
type NormalizeConfig struct {
	DefaultCurrency string
}

// DedupConfig controls identity resolution.
type DedupConfig struct {
	Window              time.Duration
	UnknownDateLookback time.Duration
	Threshold           float64
	TipTolerancePercent float64
}

// CategorizeConfig controls categorization.
type CategorizeConfig struct {
	DefaultCategory string
}

// OrchestratorConfig controls the worker pool and retries.
type OrchestratorConfig struct {
	PollInterval time.Duration
	BackoffBase  time.Duration
	BackoffMax   time.Duration
	Workers      int
	MaxAttempts  int
}

// BreakerConfig controls circuit breakers.
type BreakerConfig struct {
	Window    time.Duration
	Cooldown  time.Duration
	Threshold int
}

// SchedulerConfig controls periodic polling.
type SchedulerConfig struct {
	MailInterval  time.Duration
	BankInterval  time.Duration
	SweepInterval time.Duration
	SweepAge      time.Duration

	RecategorizeInterval time.Duration
}

// MetricsConfig controls the prometheus endpoint.
type MetricsConfig struct {
	Addr string
}

// VisionConfig holds Cloud Vision credentials.
type VisionConfig struct {
	APIKey          string
	CredentialsFile string
}

// GmailConfig holds Gmail OAuth client settings.
type GmailConfig struct {
	ClientID     string
	ClientSecret string
	TokenFile    string
}

// PlaidConfig holds Plaid credentials.
type PlaidConfig struct {
	ClientID    string
	Secret      string
	Environment string
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	dir := DefaultDir()
	return Config{
		Database:   DatabaseConfig{Path: filepath.Join(dir, "spendlot.db")},
		Normalize:  NormalizeConfig{DefaultCurrency: "USD"},
		Categorize: CategorizeConfig{DefaultCategory: "Uncategorized"},
		Dedup: DedupConfig{
			Window:              72 * time.Hour,
			UnknownDateLookback: 30 * 24 * time.Hour,
			Threshold:           0.7,
			TipTolerancePercent: 25,
		},
		Orchestrator: OrchestratorConfig{
			Workers:      4,
			PollInterval: time.Second,
			MaxAttempts:  5,
			BackoffBase:  30 * time.Second,
			BackoffMax:   time.Hour,
		},
		Breaker: BreakerConfig{
			Threshold: 5,
			Window:    5 * time.Minute,
			Cooldown:  2 * time.Minute,
		},
		Scheduler: SchedulerConfig{
			MailInterval:         15 * time.Minute,
			BankInterval:         6 * time.Hour,
			SweepInterval:        5 * time.Minute,
			SweepAge:             10 * time.Minute,
			RecategorizeInterval: 24 * time.Hour,
		},
		RateLimits: map[string]float64{
			"vision": 600,
			"gmail":  250,
			"plaid":  100,
		},
		Metrics: MetricsConfig{Addr: ":9464"},
		Gmail:   GmailConfig{TokenFile: filepath.Join(dir, "gmail_token.json")},
		Plaid:   PlaidConfig{Environment: "sandbox"},
	}
}

// Load reads configuration from v on top of the defaults.
// Provider credentials fall back to their conventional environment variables.
func Load(v *viper.Viper) (Config, error) {
	cfg := Default()

	setString(v, "database.path", &cfg.Database.Path)
	cfg.Database.Path = ExpandPath(cfg.Database.Path)
	setString(v, "normalize.default_currency", &cfg.Normalize.DefaultCurrency)
	setString(v, "categorize.default_category", &cfg.Categorize.DefaultCategory)

	setDuration(v, "dedup.window", &cfg.Dedup.Window)
	setDuration(v, "dedup.unknown_date_lookback", &cfg.Dedup.UnknownDateLookback)
	setFloat(v, "dedup.threshold", &cfg.Dedup.Threshold)
	setFloat(v, "dedup.tip_tolerance_percent", &cfg.Dedup.TipTolerancePercent)

	setInt(v, "orchestrator.workers", &cfg.Orchestrator.Workers)
	setDuration(v, "orchestrator.poll_interval", &cfg.Orchestrator.PollInterval)
	setInt(v, "orchestrator.max_attempts", &cfg.Orchestrator.MaxAttempts)
	setDuration(v, "orchestrator.backoff_base", &cfg.Orchestrator.BackoffBase)
	setDuration(v, "orchestrator.backoff_max", &cfg.Orchestrator.BackoffMax)

	setInt(v, "breaker.threshold", &cfg.Breaker.Threshold)
	setDuration(v, "breaker.window", &cfg.Breaker.Window)
	setDuration(v, "breaker.cooldown", &cfg.Breaker.Cooldown)

	setDuration(v, "scheduler.mail_interval", &cfg.Scheduler.MailInterval)
	setDuration(v, "scheduler.bank_interval", &cfg.Scheduler.BankInterval)
	setDuration(v, "scheduler.sweep_interval", &cfg.Scheduler.SweepInterval)
	setDuration(v, "scheduler.sweep_age", &cfg.Scheduler.SweepAge)
	setDuration(v, "scheduler.recategorize_interval", &cfg.Scheduler.RecategorizeInterval)

	for key, value := range v.GetStringMap("ratelimit") {
		rpm, err := toFloat(value)
		if err != nil {
			return cfg, fmt.Errorf("%w: ratelimit.%s: %v", common.ErrInvalidConfig, key, err)
		}
		cfg.RateLimits[key] = rpm
	}

	setString(v, "metrics.addr", &cfg.Metrics.Addr)

	setString(v, "vision.api_key", &cfg.Vision.APIKey)
	setString(v, "vision.credentials_file", &cfg.Vision.CredentialsFile)
	if cfg.Vision.CredentialsFile == "" {
		cfg.Vision.CredentialsFile = os.Getenv("GOOGLE_APPLICATION_CREDENTIALS")
	}
	cfg.Vision.CredentialsFile = ExpandPath(cfg.Vision.CredentialsFile)

	setString(v, "gmail.client_id", &cfg.Gmail.ClientID)
	setString(v, "gmail.client_secret", &cfg.Gmail.ClientSecret)
	setString(v, "gmail.token_file", &cfg.Gmail.TokenFile)
	cfg.Gmail.TokenFile = ExpandPath(cfg.Gmail.TokenFile)

	setString(v, "plaid.client_id", &cfg.Plaid.ClientID)
	setString(v, "plaid.secret", &cfg.Plaid.Secret)
	setString(v, "plaid.environment", &cfg.Plaid.Environment)
	if cfg.Plaid.ClientID == "" {
		cfg.Plaid.ClientID = os.Getenv("PLAID_CLIENT_ID")
	}
	if cfg.Plaid.Secret == "" {
		cfg.Plaid.Secret = os.Getenv("PLAID_SECRET")
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks values that would make the engines misbehave.
func (c Config) Validate() error {
	switch {
	case c.Database.Path == "":
		return fmt.Errorf("%w: database.path is required", common.ErrInvalidConfig)
	case c.Dedup.Window <= 0:
		return fmt.Errorf("%w: dedup.window must be positive", common.ErrInvalidConfig)
	case c.Dedup.Threshold <= 0 || c.Dedup.Threshold > 1:
		return fmt.Errorf("%w: dedup.threshold must be in (0, 1]", common.ErrInvalidConfig)
	case c.Dedup.TipTolerancePercent < 0:
		return fmt.Errorf("%w: dedup.tip_tolerance_percent must not be negative", common.ErrInvalidConfig)
	case c.Orchestrator.Workers < 1:
		return fmt.Errorf("%w: orchestrator.workers must be at least 1", common.ErrInvalidConfig)
	case c.Orchestrator.MaxAttempts < 1:
		return fmt.Errorf("%w: orchestrator.max_attempts must be at least 1", common.ErrInvalidConfig)
	case c.Orchestrator.BackoffBase <= 0 || c.Orchestrator.BackoffMax < c.Orchestrator.BackoffBase:
		return fmt.Errorf("%w: orchestrator backoff must satisfy 0 < base <= max", common.ErrInvalidConfig)
	case c.Breaker.Threshold < 1:
		return fmt.Errorf("%w: breaker.threshold must be at least 1", common.ErrInvalidConfig)
	case c.Breaker.Window <= 0 || c.Breaker.Cooldown <= 0:
		return fmt.Errorf("%w: breaker window and cooldown must be positive", common.ErrInvalidConfig)
	}
	return nil
}

func setString(v *viper.Viper, key string, dst *string) {
	if v.IsSet(key) {
		if s := v.GetString(key); s != "" {
			*dst = s
		}
	}
}

func setInt(v *viper.Viper, key string, dst *int) {
	if v.IsSet(key) {
		*dst = v.GetInt(key)
	}
}

func setFloat(v *viper.Viper, key string, dst *float64) {
	if v.IsSet(key) {
		*dst = v.GetFloat64(key)
	}
}

func setDuration(v *viper.Viper, key string, dst *time.Duration) {
	if v.IsSet(key) {
		*dst = v.GetDuration(key)
	}
}

func toFloat(value any) (float64, error) {
	switch n := value.(type) {
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case float64:
		return n, nil
	case string:
		var f float64
		if _, err := fmt.Sscanf(n, "%g", &f); err != nil {
			return 0, fmt.Errorf("not a number: %q", n)
		}
		return f, nil
	}
	return 0, fmt.Errorf("unsupported value %v", value)
}
