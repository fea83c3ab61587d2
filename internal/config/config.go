package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/zaclake/book-writer-automated-platform-sub007/pkg/icron"
	"github.com/zaclake/book-writer-automated-platform-sub007/pkg/log"
)

// Config holds all application configuration.
// Values come from environment variables with sensible defaults.
//
// Environment Variables:
// Store:
// - DB_DRIVER: sqlite, postgres or memory (default: sqlite)
// - DB_PATH: SQLite file (default: $DATA_DIR/jobs.db)
// - DB_DSN: PostgreSQL connection string (required for postgres)
//
// Scheduler:
// - WORKERS: worker pool size (default: 2)
// - MAX_QUEUED: jobs admitted to the ready queue at once (default: 100)
// - MAX_RESIDENT: terminal jobs kept in memory (default: 1000)
//
// Executor:
// - CALL_TIMEOUT: per provider call timeout (default: 2m)
// - RETRY_MAX_ATTEMPTS, RETRY_BASE_DELAY, RETRY_MAX_DELAY: transient retry policy
//
// LLM:
// - LLM_API_KEY (required), LLM_API_URL, LLM_MODEL, LLM_MAX_TOKENS,
//   LLM_TEMPERATURE, LLM_TIMEOUT, LLM_PRICE_PER_1K_TOKENS,
//   LLM_SITE_URL, LLM_APP_NAME, LLM_SCORE_CATEGORIES
//
// Budget:
// - BUDGET_PER_JOB: spend cap per job, 0 disables the cap (default: 0)
//
// Redis:
// - REDIS_ADDR (publishing is off when empty), REDIS_PASSWORD, REDIS_DB,
//   REDIS_CHANNEL_PREFIX (default: jobs)
//
// Retention:
// - RETENTION_CRON: sweep schedule (default: 0 3 * * *)
// - RETENTION_AGE: terminal job age before removal, 0 disables (default: 720h)
//
// System:
// - HTTP_ADDR (default: :8080), DATA_DIR (default: /app/data),
//   JOB_DEFAULTS_FILE, LOG_LEVEL, LOG_FORMAT
type Config struct {
	Store     StoreConfig     `json:"store"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Executor  ExecutorConfig  `json:"executor"`
	LLM       LLMConfig       `json:"llm"`
	Budget    BudgetConfig    `json:"budget"`
	Redis     RedisConfig     `json:"redis"`
	Retention RetentionConfig `json:"retention"`
	HTTP      HTTPConfig      `json:"http"`
	Log       LogConfig       `json:"log"`
	System    SystemConfig    `json:"system"`
}

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

type StoreConfig struct {
	Driver string `json:"driver"`
	Path   string `json:"path"`
	DSN    string `json:"-"`
}

type SchedulerConfig struct {
	Workers     int `json:"workers"`
	MaxQueued   int `json:"max_queued"`
	MaxResident int `json:"max_resident"`
}

type ExecutorConfig struct {
	CallTimeout      time.Duration `json:"call_timeout"`
	RetryMaxAttempts int           `json:"retry_max_attempts"`
	RetryBaseDelay   time.Duration `json:"retry_base_delay"`
	RetryMaxDelay    time.Duration `json:"retry_max_delay"`
}

// LLMConfig holds the configuration for the chat completions provider.
// Supports any OpenAI-compatible endpoint (OpenRouter, OpenAI, ...).
type LLMConfig struct {
	APIKey          string   `json:"-"`
	APIURL          string   `json:"api_url"`
	Model           string   `json:"model"`
	MaxTokens       int      `json:"max_tokens"`
	Temperature     float64  `json:"temperature"`
	Timeout         int      `json:"timeout"`
	PricePer1KToken float64  `json:"price_per_1k_tokens"`
	SiteURL         string   `json:"site_url"`
	AppName         string   `json:"app_name"`
	ScoreCategories []string `json:"score_categories"`
}

type BudgetConfig struct {
	PerJob float64 `json:"per_job"`
}

type RedisConfig struct {
	Addr          string `json:"addr"`
	Password      string `json:"-"`
	DB            int    `json:"db"`
	ChannelPrefix string `json:"channel_prefix"`
	Buffer        int    `json:"buffer"`
}

func (c RedisConfig) Enabled() bool { return strings.TrimSpace(c.Addr) != "" }

type RetentionConfig struct {
	CronExpr string        `json:"cron_expr"`
	MaxAge   time.Duration `json:"max_age"`
}

func (c RetentionConfig) Enabled() bool { return c.MaxAge > 0 }

type HTTPConfig struct {
	Addr           string        `json:"addr"`
	RequestTimeout time.Duration `json:"request_timeout"`
}

type LogConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
}

type SystemConfig struct {
	DataDir         string `json:"data_dir"`
	JobDefaultsFile string `json:"job_defaults_file"`
}

// DBPath returns the SQLite file, defaulting to jobs.db in the data directory.
func (c *Config) DBPath() string {
	if strings.TrimSpace(c.Store.Path) != "" {
		return c.Store.Path
	}
	return filepath.Join(c.System.DataDir, "jobs.db")
}

// Option is a function type for configuring Config
type Option func(*Config)

// NewFromEnv creates a new Config instance with values from environment variables and options
func NewFromEnv(opts ...Option) (*Config, error) {
	config := &Config{
		Store: StoreConfig{
			Driver: strings.ToLower(getEnvString("DB_DRIVER", DriverSQLite)),
			Path:   getEnvString("DB_PATH", ""),
			DSN:    getEnvString("DB_DSN", ""),
		},
		Scheduler: SchedulerConfig{
			Workers:     getEnvInt("WORKERS", 2),
			MaxQueued:   getEnvInt("MAX_QUEUED", 100),
			MaxResident: getEnvInt("MAX_RESIDENT", 1000),
		},
		Executor: ExecutorConfig{
			CallTimeout:      getEnvDuration("CALL_TIMEOUT", 2*time.Minute),
			RetryMaxAttempts: getEnvInt("RETRY_MAX_ATTEMPTS", 3),
			RetryBaseDelay:   getEnvDuration("RETRY_BASE_DELAY", time.Second),
			RetryMaxDelay:    getEnvDuration("RETRY_MAX_DELAY", 30*time.Second),
		},
		LLM: LLMConfig{
			APIKey:          getEnvString("LLM_API_KEY", ""),
			APIURL:          getEnvString("LLM_API_URL", "https://openrouter.ai/api/v1"),
			Model:           getEnvString("LLM_MODEL", "openai/gpt-4o-mini"),
			MaxTokens:       getEnvInt("LLM_MAX_TOKENS", 4000),
			Temperature:     getEnvFloat("LLM_TEMPERATURE", 0.7),
			Timeout:         getEnvInt("LLM_TIMEOUT", 120),
			PricePer1KToken: getEnvFloat("LLM_PRICE_PER_1K_TOKENS", 0.002),
			SiteURL:         getEnvString("LLM_SITE_URL", ""),
			AppName:         getEnvString("LLM_APP_NAME", ""),
			ScoreCategories: getEnvList("LLM_SCORE_CATEGORIES"),
		},
		Budget: BudgetConfig{
			PerJob: getEnvFloat("BUDGET_PER_JOB", 0),
		},
		Redis: RedisConfig{
			Addr:          getEnvString("REDIS_ADDR", ""),
			Password:      getEnvString("REDIS_PASSWORD", ""),
			DB:            getEnvInt("REDIS_DB", 0),
			ChannelPrefix: getEnvString("REDIS_CHANNEL_PREFIX", "jobs"),
			Buffer:        getEnvInt("REDIS_BUFFER", 256),
		},
		Retention: RetentionConfig{
			CronExpr: getEnvString("RETENTION_CRON", "0 3 * * *"),
			MaxAge:   getEnvDuration("RETENTION_AGE", 30*24*time.Hour),
		},
		HTTP: HTTPConfig{
			Addr:           getEnvString("HTTP_ADDR", ":8080"),
			RequestTimeout: getEnvDuration("HTTP_REQUEST_TIMEOUT", 60*time.Second),
		},
		Log: LogConfig{
			Level:  strings.ToLower(getEnvString("LOG_LEVEL", "info")),
			Format: strings.ToLower(getEnvString("LOG_FORMAT", "text")),
		},
		System: SystemConfig{
			DataDir:         getEnvString("DATA_DIR", "/app/data"),
			JobDefaultsFile: getEnvString("JOB_DEFAULTS_FILE", ""),
		},
	}

	// Apply custom options
	for _, opt := range opts {
		opt(config)
	}

	// Validate required configuration
	if err := config.validate(); err != nil {
		return nil, err
	}

	log.Info("Config: store=%s workers=%d model=%s budget=%.2f redis=%t retention=%s",
		config.Store.Driver, config.Scheduler.Workers, config.LLM.Model,
		config.Budget.PerJob, config.Redis.Enabled(), config.Retention.MaxAge)
	return config, nil
}

// validate checks if all required configuration is properly set
func (c *Config) validate() error {
	if c.LLM.APIKey == "" {
		return fmt.Errorf("LLM_API_KEY is required")
	}
	switch c.Store.Driver {
	case DriverSQLite, DriverMemory:
	case DriverPostgres:
		if strings.TrimSpace(c.Store.DSN) == "" {
			return fmt.Errorf("DB_DSN is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown DB_DRIVER %q", c.Store.Driver)
	}
	if c.Scheduler.Workers < 1 {
		return fmt.Errorf("WORKERS must be at least 1")
	}
	if c.Scheduler.MaxQueued < 1 {
		return fmt.Errorf("MAX_QUEUED must be at least 1")
	}
	if c.Executor.CallTimeout <= 0 {
		return fmt.Errorf("CALL_TIMEOUT must be positive")
	}
	if c.Executor.RetryMaxAttempts < 1 {
		return fmt.Errorf("RETRY_MAX_ATTEMPTS must be at least 1")
	}
	if c.Budget.PerJob < 0 {
		return fmt.Errorf("BUDGET_PER_JOB must not be negative")
	}
	if c.Retention.Enabled() {
		if _, err := icron.Parse(c.Retention.CronExpr); err != nil {
			return fmt.Errorf("invalid RETENTION_CRON: %w", err)
		}
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("unknown LOG_LEVEL %q", c.Log.Level)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("unknown LOG_FORMAT %q", c.Log.Format)
	}
	return nil
}

// getEnvString gets a string value from environment variables with default
func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt gets an integer value from environment variables with default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvFloat gets a float value from environment variables with default
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go durations ("90s") or plain seconds.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}

// getEnvList splits a comma separated value, dropping blanks.
func getEnvList(key string) []string {
	raw := os.Getenv(key)
	if raw == "" {
		return nil
	}
	ret := make([]string, 0)
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			ret = append(ret, part)
		}
	}
	return ret
}
