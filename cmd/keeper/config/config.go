// Package config provides configuration parsing for the keeper daemon.
//
// It handles both command-line flags and environment variables, with flags taking
// precedence over environment variables. A .env file in the working directory (or
// the file named by KEEPER_ENV_FILE) is loaded before flags are parsed, so its
// values act as environment fallbacks.
//
// Supported configuration sources (in order of precedence):
//  1. Command-line flags
//  2. Environment variables (including .env)
//  3. Default values
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/HatiCode/modelkeeper/pkg/scheduler"
	"github.com/HatiCode/modelkeeper/pkg/trigger"
)

// Backend names.
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendFile     = "file"
	BackendHTTP     = "http"
	BackendNone     = "none"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

// StageConfig selects how one pipeline stage is executed. Exactly one of
// Command and URL is set.
type StageConfig struct {
	Name    string
	Command string
	URL     string
}

// Config holds all keeper configuration.
type Config struct {
	Listen          string
	LogFormat       string
	LogLevel        string
	LogFile         string
	ShutdownTimeout time.Duration
	HTTPTimeout     time.Duration

	ArtifactRoot    string
	HoldoutPath     string
	BackupRetention int

	StateBackend  string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	KeyPrefix     string

	TradeSource    string
	TradeKey       string
	TradeURL       string
	TradeCountPath string

	ReportBackend string
	ReportDSN     string
	ReportHistory int

	LockBackend string
	LockFile    string
	LockExpiry  time.Duration

	Stages       []StageConfig
	StageTimeout time.Duration
	WorkDir      string

	MinNewTrades int64
	MinAccuracy  float64
	MaxModelAge  time.Duration

	DailyAt        string
	TimeZone       string
	HourlyInterval time.Duration
	StageBackoff   time.Duration
	ErrorBackoff   time.Duration
	CheckOnStart   bool
}

// LoadDotEnv loads environment fallbacks from path, or from .env when path is
// empty. A missing default file is not an error.
func LoadDotEnv(path string) error {
	if path == "" {
		if _, err := os.Stat(".env"); errors.Is(err, os.ErrNotExist) {
			return nil
		}
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// ParseFlags parses command-line flags and environment variables into a Config.
func ParseFlags() *Config {
	cfg, err := Parse(flag.CommandLine, os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}
	return cfg
}

// Parse registers the keeper flags on fs and parses args.
func Parse(fs *flag.FlagSet, args []string) (*Config, error) {
	cfg := &Config{}
	th := trigger.DefaultThresholds()
	sc := scheduler.DefaultConfig()

	fs.StringVar(&cfg.Listen, "listen", getEnv("LISTEN", ":8090"), "HTTP listen address for the operator API")
	fs.StringVar(&cfg.LogFormat, "log-format", getEnv("LOG_FORMAT", "text"), "Log format: text or json")
	fs.StringVar(&cfg.LogLevel, "log-level", getEnv("LOG_LEVEL", "info"), "Log level: debug, info, warn, error")
	fs.StringVar(&cfg.LogFile, "log-file", getEnv("LOG_FILE", ""), "Also write logs to this file, rotated by size")
	fs.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout", getEnvDuration("SHUTDOWN_TIMEOUT", 10*time.Second), "Graceful shutdown timeout")
	fs.DurationVar(&cfg.HTTPTimeout, "http-timeout", getEnvDuration("HTTP_TIMEOUT", 10*time.Second), "Timeout for outbound HTTP calls other than stages")

	fs.StringVar(&cfg.ArtifactRoot, "artifact-root", getEnv("ARTIFACT_ROOT", "./models"), "Directory holding staging, production and backups")
	fs.StringVar(&cfg.HoldoutPath, "holdout", getEnv("HOLDOUT_PATH", ""), "CSV file with the held-out evaluation set")
	fs.IntVar(&cfg.BackupRetention, "backup-retention", getEnvInt("BACKUP_RETENTION", 10), "Snapshots kept after a promotion (0 keeps all)")

	fs.StringVar(&cfg.StateBackend, "state", getEnv("STATE_BACKEND", BackendMemory), "Training state backend: memory or redis")
	fs.StringVar(&cfg.RedisAddr, "redis-addr", getEnv("REDIS_ADDR", "localhost:6379"), "Redis server address")
	fs.StringVar(&cfg.RedisPassword, "redis-password", getEnv("REDIS_PASSWORD", ""), "Redis password")
	fs.IntVar(&cfg.RedisDB, "redis-db", getEnvInt("REDIS_DB", 0), "Redis database number")
	fs.StringVar(&cfg.KeyPrefix, "key-prefix", getEnv("KEY_PREFIX", "modelkeeper:"), "Prefix of every Redis key written by the keeper")

	fs.StringVar(&cfg.TradeSource, "trades", getEnv("TRADE_SOURCE", BackendNone), "Trade count source: none, redis or http")
	fs.StringVar(&cfg.TradeKey, "trade-key", getEnv("TRADE_KEY", "exits"), "Redis sorted set holding closed trades")
	fs.StringVar(&cfg.TradeURL, "trade-url", getEnv("TRADE_URL", ""), "HTTP endpoint returning the trade count")
	fs.StringVar(&cfg.TradeCountPath, "trade-count-path", getEnv("TRADE_COUNT_PATH", "count"), "gjson path of the count in the HTTP response")

	fs.StringVar(&cfg.ReportBackend, "reports", getEnv("REPORT_BACKEND", BackendMemory), "Cycle report store: memory, redis, sqlite or postgres")
	fs.StringVar(&cfg.ReportDSN, "report-dsn", getEnv("REPORT_DSN", ""), "Database DSN for sqlite or postgres report stores")
	fs.IntVar(&cfg.ReportHistory, "report-history", getEnvInt("REPORT_HISTORY", 500), "Reports kept by memory and redis stores")

	fs.StringVar(&cfg.LockBackend, "lock", getEnv("LOCK_BACKEND", BackendFile), "Cycle lock: file, redis or memory (memory does not exclude keeperctl)")
	fs.StringVar(&cfg.LockFile, "lock-file", getEnv("LOCK_FILE", ""), "Lock file path (default <artifact-root>/.cycle.lock)")
	fs.DurationVar(&cfg.LockExpiry, "lock-expiry", getEnvDuration("LOCK_EXPIRY", time.Minute), "Redis lock expiry, extended while a cycle runs")

	stageCmds := map[string]*string{}
	stageURLs := map[string]*string{}
	for _, name := range stageNames {
		upper := strings.ToUpper(name)
		stageCmds[name] = fs.String(name+"-cmd", getEnv(upper+"_CMD", ""), "Shell command running the "+name+" stage")
		stageURLs[name] = fs.String(name+"-url", getEnv(upper+"_URL", ""), "HTTP endpoint running the "+name+" stage")
	}
	fs.DurationVar(&cfg.StageTimeout, "stage-timeout", getEnvDuration("STAGE_TIMEOUT", 30*time.Minute), "Timeout of each pipeline stage")
	fs.StringVar(&cfg.WorkDir, "workdir", getEnv("WORKDIR", ""), "Working directory of command stages")

	fs.Int64Var(&cfg.MinNewTrades, "min-new-trades", getEnvInt64("MIN_NEW_TRADES", th.MinNewTrades), "New trades that trigger retraining")
	fs.Float64Var(&cfg.MinAccuracy, "min-accuracy", getEnvFloat("MIN_ACCURACY", th.MinAccuracy), "Accuracy below which retraining is triggered")
	fs.DurationVar(&cfg.MaxModelAge, "max-model-age", getEnvDuration("MAX_MODEL_AGE", th.MaxModelAge), "Model age that triggers retraining")

	fs.StringVar(&cfg.DailyAt, "daily-at", getEnv("DAILY_TICK_TIME", sc.DailyAt), "Local time of the unconditional daily cycle (HH:MM)")
	fs.StringVar(&cfg.TimeZone, "timezone", getEnv("TIMEZONE", "UTC"), "Time zone of the daily cycle")
	fs.DurationVar(&cfg.HourlyInterval, "check-interval", getEnvDuration("HOURLY_CHECK_INTERVAL", sc.HourlyInterval), "Interval between trigger evaluations")
	fs.DurationVar(&cfg.StageBackoff, "stage-backoff", getEnvDuration("STAGE_BACKOFF", sc.StageBackoff), "Wait after a stage or validation failure")
	fs.DurationVar(&cfg.ErrorBackoff, "error-backoff", getEnvDuration("ERROR_BACKOFF", sc.ErrorBackoff), "Wait after an unexpected error")
	fs.BoolVar(&cfg.CheckOnStart, "check-on-start", getEnvBool("CHECK_ON_START", sc.CheckOnStart), "Evaluate trigger rules at startup")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	for _, name := range stageNames {
		cfg.Stages = append(cfg.Stages, StageConfig{
			Name:    name,
			Command: *stageCmds[name],
			URL:     *stageURLs[name],
		})
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var stageNames = []string{"collect", "train", "validate"}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	if c.ArtifactRoot == "" {
		return errors.New("artifact root cannot be empty")
	}
	if c.HoldoutPath == "" {
		return errors.New("holdout path cannot be empty")
	}
	if c.BackupRetention < 0 {
		return fmt.Errorf("backup retention cannot be negative, got %d", c.BackupRetention)
	}

	if !oneOf(c.StateBackend, BackendMemory, BackendRedis) {
		return fmt.Errorf("invalid state backend %q (must be memory or redis)", c.StateBackend)
	}
	if !oneOf(c.TradeSource, BackendNone, BackendRedis, BackendHTTP) {
		return fmt.Errorf("invalid trade source %q (must be none, redis or http)", c.TradeSource)
	}
	if c.TradeSource == BackendHTTP && c.TradeURL == "" {
		return errors.New("trade URL is required when trade source is http")
	}
	if !oneOf(c.ReportBackend, BackendMemory, BackendRedis, BackendSQLite, BackendPostgres) {
		return fmt.Errorf("invalid report backend %q (must be memory, redis, sqlite or postgres)", c.ReportBackend)
	}
	if (c.ReportBackend == BackendSQLite || c.ReportBackend == BackendPostgres) && c.ReportDSN == "" {
		return fmt.Errorf("report DSN is required for the %s report backend", c.ReportBackend)
	}
	if c.ReportHistory <= 0 {
		return fmt.Errorf("report history must be > 0, got %d", c.ReportHistory)
	}
	if !oneOf(c.LockBackend, BackendMemory, BackendFile, BackendRedis) {
		return fmt.Errorf("invalid lock backend %q (must be memory, file or redis)", c.LockBackend)
	}
	if c.LockBackend == BackendRedis && c.LockExpiry < time.Second {
		return fmt.Errorf("lock expiry must be at least 1s, got %v", c.LockExpiry)
	}

	for _, s := range c.Stages {
		if (s.Command == "") == (s.URL == "") {
			return fmt.Errorf("stage %s: exactly one of command or URL must be set", s.Name)
		}
	}
	if c.StageTimeout <= 0 {
		return fmt.Errorf("stage timeout must be > 0, got %v", c.StageTimeout)
	}

	if c.MinNewTrades <= 0 {
		return fmt.Errorf("min new trades must be > 0, got %d", c.MinNewTrades)
	}
	if c.MinAccuracy < 0 || c.MinAccuracy > 1 {
		return fmt.Errorf("min accuracy must be within [0, 1], got %v", c.MinAccuracy)
	}
	if c.MaxModelAge <= 0 {
		return fmt.Errorf("max model age must be > 0, got %v", c.MaxModelAge)
	}

	if _, err := c.Location(); err != nil {
		return err
	}
	return c.Scheduler().Validate()
}

// UsesRedis reports whether any component needs a Redis client.
func (c *Config) UsesRedis() bool {
	return c.StateBackend == BackendRedis || c.TradeSource == BackendRedis ||
		c.ReportBackend == BackendRedis || c.LockBackend == BackendRedis
}

// Location resolves TimeZone.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.TimeZone)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", c.TimeZone, err)
	}
	return loc, nil
}

// Thresholds returns the trigger thresholds.
func (c *Config) Thresholds() trigger.Thresholds {
	return trigger.Thresholds{
		MaxModelAge:  c.MaxModelAge,
		MinNewTrades: c.MinNewTrades,
		MinAccuracy:  c.MinAccuracy,
	}
}

// Scheduler returns the scheduler configuration.
func (c *Config) Scheduler() scheduler.Config {
	loc, _ := c.Location()
	return scheduler.Config{
		DailyAt:        c.DailyAt,
		Location:       loc,
		HourlyInterval: c.HourlyInterval,
		StageBackoff:   c.StageBackoff,
		ErrorBackoff:   c.ErrorBackoff,
		CheckOnStart:   c.CheckOnStart,
	}
}

// LockPath returns the lock file path.
func (c *Config) LockPath() string {
	if c.LockFile != "" {
		return c.LockFile
	}
	return strings.TrimRight(c.ArtifactRoot, "/") + "/.cycle.lock"
}

func oneOf(v string, allowed ...string) bool {
	for _, a := range allowed {
		if v == a {
			return true
		}
	}
	return false
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1"
	}
	return defaultValue
}
