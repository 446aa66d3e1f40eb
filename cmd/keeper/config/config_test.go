package config

import (
	"flag"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

var stageArgs = []string{
	"-collect-cmd", "python collect.py",
	"-train-cmd", "python train.py",
	"-validate-url", "http://trainer:8000/validate",
	"-holdout", "testdata/holdout.csv",
}

func parse(t *testing.T, args ...string) (*Config, error) {
	t.Helper()
	return Parse(flag.NewFlagSet("keeper", flag.ContinueOnError), append(append([]string{}, stageArgs...), args...))
}

func TestGetEnv(t *testing.T) {
	tests := []struct {
		name         string
		key          string
		defaultValue string
		envValue     string
		want         string
	}{
		{
			name:         "environment variable set",
			key:          "TEST_VAR",
			defaultValue: "default",
			envValue:     "from-env",
			want:         "from-env",
		},
		{
			name:         "environment variable not set",
			key:          "NONEXISTENT_VAR",
			defaultValue: "default",
			want:         "default",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.envValue != "" {
				t.Setenv(tt.key, tt.envValue)
			}

			if got := getEnv(tt.key, tt.defaultValue); got != tt.want {
				t.Errorf("getEnv() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestGetEnvTyped(t *testing.T) {
	t.Setenv("TEST_INT", "42")
	t.Setenv("TEST_BAD_INT", "not-a-number")
	t.Setenv("TEST_INT64", "6200")
	t.Setenv("TEST_FLOAT", "0.75")
	t.Setenv("TEST_DURATION", "90s")
	t.Setenv("TEST_BOOL", "1")

	if got := getEnvInt("TEST_INT", 10); got != 42 {
		t.Errorf("getEnvInt() = %d, want 42", got)
	}
	if got := getEnvInt("TEST_BAD_INT", 10); got != 10 {
		t.Errorf("getEnvInt(invalid) = %d, want 10", got)
	}
	if got := getEnvInt64("TEST_INT64", 1); got != 6200 {
		t.Errorf("getEnvInt64() = %d, want 6200", got)
	}
	if got := getEnvFloat("TEST_FLOAT", 0.8); got != 0.75 {
		t.Errorf("getEnvFloat() = %v, want 0.75", got)
	}
	if got := getEnvDuration("TEST_DURATION", time.Second); got != 90*time.Second {
		t.Errorf("getEnvDuration() = %v, want 90s", got)
	}
	if got := getEnvBool("TEST_BOOL", false); !got {
		t.Error("getEnvBool() = false, want true")
	}
	if got := getEnvBool("NONEXISTENT_BOOL", true); !got {
		t.Error("getEnvBool(unset) should return the default")
	}
}

func TestParse_Defaults(t *testing.T) {
	cfg, err := parse(t)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if cfg.MinNewTrades != 1000 {
		t.Errorf("MinNewTrades = %d, want 1000", cfg.MinNewTrades)
	}
	if cfg.MinAccuracy != 0.80 {
		t.Errorf("MinAccuracy = %v, want 0.80", cfg.MinAccuracy)
	}
	if cfg.MaxModelAge != 24*time.Hour {
		t.Errorf("MaxModelAge = %v, want 24h", cfg.MaxModelAge)
	}
	if cfg.DailyAt != "03:00" || cfg.TimeZone != "UTC" {
		t.Errorf("daily tick = %s %s, want 03:00 UTC", cfg.DailyAt, cfg.TimeZone)
	}
	if cfg.HourlyInterval != time.Hour {
		t.Errorf("HourlyInterval = %v, want 1h", cfg.HourlyInterval)
	}
	if cfg.StageBackoff != 5*time.Minute || cfg.ErrorBackoff != 15*time.Minute {
		t.Errorf("backoff = %v/%v, want 5m/15m", cfg.StageBackoff, cfg.ErrorBackoff)
	}
	if cfg.StageTimeout != 30*time.Minute {
		t.Errorf("StageTimeout = %v, want 30m", cfg.StageTimeout)
	}
	if cfg.BackupRetention != 10 {
		t.Errorf("BackupRetention = %d, want 10", cfg.BackupRetention)
	}
	if !cfg.CheckOnStart {
		t.Error("CheckOnStart should default to true")
	}
	if cfg.LockBackend != BackendFile {
		t.Errorf("LockBackend = %q, want file", cfg.LockBackend)
	}
	if cfg.UsesRedis() {
		t.Error("default configuration should not need Redis")
	}

	if len(cfg.Stages) != 3 {
		t.Fatalf("len(Stages) = %d, want 3", len(cfg.Stages))
	}
	if cfg.Stages[0].Name != "collect" || cfg.Stages[0].Command != "python collect.py" {
		t.Errorf("Stages[0] = %+v", cfg.Stages[0])
	}
	if cfg.Stages[2].Name != "validate" || cfg.Stages[2].URL != "http://trainer:8000/validate" {
		t.Errorf("Stages[2] = %+v", cfg.Stages[2])
	}
}

func TestParse_EnvFallback(t *testing.T) {
	t.Setenv("MIN_NEW_TRADES", "250")
	t.Setenv("STATE_BACKEND", "redis")
	t.Setenv("TIMEZONE", "Europe/Paris")

	cfg, err := parse(t, "-min-new-trades", "500")
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if cfg.MinNewTrades != 500 {
		t.Errorf("flag should win over env, MinNewTrades = %d", cfg.MinNewTrades)
	}
	if cfg.StateBackend != BackendRedis || !cfg.UsesRedis() {
		t.Errorf("StateBackend = %q, want redis", cfg.StateBackend)
	}
	if loc := cfg.Scheduler().Location; loc == nil || loc.String() != "Europe/Paris" {
		t.Errorf("scheduler location = %v, want Europe/Paris", loc)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		wantErr string
	}{
		{name: "valid", args: nil},
		{name: "empty holdout", args: []string{"-holdout", ""}, wantErr: "holdout path"},
		{name: "bad state backend", args: []string{"-state", "etcd"}, wantErr: "invalid state backend"},
		{name: "http trades without url", args: []string{"-trades", "http"}, wantErr: "trade URL is required"},
		{name: "sqlite without dsn", args: []string{"-reports", "sqlite"}, wantErr: "report DSN is required"},
		{name: "bad lock", args: []string{"-lock", "zookeeper"}, wantErr: "invalid lock backend"},
		{name: "stage with both", args: []string{"-train-url", "http://x/train"}, wantErr: "stage train"},
		{name: "negative retention", args: []string{"-backup-retention", "-1"}, wantErr: "backup retention"},
		{name: "accuracy out of range", args: []string{"-min-accuracy", "1.5"}, wantErr: "min accuracy"},
		{name: "bad daily time", args: []string{"-daily-at", "25:00"}, wantErr: "invalid hour"},
		{name: "bad timezone", args: []string{"-timezone", "Mars/Olympus"}, wantErr: "invalid timezone"},
		{name: "zero check interval", args: []string{"-check-interval", "0s"}, wantErr: "hourly interval"},
		{name: "backoff longer than check interval", args: []string{"-check-interval", "10m", "-error-backoff", "15m"}, wantErr: "shorter than the hourly interval"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parse(t, tt.args...)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Parse() error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Parse() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestValidate_MissingStage(t *testing.T) {
	_, err := Parse(flag.NewFlagSet("keeper", flag.ContinueOnError), []string{"-holdout", "h.csv", "-collect-cmd", "true", "-train-cmd", "true"})
	if err == nil || !strings.Contains(err.Error(), "stage validate") {
		t.Fatalf("Parse() error = %v, want missing validate stage", err)
	}
}

func TestThresholdsAndLockPath(t *testing.T) {
	cfg, err := parse(t, "-artifact-root", "/var/lib/models/", "-min-accuracy", "0.9")
	if err != nil {
		t.Fatal(err)
	}

	th := cfg.Thresholds()
	if th.MinAccuracy != 0.9 || th.MinNewTrades != 1000 || th.MaxModelAge != 24*time.Hour {
		t.Errorf("Thresholds() = %+v", th)
	}
	if got := cfg.LockPath(); got != "/var/lib/models/.cycle.lock" {
		t.Errorf("LockPath() = %q", got)
	}
	cfg.LockFile = "/run/keeper.lock"
	if got := cfg.LockPath(); got != "/run/keeper.lock" {
		t.Errorf("LockPath() = %q", got)
	}
}

func TestLoadDotEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keeper.env")
	if err := os.WriteFile(path, []byte("KEEPER_TEST_DOTENV=from-file\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Unsetenv("KEEPER_TEST_DOTENV") })

	if err := LoadDotEnv(path); err != nil {
		t.Fatalf("LoadDotEnv() error = %v", err)
	}
	if got := os.Getenv("KEEPER_TEST_DOTENV"); got != "from-file" {
		t.Errorf("KEEPER_TEST_DOTENV = %q, want from-file", got)
	}

	if err := LoadDotEnv(filepath.Join(t.TempDir(), "missing.env")); err == nil {
		t.Error("explicit missing file should fail")
	}
}
