package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Store backends selectable with the store key.
const (
	storeLibSQL = "libsql"
	storeMemory = "memory"
)

// Config holds all flowcron daemon configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	Store    string `json:"store"`
	DBPath   string `json:"db_path"`
	LogLevel string `json:"log_level"`

	PollInterval          Duration `json:"poll_interval"`
	Concurrency           int      `json:"concurrency"`
	ClaimTTL              Duration `json:"claim_ttl"`
	MarkErrorOnExhaustion bool     `json:"mark_error_on_exhaustion"`
	RecoverMissed         bool     `json:"recover_missed"`
	ShutdownTimeout       Duration `json:"shutdown_timeout"`

	StepMaxRetries     int      `json:"step_max_retries"`
	StepInitialDelay   Duration `json:"step_initial_delay"`
	StepMaxDelay       Duration `json:"step_max_delay"`
	StepAttemptTimeout Duration `json:"step_attempt_timeout"`
	BreakerThreshold   int      `json:"breaker_threshold"`
	BreakerCooldown    Duration `json:"breaker_cooldown"`

	Notifications bool   `json:"notifications"`
	OTLPEndpoint  string `json:"otlp_endpoint"`
	ServiceName   string `json:"service_name"`
}

// Duration reads either a Go duration string ("90s") or a number of seconds.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		v, err := parseDuration(s)
		if err != nil {
			return err
		}
		*d = v
		return nil
	}
	var secs float64
	if err := json.Unmarshal(b, &secs); err != nil {
		return fmt.Errorf("duration must be a string or a number of seconds: %s", b)
	}
	*d = Duration(secs * float64(time.Second))
	return nil
}

func parseDuration(s string) (Duration, error) {
	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		return Duration(secs * float64(time.Second)), nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", s, err)
	}
	return Duration(v), nil
}

func defaultConfig() Config {
	return Config{
		Store:              storeLibSQL,
		DBPath:             filepath.Join(flowcronDir(), "flowcron.db"),
		LogLevel:           "info",
		PollInterval:       Duration(60 * time.Second),
		Concurrency:        1,
		ClaimTTL:           Duration(10 * time.Minute),
		RecoverMissed:      true,
		ShutdownTimeout:    Duration(30 * time.Second),
		StepMaxRetries:     2,
		StepInitialDelay:   Duration(500 * time.Millisecond),
		StepMaxDelay:       Duration(10 * time.Second),
		StepAttemptTimeout: 0,
		BreakerThreshold:   5,
		BreakerCooldown:    Duration(30 * time.Second),
		ServiceName:        "flowcron",
	}
}

func flowcronDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".flowcron"
	}
	return filepath.Join(home, ".flowcron")
}

func settingsPath() string {
	return filepath.Join(flowcronDir(), "settings.json")
}

func loadConfig() (Config, error) {
	return loadConfigFrom(settingsPath(), os.Getenv)
}

func loadConfigFrom(path string, getenv func(string) string) (Config, error) {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(path); err == nil {
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	// Layer 3: env vars override.
	var errs []error
	str := func(key string, dst *string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v := getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	flag := func(key string, dst *bool) {
		if v := getenv(key); v != "" {
			*dst = v == "true" || v == "1"
		}
	}
	dur := func(key string, dst *Duration) {
		if v := getenv(key); v != "" {
			d, err := parseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}

	str("FLOWCRON_STORE", &cfg.Store)
	str("FLOWCRON_DB_PATH", &cfg.DBPath)
	str("FLOWCRON_LOG_LEVEL", &cfg.LogLevel)
	dur("FLOWCRON_POLL_INTERVAL", &cfg.PollInterval)
	num("FLOWCRON_CONCURRENCY", &cfg.Concurrency)
	dur("FLOWCRON_CLAIM_TTL", &cfg.ClaimTTL)
	flag("FLOWCRON_MARK_ERROR_ON_EXHAUSTION", &cfg.MarkErrorOnExhaustion)
	flag("FLOWCRON_RECOVER_MISSED", &cfg.RecoverMissed)
	dur("FLOWCRON_SHUTDOWN_TIMEOUT", &cfg.ShutdownTimeout)
	num("FLOWCRON_STEP_MAX_RETRIES", &cfg.StepMaxRetries)
	dur("FLOWCRON_STEP_INITIAL_DELAY", &cfg.StepInitialDelay)
	dur("FLOWCRON_STEP_MAX_DELAY", &cfg.StepMaxDelay)
	dur("FLOWCRON_STEP_ATTEMPT_TIMEOUT", &cfg.StepAttemptTimeout)
	num("FLOWCRON_BREAKER_THRESHOLD", &cfg.BreakerThreshold)
	dur("FLOWCRON_BREAKER_COOLDOWN", &cfg.BreakerCooldown)
	flag("FLOWCRON_NOTIFICATIONS", &cfg.Notifications)
	str("FLOWCRON_OTLP_ENDPOINT", &cfg.OTLPEndpoint)
	str("FLOWCRON_SERVICE_NAME", &cfg.ServiceName)

	if len(errs) > 0 {
		return cfg, fmt.Errorf("invalid environment: %v", errs)
	}
	if cfg.Store != storeLibSQL && cfg.Store != storeMemory {
		return cfg, fmt.Errorf("unknown store %q (want %s or %s)", cfg.Store, storeLibSQL, storeMemory)
	}
	return cfg, nil
}

// configDiff describes what changed between two configurations.
type configDiff struct {
	LogLevelChanged bool
	RestartNeeded   []string // fields that only take effect after a restart
}

func diffConfigs(old, new Config) configDiff {
	var d configDiff
	if old.LogLevel != new.LogLevel {
		d.LogLevelChanged = true
	}
	restart := []struct {
		name    string
		changed bool
	}{
		{"store", old.Store != new.Store},
		{"db_path", old.DBPath != new.DBPath},
		{"poll_interval", old.PollInterval != new.PollInterval},
		{"concurrency", old.Concurrency != new.Concurrency},
		{"claim_ttl", old.ClaimTTL != new.ClaimTTL},
		{"mark_error_on_exhaustion", old.MarkErrorOnExhaustion != new.MarkErrorOnExhaustion},
		{"step_max_retries", old.StepMaxRetries != new.StepMaxRetries},
		{"notifications", old.Notifications != new.Notifications},
		{"otlp_endpoint", old.OTLPEndpoint != new.OTLPEndpoint},
	}
	for _, r := range restart {
		if r.changed {
			d.RestartNeeded = append(d.RestartNeeded, r.name)
		}
	}
	return d
}
