// Package config loads substrate configuration from environment variables
// and an optional YAML overlay file, grounded on the teacher's pkg/config
// (env-var Load) and pkg/config/profile_loader.go (YAML file overlay
// pattern), adapted to the fields SPEC_FULL.md §4.9 names.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds substrate process configuration.
type Config struct {
	DatabaseURL           string        `yaml:"databaseUrl"`
	PolicyTimeout         time.Duration `yaml:"-"`
	PolicyTimeoutMs       int           `yaml:"policyTimeoutMs"`
	ActionTimeout         time.Duration `yaml:"-"`
	ActionTimeoutMs       int           `yaml:"actionTimeoutMs"`
	PolicyMemoryLimitMB   int           `yaml:"policyMemoryLimitMb"`
	ObservationWindowHours int          `yaml:"observationWindowHours"`
	AuditEnabled          bool          `yaml:"auditEnabled"`
	TransactionsEnabled   bool          `yaml:"transactionsEnabled"`
	LogLevel              string        `yaml:"logLevel"`
	OTLPEndpoint          string        `yaml:"otlpEndpoint"`
	ObservabilityEnabled  bool          `yaml:"observabilityEnabled"`
	RedisURL              string        `yaml:"redisUrl"`
}

// Default returns the production-reasonable defaults named in §4.9/§4.7.
func Default() *Config {
	return &Config{
		DatabaseURL:            "sqlite://substrate.db",
		PolicyTimeout:          500 * time.Millisecond,
		PolicyTimeoutMs:        500,
		ActionTimeout:          30 * time.Second,
		ActionTimeoutMs:        30000,
		PolicyMemoryLimitMB:    32,
		ObservationWindowHours: 24,
		AuditEnabled:           true,
		TransactionsEnabled:    true,
		LogLevel:               "info",
		ObservabilityEnabled:   false,
	}
}

// Load builds a Config from environment variables, falling back to
// Default() for anything unset.
func Load() (*Config, error) {
	cfg := Default()

	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v, err := getIntEnv("POLICY_TIMEOUT_MS"); err != nil {
		return nil, err
	} else if v != nil {
		cfg.PolicyTimeoutMs = *v
	}
	if v, err := getIntEnv("ACTION_TIMEOUT_MS"); err != nil {
		return nil, err
	} else if v != nil {
		cfg.ActionTimeoutMs = *v
	}
	if v, err := getIntEnv("POLICY_MEMORY_LIMIT_MB"); err != nil {
		return nil, err
	} else if v != nil {
		cfg.PolicyMemoryLimitMB = *v
	}
	if v, err := getIntEnv("OBSERVATION_WINDOW_HOURS"); err != nil {
		return nil, err
	} else if v != nil {
		cfg.ObservationWindowHours = *v
	}
	if v, err := getBoolEnv("AUDIT_ENABLED"); err != nil {
		return nil, err
	} else if v != nil {
		cfg.AuditEnabled = *v
	}
	if v, err := getBoolEnv("TRANSACTIONS_ENABLED"); err != nil {
		return nil, err
	} else if v != nil {
		cfg.TransactionsEnabled = *v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		cfg.OTLPEndpoint = v
	}
	if v, err := getBoolEnv("OTEL_ENABLED"); err != nil {
		return nil, err
	} else if v != nil {
		cfg.ObservabilityEnabled = *v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.RedisURL = v
	}

	cfg.normalizeDurations()
	return cfg, nil
}

// LoadFile reads an optional YAML overlay (e.g. "substrate.yaml") on top of
// the environment-derived Config, mirroring the teacher's regional-profile
// YAML overlay pattern. Fields absent from the file are left untouched.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	c.normalizeDurations()
	return nil
}

func (c *Config) normalizeDurations() {
	c.PolicyTimeout = time.Duration(c.PolicyTimeoutMs) * time.Millisecond
	c.ActionTimeout = time.Duration(c.ActionTimeoutMs) * time.Millisecond
}

func getIntEnv(name string) (*int, error) {
	raw := os.Getenv(name)
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return nil, fmt.Errorf("config: %s must be an integer: %w", name, err)
	}
	return &v, nil
}

func getBoolEnv(name string) (*bool, error) {
	raw := os.Getenv(name)
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return nil, fmt.Errorf("config: %s must be a boolean: %w", name, err)
	}
	return &v, nil
}
