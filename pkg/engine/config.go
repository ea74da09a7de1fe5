package engine

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/driftline/driftline/pkg/breaker"
	"github.com/driftline/driftline/pkg/telemetry"
)

// Config is the full engine configuration for one project.
type Config struct {
	// Project partitions the catalog, graph, and breaker state.
	Project string `yaml:"project" validate:"required"`

	// DatabasePath locates the SQLite catalog file.
	DatabasePath string `yaml:"database_path" validate:"required"`

	// FetchTimeout bounds each external state-snapshot call.
	FetchTimeout time.Duration `yaml:"fetch_timeout" validate:"min=1s"`

	// FetchRetries bounds retry attempts for transient snapshot failures.
	FetchRetries int `yaml:"fetch_retries" validate:"min=0,max=10"`

	// BackoffBase seeds the exponential retry backoff.
	BackoffBase time.Duration `yaml:"backoff_base" validate:"min=10ms"`

	// MinConfidence is the populator's edge discard threshold.
	MinConfidence float64 `yaml:"min_confidence" validate:"gte=0,lte=1"`

	// CacheTTL bounds impact-analysis cache entries.
	CacheTTL time.Duration `yaml:"cache_ttl" validate:"min=1s"`

	// Interval is the periodic reconciliation trigger used by watch mode.
	Interval time.Duration `yaml:"interval" validate:"min=1s"`

	Breaker   breaker.Config   `yaml:"breaker"`
	Telemetry telemetry.Config `yaml:"telemetry"`
}

// DefaultConfig returns a runnable configuration for a project.
func DefaultConfig(project string) Config {
	return Config{
		Project:       project,
		DatabasePath:  "driftline.db",
		FetchTimeout:  30 * time.Second,
		FetchRetries:  3,
		BackoffBase:   500 * time.Millisecond,
		MinConfidence: 0.5,
		CacheTTL:      5 * time.Minute,
		Interval:      5 * time.Minute,
		Breaker:       breaker.DefaultConfig(),
		Telemetry:     *telemetry.DefaultConfig(),
	}
}

// LoadConfig reads a YAML configuration file over the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig("")

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks the configuration for structural errors.
func (c Config) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("invalid telemetry configuration: %w", err)
	}
	return nil
}
