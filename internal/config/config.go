// Package config handles YAML config file loading for the archiver
// runtime. All values are optional and act as defaults for the
// archiver CLI flags; CLI flags always override config values.
package config

import (
	"fmt"
	"time"

	"github.com/esdrasrenan/projeto-xml/internal/commit"
	"github.com/esdrasrenan/projeto-xml/internal/upstream"
)

// Config is the top-level archiver.yaml shape.
type Config struct {
	Roster   RosterConfig   `yaml:"roster"`
	Storage  StorageConfig  `yaml:"storage"`
	Upstream UpstreamConfig `yaml:"upstream"`
	Cycle    CycleConfig    `yaml:"cycle"`
	LogLevel string         `yaml:"log_level"`
}

// RosterConfig points at the company roster source: a local path or
// an HTTP(S) URL, per spec §6.
type RosterConfig struct {
	Source string `yaml:"source"`
	Limit  int    `yaml:"limit"`
}

// StorageConfig holds the three archive tree roots plus the optional
// S3 mirror configuration.
type StorageConfig struct {
	PrimaryRoot string    `yaml:"primary_root"`
	FlatRoot    string    `yaml:"flat_root"`
	CancelRoot  string    `yaml:"cancel_root"`
	StateRoot   string    `yaml:"state_root"`
	S3          *S3Config `yaml:"s3,omitempty"`
}

// S3Config mirrors commit.S3Config for YAML decoding.
type S3Config struct {
	Bucket       string `yaml:"bucket"`
	Prefix       string `yaml:"prefix"`
	Region       string `yaml:"region"`
	Endpoint     string `yaml:"endpoint"`
	UsePathStyle bool   `yaml:"use_path_style"`
}

// ToCommitConfig converts the YAML-decoded S3Config into the shape
// internal/commit expects.
func (c *S3Config) ToCommitConfig() commit.S3Config {
	return commit.S3Config{
		Bucket:       c.Bucket,
		Prefix:       c.Prefix,
		Region:       c.Region,
		Endpoint:     c.Endpoint,
		UsePathStyle: c.UsePathStyle,
	}
}

// UpstreamConfig holds the upstream API key, base URL, and the
// per-doc_type timeout overrides from SIEG_TIMEOUT_* env vars (see
// envexpand.go / Load).
type UpstreamConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`

	ConnectTimeout     Duration `yaml:"connect_timeout"`
	NFeReadTimeout     Duration `yaml:"nfe_read_timeout"`
	CTeReadTimeout     Duration `yaml:"cte_read_timeout"`
	NFeAbsoluteTimeout Duration `yaml:"nfe_absolute_timeout"`
	CTeAbsoluteTimeout Duration `yaml:"cte_absolute_timeout"`
}

// ToClientConfig converts to upstream.Config.
func (u UpstreamConfig) ToClientConfig() upstream.Config {
	return upstream.Config{
		APIKey:             u.APIKey,
		BaseURL:            u.BaseURL,
		ConnectTimeout:     u.ConnectTimeout.Duration,
		NFeReadTimeout:     u.NFeReadTimeout.Duration,
		CTeReadTimeout:     u.CTeReadTimeout.Duration,
		NFeAbsoluteTimeout: u.NFeAbsoluteTimeout.Duration,
		CTeAbsoluteTimeout: u.CTeAbsoluteTimeout.Duration,
	}
}

// CycleConfig holds the defaults for --seed/--loop/--loop-interval/
// --ignore-failure-rates/--failure-threshold, overridable by flags.
type CycleConfig struct {
	Seed                bool     `yaml:"seed"`
	Loop                bool     `yaml:"loop"`
	LoopInterval        Duration `yaml:"loop_interval"`
	IgnoreFailureRates  bool     `yaml:"ignore_failure_rates"`
	FailureThresholdPct float64  `yaml:"failure_threshold"`
}

const defaultFailureThreshold = 50.0

// WarningThreshold returns max(20, critical/2), per spec §6.
func (c CycleConfig) WarningThreshold() float64 {
	critical := c.FailureThresholdOrDefault()
	half := critical / 2
	if half > 20 {
		return half
	}
	return 20
}

// FailureThresholdOrDefault returns the configured critical failure
// threshold, defaulting to 50%.
func (c CycleConfig) FailureThresholdOrDefault() float64 {
	if c.FailureThresholdPct > 0 {
		return c.FailureThresholdPct
	}
	return defaultFailureThreshold
}

// Duration wraps time.Duration for YAML string parsing (e.g. "10s", "5m").
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses a duration string like "10s" or "5m30s".
func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	if s == "" {
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

