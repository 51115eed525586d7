package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Load reads a YAML config file, expands environment variables, and
// unmarshals into a Config struct. Unknown keys are rejected to catch
// typos early. The SIEG_TIMEOUT_* environment variables (spec §6) are
// then applied as defaults for any upstream timeout left unset by the
// file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
		return nil, fmt.Errorf("cannot read config file %q: %w", path, err)
	}

	expanded := ExpandEnv(string(data))

	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader([]byte(expanded)))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("invalid YAML in %s: %w", path, err)
	}

	applyTimeoutEnvDefaults(&cfg)
	return &cfg, nil
}

// applyTimeoutEnvDefaults fills any zero-valued upstream timeout from
// the matching SIEG_TIMEOUT_* environment variable, falling back to
// the spec's documented defaults (10/120/180/90/180s) when the
// variable is also unset.
func applyTimeoutEnvDefaults(cfg *Config) {
	entries := []struct {
		name    string
		field   *Duration
		seconds int
	}{
		{"SIEG_TIMEOUT_CONEXAO", &cfg.Upstream.ConnectTimeout, 10},
		{"SIEG_TIMEOUT_LEITURA_NFE", &cfg.Upstream.NFeReadTimeout, 120},
		{"SIEG_TIMEOUT_LEITURA_CTE", &cfg.Upstream.CTeReadTimeout, 180},
		{"SIEG_TIMEOUT_ABSOLUTO_NFE", &cfg.Upstream.NFeAbsoluteTimeout, 90},
		{"SIEG_TIMEOUT_ABSOLUTO_CTE", &cfg.Upstream.CTeAbsoluteTimeout, 180},
	}

	for _, e := range entries {
		if e.field.Duration > 0 {
			continue // file already set it explicitly
		}
		seconds := e.seconds
		if raw, ok := os.LookupEnv(e.name); ok {
			if n, err := strconv.Atoi(raw); err == nil {
				seconds = n
			}
		}
		e.field.Duration = time.Duration(seconds) * time.Second
	}
}
