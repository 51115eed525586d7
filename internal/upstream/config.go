// Package upstream implements the rate-limited, retry-bounded HTTP
// client against the fiscal-document provider's REST API: count,
// batch download, single-document download, event download, and
// monthly report generation.
package upstream

import (
	"time"

	"github.com/esdrasrenan/projeto-xml/types"
)

const (
	defaultBaseURL = "https://api.sieg.com"

	rateInterval = 2 * time.Second // one request every 2.0s, ~30 req/min
	maxRetries   = 2
	backoffBase  = 500 * time.Millisecond // factor 0.5

	connectTimeout = 10 * time.Second

	nfeReadTimeout     = 120 * time.Second
	cteReadTimeout     = 180 * time.Second
	nfeAbsoluteTimeout = 90 * time.Second
	cteAbsoluteTimeout = 180 * time.Second

	eventsPageSize = 50
)

// Config configures a Client. APIKey is required; the remaining
// fields default to the spec's SIEG_TIMEOUT_* values (10/120/180/90/180s)
// when left zero — internal/config populates them from the environment.
type Config struct {
	APIKey  string
	BaseURL string // defaults to defaultBaseURL if empty

	ConnectTimeout time.Duration

	NFeReadTimeout     time.Duration
	CTeReadTimeout     time.Duration
	NFeAbsoluteTimeout time.Duration
	CTeAbsoluteTimeout time.Duration
}

func (c Config) baseURL() string {
	if c.BaseURL != "" {
		return c.BaseURL
	}
	return defaultBaseURL
}

func (c Config) readTimeout(dt types.DocType) time.Duration {
	if dt == types.CTe {
		if c.CTeReadTimeout > 0 {
			return c.CTeReadTimeout
		}
		return cteReadTimeout
	}
	if c.NFeReadTimeout > 0 {
		return c.NFeReadTimeout
	}
	return nfeReadTimeout
}

func (c Config) absoluteTimeout(dt types.DocType) time.Duration {
	if dt == types.CTe {
		if c.CTeAbsoluteTimeout > 0 {
			return c.CTeAbsoluteTimeout
		}
		return cteAbsoluteTimeout
	}
	if c.NFeAbsoluteTimeout > 0 {
		return c.NFeAbsoluteTimeout
	}
	return nfeAbsoluteTimeout
}

func (c Config) connectTimeoutOrDefault() time.Duration {
	if c.ConnectTimeout > 0 {
		return c.ConnectTimeout
	}
	return connectTimeout
}
