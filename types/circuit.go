package types

import "time"

// MaxConsecutiveFailures is the per-company failure ceiling that opens
// the circuit for the rest of a cycle.
const MaxConsecutiveFailures = 3

// TimeoutBlacklistDuration is how long a company is skipped after a
// previous-month-pass timeout (spec §5).
const TimeoutBlacklistDuration = time.Hour

// CircuitState is in-memory-only bookkeeping for a single company,
// scoped to the lifetime of one process.
type CircuitState struct {
	ConsecutiveFailures   int
	TimeoutBlacklistedUntil time.Time
}

// Open reports whether the circuit should skip this company right now.
func (c *CircuitState) Open(now time.Time) bool {
	if !c.TimeoutBlacklistedUntil.IsZero() && now.Before(c.TimeoutBlacklistedUntil) {
		return true
	}
	return c.ConsecutiveFailures >= MaxConsecutiveFailures
}

// RecordFailure increments the consecutive-failure counter.
func (c *CircuitState) RecordFailure() {
	c.ConsecutiveFailures++
}

// RecordSuccess clears the circuit entry.
func (c *CircuitState) RecordSuccess() {
	c.ConsecutiveFailures = 0
	c.TimeoutBlacklistedUntil = time.Time{}
}

// ArmTimeoutBlacklist blocks the company for TimeoutBlacklistDuration
// starting at now.
func (c *CircuitState) ArmTimeoutBlacklist(now time.Time) {
	c.TimeoutBlacklistedUntil = now.Add(TimeoutBlacklistDuration)
}
