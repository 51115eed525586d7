// Package telemetry provides per-cycle metrics collection for the
// archiver.
//
// The Collector accumulates counters during a single cycle run. It is
// a leaf package with no internal dependencies beyond sync — callers
// absorb fetch.Stats and pipeline outcomes into it rather than this
// package importing those packages back, avoiding an import cycle.
package telemetry

import "sync"

// Snapshot is an immutable point-in-time view of a cycle's counters.
// Safe to read concurrently after creation.
type Snapshot struct {
	// Company lifecycle
	CompaniesOK                int64
	CompaniesFailedNonCritical int64
	CompaniesFailedCritical    int64
	CompaniesSkippedCircuit    int64
	CompaniesSkippedTimeout    int64

	// Document acquisition (absorbed from fetch.Stats)
	XMLsSaved   int64
	ParseErrors int64
	InfoErrors  int64
	SaveErrors  int64

	// Individual recovery (C8)
	RecoveryAttempts  int64
	RecoverySuccesses int64
	RecoveryFailures  int64

	// Circuit / pendency
	CircuitTrips       int64
	TimeoutBlacklists  int64
	PendenciesOpened   int64
	PendenciesResolved int64

	// Dimensions
	RunID string
}

// Collector accumulates metrics during a single cycle.
// Thread-safe via sync.Mutex. All increment methods are nil-receiver
// safe so a nil *Collector can be passed where telemetry is optional.
type Collector struct {
	mu sync.Mutex

	companiesOK                int64
	companiesFailedNonCritical int64
	companiesFailedCritical    int64
	companiesSkippedCircuit    int64
	companiesSkippedTimeout    int64

	xmlsSaved   int64
	parseErrors int64
	infoErrors  int64
	saveErrors  int64

	recoveryAttempts  int64
	recoverySuccesses int64
	recoveryFailures  int64

	circuitTrips       int64
	timeoutBlacklists  int64
	pendenciesOpened   int64
	pendenciesResolved int64

	runID string
}

// NewCollector creates a Collector tagged with the cycle's run id.
func NewCollector(runID string) *Collector {
	return &Collector{runID: runID}
}

func (c *Collector) IncCompanyOK() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.companiesOK++
	c.mu.Unlock()
}

func (c *Collector) IncCompanyFailedNonCritical() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.companiesFailedNonCritical++
	c.mu.Unlock()
}

func (c *Collector) IncCompanyFailedCritical() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.companiesFailedCritical++
	c.mu.Unlock()
}

func (c *Collector) IncCompanySkippedCircuit() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.companiesSkippedCircuit++
	c.mu.Unlock()
}

func (c *Collector) IncCompanySkippedTimeout() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.companiesSkippedTimeout++
	c.mu.Unlock()
}

// AbsorbFetchStats adds a fetch pass's counters into the cycle totals.
// Called once per (company, month, doc_type, role) pass completion.
func (c *Collector) AbsorbFetchStats(xmlsSaved, parseErrors, infoErrors, saveErrors int) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.xmlsSaved += int64(xmlsSaved)
	c.parseErrors += int64(parseErrors)
	c.infoErrors += int64(infoErrors)
	c.saveErrors += int64(saveErrors)
	c.mu.Unlock()
}

func (c *Collector) AbsorbRecovery(attempts, successes, failures int) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.recoveryAttempts += int64(attempts)
	c.recoverySuccesses += int64(successes)
	c.recoveryFailures += int64(failures)
	c.mu.Unlock()
}

func (c *Collector) IncCircuitTrip() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.circuitTrips++
	c.mu.Unlock()
}

func (c *Collector) IncTimeoutBlacklist() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.timeoutBlacklists++
	c.mu.Unlock()
}

func (c *Collector) IncPendencyOpened() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.pendenciesOpened++
	c.mu.Unlock()
}

func (c *Collector) IncPendencyResolved() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.pendenciesResolved++
	c.mu.Unlock()
}

// Snapshot returns an immutable point-in-time view of the cycle's
// counters. The Collector can continue to be mutated independently.
func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	return Snapshot{
		CompaniesOK:                c.companiesOK,
		CompaniesFailedNonCritical: c.companiesFailedNonCritical,
		CompaniesFailedCritical:    c.companiesFailedCritical,
		CompaniesSkippedCircuit:    c.companiesSkippedCircuit,
		CompaniesSkippedTimeout:    c.companiesSkippedTimeout,

		XMLsSaved:   c.xmlsSaved,
		ParseErrors: c.parseErrors,
		InfoErrors:  c.infoErrors,
		SaveErrors:  c.saveErrors,

		RecoveryAttempts:  c.recoveryAttempts,
		RecoverySuccesses: c.recoverySuccesses,
		RecoveryFailures:  c.recoveryFailures,

		CircuitTrips:       c.circuitTrips,
		TimeoutBlacklists:  c.timeoutBlacklists,
		PendenciesOpened:   c.pendenciesOpened,
		PendenciesResolved: c.pendenciesResolved,

		RunID: c.runID,
	}
}

// TotalCompanies returns the count of companies in any terminal state
// this cycle — the denominator for the cycle's failure rate.
func (s Snapshot) TotalCompanies() int64 {
	return s.CompaniesOK + s.CompaniesFailedNonCritical + s.CompaniesFailedCritical +
		s.CompaniesSkippedCircuit + s.CompaniesSkippedTimeout
}

// FailureRate returns the fraction (0..1) of companies that ended in a
// critical failure state, per spec §6's exit-code thresholds. Skipped
// companies (circuit/timeout) count toward the denominator but are
// not themselves failures.
func (s Snapshot) FailureRate() float64 {
	total := s.TotalCompanies()
	if total == 0 {
		return 0
	}
	return float64(s.CompaniesFailedCritical) / float64(total)
}
