package telemetry

import (
	"sync"
	"testing"
)

func TestCollector_IncrementMethods(t *testing.T) {
	c := NewCollector("run-001")

	c.IncCompanyOK()
	c.IncCompanyOK()
	c.IncCompanyFailedNonCritical()
	c.IncCompanyFailedCritical()
	c.IncCompanySkippedCircuit()
	c.IncCompanySkippedTimeout()
	c.IncCircuitTrip()
	c.IncTimeoutBlacklist()
	c.IncPendencyOpened()
	c.IncPendencyOpened()
	c.IncPendencyResolved()

	s := c.Snapshot()

	if s.CompaniesOK != 2 {
		t.Errorf("CompaniesOK = %d, want 2", s.CompaniesOK)
	}
	if s.CompaniesFailedNonCritical != 1 {
		t.Errorf("CompaniesFailedNonCritical = %d, want 1", s.CompaniesFailedNonCritical)
	}
	if s.CompaniesFailedCritical != 1 {
		t.Errorf("CompaniesFailedCritical = %d, want 1", s.CompaniesFailedCritical)
	}
	if s.CompaniesSkippedCircuit != 1 || s.CompaniesSkippedTimeout != 1 {
		t.Errorf("skipped counts = %d/%d, want 1/1", s.CompaniesSkippedCircuit, s.CompaniesSkippedTimeout)
	}
	if s.CircuitTrips != 1 || s.TimeoutBlacklists != 1 {
		t.Errorf("circuit/timeout counts = %d/%d, want 1/1", s.CircuitTrips, s.TimeoutBlacklists)
	}
	if s.PendenciesOpened != 2 || s.PendenciesResolved != 1 {
		t.Errorf("pendency counts = %d/%d, want 2/1", s.PendenciesOpened, s.PendenciesResolved)
	}
	if s.RunID != "run-001" {
		t.Errorf("RunID = %q, want run-001", s.RunID)
	}
}

func TestCollector_AbsorbFetchStats(t *testing.T) {
	c := NewCollector("run-001")
	c.AbsorbFetchStats(10, 1, 2, 0)
	c.AbsorbFetchStats(5, 0, 0, 1)

	s := c.Snapshot()
	if s.XMLsSaved != 15 {
		t.Errorf("XMLsSaved = %d, want 15", s.XMLsSaved)
	}
	if s.ParseErrors != 1 || s.InfoErrors != 2 || s.SaveErrors != 1 {
		t.Errorf("error counts = %d/%d/%d, want 1/2/1", s.ParseErrors, s.InfoErrors, s.SaveErrors)
	}
}

func TestCollector_AbsorbRecovery(t *testing.T) {
	c := NewCollector("run-001")
	c.AbsorbRecovery(3, 2, 1)

	s := c.Snapshot()
	if s.RecoveryAttempts != 3 || s.RecoverySuccesses != 2 || s.RecoveryFailures != 1 {
		t.Errorf("recovery counts = %d/%d/%d, want 3/2/1", s.RecoveryAttempts, s.RecoverySuccesses, s.RecoveryFailures)
	}
}

func TestCollector_NilReceiverSafety(t *testing.T) {
	var c *Collector

	c.IncCompanyOK()
	c.IncCompanyFailedCritical()
	c.IncCompanySkippedCircuit()
	c.IncCircuitTrip()
	c.IncPendencyOpened()
	c.AbsorbFetchStats(1, 1, 1, 1)
	c.AbsorbRecovery(1, 1, 1)

	s := c.Snapshot()
	if s.CompaniesOK != 0 || s.XMLsSaved != 0 {
		t.Errorf("nil collector snapshot should be zero, got %+v", s)
	}
}

func TestCollector_ConcurrentAccess(t *testing.T) {
	c := NewCollector("run-001")
	const goroutines = 10
	const iterations = 1000

	var wg sync.WaitGroup
	wg.Add(goroutines)
	for range goroutines {
		go func() {
			defer wg.Done()
			for range iterations {
				c.IncCompanyOK()
				c.AbsorbFetchStats(1, 0, 0, 0)
			}
		}()
	}
	wg.Wait()

	s := c.Snapshot()
	want := int64(goroutines * iterations)
	if s.CompaniesOK != want {
		t.Errorf("CompaniesOK = %d, want %d", s.CompaniesOK, want)
	}
	if s.XMLsSaved != want {
		t.Errorf("XMLsSaved = %d, want %d", s.XMLsSaved, want)
	}
}

func TestSnapshot_FailureRate(t *testing.T) {
	c := NewCollector("run-001")
	c.IncCompanyOK()
	c.IncCompanyOK()
	c.IncCompanyOK()
	c.IncCompanyFailedCritical()

	s := c.Snapshot()
	if s.TotalCompanies() != 4 {
		t.Errorf("TotalCompanies() = %d, want 4", s.TotalCompanies())
	}
	if got := s.FailureRate(); got != 0.25 {
		t.Errorf("FailureRate() = %v, want 0.25", got)
	}
}

func TestSnapshot_FailureRateZeroCompanies(t *testing.T) {
	var s Snapshot
	if got := s.FailureRate(); got != 0 {
		t.Errorf("FailureRate() = %v, want 0 for empty snapshot", got)
	}
}
