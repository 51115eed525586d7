package statestore

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/esdrasrenan/projeto-xml/types"
)

// legacyState is the shape of a v1 monolithic state.json: every
// month's records live together in one file, keyed by company, then
// month, then doc_type, instead of one file per MonthKey. Only the two
// fields migrate_from_v1 cares about are modeled; anything else in an
// old file is ignored.
type legacyState struct {
	SkipCounts map[string]map[string]map[string]map[string]int        `json:"xml_skip_counts"`
	Pendencies map[string]map[string]map[string]types.ReportPendency `json:"report_pendencies"`
}

// MigrationStats reports what MigrateFromV1 moved.
type MigrationStats struct {
	MonthsCreated      int
	CompaniesMigrated  int
	SkipCountsMigrated int
	PendenciesMigrated int
}

// MigrateFromV1 reads a legacy monolithic state.json (company ->
// month -> doc_type -> role -> count, and the equivalent pendency
// shape) and splits it into this Store's per-month partitions,
// canonicalizing each month key found to MM-YYYY along the way (spec
// §4.4's v1 migration clause). It is a one-time historical-ops
// operation, not part of the normal cycle path: call it explicitly
// against an old state file, then SaveCurrentMonth to persist the
// result.
func (s *Store) MigrateFromV1(path string) (MigrationStats, error) {
	var stats MigrationStats
	touched := map[types.MonthKey]bool{}

	raw, err := os.ReadFile(path)
	if err != nil {
		return stats, fmt.Errorf("statestore: migrate: read %s: %w", path, err)
	}
	var old legacyState
	if err := json.Unmarshal(raw, &old); err != nil {
		return stats, fmt.Errorf("statestore: migrate: decode %s: %w", path, err)
	}

	companies := map[string]bool{}

	for company, byMonth := range old.SkipCounts {
		companies[company] = true
		for rawMonth, byDoc := range byMonth {
			mk, err := types.Canonicalize(rawMonth)
			if err != nil {
				return stats, fmt.Errorf("statestore: migrate: company %s: %w", company, err)
			}
			s.mu.Lock()
			ms, err := s.load(mk)
			s.mu.Unlock()
			if err != nil {
				return stats, err
			}
			touched[mk] = true

			s.mu.Lock()
			dest, ok := ms.SkipCounts[company]
			if !ok {
				dest = map[string]map[string]int{}
				ms.SkipCounts[company] = dest
			}
			for docType, byRole := range byDoc {
				destRole, ok := dest[docType]
				if !ok {
					destRole = map[string]int{}
					dest[docType] = destRole
				}
				for role, count := range byRole {
					destRole[role] = count
					stats.SkipCountsMigrated++
				}
			}
			s.markDirty(mk)
			s.mu.Unlock()
		}
	}

	for company, byMonth := range old.Pendencies {
		companies[company] = true
		for rawMonth, byDoc := range byMonth {
			mk, err := types.Canonicalize(rawMonth)
			if err != nil {
				return stats, fmt.Errorf("statestore: migrate: company %s: %w", company, err)
			}
			s.mu.Lock()
			ms, err := s.load(mk)
			s.mu.Unlock()
			if err != nil {
				return stats, err
			}
			touched[mk] = true

			s.mu.Lock()
			dest, ok := ms.Pendencies[company]
			if !ok {
				dest = map[string]types.ReportPendency{}
				ms.Pendencies[company] = dest
			}
			for docType, p := range byDoc {
				dest[docType] = p
				stats.PendenciesMigrated++
			}
			s.markDirty(mk)
			s.mu.Unlock()
		}
	}

	stats.MonthsCreated = len(touched)
	stats.CompaniesMigrated = len(companies)

	return stats, nil
}
