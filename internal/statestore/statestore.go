// Package statestore persists per-month cursors, imported-key sets,
// pendency records, and download status across process restarts (spec
// component C4). State is partitioned by MonthKey on disk; each month
// is loaded lazily, cached in memory, and saved as a whole.
package statestore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/esdrasrenan/projeto-xml/iox"
	"github.com/esdrasrenan/projeto-xml/types"
)

const (
	dirMode  = 0o755
	fileMode = 0o644
)

// monthState is the on-disk shape of a single MM-YYYY partition.
type monthState struct {
	SkipCounts      map[string]map[string]map[string]int       `json:"xml_skip_counts"`         // company -> doc_type -> role -> count
	ImportedKeys    map[string]map[string]map[string]bool      `json:"processed_xml_keys"`       // company -> doc_type -> key -> present
	DownloadStatus  map[string]map[string]types.DownloadStatus `json:"report_download_status"`   // company -> doc_type
	Pendencies      map[string]map[string]types.ReportPendency `json:"report_pendencies"`        // company -> doc_type
	FailedCompanies map[string]types.FailedCompany             `json:"failed_companies"`         // company
}

func newMonthState() *monthState {
	return &monthState{
		SkipCounts:      map[string]map[string]map[string]int{},
		ImportedKeys:    map[string]map[string]map[string]bool{},
		DownloadStatus:  map[string]map[string]types.DownloadStatus{},
		Pendencies:      map[string]map[string]types.ReportPendency{},
		FailedCompanies: map[string]types.FailedCompany{},
	}
}

// metadata tracks the set of known months and the state schema version.
type metadata struct {
	KnownMonths []string `json:"known_months"`
	Version     string   `json:"version"`
}

// Store is the State Store. Safe for concurrent use: a single mutex
// guards the in-memory cache and metadata and is held for every call,
// so calls on different months are serialized too; there is no
// per-month lock.
type Store struct {
	root string

	mu       sync.Mutex
	months   map[types.MonthKey]*monthState
	dirty    map[types.MonthKey]bool
	meta     metadata
	metaOnce bool
}

// Open loads metadata.json (if present) from root and returns a ready
// Store. root is created if it does not exist.
func Open(root string) (*Store, error) {
	if err := os.MkdirAll(root, dirMode); err != nil {
		return nil, fmt.Errorf("statestore: open %s: %w", root, err)
	}
	s := &Store{
		root:   root,
		months: map[types.MonthKey]*monthState{},
		dirty:  map[types.MonthKey]bool{},
		meta:   metadata{Version: types.Version},
	}

	metaPath := filepath.Join(root, "metadata.json")
	raw, err := os.ReadFile(metaPath)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("statestore: read metadata: %w", err)
		}
	} else if err := json.Unmarshal(raw, &s.meta); err != nil {
		return nil, fmt.Errorf("statestore: decode metadata: %w", err)
	}

	if err := s.adoptMonthDirs(); err != nil {
		return nil, err
	}
	return s, nil
}

// adoptMonthDirs scans root for month-partition directories metadata.json
// doesn't yet know about — e.g. a prior version's directory written in
// the boundary-accepted "YYYY-MM" form, or one restored by hand — and
// folds them in. Each entry name is run through types.Canonicalize (spec
// §4.4's "MM-YYYY or YYYY-MM, canonicalized to MM-YYYY" boundary); a
// non-canonical name is renamed to its canonical form on disk so every
// later monthPath lookup finds it, then noted in metadata. Anything that
// doesn't canonicalize to a month key is not a partition directory and is
// left alone.
func (s *Store) adoptMonthDirs() error {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return fmt.Errorf("statestore: scan %s: %w", s.root, err)
	}
	known := make(map[string]bool, len(s.meta.KnownMonths))
	for _, m := range s.meta.KnownMonths {
		known[m] = true
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		mk, err := types.Canonicalize(e.Name())
		if err != nil {
			continue
		}
		if e.Name() != string(mk) {
			oldPath := filepath.Join(s.root, e.Name())
			newPath := filepath.Join(s.root, string(mk))
			if _, err := os.Stat(newPath); err == nil {
				return fmt.Errorf("statestore: both %s and %s exist for month %s", e.Name(), mk, mk)
			}
			if err := os.Rename(oldPath, newPath); err != nil {
				return fmt.Errorf("statestore: canonicalize %s to %s: %w", e.Name(), mk, err)
			}
		}
		if !known[string(mk)] {
			s.meta.KnownMonths = append(s.meta.KnownMonths, string(mk))
			known[string(mk)] = true
		}
	}
	return nil
}

// monthPath returns the path of mk's state.json; it creates nothing.
func (s *Store) monthPath(mk types.MonthKey) string {
	return filepath.Join(s.root, string(mk), "state.json")
}

// load returns the cached monthState for mk, reading it from disk on
// first access. Callers must hold s.mu.
func (s *Store) load(mk types.MonthKey) (*monthState, error) {
	if ms, ok := s.months[mk]; ok {
		return ms, nil
	}

	raw, err := os.ReadFile(s.monthPath(mk))
	if err != nil {
		if os.IsNotExist(err) {
			ms := newMonthState()
			s.months[mk] = ms
			s.noteMonth(mk)
			return ms, nil
		}
		return nil, fmt.Errorf("statestore: read %s: %w", mk, err)
	}

	ms := newMonthState()
	if err := json.Unmarshal(raw, ms); err != nil {
		return nil, fmt.Errorf("statestore: decode %s: %w", mk, err)
	}
	s.months[mk] = ms
	s.noteMonth(mk)
	return ms, nil
}

// noteMonth records mk in metadata.KnownMonths if not already present.
// Callers must hold s.mu.
func (s *Store) noteMonth(mk types.MonthKey) {
	key := string(mk)
	for _, m := range s.meta.KnownMonths {
		if m == key {
			return
		}
	}
	s.meta.KnownMonths = append(s.meta.KnownMonths, key)
}

// GetSkip returns the current skip cursor for (company, month, docType, role).
func (s *Store) GetSkip(mk types.MonthKey, company string, docType types.DocType, role types.Role) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ms, err := s.load(mk)
	if err != nil {
		return 0, err
	}
	return skipOf(ms, company, docType, role), nil
}

func skipOf(ms *monthState, company string, docType types.DocType, role types.Role) int {
	byDoc, ok := ms.SkipCounts[company]
	if !ok {
		return 0
	}
	byRole, ok := byDoc[string(docType)]
	if !ok {
		return 0
	}
	return byRole[string(role)]
}

// UpdateSkip adds delta (the size of the batch just requested) to the
// cursor for (company, month, docType, role). Additive per spec §4.4.
func (s *Store) UpdateSkip(mk types.MonthKey, company string, docType types.DocType, role types.Role, delta int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ms, err := s.load(mk)
	if err != nil {
		return err
	}
	byDoc, ok := ms.SkipCounts[company]
	if !ok {
		byDoc = map[string]map[string]int{}
		ms.SkipCounts[company] = byDoc
	}
	byRole, ok := byDoc[string(docType)]
	if !ok {
		byRole = map[string]int{}
		byDoc[string(docType)] = byRole
	}
	byRole[string(role)] += delta
	s.markDirty(mk)
	return nil
}

// ResetSkipForReport zeroes the cursor for every role under
// (company, month, docType), used when a resolved pendency reveals new
// manifest content.
func (s *Store) ResetSkipForReport(mk types.MonthKey, company string, docType types.DocType) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ms, err := s.load(mk)
	if err != nil {
		return err
	}
	if byDoc, ok := ms.SkipCounts[company]; ok {
		delete(byDoc, string(docType))
	}
	s.markDirty(mk)
	return nil
}

// MarkXMLAsImported records key as processed for (company, month, docType).
func (s *Store) MarkXMLAsImported(mk types.MonthKey, company string, docType types.DocType, key types.DocumentKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ms, err := s.load(mk)
	if err != nil {
		return err
	}
	byDoc, ok := ms.ImportedKeys[company]
	if !ok {
		byDoc = map[string]map[string]bool{}
		ms.ImportedKeys[company] = byDoc
	}
	keys, ok := byDoc[string(docType)]
	if !ok {
		keys = map[string]bool{}
		byDoc[string(docType)] = keys
	}
	keys[string(key)] = true
	s.markDirty(mk)
	return nil
}

// IsXMLAlreadyImported reports whether key was previously recorded for
// (company, month, docType).
func (s *Store) IsXMLAlreadyImported(mk types.MonthKey, company string, docType types.DocType, key types.DocumentKey) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ms, err := s.load(mk)
	if err != nil {
		return false, err
	}
	byDoc, ok := ms.ImportedKeys[company]
	if !ok {
		return false, nil
	}
	keys, ok := byDoc[string(docType)]
	if !ok {
		return false, nil
	}
	return keys[string(key)], nil
}

// ImportedXMLCount returns the number of keys recorded as imported for
// (company, month, docType).
func (s *Store) ImportedXMLCount(mk types.MonthKey, company string, docType types.DocType) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ms, err := s.load(mk)
	if err != nil {
		return 0, err
	}
	byDoc, ok := ms.ImportedKeys[company]
	if !ok {
		return 0, nil
	}
	return len(byDoc[string(docType)]), nil
}

// AddOrUpdateReportPendency records an attempt against the
// (company, month, docType) pendency, creating it on first failure.
func (s *Store) AddOrUpdateReportPendency(mk types.MonthKey, company string, docType types.DocType, now time.Time, status types.PendencyStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ms, err := s.load(mk)
	if err != nil {
		return err
	}
	byDoc, ok := ms.Pendencies[company]
	if !ok {
		byDoc = map[string]types.ReportPendency{}
		ms.Pendencies[company] = byDoc
	}
	p := byDoc[string(docType)]
	p.RecordAttempt(now, status)
	byDoc[string(docType)] = p
	s.markDirty(mk)
	return nil
}

// UpdateReportPendencyStatus overwrites the status of an existing
// pendency without incrementing its attempt counter (used when upstream
// now reports "no data" with confidence, for instance).
func (s *Store) UpdateReportPendencyStatus(mk types.MonthKey, company string, docType types.DocType, status types.PendencyStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ms, err := s.load(mk)
	if err != nil {
		return err
	}
	byDoc, ok := ms.Pendencies[company]
	if !ok {
		return nil
	}
	p := byDoc[string(docType)]
	p.Status = status
	byDoc[string(docType)] = p
	s.markDirty(mk)
	return nil
}

// ResolveReportPendency removes the pendency for (company, month, docType).
func (s *Store) ResolveReportPendency(mk types.MonthKey, company string, docType types.DocType) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ms, err := s.load(mk)
	if err != nil {
		return err
	}
	if byDoc, ok := ms.Pendencies[company]; ok {
		delete(byDoc, string(docType))
	}
	s.markDirty(mk)
	return nil
}

// GetReportPendencyDetails returns the pendency for (company, month,
// docType), and whether one exists.
func (s *Store) GetReportPendencyDetails(mk types.MonthKey, company string, docType types.DocType) (types.ReportPendency, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ms, err := s.load(mk)
	if err != nil {
		return types.ReportPendency{}, false, err
	}
	byDoc, ok := ms.Pendencies[company]
	if !ok {
		return types.ReportPendency{}, false, nil
	}
	p, ok := byDoc[string(docType)]
	return p, ok, nil
}

// PendingReport identifies one outstanding report pendency.
type PendingReport struct {
	Month     types.MonthKey
	Company   string
	DocType   types.DocType
	Pendency  types.ReportPendency
}

// ListPendingReports returns every pendency across all loaded months
// that is not suppressed (see types.PendencyStatus.Suppressed). Months
// never loaded in this process are not scanned; callers that need a
// full-history replay should load every known month first via
// KnownMonths.
func (s *Store) ListPendingReports() []PendingReport {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []PendingReport
	for mk, ms := range s.months {
		for company, byDoc := range ms.Pendencies {
			for docType, p := range byDoc {
				if p.Status.Suppressed() {
					continue
				}
				out = append(out, PendingReport{
					Month:    mk,
					Company:  company,
					DocType:  types.DocType(docType),
					Pendency: p,
				})
			}
		}
	}
	return out
}

// KnownMonths returns every MonthKey recorded in metadata: the months
// listed in metadata.json or found as month directories at Open, plus
// every month loaded in this process, whether or not its state was
// written. The order is unspecified.
func (s *Store) KnownMonths() []types.MonthKey {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.MonthKey, 0, len(s.meta.KnownMonths))
	for _, m := range s.meta.KnownMonths {
		out = append(out, types.MonthKey(m))
	}
	return out
}

// UpdateReportDownloadStatus records the outcome of the last report
// download attempt for (company, month, docType).
func (s *Store) UpdateReportDownloadStatus(mk types.MonthKey, company string, docType types.DocType, status types.DownloadStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ms, err := s.load(mk)
	if err != nil {
		return err
	}
	byDoc, ok := ms.DownloadStatus[company]
	if !ok {
		byDoc = map[string]types.DownloadStatus{}
		ms.DownloadStatus[company] = byDoc
	}
	byDoc[string(docType)] = status
	s.markDirty(mk)
	return nil
}

// MarkCompanyFailed records company as failed for mk.
func (s *Store) MarkCompanyFailed(mk types.MonthKey, company string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ms, err := s.load(mk)
	if err != nil {
		return err
	}
	ms.FailedCompanies[company] = types.FailedCompany{Timestamp: now, Month: mk}
	s.markDirty(mk)
	return nil
}

// markDirty flags mk for persistence on the next Save call. Callers
// must hold s.mu.
func (s *Store) markDirty(mk types.MonthKey) {
	s.dirty[mk] = true
}

// SaveCurrentMonth saves every month currently marked dirty.
func (s *Store) SaveCurrentMonth() error {
	s.mu.Lock()
	dirty := make([]types.MonthKey, 0, len(s.dirty))
	for mk := range s.dirty {
		dirty = append(dirty, mk)
	}
	s.mu.Unlock()

	for _, mk := range dirty {
		if err := s.SaveMonth(mk); err != nil {
			return err
		}
	}
	return s.saveMetadata()
}

// SaveMonth atomically persists mk's state to disk, regardless of its
// dirty flag.
func (s *Store) SaveMonth(mk types.MonthKey) error {
	s.mu.Lock()
	ms, ok := s.months[mk]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	raw, err := json.MarshalIndent(ms, "", "  ")
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("statestore: marshal %s: %w", mk, err)
	}

	path := s.monthPath(mk)
	if err := os.MkdirAll(filepath.Dir(path), dirMode); err != nil {
		return fmt.Errorf("statestore: mkdir %s: %w", mk, err)
	}
	if err := atomicWrite(path, raw); err != nil {
		return fmt.Errorf("statestore: save %s: %w", mk, err)
	}

	s.mu.Lock()
	delete(s.dirty, mk)
	s.mu.Unlock()
	return s.saveMetadata()
}

func (s *Store) saveMetadata() error {
	s.mu.Lock()
	raw, err := json.MarshalIndent(s.meta, "", "  ")
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("statestore: marshal metadata: %w", err)
	}
	return atomicWrite(filepath.Join(s.root, "metadata.json"), raw)
}

// atomicWrite writes data to path via a sibling temp file, fsync, then
// rename — the rename is atomic on POSIX filesystems, so a crash never
// leaves a half-written state file.
func atomicWrite(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	defer iox.DiscardClose(tmp)
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
