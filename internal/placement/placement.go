// Package placement computes the list of target paths a parsed
// document or cancellation event should be written to (component C7's
// Placement Rules). It is a pure function of (parsed metadata, today's
// clock, imported-key state) — no filesystem access of its own, except
// for the injected existence check used to locate a cancel event's
// referenced document.
package placement

import (
	"fmt"
	"path/filepath"
	"strconv"
	"time"

	"github.com/esdrasrenan/projeto-xml/types"
)

// Roots holds the three archive trees Placement writes into.
type Roots struct {
	Primary string // YYYY/company/MM/DocType/Direction/{key}.xml
	Flat    string // {key}.xml, deduplicated per company
	Cancel  string // {referenced_key}_CANC.xml
}

const mesAnterior = "Mês_anterior"

// PrincipalDestinations computes the target paths for an NFe/CTe
// principal document (not an event). alreadyImported reflects whether
// ImportedKeySet[company,month,doc_type] already contains doc.Key;
// callers must mark the key imported themselves before committing,
// since that is a side effect on the state store, not this function's
// concern. allowPreviousMonthMirror is false for C8 (individual
// recovery), since there a document's own emission already determines
// where it belongs, and true for C7 (batch fetch).
func PrincipalDestinations(roots Roots, company types.Company, doc *types.ParsedDocument, today time.Time, alreadyImported bool, allowPreviousMonthMirror bool) []string {
	var paths []string

	year, month := doc.EmissionTS.Year(), int(doc.EmissionTS.Month())
	paths = append(paths, primaryPath(roots.Primary, company, year, month, doc.DocType(), doc.Direction, doc.Key))

	if !alreadyImported {
		paths = append(paths, flatPath(roots.Flat, doc.Key))
	}

	if allowPreviousMonthMirror && doc.Direction == types.Entrada && isCurrentMonth(doc.EmissionTS, today) && today.Day() >= 1 && today.Day() <= 3 {
		prev := today.AddDate(0, -1, 0)
		paths = append(paths, previousMonthPath(roots.Primary, company, prev.Year(), int(prev.Month()), doc.DocType(), doc.Direction, doc.Key))
	}

	return paths
}

func isCurrentMonth(emission, today time.Time) bool {
	return emission.Year() == today.Year() && emission.Month() == today.Month()
}

// EventDestinations computes the target paths for a cancellation
// event. It locates the referenced document by searching, in priority
// order, the referenced key's own year/month, the event's year/month,
// and the previous-month mirror tree (relative to today), using exists
// to test candidate files. If the referenced document cannot be
// found, ok is false and the event must not be written this cycle —
// it will be retried once the principal document appears.
func EventDestinations(roots Roots, company types.Company, doc *types.ParsedDocument, today time.Time, exists func(path string) bool) (paths []string, ok bool) {
	if !doc.IsEvent() || !doc.EventCode.IsCancel() {
		return nil, false
	}

	dir, found := locateReferencedDir(roots.Primary, company, doc, today, exists)
	if !found {
		return nil, false
	}

	filename := fmt.Sprintf("%s_CANC.xml", doc.ReferencedKey)
	paths = append(paths, filepath.Join(dir, filename))
	paths = append(paths, filepath.Join(roots.Cancel, filename))
	return paths, true
}

// locateReferencedDir searches for the directory already holding the
// referenced document, trying Entrada, then Saída, then the
// undetermined (no-direction) folder within each candidate month in
// turn.
func locateReferencedDir(primaryRoot string, company types.Company, doc *types.ParsedDocument, today time.Time, exists func(path string) bool) (string, bool) {
	docType := doc.DocType()
	candidates := monthCandidates(primaryRoot, company, doc, today)

	for _, dir := range candidates {
		for _, direction := range []types.Direction{types.Entrada, types.Saida, types.Undetermined} {
			docDir := directionDir(dir, docType, direction)
			if exists(filepath.Join(docDir, fmt.Sprintf("%s.xml", doc.ReferencedKey))) {
				return docDir, true
			}
		}
	}
	return "", false
}

// monthCandidates builds the ordered list of month directories to
// search: the referenced document's own year/month, the event's
// year/month, then the previous-month mirror tree.
func monthCandidates(primaryRoot string, company types.Company, doc *types.ParsedDocument, today time.Time) []string {
	var dirs []string

	if yyyy, mm, ok := referencedYearMonth(doc.ReferencedKey); ok {
		dirs = append(dirs, filepath.Join(primaryRoot, yyyy, company.FolderName, mm))
	}

	eventYear, eventMonth := doc.EmissionTS.Year(), int(doc.EmissionTS.Month())
	dirs = append(dirs, filepath.Join(primaryRoot, strconv.Itoa(eventYear), company.FolderName, fmt.Sprintf("%02d", eventMonth)))

	prev := today.AddDate(0, -1, 0)
	dirs = append(dirs, filepath.Join(primaryRoot, strconv.Itoa(prev.Year()), company.FolderName, fmt.Sprintf("%02d", int(prev.Month())), mesAnterior))

	return dirs
}

func referencedYearMonth(key types.DocumentKey) (yyyy, mm string, ok bool) {
	yyyy, mm = key.EmissionYearMonth()
	return yyyy, mm, yyyy != "" && mm != ""
}

func primaryPath(primaryRoot string, company types.Company, year, month int, docType types.DocType, direction types.Direction, key types.DocumentKey) string {
	dir := directionDir(filepath.Join(primaryRoot, strconv.Itoa(year), company.FolderName, fmt.Sprintf("%02d", month)), docType, direction)
	return filepath.Join(dir, fmt.Sprintf("%s.xml", key))
}

func previousMonthPath(primaryRoot string, company types.Company, prevYear, prevMonth int, docType types.DocType, direction types.Direction, key types.DocumentKey) string {
	dir := directionDir(filepath.Join(primaryRoot, strconv.Itoa(prevYear), company.FolderName, fmt.Sprintf("%02d", prevMonth), mesAnterior), docType, direction)
	return filepath.Join(dir, fmt.Sprintf("%s.xml", key))
}

// directionDir appends DocType and, when determined, Direction onto
// monthDir.
func directionDir(monthDir string, docType types.DocType, direction types.Direction) string {
	dir := filepath.Join(monthDir, string(docType))
	if direction != types.Undetermined {
		dir = filepath.Join(dir, string(direction))
	}
	return dir
}

func flatPath(flatRoot string, key types.DocumentKey) string {
	return filepath.Join(flatRoot, fmt.Sprintf("%s.xml", key))
}
