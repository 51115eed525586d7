// Package manifest reads the monthly report spreadsheet (component C6)
// and exposes the derived views the Batch Fetcher and reconciliation
// pass need: the full row set filtered to a period, per-role counts,
// and per-role key classification.
package manifest

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/araddon/dateparse"
	"github.com/tealeg/xlsx"

	"github.com/esdrasrenan/projeto-xml/internal/identity"
	"github.com/esdrasrenan/projeto-xml/types"
)

// Known header names per spec §4.6, matched case-insensitively.
const (
	colChave     = "chave"
	colDtEmissao = "dt_emissao"

	colCnpjEmitNFe = "cnpj_cpf_cnpjemit"
	colCnpjDest    = "cnpj_cpf_dest"
	colCnpjEmitCTe = "cnpj_cpf_emitente"
	colCnpjTomador = "cnpj_cpf_tomador"
	colCnpjOutroTom = "cnpj_cpf_outro_tomador"
)

// roleColumns is the set of CNPJ/CPF columns the Manifest Reader reads
// into ManifestRow.RoleFields verbatim, keyed by their canonical
// lower-cased header name.
var roleColumns = map[string]bool{
	colCnpjEmitNFe:  true,
	colCnpjDest:     true,
	colCnpjEmitCTe:  true,
	colCnpjTomador:  true,
	colCnpjOutroTom: true,
}

// RoleKey identifies a (doc_type, role) pair, the grouping unit for
// counts and classification.
type RoleKey struct {
	DocType types.DocType
	Role    types.Role
}

// Open reads path (a local file path, a file:// URL, or an http(s)
// URL) into a slice of rows. An http(s) source is downloaded to a
// temp file first since xlsx.OpenFile requires a local path.
func Open(path string) ([]types.ManifestRow, error) {
	local, cleanup, err := localize(path)
	if err != nil {
		return nil, err
	}
	if cleanup != nil {
		defer cleanup()
	}

	f, err := xlsx.OpenFile(local)
	if err != nil {
		return nil, fmt.Errorf("manifest: open %s: %w", path, err)
	}
	if len(f.Sheets) == 0 {
		return nil, fmt.Errorf("manifest: %s has no sheets", path)
	}
	return parseSheet(f.Sheets[0])
}

// localize resolves path to a local filesystem path, downloading it
// first if it is an http(s) URL. The returned cleanup removes any
// temp file created; it is nil for paths that were already local.
func localize(path string) (local string, cleanup func(), err error) {
	if !strings.HasPrefix(path, "http://") && !strings.HasPrefix(path, "https://") {
		return strings.TrimPrefix(path, "file://"), nil, nil
	}

	resp, err := http.Get(path)
	if err != nil {
		return "", nil, fmt.Errorf("manifest: download %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return "", nil, fmt.Errorf("manifest: download %s: http %d", path, resp.StatusCode)
	}

	tmp, err := os.CreateTemp("", "manifest-*.xlsx")
	if err != nil {
		return "", nil, fmt.Errorf("manifest: create temp file: %w", err)
	}
	if _, err := io.Copy(tmp, resp.Body); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", nil, fmt.Errorf("manifest: write temp file: %w", err)
	}
	tmp.Close()

	return tmp.Name(), func() { os.Remove(tmp.Name()) }, nil
}

func parseSheet(sheet *xlsx.Sheet) ([]types.ManifestRow, error) {
	if len(sheet.Rows) == 0 {
		return nil, fmt.Errorf("manifest: sheet %q has no rows", sheet.Name)
	}

	header := sheet.Rows[0]
	colIndex := make(map[string]int, len(header.Cells))
	for i, cell := range header.Cells {
		name := normalizeHeader(cell.String())
		if name != "" {
			colIndex[name] = i
		}
	}

	chaveIdx, ok := colIndex[colChave]
	if !ok {
		return nil, fmt.Errorf("manifest: required key column %q not found", colChave)
	}
	dtIdx, ok := colIndex[colDtEmissao]
	if !ok {
		return nil, fmt.Errorf("manifest: required date column %q not found", colDtEmissao)
	}

	var rows []types.ManifestRow
	for _, row := range sheet.Rows[1:] {
		key, ok := cleanKey(cellAt(row, chaveIdx))
		if !ok {
			continue
		}
		emission, err := parseDate(cellAt(row, dtIdx))
		if err != nil {
			continue
		}

		roleFields := make(map[string]string)
		for col := range roleColumns {
			idx, ok := colIndex[col]
			if !ok {
				continue
			}
			if v := strings.TrimSpace(cellAt(row, idx)); v != "" {
				roleFields[col] = v
			}
		}

		rows = append(rows, types.ManifestRow{
			Key:          types.DocumentKey(key),
			EmissionDate: emission,
			RoleFields:   roleFields,
		})
	}
	return rows, nil
}

func normalizeHeader(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func cellAt(row *xlsx.Row, idx int) string {
	if idx >= len(row.Cells) {
		return ""
	}
	return row.Cells[idx].String()
}

// cleanKey strips non-digit characters from raw and validates the
// result is a 44-digit document key.
func cleanKey(raw string) (string, bool) {
	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	key := b.String()
	return key, len(key) == 44
}

// parseDate tries the DD/MM/YYYY form common in Brazilian reports
// first (so "01/04/2024" is 1 April, not read month-first), then falls
// back to dateparse for ISO timestamps and most spreadsheet-serialized
// formats.
func parseDate(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, fmt.Errorf("manifest: empty date")
	}
	if t, err := time.Parse("02/01/2006", raw); err == nil {
		return t, nil
	}
	if t, err := dateparse.ParseAny(raw); err == nil {
		return t, nil
	}
	return time.Time{}, fmt.Errorf("manifest: unparseable date %q", raw)
}

// ReadReportData reads path and returns every row plus the subset of
// keys whose emission date falls within [startDate, endDate].
func ReadReportData(path string, startDate, endDate time.Time) (full []types.ManifestRow, keysInPeriod map[types.DocumentKey]bool, err error) {
	full, err = Open(path)
	if err != nil {
		return nil, nil, err
	}
	keysInPeriod = make(map[types.DocumentKey]bool)
	for _, row := range full {
		if !row.EmissionDate.Before(startDate) && !row.EmissionDate.After(endDate) {
			keysInPeriod[row.Key] = true
		}
	}
	return full, keysInPeriod, nil
}

// RoleFor determines the role a normalized company id occupies on a
// manifest row, per the priority order in spec §4.6: for CTe,
// Tomador/Outro_Tomador outranks Emitente, which outranks
// Destinatario; for NFe, Emitente then Destinatario. Returns
// ("", false) if the company does not appear in any known role
// column on this row.
func RoleFor(row types.ManifestRow, companyIDNormalized string, docType types.DocType) (types.Role, bool) {
	matches := func(col string) bool {
		v, ok := row.RoleFields[col]
		if !ok {
			return false
		}
		norm, err := identity.Normalize(v)
		if err != nil {
			return false
		}
		return norm == companyIDNormalized
	}

	if docType == types.CTe {
		if matches(colCnpjTomador) || matches(colCnpjOutroTom) {
			return types.Tomador, true
		}
		if matches(colCnpjEmitCTe) {
			return types.Emitente, true
		}
		if matches(colCnpjDest) {
			return types.Destinatario, true
		}
		return "", false
	}

	if matches(colCnpjEmitNFe) {
		return types.Emitente, true
	}
	if matches(colCnpjDest) {
		return types.Destinatario, true
	}
	return "", false
}

// GetCountsByRole tallies, for each (doc_type, role), the number of
// manifest rows where companyID occupies that role.
func GetCountsByRole(rows []types.ManifestRow, companyID string, docType types.DocType) (map[RoleKey]int, error) {
	norm, err := identity.Normalize(companyID)
	if err != nil {
		return nil, err
	}
	counts := make(map[RoleKey]int)
	for _, row := range rows {
		role, ok := RoleFor(row, norm, docType)
		if !ok {
			continue
		}
		counts[RoleKey{DocType: docType, Role: role}]++
	}
	return counts, nil
}

// ClassifyKeysByRole groups keys (typically the faltantes under
// reconciliation) by the role companyID occupies on their manifest
// row. Keys whose row is missing or classifies to a role outside
// {Emitente, Destinatario, Tomador} are omitted — callers treat the
// difference between len(keys) and the classified total as ignored
// faltantes.
func ClassifyKeysByRole(keys map[types.DocumentKey]bool, rows []types.ManifestRow, companyID string, docType types.DocType) (map[RoleKey]map[types.DocumentKey]bool, error) {
	norm, err := identity.Normalize(companyID)
	if err != nil {
		return nil, err
	}
	byKey := make(map[types.DocumentKey]types.ManifestRow, len(rows))
	for _, row := range rows {
		byKey[row.Key] = row
	}

	out := make(map[RoleKey]map[types.DocumentKey]bool)
	for key := range keys {
		row, ok := byKey[key]
		if !ok {
			continue
		}
		role, ok := RoleFor(row, norm, docType)
		if !ok {
			continue
		}
		rk := RoleKey{DocType: docType, Role: role}
		if out[rk] == nil {
			out[rk] = make(map[types.DocumentKey]bool)
		}
		out[rk][key] = true
	}
	return out, nil
}
