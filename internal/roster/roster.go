// Package roster reads the company roster (a spreadsheet of CNPJ/CPF
// plus folder name, local path or HTTP(S) URL) that seeds each cycle.
package roster

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/tealeg/xlsx"

	"github.com/esdrasrenan/projeto-xml/internal/identity"
	"github.com/esdrasrenan/projeto-xml/types"
)

const (
	colCnpjCpf = "cnpjcpf"
	colNome    = "nome"
)

// Open reads path (a local file path, a file:// URL, or an http(s)
// URL) into the roster of companies, normalizing each id via
// internal/identity. Rows with an invalid id are skipped — an invalid
// roster row is a per-row problem, not a load failure (spec §7).
func Open(path string) ([]types.Company, error) {
	local, cleanup, err := localize(path)
	if err != nil {
		return nil, err
	}
	if cleanup != nil {
		defer cleanup()
	}

	f, err := xlsx.OpenFile(local)
	if err != nil {
		return nil, fmt.Errorf("roster: open %s: %w", path, err)
	}
	if len(f.Sheets) == 0 {
		return nil, fmt.Errorf("roster: %s has no sheets", path)
	}
	return parseSheet(f.Sheets[0])
}

// OpenWithLimit is Open truncated to the first limit rows after
// parsing, for the CLI's --limit flag. limit <= 0 means unlimited.
func OpenWithLimit(path string, limit int) ([]types.Company, error) {
	companies, err := Open(path)
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(companies) > limit {
		companies = companies[:limit]
	}
	return companies, nil
}

func localize(path string) (local string, cleanup func(), err error) {
	if !strings.HasPrefix(path, "http://") && !strings.HasPrefix(path, "https://") {
		return strings.TrimPrefix(path, "file://"), nil, nil
	}

	resp, err := http.Get(path)
	if err != nil {
		return "", nil, fmt.Errorf("roster: download %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return "", nil, fmt.Errorf("roster: download %s: http %d", path, resp.StatusCode)
	}

	tmp, err := os.CreateTemp("", "roster-*.xlsx")
	if err != nil {
		return "", nil, fmt.Errorf("roster: create temp file: %w", err)
	}
	if _, err := io.Copy(tmp, resp.Body); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", nil, fmt.Errorf("roster: write temp file: %w", err)
	}
	tmp.Close()

	return tmp.Name(), func() { os.Remove(tmp.Name()) }, nil
}

func parseSheet(sheet *xlsx.Sheet) ([]types.Company, error) {
	if len(sheet.Rows) == 0 {
		return nil, fmt.Errorf("roster: sheet %q has no rows", sheet.Name)
	}

	header := sheet.Rows[0]
	colIndex := make(map[string]int, len(header.Cells))
	for i, cell := range header.Cells {
		name := normalizeHeader(cell.String())
		if name != "" {
			colIndex[name] = i
		}
	}

	cnpjIdx, ok := colIndex[colCnpjCpf]
	if !ok {
		return nil, fmt.Errorf("roster: required column %q not found", colCnpjCpf)
	}
	nomeIdx, ok := colIndex[colNome]
	if !ok {
		return nil, fmt.Errorf("roster: required column %q not found", colNome)
	}

	var companies []types.Company
	for _, row := range sheet.Rows[1:] {
		rawID := cellAt(row, cnpjIdx)
		folder := strings.TrimSpace(cellAt(row, nomeIdx))
		if folder == "" {
			continue // invalid row: missing name, skip the company for the cycle
		}

		id, err := identity.Normalize(rawID)
		if err != nil {
			continue // invalid row: bad company id, skip the company for the cycle
		}

		companies = append(companies, types.Company{
			IDCanonical: id,
			FolderName:  identity.SanitizeFolder(folder),
		})
	}
	return companies, nil
}

func normalizeHeader(s string) string {
	return strings.ToLower(strings.ReplaceAll(strings.TrimSpace(s), " ", ""))
}

func cellAt(row *xlsx.Row, idx int) string {
	if idx >= len(row.Cells) {
		return ""
	}
	return row.Cells[idx].String()
}
