// Package audit implements the Audit Writer (C10): a per-company,
// per-month human-readable summary appended to a text file under the
// primary archive tree. The file has no schema version and is meant to
// be read directly by an operator, not parsed back by this program.
package audit

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/esdrasrenan/projeto-xml/types"
)

const dirMode = 0o755
const fileMode = 0o644

// ValidationRow is one doc_type's line in the manifest-vs-local
// validation table: counts from the manifest period, counts on disk,
// valid and ignored faltantes, extras, and a short status label.
type ValidationRow struct {
	DocType          types.DocType
	ReportCount      int
	LocalCount       int
	ValidFaltantes   []types.DocumentKey
	IgnoredFaltantes []types.DocumentKey
	Extras           []types.DocumentKey
	Status           string
}

// RoleCount is one (doc_type, role) manifest-derived count.
type RoleCount struct {
	DocType types.DocType
	Role    types.Role
	Count   int
}

// LocalCounts is the final local-file tally collected after the month's
// batch and recovery passes: standard directories, the previous-month
// mirror subtree (Entrada only, per the bleed-window rule), and cancel
// events.
type LocalCounts struct {
	NFeEntrada, NFeSaida int
	CTeEntrada, CTeSaida int
	NFeEntradaPrevMonth  int
	CTeEntradaPrevMonth  int
	CancelEventsNFe      int
	CancelEventsCTe      int
}

// ErrorCounts mirrors the fetch package's Stats error taxonomy,
// aggregated across every fetch pass run for the month.
type ErrorCounts struct {
	ParseErrors int
	InfoErrors  int
	SaveErrors  int
}

// RecoveryStats summarizes the Individual Recovery Fetcher (C8) pass
// for the month, plus the count of keys the retroactive-import-mark
// step found already on disk but never previously recorded.
type RecoveryStats struct {
	Attempts                int
	Successes               int
	DownloadFailures        int
	SaveFailures            int
	RetroactiveCorrections int
}

// Summary is everything one monthly audit block reports.
type Summary struct {
	Company     types.Company
	ExecutedAt  time.Time
	PeriodStart time.Time
	PeriodEnd   time.Time
	Validations []ValidationRow
	RoleCounts  []RoleCount
	Local       LocalCounts
	Errors      ErrorCounts
	Recovery    RecoveryStats
}

// Append writes s as a new block to the month's audit file under
// primaryRoot, creating the file and its directory if needed. Multiple
// calls for the same (company, month) accumulate blocks in the same
// file — this is an append-only log, not a rewritten report.
func Append(primaryRoot string, month types.MonthKey, s Summary) error {
	monthNum, year, err := month.Parts()
	if err != nil {
		return fmt.Errorf("audit: %w", err)
	}

	dir := filepath.Join(primaryRoot, strconv.Itoa(year), s.Company.FolderName, fmt.Sprintf("%02d", monthNum))
	if err := os.MkdirAll(dir, dirMode); err != nil {
		return fmt.Errorf("audit: mkdir %s: %w", dir, err)
	}

	name := fmt.Sprintf("Resumo_Auditoria_%s_%d_%02d.txt", s.Company.FolderName, year, monthNum)
	path := filepath.Join(dir, name)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, fileMode)
	if err != nil {
		return fmt.Errorf("audit: open %s: %w", path, err)
	}
	defer f.Close()

	if _, err := f.WriteString(render(s)); err != nil {
		return fmt.Errorf("audit: write %s: %w", path, err)
	}
	return nil
}

const ruleWidth = 80

func render(s Summary) string {
	var b strings.Builder
	rule := strings.Repeat("=", ruleWidth)
	thinRule := strings.Repeat("-", ruleWidth)

	b.WriteString(rule + "\n")
	fmt.Fprintf(&b, "Auditoria %s (%s) - %s a %s - execução: %s\n",
		s.Company.FolderName, s.Company.IDCanonical,
		s.PeriodStart.Format("02/01/2006"), s.PeriodEnd.Format("02/01/2006"),
		s.ExecutedAt.Format("02/01/2006 15:04:05"))
	b.WriteString(thinRule + "\n")

	b.WriteString("VALIDAÇÃO RELATÓRIO OFICIAL vs. ARQUIVOS LOCAIS\n")
	b.WriteString("  Tipo | Relatório (Período) | Local | Faltantes Válidos | Faltantes Ignorados | Extras | Status\n")
	for _, v := range s.Validations {
		fmt.Fprintf(&b, "  %-4s | %20d | %5d | %18d | %20d | %6d | %s\n",
			v.DocType, v.ReportCount, v.LocalCount, len(v.ValidFaltantes), len(v.IgnoredFaltantes), len(v.Extras), v.Status)
		writeKeyList(&b, "Chaves Faltantes Válidas", v.ValidFaltantes)
		writeKeyList(&b, "Chaves Faltantes Ignoradas", v.IgnoredFaltantes)
		writeKeyList(&b, "Chaves Extras", v.Extras)
	}
	b.WriteString(thinRule + "\n")

	b.WriteString("Contagem Relatório por Papel:\n")
	if len(s.RoleCounts) == 0 {
		b.WriteString("  N/A\n")
	} else {
		for _, rc := range s.RoleCounts {
			fmt.Fprintf(&b, "  %s/%s: %d\n", rc.DocType, rc.Role, rc.Count)
		}
	}

	b.WriteString("Contagem Local Final (Diretórios Padrão):\n")
	fmt.Fprintf(&b, "  NFe: Entrada=%d, Saída=%d\n", s.Local.NFeEntrada, s.Local.NFeSaida)
	fmt.Fprintf(&b, "  CTe: Entrada=%d, Saída=%d\n", s.Local.CTeEntrada, s.Local.CTeSaida)

	b.WriteString("Contagem Local Final (Mês Anterior - Entrada):\n")
	fmt.Fprintf(&b, "  NFe Entrada (Mês Ant.): %d\n", s.Local.NFeEntradaPrevMonth)
	fmt.Fprintf(&b, "  CTe Entrada (Mês Ant.): %d\n", s.Local.CTeEntradaPrevMonth)

	fmt.Fprintf(&b, "Eventos de Cancelamento (Local): NFe=%d, CTe=%d\n", s.Local.CancelEventsNFe, s.Local.CancelEventsCTe)
	b.WriteString(thinRule + "\n")

	b.WriteString("ERROS DURANTE O PROCESSAMENTO\n")
	totalErr := s.Errors.ParseErrors + s.Errors.InfoErrors + s.Errors.SaveErrors
	if totalErr > 0 {
		fmt.Fprintf(&b, "  Erros de Parse XML/Base64: %d\n", s.Errors.ParseErrors)
		fmt.Fprintf(&b, "  Erros de Extração de Info: %d\n", s.Errors.InfoErrors)
		fmt.Fprintf(&b, "  Erros de Salvamento: %d\n", s.Errors.SaveErrors)
	} else {
		b.WriteString("  Nenhum erro registrado nesta execução.\n")
	}
	b.WriteString(thinRule + "\n")

	b.WriteString("DOWNLOAD INDIVIDUAL DE CHAVES FALTANTES VÁLIDAS\n")
	if s.Recovery.Attempts == 0 && s.Recovery.RetroactiveCorrections == 0 {
		b.WriteString("  Nenhuma tentativa de download individual realizada.\n")
	} else {
		failures := s.Recovery.DownloadFailures + s.Recovery.SaveFailures
		fmt.Fprintf(&b, "  Tentativas=%d, Sucesso=%d, Falhas=%d (Download: %d, Salvar: %d)\n",
			s.Recovery.Attempts, s.Recovery.Successes, failures, s.Recovery.DownloadFailures, s.Recovery.SaveFailures)
		fmt.Fprintf(&b, "  Correções retroativas: %d\n", s.Recovery.RetroactiveCorrections)
	}
	b.WriteString(rule + "\n")

	return b.String()
}

func writeKeyList(b *strings.Builder, label string, keys []types.DocumentKey) {
	if len(keys) == 0 {
		return
	}
	fmt.Fprintf(b, "      >> %s (primeiras 10):\n", label)
	limit := len(keys)
	if limit > 10 {
		limit = 10
	}
	for _, k := range keys[:limit] {
		fmt.Fprintf(b, "         - %s\n", k)
	}
	if len(keys) > 10 {
		fmt.Fprintf(b, "         ... (e mais %d)\n", len(keys)-10)
	}
}
