// Package pipeline implements the Company Pipeline Orchestrator (C11):
// the per-company, per-month state machine that drives the manifest
// read, batch fetch, reconciliation, recovery, audit, and cancel-event
// passes for a single company within one cycle.
package pipeline

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/esdrasrenan/projeto-xml/internal/applog"
	"github.com/esdrasrenan/projeto-xml/internal/audit"
	"github.com/esdrasrenan/projeto-xml/internal/fetch"
	"github.com/esdrasrenan/projeto-xml/internal/manifest"
	"github.com/esdrasrenan/projeto-xml/internal/telemetry"
	"github.com/esdrasrenan/projeto-xml/internal/upstream"
	"github.com/esdrasrenan/projeto-xml/types"
)

// Outcome is the terminal state a company reaches within one cycle.
type Outcome string

const (
	OK                Outcome = "ok"
	FailedNonCritical Outcome = "failed_non_critical"
	FailedCritical    Outcome = "failed_critical"
	SkippedCircuit    Outcome = "skipped_circuit"
	SkippedTimeout    Outcome = "skipped_timeout"
)

const mesAnterior = "Mês_anterior"

// Deps bundles a company pass's collaborators: the fetch package's own
// Deps (upstream, committer, state store, archive roots) plus the
// cycle-wide telemetry collector and logger.
type Deps struct {
	Fetch     fetch.Deps
	Telemetry *telemetry.Collector
	Logger    *applog.Logger
}

// RunCompany drives one company through the circuit gate, the
// previous-month pass (day 1-3 only), the current-month pass (manifest
// read, batch fetch, reconciliation, recovery, audit), and the
// cancel-event pass. No error or panic escapes this call: a recovered
// panic is treated as a programmer-visible invariant violation and
// counts as a critical, company-scoped failure, matching the
// propagation policy that no exception crosses company boundaries.
func RunCompany(ctx context.Context, deps Deps, company types.Company, circuit *types.CircuitState, today time.Time, seedRun bool) (outcome Outcome) {
	month := types.MonthKeyFromTime(today)
	critical := false
	nonCritical := false
	skipped := false

	defer func() {
		if r := recover(); r != nil {
			deps.Logger.Error("company pipeline panicked", map[string]any{
				"company": company.IDCanonical,
				"panic":   fmt.Sprintf("%v", r),
			})
			critical = true
		}
		if !skipped {
			outcome = finish(deps, company, circuit, month, today, nonCritical, critical)
		}
	}()

	if circuit.Open(today) {
		skipped = true
		if !circuit.TimeoutBlacklistedUntil.IsZero() && today.Before(circuit.TimeoutBlacklistedUntil) {
			deps.Telemetry.IncCompanySkippedTimeout()
			return SkippedTimeout
		}
		deps.Telemetry.IncCompanySkippedCircuit()
		return SkippedCircuit
	}

	if today.Day() <= 3 {
		timedOut, nc := previousMonthPass(ctx, deps, company, today)
		if timedOut {
			circuit.ArmTimeoutBlacklist(today)
			deps.Telemetry.IncTimeoutBlacklist()
		}
		nonCritical = nonCritical || nc
	}

	if seedRun {
		resetCursors(deps, month, company)
	}

	nonCritical = currentMonthPass(ctx, deps, company, month, today) || nonCritical

	if cerr := cancelPass(ctx, deps, company, month, today); cerr != nil {
		nonCritical = true
		deps.Logger.Warn("cancel-event pass failed", map[string]any{
			"company": company.IDCanonical,
			"error":   cerr.Error(),
		})
	}

	return outcome
}

// finish applies the bookkeeping step: clear or trip the circuit,
// record the telemetry outcome, and mark the company failed on disk
// when the failure was critical.
func finish(deps Deps, company types.Company, circuit *types.CircuitState, month types.MonthKey, today time.Time, nonCritical, critical bool) Outcome {
	if critical {
		circuit.RecordFailure()
		if circuit.ConsecutiveFailures == types.MaxConsecutiveFailures {
			deps.Telemetry.IncCircuitTrip()
		}
		if err := deps.Fetch.Store.MarkCompanyFailed(month, company.IDCanonical, today); err != nil {
			deps.Logger.Error("mark company failed", map[string]any{
				"company": company.IDCanonical,
				"error":   err.Error(),
			})
		}
		deps.Telemetry.IncCompanyFailedCritical()
		return FailedCritical
	}

	circuit.RecordSuccess()
	if nonCritical {
		deps.Telemetry.IncCompanyFailedNonCritical()
		return FailedNonCritical
	}
	deps.Telemetry.IncCompanyOK()
	return OK
}

func resetCursors(deps Deps, month types.MonthKey, company types.Company) {
	for _, dt := range []types.DocType{types.NFe, types.CTe} {
		if err := deps.Fetch.Store.ResetSkipForReport(month, company.IDCanonical, dt); err != nil {
			deps.Logger.Error("reset cursor failed", map[string]any{
				"company":  company.IDCanonical,
				"doc_type": string(dt),
				"error":    err.Error(),
			})
		}
	}
}

// previousMonthPass attempts the previous month's report for each
// doc_type and runs the Batch Fetcher for every role it yields. A
// Timeout error during this pass is reported so the caller arms the
// company's timeout blacklist; any other failure is absorbed as
// non-critical.
func previousMonthPass(ctx context.Context, deps Deps, company types.Company, today time.Time) (timedOut, nonCritical bool) {
	prev := today.AddDate(0, -1, 0)
	monthKey := types.MonthKeyFromTime(prev)
	dateFrom := time.Date(prev.Year(), prev.Month(), 1, 0, 0, 0, 0, prev.Location())
	dateTo := dateFrom.AddDate(0, 1, 0).Add(-time.Second)

	for _, docType := range []types.DocType{types.NFe, types.CTe} {
		result, err := deps.Fetch.Upstream.MonthlyReport(ctx, company.IDCanonical, docType, int(prev.Month()), prev.Year(), 0)
		if err != nil {
			if errors.Is(err, types.ErrTimeout) {
				timedOut = true
				continue
			}
			nonCritical = true
			deps.Logger.Warn("previous-month report failed", map[string]any{
				"company":  company.IDCanonical,
				"doc_type": string(docType),
				"error":    err.Error(),
			})
			continue
		}
		if result.Empty || result.ReportBase64 == "" {
			continue
		}

		rows, err := manifestFromReport(result)
		if err != nil {
			nonCritical = true
			deps.Logger.Warn("previous-month manifest parse failed", map[string]any{
				"company":  company.IDCanonical,
				"doc_type": string(docType),
				"error":    err.Error(),
			})
			continue
		}

		roleCounts, err := manifest.GetCountsByRole(rows, company.IDCanonical, docType)
		if err != nil {
			nonCritical = true
			continue
		}
		for rk, expected := range roleCounts {
			stats, err := fetch.Batch(ctx, deps.Fetch, company, monthKey, docType, rk.Role, expected, dateFrom, dateTo, today)
			deps.Telemetry.AbsorbFetchStats(stats.XMLsSaved, stats.ParseErrors, stats.InfoErrors, stats.SaveErrors)
			if err != nil {
				if errors.Is(err, types.ErrTimeout) {
					timedOut = true
					continue
				}
				nonCritical = true
				deps.Logger.Warn("previous-month batch failed", map[string]any{
					"company":  company.IDCanonical,
					"doc_type": string(docType),
					"role":     string(rk.Role),
					"error":    err.Error(),
				})
			}
		}
	}
	return timedOut, nonCritical
}

// docTypeManifest is the per-doc_type manifest view carried from the
// report-fetch step into the reconciliation step.
type docTypeManifest struct {
	rows         []types.ManifestRow
	keysInPeriod map[types.DocumentKey]bool
}

// currentMonthPass runs the report fetch, batch fetch, reconciliation,
// retroactive import mark, individual recovery, and audit write for
// the current month. Returns whether any non-critical problem was
// absorbed along the way.
func currentMonthPass(ctx context.Context, deps Deps, company types.Company, month types.MonthKey, today time.Time) (nonCritical bool) {
	monthStart := time.Date(today.Year(), today.Month(), 1, 0, 0, 0, 0, today.Location())
	dateFrom, dateTo := monthStart, today

	states := make(map[types.DocType]docTypeManifest)
	var roleCountRows []audit.RoleCount
	var errCounts audit.ErrorCounts
	var recoveryStats audit.RecoveryStats

	for _, docType := range []types.DocType{types.NFe, types.CTe} {
		pendency, exists, err := deps.Fetch.Store.GetReportPendencyDetails(month, company.IDCanonical, docType)
		if err != nil {
			nonCritical = true
			deps.Logger.Error("pendency lookup failed", map[string]any{"company": company.IDCanonical, "error": err.Error()})
			continue
		}
		if exists && pendency.Status.Suppressed() {
			continue
		}

		result, err := deps.Fetch.Upstream.MonthlyReport(ctx, company.IDCanonical, docType, int(today.Month()), today.Year(), 0)
		if err != nil {
			nonCritical = true
			recordPendencyFailure(deps, month, company, docType, today, err)
			continue
		}

		if result.Empty || result.ReportBase64 == "" {
			if err := deps.Fetch.Store.UpdateReportDownloadStatus(month, company.IDCanonical, docType, types.DownloadStatus{
				Status: types.DownloadEmpty, Timestamp: today, Message: result.StatusMsg,
			}); err != nil {
				deps.Logger.Error("update download status failed", map[string]any{"company": company.IDCanonical, "error": err.Error()})
			}
			if exists {
				if err := deps.Fetch.Store.UpdateReportPendencyStatus(month, company.IDCanonical, docType, types.NoDataConfirmed); err != nil {
					deps.Logger.Error("update pendency failed", map[string]any{"company": company.IDCanonical, "error": err.Error()})
				}
			}
			continue
		}

		rows, err := manifestFromReport(result)
		if err != nil {
			nonCritical = true
			deps.Logger.Warn("manifest parse failed", map[string]any{
				"company": company.IDCanonical, "doc_type": string(docType), "error": err.Error(),
			})
			continue
		}

		if exists {
			if err := deps.Fetch.Store.ResolveReportPendency(month, company.IDCanonical, docType); err != nil {
				deps.Logger.Error("resolve pendency failed", map[string]any{"company": company.IDCanonical, "error": err.Error()})
			}
			deps.Telemetry.IncPendencyResolved()
		}
		if err := deps.Fetch.Store.UpdateReportDownloadStatus(month, company.IDCanonical, docType, types.DownloadStatus{
			Status: types.DownloadSuccessTemp, Timestamp: today, Message: result.StatusMsg,
		}); err != nil {
			deps.Logger.Error("update download status failed", map[string]any{"company": company.IDCanonical, "error": err.Error()})
		}

		states[docType] = docTypeManifest{rows: rows, keysInPeriod: keysInPeriod(rows, dateFrom, dateTo)}

		roleCounts, err := manifest.GetCountsByRole(rows, company.IDCanonical, docType)
		if err != nil {
			nonCritical = true
			continue
		}
		for rk, expected := range roleCounts {
			roleCountRows = append(roleCountRows, audit.RoleCount{DocType: rk.DocType, Role: rk.Role, Count: expected})
			stats, err := fetch.Batch(ctx, deps.Fetch, company, month, docType, rk.Role, expected, dateFrom, dateTo, today)
			deps.Telemetry.AbsorbFetchStats(stats.XMLsSaved, stats.ParseErrors, stats.InfoErrors, stats.SaveErrors)
			errCounts.ParseErrors += stats.ParseErrors
			errCounts.InfoErrors += stats.InfoErrors
			errCounts.SaveErrors += stats.SaveErrors
			if err != nil {
				nonCritical = true
				deps.Logger.Warn("batch fetch failed", map[string]any{
					"company": company.IDCanonical, "doc_type": string(docType), "role": string(rk.Role), "error": err.Error(),
				})
			}
		}
	}

	validations, local := reconcileAndRecover(ctx, deps, company, month, today, states, &recoveryStats, &errCounts, &nonCritical)

	if err := audit.Append(deps.Fetch.Roots.Primary, month, audit.Summary{
		Company:     company,
		ExecutedAt:  today,
		PeriodStart: dateFrom,
		PeriodEnd:   dateTo,
		Validations: validations,
		RoleCounts:  roleCountRows,
		Local:       local,
		Errors:      errCounts,
		Recovery:    recoveryStats,
	}); err != nil {
		nonCritical = true
		deps.Logger.Error("audit append failed", map[string]any{"company": company.IDCanonical, "error": err.Error()})
	}

	return nonCritical
}

func recordPendencyFailure(deps Deps, month types.MonthKey, company types.Company, docType types.DocType, today time.Time, cause error) {
	if err := deps.Fetch.Store.AddOrUpdateReportPendency(month, company.IDCanonical, docType, today, types.PendingAPI); err != nil {
		deps.Logger.Error("record pendency failed", map[string]any{"company": company.IDCanonical, "error": err.Error()})
	} else {
		deps.Telemetry.IncPendencyOpened()
	}
	if err := deps.Fetch.Store.UpdateReportDownloadStatus(month, company.IDCanonical, docType, types.DownloadStatus{
		Status: types.DownloadFailed, Timestamp: today, Message: cause.Error(),
	}); err != nil {
		deps.Logger.Error("update download status failed", map[string]any{"company": company.IDCanonical, "error": err.Error()})
	}
	deps.Logger.Warn("monthly report failed", map[string]any{
		"company": company.IDCanonical, "doc_type": string(docType), "error": cause.Error(),
	})
}

// reconcileAndRecover runs the per-doc_type reconciliation: retroactive
// import mark, faltantes/extras classification, and (when valid
// faltantes exist) the Individual Recovery Fetcher, then assembles the
// local file counts the Audit Writer reports.
func reconcileAndRecover(ctx context.Context, deps Deps, company types.Company, month types.MonthKey, today time.Time, states map[types.DocType]docTypeManifest, recoveryStats *audit.RecoveryStats, errCounts *audit.ErrorCounts, nonCritical *bool) ([]audit.ValidationRow, audit.LocalCounts) {
	var validations []audit.ValidationRow
	var local audit.LocalCounts

	for _, docType := range []types.DocType{types.NFe, types.CTe} {
		primaryDir := monthDocTypeDir(deps.Fetch.Roots.Primary, company, today.Year(), int(today.Month()), docType)
		localKeys, err := listLocalKeys(primaryDir)
		if err != nil {
			*nonCritical = true
			deps.Logger.Error("list local keys failed", map[string]any{"company": company.IDCanonical, "doc_type": string(docType), "error": err.Error()})
			continue
		}

		for key := range localKeys {
			imported, err := deps.Fetch.Store.IsXMLAlreadyImported(month, company.IDCanonical, docType, key)
			if err != nil {
				*nonCritical = true
				continue
			}
			if !imported {
				if err := deps.Fetch.Store.MarkXMLAsImported(month, company.IDCanonical, docType, key); err != nil {
					*nonCritical = true
					continue
				}
				recoveryStats.RetroactiveCorrections++
			}
		}

		st, ok := states[docType]
		if !ok {
			recordLocalCounts(&local, docType, primaryDir, prevMonthDocTypeDir(deps.Fetch.Roots.Primary, company, today.Year(), int(today.Month()), docType))
			continue
		}

		faltantes := make(map[types.DocumentKey]bool)
		for k := range st.keysInPeriod {
			if !localKeys[k] {
				faltantes[k] = true
			}
		}
		var extras []types.DocumentKey
		for k := range localKeys {
			if !st.keysInPeriod[k] {
				extras = append(extras, k)
			}
		}

		classified, err := manifest.ClassifyKeysByRole(faltantes, st.rows, company.IDCanonical, docType)
		if err != nil {
			*nonCritical = true
			classified = nil
		}
		classifiedTotal := make(map[types.DocumentKey]bool)
		var validFaltantes []types.DocumentKey
		for _, keys := range classified {
			for k := range keys {
				validFaltantes = append(validFaltantes, k)
				classifiedTotal[k] = true
			}
		}
		var ignoredFaltantes []types.DocumentKey
		for k := range faltantes {
			if !classifiedTotal[k] {
				ignoredFaltantes = append(ignoredFaltantes, k)
			}
		}

		if len(validFaltantes) > 0 {
			succeeded, failed, rstats := fetch.Recovery(ctx, deps.Fetch, company, month, validFaltantes, today)
			recoveryStats.Attempts += len(validFaltantes)
			recoveryStats.Successes += len(succeeded)
			recoveryStats.DownloadFailures += len(failed)
			recoveryStats.SaveFailures += rstats.SaveErrors
			deps.Telemetry.AbsorbRecovery(len(validFaltantes), len(succeeded), len(failed))
			errCounts.ParseErrors += rstats.ParseErrors
			errCounts.SaveErrors += rstats.SaveErrors

			refreshed, err := listLocalKeys(primaryDir)
			if err != nil {
				*nonCritical = true
			} else {
				localKeys = refreshed
			}
			validFaltantes = nil
			for k := range classifiedTotal {
				if !localKeys[k] {
					validFaltantes = append(validFaltantes, k)
				}
			}
		}

		status := "OK"
		switch {
		case len(validFaltantes) > 0:
			status = "FALTANTES"
		case len(extras) > 0:
			status = "EXTRAS"
		}
		validations = append(validations, audit.ValidationRow{
			DocType:          docType,
			ReportCount:      len(st.keysInPeriod),
			LocalCount:       len(localKeys),
			ValidFaltantes:   validFaltantes,
			IgnoredFaltantes: ignoredFaltantes,
			Extras:           extras,
			Status:           status,
		})

		recordLocalCounts(&local, docType, primaryDir, prevMonthDocTypeDir(deps.Fetch.Roots.Primary, company, today.Year(), int(today.Month()), docType))
	}

	local.CancelEventsNFe, local.CancelEventsCTe = countCancelEvents(deps.Fetch.Roots.Cancel)
	return validations, local
}

func recordLocalCounts(local *audit.LocalCounts, docType types.DocType, primaryDir, prevDir string) {
	entrada := countXMLFiles(filepath.Join(primaryDir, string(types.Entrada)))
	saida := countXMLFiles(filepath.Join(primaryDir, string(types.Saida)))
	prevEntrada := countXMLFiles(filepath.Join(prevDir, string(types.Entrada)))

	switch docType {
	case types.CTe:
		local.CTeEntrada = entrada
		local.CTeSaida = saida
		local.CTeEntradaPrevMonth = prevEntrada
	default:
		local.NFeEntrada = entrada
		local.NFeSaida = saida
		local.NFeEntradaPrevMonth = prevEntrada
	}
}

func keysInPeriod(rows []types.ManifestRow, start, end time.Time) map[types.DocumentKey]bool {
	out := make(map[types.DocumentKey]bool)
	for _, row := range rows {
		if !row.EmissionDate.Before(start) && !row.EmissionDate.After(end) {
			out[row.Key] = true
		}
	}
	return out
}

// DecodeReport base64-decodes a monthly-report result and parses it
// via internal/manifest, which only accepts a local file path: the
// decoded bytes are written to a temp file first, exactly as
// internal/manifest's own localize helper does for an HTTP(S) source.
// Exported so the Cycle Orchestrator's pendency-replay step, which
// runs the same report-fetch shape outside a full company pass, can
// reuse it instead of duplicating the decode.
func DecodeReport(result upstream.ReportResult) ([]types.ManifestRow, error) {
	return manifestFromReport(result)
}

func manifestFromReport(result upstream.ReportResult) ([]types.ManifestRow, error) {
	data, err := base64.StdEncoding.DecodeString(result.ReportBase64)
	if err != nil {
		return nil, fmt.Errorf("pipeline: decode report: %w", err)
	}

	tmp, err := os.CreateTemp("", "report-*.xlsx")
	if err != nil {
		return nil, fmt.Errorf("pipeline: create temp report: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return nil, fmt.Errorf("pipeline: write temp report: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return nil, fmt.Errorf("pipeline: close temp report: %w", err)
	}

	rows, err := manifest.Open(tmp.Name())
	if err != nil {
		return nil, fmt.Errorf("pipeline: parse report: %w", err)
	}
	return rows, nil
}

func monthDocTypeDir(primaryRoot string, company types.Company, year, month int, docType types.DocType) string {
	return filepath.Join(primaryRoot, strconv.Itoa(year), company.FolderName, fmt.Sprintf("%02d", month), string(docType))
}

func prevMonthDocTypeDir(primaryRoot string, company types.Company, year, month int, docType types.DocType) string {
	return filepath.Join(primaryRoot, strconv.Itoa(year), company.FolderName, fmt.Sprintf("%02d", month), mesAnterior, string(docType))
}

func listLocalKeys(dir string) (map[types.DocumentKey]bool, error) {
	keys := make(map[types.DocumentKey]bool)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return keys, nil
		}
		return nil, err
	}
	for _, e := range entries {
		if e.IsDir() {
			sub, err := listLocalKeys(filepath.Join(dir, e.Name()))
			if err != nil {
				return nil, err
			}
			for k := range sub {
				keys[k] = true
			}
			continue
		}
		name := e.Name()
		if !strings.HasSuffix(name, ".xml") {
			continue
		}
		base := strings.TrimSuffix(name, ".xml")
		if strings.HasSuffix(base, "_CANC") {
			continue
		}
		if len(base) == 44 {
			keys[types.DocumentKey(base)] = true
		}
	}
	return keys, nil
}

func countXMLFiles(dir string) int {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0
	}
	n := 0
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".xml") {
			n++
		}
	}
	return n
}

func countCancelEvents(cancelRoot string) (nfe, cte int) {
	entries, err := os.ReadDir(cancelRoot)
	if err != nil {
		return 0, 0
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := strings.TrimSuffix(e.Name(), ".xml")
		name = strings.TrimSuffix(name, "_CANC")
		key := types.DocumentKey(name)
		if !key.Valid() {
			continue
		}
		if key.DocType() == types.CTe {
			cte++
		} else {
			nfe++
		}
	}
	return nfe, cte
}

func cancelPass(ctx context.Context, deps Deps, company types.Company, month types.MonthKey, today time.Time) error {
	monthStart := time.Date(today.Year(), today.Month(), 1, 0, 0, 0, 0, today.Location())
	stats, err := fetch.Cancel(ctx, deps.Fetch, company, month, monthStart, today, today)
	deps.Telemetry.AbsorbFetchStats(stats.XMLsSaved, stats.ParseErrors, stats.InfoErrors, stats.SaveErrors)
	return err
}
