// Package cycle implements the Cycle Orchestrator (C12): the
// top-level loop that replays outstanding report pendencies, then
// drives every company in the roster through the Company Pipeline
// Orchestrator (internal/pipeline) once, and aggregates the result.
package cycle

import (
	"context"
	"fmt"
	"time"

	"github.com/esdrasrenan/projeto-xml/internal/applog"
	"github.com/esdrasrenan/projeto-xml/internal/fetch"
	"github.com/esdrasrenan/projeto-xml/internal/manifest"
	"github.com/esdrasrenan/projeto-xml/internal/pipeline"
	"github.com/esdrasrenan/projeto-xml/internal/statestore"
	"github.com/esdrasrenan/projeto-xml/internal/telemetry"
	"github.com/esdrasrenan/projeto-xml/types"
)

// Deps bundles one cycle's collaborators: the fetch package's own
// Deps (upstream, committer, state store, archive roots) plus the
// telemetry collector and logger shared across every company pass.
type Deps struct {
	Fetch     fetch.Deps
	Telemetry *telemetry.Collector
	Logger    *applog.Logger
}

// Result is one cycle's aggregate outcome.
type Result struct {
	Total       int
	Success     int
	Failed      int
	FailureRate float64
}

// Run executes one cycle: pendency replay first, then the main
// per-company loop in roster order, honoring ctx cancellation between
// companies. circuits carries each company's CircuitState across
// cycles (callers own its lifetime); a company seen for the first
// time gets a fresh zero-value entry. seedRun resets both cursors for
// every company before its pass.
func Run(ctx context.Context, deps Deps, companies []types.Company, circuits map[string]*types.CircuitState, today time.Time, seedRun bool) Result {
	byID := make(map[string]types.Company, len(companies))
	for _, c := range companies {
		byID[c.IDCanonical] = c
	}

	replayPendencies(ctx, deps, byID, today)
	saveState(deps)

	pdeps := pipeline.Deps{Fetch: deps.Fetch, Telemetry: deps.Telemetry, Logger: deps.Logger}
	for _, company := range companies {
		select {
		case <-ctx.Done():
			deps.Logger.Warn("cycle cancelled before completing roster", map[string]any{
				"company": company.IDCanonical,
			})
			return snapshotResult(deps.Telemetry)
		default:
		}

		circuit := circuits[company.IDCanonical]
		if circuit == nil {
			circuit = &types.CircuitState{}
			circuits[company.IDCanonical] = circuit
		}

		pipeline.RunCompany(ctx, pdeps, company, circuit, today, seedRun)
		saveState(deps)
	}

	return snapshotResult(deps.Telemetry)
}

// LoopOptions configures RunLoop's continuous-cycle behavior.
type LoopOptions struct {
	// Interval between cycles; 0 means "immediately", but a minimum
	// 1s pause is always enforced to avoid starving the upstream API
	// and local disk when the roster is small.
	Interval time.Duration
	// OnCycleComplete, if set, runs after every cycle (including a
	// panicked one) — e.g. for ambient housekeeping like the committer's
	// CleanupCompleted, which has no natural home inside Run itself.
	OnCycleComplete func(Result)
}

// RunLoop runs Run repeatedly until ctx is cancelled, pausing between
// cycles per opts.Interval. It never exits on a cycle's failure rate.
// seedRun only applies to the first cycle — a continuous seed would
// re-download every role's backlog forever instead of once at
// startup. clock supplies "today" fresh for every cycle, since a
// long-running loop can cross month and day boundaries. A panic
// escaping a cycle (none should, since RunCompany already recovers
// per company) is itself recovered and logged so the loop never exits
// early, mirroring "loop mode swallows all cycle-scoped exceptions".
func RunLoop(ctx context.Context, deps Deps, companies []types.Company, circuits map[string]*types.CircuitState, clock func() time.Time, seedRun bool, opts LoopOptions) {
	pause := opts.Interval
	if pause < time.Second {
		pause = time.Second
	}

	first := true
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		var result Result
		func() {
			defer func() {
				if r := recover(); r != nil {
					deps.Logger.Error("cycle iteration panicked", map[string]any{"panic": fmt.Sprintf("%v", r)})
				}
				if opts.OnCycleComplete != nil {
					opts.OnCycleComplete(result)
				}
			}()
			result = Run(ctx, deps, companies, circuits, clock(), seedRun && first)
			deps.Logger.Info("cycle complete", map[string]any{
				"total": result.Total, "success": result.Success,
				"failed": result.Failed, "failure_rate": result.FailureRate,
			})
		}()
		first = false

		select {
		case <-ctx.Done():
			return
		case <-time.After(pause):
		}
	}
}

func snapshotResult(c *telemetry.Collector) Result {
	s := c.Snapshot()
	total := s.TotalCompanies()
	failed := s.CompaniesFailedCritical
	return Result{
		Total:       int(total),
		Failed:      int(failed),
		Success:     int(total - failed),
		FailureRate: s.FailureRate(),
	}
}

func saveState(deps Deps) {
	if err := deps.Fetch.Store.SaveCurrentMonth(); err != nil {
		deps.Logger.Error("save state failed", map[string]any{"error": err.Error()})
	}
}

// replayPendencies re-attempts every outstanding report pendency
// before the main per-company loop, running the same report-fetch +
// batch-fetch shape as a normal pass: on success the pendency is
// resolved and, if the report carried any rows, the cursor for that
// (company, month, doc_type) is reset so the batch fetcher restarts
// the role from scratch against the newly available report.
//
// ListPendingReports only scans months already loaded into the
// store's in-memory cache, so every known month is touched first via
// a cheap read to force it to load.
func replayPendencies(ctx context.Context, deps Deps, byID map[string]types.Company, today time.Time) {
	store := deps.Fetch.Store
	for _, mk := range store.KnownMonths() {
		if _, err := store.ImportedXMLCount(mk, "", types.NFe); err != nil {
			deps.Logger.Error("preload month for pendency replay failed", map[string]any{
				"month": string(mk), "error": err.Error(),
			})
		}
	}

	for _, p := range store.ListPendingReports() {
		select {
		case <-ctx.Done():
			return
		default:
		}
		company, ok := byID[p.Company]
		if !ok {
			deps.Logger.Warn("pendency replay: company no longer on roster", map[string]any{
				"company": p.Company, "doc_type": string(p.DocType),
			})
			continue
		}
		replayOne(ctx, deps, company, p, today)
	}
}

func replayOne(ctx context.Context, deps Deps, company types.Company, p statestore.PendingReport, today time.Time) {
	monthNum, year, err := p.Month.Parts()
	if err != nil {
		deps.Logger.Error("pendency replay: bad month key", map[string]any{
			"company": company.IDCanonical, "error": err.Error(),
		})
		return
	}
	dateFrom := time.Date(year, time.Month(monthNum), 1, 0, 0, 0, 0, today.Location())
	dateTo := dateFrom.AddDate(0, 1, 0).Add(-time.Second)

	result, err := deps.Fetch.Upstream.MonthlyReport(ctx, company.IDCanonical, p.DocType, monthNum, year, 0)
	if err != nil {
		deps.Logger.Warn("pendency replay: report failed", map[string]any{
			"company": company.IDCanonical, "doc_type": string(p.DocType), "error": err.Error(),
		})
		return
	}
	if result.Empty || result.ReportBase64 == "" {
		if err := deps.Fetch.Store.UpdateReportPendencyStatus(p.Month, company.IDCanonical, p.DocType, types.NoDataConfirmed); err != nil {
			deps.Logger.Error("pendency replay: update status failed", map[string]any{
				"company": company.IDCanonical, "error": err.Error(),
			})
		}
		return
	}

	rows, err := pipeline.DecodeReport(result)
	if err != nil {
		deps.Logger.Warn("pendency replay: manifest parse failed", map[string]any{
			"company": company.IDCanonical, "error": err.Error(),
		})
		return
	}

	roleCounts, err := manifest.GetCountsByRole(rows, company.IDCanonical, p.DocType)
	if err != nil {
		deps.Logger.Warn("pendency replay: role count failed", map[string]any{
			"company": company.IDCanonical, "error": err.Error(),
		})
		return
	}
	for rk, expected := range roleCounts {
		stats, err := fetch.Batch(ctx, deps.Fetch, company, p.Month, p.DocType, rk.Role, expected, dateFrom, dateTo, today)
		deps.Telemetry.AbsorbFetchStats(stats.XMLsSaved, stats.ParseErrors, stats.InfoErrors, stats.SaveErrors)
		if err != nil {
			deps.Logger.Warn("pendency replay: batch fetch failed", map[string]any{
				"company": company.IDCanonical, "doc_type": string(p.DocType), "role": string(rk.Role), "error": err.Error(),
			})
			return
		}
	}

	if err := deps.Fetch.Store.ResolveReportPendency(p.Month, company.IDCanonical, p.DocType); err != nil {
		deps.Logger.Error("pendency replay: resolve failed", map[string]any{
			"company": company.IDCanonical, "error": err.Error(),
		})
		return
	}
	deps.Telemetry.IncPendencyResolved()

	if len(rows) > 0 {
		if err := deps.Fetch.Store.ResetSkipForReport(p.Month, company.IDCanonical, p.DocType); err != nil {
			deps.Logger.Error("pendency replay: reset cursor failed", map[string]any{
				"company": company.IDCanonical, "error": err.Error(),
			})
		}
	}
}
