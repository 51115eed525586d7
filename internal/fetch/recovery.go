package fetch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/esdrasrenan/projeto-xml/internal/placement"
	"github.com/esdrasrenan/projeto-xml/internal/xmlinspect"
	"github.com/esdrasrenan/projeto-xml/types"
)

// recoveryExtraPacing is added on top of the upstream client's shared
// 2.0s limiter so individual recovery's effective inter-request
// interval reaches the stricter 2.1s floor this path alone requires.
const recoveryExtraPacing = 100 * time.Millisecond

// Recovery runs the Individual Recovery Fetcher (C8) over keys — the
// validated faltantes after reconciliation — downloading each one by
// one via get_one (include_events=true, with the client's own
// HTTP-400 fallback to include_events=false) and placing it with the
// same Placement Rules as Batch, minus the previous-month mirror: a
// key being recovered individually is placed solely by its own
// emission metadata. Returns the keys that succeeded and the keys
// that still failed, so the caller can decide what remains a genuine
// gap.
func Recovery(ctx context.Context, deps Deps, company types.Company, month types.MonthKey, keys []types.DocumentKey, today time.Time) (succeeded, failed []types.DocumentKey, stats Stats) {
	for i, key := range keys {
		if i > 0 {
			select {
			case <-ctx.Done():
				failed = append(failed, keys[i:]...)
				return succeeded, failed, stats
			case <-time.After(recoveryExtraPacing):
			}
		}
		docType := key.DocType()

		raw, err := deps.Upstream.GetOne(ctx, key, docType, true)
		if err != nil || raw == nil {
			// Either a transport failure or upstream reporting no
			// content for this key; either way it remains unrecovered.
			failed = append(failed, key)
			continue
		}

		doc, err := xmlinspect.Inspect(raw, company.IDCanonical)
		if err != nil {
			if errors.Is(err, types.ErrMissingFields) {
				stats.InfoErrors++
			} else {
				stats.ParseErrors++
			}
			failed = append(failed, key)
			continue
		}

		if err := commitOne(ctx, deps, company, month, docType, doc, raw, today); err != nil {
			stats.SaveErrors++
			failed = append(failed, key)
			continue
		}

		stats.XMLsSaved++
		succeeded = append(succeeded, key)
	}
	return succeeded, failed, stats
}

func commitOne(ctx context.Context, deps Deps, company types.Company, month types.MonthKey, docType types.DocType, doc *types.ParsedDocument, data []byte, today time.Time) error {
	alreadyImported, err := deps.Store.IsXMLAlreadyImported(month, company.IDCanonical, docType, doc.Key)
	if err != nil {
		return fmt.Errorf("fetch: recovery: check imported: %w", err)
	}
	paths := placement.PrincipalDestinations(deps.Roots, company, doc, today, alreadyImported, false)

	if !alreadyImported {
		if err := deps.Store.MarkXMLAsImported(month, company.IDCanonical, docType, doc.Key); err != nil {
			return fmt.Errorf("fetch: recovery: mark imported: %w", err)
		}
	}

	tx := deps.Committer.BeginTransaction()
	if err := deps.Committer.AddFileOperation(tx, filename(doc.Key), data, paths); err != nil {
		return fmt.Errorf("fetch: recovery: stage: %w", err)
	}
	if _, err := deps.Committer.Commit(ctx, tx); err != nil {
		return fmt.Errorf("fetch: recovery: commit: %w", err)
	}
	return nil
}
