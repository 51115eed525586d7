package fetch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/esdrasrenan/projeto-xml/internal/placement"
	"github.com/esdrasrenan/projeto-xml/internal/upstream"
	"github.com/esdrasrenan/projeto-xml/types"
)

// Batch runs the Incremental Batch Fetcher (C7) for one
// (company, month, doc_type, role): while the persisted cursor is
// below expected, it requests a page from the Upstream Client, parses
// and commits every blob in one transaction, then advances the
// cursor by the page size — only after a successful commit, so a
// failed commit never leaves the cursor ahead of what is on disk.
func Batch(ctx context.Context, deps Deps, company types.Company, month types.MonthKey, docType types.DocType, role types.Role, expected int, dateFrom, dateTo, today time.Time) (Stats, error) {
	var stats Stats

	cursor, err := deps.Store.GetSkip(month, company.IDCanonical, docType, role)
	if err != nil {
		return stats, fmt.Errorf("fetch: batch: get skip: %w", err)
	}

	for cursor < expected {
		take := batchSize
		if remaining := expected - cursor; remaining < take {
			take = remaining
		}

		blobs, err := deps.Upstream.BatchDownload(ctx, upstream.BatchFilter{
			DocType:   docType,
			Role:      role,
			CompanyID: company.IDCanonical,
			DateFrom:  dateFrom,
			DateTo:    dateTo,
			Skip:      cursor,
			Take:      take,
		})
		if err != nil {
			return stats, fmt.Errorf("fetch: batch: download: %w", err)
		}

		if len(blobs) == 0 {
			// Manifest and upstream disagree on the remaining count;
			// reconciliation will pick up the gap. Stop this role
			// without error — an empty batch this deep is not itself
			// a failure.
			break
		}

		batchStats, committed, err := commitBatch(ctx, deps, company, month, docType, blobs, today)
		stats.add(batchStats)
		if err != nil {
			return stats, fmt.Errorf("fetch: batch: commit: %w", err)
		}
		if !committed {
			stats.SaveErrors++
			break
		}

		cursor += len(blobs)
		if err := deps.Store.UpdateSkip(month, company.IDCanonical, docType, role, len(blobs)); err != nil {
			return stats, fmt.Errorf("fetch: batch: update skip: %w", err)
		}
	}

	return stats, nil
}

// commitBatch decodes and places every blob into a single transaction
// and commits it. committed is false if the commit itself failed (as
// opposed to individual blobs failing to parse, which are simply
// skipped and counted).
func commitBatch(ctx context.Context, deps Deps, company types.Company, month types.MonthKey, docType types.DocType, blobs []string, today time.Time) (Stats, bool, error) {
	var stats Stats
	tx := deps.Committer.BeginTransaction()

	staged := 0
	for _, blob := range blobs {
		data, doc, err := decodeAndInspect(blob, company.IDCanonical)
		if err != nil {
			if errors.Is(err, types.ErrMissingFields) {
				stats.InfoErrors++
			} else {
				stats.ParseErrors++
			}
			continue
		}
		if doc.IsEvent() {
			// Events arrive only via the Cancel-Event Fetcher (C9);
			// batch_download always sets DownloadEvent=false, so this
			// should not occur, but guard defensively.
			stats.InfoErrors++
			continue
		}

		alreadyImported, err := deps.Store.IsXMLAlreadyImported(month, company.IDCanonical, docType, doc.Key)
		if err != nil {
			return stats, false, err
		}
		paths := placement.PrincipalDestinations(deps.Roots, company, doc, today, alreadyImported, true)

		// The flat mirror's presence in paths is what decides whether
		// to mark the key imported; marking happens before commit per
		// spec so a crash between mark and commit never loses the
		// dedup guarantee (at worst it skips a redundant flat copy).
		if !alreadyImported {
			if err := deps.Store.MarkXMLAsImported(month, company.IDCanonical, docType, doc.Key); err != nil {
				return stats, false, err
			}
		}

		if err := deps.Committer.AddFileOperation(tx, filename(doc.Key), data, paths); err != nil {
			return stats, false, err
		}
		staged++
	}

	if staged == 0 {
		return stats, true, nil
	}

	if _, err := deps.Committer.Commit(ctx, tx); err != nil {
		return stats, false, err
	}
	stats.XMLsSaved += staged
	return stats, true, nil
}
