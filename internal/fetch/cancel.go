package fetch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/esdrasrenan/projeto-xml/internal/placement"
	"github.com/esdrasrenan/projeto-xml/internal/upstream"
	"github.com/esdrasrenan/projeto-xml/types"
)

// eventQuery is one (doc_type, role, event_type) triple the Cancel-Event
// Fetcher (C9) walks via events_download. The event type is not sent
// upstream, so triples sharing a (doc_type, role) receive the same
// events.
type eventQuery struct {
	docType types.DocType
	role    types.Role
	code    types.EventType
}

// cancelMatrix is the fixed set of cancel-event queries: NFe cancel and
// cancel-by-substitution for Emitente/Destinatario, plus CTe cancel
// under both its own code and the NFe code upstream sometimes returns
// for CTe events, for Emitente/Destinatario/Tomador.
var cancelMatrix = []eventQuery{
	{types.NFe, types.Emitente, types.EventCancelNFe},
	{types.NFe, types.Destinatario, types.EventCancelNFe},
	{types.NFe, types.Emitente, types.EventCancelSubstNFe},
	{types.NFe, types.Destinatario, types.EventCancelSubstNFe},
	{types.CTe, types.Emitente, types.EventCancelCTe},
	{types.CTe, types.Destinatario, types.EventCancelCTe},
	{types.CTe, types.Tomador, types.EventCancelCTe},
	{types.CTe, types.Emitente, types.EventCancelCTeAlt},
	{types.CTe, types.Destinatario, types.EventCancelCTeAlt},
	{types.CTe, types.Tomador, types.EventCancelCTeAlt},
}

// Cancel runs the Cancel-Event Fetcher (C9): for every triple in the
// fixed matrix it downloads the cancellation events upstream reports
// for the window, locates each event's referenced document among the
// already-archived files, and writes the event XML alongside it. An
// event whose referenced document cannot be located locally is not
// written in this pass — it is counted as an info error and left for a
// later cycle, once the original has been archived.
func Cancel(ctx context.Context, deps Deps, company types.Company, month types.MonthKey, dateFrom, dateTo, today time.Time) (Stats, error) {
	var stats Stats

	for _, q := range cancelMatrix {
		blobs, err := deps.Upstream.EventsDownload(ctx, upstream.EventsFilter{
			DocType:   q.docType,
			Role:      q.role,
			EventType: q.code,
			CompanyID: company.IDCanonical,
			DateFrom:  dateFrom,
			DateTo:    dateTo,
		})
		if err != nil {
			return stats, fmt.Errorf("fetch: cancel: download %s/%s/%s: %w", q.docType, q.role, q.code, err)
		}
		if len(blobs) == 0 {
			continue
		}

		batchStats, err := commitCancelBatch(ctx, deps, company, blobs, today)
		if err != nil {
			return stats, fmt.Errorf("fetch: cancel: commit %s/%s/%s: %w", q.docType, q.role, q.code, err)
		}
		stats.add(batchStats)
	}

	return stats, nil
}

// commitCancelBatch decodes and places every cancel-event blob from one
// triple's page into a single transaction. Events whose referenced
// document is not found locally are dropped from the transaction and
// counted as info errors rather than failing the whole batch.
func commitCancelBatch(ctx context.Context, deps Deps, company types.Company, blobs []string, today time.Time) (Stats, error) {
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
		if !doc.IsEvent() {
			// events_download should only ever return events; guard
			// defensively against a misclassified blob.
			stats.InfoErrors++
			continue
		}

		exists := func(path string) bool {
			_, err := os.Stat(path)
			return err == nil
		}
		paths, ok := placement.EventDestinations(deps.Roots, company, doc, today, exists)
		if !ok {
			stats.InfoErrors++
			continue
		}

		if err := deps.Committer.AddFileOperation(tx, filename(doc.Key)+"_CANC.xml", data, paths); err != nil {
			return stats, err
		}
		staged++
	}

	if staged == 0 {
		return stats, nil
	}
	if _, err := deps.Committer.Commit(ctx, tx); err != nil {
		return stats, err
	}
	stats.XMLsSaved += staged
	return stats, nil
}
