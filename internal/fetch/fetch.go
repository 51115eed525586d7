// Package fetch implements the three document-acquisition components
// that sit between the Manifest Reader and the Transactional File
// Committer: the Incremental Batch Fetcher (C7), the Individual
// Recovery Fetcher (C8), and the Cancel-Event Fetcher (C9).
package fetch

import (
	"encoding/base64"
	"fmt"

	"github.com/esdrasrenan/projeto-xml/internal/commit"
	"github.com/esdrasrenan/projeto-xml/internal/placement"
	"github.com/esdrasrenan/projeto-xml/internal/statestore"
	"github.com/esdrasrenan/projeto-xml/internal/upstream"
	"github.com/esdrasrenan/projeto-xml/internal/xmlinspect"
	"github.com/esdrasrenan/projeto-xml/types"
)

const batchSize = 50

// Deps bundles the collaborators every fetcher needs: the upstream
// client, the transactional committer, the state store, and the
// archive roots Placement writes into. A single Deps is shared across
// a cycle.
type Deps struct {
	Upstream  *upstream.Client
	Committer *commit.Committer
	Store     *statestore.Store
	Roots     placement.Roots
}

// Stats aggregates the outcome of one fetch pass, matching the error
// taxonomy in spec §7: parse/info/save error counters plus successful
// save counts, for the Audit Writer to report.
type Stats struct {
	XMLsSaved   int
	ParseErrors int // blob failed base64 decode or XML inspection
	InfoErrors  int // recognized XML missing required fields, or event with no locatable referent
	SaveErrors  int // commit failed; cursor not advanced for this batch
}

func (s *Stats) add(o Stats) {
	s.XMLsSaved += o.XMLsSaved
	s.ParseErrors += o.ParseErrors
	s.InfoErrors += o.InfoErrors
	s.SaveErrors += o.SaveErrors
}

// decodeAndInspect decodes a base64 blob and classifies it via the XML
// Inspector. A decode failure or inspection failure is reported as a
// parse error; a recognized document missing required fields (the
// inspector's own ErrMissingFields) is reported as an info error.
func decodeAndInspect(blob, companyID string) ([]byte, *types.ParsedDocument, error) {
	data, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: decode blob: %v", types.ErrUnreadableXML, err)
	}
	doc, err := xmlinspect.Inspect(data, companyID)
	if err != nil {
		return data, nil, err
	}
	return data, doc, nil
}

// filename is the staged blob name the committer records one file
// operation under; it need not match the eventual target filenames.
func filename(key types.DocumentKey) string {
	return string(key) + ".xml"
}
