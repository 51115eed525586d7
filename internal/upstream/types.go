package upstream

import (
	"time"

	"github.com/esdrasrenan/projeto-xml/types"
)

// roleField is the upstream payload field name carrying the target
// company's CNPJ for a given role: CnpjEmit, CnpjDest, or CnpjTom.
type roleField string

const (
	fieldCnpjEmit roleField = "CnpjEmit"
	fieldCnpjDest roleField = "CnpjDest"
	fieldCnpjTom  roleField = "CnpjTom"
)

// RoleFieldFor maps a Role to the upstream payload field it belongs
// under (ROLE_MAP in spec terms).
func RoleFieldFor(r types.Role) string {
	switch r {
	case types.Destinatario:
		return string(fieldCnpjDest)
	case types.Tomador:
		return string(fieldCnpjTom)
	default:
		return string(fieldCnpjEmit)
	}
}

// xmlTypeFor maps a DocType to the upstream's numeric XmlType code.
func xmlTypeFor(dt types.DocType) int {
	if dt == types.CTe {
		return 2
	}
	return 1
}

// reportTypeFor auto-selects TypeXmlDownloadReport from DocType:
// NFe -> 2 ("RelatorioBasico"), CTe -> 4 ("CTe").
func reportTypeFor(dt types.DocType) int {
	if dt == types.CTe {
		return 4
	}
	return 2
}

// CountFilter is the payload for the count operation.
type CountFilter struct {
	DocType   types.DocType
	CompanyID string // the single CNPJ/CPF to count against; always sent as CnpjEmit
	DateFrom  time.Time
	DateTo    time.Time
}

// CountResult is the count operation's response.
type CountResult struct {
	Total int
}

// BatchFilter is the payload for batch_download: the role-scoped
// window of documents for one (company, doc_type, role) in a given
// month, paginated via Skip/Take.
type BatchFilter struct {
	DocType   types.DocType
	Role      types.Role
	CompanyID string
	DateFrom  time.Time
	DateTo    time.Time
	Skip      int
	Take      int
}

// EventsFilter is the payload for events_download: a
// (doc_type, role, event_type) triple for a date window, paginated
// from Skip. EventType and Take are not sent upstream: the request
// carries no event-type filter, and every page is eventsPageSize long.
type EventsFilter struct {
	DocType   types.DocType
	Role      types.Role
	EventType types.EventType
	CompanyID string
	DateFrom  time.Time
	DateTo    time.Time
	Skip      int
	Take      int
}

// ReportResult is monthly_report's response.
type ReportResult struct {
	ReportBase64 string
	Empty        bool
	StatusMsg    string
	ErrorMsg     string
}

// batchDownloadPayload mirrors the upstream wire shape for
// /BaixarXmls: XmlType, Take, Skip, DataEmissaoInicio, DataEmissaoFim,
// one of CnpjEmit|CnpjDest|CnpjTom, DownloadEvent.
type batchDownloadPayload struct {
	XmlType           int    `json:"XmlType"`
	Take              int    `json:"Take"`
	Skip              int    `json:"Skip"`
	DataEmissaoInicio string `json:"DataEmissaoInicio"`
	DataEmissaoFim    string `json:"DataEmissaoFim"`
	CnpjEmit          string `json:"CnpjEmit,omitempty"`
	CnpjDest          string `json:"CnpjDest,omitempty"`
	CnpjTom           string `json:"CnpjTom,omitempty"`
	DownloadEvent     bool   `json:"DownloadEvent"`
}

// xmlsEnvelope is the alternate object-wrapped shape batch_download
// and events_download may arrive in: {"Xmls": [...]}.
type xmlsEnvelope struct {
	Xmls []string `json:"Xmls"`
}

// countPayload mirrors /ContarXmls's request shape.
type countPayload struct {
	XmlType           int    `json:"XmlType"`
	DataEmissaoInicio string `json:"DataEmissaoInicio"`
	DataEmissaoFim    string `json:"DataEmissaoFim"`
	CnpjEmit          string `json:"CnpjEmit,omitempty"`
	CnpjDest          string `json:"CnpjDest,omitempty"`
	CnpjTom           string `json:"CnpjTom,omitempty"`
}

// countResponse mirrors /ContarXmls's response shape.
type countResponse struct {
	Total int `json:"Total"`
}

// reportPayload mirrors /api/relatorio/xml's request shape.
type reportPayload struct {
	Cnpj                  string `json:"Cnpj"`
	TypeXmlDownloadReport int    `json:"TypeXmlDownloadReport"`
	XmlType               int    `json:"XmlType"`
	Month                 int    `json:"Month"`
	Year                  int    `json:"Year"`
}

const dateLayout = "2006-01-02"

func fmtDate(t time.Time) string { return t.Format(dateLayout) }
