package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/esdrasrenan/projeto-xml/types"
)

const minBase64Len = 100

// Count calls /ContarXmls and returns the total document count
// matching the filter. Exposed for completeness; not used in the
// core fetch flow.
func (c *Client) Count(ctx context.Context, f CountFilter) (CountResult, error) {
	payload := countPayload{
		XmlType:           xmlTypeFor(f.DocType),
		DataEmissaoInicio: fmtDate(f.DateFrom),
		DataEmissaoFim:    fmtDate(f.DateTo),
	}
	setRoleField(&payload.CnpjEmit, &payload.CnpjDest, &payload.CnpjTom, types.Emitente, f.CompanyID)

	return withAbsoluteDeadline(ctx, c.cfg.absoluteTimeout(f.DocType), func(ctx context.Context) (CountResult, error) {
		ctx, cancel := context.WithTimeout(ctx, c.cfg.readTimeout(f.DocType))
		defer cancel()

		raw, err := c.doWithRetry(ctx, func(ctx context.Context) ([]byte, error) {
			data, _, err := c.rawRequest(ctx, http.MethodPost, "/ContarXmls", payload, nil)
			return data, err
		})
		if err != nil {
			return CountResult{}, err
		}
		raw = unquoteOnce(raw)
		if err := surfaceStatusError(raw); err != nil {
			return CountResult{}, err
		}
		var resp countResponse
		if err := json.Unmarshal(raw, &resp); err != nil {
			return CountResult{}, fmt.Errorf("upstream: decode count response: %w", err)
		}
		return CountResult{Total: resp.Total}, nil
	})
}

// BatchDownload calls /BaixarXmls with the role-scoped window
// described by f and returns the base64-encoded document blobs.
// DownloadEvent is always false for this operation (events are
// fetched separately via EventsDownload).
func (c *Client) BatchDownload(ctx context.Context, f BatchFilter) ([]string, error) {
	payload := batchDownloadPayload{
		XmlType:           xmlTypeFor(f.DocType),
		Take:              f.Take,
		Skip:              f.Skip,
		DataEmissaoInicio: fmtDate(f.DateFrom),
		DataEmissaoFim:    fmtDate(f.DateTo),
		DownloadEvent:     false,
	}
	setRoleField(&payload.CnpjEmit, &payload.CnpjDest, &payload.CnpjTom, f.Role, f.CompanyID)

	return withAbsoluteDeadline(ctx, c.cfg.absoluteTimeout(f.DocType), func(ctx context.Context) ([]string, error) {
		ctx, cancel := context.WithTimeout(ctx, c.cfg.readTimeout(f.DocType))
		defer cancel()
		raw, err := c.doWithRetry(ctx, func(ctx context.Context) ([]byte, error) {
			data, _, err := c.rawRequest(ctx, http.MethodPost, "/BaixarXmls", payload, nil)
			return data, err
		})
		if err != nil {
			return nil, err
		}
		return parseBlobList(raw)
	})
}

// parseBlobList decodes a response body that may be a JSON list of
// base64 strings, a JSON object wrapping that list under "Xmls", or a
// JSON-string-encoded version of either. A non-empty "Status" list in
// an object body is surfaced as an error.
func parseBlobList(raw []byte) ([]string, error) {
	raw = unquoteOnce(raw)

	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		return list, nil
	}

	var env xmlsEnvelope
	if err := json.Unmarshal(raw, &env); err == nil {
		if err := surfaceStatusError(raw); err != nil {
			return nil, err
		}
		return env.Xmls, nil
	}

	if err := surfaceStatusError(raw); err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("upstream: unrecognized batch response shape: %s", truncate(raw, 200))
}

// GetOne calls /BaixarXml for a single document key. If includeEvents
// is true and the call fails with HTTP 400, it retries once with
// includeEvents=false, per the mandatory fallback. Returns nil, nil
// when upstream reports no content for the key.
func (c *Client) GetOne(ctx context.Context, key types.DocumentKey, docType types.DocType, includeEvents bool) ([]byte, error) {
	xml, err := c.getOneAttempt(ctx, key, docType, includeEvents)
	if err == nil {
		return xml, nil
	}
	if includeEvents && isHTTPStatus(err, http.StatusBadRequest) {
		return c.getOneAttempt(ctx, key, docType, false)
	}
	return nil, err
}

func (c *Client) getOneAttempt(ctx context.Context, key types.DocumentKey, docType types.DocType, includeEvents bool) ([]byte, error) {
	q := url.Values{}
	q.Set("xmlType", strconv.Itoa(xmlTypeFor(docType)))
	q.Set("downloadEvent", strconv.FormatBool(includeEvents))

	return withAbsoluteDeadline(ctx, c.cfg.absoluteTimeout(docType), func(ctx context.Context) ([]byte, error) {
		ctx, cancel := context.WithTimeout(ctx, c.cfg.readTimeout(docType))
		defer cancel()
		raw, err := c.doWithRetry(ctx, func(ctx context.Context) ([]byte, error) {
			data, _, err := c.rawRequestRawBody(ctx, "/BaixarXml", string(key), q)
			return data, err
		})
		if err != nil {
			return nil, err
		}
		if len(raw) == 0 {
			return nil, nil
		}
		unquoted, wasString := unquoteIfJSONString(raw)
		if wasString {
			return unquoted, nil
		}
		return raw, nil
	})
}

// EventsDownload calls /BaixarEventos for a (doc_type, role) pair and
// date window, paginating with take=50 until a page returns fewer than
// take results. f.EventType is not part of the request, so every event
// upstream holds for the pair and window is returned. Treats
// the literal "Eventos não encontrados!" body and HTTP 404 as "no
// events" rather than an error, per upstream's documented
// inconsistency on this endpoint.
func (c *Client) EventsDownload(ctx context.Context, f EventsFilter) ([]string, error) {
	var all []string
	skip := f.Skip
	for {
		page, err := c.eventsPage(ctx, f, skip)
		if err != nil {
			return nil, err
		}
		all = append(all, page...)
		if len(page) < eventsPageSize {
			break
		}
		skip += eventsPageSize
	}
	return all, nil
}

func (c *Client) eventsPage(ctx context.Context, f EventsFilter, skip int) ([]string, error) {
	payload := batchDownloadPayload{
		XmlType:           xmlTypeFor(f.DocType),
		Take:              eventsPageSize,
		Skip:              skip,
		DataEmissaoInicio: fmtDate(f.DateFrom),
		DataEmissaoFim:    fmtDate(f.DateTo),
		DownloadEvent:     true,
	}
	setRoleField(&payload.CnpjEmit, &payload.CnpjDest, &payload.CnpjTom, f.Role, f.CompanyID)

	raw, err := withAbsoluteDeadline(ctx, c.cfg.absoluteTimeout(f.DocType), func(ctx context.Context) ([]byte, error) {
		ctx, cancel := context.WithTimeout(ctx, c.cfg.readTimeout(f.DocType))
		defer cancel()
		return c.doWithRetry(ctx, func(ctx context.Context) ([]byte, error) {
			data, _, err := c.rawRequest(ctx, http.MethodPost, "/BaixarEventos", payload, nil)
			if err != nil {
				if isHTTPStatus(err, http.StatusNotFound) {
					return []byte("[]"), nil
				}
				return nil, err
			}
			return data, nil
		})
	})
	if err != nil {
		return nil, err
	}

	if strings.TrimSpace(string(raw)) == `"Eventos não encontrados!"` || strings.TrimSpace(string(raw)) == "Eventos não encontrados!" {
		return nil, nil
	}
	return parseBlobList(raw)
}

// MonthlyReport calls /api/relatorio/xml for a company's monthly
// report. report_kind defaults to the spec's doc_type auto-selection
// (NFe -> 2, CTe -> 4) when zero. Unlike every other operation, this
// call has no retries and no absolute-deadline wrapper: report
// generation is inherently slow (30-180s upstream-side), so it runs
// as a single direct request governed only by the connect/read
// timeouts.
func (c *Client) MonthlyReport(ctx context.Context, companyID string, docType types.DocType, month, year int, reportKind int) (ReportResult, error) {
	if reportKind == 0 {
		reportKind = reportTypeFor(docType)
	}
	payload := reportPayload{
		Cnpj:                  companyID,
		TypeXmlDownloadReport: reportKind,
		XmlType:               xmlTypeFor(docType),
		Month:                 month,
		Year:                  year,
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return ReportResult{}, fmt.Errorf("%w: %v", types.ErrTimeout, err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.readTimeout(docType))
	defer cancel()

	raw, _, err := c.rawRequest(ctx, http.MethodPost, "/api/relatorio/xml", payload, nil)
	if err != nil {
		var rerr *retryableHTTPError
		if asRetryable(err, &rerr) {
			return ReportResult{}, fmt.Errorf("%w: %v", types.ErrNetworkFailure, err)
		}
		return ReportResult{}, err
	}
	return parseReportResponse(raw)
}

func parseReportResponse(raw []byte) (ReportResult, error) {
	if unquoted, wasString := unquoteIfJSONString(raw); wasString {
		text := strings.TrimSpace(string(unquoted))
		if strings.EqualFold(text, "nenhum arquivo xml encontrado") {
			return ReportResult{Empty: true, StatusMsg: text}, nil
		}
		if len(text) >= minBase64Len {
			return ReportResult{ReportBase64: text, StatusMsg: "report delivered as a raw string"}, nil
		}
		return ReportResult{ErrorMsg: fmt.Sprintf("unexpected short report response: %s", text)}, nil
	}

	var obj struct {
		RelatorioBase64 string `json:"RelatorioBase64"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return ReportResult{}, fmt.Errorf("upstream: decode report response: %w", err)
	}
	if err := surfaceStatusError(raw); err != nil {
		return ReportResult{}, err
	}
	if obj.RelatorioBase64 == "" {
		return ReportResult{Empty: true, StatusMsg: "RelatorioBase64 empty in JSON response"}, nil
	}
	return ReportResult{ReportBase64: obj.RelatorioBase64, StatusMsg: "report delivered as JSON"}, nil
}

func setRoleField(emit, dest, tom *string, role types.Role, companyID string) {
	switch role {
	case types.Destinatario:
		*dest = companyID
	case types.Tomador:
		*tom = companyID
	default:
		*emit = companyID
	}
}

// unquoteOnce returns the unquoted form of raw if it is a JSON string,
// otherwise raw unchanged.
func unquoteOnce(raw []byte) []byte {
	if unquoted, ok := unquoteIfJSONString(raw); ok {
		return unquoted
	}
	return raw
}

func isHTTPStatus(err error, status int) bool {
	for err != nil {
		if se, ok := err.(*httpStatusError); ok {
			return se.status == status
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
