package upstream

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/esdrasrenan/projeto-xml/types"
)

func testClient(t *testing.T, url string) *Client {
	t.Helper()
	c, err := New(Config{
		APIKey:             "test-key",
		BaseURL:            url,
		ConnectTimeout:     time.Second,
		NFeReadTimeout:     2 * time.Second,
		CTeReadTimeout:     2 * time.Second,
		NFeAbsoluteTimeout: 3 * time.Second,
		CTeAbsoluteTimeout: 3 * time.Second,
	})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	return c
}

func TestBatchDownloadAcceptsListShape(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("api_key") != "test-key" {
			t.Errorf("expected api_key query param, got %q", r.URL.RawQuery)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`["YmxvYjE=","YmxvYjI="]`))
	}))
	defer ts.Close()

	c := testClient(t, ts.URL)
	blobs, err := c.BatchDownload(t.Context(), BatchFilter{
		DocType:   types.NFe,
		Role:      types.Destinatario,
		CompanyID: "12345678000195",
		DateFrom:  time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC),
		DateTo:    time.Date(2024, 4, 30, 0, 0, 0, 0, time.UTC),
		Skip:      0,
		Take:      50,
	})
	if err != nil {
		t.Fatalf("BatchDownload() error: %v", err)
	}
	if len(blobs) != 2 {
		t.Fatalf("BatchDownload() = %d blobs, want 2", len(blobs))
	}
}

func TestBatchDownloadAcceptsEnvelopeShape(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"Xmls":["YmxvYjE="]}`))
	}))
	defer ts.Close()

	c := testClient(t, ts.URL)
	blobs, err := c.BatchDownload(t.Context(), BatchFilter{
		DocType:   types.CTe,
		Role:      types.Tomador,
		CompanyID: "12345678000195",
		DateFrom:  time.Now(),
		DateTo:    time.Now(),
		Take:      50,
	})
	if err != nil {
		t.Fatalf("BatchDownload() error: %v", err)
	}
	if len(blobs) != 1 || blobs[0] != "YmxvYjE=" {
		t.Fatalf("BatchDownload() = %v, want [YmxvYjE=]", blobs)
	}
}

func TestBatchDownloadSurfacesStatusError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"Status":["CNPJ inválido"]}`))
	}))
	defer ts.Close()

	c := testClient(t, ts.URL)
	_, err := c.BatchDownload(t.Context(), BatchFilter{DocType: types.NFe, Take: 50})
	if err == nil {
		t.Fatal("expected an error from a non-empty Status list")
	}
}

func TestGetOneFallsBackWhenEventsFails(t *testing.T) {
	var calls int
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		includeEvents := r.URL.Query().Get("downloadEvent")
		if includeEvents == "true" {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"Status":["não suportado com eventos"]}`))
			return
		}
		raw, _ := json.Marshal("<nfeProc/>")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(raw)
	}))
	defer ts.Close()

	c := testClient(t, ts.URL)
	xml, err := c.GetOne(t.Context(), types.DocumentKey("352401000000000000000000000000000000000000"), types.NFe, true)
	if err != nil {
		t.Fatalf("GetOne() error: %v", err)
	}
	if string(xml) != "<nfeProc/>" {
		t.Errorf("GetOne() = %q, want <nfeProc/>", xml)
	}
	if calls != 2 {
		t.Errorf("expected 2 calls (original + fallback), got %d", calls)
	}
}

func TestGetOneReturnsNilOnEmptyBody(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	c := testClient(t, ts.URL)
	xml, err := c.GetOne(t.Context(), types.DocumentKey("key"), types.NFe, false)
	if err != nil {
		t.Fatalf("GetOne() error: %v", err)
	}
	if xml != nil {
		t.Errorf("GetOne() = %q, want nil", xml)
	}
}

func TestEventsDownloadTreatsLiteralNotFoundMessageAsEmpty(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("Eventos não encontrados!"))
	}))
	defer ts.Close()

	c := testClient(t, ts.URL)
	events, err := c.EventsDownload(t.Context(), EventsFilter{
		DocType:   types.NFe,
		Role:      types.Emitente,
		EventType: types.EventCancelNFe,
		Take:      50,
	})
	if err != nil {
		t.Fatalf("EventsDownload() error: %v", err)
	}
	if len(events) != 0 {
		t.Errorf("EventsDownload() = %d events, want 0", len(events))
	}
}

func TestEventsDownloadTreats404AsEmpty(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer ts.Close()

	c := testClient(t, ts.URL)
	events, err := c.EventsDownload(t.Context(), EventsFilter{DocType: types.CTe, Role: types.Tomador, Take: 50})
	if err != nil {
		t.Fatalf("EventsDownload() error: %v", err)
	}
	if len(events) != 0 {
		t.Errorf("EventsDownload() = %d events, want 0", len(events))
	}
}

func TestEventsDownloadPaginatesUntilShortPage(t *testing.T) {
	var skips []int
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload batchDownloadPayload
		_ = json.NewDecoder(r.Body).Decode(&payload)
		skips = append(skips, payload.Skip)

		w.Header().Set("Content-Type", "application/json")
		if payload.Skip == 0 {
			full := make([]string, eventsPageSize)
			for i := range full {
				full[i] = "ZXZlbnQ=" + strconv.Itoa(i)
			}
			raw, _ := json.Marshal(full)
			_, _ = w.Write(raw)
			return
		}
		_, _ = w.Write([]byte(`["ZXZlbnQ="]`))
	}))
	defer ts.Close()

	c := testClient(t, ts.URL)
	events, err := c.EventsDownload(t.Context(), EventsFilter{DocType: types.NFe, Role: types.Emitente, Take: eventsPageSize})
	if err != nil {
		t.Fatalf("EventsDownload() error: %v", err)
	}
	if len(events) != eventsPageSize+1 {
		t.Fatalf("EventsDownload() = %d events, want %d", len(events), eventsPageSize+1)
	}
	if len(skips) != 2 || skips[0] != 0 || skips[1] != eventsPageSize {
		t.Errorf("unexpected pagination skips: %v", skips)
	}
}

func TestMonthlyReportAutoSelectsReportKind(t *testing.T) {
	var gotReportType int
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload reportPayload
		_ = json.NewDecoder(r.Body).Decode(&payload)
		gotReportType = payload.TypeXmlDownloadReport

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"RelatorioBase64":"` + longBase64Stub() + `"}`))
	}))
	defer ts.Close()

	c := testClient(t, ts.URL)
	result, err := c.MonthlyReport(t.Context(), "12345678000195", types.CTe, 4, 2024, 0)
	if err != nil {
		t.Fatalf("MonthlyReport() error: %v", err)
	}
	if gotReportType != 4 {
		t.Errorf("MonthlyReport() auto-selected report type %d, want 4 for CTe", gotReportType)
	}
	if result.Empty || result.ReportBase64 == "" {
		t.Errorf("MonthlyReport() = %+v, want a non-empty report", result)
	}
}

func TestMonthlyReportRecognizesEmptyMessage(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := json.Marshal("Nenhum arquivo xml encontrado")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(raw)
	}))
	defer ts.Close()

	c := testClient(t, ts.URL)
	result, err := c.MonthlyReport(t.Context(), "12345678000195", types.NFe, 4, 2024, 0)
	if err != nil {
		t.Fatalf("MonthlyReport() error: %v", err)
	}
	if !result.Empty {
		t.Errorf("MonthlyReport() = %+v, want Empty=true", result)
	}
}

func TestCountDecodesTotal(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"Total":42}`))
	}))
	defer ts.Close()

	c := testClient(t, ts.URL)
	result, err := c.Count(t.Context(), CountFilter{DocType: types.NFe, CompanyID: "12345678000195"})
	if err != nil {
		t.Fatalf("Count() error: %v", err)
	}
	if result.Total != 42 {
		t.Errorf("Count() = %d, want 42", result.Total)
	}
}

func TestBatchDownloadRetriesOnServiceUnavailable(t *testing.T) {
	var attempts int
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[]`))
	}))
	defer ts.Close()

	c := testClient(t, ts.URL)
	blobs, err := c.BatchDownload(t.Context(), BatchFilter{DocType: types.NFe, Take: 50})
	if err != nil {
		t.Fatalf("BatchDownload() error: %v", err)
	}
	if len(blobs) != 0 {
		t.Errorf("BatchDownload() = %v, want empty", blobs)
	}
	if attempts < 2 {
		t.Errorf("expected at least 2 attempts after a 503, got %d", attempts)
	}
}

func TestBatchDownloadGivesUpAfterMaxRetries(t *testing.T) {
	var attempts int
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer ts.Close()

	c := testClient(t, ts.URL)
	_, err := c.BatchDownload(t.Context(), BatchFilter{DocType: types.NFe, Take: 50})
	if err == nil {
		t.Fatal("expected an error after exhausting retries")
	}
	if attempts != maxRetries+1 {
		t.Errorf("expected %d attempts (1 + %d retries), got %d", maxRetries+1, maxRetries, attempts)
	}
}

func longBase64Stub() string {
	s := make([]byte, minBase64Len+10)
	for i := range s {
		s[i] = 'A'
	}
	return string(s)
}

func TestRoleFieldFor(t *testing.T) {
	cases := []struct {
		role types.Role
		want string
	}{
		{types.Emitente, "CnpjEmit"},
		{types.Destinatario, "CnpjDest"},
		{types.Tomador, "CnpjTom"},
	}
	for _, tc := range cases {
		if got := RoleFieldFor(tc.role); got != tc.want {
			t.Errorf("RoleFieldFor(%s) = %s, want %s", tc.role, got, tc.want)
		}
	}
}
