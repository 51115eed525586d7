package statestore

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/esdrasrenan/projeto-xml/types"
)

func TestUpdateSkipIsAdditive(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	mk := types.MonthKey("04-2024")

	if err := s.UpdateSkip(mk, "c1", types.NFe, types.Destinatario, 50); err != nil {
		t.Fatalf("UpdateSkip() error: %v", err)
	}
	if err := s.UpdateSkip(mk, "c1", types.NFe, types.Destinatario, 25); err != nil {
		t.Fatalf("UpdateSkip() error: %v", err)
	}

	got, err := s.GetSkip(mk, "c1", types.NFe, types.Destinatario)
	if err != nil {
		t.Fatalf("GetSkip() error: %v", err)
	}
	if got != 75 {
		t.Errorf("GetSkip() = %d, want 75", got)
	}
}

func TestResetSkipForReport(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	mk := types.MonthKey("04-2024")
	if err := s.UpdateSkip(mk, "c1", types.NFe, types.Emitente, 50); err != nil {
		t.Fatal(err)
	}
	if err := s.ResetSkipForReport(mk, "c1", types.NFe); err != nil {
		t.Fatalf("ResetSkipForReport() error: %v", err)
	}
	got, err := s.GetSkip(mk, "c1", types.NFe, types.Emitente)
	if err != nil {
		t.Fatal(err)
	}
	if got != 0 {
		t.Errorf("GetSkip() after reset = %d, want 0", got)
	}
}

func TestImportedKeyTracking(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	mk := types.MonthKey("04-2024")
	key := types.DocumentKey("35240112345678000195550010000000011000000010")

	ok, err := s.IsXMLAlreadyImported(mk, "c1", types.NFe, key)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("expected key to be unseen before being marked")
	}

	if err := s.MarkXMLAsImported(mk, "c1", types.NFe, key); err != nil {
		t.Fatalf("MarkXMLAsImported() error: %v", err)
	}

	ok, err = s.IsXMLAlreadyImported(mk, "c1", types.NFe, key)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Error("expected key to be recorded as imported")
	}

	count, err := s.ImportedXMLCount(mk, "c1", types.NFe)
	if err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Errorf("ImportedXMLCount() = %d, want 1", count)
	}
}

func TestPendencyLifecycle(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	mk := types.MonthKey("05-2024")
	now := time.Now()

	if err := s.AddOrUpdateReportPendency(mk, "c1", types.NFe, now, types.PendingAPI); err != nil {
		t.Fatalf("AddOrUpdateReportPendency() error: %v", err)
	}
	p, ok, err := s.GetReportPendencyDetails(mk, "c1", types.NFe)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected a pendency to exist")
	}
	if p.Attempts != 1 || p.Status != types.PendingAPI {
		t.Errorf("pendency = %+v, want attempts=1 status=pending_api", p)
	}

	pending := s.ListPendingReports()
	if len(pending) != 1 {
		t.Fatalf("ListPendingReports() = %d entries, want 1", len(pending))
	}

	if err := s.ResolveReportPendency(mk, "c1", types.NFe); err != nil {
		t.Fatalf("ResolveReportPendency() error: %v", err)
	}
	_, ok, err = s.GetReportPendencyDetails(mk, "c1", types.NFe)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("expected pendency to be gone after resolution")
	}
}

func TestPendencyMaxAttemptsSuppressesListing(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	mk := types.MonthKey("06-2024")
	now := time.Now()

	for i := 0; i < types.MaxPendencyAttempts+2; i++ {
		if err := s.AddOrUpdateReportPendency(mk, "c1", types.CTe, now, types.PendingAPI); err != nil {
			t.Fatal(err)
		}
	}

	if pending := s.ListPendingReports(); len(pending) != 0 {
		t.Errorf("ListPendingReports() = %d, want 0 once max_attempts_reached suppresses it", len(pending))
	}
}

func TestSaveAndReloadRoundTrips(t *testing.T) {
	dir := t.TempDir()
	mk := types.MonthKey("04-2024")
	key := types.DocumentKey("35240112345678000195550010000000011000000010")

	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	if err := s.UpdateSkip(mk, "c1", types.NFe, types.Destinatario, 3); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkXMLAsImported(mk, "c1", types.NFe, key); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveCurrentMonth(); err != nil {
		t.Fatalf("SaveCurrentMonth() error: %v", err)
	}

	reopened, err := Open(dir)
	if err != nil {
		t.Fatalf("reopen Open() error: %v", err)
	}
	got, err := reopened.GetSkip(mk, "c1", types.NFe, types.Destinatario)
	if err != nil {
		t.Fatal(err)
	}
	if got != 3 {
		t.Errorf("GetSkip() after reload = %d, want 3", got)
	}
	ok, err := reopened.IsXMLAlreadyImported(mk, "c1", types.NFe, key)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Error("expected imported key to survive reload")
	}

	months := reopened.KnownMonths()
	if len(months) != 1 || months[0] != mk {
		t.Errorf("KnownMonths() = %v, want [%s]", months, mk)
	}
}

func TestOpenCanonicalizesLegacyMonthDir(t *testing.T) {
	dir := t.TempDir()
	legacyDir := filepath.Join(dir, "2024-04")
	if err := os.MkdirAll(legacyDir, dirMode); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(legacyDir, "state.json"), []byte(`{"xml_skip_counts":{"c1":{"NFe":{"Destinatario":5}}}}`), fileMode); err != nil {
		t.Fatal(err)
	}

	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}

	if _, err := os.Stat(filepath.Join(dir, "04-2024", "state.json")); err != nil {
		t.Fatalf("expected legacy dir renamed to canonical MM-YYYY: %v", err)
	}
	if _, err := os.Stat(legacyDir); !os.IsNotExist(err) {
		t.Error("expected legacy YYYY-MM directory to no longer exist")
	}

	months := s.KnownMonths()
	if len(months) != 1 || months[0] != types.MonthKey("04-2024") {
		t.Errorf("KnownMonths() = %v, want [04-2024]", months)
	}

	got, err := s.GetSkip(types.MonthKey("04-2024"), "c1", types.NFe, types.Destinatario)
	if err != nil {
		t.Fatal(err)
	}
	if got != 5 {
		t.Errorf("GetSkip() after canonicalization = %d, want 5", got)
	}
}

func TestMarkCompanyFailed(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	mk := types.MonthKey("04-2024")
	now := time.Now()
	if err := s.MarkCompanyFailed(mk, "c1", now); err != nil {
		t.Fatalf("MarkCompanyFailed() error: %v", err)
	}
	if err := s.SaveCurrentMonth(); err != nil {
		t.Fatal(err)
	}
}
