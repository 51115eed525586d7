package statestore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/esdrasrenan/projeto-xml/types"
)

func TestMigrateFromV1SplitsPerMonth(t *testing.T) {
	dir := t.TempDir()
	legacy := filepath.Join(dir, "legacy_state.json")
	body := `{
		"xml_skip_counts": {
			"c1": {
				"2024-04": {"NFe": {"Destinatario": 10}},
				"05-2024": {"NFe": {"Destinatario": 20}}
			}
		},
		"report_pendencies": {
			"c1": {
				"2024-04": {"NFe": {"Status": "pending_api", "Attempts": 1}}
			}
		}
	}`
	if err := os.WriteFile(legacy, []byte(body), fileMode); err != nil {
		t.Fatal(err)
	}

	s, err := Open(filepath.Join(dir, "store"))
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}

	stats, err := s.MigrateFromV1(legacy)
	if err != nil {
		t.Fatalf("MigrateFromV1() error: %v", err)
	}
	if stats.MonthsCreated != 2 {
		t.Errorf("MonthsCreated = %d, want 2", stats.MonthsCreated)
	}
	if stats.CompaniesMigrated != 1 {
		t.Errorf("CompaniesMigrated = %d, want 1", stats.CompaniesMigrated)
	}
	if stats.SkipCountsMigrated != 2 {
		t.Errorf("SkipCountsMigrated = %d, want 2", stats.SkipCountsMigrated)
	}
	if stats.PendenciesMigrated != 1 {
		t.Errorf("PendenciesMigrated = %d, want 1", stats.PendenciesMigrated)
	}

	april, err := s.GetSkip(types.MonthKey("04-2024"), "c1", types.NFe, types.Destinatario)
	if err != nil {
		t.Fatal(err)
	}
	if april != 10 {
		t.Errorf("GetSkip(04-2024) = %d, want 10", april)
	}
	may, err := s.GetSkip(types.MonthKey("05-2024"), "c1", types.NFe, types.Destinatario)
	if err != nil {
		t.Fatal(err)
	}
	if may != 20 {
		t.Errorf("GetSkip(05-2024) = %d, want 20", may)
	}

	pendency, ok, err := s.GetReportPendencyDetails(types.MonthKey("04-2024"), "c1", types.NFe)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected migrated pendency to exist")
	}
	if pendency.Status != types.PendingAPI {
		t.Errorf("pendency.Status = %v, want %v", pendency.Status, types.PendingAPI)
	}

	if err := s.SaveCurrentMonth(); err != nil {
		t.Fatalf("SaveCurrentMonth() error: %v", err)
	}
}
