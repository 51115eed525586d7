package types

import "testing"

func TestDocumentKeyValid(t *testing.T) {
	cases := []struct {
		key  DocumentKey
		want bool
	}{
		{DocumentKey("12345678901234567890123456789012345678901234"), true},
		{DocumentKey("1234"), false},
		{DocumentKey("1234567890123456789012345678901234567890123a"), false},
	}
	for _, c := range cases {
		if got := c.key.Valid(); got != c.want {
			t.Errorf("Valid(%q) = %v, want %v", c.key, got, c.want)
		}
	}
}

func TestDocumentKeyModelAndDocType(t *testing.T) {
	// cUF(2) AAMM(4) CNPJ(14) mod(2) serie(3) nNF(9) tpEmis(1) cNF(8) cDV(1)
	nfeKey := DocumentKey("35240112345678000195550010000000011000000010")
	cteKey := DocumentKey("35240112345678000195570010000000011000000010")

	if got := nfeKey.Model(); got != "55" {
		t.Fatalf("model = %q, want 55", got)
	}
	if got := nfeKey.DocType(); got != NFe {
		t.Errorf("expected NFe, got %s", got)
	}
	if got := cteKey.DocType(); got != CTe {
		t.Errorf("expected CTe, got %s", got)
	}
}

func TestDocumentKeyEmissionYearMonth(t *testing.T) {
	key := DocumentKey("35240112345678000195550010000000011000000010")
	year, month := key.EmissionYearMonth()
	if year != "2024" || month != "01" {
		t.Errorf("got year=%s month=%s, want 2024/01", year, month)
	}
}
