package xmlinspect

import (
	"fmt"
	"strings"
	"time"

	"github.com/esdrasrenan/projeto-xml/internal/identity"
	"github.com/esdrasrenan/projeto-xml/types"
)

// rootKinds maps the wrapper element found at the document root to the
// Kind it represents.
var rootKinds = map[string]types.Kind{
	"nfeProc":       types.KindNFe,
	"cteProc":       types.KindCTe,
	"procEventoNFe": types.KindEventNFe,
	"procEventoCTe": types.KindEventCTe,
}

// Inspect classifies blob and extracts the fields needed to place it in
// the archive tree. companyID must already be a normalized 11/14-digit
// identifier (see internal/identity); it is compared against every
// party CNPJ/CPF found on the document to resolve Direction.
//
// Returns types.ErrUnreadableXML if blob is not well-formed XML or its
// root element is not one of the four recognized wrappers, and
// types.ErrMissingFields if a recognized document is missing its key or
// emission timestamp.
func Inspect(blob []byte, companyID string) (*types.ParsedDocument, error) {
	root, err := parseTree(blob)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrUnreadableXML, err)
	}

	kind, ok := rootKinds[root.Name]
	if !ok {
		return nil, fmt.Errorf("%w: unrecognized root element %q", types.ErrUnreadableXML, root.Name)
	}

	var (
		key       string
		refKey    string
		eventCode string
		emiStr    string
		direction types.Direction
	)

	switch kind {
	case types.KindNFe:
		key, emiStr, direction = inspectNFe(root, companyID)
	case types.KindCTe:
		key, emiStr, direction = inspectCTe(root, companyID)
	case types.KindEventNFe:
		key, refKey, eventCode, emiStr, direction = inspectEvent(root, "chNFe")
	case types.KindEventCTe:
		key, refKey, eventCode, emiStr, direction = inspectEvent(root, "chCTe")
	}

	if key == "" || emiStr == "" {
		return nil, fmt.Errorf("%w: kind=%s missing key or emission timestamp", types.ErrMissingFields, kind)
	}

	emi, err := parseEmission(emiStr)
	if err != nil {
		return nil, fmt.Errorf("%w: kind=%s %v", types.ErrMissingFields, kind, err)
	}

	return &types.ParsedDocument{
		Kind:          kind,
		Key:           types.DocumentKey(key),
		ReferencedKey: types.DocumentKey(refKey),
		EventCode:     types.EventType(eventCode),
		EmissionTS:    emi,
		YearMonth:     emi.Format("2006/01"),
		Direction:     direction,
	}, nil
}

// idFromAttr strips a 2-3 letter SEFAZ prefix ("NFe", "CTe", "ID") off
// an Id attribute value.
func idFromAttr(raw, prefix string) string {
	if len(raw) <= len(prefix) {
		return ""
	}
	if !strings.EqualFold(raw[:len(prefix)], prefix) {
		return ""
	}
	return raw[len(prefix):]
}

func matches(raw, companyID string) bool {
	if raw == "" {
		return false
	}
	norm, err := identity.Normalize(raw)
	if err != nil {
		return false
	}
	return norm == companyID
}

func inspectNFe(root *node, companyID string) (key, emiStr string, direction types.Direction) {
	infNFe := findAnywhere(root, "infNFe")
	if infNFe == nil {
		return "", "", types.Undetermined
	}
	key = idFromAttr(infNFe.Attrs["Id"], "NFe")
	emiStr = text(infNFe, "dhEmi")

	emit := findAnywhere(infNFe, "emit")
	dest := findAnywhere(infNFe, "dest")
	var emitCNPJ, destCNPJ string
	if emit != nil {
		emitCNPJ = text(emit, "CNPJ")
	}
	if dest != nil {
		destCNPJ = text(dest, "CNPJ")
	}

	switch {
	case matches(destCNPJ, companyID):
		direction = types.Entrada
	case matches(emitCNPJ, companyID):
		direction = types.Saida
	default:
		direction = types.Undetermined
	}
	return key, emiStr, direction
}

func inspectCTe(root *node, companyID string) (key, emiStr string, direction types.Direction) {
	infCte := findAnywhere(root, "infCte")
	if infCte == nil {
		return "", "", types.Undetermined
	}
	key = idFromAttr(infCte.Attrs["Id"], "CTe")

	ide := findChild(infCte, "ide")
	if ide != nil {
		emiStr = text(ide, "dhEmi")
	}

	partyCNPJ := func(tag string) string {
		p := findAnywhere(infCte, tag)
		if p == nil {
			return ""
		}
		return text(p, "CNPJ")
	}
	emitCNPJ := partyCNPJ("emit")
	destCNPJ := partyCNPJ("dest")
	remCNPJ := partyCNPJ("rem")
	expedCNPJ := partyCNPJ("exped")
	recebCNPJ := partyCNPJ("receb")

	var tomaCNPJ string
	if ide != nil {
		if toma3 := findChild(ide, "toma3"); toma3 != nil {
			switch text(toma3, "toma") {
			case "0":
				tomaCNPJ = remCNPJ
			case "1":
				tomaCNPJ = expedCNPJ
			case "2":
				tomaCNPJ = recebCNPJ
			case "3":
				tomaCNPJ = destCNPJ
			}
		}
		if tomaCNPJ == "" {
			if toma4 := findChild(ide, "toma4"); toma4 != nil {
				if cnpj := text(toma4, "CNPJ"); cnpj != "" {
					tomaCNPJ = cnpj
				} else {
					tomaCNPJ = text(toma4, "CPF")
				}
			}
		}
	}

	// Priority order from the original extraction: Tomador, then
	// Emitente, Destinatario, Remetente, Expedidor, Recebedor.
	switch {
	case matches(tomaCNPJ, companyID):
		direction = types.Entrada
	case matches(emitCNPJ, companyID):
		direction = types.Saida
	case matches(destCNPJ, companyID):
		direction = types.Entrada
	case matches(remCNPJ, companyID):
		direction = types.Saida
	case matches(expedCNPJ, companyID):
		direction = types.Saida
	case matches(recebCNPJ, companyID):
		direction = types.Entrada
	default:
		direction = types.Undetermined
	}
	return key, emiStr, direction
}

func inspectEvent(root *node, refTag string) (key, refKey, eventCode, emiStr string, direction types.Direction) {
	infEvento := findAnywhere(root, "infEvento")
	if infEvento == nil {
		return "", "", "", "", types.Undetermined
	}
	key = idFromAttr(infEvento.Attrs["Id"], "ID")
	refKey = text(infEvento, refTag)
	eventCode = text(infEvento, "tpEvento")
	emiStr = text(infEvento, "dhEvento")
	direction = directionFromEventKey(refKey, refTag)
	return key, refKey, eventCode, emiStr, direction
}

// directionFromEventKey heuristically infers direction for an NFe event
// from the referenced document's embedded model code, since the event
// payload itself carries no party information. CTe events are left
// undetermined: placement falls back to whatever directory already
// holds the original CTe.
func directionFromEventKey(refKey, refTag string) types.Direction {
	if len(refKey) != 44 {
		return types.Undetermined
	}
	model := refKey[20:22]
	if refTag == "chNFe" {
		switch model {
		case "55":
			return types.Saida
		case "65":
			return types.Entrada
		}
	}
	return types.Undetermined
}

// parseEmission parses a dhEmi/dhEvento value, with or without a UTC
// offset.
func parseEmission(s string) (time.Time, error) {
	if len(s) > 10 && (strings.Contains(s[10:], "+") || strings.Contains(s[10:], "-")) {
		return time.Parse(time.RFC3339, s)
	}
	return time.Parse("2006-01-02T15:04:05", s)
}
