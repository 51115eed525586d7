package types

import "regexp"

var keyPattern = regexp.MustCompile(`^\d{44}$`)

// DocumentKey is the 44-digit identifier of an NFe/CTe document.
// Positions 21-22 (0-indexed 20-21) encode the document model: "55" for
// NFe, "57" for CTe.
type DocumentKey string

// Valid reports whether k matches the required 44-digit shape.
func (k DocumentKey) Valid() bool {
	return keyPattern.MatchString(string(k))
}

// Model returns the 2-digit document model embedded at positions 21-22.
func (k DocumentKey) Model() string {
	if len(k) < 22 {
		return ""
	}
	return string(k[20:22])
}

// DocType infers the document type from the embedded model code.
// Defaults to NFe when the model is not recognized, per spec §4.8 step 2.
func (k DocumentKey) DocType() DocType {
	switch k.Model() {
	case "57":
		return CTe
	default:
		return NFe
	}
}

// EmissionYearMonth decodes the YY/MM embedded at positions 3-6
// (1-indexed), interpreting YY as 20YY. Returns ("", "") if the key is
// too short.
func (k DocumentKey) EmissionYearMonth() (year, month string) {
	if len(k) < 6 {
		return "", ""
	}
	return "20" + string(k[2:4]), string(k[4:6])
}

// EventKey is the 44-digit identifier of a cancellation-class event.
type EventKey string

// Valid reports whether k matches the required 44-digit shape.
func (k EventKey) Valid() bool {
	return keyPattern.MatchString(string(k))
}
