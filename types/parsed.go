package types

import "time"

// ParsedDocument is the tagged-variant result of XML inspection (C2). It
// carries only the fields relevant to Kind; callers must switch on Kind
// before trusting ReferencedKey/EventType.
type ParsedDocument struct {
	Kind          Kind
	Key           DocumentKey
	ReferencedKey DocumentKey // set only for EventNFe/EventCTe
	EventCode     EventType   // set only for EventNFe/EventCTe
	EmissionTS    time.Time
	YearMonth     string // "YYYY/MM", derived from EmissionTS
	Direction     Direction
}

// IsEvent reports whether the parsed document is a cancellation-class
// event rather than a principal document.
func (p *ParsedDocument) IsEvent() bool {
	return p.Kind == KindEventNFe || p.Kind == KindEventCTe
}

// DocType maps Kind back to the document family it belongs to.
func (p *ParsedDocument) DocType() DocType {
	switch p.Kind {
	case KindCTe, KindEventCTe:
		return CTe
	default:
		return NFe
	}
}
