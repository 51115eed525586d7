package types

import "time"

// ManifestRow is a single row from the monthly manifest spreadsheet: a
// document key, its emission date, and the raw CNPJ/CPF columns the
// Manifest Reader uses to classify the row's role.
type ManifestRow struct {
	Key          DocumentKey
	EmissionDate time.Time
	RoleFields   map[string]string // raw column name -> id value
}
