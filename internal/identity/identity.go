// Package identity canonicalizes company identifiers and sanitizes
// filesystem folder names (spec component C1).
package identity

import (
	"fmt"
	"strings"

	"github.com/esdrasrenan/projeto-xml/types"
)

// windowsReserved are characters illegal in Windows path segments; each
// is replaced with "_" by SanitizeFolder.
const windowsReserved = `/\:*?"<>|`

// Normalize canonicalizes an 11/14-digit company id: it strips all
// non-digit characters, drops a trailing ".0" spreadsheet float
// artifact, and left-pads a 13-digit result with one zero (truncated
// leading zero recovery). Fails with types.ErrInvalidIdentifier if the
// final length is not 11 or 14.
func Normalize(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	s = strings.TrimSuffix(s, ".0")

	var digits strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			digits.WriteRune(r)
		}
	}
	id := digits.String()

	if len(id) == 13 {
		id = "0" + id
	}

	if len(id) != 11 && len(id) != 14 {
		return "", fmt.Errorf("%w: %q normalizes to %d digits, want 11 or 14", types.ErrInvalidIdentifier, raw, len(id))
	}

	return id, nil
}

// SanitizeFolder makes name safe for use as a filesystem directory
// component: replaces reserved characters with "_", trims surrounding
// whitespace, then strips trailing dots/spaces (Windows-hostile
// segments). Idempotent.
func SanitizeFolder(name string) string {
	var b strings.Builder
	for _, r := range name {
		if strings.ContainsRune(windowsReserved, r) {
			b.WriteRune('_')
		} else {
			b.WriteRune(r)
		}
	}
	s := strings.TrimSpace(b.String())
	s = strings.TrimRight(s, ". ")
	return s
}
