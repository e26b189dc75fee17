// Package destination maps raw phone-number-like addresses onto the
// canonical identifiers a transport sends to.
package destination

import (
	"strings"

	"uk.co.dudmesh.courier/internal/model"
)

// Scheme holds the suffixes a transport appends to the digits of an address.
type Scheme struct {
	IndividualSuffix string
	GroupSuffix      string
}

// Resolve keeps only the decimal digits of raw and appends the suffix for kind.
// Any kind other than group resolves as an individual.
func Resolve(raw string, kind model.TargetKind, scheme Scheme) string {
	var sb strings.Builder
	sb.Grow(len(raw) + len(scheme.IndividualSuffix))
	for i := 0; i < len(raw); i++ {
		if c := raw[i]; c >= '0' && c <= '9' {
			sb.WriteByte(c)
		}
	}
	if kind == model.TargetKindGroup {
		sb.WriteString(scheme.GroupSuffix)
	} else {
		sb.WriteString(scheme.IndividualSuffix)
	}
	return sb.String()
}
