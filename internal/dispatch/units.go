package dispatch

import "strings"

// SplitUnits breaks content into message units, one per line, in order.
// Blank and whitespace-only lines are dropped; other lines are kept verbatim
// apart from a trailing carriage return.
func SplitUnits(content string) []string {
	lines := strings.Split(content, "\n")
	units := make([]string, 0, len(lines))
	for _, line := range lines {
		line = strings.TrimSuffix(line, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		units = append(units, line)
	}
	return units
}
