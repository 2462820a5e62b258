// Copyright 2024-2026 Aiku AI

package relay

import (
	"regexp"
	"strconv"
)

var markerRegex = regexp.MustCompile(`\bID:[ \t]*(\d+)`)

// FormatMarker renders the identity marker embedded in forwarded messages.
func FormatMarker(id UserID) string {
	return "ID: " + strconv.FormatInt(int64(id), 10)
}

// ExtractCorrespondentID finds the first well-formed identity marker in text.
// Markers whose number doesn't fit a positive int64 are skipped.
func ExtractCorrespondentID(text string) (UserID, bool) {
	for _, match := range markerRegex.FindAllStringSubmatch(text, -1) {
		id, err := strconv.ParseInt(match[1], 10, 64)
		if err != nil || id <= 0 {
			continue
		}
		return UserID(id), true
	}
	return 0, false
}
