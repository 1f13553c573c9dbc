package models

import (
	"fmt"
	"regexp"
	"time"
)

// IdentifierPattern matches human-readable snag identifiers.
var IdentifierPattern = regexp.MustCompile(`^SNag-\d{8}-\d{4,}$`)

// FormatIdentifier renders SNag-YYYYMMDD-#### for a day and its sequence number.
func FormatIdentifier(day time.Time, seq int) string {
	return fmt.Sprintf("SNag-%s-%04d", day.Format("20060102"), seq)
}

// DayOf truncates t to its calendar day in t's location.
func DayOf(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
