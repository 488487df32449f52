package model

import (
	"strings"
	"time"
)

// TimestampLayout is the fixed-width UTC layout used for stored timestamps,
// so that text ordering equals time ordering.
const TimestampLayout = "2006-01-02T15:04:05.000000000Z07:00"

var parseLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
}

// FormatTimestamp renders t in TimestampLayout.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// ParseTimestamp parses an ISO-8601 timestamp after stripping any trailing
// bracketed annotation such as "[UTC]" or "[Europe/Paris]". It returns nil when
// the input cannot be parsed.
func ParseTimestamp(s string) *time.Time {
	s = strings.TrimSpace(s)
	if i := strings.LastIndex(s, "["); i >= 0 && strings.HasSuffix(s, "]") {
		s = strings.TrimSpace(s[:i])
	}
	if s == "" {
		return nil
	}
	for _, layout := range parseLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			t = t.UTC()
			return &t
		}
	}
	return nil
}
