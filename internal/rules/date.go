package rules

import (
	"fmt"
	"strings"
	"time"
)

// =============================================================================
// DATE STRATEGY - multi-format parsing, normalized to YYYY-MM-DD
// =============================================================================

// defaultDateFormats are tried in order when no formats param is given.
var defaultDateFormats = []string{
	"YYYY-MM-DD",
	"YYYY/MM/DD",
	"YYYY.MM.DD",
	"YYYYMMDD",
	"DD-MM-YYYY",
	"DD/MM/YYYY",
}

// dateLayout converts a configuration format string (YYYY/MM/DD tokens,
// as the rule files use) to a Go time layout.
func dateLayout(format string) (string, error) {
	if format == "" {
		return "", fmt.Errorf("empty date format")
	}
	layout := format
	layout = strings.ReplaceAll(layout, "YYYY", "2006")
	layout = strings.ReplaceAll(layout, "MM", "01")
	layout = strings.ReplaceAll(layout, "DD", "02")
	if !strings.Contains(layout, "2006") || !strings.Contains(layout, "01") || !strings.Contains(layout, "02") {
		return "", fmt.Errorf("date format %q must contain YYYY, MM and DD", format)
	}
	return layout, nil
}

// dateStrategy parses the value against the configured formats and
// normalizes to YYYY-MM-DD. The timezone param is applied exactly as
// configured; otherwise parsing is location-independent.
// Params: formats?, minYear?, maxYear?, timezone?.
func dateStrategy(value string, params Params) Result {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return fail(value, "empty date value")
	}

	formats := params.Strings("formats")
	if len(formats) == 0 {
		formats = defaultDateFormats
	}

	loc := time.UTC
	if tz := params.String("timezone", ""); tz != "" {
		parsed, err := time.LoadLocation(tz)
		if err != nil {
			return fail(value, "unknown timezone %q", tz)
		}
		loc = parsed
	}

	var parsed time.Time
	var ok bool
	for _, format := range formats {
		layout, err := dateLayout(format)
		if err != nil {
			continue
		}
		t, err := time.ParseInLocation(layout, trimmed, loc)
		if err == nil {
			parsed = t
			ok = true
			break
		}
	}
	if !ok {
		return fail(value, "date %q does not match any accepted format", value)
	}

	year := parsed.Year()
	if min, has := params.Int("minYear"); has && year < min {
		return fail(value, "year %d is before minimum year %d", year, min)
	}
	if max, has := params.Int("maxYear"); has && year > max {
		return fail(value, "year %d is after maximum year %d", year, max)
	}

	return pass(parsed.Format("2006-01-02"))
}
