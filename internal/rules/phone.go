package rules

import (
	"regexp"
	"strings"
)

// =============================================================================
// PHONE STRATEGY - Chinese mobile/landline normalization and validation
// =============================================================================

var (
	mobileRegex   = regexp.MustCompile(`^1[3-9]\d{9}$`)
	landlineRegex = regexp.MustCompile(`^0\d{2,3}-?\d{7,8}$`)
)

// phoneStrategy normalizes a phone number and validates it as a Chinese
// mobile number (or landline when allowLandline is set). The normalized
// form becomes the field's working value.
// Params: removeSpaces?, removeDashes?, removeCountryCode?, allowLandline?.
func phoneStrategy(value string, params Params) Result {
	normalized := strings.TrimSpace(value)

	if params.Bool("removeSpaces", true) {
		normalized = strings.ReplaceAll(normalized, " ", "")
	}
	if params.Bool("removeDashes", false) {
		normalized = strings.ReplaceAll(normalized, "-", "")
	}
	if params.Bool("removeCountryCode", true) {
		normalized = stripCountryCode(normalized)
	}

	if mobileRegex.MatchString(normalized) {
		return pass(normalized)
	}
	if params.Bool("allowLandline", false) && landlineRegex.MatchString(normalized) {
		return pass(normalized)
	}

	return fail(value, "invalid phone number %q", value)
}

// stripCountryCode removes a +86 / 0086 / 86 prefix when the remainder
// looks like a domestic mobile number.
func stripCountryCode(phone string) string {
	for _, prefix := range []string{"+86", "0086", "86"} {
		if strings.HasPrefix(phone, prefix) {
			rest := phone[len(prefix):]
			if len(rest) == 11 && strings.HasPrefix(rest, "1") {
				return rest
			}
		}
	}
	return phone
}
