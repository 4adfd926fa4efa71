package rules

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"unicode/utf8"
)

// =============================================================================
// BUILT-IN STRATEGIES - regex, range, length
// =============================================================================

const (
	// MaxRegexPatternLength caps user-supplied patterns.
	MaxRegexPatternLength = 500
)

// compiledPatterns caches user regexes across rows. Patterns come from
// the active rule configuration, so the set is small and stable.
var compiledPatterns sync.Map // pattern string -> *regexp.Regexp

func compilePattern(pattern, flags string, multiline bool) (*regexp.Regexp, error) {
	var prefix string
	if strings.Contains(flags, "i") {
		prefix += "i"
	}
	if multiline || strings.Contains(flags, "m") {
		prefix += "m"
	}
	if strings.Contains(flags, "s") {
		prefix += "s"
	}
	full := pattern
	if prefix != "" {
		full = "(?" + prefix + ")" + pattern
	}

	if cached, ok := compiledPatterns.Load(full); ok {
		return cached.(*regexp.Regexp), nil
	}
	re, err := regexp.Compile(full)
	if err != nil {
		return nil, err
	}
	compiledPatterns.Store(full, re)
	return re, nil
}

// regexStrategy passes iff the value matches params.pattern.
// Params: pattern (required), flags? ("i", "m", "s"), multiline?.
func regexStrategy(value string, params Params) Result {
	pattern := params.String("pattern", "")
	if pattern == "" {
		return fail(value, "regex rule missing pattern")
	}
	if len(pattern) > MaxRegexPatternLength {
		return fail(value, "regex pattern exceeds %d characters", MaxRegexPatternLength)
	}

	re, err := compilePattern(pattern, params.String("flags", ""), params.Bool("multiline", false))
	if err != nil {
		return fail(value, "invalid regex pattern: %v", err)
	}

	if !re.MatchString(value) {
		return fail(value, "value does not match pattern %s", pattern)
	}
	return pass(value)
}

// rangeStrategy numerically coerces the value and checks bounds.
// Params: min?, max?, inclusive? (default true).
func rangeStrategy(value string, params Params) Result {
	trimmed := strings.TrimSpace(value)
	n, err := strconv.ParseFloat(trimmed, 64)
	if err != nil {
		return fail(value, "value %q is not numeric", value)
	}

	inclusive := params.Bool("inclusive", true)

	if min, ok := params.Float("min"); ok {
		if inclusive && n < min {
			return fail(value, "value %v is below minimum %v", n, min)
		}
		if !inclusive && n <= min {
			return fail(value, "value %v must be greater than %v", n, min)
		}
	}
	if max, ok := params.Float("max"); ok {
		if inclusive && n > max {
			return fail(value, "value %v is above maximum %v", n, max)
		}
		if !inclusive && n >= max {
			return fail(value, "value %v must be less than %v", n, max)
		}
	}

	return pass(trimmed)
}

// lengthStrategy checks string length in runes.
// Params: minLength?, maxLength?, exactLength?.
func lengthStrategy(value string, params Params) Result {
	length := utf8.RuneCountInString(value)

	if exact, ok := params.Int("exactLength"); ok {
		if length != exact {
			return fail(value, "length %d does not equal required length %d", length, exact)
		}
		return pass(value)
	}
	if min, ok := params.Int("minLength"); ok && length < min {
		return fail(value, "length %d is below minimum length %d", length, min)
	}
	if max, ok := params.Int("maxLength"); ok && length > max {
		return fail(value, "length %d exceeds maximum length %d", length, max)
	}
	return pass(value)
}

// validateStrategyParams performs strategy-specific param checks at
// configuration activation time, so bad configs are rejected before any
// row is evaluated.
func validateStrategyParams(strategy string, params Params) error {
	switch strategy {
	case "regex":
		pattern := params.String("pattern", "")
		if pattern == "" {
			return fmt.Errorf("regex rule requires a pattern")
		}
		if len(pattern) > MaxRegexPatternLength {
			return fmt.Errorf("regex pattern exceeds %d characters", MaxRegexPatternLength)
		}
		if _, err := compilePattern(pattern, params.String("flags", ""), params.Bool("multiline", false)); err != nil {
			return fmt.Errorf("regex pattern does not compile: %v", err)
		}
	case "range":
		min, hasMin := params.Float("min")
		max, hasMax := params.Float("max")
		if hasMin && hasMax && min > max {
			return fmt.Errorf("range min %v is greater than max %v", min, max)
		}
	case "length":
		for _, key := range []string{"minLength", "maxLength", "exactLength"} {
			if n, ok := params.Int(key); ok && n < 0 {
				return fmt.Errorf("length %s must be non-negative, got %d", key, n)
			}
		}
		if min, okMin := params.Int("minLength"); okMin {
			if max, okMax := params.Int("maxLength"); okMax && min > max {
				return fmt.Errorf("length minLength %d is greater than maxLength %d", min, max)
			}
		}
	case "date":
		for _, format := range params.Strings("formats") {
			if _, err := dateLayout(format); err != nil {
				return err
			}
		}
		minYear, hasMinYear := params.Int("minYear")
		maxYear, hasMaxYear := params.Int("maxYear")
		if hasMinYear && hasMaxYear && minYear > maxYear {
			return fmt.Errorf("date minYear %d is greater than maxYear %d", minYear, maxYear)
		}
	case "custom":
		if params.String("name", "") == "" {
			return fmt.Errorf("custom rule requires a strategy name")
		}
	}
	return nil
}
