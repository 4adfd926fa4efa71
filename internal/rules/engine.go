package rules

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// =============================================================================
// RULE ENGINE - evaluates one row against a configuration snapshot
// =============================================================================

// RowError records one failed rule against one field.
type RowError struct {
	Field         string `json:"field"`
	RuleName      string `json:"ruleName"`
	ErrorMessage  string `json:"errorMessage"`
	OriginalValue string `json:"originalValue"`
}

// RowOutcome is the product of one row through the engine: either a
// clean row carrying normalized fields, or an exception row carrying
// the original data and the accumulated errors. Never both.
type RowOutcome struct {
	RowNumber int               `json:"rowNumber"`
	Clean     bool              `json:"-"`
	Fields    map[string]string `json:"fields,omitempty"`
	Original  map[string]string `json:"originalData,omitempty"`
	Errors    []RowError        `json:"errors,omitempty"`
}

// Engine applies a RuleConfiguration to rows. It is safe for
// concurrent use; the configuration snapshot is captured per call.
type Engine struct {
	registry *Registry
	cache    *ResultCache
}

// NewEngine creates an engine backed by the given registry. cache may
// be nil to disable result caching regardless of the configuration.
func NewEngine(registry *Registry, cache *ResultCache) *Engine {
	return &Engine{registry: registry, cache: cache}
}

// EvaluateRow evaluates a single row under one configuration snapshot.
// Output is deterministic for a fixed config and row: fields evaluate
// in sorted name order, rules in descending priority then declaration
// order.
func (e *Engine) EvaluateRow(rowNumber int, row map[string]string, cfg *RuleConfiguration) RowOutcome {
	outcome := RowOutcome{RowNumber: rowNumber}
	working := make(map[string]string, len(row))
	for k, v := range row {
		working[k] = v
	}

	var rowErrors []RowError

	// Strict mode: any field not declared in the configuration is a
	// schema violation for the whole row.
	if cfg.GlobalSettings.StrictMode {
		for field := range row {
			if _, known := cfg.FieldRules[field]; !known {
				rowErrors = append(rowErrors, RowError{
					Field:         field,
					RuleName:      "schema",
					ErrorMessage:  fmt.Sprintf("unknown field %q not declared in rule configuration", field),
					OriginalValue: row[field],
				})
			}
		}
	}

	fields := make([]string, 0, len(cfg.FieldRules))
	for field := range cfg.FieldRules {
		fields = append(fields, field)
	}
	sort.Strings(fields)

	useCache := e.cache != nil && cfg.GlobalSettings.EnableCaching

	for _, field := range fields {
		value, present := working[field]
		empty := !present || strings.TrimSpace(value) == ""

		for _, rule := range sortRules(cfg.FieldRules[field]) {
			if rule.Condition != nil && !evalCondition(rule.Condition, row) {
				continue
			}

			if empty {
				if rule.Required {
					rowErrors = append(rowErrors, RowError{
						Field:         field,
						RuleName:      rule.Name,
						ErrorMessage:  ruleMessage(rule, fmt.Sprintf("required field %q is missing", field)),
						OriginalValue: value,
					})
					if !cfg.GlobalSettings.ContinueOnError {
						break
					}
				}
				// Optional empty fields record no error and keep their value.
				continue
			}

			result := e.applyStrategy(rule, working[field], useCache)
			if result.OK {
				working[field] = result.Value
				empty = strings.TrimSpace(result.Value) == ""
				continue
			}

			rowErrors = append(rowErrors, RowError{
				Field:         field,
				RuleName:      rule.Name,
				ErrorMessage:  ruleMessage(rule, result.ErrorMessage),
				OriginalValue: row[field],
			})
			if !cfg.GlobalSettings.ContinueOnError {
				break
			}
		}
	}

	if len(rowErrors) > 0 {
		outcome.Original = row
		outcome.Errors = rowErrors
		return outcome
	}

	outcome.Clean = true
	outcome.Fields = buildCleanFields(row, working, cfg)
	return outcome
}

// applyStrategy resolves and invokes the rule's strategy, consulting the
// result cache when enabled.
func (e *Engine) applyStrategy(rule FieldRule, value string, useCache bool) Result {
	strategy, err := e.registry.Resolve(rule.Strategy)
	if err != nil {
		// Activation validation guarantees resolvability; a miss here
		// means a custom strategy was never registered on this process.
		return fail(value, "strategy %q not available", rule.Strategy)
	}

	if !useCache {
		return strategy.Validate(value, rule.Params)
	}

	key := CacheKey(rule.Strategy, rule.Params, value)
	if cached, ok := e.cache.Get(key); ok {
		return cached
	}
	result := strategy.Validate(value, rule.Params)
	e.cache.Put(key, result)
	return result
}

// buildCleanFields assembles the normalized output map. Configured
// fields carry their normalized working value; unrecognized fields pass
// through unchanged unless strictMode drops them.
func buildCleanFields(original, working map[string]string, cfg *RuleConfiguration) map[string]string {
	out := make(map[string]string, len(original))
	for field, value := range original {
		if _, configured := cfg.FieldRules[field]; configured {
			out[field] = working[field]
		} else if !cfg.GlobalSettings.StrictMode {
			out[field] = value
		}
	}
	return out
}

// sortRules orders rules by descending priority, stable over the
// declaration order.
func sortRules(ruleList []FieldRule) []FieldRule {
	sorted := make([]FieldRule, len(ruleList))
	copy(sorted, ruleList)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Priority > sorted[j].Priority
	})
	return sorted
}

func ruleMessage(rule FieldRule, fallback string) string {
	if rule.ErrorMessage != "" {
		return rule.ErrorMessage
	}
	return fallback
}

// evalCondition evaluates a rule condition against the original row.
func evalCondition(cond *Condition, row map[string]string) bool {
	actual := row[cond.Field]
	expected := fmt.Sprintf("%v", cond.Value)

	switch cond.Operator {
	case "equals":
		return actual == expected
	case "not_equals":
		return actual != expected
	case "contains":
		return strings.Contains(actual, expected)
	case "not_contains":
		return !strings.Contains(actual, expected)
	case "is_empty":
		return strings.TrimSpace(actual) == ""
	case "is_not_empty":
		return strings.TrimSpace(actual) != ""
	case "greater_than":
		a, errA := strconv.ParseFloat(strings.TrimSpace(actual), 64)
		b, errB := strconv.ParseFloat(strings.TrimSpace(expected), 64)
		return errA == nil && errB == nil && a > b
	case "less_than":
		a, errA := strconv.ParseFloat(strings.TrimSpace(actual), 64)
		b, errB := strconv.ParseFloat(strings.TrimSpace(expected), 64)
		return errA == nil && errB == nil && a < b
	default:
		return false
	}
}

// CacheTTL converts the configured cache timeout to a duration,
// falling back to five minutes.
func CacheTTL(settings GlobalSettings) time.Duration {
	if settings.CacheTimeoutSeconds > 0 {
		return time.Duration(settings.CacheTimeoutSeconds) * time.Second
	}
	return 5 * time.Minute
}
