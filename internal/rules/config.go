package rules

import (
	"encoding/json"
	"errors"
	"fmt"
)

// =============================================================================
// RULE CONFIGURATION - the active validation policy
// =============================================================================

// Limits enforced at configuration activation time.
const (
	MaxFieldRules         = 20
	MinPriority           = 0
	MaxPriority           = 100
	MaxErrorMessageLength = 500
	MaxCustomParams       = 50
)

var (
	ErrInvalidConfiguration = errors.New("invalid rule configuration")
)

// ConfigMetadata describes a configuration version.
type ConfigMetadata struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Version     string `json:"version"`
	Priority    int    `json:"priority"`
}

// Condition gates a rule on another field of the same row.
type Condition struct {
	Field    string `json:"field"`
	Operator string `json:"operator"`
	Value    any    `json:"value"`
}

var validOperators = map[string]bool{
	"equals":       true,
	"not_equals":   true,
	"greater_than": true,
	"less_than":    true,
	"contains":     true,
	"not_contains": true,
	"is_empty":     true,
	"is_not_empty": true,
}

// FieldRule is one strategy invocation against a named field.
type FieldRule struct {
	Name         string     `json:"name"`
	Strategy     string     `json:"strategy"`
	Params       Params     `json:"params,omitempty"`
	Required     bool       `json:"required"`
	Priority     int        `json:"priority,omitempty"`
	ErrorMessage string     `json:"errorMessage,omitempty"`
	Condition    *Condition `json:"condition,omitempty"`
}

// GlobalSettings are engine-wide toggles carried by the configuration.
type GlobalSettings struct {
	StrictMode                  bool   `json:"strictMode"`
	ContinueOnError             bool   `json:"continueOnError"`
	MaxErrors                   int    `json:"maxErrors"`
	EnableCaching               bool   `json:"enableCaching,omitempty"`
	CacheTimeoutSeconds         int    `json:"cacheTimeout,omitempty"`
	ParallelProcessing          bool   `json:"parallelProcessing,omitempty"`
	MaxParallelTasks            int    `json:"maxParallelTasks,omitempty"`
	LogLevel                    string `json:"logLevel,omitempty"`
	EnablePerformanceMonitoring bool   `json:"enablePerformanceMonitoring,omitempty"`
}

// UnmarshalJSON applies the continueOnError default: a configuration
// that omits the field collects every error per field, matching the
// built-in template. Only an explicit false switches to first-error
// mode.
func (s *GlobalSettings) UnmarshalJSON(data []byte) error {
	type plain GlobalSettings
	aux := struct {
		ContinueOnError *bool `json:"continueOnError"`
		*plain
	}{plain: (*plain)(s)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if aux.ContinueOnError != nil {
		s.ContinueOnError = *aux.ContinueOnError
	} else {
		s.ContinueOnError = true
	}
	return nil
}

// RuleConfiguration is the full validation policy. Published
// configurations are immutable; workers hold them by reference.
type RuleConfiguration struct {
	Metadata       ConfigMetadata         `json:"metadata"`
	FieldRules     map[string][]FieldRule `json:"fieldRules"`
	GlobalSettings GlobalSettings         `json:"globalSettings"`
}

// Validate checks the configuration against the registry and the
// activation limits. A configuration that fails validation is never
// published.
func (c *RuleConfiguration) Validate(registry *Registry) error {
	if c == nil {
		return fmt.Errorf("%w: configuration is nil", ErrInvalidConfiguration)
	}
	if c.Metadata.Name == "" {
		return fmt.Errorf("%w: metadata.name is required", ErrInvalidConfiguration)
	}
	if c.Metadata.Version == "" {
		return fmt.Errorf("%w: metadata.version is required", ErrInvalidConfiguration)
	}
	if c.FieldRules == nil {
		return fmt.Errorf("%w: fieldRules is required", ErrInvalidConfiguration)
	}
	if c.GlobalSettings.MaxErrors < 1 {
		return fmt.Errorf("%w: globalSettings.maxErrors must be >= 1", ErrInvalidConfiguration)
	}

	for field, ruleList := range c.FieldRules {
		if field == "" {
			return fmt.Errorf("%w: empty field name", ErrInvalidConfiguration)
		}
		if len(ruleList) > MaxFieldRules {
			return fmt.Errorf("%w: field %q has %d rules, maximum is %d",
				ErrInvalidConfiguration, field, len(ruleList), MaxFieldRules)
		}
		for _, rule := range ruleList {
			if err := validateRule(field, rule, registry); err != nil {
				return err
			}
		}
	}
	return nil
}

func validateRule(field string, rule FieldRule, registry *Registry) error {
	if rule.Name == "" {
		return fmt.Errorf("%w: field %q has a rule with no name", ErrInvalidConfiguration, field)
	}
	if _, err := registry.Resolve(rule.Strategy); err != nil {
		return fmt.Errorf("%w: field %q rule %q: %v", ErrInvalidConfiguration, field, rule.Name, err)
	}
	if rule.Priority < MinPriority || rule.Priority > MaxPriority {
		return fmt.Errorf("%w: field %q rule %q priority %d outside [%d, %d]",
			ErrInvalidConfiguration, field, rule.Name, rule.Priority, MinPriority, MaxPriority)
	}
	if len(rule.ErrorMessage) > MaxErrorMessageLength {
		return fmt.Errorf("%w: field %q rule %q error message exceeds %d characters",
			ErrInvalidConfiguration, field, rule.Name, MaxErrorMessageLength)
	}
	if len(rule.Params) > MaxCustomParams {
		return fmt.Errorf("%w: field %q rule %q has %d params, maximum is %d",
			ErrInvalidConfiguration, field, rule.Name, len(rule.Params), MaxCustomParams)
	}
	if rule.Condition != nil {
		if rule.Condition.Field == "" {
			return fmt.Errorf("%w: field %q rule %q condition missing field",
				ErrInvalidConfiguration, field, rule.Name)
		}
		if !validOperators[rule.Condition.Operator] {
			return fmt.Errorf("%w: field %q rule %q has unknown condition operator %q",
				ErrInvalidConfiguration, field, rule.Name, rule.Condition.Operator)
		}
	}
	if err := validateStrategyParams(rule.Strategy, rule.Params); err != nil {
		return fmt.Errorf("%w: field %q rule %q: %v", ErrInvalidConfiguration, field, rule.Name, err)
	}
	return nil
}

// TotalRules counts the rules across all fields.
func (c *RuleConfiguration) TotalRules() int {
	total := 0
	for _, ruleList := range c.FieldRules {
		total += len(ruleList)
	}
	return total
}

// DefaultConfiguration is the built-in template used when no rule file
// exists at startup. It covers the standard personal-record schema.
func DefaultConfiguration() *RuleConfiguration {
	return &RuleConfiguration{
		Metadata: ConfigMetadata{
			Name:        "default",
			Description: "Built-in personal record cleaning rules",
			Version:     "1.0.0",
			Priority:    0,
		},
		FieldRules: map[string][]FieldRule{
			"name": {
				{
					Name:     "name_length",
					Strategy: "length",
					Params:   Params{"minLength": 1, "maxLength": 50},
					Required: true,
					Priority: 10,
				},
			},
			"phone": {
				{
					Name:     "phone_normalize",
					Strategy: "phone",
					Params:   Params{"removeSpaces": true, "removeDashes": true, "removeCountryCode": true},
					Required: true,
					Priority: 10,
				},
			},
			"date": {
				{
					Name:     "date_normalize",
					Strategy: "date",
					Params:   Params{"formats": []string{"YYYY-MM-DD", "YYYY/MM/DD"}, "minYear": 1900, "maxYear": 2100},
					Required: false,
					Priority: 10,
				},
			},
			"province": {
				{
					Name:     "province_length",
					Strategy: "length",
					Params:   Params{"minLength": 2, "maxLength": 20},
					Required: false,
					Priority: 5,
				},
			},
			"city": {
				{
					Name:     "city_length",
					Strategy: "length",
					Params:   Params{"minLength": 2, "maxLength": 20},
					Required: false,
					Priority: 5,
				},
			},
			"district": {
				{
					Name:     "district_length",
					Strategy: "length",
					Params:   Params{"minLength": 2, "maxLength": 20},
					Required: false,
					Priority: 5,
				},
			},
			"addressDetail": {
				{
					Name:     "address_detail_length",
					Strategy: "length",
					Params:   Params{"minLength": 1, "maxLength": 200},
					Required: false,
					Priority: 5,
				},
			},
		},
		GlobalSettings: GlobalSettings{
			StrictMode:          false,
			ContinueOnError:     true,
			MaxErrors:           10000,
			EnableCaching:       true,
			CacheTimeoutSeconds: 300,
			ParallelProcessing:  true,
			MaxParallelTasks:    8,
			LogLevel:            "info",
		},
	}
}
