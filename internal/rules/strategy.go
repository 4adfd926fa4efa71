package rules

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
)

// =============================================================================
// STRATEGY REGISTRY - Named validator/normalizer strategies
// =============================================================================
// Strategies are pure relative to their inputs: given a raw value and a
// params bag they either produce a normalized value or an error message.
// They never perform I/O. The registry is populated once at process
// start and is read-only afterwards.

var (
	ErrStrategyNotFound = errors.New("strategy not found")
	ErrStrategyExists   = errors.New("strategy already registered")
)

// Params is the opaque parameter bag a strategy interprets.
type Params map[string]any

// Result is the outcome of applying one strategy to one value.
// Exactly one of Value (ok) or ErrorMessage (not ok) is meaningful.
type Result struct {
	OK            bool
	Value         string
	ErrorMessage  string
	OriginalValue string
}

func pass(value string) Result {
	return Result{OK: true, Value: value}
}

func fail(original, format string, args ...any) Result {
	return Result{OK: false, ErrorMessage: fmt.Sprintf(format, args...), OriginalValue: original}
}

// Strategy validates and normalizes a single raw value.
type Strategy interface {
	Validate(value string, params Params) Result
}

// StrategyFunc adapts a plain function to the Strategy interface.
type StrategyFunc func(value string, params Params) Result

func (f StrategyFunc) Validate(value string, params Params) Result {
	return f(value, params)
}

// Registry holds strategies keyed by name.
type Registry struct {
	mu         sync.RWMutex
	strategies map[string]Strategy
}

// NewRegistry returns a registry pre-populated with the built-in strategies.
func NewRegistry() *Registry {
	r := &Registry{strategies: make(map[string]Strategy)}
	r.mustRegister("regex", StrategyFunc(regexStrategy))
	r.mustRegister("range", StrategyFunc(rangeStrategy))
	r.mustRegister("length", StrategyFunc(lengthStrategy))
	r.mustRegister("phone", StrategyFunc(phoneStrategy))
	r.mustRegister("date", StrategyFunc(dateStrategy))
	r.mustRegister("address", StrategyFunc(addressStrategy))
	r.strategies["custom"] = StrategyFunc(r.customStrategy)
	return r
}

// Register adds a strategy under the given name. Registration happens at
// process start; re-registering a name is a programming error.
func (r *Registry) Register(name string, s Strategy) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.strategies[name]; exists {
		return fmt.Errorf("%w: %s", ErrStrategyExists, name)
	}
	r.strategies[name] = s
	return nil
}

func (r *Registry) mustRegister(name string, s Strategy) {
	if err := r.Register(name, s); err != nil {
		panic(err)
	}
}

// Resolve looks up a strategy by name.
func (r *Registry) Resolve(name string) (Strategy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.strategies[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrStrategyNotFound, name)
	}
	return s, nil
}

// List returns the registered strategy names, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.strategies))
	for name := range r.strategies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// customStrategy dispatches to a user-registered strategy named in params.
func (r *Registry) customStrategy(value string, params Params) Result {
	name := params.String("name", "")
	if name == "" {
		return fail(value, "custom rule missing strategy name")
	}
	s, err := r.Resolve(name)
	if err != nil {
		return fail(value, "custom strategy %q not registered", name)
	}
	return s.Validate(value, params)
}

// ---------------------------------------------------------------------------
// Params accessors. Rule configurations arrive as JSON, so numbers may be
// float64 and booleans may be strings; coerce leniently.
// ---------------------------------------------------------------------------

// String returns the string param or def when absent.
func (p Params) String(key, def string) string {
	v, ok := p[key]
	if !ok {
		return def
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

// Bool returns the bool param or def when absent.
func (p Params) Bool(key string, def bool) bool {
	v, ok := p[key]
	if !ok {
		return def
	}
	switch t := v.(type) {
	case bool:
		return t
	case string:
		b, err := strconv.ParseBool(t)
		if err != nil {
			return def
		}
		return b
	default:
		return def
	}
}

// Float returns the numeric param and whether it was present and numeric.
func (p Params) Float(key string) (float64, bool) {
	v, ok := p[key]
	if !ok {
		return 0, false
	}
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case string:
		f, err := strconv.ParseFloat(t, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

// Int returns the integer param and whether it was present and numeric.
func (p Params) Int(key string) (int, bool) {
	f, ok := p.Float(key)
	if !ok {
		return 0, false
	}
	return int(f), true
}

// Strings returns a string-slice param (JSON arrays decode as []any).
func (p Params) Strings(key string) []string {
	v, ok := p[key]
	if !ok {
		return nil
	}
	switch t := v.(type) {
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
