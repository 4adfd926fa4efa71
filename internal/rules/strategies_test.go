package rules

import (
	"encoding/json"
	"testing"
	"time"
)

// =============================================================================
// STRATEGY TESTS - phone, date, address, regex, range, length
// =============================================================================

func TestPhoneStrategy(t *testing.T) {
	cases := []struct {
		name   string
		value  string
		params Params
		ok     bool
		want   string
	}{
		{"plain mobile", "13812345678", nil, true, "13812345678"},
		{"spaces stripped", "138 1234 5678", nil, true, "13812345678"},
		{"plus country code", "+8613812345678", nil, true, "13812345678"},
		{"double zero country code", "008613812345678", nil, true, "13812345678"},
		{"bare country code", "8613812345678", nil, true, "13812345678"},
		{"dashes kept by default", "138-1234-5678", nil, false, ""},
		{"dashes removed on request", "138-1234-5678", Params{"removeDashes": true}, true, "13812345678"},
		{"too short", "1381234567", nil, false, ""},
		{"bad prefix", "12812345678", nil, false, ""},
		{"landline rejected by default", "010-12345678", nil, false, ""},
		{"landline allowed", "010-12345678", Params{"allowLandline": true}, true, "010-12345678"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := phoneStrategy(tc.value, tc.params)
			if got.OK != tc.ok {
				t.Fatalf("OK = %v, want %v (%+v)", got.OK, tc.ok, got)
			}
			if tc.ok && got.Value != tc.want {
				t.Errorf("Value = %q, want %q", got.Value, tc.want)
			}
			if !tc.ok && got.OriginalValue != tc.value {
				t.Errorf("OriginalValue = %q, want %q", got.OriginalValue, tc.value)
			}
		})
	}
}

func TestDateStrategy(t *testing.T) {
	cases := []struct {
		name   string
		value  string
		params Params
		ok     bool
		want   string
	}{
		{"iso", "2024-01-05", nil, true, "2024-01-05"},
		{"slashes", "2024/01/05", nil, true, "2024-01-05"},
		{"dots", "2024.01.05", nil, true, "2024-01-05"},
		{"compact", "20240105", nil, true, "2024-01-05"},
		{"day first", "05/01/2024", nil, true, "2024-01-05"},
		{"whitespace trimmed", "  2024-01-05  ", nil, true, "2024-01-05"},
		{"nonsense", "not a date", nil, false, ""},
		{"impossible day", "2024-02-30", nil, false, ""},
		{"below min year", "1899-01-01", Params{"minYear": 1900}, false, ""},
		{"above max year", "2101-01-01", Params{"maxYear": 2100}, false, ""},
		{"custom format only", "01-05-2024", Params{"formats": []string{"MM-DD-YYYY"}}, true, "2024-01-05"},
		{"custom format excludes iso", "2024-01-05", Params{"formats": []string{"MM-DD-YYYY"}}, false, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := dateStrategy(tc.value, tc.params)
			if got.OK != tc.ok {
				t.Fatalf("OK = %v, want %v (%+v)", got.OK, tc.ok, got)
			}
			if tc.ok && got.Value != tc.want {
				t.Errorf("Value = %q, want %q", got.Value, tc.want)
			}
		})
	}
}

func TestDateLayoutRejectsPartialFormats(t *testing.T) {
	if _, err := dateLayout("YYYY-MM"); err == nil {
		t.Error("format without DD must be rejected")
	}
	if _, err := dateLayout(""); err == nil {
		t.Error("empty format must be rejected")
	}
}

func TestAddressStrategy(t *testing.T) {
	// Full address with province, city and district.
	got := addressStrategy("广东省深圳市南山区科技园路1号", Params{
		"requireProvince": true,
		"requireCity":     true,
		"requireDistrict": true,
	})
	if !got.OK {
		t.Fatalf("expected valid address: %+v", got)
	}

	// Missing district fails only when required.
	got = addressStrategy("广东省深圳市科技园路1号", Params{"requireDistrict": true})
	if got.OK {
		t.Error("expected missing-district failure")
	}
	got = addressStrategy("广东省深圳市科技园路1号", nil)
	if !got.OK {
		t.Errorf("district should be optional by default: %+v", got)
	}

	if got := addressStrategy("   ", nil); got.OK {
		t.Error("blank address must fail")
	}
}

func TestAddressStrategy_Decomposition(t *testing.T) {
	got := addressStrategy("北京市朝阳区建国路88号", Params{"validateComponents": true})
	if !got.OK {
		t.Fatalf("expected valid address: %+v", got)
	}
	var c AddressComponents
	if err := json.Unmarshal([]byte(got.Value), &c); err != nil {
		t.Fatalf("decomposed value is not JSON: %v", err)
	}
	if c.Province != "北京市" || c.City != "北京市" {
		t.Errorf("municipality should fill province and city: %+v", c)
	}
	if c.District != "朝阳区" {
		t.Errorf("district = %q, want 朝阳区", c.District)
	}
	if c.AddressDetail != "建国路88号" {
		t.Errorf("detail = %q, want 建国路88号", c.AddressDetail)
	}
}

func TestRegexStrategy(t *testing.T) {
	if got := regexStrategy("abc123", Params{"pattern": `^[a-z]+\d+$`}); !got.OK {
		t.Errorf("expected match: %+v", got)
	}
	if got := regexStrategy("ABC", Params{"pattern": `^[a-z]+$`}); got.OK {
		t.Error("expected mismatch")
	}
	if got := regexStrategy("ABC", Params{"pattern": `^[a-z]+$`, "flags": "i"}); !got.OK {
		t.Errorf("case-insensitive flag not applied: %+v", got)
	}
	if got := regexStrategy("x", Params{}); got.OK {
		t.Error("missing pattern must fail")
	}
	if got := regexStrategy("x", Params{"pattern": `([`}); got.OK {
		t.Error("invalid pattern must fail")
	}
}

func TestRangeStrategy(t *testing.T) {
	if got := rangeStrategy("18", Params{"min": 0, "max": 150}); !got.OK {
		t.Errorf("expected in-range: %+v", got)
	}
	if got := rangeStrategy("151", Params{"min": 0, "max": 150}); got.OK {
		t.Error("expected above-max failure")
	}
	if got := rangeStrategy("150", Params{"max": 150, "inclusive": false}); got.OK {
		t.Error("exclusive bound must reject the boundary value")
	}
	if got := rangeStrategy("abc", Params{"min": 0}); got.OK {
		t.Error("non-numeric value must fail")
	}
	// Whitespace is trimmed and the normalized value returned.
	if got := rangeStrategy(" 42 ", nil); !got.OK || got.Value != "42" {
		t.Errorf("expected trimmed pass, got %+v", got)
	}
}

func TestLengthStrategy(t *testing.T) {
	// Rune count, not byte count.
	if got := lengthStrategy("张三", Params{"minLength": 2, "maxLength": 4}); !got.OK {
		t.Errorf("expected pass for two runes: %+v", got)
	}
	if got := lengthStrategy("张", Params{"minLength": 2}); got.OK {
		t.Error("expected below-minimum failure")
	}
	if got := lengthStrategy("abcde", Params{"maxLength": 4}); got.OK {
		t.Error("expected above-maximum failure")
	}
	if got := lengthStrategy("abcd", Params{"exactLength": 4}); !got.OK {
		t.Errorf("expected exact-length pass: %+v", got)
	}
	if got := lengthStrategy("abc", Params{"exactLength": 4}); got.OK {
		t.Error("expected exact-length failure")
	}
}

// =============================================================================
// REGISTRY AND CACHE TESTS
// =============================================================================

func TestRegistry_BuiltinsAndCustom(t *testing.T) {
	r := NewRegistry()
	for _, name := range []string{"regex", "range", "length", "phone", "date", "address", "custom"} {
		if _, err := r.Resolve(name); err != nil {
			t.Errorf("builtin %q not registered: %v", name, err)
		}
	}

	upper := StrategyFunc(func(value string, _ Params) Result {
		return pass(value + "!")
	})
	if err := r.Register("shout", upper); err != nil {
		t.Fatalf("register custom: %v", err)
	}
	if err := r.Register("shout", upper); err == nil {
		t.Error("duplicate registration must fail")
	}

	// custom dispatches by params.name.
	got, err := r.Resolve("custom")
	if err != nil {
		t.Fatal(err)
	}
	if res := got.Validate("hi", Params{"name": "shout"}); !res.OK || res.Value != "hi!" {
		t.Errorf("custom dispatch failed: %+v", res)
	}
	if res := got.Validate("hi", Params{"name": "missing"}); res.OK {
		t.Error("unknown custom strategy must fail")
	}
}

func TestResultCache_LRUEviction(t *testing.T) {
	c := NewResultCache(2, 0)
	c.Put("a", pass("1"))
	c.Put("b", pass("2"))

	// Touch a so b becomes the eviction candidate.
	if _, ok := c.Get("a"); !ok {
		t.Fatal("a should be cached")
	}
	c.Put("c", pass("3"))

	if _, ok := c.Get("b"); ok {
		t.Error("b should have been evicted")
	}
	if _, ok := c.Get("a"); !ok {
		t.Error("a should survive eviction")
	}
	if c.Len() != 2 {
		t.Errorf("Len = %d, want 2", c.Len())
	}
}

func TestResultCache_TTLExpiry(t *testing.T) {
	c := NewResultCache(10, 10*time.Millisecond)
	c.Put("k", pass("v"))
	if _, ok := c.Get("k"); !ok {
		t.Fatal("entry should be readable before expiry")
	}
	time.Sleep(20 * time.Millisecond)
	if _, ok := c.Get("k"); ok {
		t.Error("entry should expire after TTL")
	}
}

func TestCacheKey_SensitiveToAllInputs(t *testing.T) {
	base := CacheKey("phone", Params{"removeSpaces": true}, "138")
	if CacheKey("phone", Params{"removeSpaces": true}, "138") != base {
		t.Error("key must be stable for identical inputs")
	}
	if CacheKey("date", Params{"removeSpaces": true}, "138") == base {
		t.Error("key must vary by strategy")
	}
	if CacheKey("phone", Params{"removeSpaces": false}, "138") == base {
		t.Error("key must vary by params")
	}
	if CacheKey("phone", Params{"removeSpaces": true}, "139") == base {
		t.Error("key must vary by value")
	}
}
