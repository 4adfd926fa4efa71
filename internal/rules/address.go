package rules

import (
	"encoding/json"
	"strings"
)

// =============================================================================
// ADDRESS STRATEGY - Chinese address component validation/decomposition
// =============================================================================

// AddressComponents is the structured decomposition of an address value.
type AddressComponents struct {
	Province      string `json:"province"`
	City          string `json:"city"`
	District      string `json:"district"`
	AddressDetail string `json:"addressDetail"`
}

var (
	provinceSuffixes = []string{"省", "自治区", "特别行政区"}
	// Municipalities act as both province and city.
	municipalities  = []string{"北京市", "上海市", "天津市", "重庆市", "北京", "上海", "天津", "重庆"}
	citySuffixes    = []string{"市", "自治州", "地区", "盟"}
	districtSuffix  = []string{"区", "县", "旗"}
)

// addressStrategy validates an address value and, when validateComponents
// is set, decomposes it into province/city/district/detail. The
// decomposed form is returned as JSON so downstream consumers keep the
// structure; otherwise the trimmed original is returned.
// Params: requireProvince?, requireCity?, requireDistrict?, validateComponents?.
func addressStrategy(value string, params Params) Result {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return fail(value, "empty address")
	}

	components := decomposeAddress(trimmed)

	if params.Bool("requireProvince", false) && components.Province == "" {
		return fail(value, "address %q is missing a province", value)
	}
	if params.Bool("requireCity", false) && components.City == "" {
		return fail(value, "address %q is missing a city", value)
	}
	if params.Bool("requireDistrict", false) && components.District == "" {
		return fail(value, "address %q is missing a district", value)
	}

	if params.Bool("validateComponents", false) {
		encoded, err := json.Marshal(components)
		if err != nil {
			return fail(value, "address decomposition failed")
		}
		return pass(string(encoded))
	}
	return pass(trimmed)
}

// decomposeAddress splits a Chinese address on administrative suffixes.
// Best effort: unmatched leading segments end up in AddressDetail.
func decomposeAddress(addr string) AddressComponents {
	var c AddressComponents
	rest := addr

	// Municipality prefix counts as province and city at once.
	for _, m := range municipalities {
		if strings.HasPrefix(rest, m) {
			name := strings.TrimSuffix(m, "市") + "市"
			c.Province = name
			c.City = name
			rest = strings.TrimPrefix(rest, m)
			break
		}
	}

	if c.Province == "" {
		for _, suffix := range provinceSuffixes {
			if idx := strings.Index(rest, suffix); idx > 0 {
				c.Province = rest[:idx+len(suffix)]
				rest = rest[idx+len(suffix):]
				break
			}
		}
	}

	if c.City == "" {
		for _, suffix := range citySuffixes {
			if idx := strings.Index(rest, suffix); idx > 0 {
				c.City = rest[:idx+len(suffix)]
				rest = rest[idx+len(suffix):]
				break
			}
		}
	}

	for _, suffix := range districtSuffix {
		if idx := strings.Index(rest, suffix); idx > 0 {
			c.District = rest[:idx+len(suffix)]
			rest = rest[idx+len(suffix):]
			break
		}
	}

	c.AddressDetail = strings.TrimSpace(rest)
	return c
}
