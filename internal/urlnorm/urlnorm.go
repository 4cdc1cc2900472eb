// Package urlnorm canonicalizes page URLs so that the same logical page
// visited through different share links maps to one visited-set key.
package urlnorm

import (
	"net/url"
	"strings"
)

// Tracking query parameters stripped during normalization. Matching is
// case-insensitive.
var trackingParams = map[string]bool{
	"ref":    true,
	"fbclid": true,
	"gclid":  true,
	"mc_cid": true,
	"mc_eid": true,
}

// Normalize strips the fragment and well-known tracking query parameters
// (utm_* plus the exact names in trackingParams) while preserving the order
// of the parameters it keeps. Unparseable input falls back to trimming at
// the first '#'.
func Normalize(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		if i := strings.IndexByte(raw, '#'); i >= 0 {
			return raw[:i]
		}
		return raw
	}

	u.Fragment = ""
	u.RawFragment = ""

	if u.RawQuery != "" {
		kept := make([]string, 0, 4)
		for _, pair := range strings.Split(u.RawQuery, "&") {
			if pair == "" {
				continue
			}
			key := pair
			if i := strings.IndexByte(pair, '='); i >= 0 {
				key = pair[:i]
			}
			if isTracking(key) {
				continue
			}
			kept = append(kept, pair)
		}
		u.RawQuery = strings.Join(kept, "&")
	}

	return u.String()
}

func isTracking(key string) bool {
	lower := strings.ToLower(key)
	return strings.HasPrefix(lower, "utm_") || trackingParams[lower]
}
