package runicrpc

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
)

// Fingerprint derives a deterministic key from a method name and its
// parameters. Parameters are normalized through encoding/json, which sorts
// map keys, so logically identical requests hash identically regardless of
// map iteration order.
func Fingerprint(method string, params []any) string {
	h := fnv.New64a()
	h.Write([]byte(method))
	h.Write([]byte{0})

	if len(params) > 0 {
		normalized, err := json.Marshal(params)
		if err != nil {
			// Unserializable params fall back to the formatted value so
			// the request still gets a stable-enough key for this process.
			normalized = []byte(fmt.Sprintf("%v", params))
		}
		h.Write(normalized)
	}

	return fmt.Sprintf("%x", h.Sum64())
}

// DefaultKeyFunc fingerprints a request from its method and normalized
// parameters. Used for both cache keys and deduplication keys.
func DefaultKeyFunc(req *Request) string {
	return Fingerprint(req.Method, req.Params)
}

// DefaultCacheCondition declines to cache anything. Cacheability is a
// caller-level policy: enable per method class via WithCacheCondition or per
// request via WithContextCacheEnabled.
func DefaultCacheCondition(req *Request) bool {
	return false
}

// MethodPrefixCondition returns a condition that accepts methods starting
// with any of the given prefixes, e.g. "eth_get", "getBlock".
func MethodPrefixCondition(prefixes ...string) func(req *Request) bool {
	return func(req *Request) bool {
		for _, p := range prefixes {
			if len(req.Method) >= len(p) && req.Method[:len(p)] == p {
				return true
			}
		}
		return false
	}
}
