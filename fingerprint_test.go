package runicrpc

import "testing"

func TestFingerprintDeterministic(t *testing.T) {
	a := Fingerprint("eth_getBalance", []any{"0xabc", "latest"})
	b := Fingerprint("eth_getBalance", []any{"0xabc", "latest"})

	if a != b {
		t.Errorf("identical requests fingerprint differently: %s vs %s", a, b)
	}
}

func TestFingerprintDistinguishesParams(t *testing.T) {
	a := Fingerprint("eth_getBalance", []any{"0xabc", "latest"})
	b := Fingerprint("eth_getBalance", []any{"0xdef", "latest"})

	if a == b {
		t.Error("different params produced the same fingerprint")
	}
}

func TestFingerprintDistinguishesMethods(t *testing.T) {
	a := Fingerprint("eth_getBalance", nil)
	b := Fingerprint("eth_blockNumber", nil)

	if a == b {
		t.Error("different methods produced the same fingerprint")
	}
}

func TestFingerprintMethodParamBoundary(t *testing.T) {
	// The separator prevents method/param concatenation collisions.
	a := Fingerprint("ab", []any{"c"})
	b := Fingerprint("a", []any{"bc"})

	if a == b {
		t.Error("method/param boundary collision")
	}
}

func TestFingerprintNormalizesMapParams(t *testing.T) {
	a := Fingerprint("eth_call", []any{map[string]any{"to": "0x1", "data": "0x2"}})
	b := Fingerprint("eth_call", []any{map[string]any{"data": "0x2", "to": "0x1"}})

	if a != b {
		t.Error("logically identical map params fingerprint differently")
	}
}

func TestDefaultKeyFunc(t *testing.T) {
	req := &Request{Method: "eth_getBalance", Params: []any{"0xabc"}}

	if DefaultKeyFunc(req) != Fingerprint("eth_getBalance", []any{"0xabc"}) {
		t.Error("DefaultKeyFunc disagrees with Fingerprint")
	}
}

func TestMethodPrefixCondition(t *testing.T) {
	cond := MethodPrefixCondition("eth_get", "eth_chainId")

	cases := []struct {
		method string
		want   bool
	}{
		{"eth_getBalance", true},
		{"eth_getLogs", true},
		{"eth_chainId", true},
		{"eth_sendRawTransaction", false},
		{"eth", false},
		{"", false},
	}
	for _, tc := range cases {
		if got := cond(&Request{Method: tc.method}); got != tc.want {
			t.Errorf("cond(%q) = %v, want %v", tc.method, got, tc.want)
		}
	}
}

func TestDefaultCacheConditionDeclines(t *testing.T) {
	if DefaultCacheCondition(&Request{Method: "eth_getBalance"}) {
		t.Error("default condition caches; cacheability must be opt-in")
	}
}
