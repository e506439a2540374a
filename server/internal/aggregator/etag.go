package aggregator

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"strings"
)

// ETagFor computes a strong entity tag over the canonical JSON encoding of
// payload: base64url(sha256(json)). encoding/json emits struct fields in
// declaration order and the host slice is pre-sorted by FQN, so identical
// host sets always hash identically.
func ETagFor(payload any) (string, error) {
	canonical, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return base64.RawURLEncoding.EncodeToString(sum[:]), nil
}

// ETagMatches implements If-None-Match comparison: it accepts the wildcard
// "*", strips weak validators ("W/"), and unquotes each candidate before
// comparing against the current tag.
func ETagMatches(ifNoneMatch, etag string) bool {
	if ifNoneMatch == "" {
		return false
	}
	for _, candidate := range strings.Split(ifNoneMatch, ",") {
		candidate = strings.TrimSpace(candidate)
		if candidate == "*" {
			return true
		}
		candidate = strings.TrimPrefix(candidate, "W/")
		candidate = strings.Trim(candidate, `"`)
		if candidate == etag {
			return true
		}
	}
	return false
}
