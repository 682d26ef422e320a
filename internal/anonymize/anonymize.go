// Package anonymize strips personally identifying fields from crawled
// entities before they are persisted.
package anonymize

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// piiFields are the entity fields whose string values get replaced with
// digests. Applied at every nesting depth.
var piiFields = map[string]bool{
	"author_name":  true,
	"email":        true,
	"author_email": true,
}

// Anonymizer replaces PII-bearing string fields with deterministic
// HMAC-SHA256 digests. The same secret always yields the same digest, so
// entities stay joinable across jobs and runs.
type Anonymizer struct {
	secret []byte
	lookup *LookupTable
}

// New creates an Anonymizer keyed by secret. lookup may be nil, in which
// case digests are not recorded for reversal.
func New(secret string, lookup *LookupTable) *Anonymizer {
	return &Anonymizer{secret: []byte(secret), lookup: lookup}
}

// Digest returns the hex HMAC-SHA256 of s.
func (a *Anonymizer) Digest(s string) string {
	mac := hmac.New(sha256.New, a.secret)
	mac.Write([]byte(s))
	return hex.EncodeToString(mac.Sum(nil))
}

// Scrub rewrites one decoded entity, replacing every PII field at any depth.
// The input is returned unchanged if it is not a JSON object or array.
func (a *Anonymizer) Scrub(item json.RawMessage) (json.RawMessage, error) {
	var v any
	if err := json.Unmarshal(item, &v); err != nil {
		return nil, fmt.Errorf("decode entity: %w", err)
	}

	switch v.(type) {
	case map[string]any, []any:
	default:
		return item, nil
	}

	scrubbed := a.walk(v)
	out, err := json.Marshal(scrubbed)
	if err != nil {
		return nil, fmt.Errorf("encode entity: %w", err)
	}
	return out, nil
}

func (a *Anonymizer) walk(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, val := range t {
			if s, ok := val.(string); ok && piiFields[k] {
				if s == "" {
					continue
				}
				digest := a.Digest(s)
				if a.lookup != nil {
					a.lookup.Record(digest, s)
				}
				t[k] = digest
				continue
			}
			t[k] = a.walk(val)
		}
		return t
	case []any:
		for i := range t {
			t[i] = a.walk(t[i])
		}
		return t
	default:
		return v
	}
}
