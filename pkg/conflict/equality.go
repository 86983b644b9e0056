package conflict

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Keyer lets a payload type define its own equality. Two payloads are the
// same decision when their keys are equal.
type Keyer interface {
	DecisionKey() string
}

// CanonicalKey returns a deterministic identity for a decision payload.
// Payloads without a Keyer are compared by their JSON encoding, which orders
// map keys and formats numbers the same way regardless of locale.
func CanonicalKey(payload any) (string, error) {
	if k, ok := payload.(Keyer); ok {
		return "key:" + k.DecisionKey(), nil
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(payload); err != nil {
		return "", fmt.Errorf("conflict: canonical key for %T: %w", payload, err)
	}
	return "json:" + string(bytes.TrimRight(buf.Bytes(), "\n")), nil
}

// SameDecision reports whether two payloads canonicalize to the same key.
func SameDecision(a, b any) bool {
	ka, err := CanonicalKey(a)
	if err != nil {
		return false
	}
	kb, err := CanonicalKey(b)
	if err != nil {
		return false
	}
	return ka == kb
}
