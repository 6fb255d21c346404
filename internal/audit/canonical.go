package audit

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// CanonicalBytes renders the event in its canonical form: JSON with
// lexicographically sorted keys at every level, with the integrity link
// excluded. The same event always produces the same bytes, so the hash
// is reproducible on any backend at any time.
//
// The event is marshalled once to JSON, decoded into generic maps
// (preserving numeric literals), and re-encoded; encoding/json emits map
// keys in sorted order, which yields the canonical layout.
func CanonicalBytes(e *Event) ([]byte, error) {
	stripped := *e
	stripped.Integrity = nil

	raw, err := json.Marshal(&stripped)
	if err != nil {
		return nil, fmt.Errorf("marshal event: %w", err)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic map[string]any
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("decode canonical form: %w", err)
	}

	canonical, err := json.Marshal(generic)
	if err != nil {
		return nil, fmt.Errorf("encode canonical form: %w", err)
	}
	return canonical, nil
}

// ComputeHash returns the hex sha256 digest of the event's canonical form.
func ComputeHash(e *Event) (string, error) {
	canonical, err := CanonicalBytes(e)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// VerifyHash recomputes the canonical hash and compares it to the stored
// integrity link. A mismatch means the record was tampered with or
// corrupted in storage.
func VerifyHash(e *Event) (bool, error) {
	if e.Integrity == nil || e.Integrity.Hash == "" {
		return false, fmt.Errorf("event %s has no integrity hash", e.ID)
	}
	computed, err := ComputeHash(e)
	if err != nil {
		return false, err
	}
	return computed == e.Integrity.Hash, nil
}
