// Package canonical produces a stable JSON byte form for hashing.
//
// Canonical form:
// - compact (no insignificant whitespace), UTF-8
// - object keys sorted lexicographically at every nesting level
// - numbers carried as their original literal text (never round-tripped through float64)
// - HTML characters are not escaped
//
// Two values that differ only in map insertion order always produce identical bytes.
package canonical

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Prefix is prepended to digests that leave the process ("sha256:<hex>").
const Prefix = "sha256:"

var ErrTrailingData = errors.New("canonical: trailing data after JSON value")

// Marshal serializes v to canonical JSON.
func Marshal(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical.Marshal: %w", err)
	}
	return FromJSON(raw)
}

// FromJSON re-encodes an existing JSON document in canonical form.
func FromJSON(raw []byte) ([]byte, error) {
	v, err := Decode(raw)
	if err != nil {
		return nil, err
	}
	return Encode(v)
}

// Decode parses raw into generic values (map[string]any, []any, json.Number, string, bool, nil).
func Decode(raw []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("canonical.Decode: %w", err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, ErrTrailingData
	}
	return v, nil
}

// Encode writes a generic value (as returned by Decode) in canonical form.
// encoding/json already sorts map[string]any keys; nested maps are sorted the same way.
func Encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("canonical.Encode: %w", err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// SumHex returns the hex SHA-256 digest of b.
func SumHex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Digest returns Prefix + hex SHA-256 digest of b.
func Digest(b []byte) string {
	return Prefix + SumHex(b)
}
