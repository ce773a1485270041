package evidence

import (
	"encoding/json"
	"errors"
	"fmt"

	"call-evidence/pkg/canonical"
)

// envelopeFields differ between two exports of the same data and are blanked
// before hashing. The timeline is derived from the bundle and carries the
// export event itself.
var envelopeFields = []string{"bundle_hash", "bundle_id", "exported_at", "exported_by", "timeline"}

var ErrNotBundle = errors.New("evidence: document is not a bundle object")

// Hash returns "sha256:<hex>" over the canonical JSON of b with the export
// envelope blanked. Equal artifact state gives an equal hash.
func Hash(b *Bundle) (string, error) {
	raw, err := json.Marshal(b.withEmptySlices())
	if err != nil {
		return "", fmt.Errorf("hash bundle: %w", err)
	}
	return HashDocument(raw)
}

// HashDocument hashes a serialized bundle (e.g. a bundle.json read from an
// archive) exactly as Hash does.
func HashDocument(raw []byte) (string, error) {
	doc, err := canonical.Decode(raw)
	if err != nil {
		return "", err
	}
	fields, ok := doc.(map[string]any)
	if !ok {
		return "", ErrNotBundle
	}
	for _, k := range envelopeFields {
		if k == "timeline" {
			fields[k] = []any{}
			continue
		}
		fields[k] = ""
	}
	canon, err := canonical.Encode(fields)
	if err != nil {
		return "", err
	}
	return canonical.Digest(canon), nil
}

// Verification is the result of checking a serialized bundle against its own hash field.
type Verification struct {
	Claimed  string
	Computed string
}

func (v Verification) OK() bool {
	return v.Claimed != "" && v.Claimed == v.Computed
}

// VerifyDocument recomputes the hash of a serialized bundle.
func VerifyDocument(raw []byte) (Verification, error) {
	var head struct {
		BundleHash string `json:"bundle_hash"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return Verification{}, fmt.Errorf("%w: %w", ErrNotBundle, err)
	}
	computed, err := HashDocument(raw)
	if err != nil {
		return Verification{}, err
	}
	return Verification{Claimed: head.BundleHash, Computed: computed}, nil
}
