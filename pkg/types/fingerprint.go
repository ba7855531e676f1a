package types

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// Fingerprint is a deterministic digest over the normalized
// (provider, model, messages, params) tuple. Two requests with equal
// fingerprints are interchangeable: a response obtained for one is
// reusable for the other.
type Fingerprint string

type fingerprintInput struct {
	Provider string         `json:"provider"`
	Model    string         `json:"model"`
	Messages []Message      `json:"messages"`
	Params   map[string]any `json:"params"`
}

// FingerprintOf computes the fingerprint of a request. RowID and Schema
// are excluded: distinct rows with identical prompts share a fingerprint,
// and the schema only gates validation, not generation.
func FingerprintOf(req Request) Fingerprint {
	// json.Marshal emits map keys in sorted order, so params with equal
	// contents hash identically regardless of insertion order. Numeric
	// params are round-tripped so int and float spellings of the same
	// value collapse.
	in := fingerprintInput{
		Provider: req.Provider,
		Model:    req.Model,
		Messages: req.Messages,
		Params:   normalizeParams(req.Params),
	}
	data, err := json.Marshal(in)
	if err != nil {
		// Only unmarshalable param values can land here; fall back to a
		// digest of the provider/model pair so the request still routes.
		data = []byte(req.Provider + "/" + req.Model)
	}
	sum := sha256.Sum256(data)
	return Fingerprint(hex.EncodeToString(sum[:]))
}

func normalizeParams(params map[string]any) map[string]any {
	if len(params) == 0 {
		return nil
	}
	data, err := json.Marshal(params)
	if err != nil {
		return params
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return params
	}
	return out
}

// Short returns a truncated form suitable for log lines.
func (f Fingerprint) Short() string {
	if len(f) <= 12 {
		return string(f)
	}
	return string(f[:12])
}
