package types

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"golang.org/x/text/unicode/norm"
)

// Domain prefix for field fingerprints. The version suffix allows the
// algorithm to change without old hashes colliding with new ones.
const fieldsHashDomain = "wisync/fields/v1"

// Hash returns the canonical content fingerprint of the fields.
//
// The encoding sorts keys, NFC-normalises strings and disables HTML
// escaping, so the result is independent of insertion order and of the
// document format the fields were read from.
func (f Fields) Hash() string {
	data, err := canonicalJSON(f.Map())
	if err != nil {
		// Values outside the supported set cannot come from the decoders;
		// hashing the fmt form keeps the function total.
		data = []byte(fmt.Sprintf("%#v", f.Map()))
	}
	return hashWithDomain(fieldsHashDomain, data)
}

// hashWithDomain computes SHA256(domain + 0x00 + data).
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// canonicalJSON encodes v with sorted object keys and NFC strings.
func canonicalJSON(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(canonicalValue(normalizeValue(v))); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// canonicalValue normalises strings recursively. encoding/json already
// sorts map keys.
func canonicalValue(v any) any {
	switch val := v.(type) {
	case string:
		return norm.NFC.String(val)
	case []any:
		out := make([]any, len(val))
		for i, e := range val {
			out[i] = canonicalValue(e)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, e := range val {
			out[norm.NFC.String(k)] = canonicalValue(e)
		}
		return out
	default:
		return v
	}
}
