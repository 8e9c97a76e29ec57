package canonhash

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// HashString returns the SHA-256 hex digest of s.
func HashString(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// HashBytes hashes the concatenation of parts with SHA-256, hex encoded.
func HashBytes(parts ...[]byte) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write(p)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// SumObject hashes the canonical JSON encoding of v.
func SumObject(v any) (string, []byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", nil, err
	}
	return HashBytes(b), b, nil
}
