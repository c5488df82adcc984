// Package canonicalize provides RFC 8785 (JSON Canonicalization Scheme)
// serialization for deterministic hashing and byte-stable bundle export,
// adapted from the teacher's hand-rolled pkg/canonicalize but now built on
// the real gowebpki/jcs transform the teacher's own go.mod declared but
// never called (see DESIGN.md).
package canonicalize

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// JSON returns the RFC 8785 canonical JSON representation of v: map keys
// sorted by UTF-8 byte order, no insignificant whitespace, numbers in
// their shortest round-tripping form.
func JSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: marshal: %w", err)
	}
	canon, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: jcs transform: %w", err)
	}
	return canon, nil
}

// Hash returns the SHA-256 hex digest of the canonical JSON representation
// of v. Used for audit-entry hash chaining and estimate reproducibility
// checks.
func Hash(v any) (string, error) {
	b, err := JSON(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// HashBytes returns the SHA-256 hex digest of raw bytes.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
