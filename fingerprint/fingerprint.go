// Package fingerprint computes the content identity used for change detection.
//
// A Digest is the SHA-256 of the canonical text. Two documents with the same
// canonical text always share a digest, across calls and across processes.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Size is the digest length in bytes.
const Size = sha256.Size

// Digest is a fixed-length content fingerprint.
type Digest [Size]byte

// Of returns the fingerprint of text. The empty string is valid input.
func Of(text string) Digest {
	return Digest(sha256.Sum256([]byte(text)))
}

// String returns the lowercase hex form stored in the database.
func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// IsZero reports whether d is the zero value (never produced by Of).
func (d Digest) IsZero() bool {
	return d == Digest{}
}

// Parse decodes a hex digest produced by String.
func Parse(s string) (Digest, error) {
	var d Digest
	b, err := hex.DecodeString(s)
	if err != nil {
		return d, fmt.Errorf("fingerprint: parse: %w", err)
	}
	if len(b) != Size {
		return d, fmt.Errorf("fingerprint: parse: want %d bytes, got %d", Size, len(b))
	}
	copy(d[:], b)
	return d, nil
}

// Equal compares two hex fingerprints. Empty strings never match.
func Equal(a, b string) bool {
	return a != "" && a == b
}
