// Package sha256 provides SHA-256 digest helpers for the content store.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"

	"github.com/capfirst/capvault/internal/capture"
)

var validDigest = regexp.MustCompile(`^[0-9a-f]{64}$`)

// Sum hashes the input and returns a lowercase hex digest.
func Sum(data []byte) capture.Digest {
	sum := sha256.Sum256(data)
	return capture.Digest(hex.EncodeToString(sum[:]))
}

// Valid reports whether d is a well-formed lowercase hex SHA-256 digest.
func Valid(d capture.Digest) bool {
	return validDigest.MatchString(string(d))
}
