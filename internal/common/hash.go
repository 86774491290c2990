package common

import (
	"crypto/sha256"
	"encoding/hex"
)

// Sha256Hex hashes the input with SHA-256 and returns lowercase hex. Used to
// derive bounded keys from unbounded values such as webhook bodies.
func Sha256Hex(input string) string {
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:])
}
