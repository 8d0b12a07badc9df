package storage

import (
	"crypto/sha256"
	"encoding/hex"
)

// HashToken returns the hex-encoded SHA-256 hash of a token or code secret.
// All stores persist only the hash; the plaintext secret travels to the
// client exactly once and is never recoverable from storage.
func HashToken(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}
