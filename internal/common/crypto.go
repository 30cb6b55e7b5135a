package common

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
)

// GenerateHexToken returns n lowercase hex characters from a CSPRNG.
// n must be even.
func GenerateHexToken(n int) (string, error) {
	raw := make([]byte, n/2)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return hex.EncodeToString(raw), nil
}

// HashUserAgent produces the stored fingerprint of a user-agent string.
func HashUserAgent(userAgent string) string {
	sum := sha256.Sum256([]byte(userAgent))
	return hex.EncodeToString(sum[:])
}
