package auth

import (
	"crypto/sha256"
	"encoding/hex"
)

const visibleSuffix = 4

// Mask hides all but the last four characters of a credential so it can be
// logged. Credentials of four characters or fewer are hidden entirely.
func Mask(credential string) string {
	if len(credential) <= visibleSuffix {
		return "***"
	}
	return "***" + credential[len(credential)-visibleSuffix:]
}

// HashKey returns the hex SHA-256 of a raw key value
func HashKey(value string) string {
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:])
}
