package utils

import (
	"encoding/hex"

	"golang.org/x/crypto/blake2b"
)

// Checksum returns the hex blake2b-256 digest of payload. Persistent
// records carry it so a torn or tampered write is detected on load.
func Checksum(payload []byte) string {
	sum := blake2b.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

func VerifyChecksum(payload []byte, expected string) bool {
	if expected == "" {
		return false
	}
	return Checksum(payload) == expected
}
