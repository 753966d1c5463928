package domain

import (
	"crypto/sha256"
	"encoding/hex"
)

// ShellChecksum returns the hex sha256 of a shell document.
func ShellChecksum(markup string) string {
	sum := sha256.Sum256([]byte(markup))
	return hex.EncodeToString(sum[:])
}
