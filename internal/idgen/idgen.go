// Package idgen generates identifiers for escrows, events and webhook rows.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
	"strings"

	"github.com/google/uuid"
)

// New returns a random (v4) UUID string.
func New() string {
	return uuid.NewString()
}

// WithPrefix returns prefix + 32 hex chars of a v4 UUID (e.g. "esc_", "whk_").
func WithPrefix(prefix string) string {
	return prefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Hex generates a random hex string of the given byte length.
func Hex(numBytes int) string {
	b := make([]byte, numBytes)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return hex.EncodeToString(b)
}
