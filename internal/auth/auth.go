// Package auth guards operator endpoints with static API keys.
//
// Keys come from configuration and are kept only as SHA-256 hashes. A
// request presents its key as "Authorization: Bearer <key>" or in the
// X-API-Key header. An empty Keyring leaves the API open, which is only
// accepted outside production.
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"strings"
)

// Errors
var (
	ErrNoAPIKey      = errors.New("API key required")
	ErrInvalidAPIKey = errors.New("invalid API key")
)

// Keyring holds the accepted operator keys.
type Keyring struct {
	hashes [][]byte
}

// NewKeyring hashes keys. Blank entries are ignored.
func NewKeyring(keys ...string) *Keyring {
	k := &Keyring{}
	for _, raw := range keys {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		sum := sha256.Sum256([]byte(raw))
		k.hashes = append(k.hashes, sum[:])
	}
	return k
}

// Enabled reports whether any key is configured.
func (k *Keyring) Enabled() bool {
	return k != nil && len(k.hashes) > 0
}

// Validate checks raw against every configured key in constant time.
func (k *Keyring) Validate(raw string) error {
	if raw == "" {
		return ErrNoAPIKey
	}
	sum := sha256.Sum256([]byte(raw))
	match := 0
	for _, h := range k.hashes {
		match |= subtle.ConstantTimeCompare(sum[:], h)
	}
	if match != 1 {
		return ErrInvalidAPIKey
	}
	return nil
}

// Fingerprint returns a short stable identifier for a key, safe to log
// and to use as a rate-limit bucket.
func Fingerprint(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:6])
}
