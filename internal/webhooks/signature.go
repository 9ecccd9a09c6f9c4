package webhooks

import (
	"crypto/hmac"
	"crypto/sha1" // #nosec G505 -- legacy provider scheme, selected only by configuration
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"strings"
)

// Signature algorithms accepted by NewVerifier.
const (
	AlgoSHA256 = "sha256"
	AlgoSHA1   = "sha1"
)

// Verifier checks hex HMAC signatures over the raw request body.
type Verifier struct {
	secret []byte
	algo   string
	newMAC func() hash.Hash
}

// NewVerifier creates a verifier for secret. An empty secret yields a
// verifier that rejects everything.
func NewVerifier(secret, algo string) (*Verifier, error) {
	v := &Verifier{secret: []byte(secret), algo: strings.ToLower(algo)}
	switch v.algo {
	case "", AlgoSHA256:
		v.algo, v.newMAC = AlgoSHA256, sha256.New
	case AlgoSHA1:
		v.newMAC = sha1.New
	default:
		return nil, fmt.Errorf("unsupported webhook signature algorithm %q", algo)
	}
	return v, nil
}

// Sign returns the hex signature of payload.
func (v *Verifier) Sign(payload []byte) string {
	mac := hmac.New(v.newMAC, v.secret)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks header against payload in constant time. The header may
// carry an "<algo>=" prefix.
func (v *Verifier) Verify(payload []byte, header string) error {
	if v == nil || len(v.secret) == 0 {
		return fmt.Errorf("%w: no signing secret configured", ErrInvalidSignature)
	}
	sig := strings.TrimSpace(header)
	if sig == "" {
		return fmt.Errorf("%w: missing signature", ErrInvalidSignature)
	}
	if prefix, rest, ok := strings.Cut(sig, "="); ok {
		if !strings.EqualFold(prefix, v.algo) {
			return fmt.Errorf("%w: expected %s signature", ErrInvalidSignature, v.algo)
		}
		sig = rest
	}
	got, err := hex.DecodeString(sig)
	if err != nil {
		return fmt.Errorf("%w: malformed signature", ErrInvalidSignature)
	}

	mac := hmac.New(v.newMAC, v.secret)
	mac.Write(payload)
	if !hmac.Equal(got, mac.Sum(nil)) {
		return fmt.Errorf("%w: signature mismatch", ErrInvalidSignature)
	}
	return nil
}
