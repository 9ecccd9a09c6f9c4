package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// ContextKeyFingerprint is the gin context key holding the caller's key
// fingerprint after RequireKey succeeds.
const ContextKeyFingerprint = "authKeyFingerprint"

// KeyFromRequest extracts the presented key, if any.
func KeyFromRequest(c *gin.Context) string {
	if h := c.GetHeader("Authorization"); h != "" {
		if rest, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(rest)
		}
		return strings.TrimSpace(h)
	}
	return strings.TrimSpace(c.GetHeader("X-API-Key"))
}

// QueryParam carries the key on stream upgrades, where browsers cannot set
// headers.
const QueryParam = "api_key"

// RequireKey rejects requests without a valid key. With an empty keyring
// every request passes.
func RequireKey(k *Keyring) gin.HandlerFunc {
	return requireKey(k, KeyFromRequest)
}

// RequireStreamKey is RequireKey that also accepts the key in the api_key
// query parameter. Use it only on WebSocket routes.
func RequireStreamKey(k *Keyring) gin.HandlerFunc {
	return requireKey(k, func(c *gin.Context) string {
		if raw := KeyFromRequest(c); raw != "" {
			return raw
		}
		return strings.TrimSpace(c.Query(QueryParam))
	})
}

func requireKey(k *Keyring, extract func(*gin.Context) string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !k.Enabled() {
			c.Next()
			return
		}
		raw := extract(c)
		if err := k.Validate(raw); err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "API key required. Include 'Authorization: Bearer <key>' header.",
			})
			return
		}
		c.Set(ContextKeyFingerprint, Fingerprint(raw))
		c.Next()
	}
}

// GetFingerprint returns the authenticated key's fingerprint, or "".
func GetFingerprint(c *gin.Context) string {
	v, ok := c.Get(ContextKeyFingerprint)
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}
