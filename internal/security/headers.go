// Package security provides response hardening middleware for the API.
package security

import (
	"net/http"
	"slices"

	"github.com/gin-gonic/gin"
)

// responseHeaders are set on every response. The API serves JSON and a
// WebSocket stream only, so nothing may render, frame or be cached.
var responseHeaders = [][2]string{
	{"X-Content-Type-Options", "nosniff"},
	{"X-Frame-Options", "DENY"},
	{"X-XSS-Protection", "1; mode=block"},
	{"Referrer-Policy", "strict-origin-when-cross-origin"},
	{"Content-Security-Policy", "default-src 'none'; connect-src 'self' ws: wss:; frame-ancestors 'none'"},
	{"Cache-Control", "no-store"},
	{"Permissions-Policy", "geolocation=(), microphone=(), camera=()"},
}

// HeadersMiddleware adds security headers to all responses
func HeadersMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Writer.Header()
		for _, kv := range responseHeaders {
			h.Set(kv[0], kv[1])
		}
		c.Next()
	}
}

// CORSMiddleware lets the listed browser origins call the operator API.
// "*" allows any origin without credentials. With no origins configured
// no CORS headers are sent and browsers stay same-origin.
//
// Webhook senders are servers, so CORS never applies to them.
func CORSMiddleware(allowedOrigins []string) gin.HandlerFunc {
	wildcard := slices.Contains(allowedOrigins, "*")
	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = struct{}{}
	}

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin == "" {
			c.Next()
			return
		}
		c.Writer.Header().Add("Vary", "Origin")

		_, listed := allowed[origin]
		if !listed && !wildcard {
			if c.Request.Method == http.MethodOptions {
				c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
					"error":   "origin_not_allowed",
					"message": "origin is not allowed to call this API",
				})
				return
			}
			c.Next()
			return
		}

		h := c.Writer.Header()
		h.Set("Access-Control-Allow-Origin", origin)
		h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-API-Key, X-Request-ID")
		h.Set("Access-Control-Expose-Headers", "X-Request-ID, Retry-After")
		h.Set("Access-Control-Max-Age", "86400")
		// Credentials are never combined with the wildcard.
		if !wildcard {
			h.Set("Access-Control-Allow-Credentials", "true")
		}

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
