// Package validation checks request fields for the escrow and lending APIs.
package validation

import (
	"errors"
	"net/http"
	"regexp"
	"strings"
	"unicode"

	"github.com/gin-gonic/gin"
)

// MaxRequestSize is the default request body cap (1MB).
const MaxRequestSize = 1 << 20

// MaxIdentityLength bounds party identifiers and escrow ids.
const MaxIdentityLength = 128

var (
	ethAddressRegex = regexp.MustCompile(`^0x[a-fA-F0-9]{40}$`)
	idRegex         = regexp.MustCompile(`^[A-Za-z0-9_.:\-]+$`)
)

// RequestSizeMiddleware limits request body size.
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidEthAddress checks if a string is a valid Ethereum address.
func IsValidEthAddress(addr string) bool {
	return ethAddressRegex.MatchString(addr)
}

// ValidationError is one failed field.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors is returned as an error by services and rendered as
// "details" by handlers.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	parts := make([]string, len(e))
	for i, v := range e {
		parts[i] = v.Field + ": " + v.Message
	}
	return strings.Join(parts, "; ")
}

// AsErrors extracts ValidationErrors from err.
func AsErrors(err error) (ValidationErrors, bool) {
	var errs ValidationErrors
	if errors.As(err, &errs) {
		return errs, true
	}
	return nil, false
}

// Validate runs validators and collects failures.
func Validate(validators ...func() *ValidationError) ValidationErrors {
	var errs ValidationErrors
	for _, v := range validators {
		if err := v(); err != nil {
			errs = append(errs, *err)
		}
	}
	return errs
}

// Required checks that a field is non-empty.
func Required(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if strings.TrimSpace(value) == "" {
			return &ValidationError{Field: field, Message: "is required"}
		}
		return nil
	}
}

// Identity checks a required party or record identifier: present, bounded
// and free of whitespace or control characters.
func Identity(field, value string) func() *ValidationError {
	return func() *ValidationError {
		switch {
		case strings.TrimSpace(value) == "":
			return &ValidationError{Field: field, Message: "is required"}
		case len(value) > MaxIdentityLength:
			return &ValidationError{Field: field, Message: "exceeds maximum length"}
		}
		for _, r := range value {
			if unicode.IsSpace(r) || unicode.IsControl(r) {
				return &ValidationError{Field: field, Message: "must not contain whitespace"}
			}
		}
		return nil
	}
}

// OptionalID checks a caller-supplied id if one was given.
func OptionalID(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		if len(value) > MaxIdentityLength || !idRegex.MatchString(value) {
			return &ValidationError{Field: field, Message: "must be 1-128 chars of [A-Za-z0-9_.:-]"}
		}
		return nil
	}
}

// PositiveAmount checks an integer minor-unit amount.
func PositiveAmount(field string, value int64) func() *ValidationError {
	return func() *ValidationError {
		if value <= 0 {
			return &ValidationError{Field: field, Message: "must be a positive integer amount in minor units"}
		}
		return nil
	}
}

// OneOf checks value against an allowed set.
func OneOf(field, value string, allowed ...string) func() *ValidationError {
	return func() *ValidationError {
		for _, a := range allowed {
			if value == a {
				return nil
			}
		}
		return &ValidationError{Field: field, Message: "must be one of " + strings.Join(allowed, ", ")}
	}
}

// MaxLength checks if a field exceeds max length.
func MaxLength(field, value string, max int) func() *ValidationError {
	return func() *ValidationError {
		if len(value) > max {
			return &ValidationError{Field: field, Message: "exceeds maximum length"}
		}
		return nil
	}
}
