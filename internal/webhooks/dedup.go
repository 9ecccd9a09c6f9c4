package webhooks

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"
)

// aliases maps spellings seen from senders onto the canonical names.
var aliases = map[string]EventType{
	"credit_status_change":  EventCreditStatusChanged,
	"credit_status_updated": EventCreditStatusChanged,
	"contract_signature":    EventContractSigned,
	"payment_succeeded":     EventPaymentReceived,
	"escrow_released":       EventEscrowFundsReleased,
	"funds_released":        EventEscrowFundsReleased,
	"escrow_refunded":       EventEscrowFundsRefunded,
	"funds_refunded":        EventEscrowFundsRefunded,
	"loan_repayment":        EventLoanRepaid,
}

// NormalizeEventType folds case and separators so "Credit.Status-Changed"
// and "CREDIT_STATUS_CHANGED" route the same way. Unknown names pass
// through normalized and are rejected by the Dispatcher.
func NormalizeEventType(raw string) EventType {
	s := strings.ToLower(strings.TrimSpace(strings.ToValidUTF8(raw, "")))
	s = strings.NewReplacer(".", "_", "-", "_", " ", "_", "/", "_").Replace(s)
	if s == "" {
		return "unknown"
	}
	if t, ok := aliases[s]; ok {
		return t
	}
	return EventType(truncate(s, maxEventTypeLen))
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

const maxEventTypeLen = 64

// Payload is a decoded delivery body. Numbers are kept as json.Number so
// amounts survive without float rounding.
type Payload map[string]any

// ParsePayload decodes body. A top-level "data" object, as sent by the
// ledger, is unwrapped; its "event_type" sibling is returned separately.
func ParsePayload(body []byte) (Payload, string, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var top map[string]any
	if err := dec.Decode(&top); err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	eventType, _ := top["event_type"].(string)
	if data, ok := top["data"].(map[string]any); ok {
		return Payload(data), eventType, nil
	}
	return Payload(top), eventType, nil
}

// String returns the field as a trimmed string, or "".
func (p Payload) String(field string) string {
	switch v := p[field].(type) {
	case string:
		return strings.TrimSpace(v)
	case json.Number:
		return v.String()
	}
	return ""
}

// Int64 returns an integer field.
func (p Payload) Int64(field string) (int64, error) {
	switch v := p[field].(type) {
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return 0, fmt.Errorf("%w: %s must be an integer", ErrInvalidPayload, field)
		}
		return n, nil
	case nil:
		return 0, fmt.Errorf("%w: %s is required", ErrInvalidPayload, field)
	}
	return 0, fmt.Errorf("%w: %s must be a number", ErrInvalidPayload, field)
}

// keyFields lists the payload fields that identify one logical event.
var keyFields = map[EventType][]string{
	EventCreditStatusChanged: {"proposalId", "status"},
	EventContractSigned:      {"proposalId", "contractId"},
	EventPaymentReceived:     {"paymentId"},
	EventEscrowFundsReleased: {"contractAddress"},
	EventEscrowFundsRefunded: {"contractAddress"},
	EventLoanRepaid:          {"proposalId"},
}

const maxDedupKeyLen = 255

// DedupKey derives the key that recognizes repeats of one logical event.
// When the identifying fields are missing it falls back to a hash of the
// raw body, so byte-identical replays still collapse.
func DedupKey(source Source, t EventType, p Payload, body []byte) string {
	parts := []string{string(source), string(t)}
	complete := true
	for _, f := range keyFields[t] {
		v := strings.ToLower(p.String(f))
		if v == "" {
			complete = false
			break
		}
		parts = append(parts, v)
	}
	if !complete || len(keyFields[t]) == 0 {
		sum := sha256.Sum256(body)
		parts = append(parts[:2], "sha256", hex.EncodeToString(sum[:]))
	}

	key := strings.Join(parts, ":")
	if len(key) > maxDedupKeyLen {
		sum := sha256.Sum256([]byte(key))
		key = string(source) + ":" + string(t) + ":h:" + hex.EncodeToString(sum[:])
	}
	return key
}
