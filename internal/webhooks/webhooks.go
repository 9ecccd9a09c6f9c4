// Package webhooks ingests inbound deliveries from the lending provider and
// from the ledger.
//
// Every delivery is stored as PENDING before anything else happens. The
// signature is then checked, a dedup key derived from the payload, and the
// event handed to the Dispatcher inside one transaction that also records
// the outcome. A dedup key reaches PROCESSED with a ledger mutation at most
// once; later deliveries with the same key are marked PROCESSED as
// duplicates without running the handler.
package webhooks

import (
	"context"
	"errors"
	"time"
)

var (
	ErrEventNotFound        = errors.New("webhook event not found")
	ErrInvalidSignature     = errors.New("SignatureVerificationError")
	ErrUnsupportedEventType = errors.New("UnsupportedEventType")
	ErrInvalidPayload       = errors.New("InvalidPayload")
)

// Source identifies who sent a delivery and therefore which secret signs it.
type Source string

const (
	SourceProvider Source = "provider"
	SourceChain    Source = "chain"
)

// Status of a stored delivery.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusProcessed Status = "PROCESSED"
	StatusFailed    Status = "FAILED"
)

// EventType is a normalized event name.
type EventType string

const (
	EventCreditStatusChanged EventType = "credit_status_changed"
	EventContractSigned      EventType = "contract_signed"
	EventPaymentReceived     EventType = "payment_received"
	EventEscrowFundsReleased EventType = "escrow_funds_released"
	EventEscrowFundsRefunded EventType = "escrow_funds_refunded"
	EventLoanRepaid          EventType = "loan_repaid"
)

// WebhookEvent is one stored delivery.
type WebhookEvent struct {
	ID           string     `json:"id"`
	Source       Source     `json:"source"`
	EventType    EventType  `json:"eventType"`
	Payload      []byte     `json:"-"`
	Signature    string     `json:"-"`
	DedupKey     string     `json:"dedupKey,omitempty"`
	Status       Status     `json:"status"`
	DuplicateOf  string     `json:"duplicateOf,omitempty"`
	ErrorMessage string     `json:"errorMessage,omitempty"`
	Attempts     int        `json:"attempts"`
	ReceivedAt   time.Time  `json:"receivedAt"`
	ProcessedAt  *time.Time `json:"processedAt,omitempty"`
}

// Store persists deliveries. Writes made with a ctx from
// storage.Transactor join that transaction.
type Store interface {
	// Insert records a new delivery outside any transaction.
	Insert(ctx context.Context, ev *WebhookEvent) error
	Get(ctx context.Context, id string) (*WebhookEvent, error)
	// GetForUpdate reads the row and holds its lock until the transaction ends.
	GetForUpdate(ctx context.Context, id string) (*WebhookEvent, error)
	// LockKey serializes processing of one dedup key until the transaction
	// ends. Different keys never contend.
	LockKey(ctx context.Context, dedupKey string) error
	// FindProcessed returns the delivery that carried the mutation for
	// dedupKey, or ErrEventNotFound.
	FindProcessed(ctx context.Context, dedupKey string) (*WebhookEvent, error)
	Update(ctx context.Context, ev *WebhookEvent) error
	ListPending(ctx context.Context, receivedBefore time.Time, limit int) ([]*WebhookEvent, error)
}
