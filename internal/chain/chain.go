// Package chain is the gateway to the external ledger that holds escrowed
// funds. Every operation is keyed by escrow id or contract address, so a
// caller that saw a RetryableFailure may repeat the same call safely.
package chain

import (
	"context"
	"errors"
	"fmt"
)

// Failure classes. Use errors.Is against these to decide whether to retry.
var (
	ErrRetryable = errors.New("chain: retryable failure")
	ErrPermanent = errors.New("chain: permanent failure")
)

// Specific causes, always wrapped in an *Error that carries the class.
var (
	ErrInvalidAddress   = errors.New("chain: invalid address")
	ErrInvalidAmount    = errors.New("chain: invalid amount")
	ErrReverted         = errors.New("chain: transaction reverted")
	ErrContractNotFound = errors.New("chain: contract not found")
	ErrWrongState       = errors.New("chain: contract already settled the other way")
	ErrTimeout          = errors.New("chain: operation timed out")
)

// Gateway is the ledger abstraction used by the escrow service.
type Gateway interface {
	Deposit(ctx context.Context, req DepositRequest) (*DepositResult, error)
	Release(ctx context.Context, contractAddress string) (txHash string, err error)
	Refund(ctx context.Context, contractAddress string) (txHash string, err error)
	Status(ctx context.Context, contractAddress string) (*ContractStatus, error)
}

// DepositRequest funds a new escrow contract.
type DepositRequest struct {
	EscrowID   string
	Borrower   string
	Lender     string
	Arbitrator string
	Amount     int64 // minor units
}

// DepositResult identifies the funded contract.
type DepositResult struct {
	ContractAddress string `json:"contractAddress"`
	TxHash          string `json:"txHash"`
}

// ContractState is the settlement state reported by the ledger.
type ContractState string

const (
	StatePending  ContractState = "pending"
	StateReleased ContractState = "released"
	StateRefunded ContractState = "refunded"
	StateDisputed ContractState = "disputed"
)

// ContractStatus is a point-in-time read of a contract.
type ContractStatus struct {
	IsReleased bool          `json:"isReleased"`
	IsRefunded bool          `json:"isRefunded"`
	State      ContractState `json:"state"`
}

// StatusOf builds a ContractStatus for state.
func StatusOf(state ContractState) *ContractStatus {
	return &ContractStatus{
		IsReleased: state == StateReleased,
		IsRefunded: state == StateRefunded,
		State:      state,
	}
}

// Kind classifies a gateway failure.
type Kind int

const (
	KindRetryable Kind = iota + 1
	KindPermanent
)

func (k Kind) String() string {
	switch k {
	case KindRetryable:
		return "retryable"
	case KindPermanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// Error wraps a gateway failure with the operation and its class.
type Error struct {
	Op     string // deposit, release, refund, status
	Kind   Kind
	TxHash string // set when a transaction was broadcast
	Err    error
}

func (e *Error) Error() string {
	if e.TxHash != "" {
		return fmt.Sprintf("chain: %s %s failure (tx: %s): %v", e.Op, e.Kind, e.TxHash, e.Err)
	}
	return fmt.Sprintf("chain: %s %s failure: %v", e.Op, e.Kind, e.Err)
}

// Unwrap exposes both the cause and the class sentinel.
func (e *Error) Unwrap() []error {
	class := ErrRetryable
	if e.Kind == KindPermanent {
		class = ErrPermanent
	}
	return []error{e.Err, class}
}

// Retryable marks err as safe to retry.
func Retryable(op string, err error) error {
	return &Error{Op: op, Kind: KindRetryable, Err: err}
}

// Permanent marks err as a ledger rejection that must not be retried.
func Permanent(op string, err error) error {
	return &Error{Op: op, Kind: KindPermanent, Err: err}
}

// IsRetryable reports whether err is a RetryableFailure.
func IsRetryable(err error) bool { return errors.Is(err, ErrRetryable) }

// IsPermanent reports whether err is a PermanentFailure.
func IsPermanent(err error) bool { return errors.Is(err, ErrPermanent) }

// Classified reports whether err already carries a failure class.
func Classified(err error) bool {
	var ce *Error
	return errors.As(err, &ce)
}
