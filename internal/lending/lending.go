// Package lending tracks the loan side of a proposal: credit decision,
// signed contract, payments received and repayment. It is mutated by
// provider and ledger webhooks, which may arrive before any escrow exists,
// so a loan row is created on first mention of its proposal id.
package lending

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mbd888/lendbridge/internal/storage"
	"github.com/mbd888/lendbridge/internal/validation"
)

var (
	ErrLoanNotFound     = errors.New("loan not found")
	ErrDuplicatePayment = errors.New("payment already recorded")
	ErrContractMismatch = errors.New("loan already signed under a different contract")
)

// Loan is the lending ledger row for one proposal.
type Loan struct {
	ProposalID     string     `json:"proposalId"`
	CreditStatus   string     `json:"creditStatus,omitempty"`
	ContractID     string     `json:"contractId,omitempty"`
	ContractSigned bool       `json:"contractSigned"`
	SignedAt       *time.Time `json:"signedAt,omitempty"`
	AmountPaid     int64      `json:"amountPaid"`
	RepaidAt       *time.Time `json:"repaidAt,omitempty"`
	EscrowID       string     `json:"escrowId,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
}

// Payment is one received installment. ID is the provider's payment id and
// is recorded at most once.
type Payment struct {
	ID         string    `json:"paymentId"`
	ProposalID string    `json:"proposalId"`
	Amount     int64     `json:"amount"`
	ReceivedAt time.Time `json:"receivedAt"`
}

// Store persists loans. Writes made with a ctx from storage.Transactor join
// that transaction.
type Store interface {
	Get(ctx context.Context, proposalID string) (*Loan, error)
	// LockOrCreate returns the loan locked for the rest of the transaction,
	// inserting an empty row first if none exists.
	LockOrCreate(ctx context.Context, proposalID string, now time.Time) (*Loan, error)
	Update(ctx context.Context, l *Loan) error
	// InsertPayment returns ErrDuplicatePayment if p.ID is already recorded.
	InsertPayment(ctx context.Context, p *Payment) error
	Payments(ctx context.Context, proposalID string) ([]*Payment, error)
}

// Service implements lending ledger operations.
type Service struct {
	store  Store
	tx     storage.Transactor
	logger *slog.Logger
	now    func() time.Time
}

// NewService creates a new lending service.
func NewService(store Store, tx storage.Transactor) *Service {
	return &Service{
		store:  store,
		tx:     tx,
		logger: slog.Default(),
		now:    time.Now,
	}
}

// WithLogger sets the logger.
func (s *Service) WithLogger(l *slog.Logger) *Service {
	s.logger = l
	return s
}

// ApplyCreditStatus records the provider's latest credit decision.
func (s *Service) ApplyCreditStatus(ctx context.Context, proposalID, status string) (*Loan, error) {
	status = strings.ToLower(strings.TrimSpace(status))
	if errs := validation.Validate(
		validation.Identity("proposalId", proposalID),
		validation.Identity("status", status),
		validation.MaxLength("status", status, 32),
	); len(errs) > 0 {
		return nil, errs
	}

	return s.mutate(ctx, proposalID, func(ctx context.Context, l *Loan) (bool, error) {
		if l.CreditStatus == status {
			return false, nil
		}
		l.CreditStatus = status
		return true, nil
	})
}

// MarkContractSigned records the signed loan contract and, if known, the
// escrow that funds it. Repeating it with the same contract id is a no-op.
func (s *Service) MarkContractSigned(ctx context.Context, proposalID, contractID, escrowID string) (*Loan, error) {
	if errs := validation.Validate(
		validation.Identity("proposalId", proposalID),
		validation.Identity("contractId", contractID),
		validation.OptionalID("escrowId", escrowID),
	); len(errs) > 0 {
		return nil, errs
	}

	return s.mutate(ctx, proposalID, func(ctx context.Context, l *Loan) (bool, error) {
		if l.ContractSigned {
			if l.ContractID != contractID {
				return false, fmt.Errorf("%w: %s", ErrContractMismatch, l.ContractID)
			}
			if escrowID == "" || l.EscrowID == escrowID {
				return false, nil
			}
		}
		if !l.ContractSigned {
			now := s.now()
			l.ContractSigned = true
			l.ContractID = contractID
			l.SignedAt = &now
		}
		if escrowID != "" {
			l.EscrowID = escrowID
		}
		return true, nil
	})
}

// RecordPayment adds a received payment to the loan. A payment id seen
// before leaves the loan untouched.
func (s *Service) RecordPayment(ctx context.Context, p Payment) (*Loan, error) {
	if errs := validation.Validate(
		validation.Identity("proposalId", p.ProposalID),
		validation.Identity("paymentId", p.ID),
		validation.PositiveAmount("amount", p.Amount),
	); len(errs) > 0 {
		return nil, errs
	}

	return s.mutate(ctx, p.ProposalID, func(ctx context.Context, l *Loan) (bool, error) {
		if p.ReceivedAt.IsZero() {
			p.ReceivedAt = s.now()
		}
		err := s.store.InsertPayment(ctx, &p)
		if errors.Is(err, ErrDuplicatePayment) {
			s.logger.Info("duplicate payment ignored", "proposalId", p.ProposalID, "paymentId", p.ID)
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("insert payment: %w", err)
		}
		l.AmountPaid += p.Amount
		return true, nil
	})
}

// MarkRepaid closes the loan. The first repayment time wins.
func (s *Service) MarkRepaid(ctx context.Context, proposalID string) (*Loan, error) {
	if errs := validation.Validate(validation.Identity("proposalId", proposalID)); len(errs) > 0 {
		return nil, errs
	}

	return s.mutate(ctx, proposalID, func(ctx context.Context, l *Loan) (bool, error) {
		if l.RepaidAt != nil {
			return false, nil
		}
		now := s.now()
		l.RepaidAt = &now
		return true, nil
	})
}

// Get returns a loan.
func (s *Service) Get(ctx context.Context, proposalID string) (*Loan, error) {
	return s.store.Get(ctx, proposalID)
}

// Payments returns the payments recorded for a loan, oldest first.
func (s *Service) Payments(ctx context.Context, proposalID string) ([]*Payment, error) {
	if _, err := s.store.Get(ctx, proposalID); err != nil {
		return nil, err
	}
	return s.store.Payments(ctx, proposalID)
}

// mutate locks (creating if needed) the loan and applies fn inside the
// transaction in ctx, or a new one. fn reports whether it changed the loan.
func (s *Service) mutate(ctx context.Context, proposalID string, fn func(context.Context, *Loan) (bool, error)) (*Loan, error) {
	var out *Loan
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		l, err := s.store.LockOrCreate(ctx, proposalID, s.now())
		if err != nil {
			return err
		}
		changed, err := fn(ctx, l)
		if err != nil {
			return err
		}
		out = l
		if !changed {
			return nil
		}
		l.UpdatedAt = s.now()
		return s.store.Update(ctx, l)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
