package escrow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mbd888/lendbridge/internal/chain"
	"github.com/mbd888/lendbridge/internal/retry"
	"github.com/mbd888/lendbridge/internal/traces"
)

// Release pays out a PENDING escrow.
func (s *Service) Release(ctx context.Context, id string) (*Escrow, error) {
	return s.settle(ctx, id, StatusReleased, CauseClient, nil)
}

// Refund returns a PENDING escrow's funds.
func (s *Service) Refund(ctx context.Context, id string) (*Escrow, error) {
	return s.settle(ctx, id, StatusRefunded, CauseClient, nil)
}

// Resolve applies the arbitrator's ruling to a DISPUTED escrow.
func (s *Service) Resolve(ctx context.Context, id string, req ResolveRequest) (*Escrow, error) {
	if req.Outcome != StatusReleased && req.Outcome != StatusRefunded {
		return nil, fmt.Errorf("%w: outcome must be %s or %s", ErrInvalidStateTransition, StatusReleased, StatusRefunded)
	}
	guard := func(e *Escrow) error {
		if !strings.EqualFold(e.Arbitrator, req.Arbitrator) {
			return ErrUnauthorized
		}
		return nil
	}
	return s.settle(ctx, id, req.Outcome, CauseArbitrator, guard)
}

// Dispute moves a PENDING escrow to DISPUTED. Only the borrower or lender
// may raise it. No ledger call is made.
func (s *Service) Dispute(ctx context.Context, id string, req DisputeRequest) (*Escrow, error) {
	unlock, err := s.locks.LockContext(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	var out *Escrow
	err = s.tx.WithinTx(ctx, func(ctx context.Context) error {
		e, err := s.store.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if !strings.EqualFold(req.RaisedBy, e.Borrower) && !strings.EqualFold(req.RaisedBy, e.Lender) {
			return ErrUnauthorized
		}
		decision, err := Transition(e.Status, StatusDisputed, CauseDispute)
		if err != nil {
			return err
		}
		if decision == NoOp {
			out = e
			return nil
		}
		if e.PendingAction != "" && !s.intentExpired(e) {
			return ErrTransitionInProgress
		}
		e.DisputeReason = req.Reason
		e.DisputedBy = req.RaisedBy
		out = e
		return s.apply(ctx, e, StatusDisputed, "", CauseDispute, map[string]any{
			"raisedBy": req.RaisedBy,
			"reason":   req.Reason,
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// settle runs a ledger-backed transition as a saga so no database lock is
// held during the ledger call:
//
//	tx1: lock row, check the state machine, record the intent
//	     ledger call, outside any transaction
//	tx2: lock row, finalize status, append event, clear intent
//
// The in-process key lock keeps same-escrow callers in this process in
// line; the recorded intent keeps other processes out.
func (s *Service) settle(ctx context.Context, id string, target Status, cause Cause, guard func(*Escrow) error) (*Escrow, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.settle", traces.EscrowID(id), traces.Outcome(string(target)))
	defer span.End()

	unlock, err := s.locks.LockContext(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	var (
		e    *Escrow
		noop bool
	)
	err = s.tx.WithinTx(ctx, func(ctx context.Context) error {
		cur, err := s.store.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if guard != nil {
			if err := guard(cur); err != nil {
				return err
			}
		}
		decision, err := Transition(cur.Status, target, cause)
		if err != nil {
			return err
		}
		if decision == NoOp {
			e, noop = cur, true
			return nil
		}
		if cur.PendingAction != "" && !s.intentExpired(cur) {
			if cur.PendingAction == target {
				return ErrTransitionInProgress
			}
			return fmt.Errorf("%w: %s already in progress", ErrInvalidStateTransition, cur.PendingAction)
		}
		now := s.now()
		cur.PendingAction = target
		cur.PendingSince = &now
		cur.UpdatedAt = now
		e = cur
		return s.store.Update(ctx, cur)
	})
	if err != nil {
		traces.Fail(span, err)
		return nil, err
	}
	if noop {
		noopTotal.WithLabelValues(string(target)).Inc()
		return e, nil
	}

	txHash, err := s.callLedger(ctx, e.ContractAddress, target)
	if err != nil {
		traces.Fail(span, err)
		s.logger.Warn("escrow ledger call failed",
			"escrowId", id, "target", target, "retryable", chain.IsRetryable(err), "error", err)
		s.clearIntent(context.WithoutCancel(ctx), id, target)
		return nil, err
	}

	out, err := s.finalize(ctx, id, target, cause, txHash, nil)
	if err != nil {
		traces.Fail(span, err)
		return nil, err
	}
	return out, nil
}

func (s *Service) callLedger(ctx context.Context, contract string, target Status) (string, error) {
	switch target {
	case StatusReleased:
		return s.chain.Release(ctx, contract)
	case StatusRefunded:
		return s.chain.Refund(ctx, contract)
	}
	return "", fmt.Errorf("%w: no ledger operation for %s", ErrInvalidStateTransition, target)
}

// finalize records a transition the ledger has already made. A lost write
// here leaves the intent in place for the reconciler, so it is retried
// once before giving up.
func (s *Service) finalize(ctx context.Context, id string, target Status, cause Cause, txHash string, meta map[string]any) (*Escrow, error) {
	var out *Escrow
	ctx = context.WithoutCancel(ctx)
	err := retry.Do(ctx, 2, 50*time.Millisecond, func() error {
		return s.tx.WithinTx(ctx, func(ctx context.Context) error {
			cur, err := s.store.GetForUpdate(ctx, id)
			if err != nil {
				return err
			}
			if cur.Status == target {
				// A ledger notification got here first.
				out = cur
				if cur.PendingAction == target {
					cur.PendingAction, cur.PendingSince = "", nil
					cur.UpdatedAt = s.now()
					return s.store.Update(ctx, cur)
				}
				return nil
			}
			if _, err := Transition(cur.Status, target, cause); err != nil {
				return retry.Permanent(err)
			}
			out = cur
			return s.apply(ctx, cur, target, txHash, cause, meta)
		})
	})
	if err != nil {
		s.logger.Error("CRITICAL: ledger settled but local finalize failed; reconciler will retry",
			"escrowId", id, "target", target, "txHash", txHash, "error", err)
		return nil, err
	}
	return out, nil
}

// apply writes the new status and its event inside the caller's transaction.
func (s *Service) apply(ctx context.Context, e *Escrow, to Status, txHash string, cause Cause, meta map[string]any) error {
	now := s.now()
	e.Status = to
	e.UpdatedAt = now
	if e.PendingAction != "" {
		e.PendingAction, e.PendingSince = "", nil
	}
	if err := s.store.Update(ctx, e); err != nil {
		return fmt.Errorf("update escrow: %w", err)
	}

	if meta == nil {
		meta = map[string]any{}
	}
	meta["cause"] = string(cause)
	ev := &Event{
		EscrowID:  e.ID,
		Type:      eventFor(to),
		Amount:    e.Amount,
		TxHash:    txHash,
		Metadata:  meta,
		CreatedAt: now,
	}
	if err := s.store.AppendEvent(ctx, ev); err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	s.afterCommit(ctx, e, ev, cause)
	s.logger.Info("escrow transition", "escrowId", e.ID, "status", to, "cause", cause, "txHash", txHash)
	return nil
}

// clearIntent drops an intent this caller recorded. Best effort: a leftover
// intent only delays other callers until it expires.
func (s *Service) clearIntent(ctx context.Context, id string, target Status) {
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		e, err := s.store.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if e.PendingAction != target {
			return nil
		}
		e.PendingAction, e.PendingSince = "", nil
		e.UpdatedAt = s.now()
		return s.store.Update(ctx, e)
	})
	if err != nil {
		s.logger.Error("failed to clear escrow intent", "escrowId", id, "target", target, "error", err)
	}
}

func (s *Service) intentExpired(e *Escrow) bool {
	return e.PendingSince != nil && s.now().Sub(*e.PendingSince) > s.IntentTTL()
}

// ApplyChainOutcome records a settlement the ledger reports on its own,
// e.g. from a webhook. It joins the transaction in ctx and never calls the
// ledger. A repeat of an already-recorded outcome is a no-op.
func (s *Service) ApplyChainOutcome(ctx context.Context, contractAddress string, target Status, txHash string) (*Escrow, Decision, error) {
	var (
		out      *Escrow
		decision Decision
	)
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		found, err := s.store.GetByContract(ctx, contractAddress)
		if err != nil {
			return err
		}
		cur, err := s.store.GetForUpdate(ctx, found.ID)
		if err != nil {
			return err
		}
		decision, err = Transition(cur.Status, target, CauseChain)
		if err != nil {
			return err
		}
		out = cur
		if decision == NoOp {
			return nil
		}
		return s.apply(ctx, cur, target, txHash, CauseChain, map[string]any{"source": "ledger_notification"})
	})
	if err != nil {
		return nil, 0, err
	}
	return out, decision, nil
}

// RecoveryAction says what RecoverIntent did.
type RecoveryAction string

const (
	RecoveryNone      RecoveryAction = "none"      // no intent recorded, or it may still be in flight
	RecoveryFinalized RecoveryAction = "finalized" // ledger had settled as intended
	RecoveryCleared   RecoveryAction = "cleared"   // ledger untouched, intent dropped
	RecoveryDiverged  RecoveryAction = "diverged"  // ledger settled the other way
)

// RecoverIntent resolves an intent left behind by a crashed or timed-out
// caller by asking the ledger what actually happened. An intent younger
// than IntentTTL is left alone.
func (s *Service) RecoverIntent(ctx context.Context, id string) (RecoveryAction, error) {
	unlock, err := s.locks.LockContext(ctx, id)
	if err != nil {
		return RecoveryNone, err
	}
	defer unlock()

	e, err := s.store.Get(ctx, id)
	if err != nil {
		return RecoveryNone, err
	}
	if e.PendingAction == "" || !s.intentExpired(e) {
		return RecoveryNone, nil
	}

	st, err := s.chain.Status(ctx, e.ContractAddress)
	if err != nil {
		return RecoveryNone, err
	}
	onChain, settled := chainTarget(st)
	switch {
	case !settled:
		s.clearIntent(ctx, id, e.PendingAction)
		return RecoveryCleared, nil
	case onChain == e.PendingAction:
		if _, err := s.finalize(ctx, id, onChain, CauseChain, "", map[string]any{"recovered": true}); err != nil {
			return RecoveryNone, err
		}
		return RecoveryFinalized, nil
	default:
		if _, _, err := s.ApplyChainOutcome(ctx, e.ContractAddress, onChain, ""); err != nil {
			return RecoveryNone, err
		}
		return RecoveryDiverged, nil
	}
}

func chainTarget(st *chain.ContractStatus) (Status, bool) {
	switch {
	case st.IsReleased:
		return StatusReleased, true
	case st.IsRefunded:
		return StatusRefunded, true
	}
	return "", false
}

// IsClientError reports errors caused by the request rather than the system.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidStateTransition) ||
		errors.Is(err, ErrUnauthorized) ||
		errors.Is(err, ErrEscrowNotFound) ||
		errors.Is(err, ErrEscrowExists)
}
