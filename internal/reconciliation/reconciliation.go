// Package reconciliation compares local escrow rows against the ledger and
// resolves intents abandoned by crashed or timed-out callers.
package reconciliation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/lendbridge/internal/chain"
	"github.com/mbd888/lendbridge/internal/escrow"
)

// EscrowService is the slice of escrow.Service the reconciler drives.
type EscrowService interface {
	StuckIntents(ctx context.Context, cutoff time.Time, limit int) ([]*escrow.Escrow, error)
	RecoverIntent(ctx context.Context, id string) (escrow.RecoveryAction, error)
	ListByStatus(ctx context.Context, status escrow.Status, cursor string, limit int) (*escrow.Page, error)
	ChainStatus(ctx context.Context, e *escrow.Escrow) (*chain.ContractStatus, error)
	IntentTTL() time.Duration
}

// Report summarizes one reconciliation pass.
type Report struct {
	StartedAt time.Time                       `json:"startedAt"`
	Duration  time.Duration                   `json:"duration"`
	Recovered map[escrow.RecoveryAction]int   `json:"recovered"`
	Checked   int                             `json:"checked"`
	Warnings  []*escrow.ReconciliationWarning `json:"warnings"`
	Errors    int                             `json:"errors"`
}

// Service performs reconciliation between local rows and the ledger.
type Service struct {
	escrows    EscrowService
	stuckAfter time.Duration
	batch      int
	logger     *slog.Logger
	now        func() time.Time
}

// NewService creates a reconciliation service. Intents older than
// stuckAfter are treated as abandoned; stuckAfter is raised to the escrow
// service's IntentTTL, since a younger intent may have a ledger call in
// flight.
func NewService(escrows EscrowService, stuckAfter time.Duration) *Service {
	stuckAfter = max(stuckAfter, escrows.IntentTTL())
	return &Service{
		escrows:    escrows,
		stuckAfter: stuckAfter,
		batch:      200,
		logger:     slog.Default(),
		now:        time.Now,
	}
}

// WithLogger sets the logger.
func (s *Service) WithLogger(l *slog.Logger) *Service {
	s.logger = l
	return s
}

// Run recovers stuck intents, then compares every escrow with the
// ledger. Mismatches are reported, never corrected: the ledger may simply
// not have caught up, and a wrong fix would move funds twice.
func (s *Service) Run(ctx context.Context) (*Report, error) {
	rep := &Report{StartedAt: s.now(), Recovered: make(map[escrow.RecoveryAction]int)}
	defer func() {
		rep.Duration = s.now().Sub(rep.StartedAt)
		reconcileDuration.Observe(rep.Duration.Seconds())
	}()

	if err := s.recoverStuck(ctx, rep); err != nil {
		return rep, err
	}
	if err := s.compare(ctx, rep); err != nil {
		return rep, err
	}

	counts := map[string]int{escrow.WarningChainAhead: 0, escrow.WarningLocalAhead: 0, escrow.WarningConflict: 0}
	for _, w := range rep.Warnings {
		counts[w.Kind]++
	}
	for kind, n := range counts {
		reconcileMismatches.WithLabelValues(kind).Set(float64(n))
	}

	s.logger.Info("reconciliation pass complete",
		"checked", rep.Checked, "warnings", len(rep.Warnings), "errors", rep.Errors,
		"recovered", rep.Recovered)
	return rep, nil
}

func (s *Service) recoverStuck(ctx context.Context, rep *Report) error {
	stuck, err := s.escrows.StuckIntents(ctx, s.now().Add(-s.stuckAfter), s.batch)
	if err != nil {
		reconcileErrors.Inc()
		return fmt.Errorf("list stuck intents: %w", err)
	}
	reconcileStuckIntents.Set(float64(len(stuck)))

	for _, e := range stuck {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		action, err := s.escrows.RecoverIntent(ctx, e.ID)
		if err != nil {
			rep.Errors++
			reconcileErrors.Inc()
			s.logger.Warn("intent recovery failed",
				"escrowId", e.ID, "pendingAction", e.PendingAction, "error", err)
			continue
		}
		rep.Recovered[action]++
		reconcileRecovered.WithLabelValues(string(action)).Inc()
		s.logger.Info("intent recovered", "escrowId", e.ID, "action", action)
	}
	return nil
}

func (s *Service) compare(ctx context.Context, rep *Report) error {
	for _, status := range []escrow.Status{
		escrow.StatusPending, escrow.StatusDisputed, escrow.StatusReleased, escrow.StatusRefunded,
	} {
		cursor := ""
		for {
			page, err := s.escrows.ListByStatus(ctx, status, cursor, s.batch)
			if err != nil {
				reconcileErrors.Inc()
				return fmt.Errorf("list %s escrows: %w", status, err)
			}
			for _, e := range page.Escrows {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				s.check(ctx, rep, e)
			}
			if !page.HasMore {
				break
			}
			cursor = page.NextCursor
		}
	}
	return nil
}

func (s *Service) check(ctx context.Context, rep *Report, e *escrow.Escrow) {
	st, err := s.escrows.ChainStatus(ctx, e)
	if err != nil {
		rep.Errors++
		reconcileErrors.Inc()
		s.logger.Warn("ledger read failed", "escrowId", e.ID, "error", err)
		return
	}
	rep.Checked++
	if w := escrow.CheckConsistency(e, st); w != nil {
		rep.Warnings = append(rep.Warnings, w)
		s.logger.Warn("escrow disagrees with ledger",
			"escrowId", w.EscrowID, "kind", w.Kind, "localStatus", w.LocalStatus, "chainState", w.ChainState)
	}
}
