package webhooks

import (
	"context"
	"log/slog"
	"time"

	"github.com/mbd888/lendbridge/internal/syncutil"
)

const recoveryBatch = 100

// RecoveryTimer re-handles deliveries stuck in PENDING, once at startup and
// then every interval.
type RecoveryTimer struct {
	*syncutil.Loop
}

// NewRecoveryTimer creates a recovery loop. Rows younger than olderThan are
// left alone since their original request may still be in flight.
func NewRecoveryTimer(ingress *Ingress, interval, olderThan time.Duration, logger *slog.Logger) *RecoveryTimer {
	return &RecoveryTimer{Loop: syncutil.NewLoop("webhook_recovery", interval, logger, func(ctx context.Context) {
		n, err := ingress.Recover(ctx, olderThan, recoveryBatch)
		if err != nil {
			logger.Warn("webhook recovery pass failed", "error", err)
			return
		}
		if n > 0 {
			logger.Info("webhook recovery pass", "resolved", n)
		}
	})}
}
