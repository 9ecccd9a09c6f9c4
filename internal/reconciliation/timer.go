package reconciliation

import (
	"context"
	"log/slog"
	"time"

	"github.com/mbd888/lendbridge/internal/syncutil"
)

// Timer runs a reconciliation pass at startup and then every interval.
type Timer struct {
	*syncutil.Loop
}

// NewTimer creates a new reconciliation timer.
func NewTimer(service *Service, interval time.Duration, logger *slog.Logger) *Timer {
	return &Timer{Loop: syncutil.NewLoop("reconciler", interval, logger, func(ctx context.Context) {
		if _, err := service.Run(ctx); err != nil {
			logger.Warn("reconciliation run failed", "error", err)
		}
	})}
}
