package syncutil

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Loop runs a pass once at start and then every interval until its
// context is cancelled or Stop is called. A panicking pass is logged and
// the loop keeps going.
type Loop struct {
	name     string
	interval time.Duration
	pass     func(ctx context.Context)
	logger   *slog.Logger

	stop     chan struct{}
	stopOnce sync.Once
	running  atomic.Bool
}

// NewLoop creates a loop. A non-positive interval means one minute.
func NewLoop(name string, interval time.Duration, logger *slog.Logger, pass func(ctx context.Context)) *Loop {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Loop{
		name:     name,
		interval: interval,
		pass:     pass,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether Start is executing.
func (l *Loop) Running() bool {
	return l.running.Load()
}

// Start blocks running passes. Call in a goroutine. A Loop that was
// stopped returns immediately.
func (l *Loop) Start(ctx context.Context) {
	select {
	case <-l.stop:
		return
	default:
	}
	l.running.Store(true)
	defer l.running.Store(false)

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	l.safePass(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-l.stop:
			return
		case <-ticker.C:
			l.safePass(ctx)
		}
	}
}

// Stop ends the loop after the current pass. It is safe to call more than
// once and before Start.
func (l *Loop) Stop() {
	l.stopOnce.Do(func() { close(l.stop) })
}

func (l *Loop) safePass(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("panic in background loop", "loop", l.name, "panic", fmt.Sprint(r))
		}
	}()
	l.pass(ctx)
}
