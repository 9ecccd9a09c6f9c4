package health

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/mbd888/lendbridge/internal/circuitbreaker"
)

// pingTimeout bounds a readiness ping so a hung database fails the probe
// instead of hanging it.
const pingTimeout = 2 * time.Second

// Database reports whether db answers a ping.
func Database(db *sql.DB) Checker {
	return func(ctx context.Context) Status {
		ctx, cancel := context.WithTimeout(ctx, pingTimeout)
		defer cancel()
		if err := db.PingContext(ctx); err != nil {
			return Status{Name: "database", Healthy: false, Detail: err.Error()}
		}
		s := db.Stats()
		return Status{Name: "database", Healthy: true,
			Detail: fmt.Sprintf("open=%d inUse=%d", s.OpenConnections, s.InUse)}
	}
}

// Breaker reports the ledger breaker as unhealthy while it is open.
func Breaker(name string, b *circuitbreaker.Breaker, key string) Checker {
	return func(context.Context) Status {
		state := b.State(key)
		return Status{Name: name, Healthy: state != circuitbreaker.StateOpen, Detail: state.String()}
	}
}

// Loop reports whether a background loop is running.
func Loop(name string, running func() bool) Checker {
	return func(context.Context) Status {
		if running() {
			return Status{Name: name, Healthy: true, Detail: "running"}
		}
		return Status{Name: name, Healthy: false, Detail: "stopped"}
	}
}
