package chain

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/mbd888/lendbridge/internal/circuitbreaker"
	"github.com/mbd888/lendbridge/internal/traces"
)

// DefaultCallTimeout bounds every gateway call.
const DefaultCallTimeout = 30 * time.Second

// MinIntentTTL is the shortest safe lifetime of a recorded settle intent
// when ledger calls are bounded by timeout. An intent younger than this may
// still have a call in flight: the send and the receipt wait each take up
// to timeout, and the receipt is seen one poll late at most.
func MinIntentTTL(timeout time.Duration) time.Duration {
	return 2*timeout + DefaultPollInterval
}

// BreakerKey is the circuit breaker key shared by all ledger calls.
const BreakerKey = "chain"

// Guarded decorates a Gateway with a per-call timeout, a circuit breaker,
// metrics and tracing. Errors the inner gateway did not classify are
// treated as unknown outcome, i.e. RetryableFailure.
type Guarded struct {
	next    Gateway
	breaker *circuitbreaker.Breaker
	timeout time.Duration
	logger  *slog.Logger
}

var _ Gateway = (*Guarded)(nil)

// GuardOption configures a Guarded gateway.
type GuardOption func(*Guarded)

// WithTimeout overrides DefaultCallTimeout.
func WithTimeout(d time.Duration) GuardOption {
	return func(g *Guarded) {
		if d > 0 {
			g.timeout = d
		}
	}
}

// WithBreaker sets the circuit breaker.
func WithBreaker(b *circuitbreaker.Breaker) GuardOption {
	return func(g *Guarded) { g.breaker = b }
}

// WithGuardLogger sets the logger.
func WithGuardLogger(l *slog.Logger) GuardOption {
	return func(g *Guarded) { g.logger = l }
}

// NewGuarded wraps next.
func NewGuarded(next Gateway, opts ...GuardOption) *Guarded {
	g := &Guarded{
		next:    next,
		breaker: circuitbreaker.New(5, 30*time.Second),
		timeout: DefaultCallTimeout,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Breaker exposes the circuit breaker for health checks.
func (g *Guarded) Breaker() *circuitbreaker.Breaker { return g.breaker }

func (g *Guarded) Deposit(ctx context.Context, req DepositRequest) (*DepositResult, error) {
	var res *DepositResult
	err := g.do(ctx, "deposit", req.EscrowID, func(ctx context.Context) error {
		var err error
		res, err = g.next.Deposit(ctx, req)
		return err
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (g *Guarded) Release(ctx context.Context, contractAddress string) (string, error) {
	var txHash string
	err := g.do(ctx, "release", contractAddress, func(ctx context.Context) error {
		var err error
		txHash, err = g.next.Release(ctx, contractAddress)
		return err
	})
	return txHash, err
}

func (g *Guarded) Refund(ctx context.Context, contractAddress string) (string, error) {
	var txHash string
	err := g.do(ctx, "refund", contractAddress, func(ctx context.Context) error {
		var err error
		txHash, err = g.next.Refund(ctx, contractAddress)
		return err
	})
	return txHash, err
}

func (g *Guarded) Status(ctx context.Context, contractAddress string) (*ContractStatus, error) {
	var st *ContractStatus
	err := g.do(ctx, "status", contractAddress, func(ctx context.Context) error {
		var err error
		st, err = g.next.Status(ctx, contractAddress)
		return err
	})
	if err != nil {
		return nil, err
	}
	return st, nil
}

func (g *Guarded) do(ctx context.Context, op, subject string, fn func(ctx context.Context) error) error {
	ctx, span := traces.StartSpan(ctx, "chain."+op, traces.ContractAddress(subject))
	defer span.End()

	callCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	start := time.Now()
	// Only retryable failures say anything about ledger health.
	err := g.breaker.Execute(BreakerKey, IsRetryable, func() error {
		err := fn(callCtx)
		if err != nil && !Classified(err) {
			if errors.Is(err, context.DeadlineExceeded) {
				return Retryable(op, errors.Join(ErrTimeout, err))
			}
			return Retryable(op, err)
		}
		return err
	})
	if errors.Is(err, circuitbreaker.ErrOpen) {
		err = Retryable(op, err)
	}
	observeCall(op, start, err)

	if err != nil {
		traces.Fail(span, err)
		g.logger.Warn("chain call failed",
			"op", op,
			"subject", subject,
			"retryable", IsRetryable(err),
			"error", err,
		)
	}
	return err
}
