package chain

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/lendbridge/internal/circuitbreaker"
)

// stubGateway returns whatever error it is told to.
type stubGateway struct {
	Gateway
	err   error
	calls int
	wait  bool
}

func (s *stubGateway) Release(ctx context.Context, _ string) (string, error) {
	s.calls++
	if s.wait {
		<-ctx.Done()
		return "", ctx.Err()
	}
	if s.err != nil {
		return "", s.err
	}
	return "0xtx", nil
}

func TestGuarded_TimeoutIsRetryable(t *testing.T) {
	g := NewGuarded(&stubGateway{wait: true}, WithTimeout(10*time.Millisecond))

	_, err := g.Release(context.Background(), "0xabc")
	require.Error(t, err)
	assert.True(t, IsRetryable(err))
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestGuarded_UnclassifiedErrorIsRetryable(t *testing.T) {
	g := NewGuarded(&stubGateway{err: errors.New("dial tcp: connection refused")})

	_, err := g.Release(context.Background(), "0xabc")
	assert.True(t, IsRetryable(err))
}

func TestGuarded_PermanentPassesThroughWithoutTripping(t *testing.T) {
	stub := &stubGateway{err: Permanent("release", ErrReverted)}
	g := NewGuarded(stub, WithBreaker(circuitbreaker.New(2, time.Minute)))

	for i := 0; i < 5; i++ {
		_, err := g.Release(context.Background(), "0xabc")
		assert.True(t, IsPermanent(err))
	}
	assert.Equal(t, 5, stub.calls)
	assert.Equal(t, circuitbreaker.StateClosed, g.Breaker().State(BreakerKey))
}

func TestGuarded_OpenBreakerShortCircuits(t *testing.T) {
	stub := &stubGateway{err: errors.New("rpc down")}
	g := NewGuarded(stub, WithBreaker(circuitbreaker.New(2, time.Minute)))

	_, _ = g.Release(context.Background(), "0xabc")
	_, _ = g.Release(context.Background(), "0xabc")
	require.Equal(t, 2, stub.calls)

	_, err := g.Release(context.Background(), "0xabc")
	assert.True(t, IsRetryable(err))
	assert.ErrorIs(t, err, circuitbreaker.ErrOpen)
	assert.Equal(t, 2, stub.calls, "open circuit must not reach the ledger")
}

func TestGuarded_Success(t *testing.T) {
	sim := NewSimulated()
	g := NewGuarded(sim)

	res, err := g.Deposit(context.Background(), DepositRequest{EscrowID: "g1", Borrower: "B", Lender: "L", Arbitrator: "A", Amount: 10})
	require.NoError(t, err)

	tx, err := g.Release(context.Background(), res.ContractAddress)
	require.NoError(t, err)
	assert.NotEmpty(t, tx)

	st, err := g.Status(context.Background(), res.ContractAddress)
	require.NoError(t, err)
	assert.True(t, st.IsReleased)
}
