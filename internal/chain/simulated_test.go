package chain

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func deposit(t *testing.T, g Gateway, id string) *DepositResult {
	t.Helper()
	res, err := g.Deposit(context.Background(), DepositRequest{
		EscrowID: id, Borrower: "B1", Lender: "L1", Arbitrator: "A1", Amount: 1000,
	})
	require.NoError(t, err)
	return res
}

func TestSimulated_DepositIsDeterministicAndIdempotent(t *testing.T) {
	a := NewSimulated()
	b := NewSimulated()

	first := deposit(t, a, "esc1")
	again := deposit(t, a, "esc1")
	other := deposit(t, b, "esc1")

	assert.NotEmpty(t, first.ContractAddress)
	assert.NotEmpty(t, first.TxHash)
	assert.Equal(t, first, again, "repeat deposit must return the same contract")
	assert.Equal(t, first.ContractAddress, other.ContractAddress, "address derives from escrow id")
	assert.Equal(t, 2, a.Calls("deposit"))
}

func TestSimulated_ReleaseThenRefund(t *testing.T) {
	g := NewSimulated()
	res := deposit(t, g, "esc1")
	ctx := context.Background()

	tx, err := g.Release(ctx, res.ContractAddress)
	require.NoError(t, err)
	assert.NotEmpty(t, tx)

	again, err := g.Release(ctx, res.ContractAddress)
	require.NoError(t, err)
	assert.Equal(t, tx, again)

	_, err = g.Refund(ctx, res.ContractAddress)
	require.Error(t, err)
	assert.True(t, IsPermanent(err))
	assert.ErrorIs(t, err, ErrWrongState)

	st, err := g.Status(ctx, res.ContractAddress)
	require.NoError(t, err)
	assert.True(t, st.IsReleased)
	assert.False(t, st.IsRefunded)
	assert.Equal(t, StateReleased, st.State)
}

func TestSimulated_UnknownContract(t *testing.T) {
	g := NewSimulated()
	_, err := g.Status(context.Background(), "0xdeadbeef")
	assert.True(t, IsPermanent(err))
	assert.ErrorIs(t, err, ErrContractNotFound)
}

func TestSimulated_RejectsInvalidDeposit(t *testing.T) {
	g := NewSimulated()
	_, err := g.Deposit(context.Background(), DepositRequest{EscrowID: "x", Borrower: "B", Lender: "L", Arbitrator: "A"})
	assert.True(t, IsPermanent(err))
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = g.Deposit(context.Background(), DepositRequest{EscrowID: "x", Borrower: "B", Lender: " ", Arbitrator: "A", Amount: 5})
	assert.ErrorIs(t, err, ErrInvalidAddress)
}

func TestSimulated_FaultInjection(t *testing.T) {
	g := NewSimulated()
	g.FailNext("deposit", errors.New("connection reset"))
	g.FailNext("deposit", Permanent("deposit", ErrReverted))

	_, err := g.Deposit(context.Background(), DepositRequest{EscrowID: "e", Borrower: "B", Lender: "L", Arbitrator: "A", Amount: 1})
	assert.True(t, IsRetryable(err), "unclassified fault becomes retryable")

	_, err = g.Deposit(context.Background(), DepositRequest{EscrowID: "e", Borrower: "B", Lender: "L", Arbitrator: "A", Amount: 1})
	assert.True(t, IsPermanent(err))

	_, ok := g.ContractFor("e")
	assert.False(t, ok, "failed deposits create nothing")

	deposit(t, g, "e")
	_, ok = g.ContractFor("e")
	assert.True(t, ok)
}

func TestSimulated_LatencyHonoursContext(t *testing.T) {
	g := NewSimulated()
	g.SetLatency(time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := g.Deposit(ctx, DepositRequest{EscrowID: "slow", Borrower: "B", Lender: "L", Arbitrator: "A", Amount: 1})
	assert.True(t, IsRetryable(err))
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestSimulated_SettleOutOfBand(t *testing.T) {
	g := NewSimulated()
	res := deposit(t, g, "esc9")

	tx, err := g.Settle(res.ContractAddress, StateRefunded)
	require.NoError(t, err)

	got, err := g.Refund(context.Background(), res.ContractAddress)
	require.NoError(t, err)
	assert.Equal(t, tx, got, "refund after out-of-band refund returns the original tx")
}

func TestError_Classes(t *testing.T) {
	err := Retryable("release", ErrTimeout)
	assert.True(t, IsRetryable(err))
	assert.False(t, IsPermanent(err))
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Contains(t, err.Error(), "release retryable failure")

	perm := &Error{Op: "refund", Kind: KindPermanent, TxHash: "0xabc", Err: ErrReverted}
	assert.True(t, IsPermanent(perm))
	assert.Contains(t, perm.Error(), "tx: 0xabc")
	assert.False(t, Classified(errors.New("plain")))
}
