//go:build integration

package lending

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/lendbridge/internal/storage"
	"github.com/mbd888/lendbridge/internal/testutil"
)

func TestPostgres_LoanLifecycle(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	svc := NewService(NewPostgresStore(db), storage.NewSQLTransactor(db))
	ctx := context.Background()

	_, err := svc.ApplyCreditStatus(ctx, "prop-1", "approved")
	require.NoError(t, err)
	_, err = svc.MarkContractSigned(ctx, "prop-1", "ctr-1", "esc1")
	require.NoError(t, err)

	// A duplicate payment must not abort the transaction it runs in.
	_, err = svc.RecordPayment(ctx, Payment{ID: "pay-1", ProposalID: "prop-1", Amount: 300})
	require.NoError(t, err)
	loan, err := svc.RecordPayment(ctx, Payment{ID: "pay-1", ProposalID: "prop-1", Amount: 300})
	require.NoError(t, err)
	assert.Equal(t, int64(300), loan.AmountPaid)

	loan, err = svc.MarkRepaid(ctx, "prop-1")
	require.NoError(t, err)
	assert.NotNil(t, loan.RepaidAt)

	got, err := svc.Get(ctx, "prop-1")
	require.NoError(t, err)
	assert.Equal(t, "ctr-1", got.ContractID)
	assert.Equal(t, "esc1", got.EscrowID)
	assert.True(t, got.ContractSigned)
}
