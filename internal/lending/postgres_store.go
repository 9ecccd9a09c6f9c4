package lending

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/mbd888/lendbridge/internal/storage"
)

// PostgresStore persists loans in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new PostgreSQL-backed loan store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const loanColumns = `proposal_id, credit_status, contract_id, contract_signed, signed_at,
		       amount_paid, repaid_at, escrow_id, created_at, updated_at`

func (p *PostgresStore) Get(ctx context.Context, proposalID string) (*Loan, error) {
	row := storage.Conn(ctx, p.db).QueryRowContext(ctx,
		`SELECT `+loanColumns+` FROM loans WHERE proposal_id = $1`, proposalID)
	return scanLoan(row)
}

func (p *PostgresStore) LockOrCreate(ctx context.Context, proposalID string, now time.Time) (*Loan, error) {
	if !storage.InTx(ctx) {
		return nil, storage.ErrNoTx
	}
	q := storage.Conn(ctx, p.db)
	if _, err := q.ExecContext(ctx, `
		INSERT INTO loans (proposal_id, created_at, updated_at)
		VALUES ($1, $2, $2)
		ON CONFLICT (proposal_id) DO NOTHING`, proposalID, now); err != nil {
		return nil, err
	}
	row := q.QueryRowContext(ctx,
		`SELECT `+loanColumns+` FROM loans WHERE proposal_id = $1 FOR UPDATE`, proposalID)
	return scanLoan(row)
}

func (p *PostgresStore) Update(ctx context.Context, l *Loan) error {
	result, err := storage.Conn(ctx, p.db).ExecContext(ctx, `
		UPDATE loans SET
			credit_status = $1, contract_id = $2, contract_signed = $3, signed_at = $4,
			amount_paid = $5, repaid_at = $6, escrow_id = $7, updated_at = $8
		WHERE proposal_id = $9`,
		nullString(l.CreditStatus), nullString(l.ContractID), l.ContractSigned, nullTime(l.SignedAt),
		l.AmountPaid, nullTime(l.RepaidAt), nullString(l.EscrowID), l.UpdatedAt,
		l.ProposalID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrLoanNotFound
	}
	return nil
}

// InsertPayment uses ON CONFLICT so a duplicate does not abort the
// surrounding transaction.
func (p *PostgresStore) InsertPayment(ctx context.Context, pay *Payment) error {
	result, err := storage.Conn(ctx, p.db).ExecContext(ctx, `
		INSERT INTO loan_payments (payment_id, proposal_id, amount, received_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (payment_id) DO NOTHING`,
		pay.ID, pay.ProposalID, pay.Amount, pay.ReceivedAt,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrDuplicatePayment
	}
	return nil
}

func (p *PostgresStore) Payments(ctx context.Context, proposalID string) ([]*Payment, error) {
	rows, err := storage.Conn(ctx, p.db).QueryContext(ctx, `
		SELECT payment_id, proposal_id, amount, received_at
		FROM loan_payments
		WHERE proposal_id = $1
		ORDER BY received_at`, proposalID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Payment
	for rows.Next() {
		var pay Payment
		if err := rows.Scan(&pay.ID, &pay.ProposalID, &pay.Amount, &pay.ReceivedAt); err != nil {
			return nil, err
		}
		result = append(result, &pay)
	}
	return result, rows.Err()
}

func scanLoan(row *sql.Row) (*Loan, error) {
	var (
		l            Loan
		creditStatus sql.NullString
		contractID   sql.NullString
		signedAt     sql.NullTime
		repaidAt     sql.NullTime
		escrowID     sql.NullString
	)
	err := row.Scan(&l.ProposalID, &creditStatus, &contractID, &l.ContractSigned, &signedAt,
		&l.AmountPaid, &repaidAt, &escrowID, &l.CreatedAt, &l.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrLoanNotFound
	}
	if err != nil {
		return nil, err
	}
	l.CreditStatus = creditStatus.String
	l.ContractID = contractID.String
	l.EscrowID = escrowID.String
	if signedAt.Valid {
		l.SignedAt = &signedAt.Time
	}
	if repaidAt.Valid {
		l.RepaidAt = &repaidAt.Time
	}
	return &l, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
