package escrow

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/lendbridge/internal/pagination"
	"github.com/mbd888/lendbridge/internal/storage"
)

// PostgresStore persists escrow data in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed escrow store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, e *Escrow) error {
	_, err := storage.Conn(ctx, p.db).ExecContext(ctx, `
		INSERT INTO escrows (
			id, contract_address, borrower_addr, lender_addr, arbitrator_addr,
			amount, status, pending_action, pending_since,
			dispute_reason, disputed_by, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		e.ID, e.ContractAddress, e.Borrower, e.Lender, e.Arbitrator,
		e.Amount, string(e.Status), nullString(string(e.PendingAction)), nullTime(e.PendingSince),
		nullString(e.DisputeReason), nullString(e.DisputedBy), e.CreatedAt, e.UpdatedAt,
	)
	if storage.IsUniqueViolation(err) {
		return ErrEscrowExists
	}
	return err
}

const escrowColumns = `id, contract_address, borrower_addr, lender_addr, arbitrator_addr,
		       amount, status, pending_action, pending_since,
		       dispute_reason, disputed_by, created_at, updated_at`

func (p *PostgresStore) Get(ctx context.Context, id string) (*Escrow, error) {
	row := storage.Conn(ctx, p.db).QueryRowContext(ctx,
		`SELECT `+escrowColumns+` FROM escrows WHERE id = $1`, id)
	return scanOne(row)
}

// GetForUpdate must run inside storage.Transactor.WithinTx for the lock to
// outlive the statement.
func (p *PostgresStore) GetForUpdate(ctx context.Context, id string) (*Escrow, error) {
	if !storage.InTx(ctx) {
		return nil, storage.ErrNoTx
	}
	row := storage.Conn(ctx, p.db).QueryRowContext(ctx,
		`SELECT `+escrowColumns+` FROM escrows WHERE id = $1 FOR UPDATE`, id)
	return scanOne(row)
}

func (p *PostgresStore) GetByContract(ctx context.Context, contractAddress string) (*Escrow, error) {
	row := storage.Conn(ctx, p.db).QueryRowContext(ctx,
		`SELECT `+escrowColumns+` FROM escrows WHERE lower(contract_address) = lower($1)`, contractAddress)
	return scanOne(row)
}

func (p *PostgresStore) Update(ctx context.Context, e *Escrow) error {
	result, err := storage.Conn(ctx, p.db).ExecContext(ctx, `
		UPDATE escrows SET
			status = $1, pending_action = $2, pending_since = $3,
			dispute_reason = $4, disputed_by = $5, updated_at = $6
		WHERE id = $7`,
		string(e.Status), nullString(string(e.PendingAction)), nullTime(e.PendingSince),
		nullString(e.DisputeReason), nullString(e.DisputedBy), e.UpdatedAt,
		e.ID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrEscrowNotFound
	}
	return nil
}

func (p *PostgresStore) AppendEvent(ctx context.Context, ev *Event) error {
	meta := []byte("{}")
	if len(ev.Metadata) > 0 {
		b, err := json.Marshal(ev.Metadata)
		if err != nil {
			return fmt.Errorf("marshal event metadata: %w", err)
		}
		meta = b
	}
	return storage.Conn(ctx, p.db).QueryRowContext(ctx, `
		INSERT INTO escrow_events (escrow_id, event_type, amount, tx_hash, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`,
		ev.EscrowID, string(ev.Type), ev.Amount, nullString(ev.TxHash), meta, ev.CreatedAt,
	).Scan(&ev.ID)
}

func (p *PostgresStore) Events(ctx context.Context, escrowID string) ([]*Event, error) {
	rows, err := storage.Conn(ctx, p.db).QueryContext(ctx, `
		SELECT id, escrow_id, event_type, amount, tx_hash, metadata, created_at
		FROM escrow_events
		WHERE escrow_id = $1
		ORDER BY id`, escrowID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Event
	for rows.Next() {
		var (
			ev     Event
			typ    string
			txHash sql.NullString
			meta   []byte
		)
		if err := rows.Scan(&ev.ID, &ev.EscrowID, &typ, &ev.Amount, &txHash, &meta, &ev.CreatedAt); err != nil {
			return nil, err
		}
		ev.Type = EventType(typ)
		ev.TxHash = txHash.String
		if len(meta) > 0 {
			_ = json.Unmarshal(meta, &ev.Metadata)
		}
		result = append(result, &ev)
	}
	return result, rows.Err()
}

func (p *PostgresStore) ListStuck(ctx context.Context, pendingBefore time.Time, limit int) ([]*Escrow, error) {
	rows, err := storage.Conn(ctx, p.db).QueryContext(ctx, `
		SELECT `+escrowColumns+`
		FROM escrows
		WHERE pending_action IS NOT NULL
		  AND pending_since < $1
		ORDER BY pending_since
		LIMIT $2`, pendingBefore, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanEscrows(rows)
}

func (p *PostgresStore) ListByStatus(ctx context.Context, status Status, after *pagination.Cursor, limit int) ([]*Escrow, error) {
	query := `
		SELECT ` + escrowColumns + `
		FROM escrows
		WHERE status = $1`
	args := []interface{}{string(status)}
	if after != nil {
		query += ` AND (created_at, id) < ($2, $3)`
		args = append(args, after.CreatedAt, after.ID)
	}
	args = append(args, limit)
	query += fmt.Sprintf(`
		ORDER BY created_at DESC, id DESC
		LIMIT $%d`, len(args))

	rows, err := storage.Conn(ctx, p.db).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanEscrows(rows)
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanOne(row *sql.Row) (*Escrow, error) {
	e, err := scanEscrow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEscrowNotFound
	}
	return e, err
}

func scanEscrow(s scanner) (*Escrow, error) {
	e := &Escrow{}
	var (
		status        string
		pendingAction sql.NullString
		pendingSince  sql.NullTime
		disputeRsn    sql.NullString
		disputedBy    sql.NullString
	)

	err := s.Scan(
		&e.ID, &e.ContractAddress, &e.Borrower, &e.Lender, &e.Arbitrator,
		&e.Amount, &status, &pendingAction, &pendingSince,
		&disputeRsn, &disputedBy, &e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	e.Status = Status(status)
	e.PendingAction = Status(pendingAction.String)
	e.DisputeReason = disputeRsn.String
	e.DisputedBy = disputedBy.String
	if pendingSince.Valid {
		e.PendingSince = &pendingSince.Time
	}
	return e, nil
}

func scanEscrows(rows *sql.Rows) ([]*Escrow, error) {
	var result []*Escrow
	for rows.Next() {
		e, err := scanEscrow(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullTime converts a *time.Time to sql.NullTime.
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
