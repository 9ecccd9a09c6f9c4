package webhooks

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/mbd888/lendbridge/internal/storage"
)

// PostgresStore persists deliveries in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new PostgreSQL-backed delivery store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Insert(ctx context.Context, ev *WebhookEvent) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO webhook_events (id, source, event_type, payload, signature, status, attempts, received_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		ev.ID, string(ev.Source), string(ev.EventType), ev.Payload, nullString(ev.Signature),
		string(ev.Status), ev.Attempts, ev.ReceivedAt,
	)
	return err
}

const eventColumns = `id, source, event_type, payload, signature, dedup_key, status,
		       duplicate_of, error_message, attempts, received_at, processed_at`

func (p *PostgresStore) Get(ctx context.Context, id string) (*WebhookEvent, error) {
	row := storage.Conn(ctx, p.db).QueryRowContext(ctx,
		`SELECT `+eventColumns+` FROM webhook_events WHERE id = $1`, id)
	return scanOne(row)
}

// GetForUpdate must run inside storage.Transactor.WithinTx.
func (p *PostgresStore) GetForUpdate(ctx context.Context, id string) (*WebhookEvent, error) {
	if !storage.InTx(ctx) {
		return nil, storage.ErrNoTx
	}
	row := storage.Conn(ctx, p.db).QueryRowContext(ctx,
		`SELECT `+eventColumns+` FROM webhook_events WHERE id = $1 FOR UPDATE`, id)
	return scanOne(row)
}

// LockKey takes a transaction-scoped advisory lock on the key's hash. Hash
// collisions only serialize unrelated keys, they never merge them.
func (p *PostgresStore) LockKey(ctx context.Context, dedupKey string) error {
	if !storage.InTx(ctx) {
		return storage.ErrNoTx
	}
	_, err := storage.Conn(ctx, p.db).ExecContext(ctx,
		`SELECT pg_advisory_xact_lock(hashtext($1))`, dedupKey)
	return err
}

func (p *PostgresStore) FindProcessed(ctx context.Context, dedupKey string) (*WebhookEvent, error) {
	row := storage.Conn(ctx, p.db).QueryRowContext(ctx, `
		SELECT `+eventColumns+`
		FROM webhook_events
		WHERE dedup_key = $1 AND status = 'PROCESSED' AND duplicate_of IS NULL`, dedupKey)
	return scanOne(row)
}

func (p *PostgresStore) Update(ctx context.Context, ev *WebhookEvent) error {
	result, err := storage.Conn(ctx, p.db).ExecContext(ctx, `
		UPDATE webhook_events SET
			dedup_key = $1, status = $2, duplicate_of = $3,
			error_message = $4, attempts = $5, processed_at = $6
		WHERE id = $7`,
		nullString(ev.DedupKey), string(ev.Status), nullString(ev.DuplicateOf),
		nullString(ev.ErrorMessage), ev.Attempts, nullTime(ev.ProcessedAt),
		ev.ID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrEventNotFound
	}
	return nil
}

func (p *PostgresStore) ListPending(ctx context.Context, receivedBefore time.Time, limit int) ([]*WebhookEvent, error) {
	rows, err := storage.Conn(ctx, p.db).QueryContext(ctx, `
		SELECT `+eventColumns+`
		FROM webhook_events
		WHERE status = 'PENDING' AND received_at < $1
		ORDER BY received_at
		LIMIT $2`, receivedBefore, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*WebhookEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, ev)
	}
	return result, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanOne(row *sql.Row) (*WebhookEvent, error) {
	ev, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEventNotFound
	}
	return ev, err
}

func scanEvent(s scanner) (*WebhookEvent, error) {
	ev := &WebhookEvent{}
	var (
		source, eventType, status string
		signature, dedupKey       sql.NullString
		duplicateOf, errMsg       sql.NullString
		processedAt               sql.NullTime
	)
	err := s.Scan(
		&ev.ID, &source, &eventType, &ev.Payload, &signature, &dedupKey, &status,
		&duplicateOf, &errMsg, &ev.Attempts, &ev.ReceivedAt, &processedAt,
	)
	if err != nil {
		return nil, err
	}
	ev.Source = Source(source)
	ev.EventType = EventType(eventType)
	ev.Status = Status(status)
	ev.Signature = signature.String
	ev.DedupKey = dedupKey.String
	ev.DuplicateOf = duplicateOf.String
	ev.ErrorMessage = errMsg.String
	if processedAt.Valid {
		ev.ProcessedAt = &processedAt.Time
	}
	return ev, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
