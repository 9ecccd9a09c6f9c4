package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/mbd888/lendbridge/internal/retry"
)

// Querier is the subset of *sql.DB and *sql.Tx the stores use.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type sqlTxKey struct{}

type sqlTx struct {
	tx         *sql.Tx
	savepoints int
	hooks      []func()
}

// Conn returns the transaction carried by ctx, or db when there is none.
func Conn(ctx context.Context, db *sql.DB) Querier {
	if st, ok := ctx.Value(sqlTxKey{}).(*sqlTx); ok {
		return st.tx
	}
	return db
}

// InTx reports whether ctx carries a SQL transaction.
func InTx(ctx context.Context) bool {
	_, ok := ctx.Value(sqlTxKey{}).(*sqlTx)
	return ok
}

// SQLTransactor implements Transactor on database/sql.
type SQLTransactor struct {
	db          *sql.DB
	maxAttempts int
	baseDelay   time.Duration
}

var _ Transactor = (*SQLTransactor)(nil)

// NewSQLTransactor creates a transactor that retries serialization failures
// and deadlocks up to three times.
func NewSQLTransactor(db *sql.DB) *SQLTransactor {
	return &SQLTransactor{db: db, maxAttempts: 3, baseDelay: 20 * time.Millisecond}
}

// WithinTx runs fn in a READ COMMITTED transaction. Row locks taken with
// SELECT ... FOR UPDATE and advisory xact locks are held until it ends.
func (t *SQLTransactor) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if InTx(ctx) {
		return fn(ctx)
	}
	return retry.DoIf(ctx, t.maxAttempts, t.baseDelay, IsRetryableTxError, func() error {
		return t.run(ctx, fn)
	})
}

func (t *SQLTransactor) run(ctx context.Context, fn func(ctx context.Context) error) error {
	tx, err := t.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	st := &sqlTx{tx: tx}
	if err := fn(context.WithValue(ctx, sqlTxKey{}, st)); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	for _, hook := range st.hooks {
		hook()
	}
	return nil
}

// Savepoint wraps fn in SAVEPOINT / ROLLBACK TO SAVEPOINT.
func (t *SQLTransactor) Savepoint(ctx context.Context, fn func(ctx context.Context) error) error {
	st, ok := ctx.Value(sqlTxKey{}).(*sqlTx)
	if !ok {
		return ErrNoTx
	}
	st.savepoints++
	name := fmt.Sprintf("sp_%d", st.savepoints)
	hookMark := len(st.hooks)

	if _, err := st.tx.ExecContext(ctx, "SAVEPOINT "+name); err != nil {
		return fmt.Errorf("savepoint: %w", err)
	}
	if err := fn(ctx); err != nil {
		st.hooks = st.hooks[:hookMark]
		if _, rbErr := st.tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+name); rbErr != nil {
			return errors.Join(err, fmt.Errorf("rollback to savepoint: %w", rbErr))
		}
		return err
	}
	if _, err := st.tx.ExecContext(ctx, "RELEASE SAVEPOINT "+name); err != nil {
		return fmt.Errorf("release savepoint: %w", err)
	}
	return nil
}

// IsRetryableTxError reports serialization failures and deadlocks, which
// Postgres resolves by aborting one participant.
func IsRetryableTxError(err error) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	switch pqErr.Code {
	case "40001", "40P01":
		return true
	}
	return false
}

// IsUniqueViolation reports a unique constraint failure.
func IsUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
