package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/forsitet/fwbot/internal/domain"
)

// DBTX is satisfied by *sql.DB, *sql.Conn and *sql.Tx.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// querier forwards to the current transaction; a checkpoint swaps it.
type querier struct {
	DBTX
}

// Store groups the repositories over one connection or transaction.
type Store struct {
	*ProjectRepo
	*PRRepo
	*BatchRepo
	*TaskRepo

	db         *sql.DB
	checkpoint func(ctx context.Context) error
}

// NewStore returns a store running every statement in its own transaction.
func NewStore(db *sql.DB) *Store {
	return newStore(db, &querier{DBTX: db}, nil)
}

func newStore(db *sql.DB, q *querier, checkpoint func(context.Context) error) *Store {
	return &Store{
		ProjectRepo: &ProjectRepo{db: q},
		PRRepo:      &PRRepo{db: q},
		BatchRepo:   &BatchRepo{db: q},
		TaskRepo:    &TaskRepo{db: q},
		db:          db,
		checkpoint:  checkpoint,
	}
}

// WithTx runs fn in a transaction committed when fn returns nil.
func (s *Store) WithTx(ctx context.Context, fn func(*Store) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		// #nosec G104 -- error is ignored in defer rollback
		_ = tx.Rollback()
	}()

	q := &querier{DBTX: tx}
	txStore := newStore(s.db, q, func(ctx context.Context) error {
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit checkpoint: %w", err)
		}
		next, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx after checkpoint: %w", err)
		}
		tx = next
		q.DBTX = next
		return nil
	})

	if err := fn(txStore); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// Checkpoint makes everything written so far durable. Outside a transaction
// it is a no-op.
func (s *Store) Checkpoint(ctx context.Context) error {
	if s.checkpoint == nil {
		return nil
	}
	return s.checkpoint(ctx)
}

const lockNotAvailable = "55P03"

// mapError turns driver errors the services care about into domain errors.
func mapError(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == lockNotAvailable {
		return fmt.Errorf("%w: %s", domain.ErrLocked, pgErr.Message)
	}
	return err
}
