package postgres

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"time"

	"github.com/forsitet/fwbot/internal/queue"
)

// Backlog is a task table consumed by queue.Runner. Items are leased with a
// session advisory lock keyed by (class, hashint8(id)) so that concurrent
// workers and processes skip each other instead of blocking.
type Backlog struct {
	db    *sql.DB
	kind  string
	class int32
	table string

	// where selects the eligible rows; args are evaluated per call.
	where   string
	args    func() []any
	orderBy string

	onFail func(ctx context.Context, q DBTX, id int64) error

	// retryOn keeps a failed item untouched for the next pass.
	retryOn func(error) bool
}

var _ queue.Backlog[*Store] = (*Backlog)(nil)

// NewForwardPortBacklog serves forward-port tasks whose retry time has come.
// A failed task is kept and retried after retry.Delay(attempts).
func NewForwardPortBacklog(db *sql.DB, retry queue.RetryPolicy, now func() time.Time) *Backlog {
	return &Backlog{
		db:      db,
		kind:    "forwardport",
		class:   1,
		table:   "forwardport_tasks",
		where:   "retry_after <= $1",
		args:    func() []any { return []any{now()} },
		orderBy: "retry_after, id",
		onFail: func(ctx context.Context, q DBTX, id int64) error {
			var attempts int
			if err := q.QueryRowContext(ctx,
				`UPDATE forwardport_tasks SET attempts = attempts + 1 WHERE id = $1 RETURNING attempts`,
				id,
			).Scan(&attempts); err != nil {
				return fmt.Errorf("count attempt: %w", mapError(err))
			}
			if _, err := q.ExecContext(ctx,
				`UPDATE forwardport_tasks SET retry_after = $2 WHERE id = $1`,
				id, now().Add(retry.Delay(attempts)),
			); err != nil {
				return fmt.Errorf("reschedule: %w", err)
			}
			return nil
		},
	}
}

// NewUpdateBacklog serves update tasks oldest first. A failed task is dropped.
func NewUpdateBacklog(db *sql.DB) *Backlog {
	return &Backlog{
		db:      db,
		kind:    "update",
		class:   2,
		table:   "update_tasks",
		where:   "TRUE",
		args:    func() []any { return nil },
		orderBy: "id",
		onFail:  deleteTask("update_tasks"),
	}
}

// NewBranchRemovalBacklog serves removal tasks once their pull request has been
// merged for at least retention. A failed task is dropped.
func NewBranchRemovalBacklog(db *sql.DB, retention time.Duration, now func() time.Time) *Backlog {
	return &Backlog{
		db:      db,
		kind:    "branch_removal",
		class:   3,
		table:   "branch_removal_tasks",
		where:   "merged_at <= $1",
		args:    func() []any { return []any{now().Add(-retention)} },
		orderBy: "merged_at, id",
		onFail:  deleteTask("branch_removal_tasks"),
	}
}

func deleteTask(table string) func(context.Context, DBTX, int64) error {
	return func(ctx context.Context, q DBTX, id int64) error {
		if _, err := q.ExecContext(ctx, `DELETE FROM `+table+` WHERE id = $1`, id); err != nil {
			return fmt.Errorf("drop task: %w", err)
		}
		return nil
	}
}

// RetryOn makes failures matching pred leave the item as is, to be picked up
// again on the next pass instead of going through the backlog's failure policy.
func (b *Backlog) RetryOn(pred func(error) bool) *Backlog {
	b.retryOn = pred
	return b
}

func (b *Backlog) Kind() string {
	return b.kind
}

func (b *Backlog) Pending(ctx context.Context, limit int) ([]int64, error) {
	args := b.args()
	query := fmt.Sprintf(`SELECT id FROM %s WHERE %s ORDER BY %s LIMIT $%d`,
		b.table, b.where, b.orderBy, len(args)+1)

	rows, err := b.db.QueryContext(ctx, query, append(args, limit)...)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", b.table, err)
	}
	defer func() { _ = rows.Close() }()

	ids := make([]int64, 0, limit)
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan %s id: %w", b.table, err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s: %w", b.table, err)
	}
	return ids, nil
}

func (b *Backlog) Acquire(ctx context.Context, id int64) (queue.Lease[*Store], bool, error) {
	conn, err := b.db.Conn(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("get connection: %w", err)
	}

	var locked bool
	if err := conn.QueryRowContext(ctx,
		`SELECT pg_try_advisory_lock($1, hashint8($2))`, b.class, id,
	).Scan(&locked); err != nil {
		_ = conn.Close()
		return nil, false, fmt.Errorf("try lock: %w", err)
	}
	if !locked {
		_ = conn.Close()
		return nil, false, nil
	}

	l := &lease{backlog: b, conn: conn, id: id}

	// the row may have been completed or rescheduled between Pending and the lock
	args := b.args()
	var eligible bool
	err = conn.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT EXISTS (SELECT 1 FROM %s WHERE id = $%d AND %s)`, b.table, len(args)+1, b.where),
		append(args, id)...,
	).Scan(&eligible)
	if err != nil || !eligible {
		l.Release()
		if err != nil {
			return nil, false, fmt.Errorf("recheck %s %d: %w", b.table, id, err)
		}
		return nil, false, nil
	}

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		l.Release()
		return nil, false, fmt.Errorf("begin tx: %w", err)
	}
	l.tx = tx
	l.q = &querier{DBTX: tx}
	l.store = newStore(b.db, l.q, l.checkpoint)
	return l, true, nil
}

type lease struct {
	backlog *Backlog
	conn    *sql.Conn
	tx      *sql.Tx
	q       *querier
	store   *Store
	id      int64
}

func (l *lease) ID() int64 {
	return l.id
}

func (l *lease) Store() *Store {
	return l.store
}

func (l *lease) checkpoint(ctx context.Context) error {
	if err := l.tx.Commit(); err != nil {
		return fmt.Errorf("commit checkpoint: %w", err)
	}
	tx, err := l.conn.BeginTx(ctx, nil)
	if err != nil {
		l.tx = nil
		return fmt.Errorf("begin tx after checkpoint: %w", err)
	}
	l.tx = tx
	l.q.DBTX = tx
	return nil
}

func (l *lease) Complete(ctx context.Context) error {
	if l.tx == nil {
		return fmt.Errorf("%s %d: no open transaction", l.backlog.table, l.id)
	}
	if _, err := l.tx.ExecContext(ctx, `DELETE FROM `+l.backlog.table+` WHERE id = $1`, l.id); err != nil {
		return fmt.Errorf("delete %s %d: %w", l.backlog.table, l.id, err)
	}
	err := l.tx.Commit()
	l.tx = nil
	if err != nil {
		return fmt.Errorf("commit %s %d: %w", l.backlog.table, l.id, err)
	}
	return nil
}

func (l *lease) Fail(ctx context.Context, cause error) error {
	if l.tx != nil {
		// #nosec G104 -- the transaction may already be aborted
		_ = l.tx.Rollback()
		l.tx = nil
	}
	if l.backlog.retryOn != nil && l.backlog.retryOn(cause) {
		return nil
	}
	return l.backlog.onFail(ctx, l.conn, l.id)
}

func (l *lease) Release() {
	if l.tx != nil {
		_ = l.tx.Rollback()
		l.tx = nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := l.conn.ExecContext(ctx,
		`SELECT pg_advisory_unlock($1, hashint8($2))`, l.backlog.class, l.id,
	); err != nil {
		// a pooled session must not keep the lock: discard the connection
		_ = l.conn.Raw(func(any) error { return driver.ErrBadConn })
	}
	_ = l.conn.Close()
}
