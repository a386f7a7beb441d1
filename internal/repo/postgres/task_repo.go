package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/forsitet/fwbot/internal/domain"
)

type TaskRepo struct {
	db DBTX
}

func (r *TaskRepo) EnqueueForwardPort(ctx context.Context, batchID int64, source domain.TaskSource) (int64, error) {
	var id int64
	err := r.db.QueryRowContext(ctx,
		`INSERT INTO forwardport_tasks (batch_id, source) VALUES ($1, $2) RETURNING id`,
		batchID, string(source),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("enqueue forward-port of batch %d: %w", batchID, err)
	}
	return id, nil
}

func (r *TaskRepo) GetForwardPortTask(ctx context.Context, id int64) (domain.ForwardPortTask, error) {
	t := domain.ForwardPortTask{ID: id}
	var source string
	err := r.db.QueryRowContext(ctx,
		`SELECT batch_id, source, retry_after, attempts FROM forwardport_tasks WHERE id = $1`,
		id,
	).Scan(&t.BatchID, &source, &t.RetryAfter, &t.Attempts)
	if err != nil {
		return domain.ForwardPortTask{}, fmt.Errorf("get forward-port task %d: %w", id, mapError(err))
	}
	t.Source = domain.TaskSource(source)
	return t, nil
}

func (r *TaskRepo) EnqueueUpdate(ctx context.Context, originalRoot, newRoot int64) (int64, error) {
	var id int64
	err := r.db.QueryRowContext(ctx,
		`INSERT INTO update_tasks (original_root, new_root) VALUES ($1, $2) RETURNING id`,
		originalRoot, newRoot,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("enqueue update of %d: %w", newRoot, err)
	}
	return id, nil
}

func (r *TaskRepo) GetUpdateTask(ctx context.Context, id int64) (domain.UpdateTask, error) {
	t := domain.UpdateTask{ID: id}
	err := r.db.QueryRowContext(ctx,
		`SELECT original_root, new_root FROM update_tasks WHERE id = $1`,
		id,
	).Scan(&t.OriginalRoot, &t.NewRoot)
	if err != nil {
		return domain.UpdateTask{}, fmt.Errorf("get update task %d: %w", id, mapError(err))
	}
	return t, nil
}

func (r *TaskRepo) EnqueueBranchRemoval(ctx context.Context, prID int64, mergedAt time.Time) (int64, error) {
	var id int64
	err := r.db.QueryRowContext(ctx,
		`INSERT INTO branch_removal_tasks (pr_id, merged_at) VALUES ($1, $2) RETURNING id`,
		prID, mergedAt,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("enqueue branch removal of %d: %w", prID, err)
	}
	return id, nil
}

func (r *TaskRepo) GetBranchRemovalTask(ctx context.Context, id int64) (domain.BranchRemovalTask, error) {
	t := domain.BranchRemovalTask{ID: id}
	err := r.db.QueryRowContext(ctx,
		`SELECT pr_id, merged_at FROM branch_removal_tasks WHERE id = $1`,
		id,
	).Scan(&t.PRID, &t.MergedAt)
	if err != nil {
		return domain.BranchRemovalTask{}, fmt.Errorf("get branch removal task %d: %w", id, mapError(err))
	}
	return t, nil
}

// QueueCounts is the number of items in each backlog.
type QueueCounts struct {
	ForwardPort   int64 `json:"forwardport"`
	Update        int64 `json:"update"`
	BranchRemoval int64 `json:"branch_removal"`
}

func (r *TaskRepo) QueueCounts(ctx context.Context) (QueueCounts, error) {
	var c QueueCounts
	err := r.db.QueryRowContext(ctx,
		`SELECT
             (SELECT COUNT(*) FROM forwardport_tasks),
             (SELECT COUNT(*) FROM update_tasks),
             (SELECT COUNT(*) FROM branch_removal_tasks)`,
	).Scan(&c.ForwardPort, &c.Update, &c.BranchRemoval)
	if err != nil {
		return QueueCounts{}, fmt.Errorf("count queues: %w", err)
	}
	return c, nil
}
