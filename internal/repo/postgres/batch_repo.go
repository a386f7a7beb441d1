package postgres

import (
	"context"
	"fmt"

	"github.com/forsitet/fwbot/internal/domain"
)

type BatchRepo struct {
	db DBTX
}

// CreateBatch inserts b with its pull requests in order and sets its ID.
func (r *BatchRepo) CreateBatch(ctx context.Context, b *domain.Batch) error {
	err := r.db.QueryRowContext(ctx,
		`INSERT INTO batches (target_id, active) VALUES ($1, $2) RETURNING id`,
		b.TargetID, b.Active,
	).Scan(&b.ID)
	if err != nil {
		return fmt.Errorf("insert batch: %w", err)
	}

	for i, prID := range b.PRIDs {
		if _, err := r.db.ExecContext(ctx,
			`INSERT INTO batch_pull_requests (batch_id, pr_id, position) VALUES ($1, $2, $3)`,
			b.ID, prID, i,
		); err != nil {
			return fmt.Errorf("add pull_request %d to batch %d: %w", prID, b.ID, err)
		}
	}
	return nil
}

func (r *BatchRepo) GetBatch(ctx context.Context, id int64) (domain.Batch, error) {
	b := domain.Batch{ID: id}
	err := r.db.QueryRowContext(ctx,
		`SELECT target_id, active FROM batches WHERE id = $1`,
		id,
	).Scan(&b.TargetID, &b.Active)
	if err != nil {
		return domain.Batch{}, fmt.Errorf("get batch %d: %w", id, mapError(err))
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT pr_id FROM batch_pull_requests WHERE batch_id = $1 ORDER BY position`,
		id,
	)
	if err != nil {
		return domain.Batch{}, fmt.Errorf("list batch %d pull_requests: %w", id, err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var prID int64
		if err := rows.Scan(&prID); err != nil {
			return domain.Batch{}, fmt.Errorf("scan batch pull_request: %w", err)
		}
		b.PRIDs = append(b.PRIDs, prID)
	}
	if err := rows.Err(); err != nil {
		return domain.Batch{}, fmt.Errorf("iterate batch pull_requests: %w", err)
	}
	return b, nil
}

func (r *BatchRepo) SetBatchActive(ctx context.Context, id int64, active bool) error {
	if _, err := r.db.ExecContext(ctx,
		`UPDATE batches SET active = $2 WHERE id = $1`,
		id, active,
	); err != nil {
		return fmt.Errorf("set batch %d active: %w", id, err)
	}
	return nil
}
