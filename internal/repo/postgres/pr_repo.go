package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/forsitet/fwbot/internal/domain"
)

type PRRepo struct {
	db DBTX
}

const prColumns = `id, repository_id, number, target_id, head, state, label, author, reviewer, message,
       parent_id, source_id, limit_id, squash, commits_map, merged_at, reminder_backoff`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPR(row rowScanner) (domain.PullRequest, error) {
	var (
		pr         domain.PullRequest
		state      string
		parentID   sql.NullInt64
		sourceID   sql.NullInt64
		limitID    sql.NullInt64
		commitsRaw []byte
		mergedRaw  sql.NullTime
	)
	if err := row.Scan(
		&pr.ID, &pr.RepositoryID, &pr.Number, &pr.TargetID, &pr.Head, &state, &pr.Label,
		&pr.Author, &pr.Reviewer, &pr.Message, &parentID, &sourceID, &limitID, &pr.Squash,
		&commitsRaw, &mergedRaw, &pr.ReminderBackoff,
	); err != nil {
		return domain.PullRequest{}, err
	}

	pr.State = domain.PRState(state)
	pr.ParentID = parentID.Int64
	pr.SourceID = sourceID.Int64
	pr.LimitID = limitID.Int64
	if mergedRaw.Valid {
		pr.MergedAt = mergedRaw.Time
	}
	if len(commitsRaw) > 0 {
		if err := json.Unmarshal(commitsRaw, &pr.CommitsMap); err != nil {
			return domain.PullRequest{}, fmt.Errorf("decode commits map of %d: %w", pr.ID, err)
		}
	}
	return pr, nil
}

func nullID(id int64) sql.NullInt64 {
	return sql.NullInt64{Int64: id, Valid: id != 0}
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

func encodeCommitsMap(m map[string]string) (string, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("encode commits map: %w", err)
	}
	return string(b), nil
}

// CreatePR inserts pr and sets its ID.
func (r *PRRepo) CreatePR(ctx context.Context, pr *domain.PullRequest) error {
	commits, err := encodeCommitsMap(pr.CommitsMap)
	if err != nil {
		return err
	}
	state := pr.State
	if state == "" {
		state = domain.PRStateOpened
	}

	err = r.db.QueryRowContext(ctx,
		`INSERT INTO pull_requests (repository_id, number, target_id, head, state, label, author, reviewer,
                                    message, parent_id, source_id, limit_id, squash, commits_map, merged_at)
         VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
         RETURNING id, reminder_backoff`,
		pr.RepositoryID, pr.Number, pr.TargetID, pr.Head, string(state), pr.Label, pr.Author, pr.Reviewer,
		pr.Message, nullID(pr.ParentID), nullID(pr.SourceID), nullID(pr.LimitID), pr.Squash, commits,
		nullTime(pr.MergedAt),
	).Scan(&pr.ID, &pr.ReminderBackoff)
	if err != nil {
		return fmt.Errorf("insert pull_request %d: %w", pr.Number, err)
	}
	pr.State = state
	return nil
}

// UpdatePR writes every mutable column of pr.
func (r *PRRepo) UpdatePR(ctx context.Context, pr domain.PullRequest) error {
	commits, err := encodeCommitsMap(pr.CommitsMap)
	if err != nil {
		return err
	}
	res, err := r.db.ExecContext(ctx,
		`UPDATE pull_requests
         SET target_id = $2, head = $3, state = $4, label = $5, author = $6, reviewer = $7, message = $8,
             parent_id = $9, source_id = $10, limit_id = $11, squash = $12, commits_map = $13,
             merged_at = $14, reminder_backoff = $15
         WHERE id = $1`,
		pr.ID, pr.TargetID, pr.Head, string(pr.State), pr.Label, pr.Author, pr.Reviewer, pr.Message,
		nullID(pr.ParentID), nullID(pr.SourceID), nullID(pr.LimitID), pr.Squash, commits,
		nullTime(pr.MergedAt), pr.ReminderBackoff,
	)
	if err != nil {
		return fmt.Errorf("update pull_request %d: %w", pr.ID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("update pull_request %d: %w", pr.ID, domain.ErrNotFound)
	}
	return nil
}

func (r *PRRepo) GetPR(ctx context.Context, id int64) (domain.PullRequest, error) {
	pr, err := scanPR(r.db.QueryRowContext(ctx,
		`SELECT `+prColumns+` FROM pull_requests WHERE id = $1`,
		id,
	))
	if err != nil {
		return domain.PullRequest{}, fmt.Errorf("get pull_request %d: %w", id, mapError(err))
	}
	return pr, nil
}

func (r *PRRepo) PRByNumber(ctx context.Context, repositoryID int64, number int) (domain.PullRequest, error) {
	pr, err := scanPR(r.db.QueryRowContext(ctx,
		`SELECT `+prColumns+` FROM pull_requests WHERE repository_id = $1 AND number = $2`,
		repositoryID, number,
	))
	if err != nil {
		return domain.PullRequest{}, fmt.Errorf("get pull_request #%d: %w", number, mapError(err))
	}
	return pr, nil
}

// LockPR takes the row lock of a pull request without waiting; a held lock
// yields domain.ErrLocked.
func (r *PRRepo) LockPR(ctx context.Context, id int64) (domain.PullRequest, error) {
	pr, err := scanPR(r.db.QueryRowContext(ctx,
		`SELECT `+prColumns+` FROM pull_requests WHERE id = $1 FOR UPDATE NOWAIT`,
		id,
	))
	if err != nil {
		return domain.PullRequest{}, fmt.Errorf("lock pull_request %d: %w", id, mapError(err))
	}
	return pr, nil
}

func (r *PRRepo) listPRs(ctx context.Context, what, query string, args ...any) ([]domain.PullRequest, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", what, err)
	}
	defer func() { _ = rows.Close() }()

	result := make([]domain.PullRequest, 0)
	for rows.Next() {
		pr, err := scanPR(rows)
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", what, err)
		}
		result = append(result, pr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s: %w", what, err)
	}
	return result, nil
}

// Children returns the pull requests whose parent is parentID.
func (r *PRRepo) Children(ctx context.Context, parentID int64) ([]domain.PullRequest, error) {
	return r.listPRs(ctx, "children",
		`SELECT `+prColumns+` FROM pull_requests WHERE parent_id = $1 ORDER BY id`,
		parentID,
	)
}

// ForwardPorts returns every forward-port of sourceID, oldest first.
func (r *PRRepo) ForwardPorts(ctx context.Context, sourceID int64) ([]domain.PullRequest, error) {
	return r.listPRs(ctx, "forward-ports",
		`SELECT `+prColumns+` FROM pull_requests WHERE source_id = $1 ORDER BY id`,
		sourceID,
	)
}

// HasForwardPort reports whether sourceID already has a forward-port targeting targetID.
func (r *PRRepo) HasForwardPort(ctx context.Context, sourceID, targetID int64) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM pull_requests WHERE source_id = $1 AND target_id = $2)`,
		sourceID, targetID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check forward-port exists: %w", err)
	}
	return exists, nil
}

// OutstandingSources returns merged sources, merged before cutoff, that still
// have forward-ports neither merged nor closed.
func (r *PRRepo) OutstandingSources(ctx context.Context, cutoff time.Time) ([]domain.PullRequest, error) {
	return r.listPRs(ctx, "outstanding sources",
		`SELECT `+prColumns+` FROM pull_requests s
         WHERE s.state = 'merged' AND s.merged_at < $1
           AND EXISTS (
               SELECT 1 FROM pull_requests f
               WHERE f.source_id = s.id AND f.state NOT IN ('merged', 'closed')
           )
         ORDER BY s.merged_at, s.id`,
		cutoff,
	)
}

// InsertionCandidates returns the pull requests targeting lastBefore whose
// chain continues past a newly inserted branch: open forward-ports target one
// of after while their source targets one of before.
func (r *PRRepo) InsertionCandidates(ctx context.Context, before, after []int64, lastBefore int64) ([]domain.PullRequest, error) {
	return r.listPRs(ctx, "insertion candidates",
		`WITH spanning AS (
             SELECT DISTINCT l.source_id
             FROM pull_requests l
             JOIN pull_requests s ON s.id = l.source_id
             WHERE l.state NOT IN ('merged', 'closed')
               AND l.target_id = ANY($2)
               AND s.target_id = ANY($1)
         )
         SELECT `+prColumns+` FROM pull_requests
         WHERE target_id = $3
           AND (id IN (SELECT source_id FROM spanning) OR source_id IN (SELECT source_id FROM spanning))
         ORDER BY id`,
		before, after, lastBefore,
	)
}
