package postgres

import (
	"context"
	"fmt"

	"github.com/forsitet/fwbot/internal/domain"
)

type ProjectRepo struct {
	db DBTX
}

func (r *ProjectRepo) UpsertProject(ctx context.Context, name string) (domain.Project, error) {
	var p domain.Project
	err := r.db.QueryRowContext(ctx,
		`INSERT INTO projects (name) VALUES ($1)
         ON CONFLICT (name) DO UPDATE SET name = EXCLUDED.name
         RETURNING id, name, bot_login, bot_email`,
		name,
	).Scan(&p.ID, &p.Name, &p.BotLogin, &p.BotEmail)
	if err != nil {
		return domain.Project{}, fmt.Errorf("upsert project %s: %w", name, err)
	}
	return p, nil
}

func (r *ProjectRepo) SetProjectIdentity(ctx context.Context, id int64, login, email string) error {
	if _, err := r.db.ExecContext(ctx,
		`UPDATE projects SET bot_login = $2, bot_email = $3 WHERE id = $1`,
		id, login, email,
	); err != nil {
		return fmt.Errorf("set project identity: %w", err)
	}
	return nil
}

func (r *ProjectRepo) GetProject(ctx context.Context, id int64) (domain.Project, error) {
	var p domain.Project
	err := r.db.QueryRowContext(ctx,
		`SELECT id, name, bot_login, bot_email FROM projects WHERE id = $1`,
		id,
	).Scan(&p.ID, &p.Name, &p.BotLogin, &p.BotEmail)
	if err != nil {
		return domain.Project{}, fmt.Errorf("get project %d: %w", id, mapError(err))
	}
	return p, nil
}

func (r *ProjectRepo) UpsertRepository(ctx context.Context, repo domain.Repository) (domain.Repository, error) {
	err := r.db.QueryRowContext(ctx,
		`INSERT INTO repositories (project_id, name, fork_target) VALUES ($1, $2, $3)
         ON CONFLICT (name) DO UPDATE
             SET project_id = EXCLUDED.project_id,
                 fork_target = EXCLUDED.fork_target
         RETURNING id`,
		repo.ProjectID, repo.Name, repo.ForkTarget,
	).Scan(&repo.ID)
	if err != nil {
		return domain.Repository{}, fmt.Errorf("upsert repository %s: %w", repo.Name, err)
	}
	return repo, nil
}

func (r *ProjectRepo) GetRepository(ctx context.Context, id int64) (domain.Repository, error) {
	var repo domain.Repository
	err := r.db.QueryRowContext(ctx,
		`SELECT id, project_id, name, fork_target FROM repositories WHERE id = $1`,
		id,
	).Scan(&repo.ID, &repo.ProjectID, &repo.Name, &repo.ForkTarget)
	if err != nil {
		return domain.Repository{}, fmt.Errorf("get repository %d: %w", id, mapError(err))
	}
	return repo, nil
}

func (r *ProjectRepo) RepositoryByName(ctx context.Context, name string) (domain.Repository, error) {
	var repo domain.Repository
	err := r.db.QueryRowContext(ctx,
		`SELECT id, project_id, name, fork_target FROM repositories WHERE name = $1`,
		name,
	).Scan(&repo.ID, &repo.ProjectID, &repo.Name, &repo.ForkTarget)
	if err != nil {
		return domain.Repository{}, fmt.Errorf("get repository %s: %w", name, mapError(err))
	}
	return repo, nil
}

func (r *ProjectRepo) UpsertBranch(ctx context.Context, b domain.Branch) (domain.Branch, error) {
	err := r.db.QueryRowContext(ctx,
		`INSERT INTO branches (project_id, name, sequence, active, fp_target) VALUES ($1, $2, $3, $4, $5)
         ON CONFLICT (project_id, name) DO UPDATE
             SET sequence = EXCLUDED.sequence,
                 active = EXCLUDED.active,
                 fp_target = EXCLUDED.fp_target
         RETURNING id`,
		b.ProjectID, b.Name, b.Sequence, b.Active, b.FPTarget,
	).Scan(&b.ID)
	if err != nil {
		return domain.Branch{}, fmt.Errorf("upsert branch %s: %w", b.Name, err)
	}
	return b, nil
}

const branchColumns = `id, project_id, name, sequence, active, fp_target`

func (r *ProjectRepo) GetBranch(ctx context.Context, id int64) (domain.Branch, error) {
	var b domain.Branch
	err := r.db.QueryRowContext(ctx,
		`SELECT `+branchColumns+` FROM branches WHERE id = $1`,
		id,
	).Scan(&b.ID, &b.ProjectID, &b.Name, &b.Sequence, &b.Active, &b.FPTarget)
	if err != nil {
		return domain.Branch{}, fmt.Errorf("get branch %d: %w", id, mapError(err))
	}
	return b, nil
}

func (r *ProjectRepo) BranchByName(ctx context.Context, projectID int64, name string) (domain.Branch, error) {
	var b domain.Branch
	err := r.db.QueryRowContext(ctx,
		`SELECT `+branchColumns+` FROM branches WHERE project_id = $1 AND name = $2`,
		projectID, name,
	).Scan(&b.ID, &b.ProjectID, &b.Name, &b.Sequence, &b.Active, &b.FPTarget)
	if err != nil {
		return domain.Branch{}, fmt.Errorf("get branch %s: %w", name, mapError(err))
	}
	return b, nil
}

// Branches returns every branch of the project, disabled ones included, in
// forward-port order.
func (r *ProjectRepo) Branches(ctx context.Context, projectID int64) ([]domain.Branch, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+branchColumns+` FROM branches WHERE project_id = $1 ORDER BY sequence, name`,
		projectID,
	)
	if err != nil {
		return nil, fmt.Errorf("list branches: %w", err)
	}
	defer func() { _ = rows.Close() }()

	result := make([]domain.Branch, 0)
	for rows.Next() {
		var b domain.Branch
		if err := rows.Scan(&b.ID, &b.ProjectID, &b.Name, &b.Sequence, &b.Active, &b.FPTarget); err != nil {
			return nil, fmt.Errorf("scan branch: %w", err)
		}
		result = append(result, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate branches: %w", err)
	}
	return result, nil
}
