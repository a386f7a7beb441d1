package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/forsitet/fwbot/internal/domain"
	"github.com/forsitet/fwbot/internal/git"
	"github.com/forsitet/fwbot/internal/github"
)

type ProjectStore interface {
	UpsertProject(ctx context.Context, name string) (domain.Project, error)
	SetProjectIdentity(ctx context.Context, id int64, login, email string) error
	GetProject(ctx context.Context, id int64) (domain.Project, error)
	UpsertRepository(ctx context.Context, repo domain.Repository) (domain.Repository, error)
	GetRepository(ctx context.Context, id int64) (domain.Repository, error)
	RepositoryByName(ctx context.Context, name string) (domain.Repository, error)
	UpsertBranch(ctx context.Context, b domain.Branch) (domain.Branch, error)
	GetBranch(ctx context.Context, id int64) (domain.Branch, error)
	BranchByName(ctx context.Context, projectID int64, name string) (domain.Branch, error)
	Branches(ctx context.Context, projectID int64) ([]domain.Branch, error)
}

type PRStore interface {
	CreatePR(ctx context.Context, pr *domain.PullRequest) error
	UpdatePR(ctx context.Context, pr domain.PullRequest) error
	GetPR(ctx context.Context, id int64) (domain.PullRequest, error)
	PRByNumber(ctx context.Context, repositoryID int64, number int) (domain.PullRequest, error)
	LockPR(ctx context.Context, id int64) (domain.PullRequest, error)
	Children(ctx context.Context, parentID int64) ([]domain.PullRequest, error)
	ForwardPorts(ctx context.Context, sourceID int64) ([]domain.PullRequest, error)
	HasForwardPort(ctx context.Context, sourceID, targetID int64) (bool, error)
	OutstandingSources(ctx context.Context, cutoff time.Time) ([]domain.PullRequest, error)
	InsertionCandidates(ctx context.Context, before, after []int64, lastBefore int64) ([]domain.PullRequest, error)
}

type BatchStore interface {
	CreateBatch(ctx context.Context, b *domain.Batch) error
	GetBatch(ctx context.Context, id int64) (domain.Batch, error)
	SetBatchActive(ctx context.Context, id int64, active bool) error
}

type TaskStore interface {
	EnqueueForwardPort(ctx context.Context, batchID int64, source domain.TaskSource) (int64, error)
	GetForwardPortTask(ctx context.Context, id int64) (domain.ForwardPortTask, error)
	EnqueueUpdate(ctx context.Context, originalRoot, newRoot int64) (int64, error)
	GetUpdateTask(ctx context.Context, id int64) (domain.UpdateTask, error)
	EnqueueBranchRemoval(ctx context.Context, prID int64, mergedAt time.Time) (int64, error)
	GetBranchRemovalTask(ctx context.Context, id int64) (domain.BranchRemovalTask, error)
}

// Store is the persistence of one unit of work.
type Store interface {
	ProjectStore
	PRStore
	BatchStore
	TaskStore

	// Checkpoint commits what has been written so far and keeps going.
	Checkpoint(ctx context.Context) error
}

// TxFunc runs fn against a store bound to a single transaction.
type TxFunc func(ctx context.Context, fn func(Store) error) error

// Hosting is the part of the hosting service API the bot uses.
type Hosting interface {
	ListPullCommits(ctx context.Context, repo string, number int) ([]domain.Commit, error)
	CreatePullRequest(ctx context.Context, repo string, pr github.NewPullRequest) (github.CreatedPullRequest, error)
	Comment(ctx context.Context, repo string, number int, body string) error
	AddLabels(ctx context.Context, repo string, number int, labels ...string) error
	BranchHead(ctx context.Context, repo, branch string) (sha string, found bool, err error)
	DeleteBranch(ctx context.Context, repo, branch string) error
	Identity(ctx context.Context) (github.Identity, error)
}

// HostingFactory returns a client acting with token.
type HostingFactory func(ctx context.Context, token string) (Hosting, error)

// Tokens resolves a project's API token; "" means none is configured.
type Tokens func(project string) string

// IsRace reports whether err comes from another actor holding or moving what a
// task needed: a locked row or a branch pushed to concurrently.
func IsRace(err error) bool {
	return errors.Is(err, domain.ErrLocked) || errors.Is(err, git.ErrStaleLease)
}

// prRefs are the records a pull request points to.
type prRefs struct {
	project domain.Project
	repo    domain.Repository
	target  domain.Branch
}

func loadRefs(ctx context.Context, s Store, pr domain.PullRequest) (prRefs, error) {
	repo, err := s.GetRepository(ctx, pr.RepositoryID)
	if err != nil {
		return prRefs{}, fmt.Errorf("load repository of #%d: %w", pr.Number, err)
	}
	project, err := s.GetProject(ctx, repo.ProjectID)
	if err != nil {
		return prRefs{}, fmt.Errorf("load project of %s: %w", repo.Name, err)
	}
	target, err := s.GetBranch(ctx, pr.TargetID)
	if err != nil {
		return prRefs{}, fmt.Errorf("load target of %s#%d: %w", repo.Name, pr.Number, err)
	}
	return prRefs{project: project, repo: repo, target: target}, nil
}

func displayName(repo domain.Repository, pr domain.PullRequest) string {
	return fmt.Sprintf("%s#%d", repo.Name, pr.Number)
}

// displayNameOf loads pr's repository to name it.
func displayNameOf(ctx context.Context, s Store, pr domain.PullRequest) (string, error) {
	repo, err := s.GetRepository(ctx, pr.RepositoryID)
	if err != nil {
		return "", fmt.Errorf("load repository of #%d: %w", pr.Number, err)
	}
	return displayName(repo, pr), nil
}

// rootOf walks the parent links up to the first parentless pull request.
func rootOf(ctx context.Context, s Store, pr domain.PullRequest) (domain.PullRequest, error) {
	for pr.ParentID != 0 {
		parent, err := s.GetPR(ctx, pr.ParentID)
		if err != nil {
			return domain.PullRequest{}, fmt.Errorf("load parent of #%d: %w", pr.Number, err)
		}
		pr = parent
	}
	return pr, nil
}

// sourceOf returns the pull request a chain was forward-ported from.
func sourceOf(ctx context.Context, s Store, pr domain.PullRequest) (domain.PullRequest, error) {
	if pr.SourceID == 0 {
		return pr, nil
	}
	src, err := s.GetPR(ctx, pr.SourceID)
	if err != nil {
		return domain.PullRequest{}, fmt.Errorf("load source of #%d: %w", pr.Number, err)
	}
	return src, nil
}

// pingLine mentions the author and reviewer of pr.
func pingLine(pr domain.PullRequest) string {
	line := "Ping"
	sep := " "
	for _, login := range []string{pr.Author, pr.Reviewer} {
		if login == "" {
			continue
		}
		line += sep + "@" + login
		sep = ", "
	}
	return line
}
