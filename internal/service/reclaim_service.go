package service

import (
	"context"
	"log/slog"

	"github.com/forsitet/fwbot/internal/domain"
)

// ReclaimService deletes the branches of merged forward-ports.
type ReclaimService struct {
	hosting HostingFactory
	tokens  Tokens
	logger  *slog.Logger
}

func NewReclaimService(hosting HostingFactory, tokens Tokens, logger *slog.Logger) *ReclaimService {
	return &ReclaimService{hosting: hosting, tokens: tokens, logger: logger}
}

// Process runs branch removal task taskID. The branch is only deleted when it
// lives in the repository's fork and still points at the merged head; any
// other situation completes the task without touching the branch.
func (s *ReclaimService) Process(ctx context.Context, st Store, taskID int64) error {
	task, err := st.GetBranchRemovalTask(ctx, taskID)
	if err != nil {
		return err
	}
	pr, err := st.GetPR(ctx, task.PRID)
	if err != nil {
		return err
	}
	refs, err := loadRefs(ctx, st, pr)
	if err != nil {
		return err
	}
	repo := refs.repo
	logger := s.logger.With("task", task.ID, "pr", displayName(repo, pr), "label", pr.Label)

	if pr.State != domain.PRStateMerged {
		logger.Info("not deleting branch: pull request is not merged", "state", pr.State)
		return nil
	}
	if repo.ForkTarget == "" {
		logger.Info("not deleting branch: repository has no fork")
		return nil
	}
	if pr.LabelOwner() != repo.ForkOwner() {
		logger.Info("not deleting branch: not owned by the fork", "fork", repo.ForkTarget)
		return nil
	}

	token := s.tokens(refs.project.Name)
	if token == "" {
		logger.Warn("not deleting branch: no token on project", "project", refs.project.Name)
		return nil
	}
	hosting, err := s.hosting(ctx, token)
	if err != nil {
		return err
	}

	head, found, err := hosting.BranchHead(ctx, repo.ForkTarget, pr.RefName())
	if err != nil {
		return err
	}
	if !found {
		logger.Info("not deleting branch: already gone")
		return nil
	}
	if head != pr.Head {
		logger.Info("not deleting branch: head moved", "branch_head", head, "merged_head", pr.Head)
		return nil
	}

	if err := hosting.DeleteBranch(ctx, repo.ForkTarget, pr.RefName()); err != nil {
		return err
	}
	logger.Info("deleted branch")
	return nil
}
