package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/forsitet/fwbot/internal/cherrypick"
	"github.com/forsitet/fwbot/internal/domain"
	"github.com/forsitet/fwbot/internal/git"
)

// UpdateService regenerates the descendants of a pull request whose head was
// rewritten outside the bot.
type UpdateService struct {
	hosting HostingFactory
	tokens  Tokens
	porter  Porter
	logger  *slog.Logger
	suffix  func() (string, error)
}

func NewUpdateService(hosting HostingFactory, tokens Tokens, porter Porter, logger *slog.Logger) *UpdateService {
	return &UpdateService{
		hosting: hosting,
		tokens:  tokens,
		porter:  porter,
		logger:  logger,
		suffix:  randomSuffix,
	}
}

// Process runs update task taskID: every descendant of the task's new root,
// one hop at a time, is rebuilt from the new root's commits and force-pushed.
func (s *UpdateService) Process(ctx context.Context, st Store, taskID int64) error {
	task, err := st.GetUpdateTask(ctx, taskID)
	if err != nil {
		return err
	}
	newRoot, err := st.GetPR(ctx, task.NewRoot)
	if err != nil {
		return err
	}
	refs, err := loadRefs(ctx, st, newRoot)
	if err != nil {
		return err
	}
	repo, project := refs.repo, refs.project
	logger := s.logger.With("task", task.ID, "pr", displayName(repo, newRoot))

	token := s.tokens(project.Name)
	if token == "" {
		logger.Warn("can not update forward-ports: no token on project", "project", project.Name)
		return nil
	}
	if repo.ForkTarget == "" {
		logger.Error("can not update forward-ports: repository has no fork configured", "repo", repo.Name)
		return nil
	}
	hosting, err := s.hosting(ctx, token)
	if err != nil {
		return err
	}
	commits, err := hosting.ListPullCommits(ctx, repo.Name, newRoot.Number)
	if err != nil {
		return err
	}
	creds := git.Credentials{Login: project.BotLogin, Token: token}
	identity := git.Identity{Name: project.BotLogin, Email: project.BotEmail}

	previous := newRoot
	for {
		children, err := st.Children(ctx, previous.ID)
		if err != nil {
			return err
		}
		if len(children) == 0 {
			return nil
		}
		if len(children) > 1 {
			logger.Warn("pull request has several children, updating the oldest", "parent", displayName(repo, previous))
		}

		child, err := st.LockPR(ctx, children[0].ID)
		if err != nil {
			return fmt.Errorf("update descendant of %s: %w", displayName(repo, previous), err)
		}
		if child.IsClosedOrMerged() {
			notify(ctx, hosting, logger, repo, newRoot, fmt.Sprintf(
				"%s\nThis PR was updated but the forward-port %s is %s and can not be updated to match. "+
					"You may need to update the followups manually.\n",
				pingLine(newRoot), displayName(repo, child), child.State,
			))
			return nil
		}

		if err := s.regenerate(ctx, st, hosting, logger, repo, newRoot, commits, previous, &child, creds, identity); err != nil {
			return err
		}
		if err := st.Checkpoint(ctx); err != nil {
			return err
		}
		previous = child
	}
}

func (s *UpdateService) regenerate(
	ctx context.Context,
	st Store,
	hosting Hosting,
	logger *slog.Logger,
	repo domain.Repository,
	newRoot domain.PullRequest,
	commits []domain.Commit,
	previous domain.PullRequest,
	child *domain.PullRequest,
	creds git.Credentials,
	identity git.Identity,
) error {
	target, err := st.GetBranch(ctx, child.TargetID)
	if err != nil {
		return err
	}

	res, wc, err := s.porter.Port(ctx, PortRequest{
		Repo:     repo.Name,
		Branch:   target.Name,
		Prefix:   child.RefName(),
		Creds:    creds,
		Identity: identity,
		Fork:     repo.ForkTarget,
		Source: cherrypick.Source{
			Number:     newRoot.Number,
			Commits:    commits,
			CommitsMap: newRoot.CommitsMap,
			Fallback:   identity,
		},
	})
	if err != nil {
		return err
	}
	defer func() { _ = wc.Close() }()

	if c := res.Conflict; c != nil {
		body := updateConflictMessage(repo, previous, *child, target, c)
		notify(ctx, hosting, logger, repo, previous, body)
		notify(ctx, hosting, logger, repo, *child, body)
	}

	newHead, err := wc.Head()
	if err != nil {
		return err
	}
	oldHead := child.Head
	child.Head = newHead
	child.Squash = res.Commits == 1
	if err := st.UpdatePR(ctx, *child); err != nil {
		return err
	}

	// the new head must exist on the hosting side before the force-push
	suffix, err := s.suffix()
	if err != nil {
		return err
	}
	scratch := child.RefName() + ".tmp-" + suffix
	if err := wc.Push(ctx, git.PushOptions{Remote: "target", Ref: scratch}); err != nil {
		return err
	}
	if err := hosting.DeleteBranch(ctx, repo.ForkTarget, scratch); err != nil {
		logger.Warn("failed to delete scratch branch", "branch", scratch, "error", err)
	}

	err = wc.Push(ctx, git.PushOptions{
		Remote: "target",
		Ref:    child.RefName(),
		Mode:   git.PushForceWithLease,
		Expect: oldHead,
	})
	if errors.Is(err, git.ErrStaleLease) {
		logger.Warn("forward-port branch moved during the update", "pr", displayName(repo, *child), "expected", oldHead)
	}
	if err != nil {
		return err
	}
	logger.Info("updated forward-port", "pr", displayName(repo, *child), "head", newHead)
	return nil
}

func updateConflictMessage(repo domain.Repository, previous, child domain.PullRequest, target domain.Branch, c *cherrypick.Conflict) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s\nThe update of %s could not be forward-ported cleanly onto %s (%s), on commit %s.\n",
		pingLine(previous), displayName(repo, previous), target.Name, displayName(repo, child), c.SHA)
	if strings.TrimSpace(c.Stdout) != "" {
		fmt.Fprintf(&sb, "\nstdout:\n```\n%s\n```\n", c.Stdout)
	}
	if strings.TrimSpace(c.Stderr) != "" {
		fmt.Fprintf(&sb, "\nstderr:\n```\n%s\n```\n", c.Stderr)
	}
	return sb.String()
}
