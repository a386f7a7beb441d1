package service

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/forsitet/fwbot/internal/cherrypick"
	"github.com/forsitet/fwbot/internal/domain"
	"github.com/forsitet/fwbot/internal/git"
	"github.com/forsitet/fwbot/internal/github"
)

const (
	labelForwardPort = "forwardport"
	labelConflict    = "conflict"
)

// ForwardPortService creates the next link of forward-port chains.
type ForwardPortService struct {
	hosting HostingFactory
	tokens  Tokens
	porter  Porter
	logger  *slog.Logger
	suffix  func() (string, error)
}

func NewForwardPortService(hosting HostingFactory, tokens Tokens, porter Porter, logger *slog.Logger) *ForwardPortService {
	return &ForwardPortService{
		hosting: hosting,
		tokens:  tokens,
		porter:  porter,
		logger:  logger,
		suffix:  randomSuffix,
	}
}

func randomSuffix() (string, error) {
	b := make([]byte, 3)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate branch suffix: %w", err)
	}
	return base64.URLEncoding.EncodeToString(b), nil
}

// Process runs forward-port task taskID. The task's batch is deactivated
// once it has been handled, whatever the outcome short of an error.
func (s *ForwardPortService) Process(ctx context.Context, st Store, taskID int64) error {
	task, err := st.GetForwardPortTask(ctx, taskID)
	if err != nil {
		return err
	}
	batch, err := st.GetBatch(ctx, task.BatchID)
	if err != nil {
		return err
	}
	logger := s.logger.With("task", task.ID, "batch", batch.ID, "source", string(task.Source))

	// insertion batches are created inactive on purpose
	if !batch.Active && task.Source != domain.TaskSourceInsert {
		logger.Info("batch is inactive, skipping")
		return nil
	}

	prs := make([]domain.PullRequest, 0, len(batch.PRIDs))
	withParent := 0
	for _, id := range batch.PRIDs {
		pr, err := st.GetPR(ctx, id)
		if err != nil {
			return fmt.Errorf("load batch pull request: %w", err)
		}
		if pr.ParentID != 0 {
			withParent++
		}
		prs = append(prs, pr)
	}
	if withParent > 0 && withParent != len(prs) {
		logger.Warn("only part of the batch has parents", "with_parent", withParent, "size", len(prs))
	}

	var next *domain.Batch
	if len(prs) > 0 {
		next, err = s.portForward(ctx, st, logger, task.Source, prs)
		if err != nil {
			return err
		}
	}
	if next != nil {
		logger.Info("forward-ported batch", "new_batch", next.ID, "prs", next.PRIDs)
	} else {
		logger.Info("batch reached the end of the sequence or can not be ported")
	}
	return st.SetBatchActive(ctx, batch.ID, false)
}

// ported is the outcome of porting one pull request of a batch.
type ported struct {
	pr     domain.PullRequest
	source domain.PullRequest
	repo   domain.Repository
	result cherrypick.Result
	head   string
	next   domain.PullRequest
}

func (s *ForwardPortService) portForward(
	ctx context.Context,
	st Store,
	logger *slog.Logger,
	origin domain.TaskSource,
	prs []domain.PullRequest,
) (*domain.Batch, error) {
	refs, err := loadRefs(ctx, st, prs[0])
	if err != nil {
		return nil, err
	}
	project := refs.project
	branches, err := st.Branches(ctx, project.ID)
	if err != nil {
		return nil, err
	}

	items := make([]*ported, len(prs))
	targets := make([]*domain.Branch, len(prs))
	for i, pr := range prs {
		src, err := sourceOf(ctx, st, pr)
		if err != nil {
			return nil, err
		}
		repo, err := st.GetRepository(ctx, pr.RepositoryID)
		if err != nil {
			return nil, fmt.Errorf("load repository of #%d: %w", pr.Number, err)
		}
		items[i] = &ported{pr: pr, source: src, repo: repo}
		targets[i] = NextTarget(branches, src, pr)
	}
	refName := displayName(items[0].repo, prs[0])
	base, target := items[0].source, targets[0]

	if target == nil {
		logger.Info("will not forward-port: no next target", "pr", refName)
		return nil, nil
	}
	for _, it := range items {
		done, err := st.HasForwardPort(ctx, it.source.ID, target.ID)
		if err != nil {
			return nil, err
		}
		if done {
			logger.Info("will not forward-port: already ported", "pr", refName, "target", target.Name)
			return nil, nil
		}
	}

	token := s.tokens(project.Name)
	if token == "" {
		logger.Warn("can not forward-port: no token on project", "pr", refName, "project", project.Name)
		return nil, nil
	}
	hosting, err := s.hosting(ctx, token)
	if err != nil {
		return nil, err
	}

	if slices.ContainsFunc(targets, func(t *domain.Branch) bool { return !sameBranch(t, target) }) {
		s.cancelDifferentTargets(ctx, hosting, logger, items, targets)
		return nil, nil
	}

	if project.BotLogin == "" || project.BotEmail == "" {
		logger.Warn("can not forward-port: bot identity of project is unknown", "pr", refName, "project", project.Name)
		return nil, nil
	}
	var noFork []string
	for _, it := range items {
		if it.repo.ForkTarget == "" {
			noFork = append(noFork, it.repo.Name)
		}
	}
	if len(noFork) > 0 {
		logger.Error("can not forward-port: repositories have no fork configured",
			"pr", refName, "repos", strings.Join(noFork, ", "))
		return nil, nil
	}

	suffix, err := s.suffix()
	if err != nil {
		return nil, err
	}
	branch := fmt.Sprintf("%s-%s-%s-fw", target.Name, base.RefName(), suffix)
	creds := git.Credentials{Login: project.BotLogin, Token: token}
	identity := git.Identity{Name: project.BotLogin, Email: project.BotEmail}

	for _, it := range items {
		if err := s.portOne(ctx, st, hosting, it, *target, branch, creds, identity); err != nil {
			return nil, err
		}
	}
	conflicted := slices.ContainsFunc(items, func(it *ported) bool { return it.result.Conflict != nil })

	for _, it := range items {
		if err := s.open(ctx, st, hosting, logger, origin, items, it, *target, branch, project, conflicted); err != nil {
			return nil, err
		}
	}
	// every pull request of the batch exists upstream from here on; a failure
	// before this point rolls back all of their records so a retry ports the
	// whole batch again
	if err := st.Checkpoint(ctx); err != nil {
		return nil, err
	}

	for _, it := range items {
		body, err := s.followUp(ctx, st, branches, items, it, *target, conflicted)
		if err != nil {
			return nil, err
		}
		notify(ctx, hosting, logger, it.repo, it.next, body)

		labels := []string{labelForwardPort}
		if conflicted {
			labels = append(labels, labelConflict)
		}
		if err := hosting.AddLabels(ctx, it.repo.Name, it.next.Number, labels...); err != nil {
			logger.Warn("failed to label forward-port", "pr", displayName(it.repo, it.next), "error", err)
		}
	}

	batch := &domain.Batch{TargetID: target.ID, Active: !conflicted}
	for _, it := range items {
		batch.PRIDs = append(batch.PRIDs, it.next.ID)
	}
	if err := st.CreateBatch(ctx, batch); err != nil {
		return nil, err
	}
	if !conflicted && origin != domain.TaskSourceInsert {
		if _, err := st.EnqueueForwardPort(ctx, batch.ID, domain.TaskSourceFP); err != nil {
			return nil, err
		}
	}
	return batch, nil
}

func sameBranch(a, b *domain.Branch) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.ID == b.ID
}

func branchName(b *domain.Branch) string {
	if b == nil {
		return "none"
	}
	return b.Name
}

// cancelDifferentTargets tells every pull request of a batch whose members
// would move to different branches why it is not forward-ported.
func (s *ForwardPortService) cancelDifferentTargets(
	ctx context.Context,
	hosting Hosting,
	logger *slog.Logger,
	items []*ported,
	targets []*domain.Branch,
) {
	target := targets[0]
	var different *domain.Branch
	var differentPR *ported
	for i, t := range targets {
		if !sameBranch(t, target) {
			different, differentPR = t, items[i]
			break
		}
	}

	for i, it := range items {
		linked, other := differentPR, different
		if !sameBranch(targets[i], target) {
			linked, other = items[0], target
		}
		notify(ctx, hosting, logger, it.repo, it.pr, fmt.Sprintf(
			"This pull request can not be forward ported: next branch is %q but linked pull request %s has a next branch %q.",
			branchName(targets[i]), displayName(linked.repo, linked.pr), branchName(other),
		))
	}
	logger.Warn("cancelling forward-port: batch has different next branches",
		"pr", displayName(items[0].repo, items[0].pr))
}

// portOne replays the commits of the chain root of it.pr onto target and
// pushes the result to branch in the fork.
func (s *ForwardPortService) portOne(
	ctx context.Context,
	st Store,
	hosting Hosting,
	it *ported,
	target domain.Branch,
	branch string,
	creds git.Credentials,
	identity git.Identity,
) error {
	root, err := rootOf(ctx, st, it.pr)
	if err != nil {
		return err
	}
	commits, err := hosting.ListPullCommits(ctx, it.repo.Name, root.Number)
	if err != nil {
		return err
	}

	res, wc, err := s.porter.Port(ctx, PortRequest{
		Repo:     it.repo.Name,
		Branch:   target.Name,
		Prefix:   branch,
		Creds:    creds,
		Identity: identity,
		Fork:     it.repo.ForkTarget,
		Source: cherrypick.Source{
			Number:     root.Number,
			Commits:    commits,
			CommitsMap: root.CommitsMap,
			Fallback:   identity,
		},
	})
	if err != nil {
		return err
	}
	defer func() { _ = wc.Close() }()

	head, err := wc.Head()
	if err != nil {
		return err
	}
	if err := wc.Push(ctx, git.PushOptions{Remote: "target", Ref: branch}); err != nil {
		return err
	}
	it.result, it.head = res, head
	return nil
}

// forwardPortMessage appends the Forward-Port-Of trailers to the source's message.
func forwardPortMessage(message string, of ...string) string {
	var trailers []string
	for _, name := range of {
		line := "Forward-Port-Of: " + name
		if !slices.Contains(trailers, line) {
			trailers = append(trailers, line)
		}
	}
	return message + "\n\n" + strings.Join(trailers, "\n")
}

// splitMessage separates the first line of a commit message from the rest.
func splitMessage(message string) (title, body string) {
	title, body, _ = strings.Cut(message, "\n")
	return title, strings.TrimLeft(body, "\n")
}

// open creates and records the forward-port pull request of it.
func (s *ForwardPortService) open(
	ctx context.Context,
	st Store,
	hosting Hosting,
	logger *slog.Logger,
	origin domain.TaskSource,
	items []*ported,
	it *ported,
	target domain.Branch,
	branch string,
	project domain.Project,
	conflicted bool,
) error {
	root, err := rootOf(ctx, st, it.pr)
	if err != nil {
		return err
	}
	message := forwardPortMessage(it.source.Message, displayName(it.repo, root), displayName(it.repo, it.source))

	title, body := splitMessage(message)
	sep := " "
	if strings.HasPrefix(title, "[") {
		sep = ""
	}
	title = "[FW]" + sep + title
	if conflicted {
		title += " (failed)"
	}

	owner := it.repo.ForkOwner()
	created, err := hosting.CreatePullRequest(ctx, it.repo.Name, github.NewPullRequest{
		Title: title,
		Body:  body,
		Head:  owner + ":" + branch,
		Base:  target.Name,
	})
	if err != nil {
		logger.Warn("failed to create forward-port, deleting branches", "pr", displayName(it.repo, it.pr), "error", err)
		for _, other := range items {
			if derr := hosting.DeleteBranch(ctx, other.repo.ForkTarget, branch); derr != nil {
				logger.Warn("failed to delete forward-port branch", "repo", other.repo.ForkTarget, "branch", branch, "error", derr)
				continue
			}
			logger.Info("deleted forward-port branch", "repo", other.repo.ForkTarget, "branch", branch)
		}
		return fmt.Errorf("create forward-port of %s: %w", displayName(it.repo, it.pr), err)
	}

	var stitched []domain.PullRequest
	if origin == domain.TaskSourceInsert {
		if stitched, err = st.Children(ctx, it.pr.ID); err != nil {
			return err
		}
	}

	head := created.Head
	if head == "" {
		head = it.head
	}
	next := domain.PullRequest{
		RepositoryID: it.repo.ID,
		Number:       created.Number,
		TargetID:     target.ID,
		Head:         head,
		State:        domain.PRStateOpened,
		Label:        owner + ":" + branch,
		Author:       project.BotLogin,
		Message:      message,
		SourceID:     it.source.ID,
		LimitID:      it.source.LimitID,
		Squash:       it.result.Commits == 1,
	}
	// only a clean port continues the chain
	if !conflicted {
		next.ParentID = it.pr.ID
	}
	if err := st.CreatePR(ctx, &next); err != nil {
		return err
	}
	it.next = next
	logger.Info("created forward-port", "pr", displayName(it.repo, next), "of", displayName(it.repo, it.pr))

	for _, child := range stitched {
		child.ParentID = next.ID
		if err := st.UpdatePR(ctx, child); err != nil {
			return err
		}
		logger.Info("re-parented forward-port onto inserted branch",
			"pr", displayName(it.repo, child), "parent", displayName(it.repo, next))
	}

	if conflicted && it.pr.ParentID != 0 && !it.pr.IsClosedOrMerged() {
		notify(ctx, hosting, logger, it.repo, it.pr, fmt.Sprintf(
			"%s\nThe next pull request (%s) is in conflict. You can merge the chain up to here by approving this one.\n",
			pingLine(it.source), displayName(it.repo, next),
		))
	}
	return nil
}

// followUp composes the comment explaining a new forward-port to its reviewers.
func (s *ForwardPortService) followUp(
	ctx context.Context,
	st Store,
	branches []domain.Branch,
	items []*ported,
	it *ported,
	target domain.Branch,
	conflicted bool,
) (string, error) {
	ping := pingLine(it.source)

	if c := it.result.Conflict; c != nil {
		var sb strings.Builder
		fmt.Fprintf(&sb, "%s cherrypicking of pull request %s failed.\n", ping, displayName(it.repo, it.source))
		if len(c.Commits) > 1 {
			sb.WriteString("\n")
			for _, sha := range c.Commits {
				mark := ""
				if sha == c.SHA {
					mark = " <- on this commit"
				}
				fmt.Fprintf(&sb, "* %s%s\n", sha, mark)
			}
		}
		if strings.TrimSpace(c.Stdout) != "" {
			fmt.Fprintf(&sb, "\nstdout:\n```\n%s\n```\n", c.Stdout)
		}
		if strings.TrimSpace(c.Stderr) != "" {
			fmt.Fprintf(&sb, "\nstderr:\n```\n%s\n```\n", c.Stderr)
		}
		sb.WriteString("\nEither perform the forward-port manually (and push to this branch, proceeding as usual) or close this PR (maybe?).\n")
		sb.WriteString("\nIn the former case, you may want to edit this PR message as well.\n")
		return sb.String(), nil
	}

	if conflicted {
		var others []string
		for _, other := range items {
			if other != it {
				others = append(others, displayName(other.repo, other.next))
			}
		}
		return fmt.Sprintf(
			"%s\nWhile this was properly forward-ported, at least one co-dependent PR (%s) did not succeed. "+
				"You will need to fix it before this can be merged.\n",
			ping, strings.Join(others, ", "),
		), nil
	}

	if NextTarget(branches, it.source, it.next) == nil {
		var ancestors strings.Builder
		for pr := it.pr; ; {
			if pr.ParentID == 0 {
				break
			}
			fmt.Fprintf(&ancestors, "* %s\n", displayName(it.repo, pr))
			parent, err := st.GetPR(ctx, pr.ParentID)
			if err != nil {
				return "", fmt.Errorf("load ancestors of %s: %w", displayName(it.repo, it.pr), err)
			}
			pr = parent
		}
		containing := "."
		if ancestors.Len() > 0 {
			containing = " containing:"
		}
		return fmt.Sprintf(
			"%s\nThis PR targets %s and is the last of the forward-port chain%s\n%s\nTo merge the full chain, approve it.\n",
			ping, target.Name, containing, ancestors.String(),
		), nil
	}

	limit := "the last branch"
	if i := branchIndex(branches, it.source.LimitID); i >= 0 {
		limit = branches[i].Name
	} else if len(branches) > 0 {
		limit = branches[len(branches)-1].Name
	}
	return fmt.Sprintf(
		"This PR targets %s and is part of the forward-port chain. Further PRs will be created up to %s.\n",
		target.Name, limit,
	), nil
}

// notify posts a comment. Failures are logged only.
func notify(ctx context.Context, hosting Hosting, logger *slog.Logger, repo domain.Repository, pr domain.PullRequest, body string) {
	if err := hosting.Comment(ctx, repo.Name, pr.Number, body); err != nil {
		logger.Warn("failed to comment", "pr", displayName(repo, pr), "error", err)
	}
}
