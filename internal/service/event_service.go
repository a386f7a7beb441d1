package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/forsitet/fwbot/internal/domain"
)

// PullRequestEvent describes a pull request as last seen on the hosting side.
type PullRequestEvent struct {
	Repository string
	Number     int
	Target     string
	Head       string
	Label      string
	Author     string
	Reviewer   string
	Message    string
}

// MergedPR is one member of a merged batch.
type MergedPR struct {
	Repository string
	Number     int
	// CommitsMap maps the PR's commits to the ones which landed, when they differ.
	CommitsMap map[string]string
}

type BatchMergedEvent struct {
	Target       string
	PullRequests []MergedPR
}

// EventService records what happens to pull requests and schedules the
// resulting work.
type EventService struct {
	tx      TxFunc
	hosting HostingFactory
	tokens  Tokens
	logger  *slog.Logger
	nowFunc func() time.Time
}

func NewEventService(tx TxFunc, hosting HostingFactory, tokens Tokens, logger *slog.Logger, nowFunc func() time.Time) *EventService {
	if nowFunc == nil {
		nowFunc = time.Now
	}
	return &EventService{
		tx:      tx,
		hosting: hosting,
		tokens:  tokens,
		logger:  logger,
		nowFunc: nowFunc,
	}
}

func repositoryByName(ctx context.Context, st Store, name string) (domain.Repository, error) {
	repo, err := st.RepositoryByName(ctx, name)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.Repository{}, domain.NewDomainError(domain.ErrorCodeNotFound, fmt.Sprintf("unknown repository %q", name))
	}
	return repo, err
}

func branchByName(ctx context.Context, st Store, projectID int64, name string) (domain.Branch, error) {
	b, err := st.BranchByName(ctx, projectID, name)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.Branch{}, domain.NewDomainError(domain.ErrorCodeUnknownBranch, fmt.Sprintf("unknown branch %q", name))
	}
	return b, err
}

func prByNumber(ctx context.Context, st Store, repo domain.Repository, number int) (domain.PullRequest, error) {
	pr, err := st.PRByNumber(ctx, repo.ID, number)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.PullRequest{}, domain.NewDomainError(domain.ErrorCodeNotFound, fmt.Sprintf("unknown pull request %s#%d", repo.Name, number))
	}
	return pr, err
}

// RegisterPR creates or refreshes the record of a pull request. A head change
// on a known pull request is handled as by HeadUpdated.
func (s *EventService) RegisterPR(ctx context.Context, ev PullRequestEvent) (domain.PullRequest, error) {
	if ev.Repository == "" || ev.Number <= 0 || ev.Target == "" || ev.Head == "" {
		return domain.PullRequest{}, domain.NewDomainError(domain.ErrorCodeInvalidPayload, "repository, number, target and head are required")
	}

	var result domain.PullRequest
	err := s.tx(ctx, func(st Store) error {
		repo, err := repositoryByName(ctx, st, ev.Repository)
		if err != nil {
			return err
		}
		target, err := branchByName(ctx, st, repo.ProjectID, ev.Target)
		if err != nil {
			return err
		}

		pr, err := st.PRByNumber(ctx, repo.ID, ev.Number)
		switch {
		case errors.Is(err, domain.ErrNotFound):
			limit, err := defaultLimit(ctx, st, repo.ProjectID)
			if err != nil {
				return err
			}
			pr = domain.PullRequest{
				RepositoryID: repo.ID,
				Number:       ev.Number,
				TargetID:     target.ID,
				Head:         ev.Head,
				State:        domain.PRStateOpened,
				Label:        ev.Label,
				Author:       ev.Author,
				Reviewer:     ev.Reviewer,
				Message:      ev.Message,
				LimitID:      limit,
			}
			if err := st.CreatePR(ctx, &pr); err != nil {
				return err
			}
			s.logger.Info("registered pull request", "pr", displayName(repo, pr))
		case err != nil:
			return err
		default:
			pr.TargetID = target.ID
			pr.Label = ev.Label
			pr.Message = ev.Message
			if ev.Author != "" {
				pr.Author = ev.Author
			}
			if ev.Reviewer != "" {
				pr.Reviewer = ev.Reviewer
			}
			if err := st.UpdatePR(ctx, pr); err != nil {
				return err
			}
			if pr, err = s.headUpdated(ctx, st, repo, pr, ev.Head); err != nil {
				return err
			}
		}
		result = pr
		return nil
	})
	return result, err
}

// defaultLimit is the last active branch of the project.
func defaultLimit(ctx context.Context, st Store, projectID int64) (int64, error) {
	branches, err := st.Branches(ctx, projectID)
	if err != nil {
		return 0, err
	}
	for i := len(branches) - 1; i >= 0; i-- {
		if branches[i].Active {
			return branches[i].ID, nil
		}
	}
	return 0, nil
}

// HeadUpdated records a head rewritten outside the bot. The pull request is
// detached from its parent and its descendants are scheduled for regeneration.
func (s *EventService) HeadUpdated(ctx context.Context, repository string, number int, head string) (domain.PullRequest, error) {
	if head == "" {
		return domain.PullRequest{}, domain.NewDomainError(domain.ErrorCodeInvalidPayload, "head is required")
	}

	var result domain.PullRequest
	err := s.tx(ctx, func(st Store) error {
		repo, err := repositoryByName(ctx, st, repository)
		if err != nil {
			return err
		}
		pr, err := prByNumber(ctx, st, repo, number)
		if err != nil {
			return err
		}
		result, err = s.headUpdated(ctx, st, repo, pr, head)
		return err
	})
	return result, err
}

func (s *EventService) headUpdated(ctx context.Context, st Store, repo domain.Repository, pr domain.PullRequest, head string) (domain.PullRequest, error) {
	if pr.Head == head {
		return pr, nil
	}
	logger := s.logger.With("pr", displayName(repo, pr))

	root, err := rootOf(ctx, st, pr)
	if err != nil {
		return domain.PullRequest{}, err
	}
	hadParent := pr.ParentID != 0

	pr.Head = head
	pr.ParentID = 0
	if err := st.UpdatePR(ctx, pr); err != nil {
		return domain.PullRequest{}, err
	}

	children, err := st.Children(ctx, pr.ID)
	if err != nil {
		return domain.PullRequest{}, err
	}
	if len(children) > 0 {
		if _, err := st.EnqueueUpdate(ctx, root.ID, pr.ID); err != nil {
			return domain.PullRequest{}, err
		}
		logger.Info("scheduled update of forward-ports", "root", root.ID)
	}

	if hadParent {
		logger.Info("forward-port updated externally, detached from its parent")
		s.comment(ctx, st, repo, pr, fmt.Sprintf(
			"%s\nThis PR was modified / updated and has become a normal PR. It should be merged the normal way.\n",
			pingLine(pr),
		))
	}
	return pr, nil
}

// comment posts with the project's token when there is one.
func (s *EventService) comment(ctx context.Context, st Store, repo domain.Repository, pr domain.PullRequest, body string) {
	project, err := st.GetProject(ctx, repo.ProjectID)
	if err != nil {
		s.logger.Warn("failed to load project", "repo", repo.Name, "error", err)
		return
	}
	token := s.tokens(project.Name)
	if token == "" {
		s.logger.Warn("can not comment: no token on project", "project", project.Name)
		return
	}
	hosting, err := s.hosting(ctx, token)
	if err != nil {
		s.logger.Warn("failed to create hosting client", "error", err)
		return
	}
	notify(ctx, hosting, s.logger, repo, pr, body)
}

// StateChanged records a review or merge state transition. Merging schedules
// the reclamation of the pull request's branch.
func (s *EventService) StateChanged(ctx context.Context, repository string, number int, state domain.PRState) (domain.PullRequest, error) {
	if !validState(state) {
		return domain.PullRequest{}, domain.NewDomainError(domain.ErrorCodeInvalidPayload, fmt.Sprintf("invalid state %q", state))
	}

	var result domain.PullRequest
	err := s.tx(ctx, func(st Store) error {
		repo, err := repositoryByName(ctx, st, repository)
		if err != nil {
			return err
		}
		pr, err := prByNumber(ctx, st, repo, number)
		if err != nil {
			return err
		}
		if pr.State == state {
			result = pr
			return nil
		}
		pr.State = state
		if err := s.markMerged(ctx, st, &pr); err != nil {
			return err
		}
		result = pr
		return st.UpdatePR(ctx, pr)
	})
	return result, err
}

func validState(state domain.PRState) bool {
	switch state {
	case domain.PRStateOpened, domain.PRStateApproved, domain.PRStateValidated,
		domain.PRStateReady, domain.PRStateMerged, domain.PRStateClosed:
		return true
	}
	return false
}

// markMerged stamps a merged pull request and schedules its branch removal.
func (s *EventService) markMerged(ctx context.Context, st Store, pr *domain.PullRequest) error {
	if pr.State != domain.PRStateMerged || !pr.MergedAt.IsZero() {
		return nil
	}
	pr.MergedAt = s.nowFunc()
	if _, err := st.EnqueueBranchRemoval(ctx, pr.ID, pr.MergedAt); err != nil {
		return err
	}
	return nil
}

// BatchMerged records a merged batch and schedules its forward-port unless
// every pull request of it already continues a chain.
func (s *EventService) BatchMerged(ctx context.Context, ev BatchMergedEvent) (domain.Batch, error) {
	if ev.Target == "" || len(ev.PullRequests) == 0 {
		return domain.Batch{}, domain.NewDomainError(domain.ErrorCodeInvalidPayload, "target and pull requests are required")
	}

	var batch domain.Batch
	err := s.tx(ctx, func(st Store) error {
		allParented := true
		var target domain.Branch
		for i, m := range ev.PullRequests {
			repo, err := repositoryByName(ctx, st, m.Repository)
			if err != nil {
				return err
			}
			if i == 0 {
				if target, err = branchByName(ctx, st, repo.ProjectID, ev.Target); err != nil {
					return err
				}
			}
			pr, err := prByNumber(ctx, st, repo, m.Number)
			if err != nil {
				return err
			}
			if pr.TargetID != target.ID {
				return domain.NewDomainError(domain.ErrorCodeInvalidPayload,
					fmt.Sprintf("%s does not target %s", displayName(repo, pr), ev.Target))
			}

			pr.State = domain.PRStateMerged
			if m.CommitsMap != nil {
				pr.CommitsMap = m.CommitsMap
			}
			if err := s.markMerged(ctx, st, &pr); err != nil {
				return err
			}
			if err := st.UpdatePR(ctx, pr); err != nil {
				return err
			}
			if pr.ParentID == 0 {
				allParented = false
			}
			batch.PRIDs = append(batch.PRIDs, pr.ID)
		}

		batch.TargetID = target.ID
		batch.Active = !allParented
		if err := st.CreateBatch(ctx, &batch); err != nil {
			return err
		}
		if allParented {
			s.logger.Info("merged batch continues existing chains, not forward-porting", "batch", batch.ID)
			return nil
		}
		if _, err := st.EnqueueForwardPort(ctx, batch.ID, domain.TaskSourceMerge); err != nil {
			return err
		}
		s.logger.Info("scheduled forward-port of merged batch", "batch", batch.ID, "target", ev.Target)
		return nil
	})
	return batch, err
}
