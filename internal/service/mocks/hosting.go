package mocks

import (
	"context"
	"fmt"
	"sync"

	"github.com/forsitet/fwbot/internal/domain"
	"github.com/forsitet/fwbot/internal/github"
)

type Comment struct {
	Repo   string
	Number int
	Body   string
}

type CreatedPR struct {
	Repo string
	github.NewPullRequest
}

type Labels struct {
	Repo   string
	Number int
	Labels []string
}

type Branch struct {
	Repo   string
	Branch string
}

// MockHosting records every write and serves configured reads.
type MockHosting struct {
	mu sync.Mutex

	// Commits are keyed by "owner/repo#number".
	Commits     map[string][]domain.Commit
	BranchHeads map[Branch]string

	IdentityResult github.Identity
	IdentityErr    error
	CreateErr      error
	// CreateErrs fails pull request creation in the given repositories only.
	CreateErrs map[string]error

	// NextNumber is the number given to the next created pull request.
	NextNumber int

	Comments []Comment
	Created  []CreatedPR
	Labeled  []Labels
	Deleted  []Branch
}

func NewMockHosting() *MockHosting {
	return &MockHosting{
		Commits:     make(map[string][]domain.Commit),
		BranchHeads: make(map[Branch]string),
		CreateErrs:  make(map[string]error),
		NextNumber:  100,
	}
}

func (h *MockHosting) ListPullCommits(_ context.Context, repo string, number int) ([]domain.Commit, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	commits, ok := h.Commits[fmt.Sprintf("%s#%d", repo, number)]
	if !ok {
		return nil, fmt.Errorf("no commits for %s#%d", repo, number)
	}
	return commits, nil
}

func (h *MockHosting) CreatePullRequest(_ context.Context, repo string, pr github.NewPullRequest) (github.CreatedPullRequest, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.CreateErr != nil {
		return github.CreatedPullRequest{}, h.CreateErr
	}
	if err := h.CreateErrs[repo]; err != nil {
		return github.CreatedPullRequest{}, err
	}
	h.Created = append(h.Created, CreatedPR{Repo: repo, NewPullRequest: pr})
	number := h.NextNumber
	h.NextNumber++
	return github.CreatedPullRequest{Number: number}, nil
}

func (h *MockHosting) Comment(_ context.Context, repo string, number int, body string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.Comments = append(h.Comments, Comment{Repo: repo, Number: number, Body: body})
	return nil
}

func (h *MockHosting) AddLabels(_ context.Context, repo string, number int, labels ...string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.Labeled = append(h.Labeled, Labels{Repo: repo, Number: number, Labels: labels})
	return nil
}

func (h *MockHosting) BranchHead(_ context.Context, repo, branch string) (string, bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	head, ok := h.BranchHeads[Branch{Repo: repo, Branch: branch}]
	return head, ok, nil
}

func (h *MockHosting) DeleteBranch(_ context.Context, repo, branch string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.Deleted = append(h.Deleted, Branch{Repo: repo, Branch: branch})
	delete(h.BranchHeads, Branch{Repo: repo, Branch: branch})
	return nil
}

func (h *MockHosting) Identity(context.Context) (github.Identity, error) {
	return h.IdentityResult, h.IdentityErr
}

// CommentsOn returns the bodies of the comments posted on repo#number.
func (h *MockHosting) CommentsOn(repo string, number int) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	var bodies []string
	for _, c := range h.Comments {
		if c.Repo == repo && c.Number == number {
			bodies = append(bodies, c.Body)
		}
	}
	return bodies
}
