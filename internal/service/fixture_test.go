package service

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/forsitet/fwbot/internal/cherrypick"
	"github.com/forsitet/fwbot/internal/domain"
	"github.com/forsitet/fwbot/internal/git"
	"github.com/forsitet/fwbot/internal/service/mocks"
)

type fakeCopy struct {
	porter *fakePorter
	head   string
}

func (c *fakeCopy) Head() (string, error) {
	return c.head, nil
}

func (c *fakeCopy) Push(_ context.Context, opts git.PushOptions) error {
	c.porter.mu.Lock()
	defer c.porter.mu.Unlock()
	if c.porter.pushErr != nil {
		return c.porter.pushErr
	}
	c.porter.pushes = append(c.porter.pushes, opts)
	return nil
}

func (c *fakeCopy) Close() error {
	c.porter.mu.Lock()
	defer c.porter.mu.Unlock()
	c.porter.closed++
	return nil
}

// fakePorter ports cleanly unless a conflict is configured for the target branch.
type fakePorter struct {
	mu        sync.Mutex
	conflicts map[string]*cherrypick.Conflict
	pushErr   error

	requests []PortRequest
	pushes   []git.PushOptions
	closed   int
}

func newFakePorter() *fakePorter {
	return &fakePorter{conflicts: make(map[string]*cherrypick.Conflict)}
}

func (p *fakePorter) Port(_ context.Context, req PortRequest) (cherrypick.Result, Ported, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, req)

	res := cherrypick.Result{Commits: len(req.Source.Commits)}
	if c, ok := p.conflicts[req.Branch]; ok {
		res = cherrypick.Result{Conflict: c, Commits: 1}
	}
	return res, &fakeCopy{porter: p, head: fmt.Sprintf("%040d", len(p.requests))}, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

const (
	testRepo = "odoo/odoo"
	testFork = "fw-bot/odoo"
)

var testNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	t       *testing.T
	ctx     context.Context
	store   *mocks.MemStore
	hosting *mocks.MockHosting
	porter  *fakePorter
	project domain.Project
	repo    domain.Repository
	branch  map[string]domain.Branch

	fp       *ForwardPortService
	updates  *UpdateService
	reclaims *ReclaimService
	events   *EventService
	commands *CommandService
}

func newFixture(t *testing.T, branches ...string) *fixture {
	t.Helper()
	ctx := context.Background()
	store := mocks.NewMemStore()

	project, err := store.UpsertProject(ctx, "odoo")
	require.NoError(t, err)
	require.NoError(t, store.SetProjectIdentity(ctx, project.ID, "fw-bot", "fw-bot@example.com"))
	project.BotLogin, project.BotEmail = "fw-bot", "fw-bot@example.com"

	repo, err := store.UpsertRepository(ctx, domain.Repository{ProjectID: project.ID, Name: testRepo, ForkTarget: testFork})
	require.NoError(t, err)

	f := &fixture{
		t:       t,
		ctx:     ctx,
		store:   store,
		hosting: mocks.NewMockHosting(),
		porter:  newFakePorter(),
		project: project,
		repo:    repo,
		branch:  make(map[string]domain.Branch),
	}
	for i, name := range branches {
		b, err := store.UpsertBranch(ctx, domain.Branch{
			ProjectID: project.ID,
			Name:      name,
			Sequence:  i * 10,
			Active:    true,
			FPTarget:  true,
		})
		require.NoError(t, err)
		f.branch[name] = b
	}

	hosting := func(context.Context, string) (Hosting, error) { return f.hosting, nil }
	tokens := func(string) string { return "secret" }
	tx := func(_ context.Context, fn func(Store) error) error { return fn(store) }
	logger := discardLogger()
	suffix := func() (string, error) { return "abcd", nil }

	f.fp = NewForwardPortService(hosting, tokens, f.porter, logger)
	f.fp.suffix = suffix
	f.updates = NewUpdateService(hosting, tokens, f.porter, logger)
	f.updates.suffix = suffix
	f.reclaims = NewReclaimService(hosting, tokens, logger)
	f.events = NewEventService(tx, hosting, tokens, logger, func() time.Time { return testNow })
	f.commands = NewCommandService(tx, hosting, tokens, logger)
	return f
}

// addRepo registers another repository of the project, forked under the bot.
func (f *fixture) addRepo(name, fork string) domain.Repository {
	f.t.Helper()
	repo, err := f.store.UpsertRepository(f.ctx, domain.Repository{ProjectID: f.project.ID, Name: name, ForkTarget: fork})
	require.NoError(f.t, err)
	return repo
}

// open registers a pull request by alice with a single commit.
func (f *fixture) open(number int, target, limit string) domain.PullRequest {
	f.t.Helper()
	return f.openIn(testRepo, number, target, limit)
}

// openIn registers pull request repo#number, see open.
func (f *fixture) openIn(repo string, number int, target, limit string) domain.PullRequest {
	f.t.Helper()
	pr, err := f.events.RegisterPR(f.ctx, PullRequestEvent{
		Repository: repo,
		Number:     number,
		Target:     target,
		Head:       fmt.Sprintf("head-%d", number),
		Label:      fmt.Sprintf("alice:feature-%d", number),
		Author:     "alice",
		Reviewer:   "bob",
		Message:    "Fix the thing\n\nIt was broken.",
	})
	require.NoError(f.t, err)
	if limit != "" {
		pr.LimitID = f.branch[limit].ID
		require.NoError(f.t, f.store.UpdatePR(f.ctx, pr))
	}
	f.hosting.Commits[fmt.Sprintf("%s#%d", repo, number)] = []domain.Commit{{
		SHA:     fmt.Sprintf("c%d", number),
		Message: "Fix the thing\n\nSigned-off-by: Alice <alice@example.com>",
	}}
	return pr
}

func (f *fixture) merge(target string, prs ...domain.PullRequest) domain.Batch {
	f.t.Helper()
	ev := BatchMergedEvent{Target: target}
	for _, pr := range prs {
		repo, err := f.store.GetRepository(f.ctx, pr.RepositoryID)
		require.NoError(f.t, err)
		ev.PullRequests = append(ev.PullRequests, MergedPR{Repository: repo.Name, Number: pr.Number})
	}
	batch, err := f.events.BatchMerged(f.ctx, ev)
	require.NoError(f.t, err)
	return batch
}

// drain processes forward-port tasks until none is left.
func (f *fixture) drain() {
	f.t.Helper()
	for pass := 0; pass < 20; pass++ {
		ids := f.store.PendingForwardPortTasks()
		if len(ids) == 0 {
			return
		}
		for _, id := range ids {
			require.NoError(f.t, f.fp.Process(f.ctx, f.store, id))
			f.store.CompleteForwardPortTask(id)
		}
	}
	f.t.Fatal("forward-port tasks did not settle")
}

// only returns the single pull request targeting branch.
func (f *fixture) only(branch string) domain.PullRequest {
	f.t.Helper()
	prs := f.store.PRsTargeting(f.branch[branch].ID)
	require.Len(f.t, prs, 1, "pull requests targeting %s", branch)
	return prs[0]
}

func (f *fixture) reload(pr domain.PullRequest) domain.PullRequest {
	f.t.Helper()
	got, err := f.store.GetPR(f.ctx, pr.ID)
	require.NoError(f.t, err)
	return got
}
