package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/forsitet/fwbot/internal/config"
	"github.com/forsitet/fwbot/internal/domain"
	"github.com/forsitet/fwbot/internal/github"
)

func branchesOf(ids ...int64) []domain.Branch {
	branches := make([]domain.Branch, len(ids))
	for i, id := range ids {
		branches[i] = domain.Branch{ID: id, Name: string(rune('a' + id - 1))}
	}
	return branches
}

func TestDiffOrdering(t *testing.T) {
	tests := []struct {
		name       string
		before     []int64
		after      []int64
		wantBranch string
		wantBefore []int64
		wantAfter  []int64
		wantErr    string
	}{
		{name: "unchanged", before: []int64{1, 2, 3}, after: []int64{1, 2, 3}},
		{name: "first sync", after: []int64{1, 2}},
		{name: "appended", before: []int64{1, 2}, after: []int64{1, 2, 3}},
		{name: "prepended", before: []int64{2, 3}, after: []int64{1, 2, 3}},
		{
			name:       "inserted",
			before:     []int64{1, 3, 4},
			after:      []int64{1, 3, 2, 4},
			wantBranch: "b",
			wantBefore: []int64{1, 3},
			wantAfter:  []int64{4},
		},
		{
			name:    "reordered",
			before:  []int64{1, 2, 3},
			after:   []int64{2, 1, 3},
			wantErr: "Branches can not be reordered or removed after saving.",
		},
		{
			name:    "removed",
			before:  []int64{1, 2, 3},
			after:   []int64{1, 3},
			wantErr: "Branches can not be reordered or removed after saving.",
		},
		{
			name:    "several inserted",
			before:  []int64{1, 4},
			after:   []int64{1, 2, 3, 4},
			wantErr: "Inserting multiple branches at the same time is not supported",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ins, err := diffOrdering(branchesOf(tt.before...), branchesOf(tt.after...))
			if tt.wantErr != "" {
				require.True(t, domain.IsDomainError(err, domain.ErrorCodeBadSequence), "got %v", err)
				require.ErrorContains(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			if tt.wantBranch == "" {
				require.Nil(t, ins)
				return
			}
			require.NotNil(t, ins)
			require.Equal(t, tt.wantBranch, ins.branch.Name)
			require.Equal(t, tt.wantBefore, ins.before)
			require.Equal(t, tt.wantAfter, ins.after)
		})
	}
}

func newSyncFixture(t *testing.T) *fixture {
	t.Helper()
	f := newFixture(t, "a", "c")
	f.hosting.IdentityResult = github.Identity{Login: "fw-bot-2", Email: "fw-bot-2@example.com"}
	return f
}

func (f *fixture) sync(tokens Tokens, branches ...config.BranchConfig) (SyncResult, error) {
	svc := NewSyncService(
		func(_ context.Context, fn func(Store) error) error { return fn(f.store) },
		func(context.Context, string) (Hosting, error) { return f.hosting, nil },
		tokens,
		discardLogger(),
	)
	return svc.SyncProject(f.ctx, config.ProjectConfig{
		Name:         "odoo",
		Repositories: []config.RepositoryConfig{{Name: testRepo, Fork: testFork}, {Name: "odoo/enterprise", Fork: "fw-bot/enterprise"}},
		Branches:     branches,
	})
}

func TestSyncProject(t *testing.T) {
	f := newSyncFixture(t)
	no := false

	res, err := f.sync(func(string) string { return "secret" },
		config.BranchConfig{Name: "a", Sequence: 0},
		config.BranchConfig{Name: "c", Sequence: 10, Active: &no},
		config.BranchConfig{Name: "d", Sequence: 20},
	)
	require.NoError(t, err)
	require.Empty(t, res.Inserted)
	require.Equal(t, "fw-bot-2", res.Project.BotLogin)

	project, err := f.store.GetProject(f.ctx, f.project.ID)
	require.NoError(t, err)
	require.Equal(t, "fw-bot-2@example.com", project.BotEmail)

	enterprise, err := f.store.RepositoryByName(f.ctx, "odoo/enterprise")
	require.NoError(t, err)
	require.Equal(t, "fw-bot", enterprise.ForkOwner())

	branches, err := f.store.Branches(f.ctx, f.project.ID)
	require.NoError(t, err)
	require.Len(t, branches, 3)
	require.False(t, branches[1].Active)
	require.Equal(t, "d", branches[2].Name)
}

func TestSyncProjectWithoutTokenKeepsIdentity(t *testing.T) {
	f := newSyncFixture(t)
	res, err := f.sync(func(string) string { return "" },
		config.BranchConfig{Name: "a", Sequence: 0},
		config.BranchConfig{Name: "c", Sequence: 10},
	)
	require.NoError(t, err)
	require.Equal(t, "fw-bot", f.store.Projects[res.Project.ID].BotLogin)
}

func TestSyncProjectRefusesReorder(t *testing.T) {
	f := newSyncFixture(t)
	_, err := f.sync(func(string) string { return "secret" },
		config.BranchConfig{Name: "a", Sequence: 20},
		config.BranchConfig{Name: "c", Sequence: 10},
	)
	require.True(t, domain.IsDomainError(err, domain.ErrorCodeBadSequence))
}

func TestSyncProjectInsertionSkipsSettledChains(t *testing.T) {
	f := newSyncFixture(t)
	pr10 := f.open(10, "a", "c")
	f.merge("a", pr10)
	f.drain()
	_, err := f.events.StateChanged(f.ctx, testRepo, f.only("c").Number, domain.PRStateMerged)
	require.NoError(t, err)

	res, err := f.sync(func(string) string { return "secret" },
		config.BranchConfig{Name: "a", Sequence: 0},
		config.BranchConfig{Name: "b", Sequence: 5},
		config.BranchConfig{Name: "c", Sequence: 10},
	)
	require.NoError(t, err)
	require.Equal(t, "b", res.Inserted)
	require.Zero(t, res.Scheduled)
	require.Empty(t, f.store.PendingForwardPortTasks())
}
