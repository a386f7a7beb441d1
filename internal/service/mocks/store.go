package mocks

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/forsitet/fwbot/internal/domain"
)

// MemStore keeps every record in memory. Writes are visible immediately; a
// test can still model a unit of work with Begin and Rollback, Checkpoint then
// moves the rollback point forward.
type MemStore struct {
	mu sync.Mutex

	saved *memSnapshot

	nextID int64

	Projects      map[int64]domain.Project
	Repositories  map[int64]domain.Repository
	BranchRecords map[int64]domain.Branch
	PRs           map[int64]domain.PullRequest
	Batches       map[int64]domain.Batch
	FPTasks       map[int64]domain.ForwardPortTask
	UpdateTasks   map[int64]domain.UpdateTask
	RemovalTasks  map[int64]domain.BranchRemovalTask

	Checkpoints int
	// Locked makes LockPR fail with domain.ErrLocked for these ids.
	Locked map[int64]bool
}

func NewMemStore() *MemStore {
	return &MemStore{
		Projects:      make(map[int64]domain.Project),
		Repositories:  make(map[int64]domain.Repository),
		BranchRecords: make(map[int64]domain.Branch),
		PRs:           make(map[int64]domain.PullRequest),
		Batches:       make(map[int64]domain.Batch),
		FPTasks:       make(map[int64]domain.ForwardPortTask),
		UpdateTasks:   make(map[int64]domain.UpdateTask),
		RemovalTasks:  make(map[int64]domain.BranchRemovalTask),
		Locked:        make(map[int64]bool),
	}
}

func (m *MemStore) id() int64 {
	m.nextID++
	return m.nextID
}

func notFound(what string, id any) error {
	return fmt.Errorf("%s %v: %w", what, id, domain.ErrNotFound)
}

type memSnapshot struct {
	nextID        int64
	projects      map[int64]domain.Project
	repositories  map[int64]domain.Repository
	branchRecords map[int64]domain.Branch
	prs           map[int64]domain.PullRequest
	batches       map[int64]domain.Batch
	fpTasks       map[int64]domain.ForwardPortTask
	updateTasks   map[int64]domain.UpdateTask
	removalTasks  map[int64]domain.BranchRemovalTask
}

func (m *MemStore) snapshot() *memSnapshot {
	return &memSnapshot{
		nextID:        m.nextID,
		projects:      maps.Clone(m.Projects),
		repositories:  maps.Clone(m.Repositories),
		branchRecords: maps.Clone(m.BranchRecords),
		prs:           maps.Clone(m.PRs),
		batches:       maps.Clone(m.Batches),
		fpTasks:       maps.Clone(m.FPTasks),
		updateTasks:   maps.Clone(m.UpdateTasks),
		removalTasks:  maps.Clone(m.RemovalTasks),
	}
}

// Begin records the state Rollback returns to.
func (m *MemStore) Begin() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saved = m.snapshot()
}

// Rollback drops every write since Begin or the last Checkpoint.
func (m *MemStore) Rollback() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saved == nil {
		return
	}
	m.nextID = m.saved.nextID
	m.Projects = m.saved.projects
	m.Repositories = m.saved.repositories
	m.BranchRecords = m.saved.branchRecords
	m.PRs = m.saved.prs
	m.Batches = m.saved.batches
	m.FPTasks = m.saved.fpTasks
	m.UpdateTasks = m.saved.updateTasks
	m.RemovalTasks = m.saved.removalTasks
	m.saved = nil
}

func (m *MemStore) Checkpoint(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Checkpoints++
	if m.saved != nil {
		m.saved = m.snapshot()
	}
	return nil
}

func (m *MemStore) UpsertProject(_ context.Context, name string) (domain.Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.Projects {
		if p.Name == name {
			return p, nil
		}
	}
	p := domain.Project{ID: m.id(), Name: name}
	m.Projects[p.ID] = p
	return p, nil
}

func (m *MemStore) SetProjectIdentity(_ context.Context, id int64, login, email string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.Projects[id]
	if !ok {
		return notFound("project", id)
	}
	p.BotLogin, p.BotEmail = login, email
	m.Projects[id] = p
	return nil
}

func (m *MemStore) GetProject(_ context.Context, id int64) (domain.Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.Projects[id]
	if !ok {
		return domain.Project{}, notFound("project", id)
	}
	return p, nil
}

func (m *MemStore) UpsertRepository(_ context.Context, repo domain.Repository) (domain.Repository, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.Repositories {
		if r.Name == repo.Name {
			repo.ID = r.ID
		}
	}
	if repo.ID == 0 {
		repo.ID = m.id()
	}
	m.Repositories[repo.ID] = repo
	return repo, nil
}

func (m *MemStore) GetRepository(_ context.Context, id int64) (domain.Repository, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.Repositories[id]
	if !ok {
		return domain.Repository{}, notFound("repository", id)
	}
	return r, nil
}

func (m *MemStore) RepositoryByName(_ context.Context, name string) (domain.Repository, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.Repositories {
		if r.Name == name {
			return r, nil
		}
	}
	return domain.Repository{}, notFound("repository", name)
}

func (m *MemStore) UpsertBranch(_ context.Context, b domain.Branch) (domain.Branch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.BranchRecords {
		if existing.ProjectID == b.ProjectID && existing.Name == b.Name {
			b.ID = existing.ID
		}
	}
	if b.ID == 0 {
		b.ID = m.id()
	}
	m.BranchRecords[b.ID] = b
	return b, nil
}

func (m *MemStore) GetBranch(_ context.Context, id int64) (domain.Branch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.BranchRecords[id]
	if !ok {
		return domain.Branch{}, notFound("branch", id)
	}
	return b, nil
}

func (m *MemStore) BranchByName(_ context.Context, projectID int64, name string) (domain.Branch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, b := range m.BranchRecords {
		if b.ProjectID == projectID && b.Name == name {
			return b, nil
		}
	}
	return domain.Branch{}, notFound("branch", name)
}

func (m *MemStore) Branches(_ context.Context, projectID int64) ([]domain.Branch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []domain.Branch
	for _, b := range m.BranchRecords {
		if b.ProjectID == projectID {
			result = append(result, b)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Sequence != result[j].Sequence {
			return result[i].Sequence < result[j].Sequence
		}
		return result[i].Name < result[j].Name
	})
	return result, nil
}

func (m *MemStore) CreatePR(_ context.Context, pr *domain.PullRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.PRs {
		if existing.RepositoryID == pr.RepositoryID && existing.Number == pr.Number {
			return fmt.Errorf("pull request #%d already exists", pr.Number)
		}
	}
	pr.ID = m.id()
	if pr.State == "" {
		pr.State = domain.PRStateOpened
	}
	pr.ReminderBackoff = domain.DefaultReminderBackoff
	m.PRs[pr.ID] = clonePR(*pr)
	return nil
}

func clonePR(pr domain.PullRequest) domain.PullRequest {
	pr.CommitsMap = maps.Clone(pr.CommitsMap)
	return pr
}

func (m *MemStore) UpdatePR(_ context.Context, pr domain.PullRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.PRs[pr.ID]; !ok {
		return notFound("pull request", pr.ID)
	}
	m.PRs[pr.ID] = clonePR(pr)
	return nil
}

func (m *MemStore) GetPR(_ context.Context, id int64) (domain.PullRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pr, ok := m.PRs[id]
	if !ok {
		return domain.PullRequest{}, notFound("pull request", id)
	}
	return clonePR(pr), nil
}

func (m *MemStore) PRByNumber(_ context.Context, repositoryID int64, number int) (domain.PullRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, pr := range m.PRs {
		if pr.RepositoryID == repositoryID && pr.Number == number {
			return clonePR(pr), nil
		}
	}
	return domain.PullRequest{}, notFound("pull request", number)
}

func (m *MemStore) LockPR(ctx context.Context, id int64) (domain.PullRequest, error) {
	m.mu.Lock()
	locked := m.Locked[id]
	m.mu.Unlock()
	if locked {
		return domain.PullRequest{}, fmt.Errorf("lock pull request %d: %w", id, domain.ErrLocked)
	}
	return m.GetPR(ctx, id)
}

func (m *MemStore) filterPRs(keep func(domain.PullRequest) bool) []domain.PullRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []domain.PullRequest
	for _, pr := range m.PRs {
		if keep(pr) {
			result = append(result, clonePR(pr))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

func (m *MemStore) Children(_ context.Context, parentID int64) ([]domain.PullRequest, error) {
	return m.filterPRs(func(pr domain.PullRequest) bool { return pr.ParentID == parentID }), nil
}

func (m *MemStore) ForwardPorts(_ context.Context, sourceID int64) ([]domain.PullRequest, error) {
	return m.filterPRs(func(pr domain.PullRequest) bool { return pr.SourceID == sourceID }), nil
}

func (m *MemStore) HasForwardPort(_ context.Context, sourceID, targetID int64) (bool, error) {
	ports := m.filterPRs(func(pr domain.PullRequest) bool {
		return pr.SourceID == sourceID && pr.TargetID == targetID
	})
	return len(ports) > 0, nil
}

func (m *MemStore) OutstandingSources(_ context.Context, cutoff time.Time) ([]domain.PullRequest, error) {
	open := m.filterPRs(func(pr domain.PullRequest) bool { return pr.SourceID != 0 && !pr.IsClosedOrMerged() })
	sources := m.filterPRs(func(src domain.PullRequest) bool {
		if src.State != domain.PRStateMerged || !src.MergedAt.Before(cutoff) {
			return false
		}
		return slices.ContainsFunc(open, func(fp domain.PullRequest) bool { return fp.SourceID == src.ID })
	})
	sort.SliceStable(sources, func(i, j int) bool { return sources[i].MergedAt.Before(sources[j].MergedAt) })
	return sources, nil
}

func (m *MemStore) InsertionCandidates(_ context.Context, before, after []int64, lastBefore int64) ([]domain.PullRequest, error) {
	m.mu.Lock()
	spanning := make(map[int64]bool)
	for _, leaf := range m.PRs {
		if leaf.IsClosedOrMerged() || !slices.Contains(after, leaf.TargetID) {
			continue
		}
		if src, ok := m.PRs[leaf.SourceID]; ok && slices.Contains(before, src.TargetID) {
			spanning[leaf.SourceID] = true
		}
	}
	m.mu.Unlock()

	return m.filterPRs(func(pr domain.PullRequest) bool {
		return pr.TargetID == lastBefore && (spanning[pr.ID] || spanning[pr.SourceID])
	}), nil
}

func (m *MemStore) CreateBatch(_ context.Context, b *domain.Batch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b.ID = m.id()
	stored := *b
	stored.PRIDs = slices.Clone(b.PRIDs)
	m.Batches[b.ID] = stored
	return nil
}

func (m *MemStore) GetBatch(_ context.Context, id int64) (domain.Batch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.Batches[id]
	if !ok {
		return domain.Batch{}, notFound("batch", id)
	}
	b.PRIDs = slices.Clone(b.PRIDs)
	return b, nil
}

func (m *MemStore) SetBatchActive(_ context.Context, id int64, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.Batches[id]
	if !ok {
		return notFound("batch", id)
	}
	b.Active = active
	m.Batches[id] = b
	return nil
}

func (m *MemStore) EnqueueForwardPort(_ context.Context, batchID int64, source domain.TaskSource) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := domain.ForwardPortTask{ID: m.id(), BatchID: batchID, Source: source}
	m.FPTasks[t.ID] = t
	return t.ID, nil
}

func (m *MemStore) GetForwardPortTask(_ context.Context, id int64) (domain.ForwardPortTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.FPTasks[id]
	if !ok {
		return domain.ForwardPortTask{}, notFound("forward-port task", id)
	}
	return t, nil
}

func (m *MemStore) EnqueueUpdate(_ context.Context, originalRoot, newRoot int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := domain.UpdateTask{ID: m.id(), OriginalRoot: originalRoot, NewRoot: newRoot}
	m.UpdateTasks[t.ID] = t
	return t.ID, nil
}

func (m *MemStore) GetUpdateTask(_ context.Context, id int64) (domain.UpdateTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.UpdateTasks[id]
	if !ok {
		return domain.UpdateTask{}, notFound("update task", id)
	}
	return t, nil
}

func (m *MemStore) EnqueueBranchRemoval(_ context.Context, prID int64, mergedAt time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := domain.BranchRemovalTask{ID: m.id(), PRID: prID, MergedAt: mergedAt}
	m.RemovalTasks[t.ID] = t
	return t.ID, nil
}

func (m *MemStore) GetBranchRemovalTask(_ context.Context, id int64) (domain.BranchRemovalTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.RemovalTasks[id]
	if !ok {
		return domain.BranchRemovalTask{}, notFound("branch removal task", id)
	}
	return t, nil
}

// PendingForwardPortTasks returns the forward-port task ids oldest first.
func (m *MemStore) PendingForwardPortTasks() []int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Sorted(maps.Keys(m.FPTasks))
}

// CompleteForwardPortTask deletes a task the way a successful queue pass does.
func (m *MemStore) CompleteForwardPortTask(id int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.FPTasks, id)
}

// PRsTargeting returns the pull requests targeting branch id.
func (m *MemStore) PRsTargeting(branchID int64) []domain.PullRequest {
	return m.filterPRs(func(pr domain.PullRequest) bool { return pr.TargetID == branchID })
}
