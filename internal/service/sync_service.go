package service

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/forsitet/fwbot/internal/config"
	"github.com/forsitet/fwbot/internal/domain"
)

// SyncResult reports what a configuration sync changed.
type SyncResult struct {
	Project domain.Project
	// Inserted is the branch added in the middle of the ordering, if any.
	Inserted string
	// Scheduled counts the forward-ports enqueued onto Inserted.
	Scheduled int
}

// SyncService writes the configured projects to the database.
type SyncService struct {
	tx      TxFunc
	hosting HostingFactory
	tokens  Tokens
	logger  *slog.Logger
}

func NewSyncService(tx TxFunc, hosting HostingFactory, tokens Tokens, logger *slog.Logger) *SyncService {
	return &SyncService{tx: tx, hosting: hosting, tokens: tokens, logger: logger}
}

// SyncProject upserts the project, its repositories and branches. Branches may
// be appended or a single one inserted; inserting schedules the forward-port
// of every chain spanning the new branch onto it. Reordering is refused.
func (s *SyncService) SyncProject(ctx context.Context, pc config.ProjectConfig) (SyncResult, error) {
	var result SyncResult
	err := s.tx(ctx, func(st Store) error {
		project, err := st.UpsertProject(ctx, pc.Name)
		if err != nil {
			return err
		}
		logger := s.logger.With("project", project.Name)

		if token := s.tokens(pc.Name); token != "" {
			hosting, err := s.hosting(ctx, token)
			if err != nil {
				return err
			}
			id, err := hosting.Identity(ctx)
			if err != nil {
				return fmt.Errorf("resolve bot identity of %s: %w", pc.Name, err)
			}
			if err := st.SetProjectIdentity(ctx, project.ID, id.Login, id.Email); err != nil {
				return err
			}
			project.BotLogin, project.BotEmail = id.Login, id.Email
		} else {
			logger.Warn("project has no token, bot identity left unchanged")
		}
		result.Project = project

		for _, rc := range pc.Repositories {
			if _, err := st.UpsertRepository(ctx, domain.Repository{
				ProjectID:  project.ID,
				Name:       rc.Name,
				ForkTarget: rc.Fork,
			}); err != nil {
				return err
			}
		}

		before, err := st.Branches(ctx, project.ID)
		if err != nil {
			return err
		}
		for _, bc := range pc.Branches {
			if _, err := st.UpsertBranch(ctx, domain.Branch{
				ProjectID: project.ID,
				Name:      bc.Name,
				Sequence:  bc.Sequence,
				Active:    bc.IsActive(),
				FPTarget:  bc.AcceptsForwardPorts(),
			}); err != nil {
				return err
			}
		}
		after, err := st.Branches(ctx, project.ID)
		if err != nil {
			return err
		}

		ins, err := diffOrdering(before, after)
		if err != nil {
			return err
		}
		if ins == nil {
			return nil
		}
		result.Inserted = ins.branch.Name
		logger.Info("branch inserted", "branch", ins.branch.Name, "before", ins.before, "after", ins.after)

		candidates, err := st.InsertionCandidates(ctx, ins.before, ins.after, ins.before[len(ins.before)-1])
		if err != nil {
			return err
		}
		for _, c := range candidates {
			batch := domain.Batch{TargetID: c.TargetID, Active: false, PRIDs: []int64{c.ID}}
			if err := st.CreateBatch(ctx, &batch); err != nil {
				return err
			}
			if _, err := st.EnqueueForwardPort(ctx, batch.ID, domain.TaskSourceInsert); err != nil {
				return err
			}
			result.Scheduled++
		}
		logger.Info("scheduled forward-ports onto inserted branch", "branch", ins.branch.Name, "count", result.Scheduled)
		return nil
	})
	return result, err
}

type insertion struct {
	branch domain.Branch
	before []int64
	after  []int64
}

func branchIDs(branches []domain.Branch) []int64 {
	ids := make([]int64, len(branches))
	for i, b := range branches {
		ids[i] = b.ID
	}
	return ids
}

// diffOrdering compares the branch ordering before and after a sync. It
// returns the insertion when exactly one branch appeared between existing
// ones, nil when the ordering is unchanged or only grew at the end.
func diffOrdering(before, after []domain.Branch) (*insertion, error) {
	prev, next := branchIDs(before), branchIDs(after)
	if len(prev) == 0 || slices.Equal(prev, next) {
		return nil, nil
	}
	if len(next) == len(prev)+1 && slices.Equal(next[:len(prev)], prev) {
		return nil, nil
	}

	known := make(map[int64]bool, len(prev))
	for _, id := range prev {
		known[id] = true
	}
	var kept []int64
	for _, id := range next {
		if known[id] {
			kept = append(kept, id)
		}
	}
	if len(next) <= len(prev) || !slices.Equal(kept, prev) {
		return nil, domain.NewDomainError(domain.ErrorCodeBadSequence, "Branches can not be reordered or removed after saving.")
	}

	var ins *insertion
	for i, id := range next {
		switch {
		case !known[id] && ins != nil:
			return nil, domain.NewDomainError(domain.ErrorCodeBadSequence, "Inserting multiple branches at the same time is not supported")
		case !known[id]:
			ins = &insertion{branch: after[i]}
		case ins != nil:
			ins.after = append(ins.after, id)
		}
	}
	ins.before = prev[:len(prev)-len(ins.after)]

	if len(ins.after) == 0 || len(ins.before) == 0 {
		// appended at the end, or nothing precedes it
		return nil, nil
	}
	return ins, nil
}
