package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/forsitet/fwbot/internal/cherrypick"
	"github.com/forsitet/fwbot/internal/git"
)

// PortRequest asks for the commits of Source replayed onto Branch of Repo.
type PortRequest struct {
	Repo   string
	Branch string
	// Prefix names the working copy directory.
	Prefix   string
	Creds    git.Credentials
	Identity git.Identity
	// Fork becomes the "target" remote of the working copy.
	Fork   string
	Source cherrypick.Source
}

// Ported is a working copy holding the result of a port, ready to push.
type Ported interface {
	Head() (string, error)
	Push(ctx context.Context, opts git.PushOptions) error
	Close() error
}

type Porter interface {
	Port(ctx context.Context, req PortRequest) (cherrypick.Result, Ported, error)
}

// GitPorter ports through local mirrors. The mirror lock is only held while
// the mirror is fetched and cloned; the working copy is private.
type GitPorter struct {
	workspace *git.Workspace
	engine    *cherrypick.Engine
	logger    *slog.Logger
}

func NewGitPorter(workspace *git.Workspace, engine *cherrypick.Engine, logger *slog.Logger) *GitPorter {
	return &GitPorter{workspace: workspace, engine: engine, logger: logger}
}

func (p *GitPorter) Port(ctx context.Context, req PortRequest) (cherrypick.Result, Ported, error) {
	wc, err := p.checkout(ctx, req)
	if err != nil {
		return cherrypick.Result{}, nil, err
	}

	res, err := p.engine.Port(ctx, wc, req.Source)
	if err != nil {
		_ = wc.Close()
		return cherrypick.Result{}, nil, fmt.Errorf("port %s#%d onto %s: %w", req.Repo, req.Source.Number, req.Branch, err)
	}
	if res.Conflict != nil {
		p.logger.Info("port conflicted",
			"repo", req.Repo, "pr", req.Source.Number, "branch", req.Branch, "sha", res.Conflict.SHA)
	}
	return res, wc, nil
}

func (p *GitPorter) checkout(ctx context.Context, req PortRequest) (*git.WorkingCopy, error) {
	unlock := p.workspace.Lock(req.Repo)
	defer unlock()

	mirror, err := p.workspace.EnsureMirror(ctx, req.Repo, req.Creds)
	if err != nil {
		return nil, err
	}
	for _, c := range req.Source.Commits {
		if !mirror.HasCommit(c.SHA) {
			return nil, fmt.Errorf("commit %s of %s#%d missing from mirror", c.SHA, req.Repo, req.Source.Number)
		}
	}

	opts := git.WorkingCopyOptions{Prefix: req.Prefix, Identity: req.Identity}
	if req.Fork != "" {
		opts.TargetURL = p.workspace.RemoteURL(req.Fork, req.Creds)
	}
	return mirror.WorkingCopy(ctx, req.Branch, opts)
}
