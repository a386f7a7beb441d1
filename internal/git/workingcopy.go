package git

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	gogit "github.com/go-git/go-git/v5"
)

// WorkingCopy is a disposable checkout used for a single port attempt.
type WorkingCopy struct {
	dir string
	git *Runner
}

// OpenWorkingCopy wraps an existing checkout.
func OpenWorkingCopy(dir string) *WorkingCopy {
	return &WorkingCopy{dir: dir, git: NewRunner(dir)}
}

func (wc *WorkingCopy) Dir() string {
	return wc.dir
}

// Git returns the runner bound to the working copy.
func (wc *WorkingCopy) Git() *Runner {
	return wc.git
}

// Head resolves HEAD to a commit sha.
func (wc *WorkingCopy) Head() (string, error) {
	repo, err := gogit.PlainOpen(wc.dir)
	if err != nil {
		return "", fmt.Errorf("open working copy: %w", err)
	}
	ref, err := repo.Head()
	if err != nil {
		return "", fmt.Errorf("resolve HEAD: %w", err)
	}
	return ref.Hash().String(), nil
}

// Close removes the checkout from disk.
func (wc *WorkingCopy) Close() error {
	return os.RemoveAll(wc.dir)
}

type PushMode int

const (
	PushPlain PushMode = iota
	PushForce
	PushForceWithLease
)

type PushOptions struct {
	Remote string
	// Source is the local revision to push, HEAD when empty.
	Source string
	// Ref is the destination, a branch name or a full refs/ path.
	Ref  string
	Mode PushMode
	// Expect is the remote head required by PushForceWithLease.
	Expect string
}

// Push sends Source to Ref on Remote. A lease mismatch is reported as ErrStaleLease.
func (wc *WorkingCopy) Push(ctx context.Context, opts PushOptions) error {
	source := opts.Source
	if source == "" {
		source = "HEAD"
	}
	dest := opts.Ref
	if !strings.HasPrefix(dest, "refs/") {
		dest = "refs/heads/" + dest
	}

	args := []string{"push"}
	switch opts.Mode {
	case PushForce:
		args = append(args, "--force")
	case PushForceWithLease:
		args = append(args, fmt.Sprintf("--force-with-lease=%s:%s", dest, opts.Expect))
	}
	args = append(args, opts.Remote, source+":"+dest)

	_, err := wc.git.Run(ctx, args...)
	if err == nil {
		return nil
	}
	var ce *CommandError
	if opts.Mode == PushForceWithLease && errors.As(err, &ce) && strings.Contains(ce.Stderr, "stale info") {
		return fmt.Errorf("push %s to %s: %w", source, dest, errors.Join(ErrStaleLease, err))
	}
	return fmt.Errorf("push %s to %s: %w", source, dest, err)
}
