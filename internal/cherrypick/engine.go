// Package cherrypick replays a pull request's commits onto a working copy of
// another branch, falling back to a single squashed conflict commit when the
// replay cannot be completed.
package cherrypick

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/forsitet/fwbot/internal/domain"
	"github.com/forsitet/fwbot/internal/git"
)

// Source is the pull request whose commits are replayed.
type Source struct {
	// Number is the PR number; its head is available as origin/pull/<Number>.
	Number  int
	Commits []domain.Commit
	// CommitsMap maps PR commits to the commits merged upstream.
	CommitsMap map[string]string
	// Fallback authors the squashed commit when the PR has several authors.
	Fallback git.Identity
}

// Conflict describes the commit that could not be replayed.
type Conflict struct {
	SHA     string
	Stdout  string
	Stderr  string
	Commits []string
}

// Result of a port. Commits is the number of commits added to the working copy.
type Result struct {
	Conflict *Conflict
	Commits  int
}

type Engine struct {
	logger *slog.Logger
}

func NewEngine(logger *slog.Logger) *Engine {
	return &Engine{logger: logger}
}

// Port cherry-picks src onto the current branch of wc. A conflict is not an
// error: the working copy then holds one commit carrying the conflict and the
// captured git output, and Result.Conflict is set.
func (e *Engine) Port(ctx context.Context, wc *git.WorkingCopy, src Source) (Result, error) {
	commits, err := SortCommits(src.Commits)
	if err != nil {
		return Result{}, err
	}
	if len(commits) == 0 {
		return Result{}, errors.New("port: pull request has no commits")
	}
	logger := e.logger.With("pr", src.Number)

	r := wc.Git()
	original, err := r.Run(ctx, "rev-parse", "HEAD")
	if err != nil {
		return Result{}, fmt.Errorf("resolve original head: %w", err)
	}
	logger.Info("copying commits", "count", len(commits), "onto", original)

	prev := original
	for _, c := range commits {
		conf := r.WithEnv(commitEnv(c)...)

		res, err := conf.Try(ctx, "cherry-pick", c.SHA)
		if err != nil {
			return Result{}, fmt.Errorf("cherry-pick %s: %w", c.SHA, err)
		}
		if !res.OK() {
			logger.Debug("cherry-pick failed, retrying with unlimited rename detection", "sha", c.SHA, "stderr", cleanRename(res.Stderr))
			if _, err := conf.Run(ctx, "reset", "--hard", prev); err != nil {
				return Result{}, fmt.Errorf("reset before retry: %w", err)
			}
			res, err = conf.WithParams("merge.renamelimit=0").Try(ctx, "cherry-pick", c.SHA)
			if err != nil {
				return Result{}, fmt.Errorf("cherry-pick %s: %w", c.SHA, err)
			}
		}

		if !res.OK() {
			level := slog.LevelInfo
			if res.Code == 128 {
				level = slog.LevelWarn
			}
			logger.Log(ctx, level, "forward-port failed", "sha", c.SHA, "code", res.Code)
			if _, err := conf.Run(ctx, "reset", "--hard", original); err != nil {
				return Result{}, fmt.Errorf("reset after failed cherry-pick: %w", err)
			}
			conflict := &Conflict{
				SHA:     c.SHA,
				Stdout:  res.Stdout,
				Stderr:  cleanRename(res.Stderr),
				Commits: shas(commits),
			}
			return e.squash(ctx, wc, src, commits, conflict)
		}

		msg := ForwardPortMessage(c.Message, mergedSHA(src.CommitsMap, c.SHA))
		if _, err := conf.RunInput(ctx, msg, "commit", "--amend", "-F", "-"); err != nil {
			return Result{}, fmt.Errorf("rewrite message of %s: %w", c.SHA, err)
		}
		if prev, err = r.Run(ctx, "rev-parse", "HEAD"); err != nil {
			return Result{}, fmt.Errorf("resolve head: %w", err)
		}
		logger.Info("cherry-picked", "sha", c.SHA, "result", prev)
	}
	return Result{Commits: len(commits)}, nil
}

// squash collapses the PR into one commit and cherry-picks it without
// failing, so the conflict markers end up committed on the port branch.
func (e *Engine) squash(ctx context.Context, wc *git.WorkingCopy, src Source, commits []domain.Commit, conflict *Conflict) (Result, error) {
	first, head := commits[0], commits[len(commits)-1]
	if len(first.Parents) == 0 {
		return Result{}, fmt.Errorf("squash: commit %s has no parent", first.SHA)
	}

	r := wc.Git()
	branch, err := r.Run(ctx, "symbolic-ref", "--short", "HEAD")
	if err != nil {
		return Result{}, fmt.Errorf("resolve port branch: %w", err)
	}
	if _, err := r.Run(ctx, "checkout", "-b", "squashed", fmt.Sprintf("origin/pull/%d", src.Number)); err != nil {
		return Result{}, fmt.Errorf("checkout pull request head: %w", err)
	}

	conf := r.WithEnv(squashEnv(commits, head, src.Fallback)...)
	if _, err := conf.Run(ctx, "reset", "--soft", first.Parents[0]); err != nil {
		return Result{}, fmt.Errorf("squash reset: %w", err)
	}
	if _, err := conf.Run(ctx, "commit", "--all", "--message", "temp"); err != nil {
		return Result{}, fmt.Errorf("squash commit: %w", err)
	}
	squashed, err := conf.Run(ctx, "rev-parse", "HEAD")
	if err != nil {
		return Result{}, fmt.Errorf("resolve squashed commit: %w", err)
	}

	if _, err := conf.Run(ctx, "checkout", branch); err != nil {
		return Result{}, fmt.Errorf("checkout port branch: %w", err)
	}
	if _, err := conf.WithParams("merge.renamelimit=0").Try(ctx, "cherry-pick", "--no-commit", squashed); err != nil {
		return Result{}, fmt.Errorf("cherry-pick squashed commit: %w", err)
	}
	status, err := conf.Run(ctx, "status", "--short", "--untracked-files=no")
	if err != nil {
		return Result{}, fmt.Errorf("status after squashed cherry-pick: %w", err)
	}
	if strings.TrimSpace(conflict.Stderr) != "" {
		conflict.Stderr = strings.TrimRight(conflict.Stderr, "\n") + "\n----------\nstatus:\n" + status
	} else {
		conflict.Stderr = "status:\n" + status
	}

	var msg string
	if len(commits) == 1 {
		m := ParseMessage(first.Message)
		m.Body = strings.TrimRight(m.Body, "\n") + "\n\n" + diagnostics(conflict)
		m.Rename("signed-off-by", "original-signed-off-by")
		m.Set("x-original-commit", mergedSHA(src.CommitsMap, first.SHA))
		msg = m.String()
	} else {
		msg = diagnostics(conflict)
	}
	if _, err := conf.RunInput(ctx, msg, "commit", "--all", "--allow-empty", "-F", "-"); err != nil {
		return Result{}, fmt.Errorf("commit conflict: %w", err)
	}
	e.logger.Info("committed squashed conflict", "pr", src.Number, "sha", conflict.SHA)
	return Result{Conflict: conflict, Commits: 1}, nil
}

func diagnostics(c *Conflict) string {
	return fmt.Sprintf("Cherry pick of %s failed\n\nstdout:\n%s\nstderr:\n%s\n", c.SHA, c.Stdout, c.Stderr)
}

func mergedSHA(commitsMap map[string]string, sha string) string {
	if merged, ok := commitsMap[sha]; ok && merged != "" {
		return merged
	}
	return sha
}

func shas(commits []domain.Commit) []string {
	out := make([]string, len(commits))
	for i, c := range commits {
		out[i] = c.SHA
	}
	return out
}

// cleanRename drops the inexact rename detection noise git prints on every pick.
func cleanRename(s string) string {
	lines := strings.Split(s, "\n")
	kept := lines[:0]
	for _, l := range lines {
		if !strings.HasPrefix(l, "Performing inexact rename detection") {
			kept = append(kept, l)
		}
	}
	return strings.Join(kept, "\n")
}

func commitEnv(c domain.Commit) []string {
	env := []string{
		"GIT_AUTHOR_NAME=" + c.Author.Name,
		"GIT_AUTHOR_EMAIL=" + c.Author.Email,
		"GIT_COMMITTER_NAME=" + c.Committer.Name,
		"GIT_COMMITTER_EMAIL=" + c.Committer.Email,
	}
	if !c.Author.When.IsZero() {
		env = append(env, "GIT_AUTHOR_DATE="+c.Author.When.Format(time.RFC3339))
	}
	return env
}

// squashEnv keeps the authorship of a single-author PR and attributes a
// multi-author one to the fallback identity.
func squashEnv(commits []domain.Commit, head domain.Commit, fallback git.Identity) []string {
	type who struct{ name, email string }
	authors := make(map[who]struct{})
	committers := make(map[who]struct{})
	for _, c := range commits {
		authors[who{c.Author.Name, c.Author.Email}] = struct{}{}
		committers[who{c.Committer.Name, c.Committer.Email}] = struct{}{}
	}

	env := make([]string, 0, 6)
	if len(authors) == 1 {
		env = append(env, "GIT_AUTHOR_NAME="+head.Author.Name, "GIT_AUTHOR_EMAIL="+head.Author.Email)
		if !head.Author.When.IsZero() {
			env = append(env, "GIT_AUTHOR_DATE="+head.Author.When.Format(time.RFC3339))
		}
	} else {
		env = append(env, "GIT_AUTHOR_NAME="+fallback.Name, "GIT_AUTHOR_EMAIL="+fallback.Email)
	}
	if len(committers) == 1 {
		env = append(env, "GIT_COMMITTER_NAME="+head.Committer.Name, "GIT_COMMITTER_EMAIL="+head.Committer.Email)
	} else {
		env = append(env, "GIT_COMMITTER_NAME="+fallback.Name, "GIT_COMMITTER_EMAIL="+fallback.Email)
	}
	return env
}
