package cherrypick

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/forsitet/fwbot/internal/domain"
	"github.com/forsitet/fwbot/internal/git"
)

var alice = domain.Signature{Name: "Alice", Email: "alice@example.com", When: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}

func gitRun(t *testing.T, dir string, args ...string) string {
	t.Helper()
	out, err := git.NewRunner(dir).WithEnv(
		"GIT_AUTHOR_NAME=Alice", "GIT_AUTHOR_EMAIL=alice@example.com",
		"GIT_COMMITTER_NAME=Alice", "GIT_COMMITTER_EMAIL=alice@example.com",
	).Run(context.Background(), args...)
	require.NoError(t, err)
	return out
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

// setup builds an upstream with branches a and b and a PR (refs/heads/pull/1)
// opened against a. onB is applied to b after it forks from a. It returns a
// working copy of b and the PR's commits.
func setup(t *testing.T, onB func(dir string), prMessages ...string) (*git.WorkingCopy, []domain.Commit) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git binary not available")
	}

	up := t.TempDir()
	gitRun(t, up, "init", "-b", "a")
	writeFile(t, up, "f", "x\n")
	gitRun(t, up, "add", "f")
	gitRun(t, up, "commit", "-m", "initial")

	gitRun(t, up, "checkout", "-b", "b")
	onB(up)

	gitRun(t, up, "checkout", "a")
	gitRun(t, up, "checkout", "-b", "feature")
	var commits []domain.Commit
	for i, msg := range prMessages {
		writeFile(t, up, "f", strings.Repeat("y", i+1)+"\n")
		gitRun(t, up, "commit", "-am", msg)
		sha := gitRun(t, up, "rev-parse", "HEAD")
		parent := gitRun(t, up, "rev-parse", "HEAD^")
		commits = append(commits, domain.Commit{
			SHA:       sha,
			Message:   gitRun(t, up, "log", "-1", "--format=%B", sha),
			Author:    alice,
			Committer: alice,
			Parents:   []string{parent},
		})
	}
	gitRun(t, up, "update-ref", "refs/heads/pull/1", "feature")
	gitRun(t, up, "checkout", "a")

	dir := filepath.Join(t.TempDir(), "wc")
	gitRun(t, "", "clone", "-b", "b", up, dir)
	gitRun(t, dir, "config", "user.name", "bot")
	gitRun(t, dir, "config", "user.email", "bot@example.com")
	return git.OpenWorkingCopy(dir), commits
}

func newEngine() *Engine {
	return NewEngine(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestPortClean(t *testing.T) {
	wc, commits := setup(t, func(dir string) {
		writeFile(t, dir, "g", "other\n")
		gitRun(t, dir, "add", "g")
		gitRun(t, dir, "commit", "-m", "b only")
	}, "change f\n\nSigned-off-by: Alice <alice@example.com>")

	merged := strings.Repeat("ab", 20)
	res, err := newEngine().Port(context.Background(), wc, Source{
		Number:     1,
		Commits:    commits,
		CommitsMap: map[string]string{commits[0].SHA: merged},
	})
	require.NoError(t, err)
	require.Nil(t, res.Conflict)
	require.Equal(t, 1, res.Commits)

	msg := gitRun(t, wc.Dir(), "log", "-1", "--format=%B")
	require.Contains(t, msg, "Original-signed-off-by: Alice <alice@example.com>")
	require.NotContains(t, msg, "\nSigned-off-by:")
	require.Equal(t, 1, strings.Count(msg, "X-original-commit:"))
	require.Contains(t, msg, "X-original-commit: "+merged)

	require.Equal(t, "Alice", gitRun(t, wc.Dir(), "log", "-1", "--format=%an"))
	require.Equal(t, "1", gitRun(t, wc.Dir(), "rev-list", "--count", "origin/b..HEAD"))

	content, err := os.ReadFile(filepath.Join(wc.Dir(), "f"))
	require.NoError(t, err)
	require.Equal(t, "y\n", string(content))
}

func TestPortKeepsCommitOrder(t *testing.T) {
	wc, commits := setup(t, func(string) {}, "first", "second", "third")
	// listing order is not ancestry order
	shuffled := []domain.Commit{commits[2], commits[0], commits[1]}

	res, err := newEngine().Port(context.Background(), wc, Source{Number: 1, Commits: shuffled})
	require.NoError(t, err)
	require.Nil(t, res.Conflict)
	require.Equal(t, 3, res.Commits)

	subjects := gitRun(t, wc.Dir(), "log", "--format=%s", "origin/b..HEAD")
	require.Equal(t, "third\nsecond\nfirst", subjects)
}

func TestPortConflictSquashes(t *testing.T) {
	wc, commits := setup(t, func(dir string) {
		writeFile(t, dir, "f", "z\n")
		gitRun(t, dir, "commit", "-am", "diverge")
	}, "change f")

	res, err := newEngine().Port(context.Background(), wc, Source{
		Number:   1,
		Commits:  commits,
		Fallback: git.Identity{Name: "bot", Email: "bot@example.com"},
	})
	require.NoError(t, err)
	require.NotNil(t, res.Conflict)
	require.Equal(t, commits[0].SHA, res.Conflict.SHA)
	require.Equal(t, []string{commits[0].SHA}, res.Conflict.Commits)
	require.Contains(t, res.Conflict.Stderr, "status:")
	require.Equal(t, 1, res.Commits)

	require.Equal(t, "1", gitRun(t, wc.Dir(), "rev-list", "--count", "origin/b..HEAD"))
	msg := gitRun(t, wc.Dir(), "log", "-1", "--format=%B")
	require.True(t, strings.HasPrefix(msg, "change f"))
	require.Contains(t, msg, "Cherry pick of "+commits[0].SHA+" failed")
	require.Contains(t, msg, "stderr:")
	require.Contains(t, msg, "X-original-commit: "+commits[0].SHA)

	content, err := os.ReadFile(filepath.Join(wc.Dir(), "f"))
	require.NoError(t, err)
	require.Contains(t, string(content), "<<<<<<<")
}

func TestPortConflictMultipleCommits(t *testing.T) {
	wc, commits := setup(t, func(dir string) {
		writeFile(t, dir, "f", "z\n")
		gitRun(t, dir, "commit", "-am", "diverge")
	}, "one", "two")

	res, err := newEngine().Port(context.Background(), wc, Source{
		Number:   1,
		Commits:  commits,
		Fallback: git.Identity{Name: "bot", Email: "bot@example.com"},
	})
	require.NoError(t, err)
	require.NotNil(t, res.Conflict)

	msg := gitRun(t, wc.Dir(), "log", "-1", "--format=%B")
	require.True(t, strings.HasPrefix(msg, "Cherry pick of "+commits[0].SHA+" failed"))
	require.Equal(t, "1", gitRun(t, wc.Dir(), "rev-list", "--count", "origin/b..HEAD"))
}

func numbered(first, last string) string {
	lines := []string{first}
	for i := 2; i < 10; i++ {
		lines = append(lines, fmt.Sprintf("line %d", i))
	}
	return strings.Join(append(lines, last), "\n") + "\n"
}

func TestPortRetriesWithUnlimitedRenames(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git binary not available")
	}

	up := t.TempDir()
	gitRun(t, up, "init", "-b", "a")
	writeFile(t, up, "one.txt", numbered("one 1", "one 10"))
	writeFile(t, up, "two.txt", numbered("two 1", "two 10"))
	gitRun(t, up, "add", ".")
	gitRun(t, up, "commit", "-m", "initial")

	// b renames both files and touches their last line, so only inexact
	// rename detection pairs them up
	gitRun(t, up, "checkout", "-b", "b")
	gitRun(t, up, "mv", "one.txt", "uno.txt")
	gitRun(t, up, "mv", "two.txt", "dos.txt")
	writeFile(t, up, "uno.txt", numbered("one 1", "uno 10"))
	writeFile(t, up, "dos.txt", numbered("two 1", "dos 10"))
	gitRun(t, up, "commit", "-am", "rename")

	gitRun(t, up, "checkout", "a")
	gitRun(t, up, "checkout", "-b", "feature")
	writeFile(t, up, "one.txt", numbered("one 1 fixed", "one 10"))
	writeFile(t, up, "two.txt", numbered("two 1 fixed", "two 10"))
	gitRun(t, up, "commit", "-am", "fix both")
	sha := gitRun(t, up, "rev-parse", "HEAD")
	commits := []domain.Commit{{
		SHA:       sha,
		Message:   "fix both",
		Author:    alice,
		Committer: alice,
		Parents:   []string{gitRun(t, up, "rev-parse", "HEAD^")},
	}}
	gitRun(t, up, "update-ref", "refs/heads/pull/1", "feature")
	gitRun(t, up, "checkout", "a")

	dir := filepath.Join(t.TempDir(), "wc")
	gitRun(t, "", "clone", "-b", "b", up, dir)
	gitRun(t, dir, "config", "user.name", "bot")
	gitRun(t, dir, "config", "user.email", "bot@example.com")
	// too low for two renames: the first pick ends in modify/delete conflicts
	gitRun(t, dir, "config", "merge.renameLimit", "1")
	wc := git.OpenWorkingCopy(dir)

	res, err := newEngine().Port(context.Background(), wc, Source{Number: 1, Commits: commits})
	require.NoError(t, err)
	require.Nil(t, res.Conflict)
	require.Equal(t, 1, res.Commits)

	require.Equal(t, "1", gitRun(t, dir, "rev-list", "--count", "origin/b..HEAD"))
	msg := gitRun(t, dir, "log", "-1", "--format=%B")
	require.True(t, strings.HasPrefix(msg, "fix both"))
	require.Equal(t, 1, strings.Count(msg, "X-original-commit:"))
	require.Contains(t, msg, "X-original-commit: "+sha)

	for name, want := range map[string]string{
		"uno.txt": numbered("one 1 fixed", "uno 10"),
		"dos.txt": numbered("two 1 fixed", "dos 10"),
	} {
		content, err := os.ReadFile(filepath.Join(dir, name))
		require.NoError(t, err)
		require.Equal(t, want, string(content), name)
	}
	_, err = os.Stat(filepath.Join(dir, "one.txt"))
	require.True(t, os.IsNotExist(err))
}
