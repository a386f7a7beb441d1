package git

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
)

// ErrStaleLease is returned when a force-with-lease push finds an unexpected remote head.
var ErrStaleLease = errors.New("stale info")

// Credentials authenticate clones and pushes.
type Credentials struct {
	Login string
	Token string
}

// Identity is the committer identity of the bot.
type Identity struct {
	Name  string
	Email string
}

// Workspace owns one bare mirror per upstream repository under a cache directory.
//
// Mirrors are shared by every task touching the repository; Lock serializes
// access to one repository's mirror.
type Workspace struct {
	cacheDir string
	baseURL  string
	logger   *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewWorkspace creates a workspace cloning from baseURL (https://github.com when empty).
func NewWorkspace(cacheDir, baseURL string, logger *slog.Logger) *Workspace {
	if baseURL == "" {
		baseURL = "https://github.com"
	}
	return &Workspace{
		cacheDir: cacheDir,
		baseURL:  strings.TrimSuffix(baseURL, "/"),
		logger:   logger,
		locks:    make(map[string]*sync.Mutex),
	}
}

// Lock takes the repository's mirror lock and returns its release function.
func (w *Workspace) Lock(repo string) func() {
	w.mu.Lock()
	l, ok := w.locks[repo]
	if !ok {
		l = &sync.Mutex{}
		w.locks[repo] = l
	}
	w.mu.Unlock()

	l.Lock()
	return l.Unlock
}

// RemoteURL returns the clone URL of owner/repo, with credentials embedded when set.
func (w *Workspace) RemoteURL(repo string, creds Credentials) string {
	u, err := url.Parse(w.baseURL + "/" + repo)
	if err != nil {
		return w.baseURL + "/" + repo
	}
	if creds.Token != "" && (u.Scheme == "https" || u.Scheme == "http") {
		u.User = url.UserPassword(creds.Login, creds.Token)
	}
	return u.String()
}

// authEnv returns environment entries handing creds to git as an
// Authorization header for http(s) remotes. The header lives in the
// command's environment only, so nothing is written to the repository config.
func (w *Workspace) authEnv(creds Credentials) []string {
	if creds.Token == "" || !(strings.HasPrefix(w.baseURL, "https://") || strings.HasPrefix(w.baseURL, "http://")) {
		return nil
	}
	basic := base64.StdEncoding.EncodeToString([]byte(creds.Login + ":" + creds.Token))
	return []string{
		"GIT_CONFIG_COUNT=1",
		"GIT_CONFIG_KEY_0=http.extraHeader",
		"GIT_CONFIG_VALUE_0=Authorization: Basic " + basic,
	}
}

// EnsureMirror clones the repository bare on first use and fetches it otherwise.
// The mirror's origin never carries credentials. Callers must hold Lock(repo).
func (w *Workspace) EnsureMirror(ctx context.Context, repo string, creds Credentials) (*Mirror, error) {
	dir := filepath.Join(w.cacheDir, "mirrors", filepath.FromSlash(repo))
	m := &Mirror{dir: dir, workDir: filepath.Join(w.cacheDir, "work"), git: NewRunner(dir)}
	origin := w.RemoteURL(repo, Credentials{})
	auth := w.authEnv(creds)

	if _, err := os.Stat(dir); err == nil {
		// mirrors cloned by older releases stored the token in the url
		if _, err := m.git.Run(ctx, "remote", "set-url", "origin", origin); err != nil {
			return nil, fmt.Errorf("reset mirror origin %s: %w", repo, err)
		}
		out, err := m.git.WithParams("gc.pruneExpire=1.day.ago").WithEnv(auth...).Run(ctx, "fetch", "-p", "origin")
		if err != nil {
			return nil, fmt.Errorf("fetch mirror %s: %w", repo, err)
		}
		w.logger.Debug("updated mirror", "repo", repo, "output", out)
		return m, nil
	}

	if err := os.MkdirAll(filepath.Dir(dir), 0o755); err != nil {
		return nil, fmt.Errorf("create mirror parent for %s: %w", repo, err)
	}

	w.logger.Info("cloning mirror", "repo", repo, "dir", dir)
	if _, err := NewRunner("").WithEnv(auth...).Run(ctx, "clone", "--bare", origin, dir); err != nil {
		return nil, fmt.Errorf("clone mirror %s: %w", repo, err)
	}
	// a bare clone has no fetch spec, adding one replaces the default so heads need their own
	for _, spec := range []string{
		"+refs/heads/*:refs/heads/*",
		"+refs/pull/*/head:refs/heads/pull/*",
	} {
		if _, err := m.git.Run(ctx, "config", "--add", "remote.origin.fetch", spec); err != nil {
			return nil, fmt.Errorf("configure mirror %s: %w", repo, err)
		}
	}
	if _, err := m.git.WithEnv(auth...).Run(ctx, "fetch", "-p", "origin"); err != nil {
		return nil, fmt.Errorf("initial fetch of mirror %s: %w", repo, err)
	}
	return m, nil
}

// Mirror is a bare, incrementally fetched copy of an upstream repository.
type Mirror struct {
	dir     string
	workDir string
	git     *Runner
}

func (m *Mirror) Dir() string {
	return m.dir
}

// HasCommit reports whether the commit object is present in the mirror.
func (m *Mirror) HasCommit(sha string) bool {
	repo, err := gogit.PlainOpen(m.dir)
	if err != nil {
		return false
	}
	_, err = repo.CommitObject(plumbing.NewHash(sha))
	return err == nil
}

type WorkingCopyOptions struct {
	// Prefix names the temporary directory.
	Prefix   string
	Identity Identity
	// TargetURL becomes the "target" remote when set.
	TargetURL string
}

// WorkingCopy clones branch out of the mirror into a fresh temporary directory.
func (m *Mirror) WorkingCopy(ctx context.Context, branch string, opts WorkingCopyOptions) (*WorkingCopy, error) {
	if err := os.MkdirAll(m.workDir, 0o755); err != nil {
		return nil, fmt.Errorf("create work dir: %w", err)
	}
	prefix := strings.NewReplacer("/", "-", ":", "-").Replace(opts.Prefix)
	dir, err := os.MkdirTemp(m.workDir, prefix+"-")
	if err != nil {
		return nil, fmt.Errorf("create working copy dir: %w", err)
	}

	if _, err := NewRunner("").Run(ctx, "clone", "-b", branch, m.dir, dir); err != nil {
		_ = os.RemoveAll(dir)
		return nil, fmt.Errorf("clone working copy of %s: %w", branch, err)
	}

	wc := &WorkingCopy{dir: dir, git: NewRunner(dir)}
	settings := [][]string{
		{"config", "user.name", opts.Identity.Name},
		{"config", "user.email", opts.Identity.Email},
	}
	if opts.TargetURL != "" {
		settings = append(settings, []string{"remote", "add", "target", opts.TargetURL})
	}
	for _, args := range settings {
		if _, err := wc.git.Run(ctx, args...); err != nil {
			_ = wc.Close()
			return nil, fmt.Errorf("configure working copy: %w", err)
		}
	}
	return wc, nil
}
