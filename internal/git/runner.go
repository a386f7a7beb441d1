// Package git drives the git binary for repository mirrors and disposable
// working copies, and reads objects back through go-git.
package git

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
)

// DefaultCommandTimeout bounds every git invocation without its own deadline.
const DefaultCommandTimeout = 10 * time.Minute

// CommandError is a git invocation that exited non-zero.
type CommandError struct {
	Args     []string
	Stdout   string
	Stderr   string
	ExitCode int
	Err      error
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("git command failed: git %s (exit %d)", strings.Join(e.Args, " "), e.ExitCode)
	if e.Stderr != "" {
		msg += fmt.Sprintf("\nstderr: %s", e.Stderr)
	}
	if e.Stdout != "" {
		msg += fmt.Sprintf("\nstdout: %s", e.Stdout)
	}
	return msg
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

// Result is the outcome of a git call that is allowed to fail.
type Result struct {
	Code   int
	Stdout string
	Stderr string
}

func (r Result) OK() bool {
	return r.Code == 0
}

// Runner executes git in a directory with optional -c parameters and extra environment.
type Runner struct {
	dir    string
	params []string
	env    []string
}

func NewRunner(dir string) *Runner {
	return &Runner{dir: dir}
}

func (r *Runner) Dir() string {
	return r.dir
}

// WithParams returns a runner passing each param as `-c param`.
func (r *Runner) WithParams(params ...string) *Runner {
	c := *r
	c.params = append(append([]string(nil), r.params...), params...)
	return &c
}

// WithEnv returns a runner with additional KEY=VALUE environment entries.
func (r *Runner) WithEnv(env ...string) *Runner {
	c := *r
	c.env = append(append([]string(nil), r.env...), env...)
	return &c
}

// Run executes git and returns trimmed stdout, or a *CommandError.
func (r *Runner) Run(ctx context.Context, args ...string) (string, error) {
	res, err := r.exec(ctx, "", args)
	if err != nil {
		return "", err
	}
	if !res.OK() {
		return "", &CommandError{Args: args, Stdout: res.Stdout, Stderr: res.Stderr, ExitCode: res.Code}
	}
	return strings.TrimSpace(res.Stdout), nil
}

// RunInput is Run with stdin.
func (r *Runner) RunInput(ctx context.Context, input string, args ...string) (string, error) {
	res, err := r.exec(ctx, input, args)
	if err != nil {
		return "", err
	}
	if !res.OK() {
		return "", &CommandError{Args: args, Stdout: res.Stdout, Stderr: res.Stderr, ExitCode: res.Code}
	}
	return strings.TrimSpace(res.Stdout), nil
}

// Try executes git and reports a non-zero exit through Result rather than an error.
// The error is only set when git could not be run at all.
func (r *Runner) Try(ctx context.Context, args ...string) (Result, error) {
	return r.exec(ctx, "", args)
}

func (r *Runner) exec(ctx context.Context, input string, args []string) (Result, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultCommandTimeout)
		defer cancel()
	}

	full := make([]string, 0, len(args)+2*len(r.params))
	for _, p := range r.params {
		full = append(full, "-c", p)
	}
	full = append(full, args...)

	cmd := exec.CommandContext(ctx, "git", full...)
	if r.dir != "" {
		cmd.Dir = r.dir
	}
	if len(r.env) > 0 {
		cmd.Env = append(os.Environ(), r.env...)
	}
	if input != "" {
		cmd.Stdin = strings.NewReader(input)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if err == nil {
		return res, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && ctx.Err() == nil {
		res.Code = exitErr.ExitCode()
		return res, nil
	}
	return res, &CommandError{Args: args, Stdout: res.Stdout, Stderr: res.Stderr, ExitCode: -1, Err: err}
}
