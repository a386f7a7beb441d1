// Package github is the slice of the GitHub REST API the forward-port bot uses.
package github

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	gogithub "github.com/google/go-github/v62/github"
	"golang.org/x/oauth2"

	"github.com/forsitet/fwbot/internal/domain"
)

const perPage = 100

// ErrNoPrimaryEmail is returned by Identity when the account has no primary email.
var ErrNoPrimaryEmail = errors.New("github account has no primary email")

// Client is a token-bound GitHub client. Repositories are addressed as owner/name.
type Client struct {
	gh *gogithub.Client
}

// NewClient creates a client authenticating with token. An empty baseURL
// targets api.github.com.
func NewClient(ctx context.Context, token, baseURL string) (*Client, error) {
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	gh := gogithub.NewClient(oauth2.NewClient(ctx, ts))

	if baseURL != "" {
		if !strings.HasSuffix(baseURL, "/") {
			baseURL += "/"
		}
		u, err := url.Parse(baseURL)
		if err != nil {
			return nil, fmt.Errorf("parse github base url %q: %w", baseURL, err)
		}
		gh.BaseURL = u
	}
	return &Client{gh: gh}, nil
}

func splitRepo(repo string) (string, string, error) {
	owner, name, ok := strings.Cut(repo, "/")
	if !ok || owner == "" || name == "" {
		return "", "", fmt.Errorf("invalid repository name %q", repo)
	}
	return owner, name, nil
}

func isNotFound(err error) bool {
	var ge *gogithub.ErrorResponse
	return errors.As(err, &ge) && ge.Response != nil && ge.Response.StatusCode == http.StatusNotFound
}

// ListPullCommits returns every commit of a pull request in listing order.
func (c *Client) ListPullCommits(ctx context.Context, repo string, number int) ([]domain.Commit, error) {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return nil, err
	}

	var commits []domain.Commit
	opts := &gogithub.ListOptions{PerPage: perPage}
	for {
		page, resp, err := c.gh.PullRequests.ListCommits(ctx, owner, name, number, opts)
		if err != nil {
			return nil, fmt.Errorf("list commits of %s#%d: %w", repo, number, err)
		}
		for _, rc := range page {
			commits = append(commits, toCommit(rc))
		}
		if resp.NextPage == 0 {
			return commits, nil
		}
		opts.Page = resp.NextPage
	}
}

func toCommit(rc *gogithub.RepositoryCommit) domain.Commit {
	gc := rc.GetCommit()
	c := domain.Commit{
		SHA:       rc.GetSHA(),
		Message:   gc.GetMessage(),
		Author:    toSignature(gc.GetAuthor()),
		Committer: toSignature(gc.GetCommitter()),
	}
	for _, p := range rc.Parents {
		c.Parents = append(c.Parents, p.GetSHA())
	}
	return c
}

func toSignature(a *gogithub.CommitAuthor) domain.Signature {
	return domain.Signature{
		Name:  a.GetName(),
		Email: a.GetEmail(),
		When:  a.GetDate().Time,
	}
}

type NewPullRequest struct {
	Title string
	Body  string
	// Head is owner:branch of the fork branch.
	Head string
	Base string
}

// CreatedPullRequest is what the bot records about a PR it opened.
type CreatedPullRequest struct {
	Number  int
	Head    string
	HTMLURL string
}

func (c *Client) CreatePullRequest(ctx context.Context, repo string, pr NewPullRequest) (CreatedPullRequest, error) {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return CreatedPullRequest{}, err
	}
	created, _, err := c.gh.PullRequests.Create(ctx, owner, name, &gogithub.NewPullRequest{
		Title:               gogithub.String(pr.Title),
		Body:                gogithub.String(pr.Body),
		Head:                gogithub.String(pr.Head),
		Base:                gogithub.String(pr.Base),
		MaintainerCanModify: gogithub.Bool(false),
	})
	if err != nil {
		return CreatedPullRequest{}, fmt.Errorf("create pull request %s -> %s:%s: %w", pr.Head, repo, pr.Base, err)
	}
	return CreatedPullRequest{
		Number:  created.GetNumber(),
		Head:    created.GetHead().GetSHA(),
		HTMLURL: created.GetHTMLURL(),
	}, nil
}

// Comment posts an issue comment on a pull request.
func (c *Client) Comment(ctx context.Context, repo string, number int, body string) error {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return err
	}
	if _, _, err := c.gh.Issues.CreateComment(ctx, owner, name, number, &gogithub.IssueComment{Body: gogithub.String(body)}); err != nil {
		return fmt.Errorf("comment on %s#%d: %w", repo, number, err)
	}
	return nil
}

func (c *Client) AddLabels(ctx context.Context, repo string, number int, labels ...string) error {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return err
	}
	if _, _, err := c.gh.Issues.AddLabelsToIssue(ctx, owner, name, number, labels); err != nil {
		return fmt.Errorf("label %s#%d: %w", repo, number, err)
	}
	return nil
}

// BranchHead returns the head of branch, found is false when it does not exist.
func (c *Client) BranchHead(ctx context.Context, repo, branch string) (sha string, found bool, err error) {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return "", false, err
	}
	ref, _, err := c.gh.Git.GetRef(ctx, owner, name, "heads/"+branch)
	if isNotFound(err) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get ref %s:%s: %w", repo, branch, err)
	}
	return ref.GetObject().GetSHA(), true, nil
}

// DeleteBranch removes branch; a missing branch is not an error.
func (c *Client) DeleteBranch(ctx context.Context, repo, branch string) error {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return err
	}
	_, err = c.gh.Git.DeleteRef(ctx, owner, name, "heads/"+branch)
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("delete ref %s:%s: %w", repo, branch, err)
	}
	return nil
}

// Identity is the account behind the token.
type Identity struct {
	Login string
	Name  string
	Email string
}

// Identity returns the authenticated account's login, display name and
// primary email. Accounts without a display name use their login.
func (c *Client) Identity(ctx context.Context) (Identity, error) {
	user, _, err := c.gh.Users.Get(ctx, "")
	if err != nil {
		return Identity{}, fmt.Errorf("get authenticated user: %w", err)
	}
	id := Identity{Login: user.GetLogin(), Name: user.GetName()}
	if id.Name == "" {
		id.Name = id.Login
	}

	emails, _, err := c.gh.Users.ListEmails(ctx, &gogithub.ListOptions{PerPage: perPage})
	if err != nil {
		return Identity{}, fmt.Errorf("list emails of %s: %w", id.Login, err)
	}
	for _, e := range emails {
		if e.GetPrimary() {
			id.Email = e.GetEmail()
			return id, nil
		}
	}
	return Identity{}, fmt.Errorf("%s: %w", id.Login, ErrNoPrimaryEmail)
}
