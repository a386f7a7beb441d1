package domain

import (
	"strings"
	"time"
)

type Project struct {
	ID       int64
	Name     string
	BotLogin string
	BotEmail string
}

type Repository struct {
	ID        int64
	ProjectID int64
	Name      string
	// ForkTarget is the owner/repo forward-port branches are pushed to.
	ForkTarget string
}

// ForkOwner returns the owner part of the fork target, or "" when none is configured.
func (r Repository) ForkOwner() string {
	owner, _, ok := strings.Cut(r.ForkTarget, "/")
	if !ok {
		return ""
	}
	return owner
}

type Branch struct {
	ID        int64
	ProjectID int64
	Name      string
	Sequence  int
	Active    bool
	FPTarget  bool
}

// Eligible reports whether forward-ports may target the branch.
func (b Branch) Eligible() bool {
	return b.Active && b.FPTarget
}

type PRState string

const (
	PRStateOpened    PRState = "opened"
	PRStateApproved  PRState = "approved"
	PRStateValidated PRState = "validated"
	PRStateReady     PRState = "ready"
	PRStateMerged    PRState = "merged"
	PRStateClosed    PRState = "closed"
)

// DefaultReminderBackoff is the initial reminder backoff factor: the first
// reminder waits 2^-4 days past the reminder delay.
const DefaultReminderBackoff = -4

type PullRequest struct {
	ID           int64
	RepositoryID int64
	Number       int
	TargetID     int64
	Head         string
	State        PRState
	// Label is owner:branch of the PR's head.
	Label    string
	Author   string
	Reviewer string
	Message  string
	ParentID int64
	SourceID int64
	LimitID  int64
	Squash   bool
	// CommitsMap maps PR commit shas to the shas that actually landed upstream.
	CommitsMap      map[string]string
	MergedAt        time.Time
	ReminderBackoff int
}

func (p PullRequest) IsClosedOrMerged() bool {
	return p.State == PRStateMerged || p.State == PRStateClosed
}

// RefName is the branch part of the label.
func (p PullRequest) RefName() string {
	if _, branch, ok := strings.Cut(p.Label, ":"); ok {
		return branch
	}
	return p.Label
}

// LabelOwner is the owner part of the label.
func (p PullRequest) LabelOwner() string {
	owner, _, ok := strings.Cut(p.Label, ":")
	if !ok {
		return ""
	}
	return owner
}

type Batch struct {
	ID       int64
	TargetID int64
	Active   bool
	PRIDs    []int64
}

type TaskSource string

const (
	TaskSourceMerge  TaskSource = "merge"
	TaskSourceFP     TaskSource = "fp"
	TaskSourceInsert TaskSource = "insert"
)

type ForwardPortTask struct {
	ID         int64
	BatchID    int64
	Source     TaskSource
	RetryAfter time.Time
	Attempts   int
}

type UpdateTask struct {
	ID           int64
	OriginalRoot int64
	NewRoot      int64
}

type BranchRemovalTask struct {
	ID       int64
	PRID     int64
	MergedAt time.Time
}

type Signature struct {
	Name  string
	Email string
	When  time.Time
}

type Commit struct {
	SHA       string
	Message   string
	Author    Signature
	Committer Signature
	Parents   []string
}
