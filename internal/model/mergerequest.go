// Package model contains the state miro tracks per repository and pull
// request.
package model

import (
	"fmt"
	"time"
)

// Repository identifies a GitHub repository.
type Repository struct {
	Owner string
	Name  string
}

func (r Repository) String() string {
	return fmt.Sprintf("%s/%s", r.Owner, r.Name)
}

// Key identifies a MergeRequest.
type Key struct {
	Repository
	PRNumber int
}

func NewKey(owner, repo string, prNumber int) Key {
	return Key{
		Repository: Repository{Owner: owner, Name: repo},
		PRNumber:   prNumber,
	}
}

func (k Key) String() string {
	return fmt.Sprintf("%s#%d", k.Repository, k.PRNumber)
}

// State is the lifecycle state of a MergeRequest.
type State string

const (
	StateOpen   State = ""
	StateMerged State = "MERGED"
)

// CheckState is the reported state of a commit status.
type CheckState string

const (
	CheckStatePending CheckState = "pending"
	CheckStateSuccess CheckState = "success"
	CheckStateFailure CheckState = "failure"
	CheckStateError   CheckState = "error"
)

// ParseCheckState converts a github commit status state to a CheckState.
func ParseCheckState(s string) (CheckState, error) {
	switch cs := CheckState(s); cs {
	case CheckStatePending, CheckStateSuccess, CheckStateFailure, CheckStateError:
		return cs, nil
	default:
		return "", fmt.Errorf("unsupported check state: %q", s)
	}
}

// IsFailed returns true for the failure and error states.
func (s CheckState) IsFailed() bool {
	return s == CheckStateFailure || s == CheckStateError
}

// CheckStatus is the last reported state of a named status check.
type CheckStatus struct {
	Name      string
	State     CheckState
	UpdatedAt time.Time
	TargetURL string
}

// MergeRequest is the tracked state of an open pull request.
type MergeRequest struct {
	Key
	Title     string
	Author    string
	CreatedAt time.Time
	Branch    string
	SHA       string
	IsFork    bool
	// Checks contains at most one entry per name.
	Checks []CheckStatus

	ReceivedMergeCommand bool
	// MergeCommandAt is the time the PR was armed for merging. The zero
	// value means it was never armed or the merge was cancelled.
	MergeCommandAt time.Time

	State State
}

// IsArmed returns true if a merge was requested and not cancelled.
func (mr *MergeRequest) IsArmed() bool {
	return mr.ReceivedMergeCommand
}

// IsMerged returns true if miro merged the pull request.
func (mr *MergeRequest) IsMerged() bool {
	return mr.State == StateMerged
}

// NoFailingChecks returns true if no recorded check is in failure or error
// state.
func (mr *MergeRequest) NoFailingChecks() bool {
	for _, c := range mr.Checks {
		if c.State.IsFailed() {
			return false
		}
	}

	return true
}

// Check returns the recorded status for name.
func (mr *MergeRequest) Check(name string) (CheckStatus, bool) {
	for _, c := range mr.Checks {
		if c.Name == name {
			return c, true
		}
	}

	return CheckStatus{}, false
}

// UpsertCheck replaces the entry with the same name or appends cs.
func (mr *MergeRequest) UpsertCheck(cs CheckStatus) {
	for i := range mr.Checks {
		if mr.Checks[i].Name == cs.Name {
			mr.Checks[i] = cs
			return
		}
	}

	mr.Checks = append(mr.Checks, cs)
}

// Clone returns a deep copy.
func (mr *MergeRequest) Clone() *MergeRequest {
	if mr == nil {
		return nil
	}

	result := *mr
	if mr.Checks != nil {
		result.Checks = make([]CheckStatus, len(mr.Checks))
		copy(result.Checks, mr.Checks)
	}

	return &result
}
