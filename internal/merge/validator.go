package merge

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/simplesurance/miro/internal/githubclt"
	"github.com/simplesurance/miro/internal/model"
)

const reviewStateChangesRequested = "CHANGES_REQUESTED"

// ValidationError is a human readable reason why a pull request can not be
// merged yet.
type ValidationError string

func (e ValidationError) String() string {
	return string(e)
}

type ReviewClient interface {
	RequestedReviewers(ctx context.Context, owner, repo string, prNumber int) (users, teams []string, err error)
	Reviews(ctx context.Context, owner, repo string, prNumber int) ([]*githubclt.Review, error)
}

type ChecksTracker interface {
	MissingChecks(ctx context.Context, repo model.Repository, reported []model.CheckStatus) ([]string, error)
}

// Validator evaluates if a pull request fulfills the review and status check
// requirements for merging.
// Review states are always retrieved from GitHub, they are not cached.
type Validator struct {
	clt    ReviewClient
	checks ChecksTracker
}

func NewValidator(clt ReviewClient, checks ChecksTracker) *Validator {
	return &Validator{clt: clt, checks: checks}
}

// Validate returns the reasons why mr can not be merged.
// An empty result means the pull request is mergeable.
func (v *Validator) Validate(ctx context.Context, mr *model.MergeRequest) ([]ValidationError, error) {
	var result []ValidationError

	users, teams, err := v.clt.RequestedReviewers(ctx, mr.Owner, mr.Name, mr.PRNumber)
	if err != nil {
		return nil, fmt.Errorf("retrieving requested reviewers failed: %w", err)
	}

	if len(users)+len(teams) > 0 {
		result = append(result, ValidationError(
			"Still waiting for a review from: "+strings.Join(append(teams, users...), ", "),
		))
	}

	reviews, err := v.clt.Reviews(ctx, mr.Owner, mr.Name, mr.PRNumber)
	if err != nil {
		return nil, fmt.Errorf("retrieving reviews failed: %w", err)
	}

	if requesters := changesRequestedBy(reviews); len(requesters) > 0 {
		result = append(result, ValidationError(
			"Changes requested by: "+strings.Join(requesters, ", "),
		))
	}

	missing, err := v.checks.MissingChecks(ctx, mr.Repository, mr.Checks)
	if err != nil {
		return nil, fmt.Errorf("evaluating missing checks failed: %w", err)
	}

	if len(missing) > 0 {
		result = append(result, ValidationError(
			"Pending status checks: "+strings.Join(missing, ", "),
		))
	}

	return result, nil
}

// changesRequestedBy returns the logins of reviewers whose latest review
// requested changes.
func changesRequestedBy(reviews []*githubclt.Review) []string {
	latest := map[int64]*githubclt.Review{}

	for _, r := range reviews {
		cur, exists := latest[r.ReviewerID]
		if !exists || r.SubmittedAt.After(cur.SubmittedAt) {
			latest[r.ReviewerID] = r
		}
	}

	var result []string
	for _, r := range latest {
		if r.State == reviewStateChangesRequested {
			result = append(result, r.ReviewerLogin)
		}
	}

	sort.Strings(result)

	return result
}
