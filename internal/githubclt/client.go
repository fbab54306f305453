// Package githubclt provides a github API client.
package githubclt

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"github.com/google/go-github/v59/github"
	"github.com/shurcooL/githubv4"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/simplesurance/miro/internal/logfields"
	"github.com/simplesurance/miro/internal/miroerr"
)

const DefaultHTTPClientTimeout = time.Minute

const loggerName = "github_client"

var (
	ErrNotFound      = errors.New("not found")
	ErrMergeConflict = errors.New("merge conflict")
)

// New returns a new github api client.
func New(oauthAPItoken string) *Client {
	httpClient := newHTTPClient(oauthAPItoken)
	return &Client{
		restClt:    github.NewClient(httpClient),
		graphQLClt: githubv4.NewClient(httpClient),
		logger:     zap.L().Named(loggerName),
	}
}

func newHTTPClient(apiToken string) *http.Client {
	if apiToken == "" {
		return &http.Client{
			Timeout: DefaultHTTPClientTimeout,
		}
	}

	ts := oauth2.StaticTokenSource(
		&oauth2.Token{AccessToken: apiToken},
	)

	tc := oauth2.NewClient(context.Background(), ts)
	tc.Timeout = DefaultHTTPClientTimeout

	return tc
}

// Client is an github API client.
// Methods return a miroerr.RetryableError when an operation failed
// temporarily, e.g. because the API ratelimit is exceeded.
type Client struct {
	restClt    *github.Client
	graphQLClt *githubv4.Client
	logger     *zap.Logger
}

func statusCode(err error) int {
	var respErr *github.ErrorResponse
	if errors.As(err, &respErr) && respErr.Response != nil {
		return respErr.Response.StatusCode
	}

	return 0
}

// CreateIssueComment creates a comment in a issue or pull request
func (clt *Client) CreateIssueComment(ctx context.Context, owner, repo string, issueOrPRNr int, comment string) error {
	_, _, err := clt.restClt.Issues.CreateComment(ctx, owner, repo, issueOrPRNr, &github.IssueComment{Body: &comment})
	return clt.wrapRetryableErrors(err)
}

// RequiredStatusChecks returns the names of the status checks that are
// required by the branch protection of branch.
// If the branch is not protected an empty slice is returned.
func (clt *Client) RequiredStatusChecks(ctx context.Context, owner, repo, branch string) ([]string, error) {
	contexts, _, err := clt.restClt.Repositories.ListRequiredStatusChecksContexts(ctx, owner, repo, branch)
	if err != nil {
		if errors.Is(err, github.ErrBranchNotProtected) || statusCode(err) == http.StatusNotFound {
			clt.logger.Debug(
				"branch protection or required status checks not found",
				logfields.RepositoryOwner(owner),
				logfields.Repository(repo),
				logfields.Branch(branch),
				logfields.Event("github_required_status_checks_not_found"),
			)

			return []string{}, nil
		}

		return nil, clt.wrapRetryableErrors(err)
	}

	return contexts, nil
}

// RequestedReviewers returns the logins of users and the names of teams from
// that a review was requested and that did not submit it yet.
func (clt *Client) RequestedReviewers(ctx context.Context, owner, repo string, prNumber int) (users, teams []string, err error) {
	opts := github.ListOptions{PerPage: 100}

	for {
		reviewers, resp, err := clt.restClt.PullRequests.ListReviewers(ctx, owner, repo, prNumber, &opts)
		if err != nil {
			return nil, nil, clt.wrapRetryableErrors(err)
		}

		for _, u := range reviewers.Users {
			users = append(users, u.GetLogin())
		}

		for _, t := range reviewers.Teams {
			teams = append(teams, t.GetName())
		}

		if resp.NextPage == 0 {
			return users, teams, nil
		}

		opts.Page = resp.NextPage
	}
}

// Review is a submitted pull request review.
type Review struct {
	ReviewerID    int64
	ReviewerLogin string
	// State is the state in uppercase, as returned by the REST API,
	// e.g. APPROVED, CHANGES_REQUESTED, COMMENTED.
	State       string
	SubmittedAt time.Time
}

// Reviews returns all reviews that were submitted for a pull request.
func (clt *Client) Reviews(ctx context.Context, owner, repo string, prNumber int) ([]*Review, error) {
	var result []*Review
	opts := github.ListOptions{PerPage: 100}

	for {
		reviews, resp, err := clt.restClt.PullRequests.ListReviews(ctx, owner, repo, prNumber, &opts)
		if err != nil {
			return nil, clt.wrapRetryableErrors(err)
		}

		for _, r := range reviews {
			result = append(result, &Review{
				ReviewerID:    r.GetUser().GetID(),
				ReviewerLogin: r.GetUser().GetLogin(),
				State:         r.GetState(),
				SubmittedAt:   r.GetSubmittedAt().Time,
			})
		}

		if resp.NextPage == 0 {
			return result, nil
		}

		opts.Page = resp.NextPage
	}
}

// MergeOutcome is the result of a merge attempt that did not fail with an
// error.
type MergeOutcome int

const (
	MergeOutcomeMerged MergeOutcome = iota
	// MergeOutcomeNotMergeable is returned when github refused the merge
	// because the pull request is not mergeable, e.g. because of a merge
	// conflict or failed branch protection requirements.
	MergeOutcomeNotMergeable
)

func (o MergeOutcome) String() string {
	switch o {
	case MergeOutcomeMerged:
		return "merged"
	case MergeOutcomeNotMergeable:
		return "not_mergeable"
	default:
		return "unknown"
	}
}

// SquashMerge merges the pull request with the squash merge method.
// commitTitle and commitMessage are used for the squash commit.
func (clt *Client) SquashMerge(ctx context.Context, owner, repo string, prNumber int, commitTitle, commitMessage string) (MergeOutcome, error) {
	res, _, err := clt.restClt.PullRequests.Merge(ctx, owner, repo, prNumber, commitMessage, &github.PullRequestOptions{
		CommitTitle: commitTitle,
		MergeMethod: "squash",
	})
	if err != nil {
		switch statusCode(err) {
		case http.StatusMethodNotAllowed, http.StatusConflict:
			clt.logger.Debug(
				"github refused merging pull request",
				logfields.RepositoryOwner(owner),
				logfields.Repository(repo),
				logfields.PullRequest(prNumber),
				logfields.Event("github_merge_refused"),
				zap.Error(err),
			)

			return MergeOutcomeNotMergeable, nil
		}

		return 0, clt.wrapRetryableErrors(err)
	}

	if !res.GetMerged() {
		return 0, fmt.Errorf("github responded that the pull request was not merged: %s", res.GetMessage())
	}

	return MergeOutcomeMerged, nil
}

// MergeBranch merges head into base.
// If base already contains head, the operation succeeds without changes.
// If the branches conflict ErrMergeConflict is returned.
func (clt *Client) MergeBranch(ctx context.Context, owner, repo, base, head, commitMessage string) error {
	_, _, err := clt.restClt.Repositories.Merge(ctx, owner, repo, &github.RepositoryMergeRequest{
		Base:          &base,
		Head:          &head,
		CommitMessage: &commitMessage,
	})
	if err != nil {
		if statusCode(err) == http.StatusConflict {
			return fmt.Errorf("merging %s into %s failed: %w", head, base, ErrMergeConflict)
		}

		return clt.wrapRetryableErrors(err)
	}

	return nil
}

// CreateCommitStatus creates a commit status for ref.
// ref can be a commit SHA, branch or tag name.
func (clt *Client) CreateCommitStatus(ctx context.Context, owner, repo, ref, state, statusContext, description string) error {
	_, _, err := clt.restClt.Repositories.CreateStatus(ctx, owner, repo, ref, &github.RepoStatus{
		State:       &state,
		Context:     &statusContext,
		Description: &description,
	})
	return clt.wrapRetryableErrors(err)
}

// DeleteBranch deletes a branch.
func (clt *Client) DeleteBranch(ctx context.Context, owner, repo, branch string) error {
	_, err := clt.restClt.Git.DeleteRef(ctx, owner, repo, "heads/"+branch)
	return clt.wrapRetryableErrors(err)
}

// FileContent returns the content of the file at path in the default branch
// of the repository.
// If the file does not exist ErrNotFound is returned.
func (clt *Client) FileContent(ctx context.Context, owner, repo, path string) ([]byte, error) {
	file, _, _, err := clt.restClt.Repositories.GetContents(ctx, owner, repo, path, nil)
	if err != nil {
		if statusCode(err) == http.StatusNotFound {
			return nil, fmt.Errorf("%s: %w", path, ErrNotFound)
		}

		return nil, clt.wrapRetryableErrors(err)
	}

	if file == nil {
		return nil, fmt.Errorf("%s is a directory", path)
	}

	content, err := file.GetContent()
	if err != nil {
		return nil, fmt.Errorf("decoding content of %s failed: %w", path, err)
	}

	return []byte(content), nil
}

func (clt *Client) wrapRetryableErrors(err error) error {
	switch v := err.(type) {
	case *github.RateLimitError:
		clt.logger.Info(
			"rate limit exceeded",
			logfields.Event("github_api_rate_limit_exceeded"),
			zap.Int("github_api_rate_limit", v.Rate.Limit),
			zap.Time("github_api_rate_limit_reset_time", v.Rate.Reset.Time),
		)

		return miroerr.NewRetryableError(err, v.Rate.Reset.Time)

	case *github.AbuseRateLimitError:
		var after time.Time
		if d := v.GetRetryAfter(); d > 0 {
			after = time.Now().Add(d)
		}

		return miroerr.NewRetryableError(err, after)

	case *github.ErrorResponse:
		if v.Response.StatusCode >= 500 && v.Response.StatusCode < 600 {
			return miroerr.NewRetryableAnytimeError(err)
		}
	}

	return err
}

var graphQlHTTPStatusErrRe = regexp.MustCompile(`^non-200 OK status code: ([0-9]+) .*`)

func (clt *Client) wrapGraphQLRetryableErrors(err error) error {
	matches := graphQlHTTPStatusErrRe.FindStringSubmatch(err.Error())
	if len(matches) != 2 {
		return err
	}

	errcode, atoiErr := strconv.Atoi(matches[1])
	if atoiErr != nil {
		clt.logger.Info(
			"parsing http code from error string failed",
			zap.Error(atoiErr),
			zap.String("error_string", err.Error()),
			zap.String("http_errcode", matches[1]),
		)
		return err
	}

	if errcode >= 500 && errcode < 600 {
		return miroerr.NewRetryableAnytimeError(err)
	}

	return err
}
