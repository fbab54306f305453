package githubclt

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/google/go-github/v59/github"
	"github.com/shurcooL/githubv4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/simplesurance/miro/internal/miroerr"
)

// newRESTTestClient returns a Client that sends REST requests to a test
// server serving mux.
func newRESTTestClient(t *testing.T, mux *http.ServeMux) *Client {
	t.Helper()

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	restClt := github.NewClient(srv.Client())
	baseURL, err := url.Parse(srv.URL + "/")
	require.NoError(t, err)
	restClt.BaseURL = baseURL

	return &Client{
		restClt: restClt,
		logger:  zap.L(),
	}
}

func TestWrapRetryableErrorsGraphql(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(503)
	}))

	t.Cleanup(srv.Close)

	clt := Client{
		logger:     zap.L(),
		graphQLClt: githubv4.NewEnterpriseClient(srv.URL, srv.Client()),
	}

	s, err := clt.CommitStatuses(context.Background(), "test", "test", "8ad9dec4298f6b8f020997373cf4fe22005f2c06")
	require.Error(t, err)
	assert.Nil(t, s)

	var retryableErr *miroerr.RetryableError
	assert.ErrorAs(t, err, &retryableErr)
}

func TestWrapRetryableErrorsGraphqlWithNonStatusErr(t *testing.T) {
	err := errors.New("error")
	wrappedErr := (&Client{}).wrapGraphQLRetryableErrors(err)
	assert.Equal(t, err, wrappedErr)
}

func TestSquashMerge(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	type testcase struct {
		name            string
		status          int
		body            string
		expectedOutcome MergeOutcome
		expectErr       bool
		expectRetryable bool
	}

	testcases := []testcase{
		{
			name:            "merged",
			status:          http.StatusOK,
			body:            `{"sha": "abc", "merged": true, "message": "Pull Request successfully merged"}`,
			expectedOutcome: MergeOutcomeMerged,
		},
		{
			name:            "notAllowed",
			status:          http.StatusMethodNotAllowed,
			body:            `{"message": "Pull Request is not mergeable"}`,
			expectedOutcome: MergeOutcomeNotMergeable,
		},
		{
			name:            "conflict",
			status:          http.StatusConflict,
			body:            `{"message": "Head branch was modified"}`,
			expectedOutcome: MergeOutcomeNotMergeable,
		},
		{
			name:      "notMergedFlag",
			status:    http.StatusOK,
			body:      `{"merged": false, "message": "something went wrong"}`,
			expectErr: true,
		},
		{
			name:            "serverError",
			status:          http.StatusBadGateway,
			body:            `{"message": "bad gateway"}`,
			expectErr:       true,
			expectRetryable: true,
		},
	}

	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			mux := http.NewServeMux()
			mux.HandleFunc("/repos/testman/repo/pulls/7/merge", func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, http.MethodPut, r.Method)
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tc.status)
				fmt.Fprint(w, tc.body)
			})

			clt := newRESTTestClient(t, mux)

			outcome, err := clt.SquashMerge(context.Background(), "testman", "repo", 7, "Merging PR #7 - test", "Merging PR #7 - test")
			if tc.expectErr {
				require.Error(t, err)
				retryable, _ := miroerr.IsRetryable(err)
				assert.Equal(t, tc.expectRetryable, retryable)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tc.expectedOutcome, outcome)
		})
	}
}

func TestMergeBranchConflict(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	mux := http.NewServeMux()
	mux.HandleFunc("/repos/testman/repo/merges", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		fmt.Fprint(w, `{"message": "Merge Conflict"}`)
	})

	clt := newRESTTestClient(t, mux)

	err := clt.MergeBranch(context.Background(), "testman", "repo", "feature", "master", "Merge branch master into feature")
	assert.ErrorIs(t, err, ErrMergeConflict)
}

func TestRequiredStatusChecksOfUnprotectedBranch(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	mux := http.NewServeMux()
	mux.HandleFunc("/repos/testman/repo/branches/master/protection/required_status_checks/contexts", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"message": "Branch not protected"}`)
	})

	clt := newRESTTestClient(t, mux)

	checks, err := clt.RequiredStatusChecks(context.Background(), "testman", "repo", "master")
	require.NoError(t, err)
	assert.Empty(t, checks)
}

func TestRequiredStatusChecksOfMissingBranch(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	mux := http.NewServeMux()
	mux.HandleFunc("/repos/testman/repo/branches/master/protection/required_status_checks/contexts", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"message": "Branch not found"}`)
	})

	clt := newRESTTestClient(t, mux)

	checks, err := clt.RequiredStatusChecks(context.Background(), "testman", "repo", "master")
	require.NoError(t, err)
	assert.Empty(t, checks)
}

func TestRequiredStatusChecks(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	mux := http.NewServeMux()
	mux.HandleFunc("/repos/testman/repo/branches/master/protection/required_status_checks/contexts", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `["ci", "lint"]`)
	})

	clt := newRESTTestClient(t, mux)

	checks, err := clt.RequiredStatusChecks(context.Background(), "testman", "repo", "master")
	require.NoError(t, err)
	assert.Equal(t, []string{"ci", "lint"}, checks)
}

func TestFileContentNotFound(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	mux := http.NewServeMux()
	mux.HandleFunc("/repos/testman/repo/contents/.miro.yml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"message": "Not Found"}`)
	})

	clt := newRESTTestClient(t, mux)

	_, err := clt.FileContent(context.Background(), "testman", "repo", ".miro.yml")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestReviewsPagination(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	var srvURL string

	mux := http.NewServeMux()
	mux.HandleFunc("/repos/testman/repo/pulls/7/reviews", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		if r.URL.Query().Get("page") == "2" {
			fmt.Fprint(w, `[{"id": 2, "user": {"id": 20, "login": "bob"}, "state": "CHANGES_REQUESTED", "submitted_at": "2024-01-01T11:00:00Z"}]`)
			return
		}

		w.Header().Set("Link", fmt.Sprintf(`<%srepos/testman/repo/pulls/7/reviews?page=2>; rel="next"`, srvURL))
		fmt.Fprint(w, `[{"id": 1, "user": {"id": 10, "login": "alice"}, "state": "APPROVED", "submitted_at": "2024-01-01T10:00:00Z"}]`)
	})

	clt := newRESTTestClient(t, mux)
	srvURL = clt.restClt.BaseURL.String()

	reviews, err := clt.Reviews(context.Background(), "testman", "repo", 7)
	require.NoError(t, err)
	require.Len(t, reviews, 2)
	assert.Equal(t, "alice", reviews[0].ReviewerLogin)
	assert.Equal(t, int64(20), reviews[1].ReviewerID)
	assert.Equal(t, "CHANGES_REQUESTED", reviews[1].State)
}
