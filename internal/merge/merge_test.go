package merge

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/simplesurance/miro/internal/checks"
	"github.com/simplesurance/miro/internal/githubclt"
	"github.com/simplesurance/miro/internal/mocks"
	"github.com/simplesurance/miro/internal/model"
	"github.com/simplesurance/miro/internal/store"
)

const repoOwner = "testman"
const repo = "repo"

var testRepo = model.Repository{Owner: repoOwner, Name: repo}

type staticConfigs struct{ cfg *model.RepoConfig }

func (s *staticConfigs) Get(context.Context, model.Repository) (*model.RepoConfig, error) {
	return s.cfg, nil
}

type fakeChecks struct{ missing []string }

func (f *fakeChecks) MissingChecks(context.Context, model.Repository, []model.CheckStatus) ([]string, error) {
	return f.missing, nil
}

type testEnv struct {
	clt    *mocks.MockGithubClient
	store  *store.Memory
	cfg    *model.RepoConfig
	checks *fakeChecks
	merger *Merger
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	mockctrl := gomock.NewController(t)
	env := testEnv{
		clt:    mocks.NewMockGithubClient(mockctrl),
		store:  store.NewMemory(),
		cfg:    model.DefaultRepoConfig(testRepo),
		checks: &fakeChecks{},
	}

	env.merger = NewMerger(env.clt, env.store, &staticConfigs{cfg: env.cfg}, env.checks, NewCommenter(env.clt))

	return &env
}

func (e *testEnv) createArmedMR(t *testing.T, nr int) *model.MergeRequest {
	t.Helper()

	mr := &model.MergeRequest{
		Key:                  model.NewKey(repoOwner, repo, nr),
		Title:                "add feature",
		Branch:               "feature",
		SHA:                  "abc",
		ReceivedMergeCommand: true,
		MergeCommandAt:       time.Now(),
		Checks:               []model.CheckStatus{{Name: "ci", State: model.CheckStateSuccess}},
	}

	require.NoError(t, e.store.Create(context.Background(), mr))

	return mr
}

func mockRequestedReviewersCall(clt *mocks.MockGithubClient, expectedPRNr int, users, teams []string) *gomock.Call {
	return clt.
		EXPECT().
		RequestedReviewers(gomock.Any(), gomock.Eq(repoOwner), gomock.Eq(repo), gomock.Eq(expectedPRNr)).
		Return(users, teams, nil)
}

func mockReviewsCall(clt *mocks.MockGithubClient, expectedPRNr int, reviews ...*githubclt.Review) *gomock.Call {
	return clt.
		EXPECT().
		Reviews(gomock.Any(), gomock.Eq(repoOwner), gomock.Eq(repo), gomock.Eq(expectedPRNr)).
		Return(reviews, nil)
}

func mockMergeableValidation(clt *mocks.MockGithubClient, expectedPRNr int) {
	mockRequestedReviewersCall(clt, expectedPRNr, nil, nil)
	mockReviewsCall(clt, expectedPRNr)
}

type commentTitleMatcher string

func (m commentTitleMatcher) Matches(x interface{}) bool {
	comment, ok := x.(string)
	if !ok {
		return false
	}

	return strings.HasPrefix(comment, CommentHeader) && strings.Contains(comment, "## "+string(m)+"\n")
}

func (m commentTitleMatcher) String() string {
	return "is a comment titled " + string(m)
}

func mockCreateIssueCommentCall(clt *mocks.MockGithubClient, expectedPRNr int, title string) *gomock.Call {
	return clt.
		EXPECT().
		CreateIssueComment(gomock.Any(), gomock.Eq(repoOwner), gomock.Eq(repo), gomock.Eq(expectedPRNr), commentTitleMatcher(title)).
		Return(nil)
}

func mockSquashMergeCall(clt *mocks.MockGithubClient, expectedPRNr int, outcome githubclt.MergeOutcome, err error) *gomock.Call {
	return clt.
		EXPECT().
		SquashMerge(gomock.Any(), gomock.Eq(repoOwner), gomock.Eq(repo), gomock.Eq(expectedPRNr), gomock.Any(), gomock.Any()).
		Return(outcome, err)
}

func TestValidateWithPendingReviewersOnly(t *testing.T) {
	env := newTestEnv(t)
	mr := env.createArmedMR(t, 1)

	mockRequestedReviewersCall(env.clt, 1, []string{"alice"}, nil)
	mockReviewsCall(env.clt, 1)

	verrs, err := env.merger.Validate(context.Background(), mr)
	require.NoError(t, err)
	require.Len(t, verrs, 1)
	assert.Contains(t, verrs[0].String(), "alice")
}

func TestValidateMergeablePR(t *testing.T) {
	env := newTestEnv(t)
	mr := env.createArmedMR(t, 1)

	mockMergeableValidation(env.clt, 1)

	verrs, err := env.merger.Validate(context.Background(), mr)
	require.NoError(t, err)
	assert.Empty(t, verrs)
}

func TestValidateWithoutRequiredChecks(t *testing.T) {
	env := newTestEnv(t)
	tracker := checks.NewTracker(env.clt, env.store, &staticConfigs{cfg: env.cfg})
	validator := NewValidator(env.clt, tracker)

	mr := &model.MergeRequest{
		Key:                  model.NewKey(repoOwner, repo, 1),
		Branch:               "feature",
		SHA:                  "abc",
		ReceivedMergeCommand: true,
		MergeCommandAt:       time.Now(),
	}
	require.NoError(t, env.store.Create(context.Background(), mr))

	env.clt.
		EXPECT().
		RequiredStatusChecks(gomock.Any(), gomock.Eq(repoOwner), gomock.Eq(repo), gomock.Eq(env.cfg.DefaultBranch)).
		Return([]string{}, nil).
		Times(1)
	mockMergeableValidation(env.clt, 1)

	verrs, err := validator.Validate(context.Background(), mr)
	require.NoError(t, err)
	assert.Empty(t, verrs)
}

func TestValidateUsesLatestReviewPerReviewer(t *testing.T) {
	env := newTestEnv(t)
	mr := env.createArmedMR(t, 1)
	t0 := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)

	mockRequestedReviewersCall(env.clt, 1, nil, nil)
	mockReviewsCall(env.clt, 1,
		&githubclt.Review{ReviewerID: 1, ReviewerLogin: "alice", State: "APPROVED", SubmittedAt: t0.Add(time.Hour)},
		&githubclt.Review{ReviewerID: 1, ReviewerLogin: "alice", State: "CHANGES_REQUESTED", SubmittedAt: t0},
		&githubclt.Review{ReviewerID: 2, ReviewerLogin: "bob", State: "APPROVED", SubmittedAt: t0},
		&githubclt.Review{ReviewerID: 2, ReviewerLogin: "bob", State: "CHANGES_REQUESTED", SubmittedAt: t0.Add(time.Hour)},
	)
	env.checks.missing = []string{"e2e"}

	verrs, err := env.merger.Validate(context.Background(), mr)
	require.NoError(t, err)
	require.Len(t, verrs, 2)
	assert.Equal(t, "Changes requested by: bob", verrs[0].String())
	assert.Equal(t, "Pending status checks: e2e", verrs[1].String())
}

func TestTryToMergeSuccess(t *testing.T) {
	env := newTestEnv(t)
	mr := env.createArmedMR(t, 1)

	mockMergeableValidation(env.clt, 1)
	mockCreateIssueCommentCall(env.clt, 1, TitleMerging).Times(1)
	mockSquashMergeCall(env.clt, 1, githubclt.MergeOutcomeMerged, nil).Times(1)

	merged, err := env.merger.TryToMerge(context.Background(), mr)
	require.NoError(t, err)
	assert.True(t, merged)

	stored, err := env.store.Get(context.Background(), mr.Key)
	require.NoError(t, err)
	assert.Equal(t, model.StateMerged, stored.State)
}

func TestTryToMergeQuietDoesNotComment(t *testing.T) {
	env := newTestEnv(t)
	env.cfg.Quiet = true
	mr := env.createArmedMR(t, 1)

	mockMergeableValidation(env.clt, 1)
	env.clt.EXPECT().CreateIssueComment(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Times(0)
	mockSquashMergeCall(env.clt, 1, githubclt.MergeOutcomeMerged, nil).Times(1)

	merged, err := env.merger.TryToMerge(context.Background(), mr)
	require.NoError(t, err)
	assert.True(t, merged)
}

func TestTryToMergeNotArmed(t *testing.T) {
	env := newTestEnv(t)
	mr := env.createArmedMR(t, 1)
	mr.ReceivedMergeCommand = false
	mr.MergeCommandAt = time.Time{}

	merged, err := env.merger.TryToMerge(context.Background(), mr)
	require.NoError(t, err)
	assert.False(t, merged)
}

func TestTryToMergeNotReady(t *testing.T) {
	env := newTestEnv(t)
	mr := env.createArmedMR(t, 1)
	env.checks.missing = []string{"ci"}

	mockMergeableValidation(env.clt, 1)
	env.clt.EXPECT().SquashMerge(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Times(0)

	merged, err := env.merger.TryToMerge(context.Background(), mr)
	require.NoError(t, err)
	assert.False(t, merged)
}

func TestTryToMergeConflictUpdatesBranch(t *testing.T) {
	env := newTestEnv(t)
	mr := env.createArmedMR(t, 1)

	mockMergeableValidation(env.clt, 1)
	mockCreateIssueCommentCall(env.clt, 1, TitleMerging).Times(1)
	mockSquashMergeCall(env.clt, 1, githubclt.MergeOutcomeNotMergeable, nil).Times(1)
	mockCreateIssueCommentCall(env.clt, 1, TitleNotMerged).Times(1)
	env.clt.
		EXPECT().
		MergeBranch(gomock.Any(), gomock.Eq(repoOwner), gomock.Eq(repo), gomock.Eq("feature"), gomock.Eq("master"), gomock.Eq("Merge branch master into feature")).
		Return(nil).
		Times(1)

	merged, err := env.merger.TryToMerge(context.Background(), mr)
	require.NoError(t, err)
	assert.False(t, merged)

	stored, err := env.store.Get(context.Background(), mr.Key)
	require.NoError(t, err)
	assert.Equal(t, model.StateOpen, stored.State)
}

func TestTryToMergeConflictBranchUpdateFails(t *testing.T) {
	env := newTestEnv(t)
	mr := env.createArmedMR(t, 1)

	mockMergeableValidation(env.clt, 1)
	mockCreateIssueCommentCall(env.clt, 1, TitleMerging).Times(1)
	mockSquashMergeCall(env.clt, 1, githubclt.MergeOutcomeNotMergeable, nil).Times(1)
	mockCreateIssueCommentCall(env.clt, 1, TitleNotMerged).Times(1)
	env.clt.
		EXPECT().
		MergeBranch(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).
		Return(githubclt.ErrMergeConflict)
	mockCreateIssueCommentCall(env.clt, 1, TitleCantUpdateBranch).Times(1)

	merged, err := env.merger.TryToMerge(context.Background(), mr)
	require.NoError(t, err)
	assert.False(t, merged)
}

func TestTryToMergeConflictOfFork(t *testing.T) {
	env := newTestEnv(t)
	mr := env.createArmedMR(t, 1)
	mr.IsFork = true

	mockMergeableValidation(env.clt, 1)
	mockCreateIssueCommentCall(env.clt, 1, TitleMerging).Times(1)
	mockSquashMergeCall(env.clt, 1, githubclt.MergeOutcomeNotMergeable, nil).Times(1)
	env.clt.
		EXPECT().
		CreateIssueComment(gomock.Any(), gomock.Eq(repoOwner), gomock.Eq(repo), gomock.Eq(1), gomock.Eq(FormatComment(TitleNotMerged, BodyUpdatingForkNotAllowed))).
		Return(nil).
		Times(1)
	env.clt.EXPECT().MergeBranch(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Times(0)

	merged, err := env.merger.TryToMerge(context.Background(), mr)
	require.NoError(t, err)
	assert.False(t, merged)
}

func TestTryToMergeOtherErrorIsCommented(t *testing.T) {
	env := newTestEnv(t)
	mr := env.createArmedMR(t, 1)

	mockMergeableValidation(env.clt, 1)
	mockCreateIssueCommentCall(env.clt, 1, TitleMerging).Times(1)
	mockSquashMergeCall(env.clt, 1, githubclt.MergeOutcomeNotMergeable, errors.New("boom")).Times(1)
	mockCreateIssueCommentCall(env.clt, 1, TitleNotMerged).Times(1)

	merged, err := env.merger.TryToMerge(context.Background(), mr)
	require.NoError(t, err)
	assert.False(t, merged)
}

func TestCommentFailureDoesNotAbortMerge(t *testing.T) {
	env := newTestEnv(t)
	mr := env.createArmedMR(t, 1)

	mockMergeableValidation(env.clt, 1)
	env.clt.EXPECT().CreateIssueComment(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Return(errors.New("forbidden"))
	mockSquashMergeCall(env.clt, 1, githubclt.MergeOutcomeMerged, nil).Times(1)

	merged, err := env.merger.TryToMerge(context.Background(), mr)
	require.NoError(t, err)
	assert.True(t, merged)
}

func TestResolveMergeCheckRetriesOnBranch(t *testing.T) {
	env := newTestEnv(t)
	mr := env.createArmedMR(t, 1)

	gomock.InOrder(
		env.clt.
			EXPECT().
			CreateCommitStatus(gomock.Any(), gomock.Eq(repoOwner), gomock.Eq(repo), gomock.Eq("abc"), gomock.Eq("success"), gomock.Eq(MergeCheckName), gomock.Any()).
			Return(errors.New("commit not found")),
		env.clt.
			EXPECT().
			CreateCommitStatus(gomock.Any(), gomock.Eq(repoOwner), gomock.Eq(repo), gomock.Eq("feature"), gomock.Eq("success"), gomock.Eq(MergeCheckName), gomock.Any()).
			Return(nil),
	)

	env.merger.ResolveMergeCheck(context.Background(), mr)
}

func TestAddMergeCheck(t *testing.T) {
	env := newTestEnv(t)
	mr := env.createArmedMR(t, 1)

	env.clt.
		EXPECT().
		CreateCommitStatus(gomock.Any(), gomock.Eq(repoOwner), gomock.Eq(repo), gomock.Eq("abc"), gomock.Eq("pending"), gomock.Eq(MergeCheckName), gomock.Eq(MergeCheckDescription)).
		Return(nil).
		Times(1)

	env.merger.AddMergeCheck(context.Background(), mr)
}

func TestPostInfo(t *testing.T) {
	env := newTestEnv(t)
	mr := env.createArmedMR(t, 1)

	mockRequestedReviewersCall(env.clt, 1, nil, []string{"core"})
	mockReviewsCall(env.clt, 1)
	mockCreateIssueCommentCall(env.clt, 1, TitleInfoNotReady).Times(1)

	require.NoError(t, env.merger.PostInfo(context.Background(), mr))
}

func TestFormatListComment(t *testing.T) {
	c := FormatListComment(TitleMerging, []string{":heavy_check_mark: ci"})
	assert.Equal(t, CommentHeader+"\n\n## Merging:\n\n- #### :heavy_check_mark: ci\n", c)
}
