package postgres

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/simplesurance/miro/internal/model"
	"github.com/simplesurance/miro/internal/store"
)

// newTestStore returns a Store connected to the database referenced by the
// MIRO_TEST_DATABASE_URL environment variable. The testcase is skipped if it
// is not set.
func newTestStore(t *testing.T) *Store {
	t.Helper()

	dsn := os.Getenv("MIRO_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("MIRO_TEST_DATABASE_URL is not set")
	}

	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	ctx := context.Background()

	db, err := Connect(ctx, dsn, 10*time.Second)
	require.NoError(t, err)

	s, err := New(db)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	require.NoError(t, s.Migrate(ctx))

	_, err = db.ExecContext(ctx, `TRUNCATE merge_requests, check_statuses, required_checks, repo_configs`)
	require.NoError(t, err)

	return s
}

var testRepo = model.Repository{Owner: "testman", Name: "repo"}

func newMR(nr int, branch, sha string) *model.MergeRequest {
	return &model.MergeRequest{
		Key:       model.Key{Repository: testRepo, PRNumber: nr},
		Title:     "title",
		Author:    "author",
		CreatedAt: time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC),
		Branch:    branch,
		SHA:       sha,
	}
}

func TestCreateDuplicate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, newMR(1, "feature", "abc")))
	err := s.Create(ctx, newMR(1, "other", "def"))
	require.ErrorIs(t, err, store.ErrAlreadyExists)

	mr, err := s.Get(ctx, model.NewKey("testman", "repo", 1))
	require.NoError(t, err)
	require.NotNil(t, mr)
	assert.Equal(t, "feature", mr.Branch)
}

func TestCheckUpsertAndSHAChange(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mr := newMR(1, "feature", "abc")
	require.NoError(t, s.Create(ctx, mr))

	now := time.Now().UTC().Truncate(time.Second)

	res, err := s.UpsertCheckStatus(ctx, mr.Key, model.CheckStatus{Name: "ci", State: model.CheckStatePending, UpdatedAt: now})
	require.NoError(t, err)
	require.Len(t, res.Checks, 1)

	res, err = s.UpsertCheckStatus(ctx, mr.Key, model.CheckStatus{Name: "ci", State: model.CheckStateSuccess, UpdatedAt: now})
	require.NoError(t, err)
	require.Len(t, res.Checks, 1)
	assert.Equal(t, model.CheckStateSuccess, res.Checks[0].State)

	res, err = s.UpdateSHAClearingChecks(ctx, mr.Key, "def")
	require.NoError(t, err)
	assert.Equal(t, "def", res.SHA)
	assert.Empty(t, res.Checks)

	res, err = s.UpsertCheckStatus(ctx, model.NewKey("testman", "repo", 99), model.CheckStatus{Name: "ci", State: model.CheckStateSuccess, UpdatedAt: now})
	require.NoError(t, err)
	assert.Nil(t, res)
}

func TestOldestQueued(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	t0 := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)

	a := newMR(1, "a", "sha-a")
	b := newMR(2, "b", "sha-b")
	require.NoError(t, s.Create(ctx, a))
	require.NoError(t, s.Create(ctx, b))

	_, err := s.SetMergeCommand(ctx, a.Key, true, t0)
	require.NoError(t, err)
	_, err = s.SetMergeCommand(ctx, b.Key, true, t0.Add(time.Minute))
	require.NoError(t, err)
	_, err = s.UpsertCheckStatus(ctx, a.Key, model.CheckStatus{Name: "ci", State: model.CheckStateFailure, UpdatedAt: t0})
	require.NoError(t, err)

	res, err := s.OldestQueued(ctx, testRepo)
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, 2, res.PRNumber)
}

func TestRequiredChecksAndRepoConfig(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, found, err := s.RequiredChecks(ctx, testRepo)
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, s.SetRequiredChecks(ctx, testRepo, []string{"ci", "lint"}))
	names, found, err := s.RequiredChecks(ctx, testRepo)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []string{"ci", "lint"}, names)

	cfg := model.DefaultRepoConfig(testRepo)
	cfg.MergePolicy = model.MergePolicyBlacklist
	cfg.UpdatedAt = time.Now().UTC().Truncate(time.Second)
	require.NoError(t, s.SetRepoConfig(ctx, cfg))

	res, err := s.RepoConfig(ctx, testRepo)
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, model.MergePolicyBlacklist, res.MergePolicy)
	assert.True(t, res.DeleteAfterMerge)
}
