// Package store defines the persistence interfaces for miro state and
// provides an in-memory implementation.
//
// Lookups of records that do not exist return a nil value and a nil error.
// All mutations of a single record are atomic, concurrent event handlers can
// not lose each other's updates.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/simplesurance/miro/internal/model"
)

var ErrAlreadyExists = errors.New("already exists")

// MergeRequests stores tracked pull requests.
type MergeRequests interface {
	// Create stores a new record. If a record with the same key exists,
	// ErrAlreadyExists is returned and the existing record is unchanged.
	Create(ctx context.Context, mr *model.MergeRequest) error
	Get(ctx context.Context, key model.Key) (*model.MergeRequest, error)
	GetByBranch(ctx context.Context, repo model.Repository, branch string) (*model.MergeRequest, error)
	GetBySHA(ctx context.Context, repo model.Repository, sha string) (*model.MergeRequest, error)
	List(ctx context.Context, repo model.Repository) ([]*model.MergeRequest, error)
	ListAll(ctx context.Context) ([]*model.MergeRequest, error)
	// OldestQueued returns the head of the merge queue of the repository,
	// see model.SelectOldestQueued.
	OldestQueued(ctx context.Context, repo model.Repository) (*model.MergeRequest, error)

	// SetMergeCommand arms or disarms the pull request. The updated
	// record is returned, nil if it does not exist.
	SetMergeCommand(ctx context.Context, key model.Key, received bool, at time.Time) (*model.MergeRequest, error)
	UpsertCheckStatus(ctx context.Context, key model.Key, cs model.CheckStatus) (*model.MergeRequest, error)
	UpsertCheckStatuses(ctx context.Context, key model.Key, cs []model.CheckStatus) (*model.MergeRequest, error)
	// UpdateSHAClearingChecks sets the head commit and removes all
	// recorded check statuses.
	UpdateSHAClearingChecks(ctx context.Context, key model.Key, sha string) (*model.MergeRequest, error)
	SetState(ctx context.Context, key model.Key, state model.State) (*model.MergeRequest, error)
	// Delete removes the record and returns it.
	Delete(ctx context.Context, key model.Key) (*model.MergeRequest, error)
}

// RequiredChecks stores the names of the status checks that must succeed
// before a pull request is merged.
type RequiredChecks interface {
	RequiredChecks(ctx context.Context, repo model.Repository) (names []string, found bool, err error)
	SetRequiredChecks(ctx context.Context, repo model.Repository, names []string) error
}

// RepoConfigs stores the per-repository configuration.
type RepoConfigs interface {
	RepoConfig(ctx context.Context, repo model.Repository) (*model.RepoConfig, error)
	SetRepoConfig(ctx context.Context, cfg *model.RepoConfig) error
	RepoConfigs(ctx context.Context) ([]*model.RepoConfig, error)
}

type Store interface {
	MergeRequests
	RequiredChecks
	RepoConfigs
}
