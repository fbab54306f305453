// Package checks keeps track of the status checks that are required for
// merging pull requests.
package checks

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/simplesurance/miro/internal/logfields"
	"github.com/simplesurance/miro/internal/model"
	"github.com/simplesurance/miro/internal/store"
)

const loggerName = "checks"

type GithubClient interface {
	RequiredStatusChecks(ctx context.Context, owner, repo, branch string) ([]string, error)
}

// RepoConfigProvider returns the configuration of a repository.
type RepoConfigProvider interface {
	Get(ctx context.Context, repo model.Repository) (*model.RepoConfig, error)
}

// Tracker provides the required status checks of repositories.
// They are retrieved from the branch protection rules of the default branch
// and cached in a store.
type Tracker struct {
	clt     GithubClient
	store   store.RequiredChecks
	configs RepoConfigProvider
	logger  *zap.Logger
}

func NewTracker(clt GithubClient, s store.RequiredChecks, configs RepoConfigProvider) *Tracker {
	return &Tracker{
		clt:     clt,
		store:   s,
		configs: configs,
		logger:  zap.L().Named(loggerName),
	}
}

func (t *Tracker) fetch(ctx context.Context, repo model.Repository) ([]string, error) {
	cfg, err := t.configs.Get(ctx, repo)
	if err != nil {
		return nil, fmt.Errorf("retrieving repository config failed: %w", err)
	}

	names, err := t.clt.RequiredStatusChecks(ctx, repo.Owner, repo.Name, cfg.DefaultBranch)
	if err != nil {
		return nil, fmt.Errorf("retrieving required status checks of branch %q failed: %w", cfg.DefaultBranch, err)
	}

	return names, nil
}

// RequiredChecks returns the names of the required checks of repo.
// If they are not cached, they are retrieved from GitHub. An empty result
// is not cached, it is retrieved again on the next call.
func (t *Tracker) RequiredChecks(ctx context.Context, repo model.Repository) ([]string, error) {
	names, found, err := t.store.RequiredChecks(ctx, repo)
	if err != nil {
		return nil, fmt.Errorf("retrieving stored required checks failed: %w", err)
	}

	if found {
		return names, nil
	}

	names, err = t.fetch(ctx, repo)
	if err != nil {
		return nil, err
	}

	if len(names) == 0 {
		t.logger.Warn(
			"repository has no required status checks configured",
			logfields.RepositoryOwner(repo.Owner),
			logfields.Repository(repo.Name),
			logfields.Event("required_checks_empty"),
		)

		return []string{}, nil
	}

	if err := t.store.SetRequiredChecks(ctx, repo, names); err != nil {
		return nil, fmt.Errorf("storing required checks failed: %w", err)
	}

	return names, nil
}

// Refresh retrieves the required checks from GitHub and stores them,
// including an empty result.
func (t *Tracker) Refresh(ctx context.Context, repo model.Repository) ([]string, error) {
	names, err := t.fetch(ctx, repo)
	if err != nil {
		return nil, err
	}

	if err := t.store.SetRequiredChecks(ctx, repo, names); err != nil {
		return nil, fmt.Errorf("storing required checks failed: %w", err)
	}

	t.logger.Debug(
		"required checks refreshed",
		logfields.RepositoryOwner(repo.Owner),
		logfields.Repository(repo.Name),
		logfields.Event("required_checks_refreshed"),
		zap.Strings("required_checks", names),
	)

	return names, nil
}

// IsRequired returns true if name is a required check of repo.
func (t *Tracker) IsRequired(ctx context.Context, repo model.Repository, name string) (bool, error) {
	names, err := t.RequiredChecks(ctx, repo)
	if err != nil {
		return false, err
	}

	for _, n := range names {
		if n == name {
			return true, nil
		}
	}

	return false, nil
}

// MissingChecks returns the required checks of repo that are not reported
// as successful in reported.
func (t *Tracker) MissingChecks(ctx context.Context, repo model.Repository, reported []model.CheckStatus) ([]string, error) {
	names, err := t.RequiredChecks(ctx, repo)
	if err != nil {
		return nil, err
	}

	succeeded := make(map[string]struct{}, len(reported))
	for _, c := range reported {
		if c.State == model.CheckStateSuccess {
			succeeded[c.Name] = struct{}{}
		}
	}

	var result []string
	for _, n := range names {
		if _, exists := succeeded[n]; !exists {
			result = append(result, n)
		}
	}

	return result, nil
}

// FilterRequired returns the elements of checks that are required checks of
// repo.
func (t *Tracker) FilterRequired(ctx context.Context, repo model.Repository, checks []model.CheckStatus) ([]model.CheckStatus, error) {
	names, err := t.RequiredChecks(ctx, repo)
	if err != nil {
		return nil, err
	}

	required := make(map[string]struct{}, len(names))
	for _, n := range names {
		required[n] = struct{}{}
	}

	var result []model.CheckStatus
	for _, c := range checks {
		if _, exists := required[c.Name]; exists {
			result = append(result, c)
		}
	}

	return result, nil
}
