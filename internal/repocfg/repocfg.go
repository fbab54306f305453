// Package repocfg loads the miro configuration of repositories from the
// .miro.yml file in their default branch.
package repocfg

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/simplesurance/miro/internal/githubclt"
	"github.com/simplesurance/miro/internal/logfields"
	"github.com/simplesurance/miro/internal/model"
	"github.com/simplesurance/miro/internal/store"
)

const loggerName = "repo_config"

// FileName is the path of the configuration file in a repository.
const FileName = ".miro.yml"

type GithubClient interface {
	FileContent(ctx context.Context, owner, repo, path string) ([]byte, error)
}

// Manager provides the configurations of repositories and caches them in a
// store.
type Manager struct {
	clt    GithubClient
	store  store.RepoConfigs
	logger *zap.Logger
	now    func() time.Time
}

func NewManager(clt GithubClient, s store.RepoConfigs) *Manager {
	return &Manager{
		clt:    clt,
		store:  s,
		logger: zap.L().Named(loggerName),
		now:    time.Now,
	}
}

// file is the YAML representation of the configuration file.
type file struct {
	MergePolicy          string `yaml:"mergePolicy"`
	UpdateBranchStrategy string `yaml:"updateBranchStrategy"`
	DefaultBranch        string `yaml:"defaultBranch"`
	DeleteAfterMerge     *bool  `yaml:"deleteAfterMerge"`
	Quiet                *bool  `yaml:"quiet"`
}

// Get returns the stored configuration of repo.
// If none is stored, it is loaded from the repository and stored.
func (m *Manager) Get(ctx context.Context, repo model.Repository) (*model.RepoConfig, error) {
	cfg, err := m.store.RepoConfig(ctx, repo)
	if err != nil {
		return nil, fmt.Errorf("retrieving stored repository config failed: %w", err)
	}

	if cfg != nil {
		return cfg, nil
	}

	return m.Refresh(ctx, repo)
}

// Refresh loads the configuration from the repository and stores it.
// If the repository has no or an invalid configuration file, the default
// configuration is stored.
func (m *Manager) Refresh(ctx context.Context, repo model.Repository) (*model.RepoConfig, error) {
	logger := m.logger.With(
		logfields.RepositoryOwner(repo.Owner),
		logfields.Repository(repo.Name),
	)

	cfg, err := m.load(ctx, logger, repo)
	if err != nil {
		return nil, err
	}

	cfg.UpdatedAt = m.now()

	if err := m.store.SetRepoConfig(ctx, cfg); err != nil {
		return nil, fmt.Errorf("storing repository config failed: %w", err)
	}

	logger.Debug(
		"repository config loaded",
		logfields.Event("repo_config_loaded"),
		logfields.MergePolicy(string(cfg.MergePolicy)),
		logfields.UpdateBranchStrategy(string(cfg.UpdateBranchStrategy)),
		logfields.BaseBranch(cfg.DefaultBranch),
		zap.Bool("delete_after_merge", cfg.DeleteAfterMerge),
		zap.Bool("quiet", cfg.Quiet),
	)

	return cfg, nil
}

func (m *Manager) load(ctx context.Context, logger *zap.Logger, repo model.Repository) (*model.RepoConfig, error) {
	content, err := m.clt.FileContent(ctx, repo.Owner, repo.Name, FileName)
	if err != nil {
		if errors.Is(err, githubclt.ErrNotFound) {
			logger.Info(
				"repository has no config file, using defaults",
				logfields.Event("repo_config_file_not_found"),
			)

			return model.DefaultRepoConfig(repo), nil
		}

		return nil, fmt.Errorf("retrieving %s failed: %w", FileName, err)
	}

	return Parse(logger, repo, content), nil
}

// Parse decodes a configuration file.
// Undecodable files result in the default configuration, invalid values are
// replaced with their defaults. Both cases are logged as warnings.
func Parse(logger *zap.Logger, repo model.Repository, content []byte) *model.RepoConfig {
	result := model.DefaultRepoConfig(repo)

	var f file
	if err := yaml.Unmarshal(content, &f); err != nil {
		logger.Warn(
			"parsing repository config file failed, using defaults",
			logfields.Event("repo_config_file_invalid"),
			zap.Error(err),
		)

		return result
	}

	if f.MergePolicy != "" {
		policy, err := model.ParseMergePolicy(f.MergePolicy)
		if err != nil {
			logger.Warn(
				"invalid merge policy in repository config, using default",
				logfields.Event("repo_config_value_invalid"),
				logfields.MergePolicy(string(result.MergePolicy)),
				zap.Error(err),
			)
		} else {
			result.MergePolicy = policy
		}
	}

	if f.UpdateBranchStrategy != "" {
		strategy, err := model.ParseUpdateBranchStrategy(f.UpdateBranchStrategy)
		if err != nil {
			logger.Warn(
				"invalid update branch strategy in repository config, using default",
				logfields.Event("repo_config_value_invalid"),
				logfields.UpdateBranchStrategy(string(result.UpdateBranchStrategy)),
				zap.Error(err),
			)
		} else {
			result.UpdateBranchStrategy = strategy
		}
	}

	if f.DefaultBranch != "" {
		result.DefaultBranch = f.DefaultBranch
	}

	if f.DeleteAfterMerge != nil {
		result.DeleteAfterMerge = *f.DeleteAfterMerge
	}

	if f.Quiet != nil {
		result.Quiet = *f.Quiet
	}

	return result
}
