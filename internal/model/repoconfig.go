package model

import (
	"fmt"
	"time"
)

// MergePolicy decides which pull requests are merged without an explicit
// merge command.
type MergePolicy string

const (
	// MergePolicyWhitelist merges only pull requests that received a
	// merge command.
	MergePolicyWhitelist MergePolicy = "whitelist"
	// MergePolicyWhitelistStrict is MergePolicyWhitelist plus a pending
	// commit status that blocks manual merges until the merge command
	// was given.
	MergePolicyWhitelistStrict MergePolicy = "whitelist-strict"
	// MergePolicyBlacklist arms every new pull request unless it is marked
	// as work in progress.
	MergePolicyBlacklist MergePolicy = "blacklist"
)

func ParseMergePolicy(s string) (MergePolicy, error) {
	switch p := MergePolicy(s); p {
	case MergePolicyWhitelist, MergePolicyWhitelistStrict, MergePolicyBlacklist:
		return p, nil
	default:
		return "", fmt.Errorf("unsupported merge policy: %q", s)
	}
}

// UpdateBranchStrategy decides which armed pull requests are updated when
// the default branch changes.
type UpdateBranchStrategy string

const (
	UpdateBranchStrategyOldest UpdateBranchStrategy = "oldest"
	UpdateBranchStrategyAll    UpdateBranchStrategy = "all"
	UpdateBranchStrategyNone   UpdateBranchStrategy = "none"
)

func ParseUpdateBranchStrategy(s string) (UpdateBranchStrategy, error) {
	switch st := UpdateBranchStrategy(s); st {
	case UpdateBranchStrategyOldest, UpdateBranchStrategyAll, UpdateBranchStrategyNone:
		return st, nil
	default:
		return "", fmt.Errorf("unsupported update branch strategy: %q", s)
	}
}

const (
	DefaultMergePolicy          = MergePolicyWhitelist
	DefaultUpdateBranchStrategy = UpdateBranchStrategyOldest
	DefaultDefaultBranch        = "master"
)

// RepoConfig is the per-repository configuration, read from the .miro.yml
// file in the repository.
type RepoConfig struct {
	Repository           Repository
	MergePolicy          MergePolicy
	UpdateBranchStrategy UpdateBranchStrategy
	DefaultBranch        string
	DeleteAfterMerge     bool
	Quiet                bool
	UpdatedAt            time.Time
}

// DefaultRepoConfig returns the configuration used when a repository has no
// or an unparsable configuration file.
func DefaultRepoConfig(repo Repository) *RepoConfig {
	return &RepoConfig{
		Repository:           repo,
		MergePolicy:          DefaultMergePolicy,
		UpdateBranchStrategy: DefaultUpdateBranchStrategy,
		DefaultBranch:        DefaultDefaultBranch,
		DeleteAfterMerge:     true,
	}
}

// IsStrict returns true if the whitelist-strict policy is configured.
func (c *RepoConfig) IsStrict() bool {
	return c.MergePolicy == MergePolicyWhitelistStrict
}
