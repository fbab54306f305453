// Package cascade updates the branches of queued pull requests after the
// default branch of a repository changed.
package cascade

import (
	"context"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/simplesurance/miro/internal/logfields"
	"github.com/simplesurance/miro/internal/model"
	"github.com/simplesurance/miro/internal/routines"
	"github.com/simplesurance/miro/internal/store"
)

const loggerName = "cascade"

// DefaultConcurrency is the default number of branch updates that run in
// parallel per Run call.
const DefaultConcurrency = 4

type ConfigRefresher interface {
	Refresh(ctx context.Context, repo model.Repository) (*model.RepoConfig, error)
}

type BranchUpdater interface {
	UpdateBranch(ctx context.Context, mr *model.MergeRequest) error
}

// Scheduler selects the pull requests whose branches are updated with the
// default branch, according to the UpdateBranchStrategy of the repository.
type Scheduler struct {
	store       store.MergeRequests
	configs     ConfigRefresher
	updater     BranchUpdater
	concurrency int
	logger      *zap.Logger
}

func NewScheduler(s store.MergeRequests, configs ConfigRefresher, updater BranchUpdater, concurrency int) *Scheduler {
	if concurrency < 1 {
		concurrency = DefaultConcurrency
	}

	return &Scheduler{
		store:       s,
		configs:     configs,
		updater:     updater,
		concurrency: concurrency,
		logger:      zap.L().Named(loggerName),
	}
}

func (s *Scheduler) selectPRs(ctx context.Context, cfg *model.RepoConfig) ([]*model.MergeRequest, error) {
	switch cfg.UpdateBranchStrategy {
	case model.UpdateBranchStrategyNone:
		return nil, nil

	case model.UpdateBranchStrategyAll:
		prs, err := s.store.List(ctx, cfg.Repository)
		if err != nil {
			return nil, fmt.Errorf("listing pull requests failed: %w", err)
		}

		return model.SortQueued(prs), nil

	case model.UpdateBranchStrategyOldest:
		pr, err := s.store.OldestQueued(ctx, cfg.Repository)
		if err != nil {
			return nil, fmt.Errorf("retrieving oldest queued pull request failed: %w", err)
		}

		if pr == nil {
			return nil, nil
		}

		return []*model.MergeRequest{pr}, nil

	default:
		return nil, fmt.Errorf("unsupported update branch strategy: %q", cfg.UpdateBranchStrategy)
	}
}

// Run updates the branches of the queued pull requests of repo.
// The repository configuration is refreshed before selecting the pull
// requests.
// Failed updates are logged and do not affect the update of other pull
// requests. Run returns true if at least one branch was updated.
func (s *Scheduler) Run(ctx context.Context, repo model.Repository) (bool, error) {
	logger := s.logger.With(
		logfields.RepositoryOwner(repo.Owner),
		logfields.Repository(repo.Name),
	)

	cfg, err := s.configs.Refresh(ctx, repo)
	if err != nil {
		return false, fmt.Errorf("refreshing repository config failed: %w", err)
	}

	prs, err := s.selectPRs(ctx, cfg)
	if err != nil {
		return false, err
	}

	if len(prs) == 0 {
		logger.Debug(
			"no pull request branches to update",
			logfields.UpdateBranchStrategy(string(cfg.UpdateBranchStrategy)),
			logfields.Event("cascade_nothing_to_update"),
		)

		return false, nil
	}

	var updated atomic.Int32

	pool := routines.NewPool(min(s.concurrency, len(prs)))
	for _, pr := range prs {
		pool.Queue(func() {
			err := s.updater.UpdateBranch(ctx, pr)
			if err != nil {
				logger.Warn(
					"updating pull request branch failed",
					logfields.PullRequest(pr.PRNumber),
					logfields.Branch(pr.Branch),
					logfields.Event("cascade_branch_update_failed"),
					zap.Error(err),
				)

				return
			}

			updated.Add(1)
		})
	}
	pool.Wait()

	logger.Info(
		"updated pull request branches with default branch",
		logfields.UpdateBranchStrategy(string(cfg.UpdateBranchStrategy)),
		logfields.Event("cascade_finished"),
		zap.Int("selected", len(prs)),
		zap.Int32("updated", updated.Load()),
	)

	return updated.Load() > 0, nil
}
