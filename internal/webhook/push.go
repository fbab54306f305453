package webhook

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/go-github/v59/github"
	"go.uber.org/zap"

	"github.com/simplesurance/miro/internal/logfields"
	"github.com/simplesurance/miro/internal/model"
)

const branchRefPrefix = "refs/heads/"

func (h *Handler) onPush(ctx context.Context, logger *zap.Logger, ev *github.PushEvent) (*Result, error) {
	repo := model.Repository{
		Owner: ownerLogin(ev.GetRepo().GetOwner()),
		Name:  ev.GetRepo().GetName(),
	}
	ref := ev.GetRef()

	logger = logger.With(repoLogFields(repo)...).With(logfields.Ref(ref))

	if !strings.HasPrefix(ref, branchRefPrefix) {
		logger.Info("ignoring event, ref is not a branch", logFieldEventIgnored)
		return ignored("ref %q is not a branch", ref), nil
	}

	if ev.GetDeleted() {
		logger.Info("ignoring event, branch was deleted", logFieldEventIgnored)
		return ignored("branch %q was deleted", ref), nil
	}

	branch := strings.TrimPrefix(ref, branchRefPrefix)
	logger = logger.With(logfields.Branch(branch))

	cfg, err := h.configs.Get(ctx, repo)
	if err != nil {
		return nil, fmt.Errorf("retrieving repository config failed: %w", err)
	}

	if branch == cfg.DefaultBranch {
		return h.onDefaultBranchPush(ctx, logger, repo)
	}

	mr, err := h.store.GetByBranch(ctx, repo, branch)
	if err != nil {
		return nil, fmt.Errorf("looking up pull request by branch failed: %w", err)
	}

	if mr == nil {
		logger.Info("ignoring event, branch does not belong to a tracked pull request", logFieldEventIgnored)
		return ignored("branch %q does not belong to a tracked pull request", branch), nil
	}

	return h.synchronize(ctx, logger.With(logfields.PullRequest(mr.PRNumber)), mr.Key, ev.GetAfter())
}

// onDefaultBranchPush updates the branches of queued pull requests and
// refreshes the required checks of the repository.
func (h *Handler) onDefaultBranchPush(ctx context.Context, logger *zap.Logger, repo model.Repository) (*Result, error) {
	logger.Info(
		"default branch changed, updating pull request branches",
		logfields.Event("default_branch_changed"),
	)

	var errs []error

	updated, err := h.cascade.Run(ctx, repo)
	if err != nil {
		errs = append(errs, fmt.Errorf("updating pull request branches failed: %w", err))
	}

	if _, err := h.checks.Refresh(ctx, repo); err != nil {
		errs = append(errs, fmt.Errorf("refreshing required checks failed: %w", err))
	}

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	if updated {
		return handled("default branch of %s changed, pull request branches updated", repo), nil
	}

	return handled("default branch of %s changed, no pull request branch updated", repo), nil
}
