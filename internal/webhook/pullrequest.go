package webhook

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/go-github/v59/github"
	"go.uber.org/zap"

	"github.com/simplesurance/miro/internal/logfields"
	"github.com/simplesurance/miro/internal/merge"
	"github.com/simplesurance/miro/internal/model"
	"github.com/simplesurance/miro/internal/store"
)

const wipMarker = "[wip]"

func isWIP(title string) bool {
	return strings.Contains(strings.ToLower(title), wipMarker)
}

// isFork returns true if the head branch of pr is not in the base
// repository.
func isFork(pr *github.PullRequest) bool {
	return pr.GetHead().GetRepo().GetFullName() != pr.GetBase().GetRepo().GetFullName()
}

func (h *Handler) onPullRequest(ctx context.Context, logger *zap.Logger, ev *github.PullRequestEvent) (*Result, error) {
	repo := toRepository(ev.GetRepo())
	pr := ev.GetPullRequest()
	key := model.NewKey(repo.Owner, repo.Name, ev.GetNumber())

	logger = logger.With(repoLogFields(repo)...).With(
		logfields.PullRequest(key.PRNumber),
		logfields.Branch(pr.GetHead().GetRef()),
		logfields.Action(ev.GetAction()),
	)

	switch ev.GetAction() {
	case "opened", "reopened":
		return h.onPullRequestOpened(ctx, logger, key, pr, ev.GetAction() == "reopened")

	case "synchronize":
		return h.synchronize(ctx, logger, key, pr.GetHead().GetSHA())

	case "closed":
		return h.onPullRequestClosed(ctx, logger, key, pr)

	default:
		logger.Info("ignoring event, pull request action is not relevant", logFieldEventIgnored)
		return ignored("pull request action %q is not relevant", ev.GetAction()), nil
	}
}

func (h *Handler) onPullRequestOpened(
	ctx context.Context,
	logger *zap.Logger,
	key model.Key,
	pr *github.PullRequest,
	reopened bool,
) (*Result, error) {
	cfg, err := h.configs.Get(ctx, key.Repository)
	if err != nil {
		return nil, fmt.Errorf("retrieving repository config failed: %w", err)
	}

	if base := pr.GetBase().GetRef(); base != cfg.DefaultBranch {
		logger.Info(
			"ignoring event, pull request is not for the default branch",
			logfields.BaseBranch(base),
			logFieldEventIgnored,
		)

		return ignored("base branch %q is not the default branch", base), nil
	}

	mr := model.MergeRequest{
		Key:       key,
		Title:     pr.GetTitle(),
		Author:    pr.GetUser().GetLogin(),
		CreatedAt: pr.GetCreatedAt().Time,
		Branch:    pr.GetHead().GetRef(),
		SHA:       pr.GetHead().GetSHA(),
		IsFork:    isFork(pr),
	}

	if err := h.store.Create(ctx, &mr); err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			logger.Info(
				"ignoring event, pull request is already tracked",
				logFieldEventIgnored,
			)

			return ignored("pull request %s is already tracked", key), nil
		}

		return nil, fmt.Errorf("storing pull request failed: %w", err)
	}

	logger.Info(
		"tracking pull request",
		logfields.MergePolicy(string(cfg.MergePolicy)),
		logfields.Event("pull_request_tracked"),
	)

	if reopened {
		h.seedCheckStatuses(ctx, logger, &mr)
	}

	switch cfg.MergePolicy {
	case model.MergePolicyBlacklist:
		if isWIP(mr.Title) {
			h.commenter.Comment(ctx, key, merge.TitleBlacklistWipNotice, merge.BodyBlacklistWipNotice)
			return handled("pull request %s tracked, not armed, it is work in progress", key), nil
		}

		if _, err := h.store.SetMergeCommand(ctx, key, true, h.now()); err != nil {
			return nil, fmt.Errorf("arming pull request failed: %w", err)
		}

		if !cfg.Quiet {
			h.commenter.Comment(ctx, key, merge.TitleBlacklistNotice, merge.BodyBlacklistNotice)
		}

		return handled("pull request %s tracked and armed", key), nil

	case model.MergePolicyWhitelistStrict:
		h.merger.AddMergeCheck(ctx, &mr)
	}

	return handled("pull request %s tracked", key), nil
}

// seedCheckStatuses stores the states of the required checks that were
// reported for the head commit of mr. Failures are logged.
func (h *Handler) seedCheckStatuses(ctx context.Context, logger *zap.Logger, mr *model.MergeRequest) {
	statuses, err := h.clt.CommitStatuses(ctx, mr.Owner, mr.Name, mr.SHA)
	if err != nil {
		logger.Warn(
			"retrieving commit statuses of reopened pull request failed",
			logfields.Commit(mr.SHA),
			logfields.Event("seeding_check_statuses_failed"),
			zap.Error(err),
		)

		return
	}

	reported := make([]model.CheckStatus, 0, len(statuses))
	for _, s := range statuses {
		state, err := model.ParseCheckState(string(s.State))
		if err != nil {
			logger.Warn(
				"ignoring commit status with unsupported state",
				logfields.CheckName(s.Name),
				zap.Error(err),
			)

			continue
		}

		reported = append(reported, model.CheckStatus{
			Name:      s.Name,
			State:     state,
			UpdatedAt: h.now(),
			TargetURL: s.TargetURL,
		})
	}

	required, err := h.checks.FilterRequired(ctx, mr.Repository, reported)
	if err != nil {
		logger.Warn(
			"filtering required checks failed",
			logfields.Event("seeding_check_statuses_failed"),
			zap.Error(err),
		)

		return
	}

	if len(required) == 0 {
		return
	}

	if _, err := h.store.UpsertCheckStatuses(ctx, mr.Key, required); err != nil {
		logger.Warn(
			"storing check statuses failed",
			logfields.Event("seeding_check_statuses_failed"),
			zap.Error(err),
		)
	}
}

// synchronize records that the head commit of the pull request changed.
func (h *Handler) synchronize(ctx context.Context, logger *zap.Logger, key model.Key, sha string) (*Result, error) {
	mr, err := h.store.UpdateSHAClearingChecks(ctx, key, sha)
	if err != nil {
		return nil, fmt.Errorf("updating head commit failed: %w", err)
	}

	if mr == nil {
		logger.Info("ignoring event, pull request is not tracked", logFieldEventIgnored)
		return ignored("pull request %s is not tracked", key), nil
	}

	logger.Debug(
		"head commit of pull request changed, check statuses cleared",
		logfields.Commit(sha),
		logfields.Event("pull_request_synchronized"),
	)

	cfg, err := h.configs.Get(ctx, key.Repository)
	if err != nil {
		return nil, fmt.Errorf("retrieving repository config failed: %w", err)
	}

	if cfg.IsStrict() && mr.IsArmed() {
		h.merger.ResolveMergeCheck(ctx, mr)
	}

	return handled("head commit of pull request %s updated", key), nil
}

func (h *Handler) onPullRequestClosed(ctx context.Context, logger *zap.Logger, key model.Key, pr *github.PullRequest) (*Result, error) {
	mr, err := h.store.Delete(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("deleting pull request failed: %w", err)
	}

	if mr == nil {
		logger.Info("ignoring event, pull request is not tracked", logFieldEventIgnored)
		return ignored("pull request %s is not tracked", key), nil
	}

	logger.Info(
		"pull request closed, stopped tracking it",
		zap.Bool("github.pull_request.merged", pr.GetMerged()),
		logfields.Event("pull_request_untracked"),
	)

	if !pr.GetMerged() || mr.IsFork {
		return handled("pull request %s removed", key), nil
	}

	cfg, err := h.configs.Get(ctx, key.Repository)
	if err != nil {
		return nil, fmt.Errorf("retrieving repository config failed: %w", err)
	}

	if !cfg.DeleteAfterMerge {
		return handled("pull request %s removed", key), nil
	}

	if err := h.clt.DeleteBranch(ctx, key.Owner, key.Name, mr.Branch); err != nil {
		logger.Warn(
			"deleting branch of merged pull request failed",
			logfields.Event("branch_deletion_failed"),
			zap.Error(err),
		)

		return handled("pull request %s removed, deleting branch failed", key), nil
	}

	logger.Info("branch of merged pull request deleted", logfields.Event("branch_deleted"))

	return handled("pull request %s removed, branch %s deleted", key, mr.Branch), nil
}
