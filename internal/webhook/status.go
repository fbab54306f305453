package webhook

import (
	"context"
	"fmt"

	"github.com/google/go-github/v59/github"
	"go.uber.org/zap"

	"github.com/simplesurance/miro/internal/logfields"
	"github.com/simplesurance/miro/internal/model"
)

// findByStatusEvent returns the pull request the status event belongs to.
// If no pull request has the commit as head, the branches of the event are
// looked up.
func (h *Handler) findByStatusEvent(ctx context.Context, repo model.Repository, ev *github.StatusEvent) (*model.MergeRequest, error) {
	mr, err := h.store.GetBySHA(ctx, repo, ev.GetSHA())
	if err != nil {
		return nil, fmt.Errorf("looking up pull request by commit failed: %w", err)
	}

	if mr != nil {
		return mr, nil
	}

	for _, b := range ev.Branches {
		mr, err := h.store.GetByBranch(ctx, repo, b.GetName())
		if err != nil {
			return nil, fmt.Errorf("looking up pull request by branch failed: %w", err)
		}

		if mr != nil {
			return mr, nil
		}
	}

	return nil, nil
}

func (h *Handler) onStatus(ctx context.Context, logger *zap.Logger, ev *github.StatusEvent) (*Result, error) {
	repo := toRepository(ev.GetRepo())
	sha := ev.GetSHA()
	checkName := ev.GetContext()

	logger = logger.With(repoLogFields(repo)...).With(
		logfields.Commit(sha),
		logfields.CheckName(checkName),
		logfields.CheckState(ev.GetState()),
	)

	state, err := model.ParseCheckState(ev.GetState())
	if err != nil {
		logger.Warn("ignoring event, unsupported state", logFieldEventIgnored, zap.Error(err))
		return ignored("unsupported status state %q", ev.GetState()), nil
	}

	mr, err := h.findByStatusEvent(ctx, repo, ev)
	if err != nil {
		return nil, err
	}

	if mr == nil {
		logger.Info("ignoring event, commit does not belong to a tracked pull request", logFieldEventIgnored)
		return ignored("commit %s does not belong to a tracked pull request", sha), nil
	}

	logger = logger.With(logfields.PullRequest(mr.PRNumber))

	required, err := h.checks.IsRequired(ctx, repo, checkName)
	if err != nil {
		return nil, fmt.Errorf("evaluating if check is required failed: %w", err)
	}

	if !required {
		logger.Info("ignoring event, check is not required", logFieldEventIgnored)
		return ignored("check %q is not required", checkName), nil
	}

	if mr.SHA != "" && sha != mr.SHA {
		logger.Info(
			"ignoring event, status is for an outdated commit of the pull request",
			zap.String("github.head_commit", mr.SHA),
			logFieldEventIgnored,
		)

		return ignored("status is for outdated commit %s", sha), nil
	}

	if prev, exists := mr.Check(checkName); exists {
		logger = logger.With(zap.String("github.previous_check_state", string(prev.State)))
	}

	mr, err = h.store.UpsertCheckStatus(ctx, mr.Key, model.CheckStatus{
		Name:      checkName,
		State:     state,
		UpdatedAt: ev.GetUpdatedAt().Time,
		TargetURL: ev.GetTargetURL(),
	})
	if err != nil {
		return nil, fmt.Errorf("storing check status failed: %w", err)
	}

	if mr == nil {
		logger.Info("ignoring event, pull request is not tracked anymore", logFieldEventIgnored)
		return ignored("pull request is not tracked anymore"), nil
	}

	logger.Debug("check status updated", logfields.Event("check_status_updated"))

	if state != model.CheckStateSuccess {
		return handled("check %q of pull request %s is %s", checkName, mr.Key, state), nil
	}

	return h.tryToMerge(ctx, mr)
}
