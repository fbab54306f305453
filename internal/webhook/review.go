package webhook

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/go-github/v59/github"
	"go.uber.org/zap"

	"github.com/simplesurance/miro/internal/logfields"
	"github.com/simplesurance/miro/internal/model"
)

func (h *Handler) onPullRequestReview(ctx context.Context, logger *zap.Logger, ev *github.PullRequestReviewEvent) (*Result, error) {
	repo := toRepository(ev.GetRepo())
	key := model.NewKey(repo.Owner, repo.Name, ev.GetPullRequest().GetNumber())
	reviewState := ev.GetReview().GetState()

	logger = logger.With(repoLogFields(repo)...).With(
		logfields.PullRequest(key.PRNumber),
		logfields.Action(ev.GetAction()),
		zap.String("github.review_state", reviewState),
	)

	if ev.GetAction() != "submitted" || !strings.EqualFold(reviewState, "approved") {
		logger.Info("ignoring event, review is not a submitted approval", logFieldEventIgnored)
		return ignored("review is not a submitted approval"), nil
	}

	mr, err := h.store.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("retrieving pull request failed: %w", err)
	}

	if mr == nil {
		logger.Info("ignoring event, pull request is not tracked", logFieldEventIgnored)
		return ignored("pull request %s is not tracked", key), nil
	}

	return h.tryToMerge(ctx, mr)
}
