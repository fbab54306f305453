// Package webhook processes GitHub webhook events.
//
// The Handler updates the tracked state of pull requests and runs the merge
// and branch update operations that an event triggers.
package webhook

import (
	"context"
	"fmt"
	"time"

	"github.com/google/go-github/v59/github"
	"go.uber.org/zap"

	"github.com/simplesurance/miro/internal/cascade"
	"github.com/simplesurance/miro/internal/checks"
	"github.com/simplesurance/miro/internal/githubclt"
	"github.com/simplesurance/miro/internal/logfields"
	"github.com/simplesurance/miro/internal/merge"
	"github.com/simplesurance/miro/internal/model"
	"github.com/simplesurance/miro/internal/repocfg"
	"github.com/simplesurance/miro/internal/store"
)

const loggerName = "webhook"

var logFieldEventIgnored = logfields.Event("github_event_ignored")

//go:generate mockgen -package mocks -destination ../mocks/githubclient.go . GithubClient

// GithubClient is the union of the GitHub operations used by the event
// handlers and the components they run.
type GithubClient interface {
	merge.GithubClient
	checks.GithubClient
	repocfg.GithubClient
	CommitStatuses(ctx context.Context, owner, repo, sha string) ([]*githubclt.CommitStatus, error)
	DeleteBranch(ctx context.Context, owner, repo, branch string) error
}

// Result describes how an event was processed.
type Result struct {
	// Handled is false if the event was ignored.
	Handled bool   `json:"handled"`
	Message string `json:"message"`
}

func handled(format string, a ...any) *Result {
	return &Result{Handled: true, Message: fmt.Sprintf(format, a...)}
}

func ignored(format string, a ...any) *Result {
	return &Result{Handled: false, Message: fmt.Sprintf(format, a...)}
}

// Handler processes webhook events.
type Handler struct {
	clt       GithubClient
	store     store.MergeRequests
	configs   *repocfg.Manager
	checks    *checks.Tracker
	merger    *merge.Merger
	commenter *merge.Commenter
	cascade   *cascade.Scheduler
	logger    *zap.Logger
	now       func() time.Time

	cascadeConcurrency int
}

type Option func(*Handler)

// WithCascadeConcurrency sets the number of branch updates that run in
// parallel after the default branch of a repository changed.
func WithCascadeConcurrency(n int) Option {
	return func(h *Handler) {
		h.cascadeConcurrency = n
	}
}

func NewHandler(clt GithubClient, s store.Store, opts ...Option) *Handler {
	h := Handler{
		clt:                clt,
		store:              s,
		logger:             zap.L().Named(loggerName),
		now:                time.Now,
		cascadeConcurrency: cascade.DefaultConcurrency,
	}

	for _, o := range opts {
		o(&h)
	}

	h.configs = repocfg.NewManager(clt, s)
	h.checks = checks.NewTracker(clt, s, h.configs)
	h.commenter = merge.NewCommenter(clt)
	h.merger = merge.NewMerger(clt, s, h.configs, h.checks, h.commenter)
	h.cascade = cascade.NewScheduler(s, h.configs, h.merger, h.cascadeConcurrency)

	return &h
}

// Handle processes a parsed webhook event, as returned by
// github.ParseWebHook.
// Unsupported event types are not handled. Panics that happen while
// processing the event are recovered and returned as error.
func (h *Handler) Handle(ctx context.Context, event any) (result *Result, err error) {
	logger := h.logger.With(zap.String("github.event_type", fmt.Sprintf("%T", event)))

	defer func() {
		if r := recover(); r != nil {
			logger.Error(
				"panic while processing event",
				logfields.Event("event_processing_panicked"),
				zap.Any("panic", r),
				zap.StackSkip("stacktrace", 2),
			)

			result = nil
			err = fmt.Errorf("processing event panicked: %v", r)
		}

		metrics.EventProcessedInc(event, result, err)
	}()

	switch ev := event.(type) {
	case *github.PullRequestEvent:
		result, err = h.onPullRequest(ctx, logger, ev)
	case *github.PushEvent:
		result, err = h.onPush(ctx, logger, ev)
	case *github.StatusEvent:
		result, err = h.onStatus(ctx, logger, ev)
	case *github.PullRequestReviewEvent:
		result, err = h.onPullRequestReview(ctx, logger, ev)
	case *github.IssueCommentEvent:
		result, err = h.onIssueComment(ctx, logger, ev)
	default:
		logger.Info("ignoring event, event type is unsupported", logFieldEventIgnored)
		return ignored("unsupported event type"), nil
	}

	if err != nil {
		logger.Error(
			"processing event failed",
			logfields.Event("event_processing_failed"),
			zap.Error(err),
		)

		return nil, err
	}

	return result, nil
}

// ownerLogin returns the login of u. Owners in push events only have the
// name field set.
func ownerLogin(u *github.User) string {
	if login := u.GetLogin(); login != "" {
		return login
	}

	return u.GetName()
}

func toRepository(r *github.Repository) model.Repository {
	return model.Repository{
		Owner: ownerLogin(r.GetOwner()),
		Name:  r.GetName(),
	}
}

func repoLogFields(repo model.Repository) []zap.Field {
	return []zap.Field{
		logfields.RepositoryOwner(repo.Owner),
		logfields.Repository(repo.Name),
	}
}

// tryToMerge runs Merger.TryToMerge and converts the outcome to a Result.
func (h *Handler) tryToMerge(ctx context.Context, mr *model.MergeRequest) (*Result, error) {
	merged, err := h.merger.TryToMerge(ctx, mr)
	if err != nil {
		return nil, err
	}

	if merged {
		return handled("pull request %s merged", mr.Key), nil
	}

	return handled("pull request %s not merged", mr.Key), nil
}
