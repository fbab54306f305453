// Package merge implements merging of pull requests and the operations
// around it: evaluating mergeability, updating pull request branches with the
// default branch and maintaining the merge check commit status.
package merge

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/simplesurance/miro/internal/githubclt"
	"github.com/simplesurance/miro/internal/logfields"
	"github.com/simplesurance/miro/internal/model"
	"github.com/simplesurance/miro/internal/store"
)

const loggerName = "merge"

const (
	// MergeCheckName is the name of the commit status that blocks
	// merging of pull requests in repositories with the whitelist-strict
	// policy until a merge command was given.
	MergeCheckName        = "Miro merge check"
	MergeCheckDescription = "Write 'miro merge' to resolve this"
	mergeCheckResolvedMsg = "Merge command received"
)

var ErrForkNotUpdatable = errors.New("branches of forked repositories can not be updated")

type GithubClient interface {
	CommentClient
	ReviewClient
	SquashMerge(ctx context.Context, owner, repo string, prNumber int, commitTitle, commitMessage string) (githubclt.MergeOutcome, error)
	MergeBranch(ctx context.Context, owner, repo, base, head, commitMessage string) error
	CreateCommitStatus(ctx context.Context, owner, repo, ref, state, statusContext, description string) error
}

type RepoConfigProvider interface {
	Get(ctx context.Context, repo model.Repository) (*model.RepoConfig, error)
}

// Merger merges pull requests.
type Merger struct {
	*Validator
	clt       GithubClient
	store     store.MergeRequests
	configs   RepoConfigProvider
	commenter *Commenter
	logger    *zap.Logger
}

func NewMerger(
	clt GithubClient,
	s store.MergeRequests,
	configs RepoConfigProvider,
	checks ChecksTracker,
	commenter *Commenter,
) *Merger {
	return &Merger{
		Validator: NewValidator(clt, checks),
		clt:       clt,
		store:     s,
		configs:   configs,
		commenter: commenter,
		logger:    zap.L().Named(loggerName),
	}
}

func mrLogFields(mr *model.MergeRequest) []zap.Field {
	return []zap.Field{
		logfields.RepositoryOwner(mr.Owner),
		logfields.Repository(mr.Name),
		logfields.PullRequest(mr.PRNumber),
		logfields.Branch(mr.Branch),
		logfields.Commit(mr.SHA),
	}
}

func validationErrStrings(verrs []ValidationError) []string {
	result := make([]string, 0, len(verrs))
	for _, e := range verrs {
		result = append(result, e.String())
	}

	return result
}

// TryToMerge merges mr if it is armed and mergeable.
// It returns true if the pull request was merged.
// When GitHub refuses the merge because the branch is not mergeable, the
// default branch is merged into the pull request branch, unless it is from a
// fork.
// Failures of the merge operation itself are reported as pull request
// comment, an error is only returned when evaluating the mergeability failed
// or the state could not be stored.
func (m *Merger) TryToMerge(ctx context.Context, mr *model.MergeRequest) (bool, error) {
	logger := m.logger.With(mrLogFields(mr)...)

	if !mr.IsArmed() {
		logger.Debug(
			"not merging pull request, merge command was not given",
			logfields.Event("merge_skipped_not_armed"),
		)

		return false, nil
	}

	verrs, err := m.Validate(ctx, mr)
	if err != nil {
		return false, fmt.Errorf("evaluating mergeability failed: %w", err)
	}

	if len(verrs) > 0 {
		logger.Info(
			"not merging pull request, it is not ready",
			logfields.Event("merge_skipped_not_ready"),
			zap.Strings("validation_errors", validationErrStrings(verrs)),
		)
		metrics.MergeAttemptInc(mr.Repository, outcomeNotReady)

		return false, nil
	}

	cfg, err := m.configs.Get(ctx, mr.Repository)
	if err != nil {
		return false, fmt.Errorf("retrieving repository config failed: %w", err)
	}

	logger.Info("pull request is ready, merging", logfields.Event("merging"))

	if !cfg.Quiet {
		m.commenter.ListComment(ctx, mr.Key, TitleMerging, checkItems(mr.Checks))
	}

	title := fmt.Sprintf("Merging PR #%d - %s", mr.PRNumber, mr.Title)

	outcome, err := m.clt.SquashMerge(ctx, mr.Owner, mr.Name, mr.PRNumber, title, title)
	if err != nil {
		logger.Error(
			"merging pull request failed",
			logfields.Event("merge_failed"),
			zap.Error(err),
		)
		metrics.MergeAttemptInc(mr.Repository, outcomeFailed)
		m.commenter.Comment(ctx, mr.Key, TitleNotMerged, ErrorDetail(err))

		return false, nil
	}

	if outcome == githubclt.MergeOutcomeMerged {
		metrics.MergeAttemptInc(mr.Repository, outcomeMerged)

		if _, err := m.store.SetState(ctx, mr.Key, model.StateMerged); err != nil {
			return true, fmt.Errorf("pull request was merged, storing merged state failed: %w", err)
		}

		logger.Info("pull request merged", logfields.Event("merged"))

		return true, nil
	}

	metrics.MergeAttemptInc(mr.Repository, outcomeNotMergeable)

	if mr.IsFork {
		logger.Info(
			"pull request is not mergeable, branch is from a fork and can not be updated",
			logfields.Event("merge_refused_fork"),
		)
		m.commenter.Comment(ctx, mr.Key, TitleNotMerged, BodyUpdatingForkNotAllowed)

		return false, nil
	}

	logger.Info(
		"pull request is not mergeable, updating branch",
		logfields.Event("merge_refused"),
	)
	m.commenter.Comment(ctx, mr.Key, TitleNotMerged, BodyNotMergeable, BodyTryingToUpdateBranch)

	if err := m.UpdateBranch(ctx, mr); err != nil {
		logger.Warn(
			"updating branch failed",
			logfields.Event("branch_update_failed"),
			zap.Error(err),
		)
		m.commenter.Comment(ctx, mr.Key, TitleCantUpdateBranch, ErrorDetail(err), BodyCantUpdateBranch)
	}

	return false, nil
}

// UpdateBranch merges the default branch of the repository into the branch of
// mr.
func (m *Merger) UpdateBranch(ctx context.Context, mr *model.MergeRequest) error {
	if mr.IsFork {
		metrics.BranchUpdateInc(mr.Repository, outcomeFailed)
		return ErrForkNotUpdatable
	}

	if mr.Branch == "" {
		metrics.BranchUpdateInc(mr.Repository, outcomeFailed)
		return errors.New("branch of pull request is unknown")
	}

	cfg, err := m.configs.Get(ctx, mr.Repository)
	if err != nil {
		return fmt.Errorf("retrieving repository config failed: %w", err)
	}

	msg := fmt.Sprintf("Merge branch %s into %s", cfg.DefaultBranch, mr.Branch)

	if err := m.clt.MergeBranch(ctx, mr.Owner, mr.Name, mr.Branch, cfg.DefaultBranch, msg); err != nil {
		metrics.BranchUpdateInc(mr.Repository, outcomeFailed)
		return err
	}

	metrics.BranchUpdateInc(mr.Repository, outcomeSuccess)

	m.logger.Info(
		"branch updated with default branch",
		append(mrLogFields(mr),
			logfields.BaseBranch(cfg.DefaultBranch),
			logfields.Event("branch_updated"),
		)...,
	)

	return nil
}

// AddMergeCheck creates the pending merge check commit status for the head
// commit of mr. Failures are logged.
func (m *Merger) AddMergeCheck(ctx context.Context, mr *model.MergeRequest) {
	err := m.clt.CreateCommitStatus(ctx, mr.Owner, mr.Name, mr.SHA, "pending", MergeCheckName, MergeCheckDescription)
	if err != nil {
		m.logger.Error(
			"creating pending merge check failed",
			append(mrLogFields(mr), logfields.Event("merge_check_creation_failed"), zap.Error(err))...,
		)
		metrics.MergeCheckOpInc(mr.Repository, operationAddMergeCheck, outcomeFailed)

		return
	}

	metrics.MergeCheckOpInc(mr.Repository, operationAddMergeCheck, outcomeSuccess)
}

// ResolveMergeCheck sets the merge check commit status of the head commit of
// mr to success. If it fails, it is retried once for the branch name.
// Failures are logged.
func (m *Merger) ResolveMergeCheck(ctx context.Context, mr *model.MergeRequest) {
	logger := m.logger.With(mrLogFields(mr)...)

	err := m.clt.CreateCommitStatus(ctx, mr.Owner, mr.Name, mr.SHA, "success", MergeCheckName, mergeCheckResolvedMsg)
	if err == nil {
		metrics.MergeCheckOpInc(mr.Repository, operationResolveMergeCheck, outcomeSuccess)
		return
	}

	logger.Warn(
		"resolving merge check for commit failed, retrying for branch",
		logfields.Event("merge_check_resolve_failed"),
		zap.Error(err),
	)

	err = m.clt.CreateCommitStatus(ctx, mr.Owner, mr.Name, mr.Branch, "success", MergeCheckName, mergeCheckResolvedMsg)
	if err != nil {
		logger.Error(
			"resolving merge check for branch failed",
			logfields.Event("merge_check_resolve_failed"),
			zap.Error(err),
		)
		metrics.MergeCheckOpInc(mr.Repository, operationResolveMergeCheck, outcomeFailed)

		return
	}

	metrics.MergeCheckOpInc(mr.Repository, operationResolveMergeCheck, outcomeSuccess)
}

// PostInfo comments the mergeability state of mr on the pull request.
func (m *Merger) PostInfo(ctx context.Context, mr *model.MergeRequest) error {
	verrs, err := m.Validate(ctx, mr)
	if err != nil {
		return fmt.Errorf("evaluating mergeability failed: %w", err)
	}

	if len(verrs) == 0 {
		m.commenter.Comment(ctx, mr.Key, TitleInfoReady, BodyMergeable)
		return nil
	}

	m.commenter.ListComment(ctx, mr.Key, TitleInfoNotReady, validationErrStrings(verrs))

	return nil
}
