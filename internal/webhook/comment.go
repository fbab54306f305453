package webhook

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/go-github/v59/github"
	"go.uber.org/zap"

	"github.com/simplesurance/miro/internal/logfields"
	"github.com/simplesurance/miro/internal/merge"
	"github.com/simplesurance/miro/internal/model"
)

type command string

const (
	commandMerge  command = "miro merge"
	commandCancel command = "miro cancel"
	commandInfo   command = "miro info"
	commandWip    command = "miro wip"
)

var commandRe = regexp.MustCompile(`(?i)(miro merge|miro cancel|miro info|miro wip)`)

// parseCommand returns the first command in a comment body.
func parseCommand(body string) (command, bool) {
	m := commandRe.FindString(body)
	if m == "" {
		return "", false
	}

	return command(strings.ToLower(m)), true
}

func (h *Handler) onIssueComment(ctx context.Context, logger *zap.Logger, ev *github.IssueCommentEvent) (*Result, error) {
	repo := toRepository(ev.GetRepo())
	key := model.NewKey(repo.Owner, repo.Name, ev.GetIssue().GetNumber())

	logger = logger.With(repoLogFields(repo)...).With(
		logfields.PullRequest(key.PRNumber),
		logfields.Action(ev.GetAction()),
	)

	if ev.GetAction() != "created" {
		logger.Info("ignoring event, comment action is not relevant", logFieldEventIgnored)
		return ignored("comment action %q is not relevant", ev.GetAction()), nil
	}

	if !ev.GetIssue().IsPullRequest() {
		logger.Info("ignoring event, comment is not on a pull request", logFieldEventIgnored)
		return ignored("comment is not on a pull request"), nil
	}

	cmd, found := parseCommand(ev.GetComment().GetBody())
	if !found {
		logger.Info("ignoring event, comment contains no command", logFieldEventIgnored)
		return ignored("comment contains no command"), nil
	}

	logger = logger.With(logfields.Command(string(cmd)))

	mr, err := h.store.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("retrieving pull request failed: %w", err)
	}

	if mr == nil {
		logger.Info("ignoring event, pull request is not tracked", logFieldEventIgnored)
		return ignored("pull request %s is not tracked", key), nil
	}

	logger.Info("command received", logfields.Event("command_received"))

	switch cmd {
	case commandCancel:
		return h.disarm(ctx, key, merge.TitleCancelled, merge.BodyCancelled)

	case commandWip:
		return h.disarm(ctx, key, merge.TitleWip, merge.BodyWip)

	case commandInfo:
		if err := h.merger.PostInfo(ctx, mr); err != nil {
			return nil, err
		}

		return handled("mergeability of pull request %s commented", key), nil

	case commandMerge:
		return h.arm(ctx, key)

	default:
		return nil, fmt.Errorf("unsupported command: %q", cmd)
	}
}

func (h *Handler) disarm(ctx context.Context, key model.Key, title, body string) (*Result, error) {
	mr, err := h.store.SetMergeCommand(ctx, key, false, time.Time{})
	if err != nil {
		return nil, fmt.Errorf("disarming pull request failed: %w", err)
	}

	if mr == nil {
		return ignored("pull request %s is not tracked", key), nil
	}

	h.commenter.Comment(ctx, key, title, body)

	return handled("pull request %s disarmed", key), nil
}

func (h *Handler) arm(ctx context.Context, key model.Key) (*Result, error) {
	mr, err := h.store.SetMergeCommand(ctx, key, true, h.now())
	if err != nil {
		return nil, fmt.Errorf("arming pull request failed: %w", err)
	}

	if mr == nil {
		return ignored("pull request %s is not tracked", key), nil
	}

	cfg, err := h.configs.Get(ctx, key.Repository)
	if err != nil {
		return nil, fmt.Errorf("retrieving repository config failed: %w", err)
	}

	if cfg.IsStrict() {
		h.merger.ResolveMergeCheck(ctx, mr)
	}

	return h.tryToMerge(ctx, mr)
}
