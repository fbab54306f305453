package merge

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/simplesurance/miro/internal/logfields"
	"github.com/simplesurance/miro/internal/model"
	"github.com/simplesurance/miro/internal/stringutils"
)

const (
	CommentHeader = ":dog2: <i> Miro says... </i> :dog2:"

	TitleMerging               = "Merging:"
	TitleNotMerged             = "Ouch! Pull Request not Merged"
	TitleCantUpdateBranch      = "Damn! Can't update branch"
	TitleInfoNotReady          = "Not ready for merging"
	TitleInfoReady             = "PR ready for merging"
	TitleBlacklistNotice       = "This Pull Request will be merged automatically by Miro"
	TitleBlacklistWipNotice    = "Miro won't merge this PR since it's titled with \"WIP\""
	TitleCancelled             = "Cancelled"
	TitleWip                   = "Work in Progress, Copy that!"
	BodyUpdatingForkNotAllowed = "Sorry, Miro doesn't know how to update a fork respository yet"
	BodyTryingToUpdateBranch   = "I'll try to update branch with the default branch"
	BodyCantUpdateBranch       = "This is where miro gives up, but Miro will still be listening for changes on the PR"
	BodyMergeable              = "To merge this PR - type `miro merge`"
	BodyBlacklistNotice        = "No need to type `miro merge`. \n If you do *not* want this PR merged automatically, let miro know by typing `miro wip`"
	BodyBlacklistWipNotice     = "Type `miro merge` when you want Miro to merge it for you."
	BodyCancelled              = "You told miro to cancel"
	BodyWip                    = "Still working on this bad boy? \n Miro will hold off merging this Pull Request. \n When you're ready, type `miro merge`"
	BodyNotMergeable           = "GitHub refused to merge the Pull Request, it is not mergeable in its current state"
)

// maxErrorLen is the maximum length of error messages that are included in
// comments.
const maxErrorLen = 1024

// Commenter creates Markdown formatted comments in pull requests.
// Failing to create a comment is logged and not reported to the caller.
type Commenter struct {
	clt    CommentClient
	logger *zap.Logger
}

type CommentClient interface {
	CreateIssueComment(ctx context.Context, owner, repo string, issueOrPRNr int, comment string) error
}

func NewCommenter(clt CommentClient) *Commenter {
	return &Commenter{
		clt:    clt,
		logger: zap.L().Named(loggerName).Named("commenter"),
	}
}

func markdownHeader(title string) *strings.Builder {
	var sb strings.Builder

	sb.WriteString(CommentHeader)
	sb.WriteString("\n\n## ")
	sb.WriteString(title)
	sb.WriteString("\n\n")

	return &sb
}

// FormatComment returns a comment with a title and body paragraphs.
func FormatComment(title string, body ...string) string {
	sb := markdownHeader(title)

	for _, line := range body {
		sb.WriteString("\n")
		sb.WriteString(line)
		sb.WriteString("\n")
	}

	return sb.String()
}

// FormatListComment returns a comment with a title and a list of items.
func FormatListComment(title string, items []string) string {
	sb := markdownHeader(title)

	for _, item := range items {
		sb.WriteString("- #### ")
		sb.WriteString(item)
		sb.WriteString("\n")
	}

	return sb.String()
}

// ErrorDetail formats an error for including it in a comment.
func ErrorDetail(err error) string {
	return stringutils.IndentString(stringutils.Truncate(err.Error(), maxErrorLen), "    ")
}

func (c *Commenter) post(ctx context.Context, key model.Key, title, comment string) {
	err := c.clt.CreateIssueComment(ctx, key.Owner, key.Name, key.PRNumber, comment)
	if err != nil {
		c.logger.Warn(
			"creating comment failed",
			logfields.RepositoryOwner(key.Owner),
			logfields.Repository(key.Name),
			logfields.PullRequest(key.PRNumber),
			logfields.Event("github_create_comment_failed"),
			zap.String("comment_title", title),
			zap.Error(err),
		)

		return
	}

	c.logger.Debug(
		"comment created",
		logfields.RepositoryOwner(key.Owner),
		logfields.Repository(key.Name),
		logfields.PullRequest(key.PRNumber),
		logfields.Event("github_comment_created"),
		zap.String("comment_title", title),
	)
}

// Comment creates a comment with FormatComment.
func (c *Commenter) Comment(ctx context.Context, key model.Key, title string, body ...string) {
	c.post(ctx, key, title, FormatComment(title, body...))
}

// ListComment creates a comment with FormatListComment.
func (c *Commenter) ListComment(ctx context.Context, key model.Key, title string, items []string) {
	c.post(ctx, key, title, FormatListComment(title, items))
}

func checkItems(checks []model.CheckStatus) []string {
	result := make([]string, 0, len(checks))
	for _, c := range checks {
		result = append(result, fmt.Sprintf(":heavy_check_mark: %s", c.Name))
	}

	return result
}
