package githubclt

import (
	"context"
	"fmt"

	"github.com/shurcooL/githubv4"
)

// StatusState is the state of a commit status or check run, in the
// vocabulary of the commit status REST API.
type StatusState string

const (
	StatusStatePending StatusState = "pending"
	StatusStateSuccess StatusState = "success"
	StatusStateFailure StatusState = "failure"
	StatusStateError   StatusState = "error"
)

// CommitStatus is the state of a commit status or check run of a commit.
type CommitStatus struct {
	Name      string
	State     StatusState
	TargetURL string
}

type queryCheckRun struct {
	Name       string
	Conclusion githubv4.CheckConclusionState
	Status     githubv4.CheckStatusState
	DetailsURL string `graphql:"detailsUrl"`
}

type queryStatusContext struct {
	State     githubv4.StatusState
	Context   string
	TargetURL string `graphql:"targetUrl"`
}

// CommitStatuses returns the latest states of all commit statuses and check
// runs that were reported for the commit sha.
func (clt *Client) CommitStatuses(ctx context.Context, owner, repo, sha string) ([]*CommitStatus, error) {
	type graphQLQueryCommitStatuses struct {
		Repository struct {
			Object struct {
				Commit struct {
					StatusCheckRollup struct {
						Contexts struct {
							PageInfo struct {
								EndCursor   string
								HasNextPage bool
							}
							Edges []struct {
								Node struct {
									CheckRun      queryCheckRun      `graphql:"... on CheckRun"`
									StatusContext queryStatusContext `graphql:"... on StatusContext"`
								}
							}
						} `graphql:"contexts(first: $contextsFirst, after: $contextsAfter)"`
					}
				} `graphql:"... on Commit"`
			} `graphql:"object(oid: $oid)"`
		} `graphql:"repository(owner: $owner, name: $name)"`
	}

	var result []*CommitStatus

	vars := map[string]any{
		"owner":         githubv4.String(owner),
		"name":          githubv4.String(repo),
		"oid":           githubv4.GitObjectID(sha),
		"contextsFirst": githubv4.Int(100),
		"contextsAfter": (*githubv4.String)(nil),
	}

	for {
		var q graphQLQueryCommitStatuses

		err := clt.graphQLClt.Query(ctx, &q, vars)
		if err != nil {
			return nil, clt.wrapGraphQLRetryableErrors(err)
		}

		contexts := q.Repository.Object.Commit.StatusCheckRollup.Contexts

		for _, edge := range contexts.Edges {
			node := edge.Node
			if node.CheckRun.Name != "" && node.StatusContext.Context != "" {
				return nil, fmt.Errorf("internal error: node contains checkRun and context, expecting only one")
			}

			if node.CheckRun.Name != "" {
				state, err := checkRunState(node.CheckRun.Status, node.CheckRun.Conclusion)
				if err != nil {
					return nil, fmt.Errorf("converting checkRun %q state failed: %w", node.CheckRun.Name, err)
				}

				result = append(result, &CommitStatus{
					Name:      node.CheckRun.Name,
					State:     state,
					TargetURL: node.CheckRun.DetailsURL,
				})

				continue
			}

			state, err := statusContextState(node.StatusContext.State)
			if err != nil {
				return nil, fmt.Errorf("converting %q status context state failed: %w", node.StatusContext.Context, err)
			}

			result = append(result, &CommitStatus{
				Name:      node.StatusContext.Context,
				State:     state,
				TargetURL: node.StatusContext.TargetURL,
			})
		}

		if !contexts.PageInfo.HasNextPage {
			return result, nil
		}

		if contexts.PageInfo.EndCursor == "" {
			return nil, fmt.Errorf("retrieving all contexts failed, HasNextPage is true, expected non-empty EndCursor")
		}

		vars["contextsAfter"] = githubv4.String(contexts.PageInfo.EndCursor)
	}
}

func checkRunState(status githubv4.CheckStatusState, conclusion githubv4.CheckConclusionState) (StatusState, error) {
	switch status {
	case githubv4.CheckStatusStateInProgress,
		githubv4.CheckStatusStatePending,
		githubv4.CheckStatusStateQueued,
		githubv4.CheckStatusStateRequested,
		githubv4.CheckStatusStateWaiting:
		return StatusStatePending, nil

	case githubv4.CheckStatusStateCompleted:
		return checkConclusionState(conclusion)

	default:
		return "", fmt.Errorf("unsupported status value: %q", status)
	}
}

func checkConclusionState(conclusion githubv4.CheckConclusionState) (StatusState, error) {
	switch conclusion {
	case githubv4.CheckConclusionStateCancelled,
		githubv4.CheckConclusionStateFailure,
		githubv4.CheckConclusionStateStale,
		githubv4.CheckConclusionStateStartupFailure,
		githubv4.CheckConclusionStateTimedOut:
		return StatusStateFailure, nil

	case githubv4.CheckConclusionStateActionRequired:
		return StatusStatePending, nil

	case githubv4.CheckConclusionStateNeutral,
		githubv4.CheckConclusionStateSkipped,
		githubv4.CheckConclusionStateSuccess:
		return StatusStateSuccess, nil

	default:
		return "", fmt.Errorf("unsupported conclusion value: %q", conclusion)
	}
}

func statusContextState(state githubv4.StatusState) (StatusState, error) {
	switch state {
	case githubv4.StatusStateError:
		return StatusStateError, nil

	case githubv4.StatusStateFailure:
		return StatusStateFailure, nil

	case githubv4.StatusStateExpected,
		githubv4.StatusStatePending:
		return StatusStatePending, nil

	case githubv4.StatusStateSuccess:
		return StatusStateSuccess, nil

	default:
		return "", fmt.Errorf("unsupported status state value: %q", state)
	}
}
