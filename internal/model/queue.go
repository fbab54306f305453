package model

import "sort"

// queuedBefore orders armed pull requests by the time their merge was
// requested. Zero MergeCommandAt values sort last.
func queuedBefore(a, b *MergeRequest) bool {
	if a.MergeCommandAt.IsZero() != b.MergeCommandAt.IsZero() {
		return !a.MergeCommandAt.IsZero()
	}

	if !a.MergeCommandAt.Equal(b.MergeCommandAt) {
		return a.MergeCommandAt.Before(b.MergeCommandAt)
	}

	return a.PRNumber < b.PRNumber
}

// SortQueued returns the armed and not merged pull requests of prs in queue
// order.
func SortQueued(prs []*MergeRequest) []*MergeRequest {
	result := make([]*MergeRequest, 0, len(prs))
	for _, pr := range prs {
		if pr.IsArmed() && !pr.IsMerged() {
			result = append(result, pr)
		}
	}

	sort.SliceStable(result, func(i, j int) bool {
		return queuedBefore(result[i], result[j])
	})

	return result
}

// SelectOldestQueued returns the head of the merge queue.
// The earliest armed pull request without failing checks is preferred, if
// every armed pull request has a failing check the earliest one is returned.
// nil is returned when no pull request is armed.
func SelectOldestQueued(prs []*MergeRequest) *MergeRequest {
	queued := SortQueued(prs)
	if len(queued) == 0 {
		return nil
	}

	for _, pr := range queued {
		if pr.NoFailingChecks() {
			return pr
		}
	}

	return queued[0]
}
