package httpapi

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"go.uber.org/zap"

	"github.com/simplesurance/miro/internal/logfields"
	"github.com/simplesurance/miro/internal/model"
)

type checkData struct {
	Name      string    `json:"name"`
	State     string    `json:"state"`
	UpdatedAt time.Time `json:"updatedAt"`
	TargetURL string    `json:"targetUrl,omitempty"`
}

type pullRequestData struct {
	Number         int          `json:"number"`
	Title          string       `json:"title"`
	Author         string       `json:"author"`
	Branch         string       `json:"branch"`
	SHA            string       `json:"sha"`
	MergeCommandAt *time.Time   `json:"mergeCommandAt,omitempty"`
	State          string       `json:"state,omitempty"`
	Checks         []*checkData `json:"checks"`
}

type repositoryData struct {
	Owner                string `json:"owner"`
	Name                 string `json:"name"`
	MergePolicy          string `json:"mergePolicy,omitempty"`
	UpdateBranchStrategy string `json:"updateBranchStrategy,omitempty"`
	DefaultBranch        string `json:"defaultBranch,omitempty"`

	// Queued are the armed pull requests in merge order.
	Queued []*pullRequestData `json:"queued"`
	// NotQueued are the pull requests that did not receive a merge
	// command or are already merged.
	NotQueued []*pullRequestData `json:"notQueued"`
}

// queueListData is the response of the queue endpoint.
type queueListData struct {
	Repositories []*repositoryData `json:"repositories"`
	// CreatedAt is the time when this datastructure was created.
	CreatedAt time.Time `json:"createdAt"`
}

func toPullRequestData(mr *model.MergeRequest) *pullRequestData {
	result := pullRequestData{
		Number: mr.PRNumber,
		Title:  mr.Title,
		Author: mr.Author,
		Branch: mr.Branch,
		SHA:    mr.SHA,
		State:  string(mr.State),
		Checks: make([]*checkData, 0, len(mr.Checks)),
	}

	if !mr.MergeCommandAt.IsZero() {
		t := mr.MergeCommandAt
		result.MergeCommandAt = &t
	}

	for _, c := range mr.Checks {
		result.Checks = append(result.Checks, &checkData{
			Name:      c.Name,
			State:     string(c.State),
			UpdatedAt: c.UpdatedAt,
			TargetURL: c.TargetURL,
		})
	}

	return &result
}

func (s *Service) queueListData(ctx context.Context) (*queueListData, error) {
	result := queueListData{CreatedAt: time.Now()}

	mrs, err := s.store.ListAll(ctx)
	if err != nil {
		return nil, err
	}

	byRepo := map[model.Repository][]*model.MergeRequest{}
	for _, mr := range mrs {
		byRepo[mr.Repository] = append(byRepo[mr.Repository], mr)
	}

	cfgs, err := s.store.RepoConfigs(ctx)
	if err != nil {
		return nil, err
	}

	cfgByRepo := make(map[model.Repository]*model.RepoConfig, len(cfgs))
	for _, cfg := range cfgs {
		cfgByRepo[cfg.Repository] = cfg
	}

	for repo, prs := range byRepo {
		repoData := repositoryData{
			Owner:     repo.Owner,
			Name:      repo.Name,
			Queued:    []*pullRequestData{},
			NotQueued: []*pullRequestData{},
		}

		if cfg := cfgByRepo[repo]; cfg != nil {
			repoData.MergePolicy = string(cfg.MergePolicy)
			repoData.UpdateBranchStrategy = string(cfg.UpdateBranchStrategy)
			repoData.DefaultBranch = cfg.DefaultBranch
		}

		for _, mr := range model.SortQueued(prs) {
			repoData.Queued = append(repoData.Queued, toPullRequestData(mr))
		}

		for _, mr := range prs {
			if !mr.IsArmed() || mr.IsMerged() {
				repoData.NotQueued = append(repoData.NotQueued, toPullRequestData(mr))
			}
		}

		sort.Slice(repoData.NotQueued, func(i, j int) bool {
			return repoData.NotQueued[i].Number < repoData.NotQueued[j].Number
		})

		result.Repositories = append(result.Repositories, &repoData)
	}

	sort.Slice(result.Repositories, func(i, j int) bool {
		a, b := result.Repositories[i], result.Repositories[j]
		if a.Owner != b.Owner {
			return a.Owner < b.Owner
		}

		return a.Name < b.Name
	})

	return &result, nil
}

// HandlerQueue responds with the tracked pull requests per repository.
func (s *Service) HandlerQueue(resp http.ResponseWriter, req *http.Request) {
	data, err := s.queueListData(req.Context())
	if err != nil {
		s.logger.Error(
			"retrieving queue data failed",
			logfields.Event("http_queue_listing_failed"),
			zap.String("http.request_id", middleware.GetReqID(req.Context())),
			zap.Error(err),
		)

		render.Status(req, http.StatusInternalServerError)
		render.JSON(resp, req, &errResponse{Error: err.Error()})
		return
	}

	render.JSON(resp, req, data)
}
