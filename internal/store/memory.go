package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/simplesurance/miro/internal/model"
)

// Memory is a Store that keeps all state in memory.
// Records are copied on every access, returned values can be modified by the
// caller.
type Memory struct {
	lock           sync.Mutex
	mergeRequests  map[model.Key]*model.MergeRequest
	requiredChecks map[model.Repository][]string
	repoConfigs    map[model.Repository]*model.RepoConfig
}

var _ Store = &Memory{}

func NewMemory() *Memory {
	return &Memory{
		mergeRequests:  map[model.Key]*model.MergeRequest{},
		requiredChecks: map[model.Repository][]string{},
		repoConfigs:    map[model.Repository]*model.RepoConfig{},
	}
}

func (m *Memory) Create(_ context.Context, mr *model.MergeRequest) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	if _, exists := m.mergeRequests[mr.Key]; exists {
		return fmt.Errorf("merge request %s: %w", mr.Key, ErrAlreadyExists)
	}

	m.mergeRequests[mr.Key] = mr.Clone()

	return nil
}

func (m *Memory) Get(_ context.Context, key model.Key) (*model.MergeRequest, error) {
	m.lock.Lock()
	defer m.lock.Unlock()

	return m.mergeRequests[key].Clone(), nil
}

// find returns the first record of repo for that match returns true.
// Records are evaluated in PR number order to make the result deterministic
// if multiple records match.
func (m *Memory) find(repo model.Repository, match func(*model.MergeRequest) bool) *model.MergeRequest {
	var result *model.MergeRequest

	for _, mr := range m.mergeRequests {
		if mr.Repository != repo || !match(mr) {
			continue
		}

		if result == nil || mr.PRNumber < result.PRNumber {
			result = mr
		}
	}

	return result.Clone()
}

func (m *Memory) GetByBranch(_ context.Context, repo model.Repository, branch string) (*model.MergeRequest, error) {
	m.lock.Lock()
	defer m.lock.Unlock()

	return m.find(repo, func(mr *model.MergeRequest) bool {
		return mr.Branch == branch
	}), nil
}

func (m *Memory) GetBySHA(_ context.Context, repo model.Repository, sha string) (*model.MergeRequest, error) {
	m.lock.Lock()
	defer m.lock.Unlock()

	return m.find(repo, func(mr *model.MergeRequest) bool {
		return mr.SHA == sha
	}), nil
}

func (m *Memory) list(filter func(*model.MergeRequest) bool) []*model.MergeRequest {
	var result []*model.MergeRequest

	for _, mr := range m.mergeRequests {
		if filter(mr) {
			result = append(result, mr.Clone())
		}
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].Repository != result[j].Repository {
			return result[i].Repository.String() < result[j].Repository.String()
		}

		return result[i].PRNumber < result[j].PRNumber
	})

	return result
}

func (m *Memory) List(_ context.Context, repo model.Repository) ([]*model.MergeRequest, error) {
	m.lock.Lock()
	defer m.lock.Unlock()

	return m.list(func(mr *model.MergeRequest) bool {
		return mr.Repository == repo
	}), nil
}

func (m *Memory) ListAll(_ context.Context) ([]*model.MergeRequest, error) {
	m.lock.Lock()
	defer m.lock.Unlock()

	return m.list(func(*model.MergeRequest) bool { return true }), nil
}

func (m *Memory) OldestQueued(ctx context.Context, repo model.Repository) (*model.MergeRequest, error) {
	prs, err := m.List(ctx, repo)
	if err != nil {
		return nil, err
	}

	return model.SelectOldestQueued(prs), nil
}

// update runs fn on the stored record while the lock is held.
// If no record for key exists nil is returned and fn is not called.
func (m *Memory) update(key model.Key, fn func(*model.MergeRequest)) *model.MergeRequest {
	m.lock.Lock()
	defer m.lock.Unlock()

	mr, exists := m.mergeRequests[key]
	if !exists {
		return nil
	}

	fn(mr)

	return mr.Clone()
}

func (m *Memory) SetMergeCommand(_ context.Context, key model.Key, received bool, at time.Time) (*model.MergeRequest, error) {
	return m.update(key, func(mr *model.MergeRequest) {
		mr.ReceivedMergeCommand = received
		mr.MergeCommandAt = at
	}), nil
}

func (m *Memory) UpsertCheckStatus(_ context.Context, key model.Key, cs model.CheckStatus) (*model.MergeRequest, error) {
	return m.update(key, func(mr *model.MergeRequest) {
		mr.UpsertCheck(cs)
	}), nil
}

func (m *Memory) UpsertCheckStatuses(_ context.Context, key model.Key, cs []model.CheckStatus) (*model.MergeRequest, error) {
	return m.update(key, func(mr *model.MergeRequest) {
		for _, c := range cs {
			mr.UpsertCheck(c)
		}
	}), nil
}

func (m *Memory) UpdateSHAClearingChecks(_ context.Context, key model.Key, sha string) (*model.MergeRequest, error) {
	return m.update(key, func(mr *model.MergeRequest) {
		mr.SHA = sha
		mr.Checks = nil
	}), nil
}

func (m *Memory) SetState(_ context.Context, key model.Key, state model.State) (*model.MergeRequest, error) {
	return m.update(key, func(mr *model.MergeRequest) {
		mr.State = state
	}), nil
}

func (m *Memory) Delete(_ context.Context, key model.Key) (*model.MergeRequest, error) {
	m.lock.Lock()
	defer m.lock.Unlock()

	mr, exists := m.mergeRequests[key]
	if !exists {
		return nil, nil
	}

	delete(m.mergeRequests, key)

	return mr, nil
}

func (m *Memory) RequiredChecks(_ context.Context, repo model.Repository) ([]string, bool, error) {
	m.lock.Lock()
	defer m.lock.Unlock()

	names, exists := m.requiredChecks[repo]
	if !exists {
		return nil, false, nil
	}

	return append([]string(nil), names...), true, nil
}

func (m *Memory) SetRequiredChecks(_ context.Context, repo model.Repository, names []string) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	m.requiredChecks[repo] = append([]string{}, names...)

	return nil
}

func (m *Memory) RepoConfig(_ context.Context, repo model.Repository) (*model.RepoConfig, error) {
	m.lock.Lock()
	defer m.lock.Unlock()

	cfg, exists := m.repoConfigs[repo]
	if !exists {
		return nil, nil
	}

	c := *cfg
	return &c, nil
}

func (m *Memory) SetRepoConfig(_ context.Context, cfg *model.RepoConfig) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	c := *cfg
	m.repoConfigs[cfg.Repository] = &c

	return nil
}

func (m *Memory) RepoConfigs(_ context.Context) ([]*model.RepoConfig, error) {
	m.lock.Lock()
	defer m.lock.Unlock()

	result := make([]*model.RepoConfig, 0, len(m.repoConfigs))
	for _, cfg := range m.repoConfigs {
		c := *cfg
		result = append(result, &c)
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].Repository.String() < result[j].Repository.String()
	})

	return result, nil
}
