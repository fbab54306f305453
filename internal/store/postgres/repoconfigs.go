package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/simplesurance/miro/internal/model"
)

func (s *Store) RequiredChecks(ctx context.Context, repo model.Repository) ([]string, bool, error) {
	var names pq.StringArray

	err := s.conn(ctx).QueryRowxContext(ctx, `
		SELECT names FROM required_checks WHERE owner = $1 AND repo = $2`,
		repo.Owner, repo.Name,
	).Scan(&names)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}

		return nil, false, fmt.Errorf("querying required checks failed: %w", err)
	}

	return []string(names), true, nil
}

func (s *Store) SetRequiredChecks(ctx context.Context, repo model.Repository, names []string) error {
	if names == nil {
		names = []string{}
	}

	_, err := s.conn(ctx).ExecContext(ctx, `
		INSERT INTO required_checks (owner, repo, names) VALUES ($1, $2, $3)
		ON CONFLICT (owner, repo) DO UPDATE SET names = EXCLUDED.names`,
		repo.Owner, repo.Name, pq.Array(names),
	)
	if err != nil {
		return fmt.Errorf("storing required checks failed: %w", err)
	}

	return nil
}

type repoConfigRow struct {
	Owner                string    `db:"owner"`
	Repo                 string    `db:"repo"`
	MergePolicy          string    `db:"merge_policy"`
	UpdateBranchStrategy string    `db:"update_branch_strategy"`
	DefaultBranch        string    `db:"default_branch"`
	DeleteAfterMerge     bool      `db:"delete_after_merge"`
	Quiet                bool      `db:"quiet"`
	UpdatedAt            time.Time `db:"updated_at"`
}

func (r *repoConfigRow) toModel() *model.RepoConfig {
	return &model.RepoConfig{
		Repository:           model.Repository{Owner: r.Owner, Name: r.Repo},
		MergePolicy:          model.MergePolicy(r.MergePolicy),
		UpdateBranchStrategy: model.UpdateBranchStrategy(r.UpdateBranchStrategy),
		DefaultBranch:        r.DefaultBranch,
		DeleteAfterMerge:     r.DeleteAfterMerge,
		Quiet:                r.Quiet,
		UpdatedAt:            r.UpdatedAt,
	}
}

const repoConfigColumns = `owner, repo, merge_policy, update_branch_strategy,
	default_branch, delete_after_merge, quiet, updated_at`

func (s *Store) RepoConfig(ctx context.Context, repo model.Repository) (*model.RepoConfig, error) {
	var row repoConfigRow

	err := s.conn(ctx).GetContext(ctx, &row, `
		SELECT `+repoConfigColumns+` FROM repo_configs WHERE owner = $1 AND repo = $2`,
		repo.Owner, repo.Name,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}

		return nil, fmt.Errorf("querying repository config failed: %w", err)
	}

	return row.toModel(), nil
}

func (s *Store) SetRepoConfig(ctx context.Context, cfg *model.RepoConfig) error {
	_, err := s.conn(ctx).ExecContext(ctx, `
		INSERT INTO repo_configs (`+repoConfigColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (owner, repo) DO UPDATE SET
			merge_policy = EXCLUDED.merge_policy,
			update_branch_strategy = EXCLUDED.update_branch_strategy,
			default_branch = EXCLUDED.default_branch,
			delete_after_merge = EXCLUDED.delete_after_merge,
			quiet = EXCLUDED.quiet,
			updated_at = EXCLUDED.updated_at`,
		cfg.Repository.Owner, cfg.Repository.Name, string(cfg.MergePolicy),
		string(cfg.UpdateBranchStrategy), cfg.DefaultBranch, cfg.DeleteAfterMerge,
		cfg.Quiet, cfg.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("storing repository config failed: %w", err)
	}

	return nil
}

func (s *Store) RepoConfigs(ctx context.Context) ([]*model.RepoConfig, error) {
	var rows []repoConfigRow

	err := s.conn(ctx).SelectContext(ctx, &rows, `
		SELECT `+repoConfigColumns+` FROM repo_configs ORDER BY owner, repo`)
	if err != nil {
		return nil, fmt.Errorf("querying repository configs failed: %w", err)
	}

	result := make([]*model.RepoConfig, 0, len(rows))
	for i := range rows {
		result = append(result, rows[i].toModel())
	}

	return result, nil
}
