package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/simplesurance/miro/internal/model"
	"github.com/simplesurance/miro/internal/store"
)

type mergeRequestRow struct {
	Owner                string       `db:"owner"`
	Repo                 string       `db:"repo"`
	PRNumber             int          `db:"pr_number"`
	Title                string       `db:"title"`
	Author               string       `db:"author"`
	CreatedAt            time.Time    `db:"created_at"`
	Branch               string       `db:"branch"`
	SHA                  string       `db:"sha"`
	IsFork               bool         `db:"is_fork"`
	ReceivedMergeCommand bool         `db:"received_merge_command"`
	MergeCommandAt       sql.NullTime `db:"merge_command_at"`
	State                string       `db:"state"`
}

type checkStatusRow struct {
	Owner     string    `db:"owner"`
	Repo      string    `db:"repo"`
	PRNumber  int       `db:"pr_number"`
	Name      string    `db:"name"`
	State     string    `db:"state"`
	UpdatedAt time.Time `db:"updated_at"`
	TargetURL string    `db:"target_url"`
}

const mergeRequestColumns = `owner, repo, pr_number, title, author, created_at, branch, sha,
	is_fork, received_merge_command, merge_command_at, state`

func (r *mergeRequestRow) toModel() *model.MergeRequest {
	mr := model.MergeRequest{
		Key:                  model.NewKey(r.Owner, r.Repo, r.PRNumber),
		Title:                r.Title,
		Author:               r.Author,
		CreatedAt:            r.CreatedAt,
		Branch:               r.Branch,
		SHA:                  r.SHA,
		IsFork:               r.IsFork,
		ReceivedMergeCommand: r.ReceivedMergeCommand,
		State:                model.State(r.State),
	}

	if r.MergeCommandAt.Valid {
		mr.MergeCommandAt = r.MergeCommandAt.Time
	}

	return &mr
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}

	return sql.NullTime{Time: t, Valid: true}
}

func (s *Store) Create(ctx context.Context, mr *model.MergeRequest) error {
	return s.trm.Do(ctx, func(ctx context.Context) error {
		_, err := s.conn(ctx).ExecContext(ctx, `
			INSERT INTO merge_requests (`+mergeRequestColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
			mr.Owner, mr.Name, mr.PRNumber, mr.Title, mr.Author, mr.CreatedAt,
			mr.Branch, mr.SHA, mr.IsFork, mr.ReceivedMergeCommand,
			nullTime(mr.MergeCommandAt), string(mr.State),
		)
		if err != nil {
			if isPQErr(err, uniqueViolationCode) {
				return fmt.Errorf("merge request %s: %w", mr.Key, store.ErrAlreadyExists)
			}

			return fmt.Errorf("inserting merge request failed: %w", err)
		}

		for _, cs := range mr.Checks {
			if err := s.upsertCheck(ctx, mr.Key, cs); err != nil {
				return err
			}
		}

		return nil
	})
}

// getOne runs a query returning a single merge_requests row and loads its
// checks. If no row matches nil is returned.
func (s *Store) getOne(ctx context.Context, query string, args ...any) (*model.MergeRequest, error) {
	var row mergeRequestRow

	err := s.conn(ctx).GetContext(ctx, &row, query, args...)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}

		return nil, fmt.Errorf("querying merge request failed: %w", err)
	}

	mr := row.toModel()

	checks, err := s.checks(ctx, mr.Key)
	if err != nil {
		return nil, err
	}
	mr.Checks = checks

	return mr, nil
}

func (s *Store) checks(ctx context.Context, key model.Key) ([]model.CheckStatus, error) {
	var rows []checkStatusRow

	err := s.conn(ctx).SelectContext(ctx, &rows, `
		SELECT owner, repo, pr_number, name, state, updated_at, target_url
		FROM check_statuses
		WHERE owner = $1 AND repo = $2 AND pr_number = $3
		ORDER BY name`,
		key.Owner, key.Name, key.PRNumber,
	)
	if err != nil {
		return nil, fmt.Errorf("querying check statuses failed: %w", err)
	}

	result := make([]model.CheckStatus, 0, len(rows))
	for _, r := range rows {
		result = append(result, r.toModel())
	}

	return result, nil
}

func (r *checkStatusRow) toModel() model.CheckStatus {
	return model.CheckStatus{
		Name:      r.Name,
		State:     model.CheckState(r.State),
		UpdatedAt: r.UpdatedAt,
		TargetURL: r.TargetURL,
	}
}

func (s *Store) Get(ctx context.Context, key model.Key) (*model.MergeRequest, error) {
	return s.getOne(ctx, `
		SELECT `+mergeRequestColumns+` FROM merge_requests
		WHERE owner = $1 AND repo = $2 AND pr_number = $3`,
		key.Owner, key.Name, key.PRNumber,
	)
}

func (s *Store) GetByBranch(ctx context.Context, repo model.Repository, branch string) (*model.MergeRequest, error) {
	return s.getOne(ctx, `
		SELECT `+mergeRequestColumns+` FROM merge_requests
		WHERE owner = $1 AND repo = $2 AND branch = $3
		ORDER BY pr_number LIMIT 1`,
		repo.Owner, repo.Name, branch,
	)
}

func (s *Store) GetBySHA(ctx context.Context, repo model.Repository, sha string) (*model.MergeRequest, error) {
	return s.getOne(ctx, `
		SELECT `+mergeRequestColumns+` FROM merge_requests
		WHERE owner = $1 AND repo = $2 AND sha = $3
		ORDER BY pr_number LIMIT 1`,
		repo.Owner, repo.Name, sha,
	)
}

// list runs a query returning merge_requests rows and attaches the checks
// returned by checksQuery. Both queries must use the same arguments.
func (s *Store) list(ctx context.Context, query, checksQuery string, args ...any) ([]*model.MergeRequest, error) {
	var rows []mergeRequestRow
	if err := s.conn(ctx).SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("querying merge requests failed: %w", err)
	}

	var checkRows []checkStatusRow
	if err := s.conn(ctx).SelectContext(ctx, &checkRows, checksQuery, args...); err != nil {
		return nil, fmt.Errorf("querying check statuses failed: %w", err)
	}

	checks := make(map[model.Key][]model.CheckStatus, len(rows))
	for _, r := range checkRows {
		key := model.NewKey(r.Owner, r.Repo, r.PRNumber)
		checks[key] = append(checks[key], r.toModel())
	}

	result := make([]*model.MergeRequest, 0, len(rows))
	for i := range rows {
		mr := rows[i].toModel()
		mr.Checks = checks[mr.Key]
		result = append(result, mr)
	}

	return result, nil
}

func (s *Store) List(ctx context.Context, repo model.Repository) ([]*model.MergeRequest, error) {
	var result []*model.MergeRequest

	err := s.trm.Do(ctx, func(ctx context.Context) error {
		var err error
		result, err = s.list(ctx,
			`SELECT `+mergeRequestColumns+` FROM merge_requests
			WHERE owner = $1 AND repo = $2 ORDER BY pr_number`,
			`SELECT owner, repo, pr_number, name, state, updated_at, target_url
			FROM check_statuses WHERE owner = $1 AND repo = $2 ORDER BY name`,
			repo.Owner, repo.Name,
		)
		return err
	})

	return result, err
}

func (s *Store) ListAll(ctx context.Context) ([]*model.MergeRequest, error) {
	var result []*model.MergeRequest

	err := s.trm.Do(ctx, func(ctx context.Context) error {
		var err error
		result, err = s.list(ctx,
			`SELECT `+mergeRequestColumns+` FROM merge_requests ORDER BY owner, repo, pr_number`,
			`SELECT owner, repo, pr_number, name, state, updated_at, target_url
			FROM check_statuses ORDER BY name`,
		)
		return err
	})

	return result, err
}

func (s *Store) OldestQueued(ctx context.Context, repo model.Repository) (*model.MergeRequest, error) {
	var prs []*model.MergeRequest

	err := s.trm.Do(ctx, func(ctx context.Context) error {
		var err error
		prs, err = s.list(ctx,
			`SELECT `+mergeRequestColumns+` FROM merge_requests
			WHERE owner = $1 AND repo = $2 AND received_merge_command AND state <> 'MERGED'
			ORDER BY merge_command_at ASC NULLS LAST, pr_number`,
			`SELECT c.owner, c.repo, c.pr_number, c.name, c.state, c.updated_at, c.target_url
			FROM check_statuses c
			JOIN merge_requests m USING (owner, repo, pr_number)
			WHERE c.owner = $1 AND c.repo = $2 AND m.received_merge_command
			ORDER BY c.name`,
			repo.Owner, repo.Name,
		)
		return err
	})
	if err != nil {
		return nil, err
	}

	return model.SelectOldestQueued(prs), nil
}

// updateAndGet runs stmt, which must update at most the row of key, and
// returns the updated record. If the row does not exist nil is returned.
func (s *Store) updateAndGet(ctx context.Context, key model.Key, stmt string, args ...any) (*model.MergeRequest, error) {
	var result *model.MergeRequest

	err := s.trm.Do(ctx, func(ctx context.Context) error {
		res, err := s.conn(ctx).ExecContext(ctx, stmt, args...)
		if err != nil {
			return fmt.Errorf("updating merge request failed: %w", err)
		}

		cnt, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("retrieving count of updated rows failed: %w", err)
		}

		if cnt == 0 {
			return nil
		}

		result, err = s.Get(ctx, key)
		return err
	})

	return result, err
}

func (s *Store) SetMergeCommand(ctx context.Context, key model.Key, received bool, at time.Time) (*model.MergeRequest, error) {
	return s.updateAndGet(ctx, key, `
		UPDATE merge_requests SET received_merge_command = $4, merge_command_at = $5
		WHERE owner = $1 AND repo = $2 AND pr_number = $3`,
		key.Owner, key.Name, key.PRNumber, received, nullTime(at),
	)
}

func (s *Store) SetState(ctx context.Context, key model.Key, state model.State) (*model.MergeRequest, error) {
	return s.updateAndGet(ctx, key, `
		UPDATE merge_requests SET state = $4
		WHERE owner = $1 AND repo = $2 AND pr_number = $3`,
		key.Owner, key.Name, key.PRNumber, string(state),
	)
}

func (s *Store) UpdateSHAClearingChecks(ctx context.Context, key model.Key, sha string) (*model.MergeRequest, error) {
	var result *model.MergeRequest

	err := s.trm.Do(ctx, func(ctx context.Context) error {
		_, err := s.conn(ctx).ExecContext(ctx, `
			DELETE FROM check_statuses
			WHERE owner = $1 AND repo = $2 AND pr_number = $3`,
			key.Owner, key.Name, key.PRNumber,
		)
		if err != nil {
			return fmt.Errorf("deleting check statuses failed: %w", err)
		}

		result, err = s.updateAndGet(ctx, key, `
			UPDATE merge_requests SET sha = $4
			WHERE owner = $1 AND repo = $2 AND pr_number = $3`,
			key.Owner, key.Name, key.PRNumber, sha,
		)
		return err
	})

	return result, err
}

// upsertCheck inserts or replaces a check status in a single statement.
// It returns errRecordNotFound if no merge request for key exists.
func (s *Store) upsertCheck(ctx context.Context, key model.Key, cs model.CheckStatus) error {
	_, err := s.conn(ctx).ExecContext(ctx, `
		INSERT INTO check_statuses (owner, repo, pr_number, name, state, updated_at, target_url)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (owner, repo, pr_number, name)
		DO UPDATE SET state = EXCLUDED.state, updated_at = EXCLUDED.updated_at, target_url = EXCLUDED.target_url`,
		key.Owner, key.Name, key.PRNumber, cs.Name, string(cs.State), cs.UpdatedAt, cs.TargetURL,
	)
	if err != nil {
		if isPQErr(err, foreignKeyViolationCode) {
			return errRecordNotFound
		}

		return fmt.Errorf("upserting check status %q failed: %w", cs.Name, err)
	}

	return nil
}

var errRecordNotFound = errors.New("merge request does not exist")

func (s *Store) UpsertCheckStatus(ctx context.Context, key model.Key, cs model.CheckStatus) (*model.MergeRequest, error) {
	return s.UpsertCheckStatuses(ctx, key, []model.CheckStatus{cs})
}

func (s *Store) UpsertCheckStatuses(ctx context.Context, key model.Key, cs []model.CheckStatus) (*model.MergeRequest, error) {
	var result *model.MergeRequest

	err := s.trm.Do(ctx, func(ctx context.Context) error {
		for _, c := range cs {
			if err := s.upsertCheck(ctx, key, c); err != nil {
				return err
			}
		}

		var err error
		result, err = s.Get(ctx, key)
		return err
	})
	if errors.Is(err, errRecordNotFound) {
		return nil, nil
	}

	return result, err
}

func (s *Store) Delete(ctx context.Context, key model.Key) (*model.MergeRequest, error) {
	var result *model.MergeRequest

	err := s.trm.Do(ctx, func(ctx context.Context) error {
		var err error
		result, err = s.Get(ctx, key)
		if err != nil || result == nil {
			return err
		}

		_, err = s.conn(ctx).ExecContext(ctx, `
			DELETE FROM merge_requests
			WHERE owner = $1 AND repo = $2 AND pr_number = $3`,
			key.Owner, key.Name, key.PRNumber,
		)
		if err != nil {
			return fmt.Errorf("deleting merge request failed: %w", err)
		}

		return nil
	})

	return result, err
}
