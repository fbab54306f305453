// Package postgres implements store.Store on a PostgreSQL database.
package postgres

import (
	"context"
	_ "embed" // schema.sql
	"fmt"
	"time"

	trmsqlx "github.com/avito-tech/go-transaction-manager/drivers/sqlx/v2"
	"github.com/avito-tech/go-transaction-manager/trm/v2/manager"
	"github.com/cenkalti/backoff"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/simplesurance/miro/internal/logfields"
	"github.com/simplesurance/miro/internal/store"
)

const loggerName = "postgres_store"

const (
	uniqueViolationCode     = "23505"
	foreignKeyViolationCode = "23503"
)

//go:embed schema.sql
var schema string

// Store is a store.Store persisting state in PostgreSQL.
// Mutations that consist of multiple statements run in a transaction.
type Store struct {
	db     *sqlx.DB
	getter *trmsqlx.CtxGetter
	trm    *manager.Manager
	logger *zap.Logger
}

var _ store.Store = &Store{}

func New(db *sqlx.DB) (*Store, error) {
	trm, err := manager.New(trmsqlx.NewDefaultFactory(db))
	if err != nil {
		return nil, fmt.Errorf("creating transaction manager failed: %w", err)
	}

	return &Store{
		db:     db,
		getter: trmsqlx.DefaultCtxGetter,
		trm:    trm,
		logger: zap.L().Named(loggerName),
	}, nil
}

// Connect opens a connection to the database.
// Failing connection attempts are retried with an exponential backoff until
// maxWait expired or ctx is cancelled.
func Connect(ctx context.Context, dsn string, maxWait time.Duration) (*sqlx.DB, error) {
	logger := zap.L().Named(loggerName)

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = maxWait

	var db *sqlx.DB
	err := backoff.RetryNotify(
		func() error {
			var err error
			db, err = sqlx.ConnectContext(ctx, "postgres", dsn)
			return err
		},
		backoff.WithContext(bo, ctx),
		func(err error, retryIn time.Duration) {
			logger.Warn(
				"connecting to database failed, retry scheduled",
				logfields.Event("db_connect_failed"),
				zap.Duration("retry_in", retryIn),
				zap.Error(err),
			)
		},
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to database failed: %w", err)
	}

	return db, nil
}

// Migrate creates the database tables if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("applying database schema failed: %w", err)
	}

	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) conn(ctx context.Context) trmsqlx.Tr {
	return s.getter.DefaultTrOrDB(ctx, s.db)
}

func isPQErr(err error, code pq.ErrorCode) bool {
	pgErr, ok := err.(*pq.Error)
	return ok && pgErr.Code == code
}
