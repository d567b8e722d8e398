package dialect

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"tracdap.evalgo.org/config"
)

// Postgres SQLSTATEs this adapter classifies into the C1 error-code set; see
// https://www.postgresql.org/docs/current/errcodes-appendix.html.
const (
	postgresUniqueViolation     = "23505"
	postgresForeignKeyViolation = "23503"
	postgresInvalidTextRep      = "22P02"
)

// mappingTableDDL creates the temporary scratch table batch selector
// resolution bulk-loads into within a transaction, per spec §4.1. It is
// scoped ON COMMIT DROP so it never outlives the transaction that created
// it and never collides across concurrent transactions on the same pool
// connection.
const mappingTableDDL = `
	CREATE TEMPORARY TABLE IF NOT EXISTS trac_batch_mapping (
		ordering  INTEGER NOT NULL,
		mapped_pk TEXT NOT NULL
	) ON COMMIT DROP`

// postgresAdapter is grounded on db/postgres_pgx.go's PostgresDB wrapper,
// generalized from a single-purpose bulk-metrics helper into the full
// Adapter surface the metadata kernel needs.
type postgresAdapter struct {
	pool querier
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx, letting WithTx reuse
// the same Exec/Query/QueryRow implementations inside a transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

func newPostgresAdapter(ctx context.Context, connString string, poolSize int) (Adapter, error) {
	poolCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("parse postgres connection string: %w", err)
	}
	if poolSize > 0 {
		poolCfg.MaxConns = int32(poolSize)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return &postgresAdapter{pool: pool}, nil
}

func (a *postgresAdapter) Name() config.DBDialect { return config.DialectPostgres }

func (a *postgresAdapter) Placeholder(n int) string { return fmt.Sprintf("$%d", n) }

func (a *postgresAdapter) Exec(ctx context.Context, sql string, args ...interface{}) error {
	_, err := a.pool.Exec(ctx, sql, args...)
	return err
}

func (a *postgresAdapter) Query(ctx context.Context, sql string, scan func(Row) error, args ...interface{}) error {
	rows, err := a.pool.Query(ctx, sql, args...)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		if err := scan(rows); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (a *postgresAdapter) QueryRow(ctx context.Context, sql string, args ...interface{}) Row {
	return a.pool.QueryRow(ctx, sql, args...)
}

func (a *postgresAdapter) WithTx(ctx context.Context, fn func(tx Adapter) error) error {
	pool, ok := a.pool.(*pgxpool.Pool)
	if !ok {
		return fmt.Errorf("WithTx called on an adapter already inside a transaction")
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return err
	}

	if err := fn(&postgresAdapter{pool: tx}); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	return tx.Commit(ctx)
}

// MapError classifies a raw postgres driver error per spec §4.1. TooManyRows
// and WrongObjectType are part of the closed Code set but have no
// corresponding SQLSTATE — the kernel detects both by comparing row counts
// and object_type columns itself and raises those Codes directly rather
// than relying on the driver.
func (a *postgresAdapter) MapError(err error) Code {
	if err == nil {
		return Unknown
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return NoData
	}

	var pgErr *pgconn.PgError
	if !asPgError(err, &pgErr) {
		return Unknown
	}

	switch pgErr.Code {
	case postgresUniqueViolation:
		return InsertDuplicate
	case postgresForeignKeyViolation:
		return InsertMissingFK
	case postgresInvalidTextRep:
		return InvalidObjectDefinition
	default:
		return Unknown
	}
}

func (a *postgresAdapter) Flavor() string { return "postgres" }

// PrepareMappingTable issues the mapping-table DDL on the current
// connection/transaction handle. Callers obtain one via WithTx so the
// table's ON COMMIT DROP lifetime matches the surrounding transaction.
func (a *postgresAdapter) PrepareMappingTable(ctx context.Context) error {
	_, err := a.pool.Exec(ctx, mappingTableDDL)
	return err
}

func (a *postgresAdapter) Close() {
	if pool, ok := a.pool.(*pgxpool.Pool); ok {
		pool.Close()
	}
}

func asPgError(err error, target **pgconn.PgError) bool {
	for err != nil {
		if pgErr, ok := err.(*pgconn.PgError); ok {
			*target = pgErr
			return true
		}
		unwrapper, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = unwrapper.Unwrap()
	}
	return false
}
