// Package dialect abstracts the relational-SQL differences between the
// backends the metadata store can run against, so the kernel in package
// metadata never branches on database engine.
package dialect

import (
	"context"

	"tracdap.evalgo.org/config"
	"tracdap.evalgo.org/errs"
)

// Code is C1's closed set of dialect-level error classifications (spec
// §4.1), distinct from the errs.Kind taxonomy the rest of the kernel uses:
// Code describes what went wrong in SQL terms, MapError translates a raw
// driver error into one, and callers that need a kernel-facing errs.Kind
// still go through errs.New/errs.Wrap themselves.
type Code int

const (
	Unknown Code = iota
	InsertDuplicate
	InsertMissingFK
	NoData
	TooManyRows
	WrongObjectType
	InvalidObjectDefinition
)

func (c Code) String() string {
	switch c {
	case InsertDuplicate:
		return "INSERT_DUPLICATE"
	case InsertMissingFK:
		return "INSERT_MISSING_FK"
	case NoData:
		return "NO_DATA"
	case TooManyRows:
		return "TOO_MANY_ROWS"
	case WrongObjectType:
		return "WRONG_OBJECT_TYPE"
	case InvalidObjectDefinition:
		return "INVALID_OBJECT_DEFINITION"
	default:
		return "UNKNOWN"
	}
}

// Adapter hides per-engine SQL and driver-error quirks behind one surface.
// Every method takes a plain *sql-free* signature so the kernel can stay
// driver-agnostic; concrete adapters hold their own pool/connection handle.
type Adapter interface {
	// Name identifies the dialect for logging and config validation.
	Name() config.DBDialect

	// Placeholder returns the positional parameter marker for argument index n
	// (1-based), e.g. "$1" for postgres, "?" for mysql.
	Placeholder(n int) string

	// Exec runs a statement with no result rows.
	Exec(ctx context.Context, sql string, args ...interface{}) error

	// Query runs a statement and hands each row to scan until rows are
	// exhausted or scan returns a non-nil error.
	Query(ctx context.Context, sql string, scan func(Row) error, args ...interface{}) error

	// QueryRow runs a statement expected to return at most one row.
	QueryRow(ctx context.Context, sql string, args ...interface{}) Row

	// WithTx runs fn inside a transaction, committing on nil return and
	// rolling back otherwise.
	WithTx(ctx context.Context, fn func(tx Adapter) error) error

	// MapError classifies err against C1's closed dialect error-code set,
	// per spec §4.1. Errors the driver never raises for a reason this set
	// can name (e.g. a row-count mismatch the kernel detects itself) are
	// not produced here; the kernel raises those Codes directly.
	MapError(err error) Code

	// Flavor names the SQL dialect in use, e.g. "postgres", for log fields
	// and for kernel logic that must special-case one engine's quirks.
	Flavor() string

	// PrepareMappingTable creates the per-transaction temporary
	// (ordering, mapped_pk) scratch table batch operations bulk-load
	// selectors into, per spec §4.1. It must be called on an Adapter
	// returned by WithTx, since the table is scoped to that transaction.
	PrepareMappingTable(ctx context.Context) error

	// Close releases the underlying connection/pool.
	Close()
}

// Row mirrors the subset of *sql.Row / pgx.Row the kernel needs.
type Row interface {
	Scan(dest ...interface{}) error
}

// Open constructs the Adapter for cfg.DBDialect, or an errs.Startup error if
// the dialect is not one of the ones wired into this build.
func Open(ctx context.Context, cfg config.MetadataConfig) (Adapter, error) {
	switch cfg.DBDialect {
	case config.DialectPostgres:
		return newPostgresAdapter(ctx, cfg.DBURL, cfg.DBPoolSize)
	case config.DialectMySQL, config.DialectH2, config.DialectSQLServer, config.DialectOracle:
		return nil, errs.New(errs.Startup, "dialect %q is recognized but not wired into this build", cfg.DBDialect)
	default:
		return nil, errs.New(errs.Startup, "unknown db dialect %q", cfg.DBDialect)
	}
}
