// Package store is the SQLite persistence layer of the autopilot: sites
// and their energy counters, operators, rank and performance snapshots,
// rules, audit events, issues and cycle runs.
package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/hazyhaar/seopilot/dbopen"
)

// ErrNotFound is returned when a looked-up row does not exist.
var ErrNotFound = errors.New("store: not found")

// Store is the autopilot database handle. The rule, event and issue
// operations it embeds are also available inside a transaction through
// InTx.
type Store struct {
	DB *sql.DB
	ops
}

// Tx is the transactional view of a Store.
type Tx struct {
	ops
}

// ops holds the operations that run on either the database or a transaction.
type ops struct {
	q querier
}

// Open opens (or creates) the database at path and applies the schema.
func Open(path string, opts ...dbopen.Option) (*Store, error) {
	allOpts := append([]dbopen.Option{
		dbopen.WithMkdirAll(),
		dbopen.WithSchema(Schema),
	}, opts...)

	db, err := dbopen.Open(path, allOpts...)
	if err != nil {
		return nil, err
	}
	return &Store{DB: db, ops: ops{q: db}}, nil
}

// New wraps an already opened database. The schema is applied.
func New(db *sql.DB) (*Store, error) {
	if _, err := db.Exec(Schema); err != nil {
		return nil, err
	}
	return &Store{DB: db, ops: ops{q: db}}, nil
}

// InTx runs fn in a transaction, retried as a whole on SQLITE_BUSY.
func (s *Store) InTx(ctx context.Context, fn func(tx *Tx) error) error {
	return dbopen.RunTx(ctx, s.DB, func(t *sql.Tx) error {
		return fn(&Tx{ops: ops{q: t}})
	})
}

// Close closes the database.
func (s *Store) Close() error {
	return s.DB.Close()
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}
