// Package postgres implements storage.Repository backed by PostgreSQL.
//
// The records table uses a composite primary key (namespace, kind, id) that
// mirrors the key space used by the BBolt and in-memory backends. Record
// payloads are stored verbatim as BYTEA; the schema is managed by goose
// migrations embedded in the binary.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jmcleod/ironsign/storage"
)

// Store implements storage.Repository backed by PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

var _ storage.Repository = (*Store)(nil)

// NewRepository returns a Repository backed by the given pgx connection pool.
func NewRepository(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// NewRepositoryFromDSN creates a connection pool from a DSN string, applies
// pending migrations, and returns a new Repository.
func NewRepositoryFromDSN(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return NewRepository(pool), nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// ---------------------------------------------------------------------------
// Repository interface implementation
// ---------------------------------------------------------------------------

const upsertSQL = `INSERT INTO records (namespace, kind, id, data, version)
	 VALUES ($1, $2, $3, $4, $5)
	 ON CONFLICT (namespace, kind, id)
	 DO UPDATE SET data = $4, version = $5, updated_at = now()`

func (s *Store) Put(ctx context.Context, namespace, kind, id string, rec *storage.Record) error {
	_, err := s.pool.Exec(ctx, upsertSQL, namespace, kind, id, rec.Data, rec.Version)
	return err
}

func (s *Store) Get(ctx context.Context, namespace, kind, id string) (*storage.Record, error) {
	var rec storage.Record
	err := s.pool.QueryRow(ctx,
		`SELECT data, version FROM records WHERE namespace = $1 AND kind = $2 AND id = $3`,
		namespace, kind, id).Scan(&rec.Data, &rec.Version)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%s/%s: %w", kind, id, storage.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *Store) List(ctx context.Context, namespace, kind string) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id FROM records WHERE namespace = $1 AND kind = $2`,
		namespace, kind)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func (s *Store) Delete(ctx context.Context, namespace, kind, id string) error {
	return deleteIn(ctx, s.pool, namespace, kind, id)
}

func (s *Store) PutCAS(ctx context.Context, namespace, kind, id string, expectedVersion uint64, rec *storage.Record) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := putCASInTx(ctx, tx, namespace, kind, id, expectedVersion, rec); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *Store) Batch(ctx context.Context, namespace string, fn func(tx storage.BatchTx) error) error {
	pgTx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer pgTx.Rollback(ctx) //nolint:errcheck

	if err := fn(&pgBatchTx{ctx: ctx, tx: pgTx, namespace: namespace}); err != nil {
		return err
	}
	return pgTx.Commit(ctx)
}

// ---------------------------------------------------------------------------
// BatchTx implementation
// ---------------------------------------------------------------------------

type pgBatchTx struct {
	ctx       context.Context
	tx        pgx.Tx
	namespace string
}

var _ storage.BatchTx = (*pgBatchTx)(nil)

func (btx *pgBatchTx) Put(kind, id string, rec *storage.Record) error {
	_, err := btx.tx.Exec(btx.ctx, upsertSQL, btx.namespace, kind, id, rec.Data, rec.Version)
	return err
}

func (btx *pgBatchTx) PutCAS(kind, id string, expectedVersion uint64, rec *storage.Record) error {
	return putCASInTx(btx.ctx, btx.tx, btx.namespace, kind, id, expectedVersion, rec)
}

func (btx *pgBatchTx) Delete(kind, id string) error {
	return deleteIn(btx.ctx, btx.tx, btx.namespace, kind, id)
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// execer abstracts both *pgxpool.Pool and pgx.Tx for shared statements.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func deleteIn(ctx context.Context, q execer, namespace, kind, id string) error {
	tag, err := q.Exec(ctx,
		`DELETE FROM records WHERE namespace = $1 AND kind = $2 AND id = $3`,
		namespace, kind, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s/%s: %w", kind, id, storage.ErrNotFound)
	}
	return nil
}

// putCASInTx performs a compare-and-swap put within an existing transaction.
// It is used by both the top-level PutCAS and the batch PutCAS methods.
func putCASInTx(ctx context.Context, tx pgx.Tx, namespace, kind, id string, expectedVersion uint64, rec *storage.Record) error {
	var currentVersion uint64
	err := tx.QueryRow(ctx,
		`SELECT version FROM records
		 WHERE namespace = $1 AND kind = $2 AND id = $3
		 FOR UPDATE`,
		namespace, kind, id).Scan(&currentVersion)

	if errors.Is(err, pgx.ErrNoRows) {
		if expectedVersion != 0 {
			return storage.ErrCASFailed
		}
		// A concurrent creator may win between the SELECT and the INSERT.
		tag, err := tx.Exec(ctx,
			`INSERT INTO records (namespace, kind, id, data, version)
			 VALUES ($1, $2, $3, $4, $5)
			 ON CONFLICT (namespace, kind, id) DO NOTHING`,
			namespace, kind, id, rec.Data, rec.Version)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return storage.ErrCASFailed
		}
		return nil
	}
	if err != nil {
		return err
	}

	if currentVersion != expectedVersion {
		return storage.ErrCASFailed
	}

	_, err = tx.Exec(ctx,
		`UPDATE records SET data = $4, version = $5, updated_at = now()
		 WHERE namespace = $1 AND kind = $2 AND id = $3`,
		namespace, kind, id, rec.Data, rec.Version)
	return err
}
