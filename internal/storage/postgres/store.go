package postgres

import (
	"context"

	"github.com/jkaninda/runbox/internal/storage"
)

// Store implements storage.Store backed by PostgreSQL.
type Store struct {
	pgDB       *DB
	executions *ExecutionRepository
}

// NewStore wraps an open DB as a storage.Store.
func NewStore(pgDB *DB) *Store {
	return &Store{pgDB: pgDB, executions: NewExecutionRepository(pgDB.GormDB())}
}

// Migrate is a no-op: Open already migrated the schema.
func (s *Store) Migrate(_ context.Context) error { return nil }

func (s *Store) Executions() storage.ExecutionStore { return s.executions }

func (s *Store) Ping(ctx context.Context) error { return s.pgDB.Ping(ctx) }

func (s *Store) Close() error { return s.pgDB.Close() }

func (s *Store) Driver() string { return storage.DriverPostgres }

var _ storage.Store = (*Store)(nil)
