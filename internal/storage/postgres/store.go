package postgres

import (
	"context"
	"sync"

	"github.com/jkaninda/codegate/internal/storage"
)

// Store implements storage.Store backed by PostgreSQL.
type Store struct {
	pgDB *DB

	mu         sync.Mutex
	executions storage.ExecutionStore
}

// NewStore wraps an existing DB as a Store.
func NewStore(pgDB *DB) *Store {
	return &Store{pgDB: pgDB}
}

func (s *Store) Executions() storage.ExecutionStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.executions == nil {
		s.executions = NewExecutionRepository(s.pgDB.GormDB())
	}
	return s.executions
}

func (s *Store) Migrate(_ context.Context) error {
	// PostgreSQL migration is done in Open() via AutoMigrate.
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pgDB.Ping(ctx)
}

func (s *Store) Close() error {
	return s.pgDB.Close()
}

func (s *Store) Driver() string {
	return storage.DriverPostgres
}

// compile-time interface check
var _ storage.Store = (*Store)(nil)
