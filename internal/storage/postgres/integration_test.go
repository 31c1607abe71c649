//go:build integration

package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/codegate/internal/domain"
	"github.com/jkaninda/codegate/internal/storage"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set, skipping integration test")
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	db, err := Open(Config{DSN: dsn}, logger)
	if err != nil {
		t.Fatalf("opening postgres: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// --- Execution records ---

func TestExecutionRepository_ConcurrentAppends(t *testing.T) {
	db := testDB(t)
	repo := NewExecutionRepository(db.GormDB())
	ctx := context.Background()
	client := fmt.Sprintf("it-%s", uuid.NewString()[:8])

	const writers = 20
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- repo.Append(ctx, domain.ExecutionRecord{
				ID:          uuid.NewString(),
				ClientID:    client,
				Timestamp:   time.Now().UTC(),
				CodePreview: fmt.Sprintf("return %d", i),
				Result:      domain.Result{Success: i%4 != 0, Result: float64(i)},
			})
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	n, err := repo.Count(ctx, storage.ListFilter{ClientID: client})
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != writers {
		t.Errorf("count = %d, want %d", n, writers)
	}

	failures, err := repo.Count(ctx, storage.ListFilter{ClientID: client, FailuresOnly: true})
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if failures != 5 {
		t.Errorf("failures = %d, want 5", failures)
	}
}

func TestExecutionRepository_ListNewestFirst(t *testing.T) {
	db := testDB(t)
	repo := NewExecutionRepository(db.GormDB())
	ctx := context.Background()
	client := fmt.Sprintf("it-%s", uuid.NewString()[:8])
	base := time.Now().UTC().Truncate(time.Second)

	for i := range 3 {
		err := repo.Append(ctx, domain.ExecutionRecord{
			ID:          uuid.NewString(),
			ClientID:    client,
			Timestamp:   base.Add(time.Duration(i) * time.Second),
			CodePreview: fmt.Sprintf("return %d", i),
			Result:      domain.Result{Success: true},
		})
		if err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	recs, err := repo.List(ctx, storage.ListFilter{ClientID: client, Limit: 2})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("len = %d, want 2", len(recs))
	}
	if recs[0].CodePreview != "return 2" {
		t.Errorf("first = %q, want newest", recs[0].CodePreview)
	}
}

func TestStore_Ping(t *testing.T) {
	s := NewStore(testDB(t))
	if err := s.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	if s.Driver() != storage.DriverPostgres {
		t.Errorf("driver = %q", s.Driver())
	}
}
