//go:build integration

package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/runbox/internal/policy"
	"github.com/jkaninda/runbox/internal/sandbox"
	"github.com/jkaninda/runbox/internal/storage"
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

func testRecord(caller string, status sandbox.Status) storage.Record {
	code := 0
	return storage.NewRecord(caller, &sandbox.Outcome{
		ID:        uuid.NewString(),
		Success:   status == sandbox.StatusOK,
		Stdout:    "hi\n",
		ExitCode:  &code,
		Status:    status,
		Runtime:   "process",
		Source:    sandbox.SourceInfo{Origin: "inline", Bytes: 11, SHA256: "abc"},
		StartedAt: time.Now().UTC(),
		Duration:  42 * time.Millisecond,
	})
}

func TestExecutionRepository_AppendGet(t *testing.T) {
	db := testDB(t)
	repo := NewExecutionRepository(db.GormDB())
	ctx := context.Background()

	rec := testRecord("alice", sandbox.StatusCapabilityViolation)
	rec.Outcome.Violations = []sandbox.Violation{{Kind: policy.KindModule, Name: "os"}}
	if err := repo.Append(ctx, rec); err != nil {
		t.Fatalf("Append: %v", err)
	}

	got, err := repo.Get(ctx, rec.Outcome.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Caller != "alice" || got.Outcome.Status != sandbox.StatusCapabilityViolation {
		t.Errorf("got %+v", got)
	}
	if len(got.Outcome.Violations) != 1 || got.Outcome.Violations[0].Name != "os" {
		t.Errorf("violations = %+v", got.Outcome.Violations)
	}
	if got.Outcome.Duration != 42*time.Millisecond {
		t.Errorf("duration = %v", got.Outcome.Duration)
	}

	if _, err := repo.Get(ctx, uuid.NewString()); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Get(unknown) err = %v, want ErrNotFound", err)
	}
}

func TestExecutionRepository_ConcurrentAppends(t *testing.T) {
	db := testDB(t)
	repo := NewExecutionRepository(db.GormDB())
	ctx := context.Background()
	caller := fmt.Sprintf("load-%s", uuid.NewString()[:8])

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := repo.Append(ctx, testRecord(caller, sandbox.StatusOK)); err != nil {
				t.Errorf("Append: %v", err)
			}
		}()
	}
	wg.Wait()

	recs, err := repo.List(ctx, storage.Filter{Caller: caller, Limit: 100})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(recs) != 20 {
		t.Errorf("records = %d, want 20", len(recs))
	}
}
