package sqlite

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/runbox/internal/policy"
	"github.com/jkaninda/runbox/internal/sandbox"
	"github.com/jkaninda/runbox/internal/storage"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s, err := Open(Config{Path: filepath.Join(t.TempDir(), "runbox.db")}, logger)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	return s
}

func record(caller string, status sandbox.Status, at time.Time) storage.Record {
	out := &sandbox.Outcome{
		ID:        uuid.NewString(),
		Success:   status == sandbox.StatusOK,
		Status:    status,
		Runtime:   "process",
		Source:    sandbox.SourceInfo{Origin: "inline", Bytes: 12, SHA256: "deadbeef"},
		StartedAt: at,
		Duration:  1500 * time.Millisecond,
	}
	if status == sandbox.StatusOK {
		code := 0
		out.ExitCode = &code
		out.Stdout = "hello\n"
	} else {
		exc := "TimeoutError: execution exceeded 30s"
		out.Exception = &exc
	}
	rec := storage.NewRecord(caller, out)
	rec.RecordedAt = at
	return rec
}

func TestOpen_RequiresPath(t *testing.T) {
	if _, err := Open(Config{}, slog.Default()); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestStore_Driver(t *testing.T) {
	s := testStore(t)
	if s.Driver() != storage.DriverSQLite {
		t.Errorf("driver = %q", s.Driver())
	}
	if err := s.Ping(context.Background()); err != nil {
		t.Errorf("Ping: %v", err)
	}
}

func TestExecutions_AppendAndGet(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	rec := record("alice", sandbox.StatusCapabilityViolation, now)
	rec.Outcome.Violations = []sandbox.Violation{
		{Kind: policy.KindModule, Name: "os", Event: "import"},
		{Kind: policy.KindOperation, Name: "eval"},
	}
	if err := s.Executions().Append(ctx, rec); err != nil {
		t.Fatalf("Append: %v", err)
	}

	got, err := s.Executions().Get(ctx, rec.Outcome.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Caller != "alice" {
		t.Errorf("caller = %q", got.Caller)
	}
	o := got.Outcome
	if o.Status != sandbox.StatusCapabilityViolation || o.Success {
		t.Errorf("status = %q success = %v", o.Status, o.Success)
	}
	if o.ExitCode != nil {
		t.Errorf("exit code = %v, want nil", *o.ExitCode)
	}
	if o.ExceptionText() != "TimeoutError: execution exceeded 30s" {
		t.Errorf("exception = %q", o.ExceptionText())
	}
	if len(o.Violations) != 2 || o.Violations[0].Name != "os" || o.Violations[1].Kind != policy.KindOperation {
		t.Errorf("violations = %+v", o.Violations)
	}
	if o.Duration != 1500*time.Millisecond {
		t.Errorf("duration = %v", o.Duration)
	}
	if o.Source.SHA256 != "deadbeef" || o.Source.Bytes != 12 {
		t.Errorf("source = %+v", o.Source)
	}
}

func TestExecutions_ExitCodeZeroSurvives(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	rec := record("bob", sandbox.StatusOK, time.Now().UTC())
	if err := s.Executions().Append(ctx, rec); err != nil {
		t.Fatalf("Append: %v", err)
	}
	got, err := s.Executions().Get(ctx, rec.Outcome.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Outcome.ExitCode == nil || *got.Outcome.ExitCode != 0 {
		t.Errorf("exit code = %v, want 0", got.Outcome.ExitCode)
	}
	if got.Outcome.Exception != nil {
		t.Errorf("exception = %q, want nil", *got.Outcome.Exception)
	}
	if got.Outcome.Violations != nil {
		t.Errorf("violations = %+v, want nil", got.Outcome.Violations)
	}
	if got.StdoutBytes != 6 || got.Outcome.Stdout != "" {
		t.Errorf("stdout bytes = %d, stdout = %q", got.StdoutBytes, got.Outcome.Stdout)
	}
}

func TestExecutions_GetNotFound(t *testing.T) {
	s := testStore(t)
	_, err := s.Executions().Get(context.Background(), "missing")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestExecutions_DuplicateIDRejected(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	rec := record("alice", sandbox.StatusOK, time.Now().UTC())
	if err := s.Executions().Append(ctx, rec); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := s.Executions().Append(ctx, rec); err == nil {
		t.Error("expected error for duplicate execution id")
	}
}

func TestExecutions_ListFilters(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour)

	fixtures := []storage.Record{
		record("alice", sandbox.StatusOK, base),
		record("alice", sandbox.StatusTimeout, base.Add(time.Minute)),
		record("bob", sandbox.StatusOK, base.Add(2*time.Minute)),
		record("alice", sandbox.StatusOK, base.Add(3*time.Minute)),
	}
	for _, rec := range fixtures {
		if err := s.Executions().Append(ctx, rec); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	tests := []struct {
		name   string
		filter storage.Filter
		want   []string
	}{
		{"all newest first", storage.Filter{}, []string{fixtures[3].Outcome.ID, fixtures[2].Outcome.ID, fixtures[1].Outcome.ID, fixtures[0].Outcome.ID}},
		{"by caller", storage.Filter{Caller: "bob"}, []string{fixtures[2].Outcome.ID}},
		{"by status", storage.Filter{Status: sandbox.StatusTimeout}, []string{fixtures[1].Outcome.ID}},
		{"caller and status", storage.Filter{Caller: "alice", Status: sandbox.StatusOK}, []string{fixtures[3].Outcome.ID, fixtures[0].Outcome.ID}},
		{"since", storage.Filter{Since: base.Add(90 * time.Second)}, []string{fixtures[3].Outcome.ID, fixtures[2].Outcome.ID}},
		{"limit", storage.Filter{Limit: 1}, []string{fixtures[3].Outcome.ID}},
		{"offset", storage.Filter{Limit: 2, Offset: 2}, []string{fixtures[1].Outcome.ID, fixtures[0].Outcome.ID}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			recs, err := s.Executions().List(ctx, tt.filter)
			if err != nil {
				t.Fatalf("List: %v", err)
			}
			if len(recs) != len(tt.want) {
				t.Fatalf("got %d records, want %d", len(recs), len(tt.want))
			}
			for i, id := range tt.want {
				if recs[i].Outcome.ID != id {
					t.Errorf("record %d = %s, want %s", i, recs[i].Outcome.ID, id)
				}
			}
		})
	}
}

func TestExecutions_Stats(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	violation := record("alice", sandbox.StatusCapabilityViolation, now)
	violation.Outcome.Violations = []sandbox.Violation{{Kind: policy.KindModule, Name: "socket"}}
	for _, rec := range []storage.Record{
		record("alice", sandbox.StatusOK, now),
		record("alice", sandbox.StatusOK, now),
		record("bob", sandbox.StatusTimeout, now),
		violation,
		record("old", sandbox.StatusOK, now.Add(-48*time.Hour)),
	} {
		if err := s.Executions().Append(ctx, rec); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	stats, err := s.Executions().Stats(ctx, now.Add(-time.Hour))
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Total != 4 {
		t.Errorf("total = %d, want 4", stats.Total)
	}
	if stats.ByStatus["ok"] != 2 || stats.ByStatus["timeout"] != 1 || stats.ByStatus["capability_violation"] != 1 {
		t.Errorf("by status = %v", stats.ByStatus)
	}
	if stats.Violations != 1 {
		t.Errorf("violations = %d, want 1", stats.Violations)
	}

	all, err := s.Executions().Stats(ctx, time.Time{})
	if err != nil {
		t.Fatalf("Stats(all): %v", err)
	}
	if all.Total != 5 {
		t.Errorf("total(all) = %d, want 5", all.Total)
	}
}

func TestExecutions_Prune(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	old := record("alice", sandbox.StatusOK, now.Add(-72*time.Hour))
	fresh := record("alice", sandbox.StatusOK, now)
	for _, rec := range []storage.Record{old, fresh} {
		if err := s.Executions().Append(ctx, rec); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	n, err := s.Executions().Prune(ctx, now.Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if n != 1 {
		t.Errorf("pruned = %d, want 1", n)
	}
	if _, err := s.Executions().Get(ctx, old.Outcome.ID); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("old record still present: %v", err)
	}
	if _, err := s.Executions().Get(ctx, fresh.Outcome.ID); err != nil {
		t.Errorf("fresh record missing: %v", err)
	}
}
