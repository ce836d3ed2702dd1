// Package storage defines the execution record store. Every finished
// execution is appended as an immutable audit record that can later be
// listed, fetched, summarized, and pruned.
// Two backends are provided: SQLite (default, zero-config) and PostgreSQL.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/jkaninda/runbox/internal/sandbox"
)

// Supported storage drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverNone     = "none"
)

// ErrNotFound is returned by Get for an unknown execution ID.
var ErrNotFound = errors.New("execution record not found")

const (
	// DefaultListLimit is used when a filter sets no limit.
	DefaultListLimit = 50
	// MaxListLimit caps a single page.
	MaxListLimit = 500
)

// Record is one persisted execution. Captured output is reduced to byte
// counts: a loaded record's Outcome has empty Stdout and Stderr.
type Record struct {
	Caller      string          `json:"caller,omitempty"`
	Outcome     sandbox.Outcome `json:"outcome"`
	StdoutBytes int64           `json:"stdout_bytes"`
	StderrBytes int64           `json:"stderr_bytes"`
	RecordedAt  time.Time       `json:"recorded_at"`
}

// NewRecord builds the record for an outcome.
func NewRecord(caller string, out *sandbox.Outcome) Record {
	rec := Record{
		Caller:      caller,
		Outcome:     *out,
		StdoutBytes: int64(len(out.Stdout)),
		StderrBytes: int64(len(out.Stderr)),
		RecordedAt:  time.Now().UTC(),
	}
	rec.Outcome.Stdout, rec.Outcome.Stderr = "", ""
	return rec
}

// Filter narrows List results. Zero values match everything.
type Filter struct {
	Caller string
	Status sandbox.Status
	Since  time.Time
	Limit  int
	Offset int
}

// PageLimit returns the effective page size.
func (f Filter) PageLimit() int {
	switch {
	case f.Limit <= 0:
		return DefaultListLimit
	case f.Limit > MaxListLimit:
		return MaxListLimit
	default:
		return f.Limit
	}
}

// Stats summarizes stored executions.
type Stats struct {
	Total      int64            `json:"total"`
	ByStatus   map[string]int64 `json:"by_status"`
	Violations int64            `json:"violations"` // Executions with at least one denied capability.
}

// ExecutionStore persists execution records. Append-only: records are never
// updated, only pruned by age.
type ExecutionStore interface {
	Append(ctx context.Context, rec Record) error
	Get(ctx context.Context, id string) (*Record, error)
	List(ctx context.Context, filter Filter) ([]Record, error)
	Stats(ctx context.Context, since time.Time) (*Stats, error)
	// Prune deletes records older than before and returns how many were removed.
	Prune(ctx context.Context, before time.Time) (int64, error)
}

// Store is the persistence backend. Both SQLite and PostgreSQL implement it.
type Store interface {
	Executions() ExecutionStore
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
	Driver() string
}
