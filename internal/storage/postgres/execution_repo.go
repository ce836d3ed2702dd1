package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/jkaninda/runbox/internal/storage"
)

// ExecutionRepository implements storage.ExecutionStore with GORM.
// Append-only: there is no Update method.
type ExecutionRepository struct {
	db *gorm.DB
}

// NewExecutionRepository creates an ExecutionRepository. It works against
// any GORM dialect that ran AutoMigrate.
func NewExecutionRepository(db *gorm.DB) *ExecutionRepository {
	return &ExecutionRepository{db: db}
}

var _ storage.ExecutionStore = (*ExecutionRepository)(nil)

// Append inserts one execution record.
func (r *ExecutionRepository) Append(ctx context.Context, rec storage.Record) error {
	if rec.Outcome.ID == "" {
		return fmt.Errorf("appending execution: empty id")
	}
	model := toExecutionModel(rec)
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		return fmt.Errorf("appending execution %s: %w", rec.Outcome.ID, err)
	}
	return nil
}

// Get returns one record by execution ID.
func (r *ExecutionRepository) Get(ctx context.Context, id string) (*storage.Record, error) {
	var model ExecutionModel
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("getting execution %s: %w", id, err)
	}
	rec := toRecord(&model)
	return &rec, nil
}

// List returns records newest first.
func (r *ExecutionRepository) List(ctx context.Context, filter storage.Filter) ([]storage.Record, error) {
	q := r.db.WithContext(ctx).
		Scopes(filterScope(filter)).
		Order("created_at DESC").
		Limit(filter.PageLimit())
	if filter.Offset > 0 {
		q = q.Offset(filter.Offset)
	}

	var models []ExecutionModel
	if err := q.Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing executions: %w", err)
	}
	recs := make([]storage.Record, len(models))
	for i := range models {
		recs[i] = toRecord(&models[i])
	}
	return recs, nil
}

// Stats counts records per status since the given time. A zero time counts all.
func (r *ExecutionRepository) Stats(ctx context.Context, since time.Time) (*storage.Stats, error) {
	var rows []struct {
		Status string
		Count  int64
	}
	err := r.db.WithContext(ctx).Model(&ExecutionModel{}).
		Scopes(filterScope(storage.Filter{Since: since})).
		Select("status, COUNT(*) AS count").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("counting executions: %w", err)
	}

	stats := &storage.Stats{ByStatus: make(map[string]int64, len(rows))}
	for _, row := range rows {
		stats.ByStatus[row.Status] = row.Count
		stats.Total += row.Count
	}

	err = r.db.WithContext(ctx).Model(&ExecutionModel{}).
		Scopes(filterScope(storage.Filter{Since: since})).
		Where("violation_count > 0").
		Count(&stats.Violations).Error
	if err != nil {
		return nil, fmt.Errorf("counting violations: %w", err)
	}
	return stats, nil
}

// Prune deletes records created before the given time.
func (r *ExecutionRepository) Prune(ctx context.Context, before time.Time) (int64, error) {
	res := r.db.WithContext(ctx).Where("created_at < ?", before.UTC()).Delete(&ExecutionModel{})
	if res.Error != nil {
		return 0, fmt.Errorf("pruning executions: %w", res.Error)
	}
	return res.RowsAffected, nil
}
