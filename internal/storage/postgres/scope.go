package postgres

import (
	"gorm.io/gorm"

	"github.com/jkaninda/runbox/internal/storage"
)

// filterScope applies the non-paging parts of a filter.
func filterScope(f storage.Filter) func(*gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		if f.Caller != "" {
			db = db.Where("caller = ?", f.Caller)
		}
		if f.Status != "" {
			db = db.Where("status = ?", string(f.Status))
		}
		if !f.Since.IsZero() {
			db = db.Where("created_at >= ?", f.Since.UTC())
		}
		return db
	}
}
