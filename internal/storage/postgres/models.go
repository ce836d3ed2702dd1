package postgres

import (
	"encoding/json"
	"time"
)

// JSONB holds raw JSON. PostgreSQL stores it as jsonb, SQLite as text.
type JSONB json.RawMessage

// ExecutionModel maps to the "executions" table.
// No UpdatedAt or DeletedAt: records are append-only and pruned by age.
type ExecutionModel struct {
	ID           string    `gorm:"primaryKey;size:64"`
	Caller       string    `gorm:"index;not null;default:''"`
	Runtime      string    `gorm:"not null"`
	Status       string    `gorm:"index;not null"`
	Success      bool      `gorm:"not null"`
	ExitCode     *int
	Exception    *string   `gorm:"type:text"`
	StdoutBytes  int64     `gorm:"not null"`
	StderrBytes  int64     `gorm:"not null"`
	Truncated    bool      `gorm:"not null;default:false"`
	Violations   JSONB     `gorm:"type:jsonb;not null;default:'[]'"`
	ViolationCnt int       `gorm:"column:violation_count;not null;default:0"`
	SourceOrigin string    `gorm:"not null"`
	SourcePath   string    `gorm:"not null;default:''"`
	SourceBytes  int64     `gorm:"not null"`
	SourceSHA256 string    `gorm:"column:source_sha256;size:64;index"`
	StartedAt    time.Time `gorm:"not null"`
	DurationMS   int64     `gorm:"not null"`
	CreatedAt    time.Time `gorm:"index"`
}

func (ExecutionModel) TableName() string { return "executions" }
