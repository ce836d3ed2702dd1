package postgres

import (
	"encoding/json"
	"time"

	"github.com/jkaninda/runbox/internal/sandbox"
	"github.com/jkaninda/runbox/internal/storage"
)

func toExecutionModel(rec storage.Record) ExecutionModel {
	out := rec.Outcome
	violations, _ := json.Marshal(out.Violations)
	if out.Violations == nil {
		violations = []byte("[]")
	}
	createdAt := rec.RecordedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	return ExecutionModel{
		ID:           out.ID,
		Caller:       rec.Caller,
		Runtime:      out.Runtime,
		Status:       string(out.Status),
		Success:      out.Success,
		ExitCode:     out.ExitCode,
		Exception:    out.Exception,
		StdoutBytes:  rec.StdoutBytes,
		StderrBytes:  rec.StderrBytes,
		Truncated:    out.Truncated,
		Violations:   JSONB(violations),
		ViolationCnt: len(out.Violations),
		SourceOrigin: out.Source.Origin,
		SourcePath:   out.Source.Path,
		SourceBytes:  out.Source.Bytes,
		SourceSHA256: out.Source.SHA256,
		StartedAt:    out.StartedAt.UTC(),
		DurationMS:   out.Duration.Milliseconds(),
		CreatedAt:    createdAt.UTC(),
	}
}

func toRecord(m *ExecutionModel) storage.Record {
	var violations []sandbox.Violation
	if len(m.Violations) > 0 {
		_ = json.Unmarshal(m.Violations, &violations)
	}
	if len(violations) == 0 {
		violations = nil
	}
	return storage.Record{
		Caller: m.Caller,
		Outcome: sandbox.Outcome{
			ID:         m.ID,
			Success:    m.Success,
			Exception:  m.Exception,
			ExitCode:   m.ExitCode,
			Status:     sandbox.Status(m.Status),
			Truncated:  m.Truncated,
			Violations: violations,
			Runtime:    m.Runtime,
			Source: sandbox.SourceInfo{
				Origin: m.SourceOrigin,
				Path:   m.SourcePath,
				Bytes:  m.SourceBytes,
				SHA256: m.SourceSHA256,
			},
			StartedAt: m.StartedAt,
			Duration:  time.Duration(m.DurationMS) * time.Millisecond,
		},
		StdoutBytes: m.StdoutBytes,
		StderrBytes: m.StderrBytes,
		RecordedAt:  m.CreatedAt,
	}
}
