package postgres

import (
	"encoding/json"
	"fmt"

	"github.com/jkaninda/codegate/internal/domain"
)

func toExecutionModel(rec domain.ExecutionRecord) (ExecutionRecordModel, error) {
	result, err := json.Marshal(rec.Result)
	if err != nil {
		return ExecutionRecordModel{}, fmt.Errorf("encoding result: %w", err)
	}
	return ExecutionRecordModel{
		ID:           rec.ID,
		ClientID:     rec.ClientID,
		CodePreview:  rec.CodePreview,
		Readonly:     rec.Readonly,
		Success:      rec.Result.Success,
		Error:        rec.Result.Error,
		WallTimeMS:   rec.Result.Metrics.WallTimeMS,
		CPUTimeMS:    rec.Result.Metrics.CPUTimeMS,
		MemoryUsedMB: rec.Result.Metrics.MemoryUsedMB,
		Result:       string(result),
		CreatedAt:    rec.Timestamp.UTC(),
	}, nil
}

func toExecutionDomain(m *ExecutionRecordModel) domain.ExecutionRecord {
	rec := domain.ExecutionRecord{
		ID:          m.ID,
		ClientID:    m.ClientID,
		Timestamp:   m.CreatedAt,
		CodePreview: m.CodePreview,
		Readonly:    m.Readonly,
	}
	if err := json.Unmarshal([]byte(m.Result), &rec.Result); err != nil {
		// Fall back to the indexed columns.
		rec.Result = domain.Result{
			Success: m.Success,
			Error:   m.Error,
			Metrics: domain.Metrics{WallTimeMS: m.WallTimeMS, CPUTimeMS: m.CPUTimeMS, MemoryUsedMB: m.MemoryUsedMB},
		}
	}
	return rec
}
