package postgres

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/jkaninda/codegate/internal/domain"
	"github.com/jkaninda/codegate/internal/storage"
)

// ExecutionRepository implements storage.ExecutionStore with GORM.
// Append-only: no Update or Delete methods exist on this type.
type ExecutionRepository struct {
	db *gorm.DB
}

// NewExecutionRepository creates an ExecutionRepository.
func NewExecutionRepository(db *gorm.DB) *ExecutionRepository {
	return &ExecutionRepository{db: db}
}

// Append inserts a single execution record. This is the only write method.
func (r *ExecutionRepository) Append(ctx context.Context, rec domain.ExecutionRecord) error {
	model, err := toExecutionModel(rec)
	if err != nil {
		return err
	}
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		return fmt.Errorf("appending execution record: %w", err)
	}
	return nil
}

// List returns records newest first. Limit defaults to 100.
func (r *ExecutionRepository) List(ctx context.Context, filter storage.ListFilter) ([]domain.ExecutionRecord, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	var models []ExecutionRecordModel
	err := r.db.WithContext(ctx).
		Scopes(FilterScope(filter)).
		Order("created_at DESC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("listing execution records: %w", err)
	}

	records := make([]domain.ExecutionRecord, len(models))
	for i := range models {
		records[i] = toExecutionDomain(&models[i])
	}
	return records, nil
}

// Count returns the number of matching records.
func (r *ExecutionRepository) Count(ctx context.Context, filter storage.ListFilter) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).
		Model(&ExecutionRecordModel{}).
		Scopes(FilterScope(filter)).
		Count(&n).Error
	if err != nil {
		return 0, fmt.Errorf("counting execution records: %w", err)
	}
	return n, nil
}

// Ping checks the database connection.
func (r *ExecutionRepository) Ping(ctx context.Context) error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

var _ storage.ExecutionStore = (*ExecutionRepository)(nil)
