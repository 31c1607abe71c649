package postgres

import "time"

// ExecutionRecordModel maps to the "execution_records" table.
// No UpdatedAt or DeletedAt: records are append-only and immutable.
type ExecutionRecordModel struct {
	ID           string    `gorm:"primaryKey;size:36"`
	ClientID     string    `gorm:"not null;index"`
	CodePreview  string    `gorm:"type:text;not null"`
	Readonly     bool      `gorm:"not null;default:false"`
	Success      bool      `gorm:"not null;index"`
	Error        string    `gorm:"type:text"`
	WallTimeMS   float64   `gorm:"not null;default:0"`
	CPUTimeMS    float64   `gorm:"not null;default:0"`
	MemoryUsedMB float64   `gorm:"not null;default:0"`
	Result       string    `gorm:"type:text;not null"` // JSON-encoded domain.Result.
	CreatedAt    time.Time `gorm:"index"`
}

func (ExecutionRecordModel) TableName() string { return "execution_records" }

// Models lists every model in migration order.
func Models() []any {
	return []any{&ExecutionRecordModel{}}
}
