package security

import (
	"context"

	"github.com/jkaninda/codegate/internal/domain"
)

// AuditStore is an append-only store for execution records.
// No update or delete methods: immutability is enforced at the interface level.
type AuditStore interface {
	Append(ctx context.Context, rec domain.ExecutionRecord) error
	Ping(ctx context.Context) error
}

// StoreRecorder adapts an AuditStore to the Recorder interface.
type StoreRecorder struct {
	store AuditStore
}

// NewStoreRecorder creates a database-backed recorder.
func NewStoreRecorder(store AuditStore) *StoreRecorder {
	return &StoreRecorder{store: store}
}

// Record appends the record to the store.
func (s *StoreRecorder) Record(ctx context.Context, rec domain.ExecutionRecord) error {
	return s.store.Append(ctx, rec)
}

// Ping checks the underlying store.
func (s *StoreRecorder) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// Close is a no-op. The database connection is managed by the storage layer
// and closed separately.
func (s *StoreRecorder) Close() error {
	return nil
}
