package security

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/jkaninda/codegate/internal/domain"
)

// Recorder persists execution records. Satisfied by *AuditLogger (JSONL file)
// and *StoreRecorder (database-backed).
type Recorder interface {
	Record(ctx context.Context, rec domain.ExecutionRecord) error
	Close() error
}

// AuditLog logs the record at info level on success and warn level on
// failure, then appends it to every recorder. Recorder errors are logged,
// never returned.
func (m *Manager) AuditLog(ctx context.Context, rec domain.ExecutionRecord) {
	attrs := []any{
		slog.String("execution_id", rec.ID),
		slog.String("client_id", rec.ClientID),
		slog.Bool("readonly", rec.Readonly),
		slog.Bool("success", rec.Result.Success),
		slog.Float64("wall_time_ms", rec.Result.Metrics.WallTimeMS),
		slog.String("code_preview", rec.CodePreview),
	}
	if rec.Result.Success {
		m.logger.InfoContext(ctx, "code execution completed", attrs...)
	} else {
		attrs = append(attrs, slog.String("error", rec.Result.Error))
		m.logger.WarnContext(ctx, "code execution failed", attrs...)
	}

	for _, r := range m.recorders {
		if err := r.Record(ctx, rec); err != nil {
			m.logger.ErrorContext(ctx, "failed to record execution",
				slog.String("execution_id", rec.ID),
				slog.String("error", err.Error()),
			)
		}
	}
}

// AuditLogger writes execution records as append-only JSONL.
// Each record is a single JSON line followed by a newline.
// Thread-safe: multiple goroutines can log concurrently.
type AuditLogger struct {
	mu   sync.Mutex
	file *os.File
}

// NewAuditLogger opens (or creates) the audit log file in append-only mode.
// File permissions are 0600 (owner read/write only).
func NewAuditLogger(path string) (*AuditLogger, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("opening audit log %s: %w", path, err)
	}
	return &AuditLogger{file: f}, nil
}

// Record serializes the record as JSON and appends it to the audit log.
// Marshal happens outside the lock; only the file write is serialized.
func (a *AuditLogger) Record(_ context.Context, rec domain.ExecutionRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshaling execution record: %w", err)
	}
	data = append(data, '\n')

	a.mu.Lock()
	_, writeErr := a.file.Write(data)
	a.mu.Unlock()

	if writeErr != nil {
		return fmt.Errorf("writing execution record: %w", writeErr)
	}
	return nil
}

// Close closes the underlying file.
func (a *AuditLogger) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.file.Close()
}
