package security

import (
	"encoding/json"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/jkaninda/codegate/internal/domain"
)

// previewBytes is how much of an oversized result is kept in the truncation marker.
const previewBytes = 1024

// SanitizeResult returns value unchanged when its JSON encoding fits the
// result cap. Oversized values are replaced by a marker object flagged
// _truncated; values that cannot be encoded become an _error object.
func (m *Manager) SanitizeResult(value any) any {
	data, err := json.Marshal(value)
	if err != nil {
		return map[string]any{"_error": "Result could not be serialized"}
	}
	if len(data) <= m.cfg.MaxResultBytes {
		return value
	}

	preview := data[:min(previewBytes, len(data))]
	return map[string]any{
		"_truncated":    true,
		"_originalSize": len(data),
		"_maxSize":      m.cfg.MaxResultBytes,
		"_preview":      strings.ToValidUTF8(string(preview), ""),
	}
}

// IsTruncated reports whether v is a truncation marker produced by SanitizeResult.
func IsTruncated(v any) bool {
	obj, ok := v.(map[string]any)
	if !ok {
		return false
	}
	t, _ := obj["_truncated"].(bool)
	return t
}

// CreateExecutionRecord builds the audit record for one execution. It never fails.
func (m *Manager) CreateExecutionRecord(code string, result domain.Result, readonly bool, clientID string) domain.ExecutionRecord {
	return domain.ExecutionRecord{
		ID:          uuid.NewString(),
		ClientID:    clientID,
		Timestamp:   m.cfg.Clock().UTC(),
		CodePreview: preview(code, m.cfg.PreviewChars),
		Result:      result,
		Readonly:    readonly,
	}
}

func preview(code string, limit int) string {
	if utf8.RuneCountInString(code) <= limit {
		return code
	}
	runes := []rune(code)
	return string(runes[:limit]) + "..."
}
