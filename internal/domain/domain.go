// Package domain defines cross-cutting entity types used across the system.
package domain

import "time"

// ExecutionRequest is one caller submission. Immutable once created.
type ExecutionRequest struct {
	Code      string `json:"code"`
	TimeoutMS int    `json:"timeoutMs,omitempty"` // Clamped server-side to the configured ceiling.
	Readonly  bool   `json:"readonly,omitempty"`
	ClientID  string `json:"clientId,omitempty"`
}

// ValidationResult reports every violated screening rule, in rule order.
type ValidationResult struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors"`
}

// Metrics are best-effort resource measurements for one execution.
type Metrics struct {
	WallTimeMS   float64 `json:"wallTimeMs"`
	CPUTimeMS    float64 `json:"cpuTimeMs"`
	MemoryUsedMB float64 `json:"memoryUsedMb"`
}

// Result is the outcome of one execution. It is the only shape the
// execution entry points ever return, success or failure.
type Result struct {
	Success bool     `json:"success"`
	Result  any      `json:"result,omitempty"`
	Error   string   `json:"error,omitempty"`
	Stack   string   `json:"stack,omitempty"`
	Logs    []string `json:"logs,omitempty"`
	Metrics Metrics  `json:"metrics"`
	Hint    string   `json:"hint,omitempty"`
}

// Failure builds an unsuccessful Result.
func Failure(msg string) Result {
	return Result{Error: msg}
}

// ExecutionRecord is a write-once audit entry for one execution.
type ExecutionRecord struct {
	ID          string    `json:"id"`
	ClientID    string    `json:"clientId,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
	CodePreview string    `json:"codePreview"`
	Result      Result    `json:"result"`
	Readonly    bool      `json:"readonly"`
}

// BindingManifest describes the callable surface handed to a script runtime.
// It is plain data so it can cross a process boundary.
type BindingManifest struct {
	Namespace string              `json:"namespace"`
	Groups    map[string][]string `json:"groups"`  // group -> every callable name, aliases included
	Help      map[string][]string `json:"help"`    // group -> canonical method names
	Aliases   map[string][]string `json:"aliases"` // group -> alias names
}
