// Package sandbox runs untrusted scripts against a bindings surface.
//
// Two backends implement Sandbox: a restricted in-process context and an
// isolated worker that runs every script in its own short-lived OS process
// (optionally inside a container). Both give each execution a fresh script
// runtime, so nothing a script defines survives into the next one.
package sandbox

import (
	"context"
	"errors"
	"time"

	"github.com/jkaninda/codegate/internal/domain"
)

// Backend mode names.
const (
	ModeRestricted = "restricted-context"
	ModeIsolated   = "isolated-worker"
)

// Sentinel errors.
var (
	ErrNotInitialized = errors.New("sandbox is not initialized")
	ErrDisposed       = errors.New("sandbox has been disposed")
	ErrUnknownMode    = errors.New("unknown sandbox mode")
)

// Bindings is the callable surface a script sees. *bindings.Tree satisfies it.
type Bindings interface {
	Manifest() domain.BindingManifest
	Call(ctx context.Context, group, method string, args []any) (any, error)
}

// Sandbox is one isolation backend.
// Lifecycle: uninitialized -> ready -> (executing)* -> disposed.
type Sandbox interface {
	// Mode returns the backend mode name.
	Mode() string

	// Initialize prepares backend resources. Calling it after Dispose rebuilds
	// the backend from scratch.
	Initialize(ctx context.Context) error

	// Execute runs code as the body of an async function. It always returns
	// a fully populated Result; failures are reported in it, never as an error.
	Execute(ctx context.Context, code string, b Bindings, timeout time.Duration) domain.Result

	// Dispose releases every backend resource. Safe to call when uninitialized.
	Dispose() error
}

// ResourceLimits constrains an isolated worker.
type ResourceLimits struct {
	MaxCPUSeconds int // CPU time limit (ulimit -t, or container CPU share).
	MaxMemoryMB   int // Address space limit in MB (ulimit -v) or container memory.
}

// lifecycle is the shared state machine for backends.
type lifecycle int

const (
	stateUninitialized lifecycle = iota
	stateReady
	stateDisposed
)

func (l lifecycle) err() error {
	switch l {
	case stateUninitialized:
		return ErrNotInitialized
	case stateDisposed:
		return ErrDisposed
	}
	return nil
}

// timeoutMessage is the error reported when a script exceeds its timeout.
func timeoutMessage(timeout time.Duration) string {
	return "Execution timed out after " + timeout.String()
}

func msSince(start time.Time) float64 {
	return float64(time.Since(start).Microseconds()) / 1000
}
