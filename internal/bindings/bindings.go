// Package bindings turns a flat list of backend operation descriptors into the
// namespaced, callable tree scripts see as db.<group>.<method>(...).
//
// The tree is built once per descriptor list and is read-only afterwards.
// A new descriptor list means a new Build, never an in-place patch.
package bindings

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors.
var (
	ErrNoBindings     = errors.New("no bindings were generated from the operation descriptors")
	ErrCollision      = errors.New("binding name collision")
	ErrUnknownGroup   = errors.New("unknown binding group")
	ErrUnknownMethod  = errors.New("unknown binding method")
	ErrMissingParam   = errors.New("missing required parameter")
	ErrBadArguments   = errors.New("invalid arguments")
	ErrMalformedEntry = errors.New("malformed operation descriptor")
)

// RequestContext is built fresh for every bound call.
type RequestContext struct {
	RequestID   string
	Timestamp   time.Time
	ExecutionID string // Execution the call originates from, if any.
	ClientID    string
}

// Handler executes one backend operation.
type Handler func(ctx context.Context, params map[string]any, rc RequestContext) (any, error)

// OperationDescriptor is an external backend operation.
type OperationDescriptor struct {
	Name            string
	Group           string
	Description     string
	ParameterSchema map[string]any // JSON Schema object; "required" is honored.
	ReadOnly        bool           // Exposed to readonly executions.
	Handler         Handler
}

// contextKey is an unexported type for context keys defined in this package.
type contextKey int

const (
	executionIDKey contextKey = iota
	clientIDKey
)

// WithExecution returns a context carrying the execution and client ids that
// bound calls stamp into their RequestContext.
func WithExecution(ctx context.Context, executionID, clientID string) context.Context {
	ctx = context.WithValue(ctx, executionIDKey, executionID)
	return context.WithValue(ctx, clientIDKey, clientID)
}

// ExecutionIDFromContext returns the execution id, or "" if not set.
func ExecutionIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(executionIDKey).(string); ok {
		return v
	}
	return ""
}

// ClientIDFromContext returns the client id, or "" if not set.
func ClientIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(clientIDKey).(string); ok {
		return v
	}
	return ""
}
