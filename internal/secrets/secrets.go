// Package secrets resolves secret references in configuration values.
// A value such as "env://BACKEND_DSN" or "vault://secret/data/codegate#dsn"
// is replaced by the secret it names; any other value is used as written.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Provider resolves references for one scheme. Implementations must be safe
// for concurrent use.
type Provider interface {
	// Scheme is the reference prefix without "://", e.g. "env".
	Scheme() string
	// Resolve returns the secret for ref, the part after "scheme://".
	Resolve(ctx context.Context, ref string) (string, error)
}

// ErrNotFound is returned when a reference names no secret.
var ErrNotFound = errors.New("secret not found")

// Resolver dispatches references to providers by scheme.
type Resolver struct {
	providers map[string]Provider
}

// NewResolver creates a resolver over providers. Later providers replace
// earlier ones with the same scheme.
func NewResolver(providers ...Provider) *Resolver {
	r := &Resolver{providers: make(map[string]Provider, len(providers))}
	for _, p := range providers {
		r.providers[p.Scheme()] = p
	}
	return r
}

// Resolve returns the secret value references, or value itself when it
// carries no known scheme.
func (r *Resolver) Resolve(ctx context.Context, value string) (string, error) {
	scheme, ref, ok := strings.Cut(value, "://")
	if !ok {
		return value, nil
	}
	p, known := r.providers[scheme]
	if !known {
		return value, nil
	}
	secret, err := p.Resolve(ctx, ref)
	if err != nil {
		return "", fmt.Errorf("resolving %s reference: %w", scheme, err)
	}
	return secret, nil
}

// ResolveAll resolves every pointer in place, stopping at the first failure.
func (r *Resolver) ResolveAll(ctx context.Context, values ...*string) error {
	for _, v := range values {
		if v == nil || *v == "" {
			continue
		}
		resolved, err := r.Resolve(ctx, *v)
		if err != nil {
			return err
		}
		*v = resolved
	}
	return nil
}
