package bindings

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/codegate/internal/domain"
)

// CallObserver is notified after every bound call.
type CallObserver func(group, method string, elapsed time.Duration, err error)

// method is one generated callable.
type method struct {
	desc OperationDescriptor
	name string
}

// Tree is the generated binding surface: group -> method -> callable, plus
// per-group aliases. Immutable after Build; safe for concurrent use.
type Tree struct {
	namespace string
	groups    map[string]map[string]*method
	aliases   map[string]map[string]string // group -> alias -> canonical
	manifest  domain.BindingManifest
	observer  CallObserver
	readonly  *Tree
}

// Option configures Build.
type Option func(*buildOptions)

type buildOptions struct {
	namespace string
	observer  CallObserver
	logger    *slog.Logger
}

// WithNamespace sets the global object name scripts use. Default: "db".
func WithNamespace(ns string) Option {
	return func(o *buildOptions) { o.namespace = ns }
}

// WithObserver registers a callback run after every bound call.
func WithObserver(fn CallObserver) Option {
	return func(o *buildOptions) { o.observer = fn }
}

// WithLogger sets the logger used to report skipped descriptors.
func WithLogger(l *slog.Logger) Option {
	return func(o *buildOptions) { o.logger = l }
}

// Build generates the binding tree for descs. Malformed descriptors are
// skipped with a warning; two descriptors deriving the same name in a group
// is an error. A tree with zero methods is returned together with
// ErrNoBindings so callers can report it as a configuration failure.
func Build(descs []OperationDescriptor, opts ...Option) (*Tree, error) {
	o := buildOptions{namespace: "db", logger: slog.Default()}
	for _, fn := range opts {
		fn(&o)
	}

	full, err := build(descs, o, false)
	if err != nil {
		return nil, err
	}
	ro, err := build(descs, o, true)
	if err != nil {
		return nil, err
	}
	full.readonly = ro
	ro.readonly = ro

	if full.Len() == 0 {
		return full, ErrNoBindings
	}
	return full, nil
}

func build(descs []OperationDescriptor, o buildOptions, readonlyOnly bool) (*Tree, error) {
	t := &Tree{
		namespace: o.namespace,
		groups:    make(map[string]map[string]*method),
		aliases:   make(map[string]map[string]string),
		observer:  o.observer,
	}

	for _, d := range descs {
		if d.Name == "" || d.Group == "" || d.Handler == nil {
			if !readonlyOnly {
				o.logger.Warn("skipping malformed operation descriptor",
					slog.String("name", d.Name),
					slog.String("group", d.Group),
				)
			}
			continue
		}
		if policyFor(d.Group).excluded {
			continue
		}
		if readonlyOnly && !d.ReadOnly {
			continue
		}
		name, err := MethodName(d.Group, d.Name)
		if err != nil {
			if !readonlyOnly {
				o.logger.Warn("skipping operation descriptor", slog.String("error", err.Error()))
			}
			continue
		}

		g := t.groups[d.Group]
		if g == nil {
			g = make(map[string]*method)
			t.groups[d.Group] = g
		}
		if prev, exists := g[name]; exists {
			return nil, fmt.Errorf("%w: %s.%s derived from both %q and %q", ErrCollision, d.Group, name, prev.desc.Name, d.Name)
		}
		g[name] = &method{desc: d, name: name}
	}

	for group, methods := range t.groups {
		for alias, canonical := range policyFor(group).aliases {
			if _, ok := methods[canonical]; !ok {
				continue
			}
			if _, clash := methods[alias]; clash {
				return nil, fmt.Errorf("%w: alias %s.%s shadows a method", ErrCollision, group, alias)
			}
			if t.aliases[group] == nil {
				t.aliases[group] = make(map[string]string)
			}
			t.aliases[group][alias] = canonical
		}
	}

	t.manifest = t.buildManifest()
	return t, nil
}

func (t *Tree) buildManifest() domain.BindingManifest {
	m := domain.BindingManifest{
		Namespace: t.namespace,
		Groups:    make(map[string][]string, len(t.groups)),
		Help:      make(map[string][]string, len(t.groups)),
		Aliases:   make(map[string][]string, len(t.aliases)),
	}
	for group := range t.groups {
		canonical := t.GroupMethods(group)
		aliases := slices.Sorted(maps.Keys(t.aliases[group]))
		m.Help[group] = canonical
		m.Groups[group] = append(slices.Clone(canonical), aliases...)
		if len(aliases) > 0 {
			m.Aliases[group] = aliases
		}
	}
	return m
}

// View returns the full tree, or the tree restricted to ReadOnly operations.
func (t *Tree) View(readonly bool) *Tree {
	if readonly && t.readonly != nil {
		return t.readonly
	}
	return t
}

// Len returns the number of canonical methods.
func (t *Tree) Len() int {
	n := 0
	for _, g := range t.groups {
		n += len(g)
	}
	return n
}

// Namespace returns the global object name.
func (t *Tree) Namespace() string { return t.namespace }

// Manifest describes the tree as plain data for a script runtime.
func (t *Tree) Manifest() domain.BindingManifest { return t.manifest }

// AvailableGroups returns group -> canonical method count.
func (t *Tree) AvailableGroups() map[string]int {
	out := make(map[string]int, len(t.groups))
	for g, methods := range t.groups {
		out[g] = len(methods)
	}
	return out
}

// GroupMethods returns the sorted canonical method names of one group,
// or nil for an unknown group.
func (t *Tree) GroupMethods(group string) []string {
	methods, ok := t.groups[group]
	if !ok {
		return nil
	}
	return slices.Sorted(maps.Keys(methods))
}

// Help returns group -> canonical method names for every group.
func (t *Tree) Help() map[string][]string {
	out := make(map[string][]string, len(t.groups))
	for g := range t.groups {
		out[g] = t.GroupMethods(g)
	}
	return out
}

// Resolve returns the canonical method name for name in group, following aliases.
func (t *Tree) Resolve(group, name string) (string, error) {
	methods, ok := t.groups[group]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownGroup, group)
	}
	if _, ok := methods[name]; ok {
		return name, nil
	}
	if canonical, ok := t.aliases[group][name]; ok {
		return canonical, nil
	}
	return "", fmt.Errorf("%w: %s.%s", ErrUnknownMethod, group, name)
}

// Descriptor returns the operation behind group.name.
func (t *Tree) Descriptor(group, name string) (OperationDescriptor, bool) {
	canonical, err := t.Resolve(group, name)
	if err != nil {
		return OperationDescriptor{}, false
	}
	return t.groups[group][canonical].desc, true
}

// Call invokes group.name with script arguments. It builds a fresh request
// context, normalizes the arguments, and returns the handler's result unmodified.
func (t *Tree) Call(ctx context.Context, group, name string, args []any) (any, error) {
	canonical, err := t.Resolve(group, name)
	if err != nil {
		return nil, err
	}
	m := t.groups[group][canonical]

	start := time.Now()
	result, err := t.invoke(ctx, m, args)
	if t.observer != nil {
		t.observer(group, canonical, time.Since(start), err)
	}
	return result, err
}

func (t *Tree) invoke(ctx context.Context, m *method, args []any) (any, error) {
	params, err := normalizeParams(m.desc, args)
	if err != nil {
		return nil, err
	}
	rc := RequestContext{
		RequestID:   uuid.NewString(),
		Timestamp:   time.Now().UTC(),
		ExecutionID: ExecutionIDFromContext(ctx),
		ClientID:    ClientIDFromContext(ctx),
	}
	return m.desc.Handler(ctx, params, rc)
}
