package bindings

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"reflect"
	"slices"
	"testing"
	"time"
)

func echoHandler(_ context.Context, params map[string]any, rc RequestContext) (any, error) {
	return map[string]any{"params": params, "rc": rc}, nil
}

func testDescriptors() []OperationDescriptor {
	schema := func(req ...string) map[string]any {
		return map[string]any{"type": "object", "required": req}
	}
	return []OperationDescriptor{
		{Name: "db_core_read_query", Group: "core", ParameterSchema: schema("query"), ReadOnly: true, Handler: echoHandler},
		{Name: "db_core_write_query", Group: "core", ParameterSchema: schema("query"), Handler: echoHandler},
		{Name: "db_transaction_begin", Group: "transactions", Handler: echoHandler},
		{Name: "db_transaction_commit", Group: "transactions", ParameterSchema: schema("transactionId"), Handler: echoHandler},
		{Name: "db_transaction_execute", Group: "transactions", ParameterSchema: schema("statements"), Handler: echoHandler},
		{Name: "db_json_extract", Group: "json", ParameterSchema: schema("json", "path"), ReadOnly: true, Handler: echoHandler},
		{Name: "dbshell_server_info", Group: "shell", ReadOnly: true, Handler: echoHandler},
		{Name: "db_codemode_execute", Group: "codemode", Handler: echoHandler},
	}
}

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func mustBuild(t *testing.T, descs []OperationDescriptor, opts ...Option) *Tree {
	t.Helper()
	tree, err := Build(descs, append(opts, WithLogger(quietLogger()))...)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return tree
}

func TestMethodName(t *testing.T) {
	tests := []struct {
		group, op, want string
	}{
		{"core", "db_core_read_query", "readQuery"},
		{"core", "db_core_list_tables", "listTables"},
		{"transactions", "db_transaction_begin", "transactionBegin"},
		{"json", "db_json_extract", "extract"},
		{"schema", "db_schema_list_indexes", "listIndexes"},
		{"shell", "dbshell_server_info", "serverInfo"},
		{"other", "db_other_thing", "otherThing"},
	}
	for _, tt := range tests {
		got, err := MethodName(tt.group, tt.op)
		if err != nil {
			t.Errorf("MethodName(%q, %q): %v", tt.group, tt.op, err)
			continue
		}
		if got != tt.want {
			t.Errorf("MethodName(%q, %q) = %q, want %q", tt.group, tt.op, got, tt.want)
		}
	}

	if _, err := MethodName("shell", "db_server_info"); !errors.Is(err, ErrMalformedEntry) {
		t.Errorf("expected ErrMalformedEntry for missing prefix, got %v", err)
	}
}

func TestBuild_Layout(t *testing.T) {
	tree := mustBuild(t, testDescriptors())

	if got := tree.GroupMethods("core"); !reflect.DeepEqual(got, []string{"readQuery", "writeQuery"}) {
		t.Errorf("core methods = %v", got)
	}
	if _, ok := tree.AvailableGroups()["codemode"]; ok {
		t.Error("codemode group must not be bound")
	}
	if got := tree.AvailableGroups()["transactions"]; got != 3 {
		t.Errorf("transactions count = %d, want 3", got)
	}

	for _, tc := range []struct{ group, name, canonical string }{
		{"core", "readQuery", "readQuery"},
		{"transactions", "transactionBegin", "transactionBegin"},
		{"transactions", "begin", "transactionBegin"},
		{"json", "extract", "extract"},
		{"json", "jsonExtract", "extract"},
	} {
		got, err := tree.Resolve(tc.group, tc.name)
		if err != nil || got != tc.canonical {
			t.Errorf("Resolve(%s.%s) = %q, %v; want %q", tc.group, tc.name, got, err, tc.canonical)
		}
	}

	// Aliases whose canonical method is absent are not exposed.
	if _, err := tree.Resolve("transactions", "rollback"); !errors.Is(err, ErrUnknownMethod) {
		t.Errorf("expected ErrUnknownMethod for rollback alias, got %v", err)
	}
	if _, err := tree.Resolve("nope", "x"); !errors.Is(err, ErrUnknownGroup) {
		t.Errorf("expected ErrUnknownGroup, got %v", err)
	}

	m := tree.Manifest()
	if m.Namespace != "db" {
		t.Errorf("namespace = %q", m.Namespace)
	}
	if !slices.Contains(m.Groups["transactions"], "begin") {
		t.Errorf("manifest groups missing alias: %v", m.Groups["transactions"])
	}
	if slices.Contains(m.Help["transactions"], "begin") {
		t.Errorf("help must list canonical names only: %v", m.Help["transactions"])
	}
}

func TestBuild_Collision(t *testing.T) {
	descs := []OperationDescriptor{
		{Name: "db_core_read_query", Group: "core", Handler: echoHandler},
		{Name: "db_core_read__query", Group: "core", Handler: echoHandler},
	}
	_, err := Build(descs, WithLogger(quietLogger()))
	if !errors.Is(err, ErrCollision) {
		t.Fatalf("expected ErrCollision, got %v", err)
	}
}

func TestBuild_Empty(t *testing.T) {
	for name, descs := range map[string][]OperationDescriptor{
		"nil":       nil,
		"malformed": {{Name: "", Group: "core"}, {Name: "db_core_x", Group: "core"}},
		"excluded":  {{Name: "db_codemode_execute", Group: "codemode", Handler: echoHandler}},
	} {
		t.Run(name, func(t *testing.T) {
			tree, err := Build(descs, WithLogger(quietLogger()))
			if !errors.Is(err, ErrNoBindings) {
				t.Fatalf("expected ErrNoBindings, got %v", err)
			}
			if tree == nil || tree.Len() != 0 {
				t.Error("expected an empty tree alongside the error")
			}
		})
	}
}

func TestView_ReadOnly(t *testing.T) {
	tree := mustBuild(t, testDescriptors())
	ro := tree.View(true)

	if _, err := ro.Resolve("core", "readQuery"); err != nil {
		t.Errorf("readQuery should be in readonly view: %v", err)
	}
	if _, err := ro.Resolve("core", "writeQuery"); err == nil {
		t.Error("writeQuery must not be in readonly view")
	}
	if _, ok := ro.AvailableGroups()["transactions"]; ok {
		t.Error("transactions group must be absent from readonly view")
	}
	if tree.View(false) != tree {
		t.Error("View(false) should return the full tree")
	}
}

func TestCall_CallingConventions(t *testing.T) {
	tree := mustBuild(t, testDescriptors())
	ctx := WithExecution(context.Background(), "exec-1", "alice")

	params := func(t *testing.T, group, name string, args ...any) map[string]any {
		t.Helper()
		out, err := tree.Call(ctx, group, name, args)
		if err != nil {
			t.Fatalf("Call(%s.%s): %v", group, name, err)
		}
		return out.(map[string]any)["params"].(map[string]any)
	}

	t.Run("object", func(t *testing.T) {
		obj := map[string]any{"query": "SELECT 1", "params": []any{1.0}}
		got := params(t, "core", "readQuery", obj)
		if !reflect.DeepEqual(got, obj) {
			t.Errorf("got %v", got)
		}
	})
	t.Run("primary", func(t *testing.T) {
		got := params(t, "core", "readQuery", "SELECT 1")
		if got["query"] != "SELECT 1" || len(got) != 1 {
			t.Errorf("got %v", got)
		}
	})
	t.Run("positional", func(t *testing.T) {
		got := params(t, "core", "readQuery", "SELECT ?", []any{1.0})
		if got["query"] != "SELECT ?" || !reflect.DeepEqual(got["params"], []any{1.0}) {
			t.Errorf("got %v", got)
		}
	})
	t.Run("array", func(t *testing.T) {
		stmts := []any{"INSERT INTO t VALUES (1)", "INSERT INTO t VALUES (2)"}
		got := params(t, "transactions", "execute", stmts)
		if !reflect.DeepEqual(got["statements"], stmts) {
			t.Errorf("got %v", got)
		}
	})
	t.Run("trailing undefined", func(t *testing.T) {
		got := params(t, "core", "readQuery", "SELECT 1", nil)
		if _, ok := got["params"]; ok {
			t.Errorf("undefined argument should be dropped: %v", got)
		}
	})
	t.Run("alias positional", func(t *testing.T) {
		got := params(t, "json", "jsonExtract", `{"a":1}`, "$.a")
		if got["json"] != `{"a":1}` || got["path"] != "$.a" {
			t.Errorf("got %v", got)
		}
	})
}

func TestCall_Errors(t *testing.T) {
	tree := mustBuild(t, testDescriptors())
	ctx := context.Background()

	if _, err := tree.Call(ctx, "core", "readQuery", nil); !errors.Is(err, ErrMissingParam) {
		t.Errorf("expected ErrMissingParam, got %v", err)
	}
	if _, err := tree.Call(ctx, "core", "readQuery", []any{"a", "b", "c"}); !errors.Is(err, ErrBadArguments) {
		t.Errorf("expected ErrBadArguments, got %v", err)
	}
	if _, err := tree.Call(ctx, "shell", "serverInfo", []any{"x"}); !errors.Is(err, ErrBadArguments) {
		t.Errorf("expected ErrBadArguments for primitive without primary key, got %v", err)
	}
}

func TestCall_RequestContext(t *testing.T) {
	var calls []string
	tree := mustBuild(t, testDescriptors(), WithObserver(func(group, method string, _ time.Duration, err error) {
		calls = append(calls, group+"."+method)
	}))
	ctx := WithExecution(context.Background(), "exec-9", "bob")

	a, _ := tree.Call(ctx, "transactions", "begin", nil)
	b, _ := tree.Call(ctx, "transactions", "begin", nil)
	rcA := a.(map[string]any)["rc"].(RequestContext)
	rcB := b.(map[string]any)["rc"].(RequestContext)

	if rcA.RequestID == "" || rcA.RequestID == rcB.RequestID {
		t.Errorf("request ids must be fresh: %q %q", rcA.RequestID, rcB.RequestID)
	}
	if rcA.ExecutionID != "exec-9" || rcA.ClientID != "bob" {
		t.Errorf("context ids not propagated: %+v", rcA)
	}
	if rcA.Timestamp.IsZero() {
		t.Error("timestamp not set")
	}
	if !reflect.DeepEqual(calls, []string{"transactions.transactionBegin", "transactions.transactionBegin"}) {
		t.Errorf("observer calls = %v", calls)
	}
}

func TestCall_ResultUnmodified(t *testing.T) {
	row := map[string]any{"id": 1, "name": "alpha"}
	descs := []OperationDescriptor{{
		Name: "db_core_read_query", Group: "core",
		Handler: func(context.Context, map[string]any, RequestContext) (any, error) {
			return []any{row}, nil
		},
	}}
	tree := mustBuild(t, descs)
	out, err := tree.Call(context.Background(), "core", "readQuery", []any{"SELECT 1"})
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(out, []any{row}) {
		t.Errorf("result = %v", out)
	}
}
