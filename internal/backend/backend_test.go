package backend

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"gorm.io/gorm"

	"github.com/jkaninda/codegate/internal/bindings"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestCatalog(t *testing.T) (*Catalog, *TxRegistry, *DB) {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "backend.db") + "?_pragma=journal_mode(wal)"
	db, err := Open(Config{DSN: dsn}, testLogger())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if err := db.GormDB().Exec(`CREATE TABLE users (id INTEGER PRIMARY KEY, name TEXT NOT NULL UNIQUE)`).Error; err != nil {
		t.Fatalf("create table: %v", err)
	}
	if err := db.GormDB().Exec(`INSERT INTO users (name) VALUES ('alice')`).Error; err != nil {
		t.Fatalf("seed: %v", err)
	}

	reg := NewTxRegistry(db, testLogger())
	t.Cleanup(func() { _ = reg.Close() })
	return NewCatalog(db, reg), reg, db
}

func countUsers(t *testing.T, db *DB) int64 {
	t.Helper()
	var n int64
	if err := db.GormDB().Raw(`SELECT count(*) FROM users`).Scan(&n).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	return n
}

var rc = bindings.RequestContext{RequestID: "req-1", ExecutionID: "exec-1", Timestamp: time.Now()}

func TestOpen_UnsupportedDriver(t *testing.T) {
	_, err := Open(Config{Driver: "oracle"}, testLogger())
	if !errors.Is(err, ErrUnsupportedDriver) {
		t.Fatalf("err = %v, want ErrUnsupportedDriver", err)
	}
}

func TestSQLiteDSN(t *testing.T) {
	tests := map[string]string{
		"":                          "file::memory:?cache=shared&_pragma=busy_timeout(5000)",
		"data.db":                   "data.db?_pragma=busy_timeout(5000)",
		"x.db?_pragma=busy_timeout(1)": "x.db?_pragma=busy_timeout(1)",
	}
	for in, want := range tests {
		if got := sqliteDSN(in); got != want {
			t.Errorf("sqliteDSN(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestCatalog_ReadQuery(t *testing.T) {
	c, _, _ := newTestCatalog(t)

	out, err := c.readQuery(context.Background(), map[string]any{
		"query":  "SELECT id, name FROM users WHERE name = ?",
		"params": []any{"alice"},
	}, rc)
	if err != nil {
		t.Fatalf("readQuery: %v", err)
	}
	rows := out.([]map[string]any)
	if len(rows) != 1 || rows[0]["name"] != "alice" {
		t.Errorf("rows = %v", rows)
	}

	if _, err := c.readQuery(context.Background(), map[string]any{"query": "DELETE FROM users"}, rc); !errors.Is(err, ErrInvalidParams) {
		t.Errorf("write through readQuery: err = %v, want ErrInvalidParams", err)
	}
}

func TestCatalog_ReadQueryCannotWrite(t *testing.T) {
	c, _, db := newTestCatalog(t)

	tests := []struct {
		name  string
		query string
	}{
		{"cte wrapped delete", "WITH x AS (SELECT 1) DELETE FROM users"},
		{"stacked delete", "SELECT 1; DELETE FROM users"},
		{"pragma assignment", "PRAGMA user_version = 42"},
		{"pragma call form", "PRAGMA user_version(42)"},
		{"cte wrapped insert", "WITH x AS (SELECT 'mallory' AS n) INSERT INTO users (name) SELECT n FROM x"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := c.readQuery(context.Background(), map[string]any{"query": tt.query}, rc); err == nil {
				t.Errorf("readQuery(%q) succeeded", tt.query)
			}
			if n := countUsers(t, db); n != 1 {
				t.Errorf("users = %d, want 1", n)
			}
			var version int64
			if err := db.GormDB().Raw("PRAGMA user_version").Scan(&version).Error; err != nil {
				t.Fatalf("user_version: %v", err)
			}
			if version != 0 {
				t.Errorf("user_version = %d, want 0", version)
			}
		})
	}

	// The connection the scope pinned must accept writes again afterwards.
	if _, err := c.writeQuery(context.Background(), map[string]any{"query": "INSERT INTO users (name) VALUES ('bob')"}, rc); err != nil {
		t.Fatalf("write after read-only scope: %v", err)
	}
	if n := countUsers(t, db); n != 2 {
		t.Errorf("users = %d, want 2", n)
	}
}

func TestCatalog_ReadQueryAllowsIntrospection(t *testing.T) {
	c, _, _ := newTestCatalog(t)

	tests := []string{
		"PRAGMA user_version",
		"PRAGMA table_info(users)",
		"WITH names AS (SELECT name FROM users) SELECT * FROM names",
		"SELECT 'a;b' AS v;",
	}
	for _, q := range tests {
		if _, err := c.readQuery(context.Background(), map[string]any{"query": q}, rc); err != nil {
			t.Errorf("readQuery(%q): %v", q, err)
		}
	}
}

func TestHasStackedStatements(t *testing.T) {
	tests := []struct {
		query string
		want  bool
	}{
		{"SELECT 1", false},
		{"SELECT 1;", false},
		{"SELECT 1;  \n", false},
		{"SELECT 1; DELETE FROM users", true},
		{"SELECT ';' AS v", false},
		{`SELECT "a;b" FROM t`, false},
		{"SELECT 'it''s'; DROP TABLE t", true},
		{"SELECT 1 -- ; trailing\n", false},
		{"SELECT 1 /* ; */ + 1", false},
		{"SELECT $$a;b$$", false},
		{"SELECT $tag$;$tag$; DELETE FROM t", true},
		{"SELECT $1; DELETE FROM t", true},
	}
	for _, tt := range tests {
		if got := hasStackedStatements(tt.query); got != tt.want {
			t.Errorf("hasStackedStatements(%q) = %v, want %v", tt.query, got, tt.want)
		}
	}
}

func TestIsReadPragma(t *testing.T) {
	tests := []struct {
		query string
		want  bool
	}{
		{"PRAGMA user_version", true},
		{"pragma main.table_info(users)", true},
		{"PRAGMA index_list('users');", true},
		{"PRAGMA user_version = 42", false},
		{"PRAGMA user_version(42)", false},
		{"PRAGMA query_only = OFF", false},
		{"PRAGMA foreign_keys(0)", false},
	}
	for _, tt := range tests {
		if got := isReadPragma(tt.query); got != tt.want {
			t.Errorf("isReadPragma(%q) = %v, want %v", tt.query, got, tt.want)
		}
	}
}

func TestDB_ReadOnlyScope(t *testing.T) {
	_, _, db := newTestCatalog(t)

	err := db.ReadOnly(context.Background(), func(tx *gorm.DB) error {
		return tx.Exec("DELETE FROM users").Error
	})
	if err == nil {
		t.Fatal("delete inside read-only scope succeeded")
	}
	if n := countUsers(t, db); n != 1 {
		t.Errorf("users = %d, want 1", n)
	}

	var n int64
	if err := db.ReadOnly(context.Background(), func(tx *gorm.DB) error {
		return tx.Raw("SELECT count(*) FROM users").Scan(&n).Error
	}); err != nil || n != 1 {
		t.Errorf("read inside scope: n=%d err=%v", n, err)
	}
}

func TestCatalog_WriteQuery(t *testing.T) {
	c, _, db := newTestCatalog(t)

	out, err := c.writeQuery(context.Background(), map[string]any{
		"query":  "INSERT INTO users (name) VALUES (?)",
		"params": []any{"bob"},
	}, rc)
	if err != nil {
		t.Fatalf("writeQuery: %v", err)
	}
	if out.(map[string]any)["rowsAffected"] != int64(1) {
		t.Errorf("result = %v", out)
	}
	if n := countUsers(t, db); n != 2 {
		t.Errorf("users = %d, want 2", n)
	}
}

func TestCatalog_Schema(t *testing.T) {
	c, _, db := newTestCatalog(t)
	ctx := context.Background()
	if err := db.GormDB().Exec(`CREATE INDEX idx_users_name_lower ON users (lower(name))`).Error; err != nil {
		t.Fatalf("create index: %v", err)
	}

	tables, err := c.listTables(ctx, nil, rc)
	if err != nil {
		t.Fatalf("listTables: %v", err)
	}
	if names := tables.([]any); len(names) != 1 || names[0] != "users" {
		t.Errorf("tables = %v", names)
	}

	desc, err := c.describeTable(ctx, map[string]any{"table": "users"}, rc)
	if err != nil {
		t.Fatalf("describeTable: %v", err)
	}
	cols := desc.(map[string]any)["columns"].([]map[string]any)
	if len(cols) != 2 || cols[0]["name"] != "id" || cols[1]["name"] != "name" {
		t.Errorf("columns = %v", cols)
	}

	if _, err := c.describeTable(ctx, map[string]any{"table": "users; DROP TABLE users"}, rc); !errors.Is(err, ErrInvalidParams) {
		t.Errorf("bad table name: err = %v, want ErrInvalidParams", err)
	}
	if _, err := c.describeTable(ctx, map[string]any{"table": "missing"}, rc); err == nil {
		t.Error("describe missing table: want error")
	}

	idx, err := c.listIndexes(ctx, map[string]any{"table": "users"}, rc)
	if err != nil {
		t.Fatalf("listIndexes: %v", err)
	}
	found := false
	for _, row := range idx.([]map[string]any) {
		if row["name"] == "idx_users_name_lower" {
			found = true
		}
	}
	if !found {
		t.Errorf("indexes = %v, want idx_users_name_lower", idx)
	}

	info, err := c.serverInfo(ctx, nil, rc)
	if err != nil {
		t.Fatalf("serverInfo: %v", err)
	}
	if m := info.(map[string]any); m["driver"] != DriverSQLite || m["version"] == nil {
		t.Errorf("server info = %v", m)
	}
}

func TestCatalog_TransactionCommitAndRollback(t *testing.T) {
	c, reg, db := newTestCatalog(t)
	ctx := context.Background()

	for _, tc := range []struct {
		finish string
		want   int64
	}{
		{"rollback", 1},
		{"commit", 2},
	} {
		t.Run(tc.finish, func(t *testing.T) {
			out, err := c.txBegin(ctx, map[string]any{"label": tc.finish}, rc)
			if err != nil {
				t.Fatalf("begin: %v", err)
			}
			id := out.(TxInfo).ID

			if _, err := c.txQuery(ctx, map[string]any{
				"transactionId": id,
				"query":         "INSERT INTO users (name) VALUES (?)",
				"params":        []any{"tx-" + tc.finish},
			}, rc); err != nil {
				t.Fatalf("insert in tx: %v", err)
			}
			rows, err := c.txQuery(ctx, map[string]any{
				"transactionId": id,
				"query":         "SELECT count(*) AS n FROM users",
			}, rc)
			if err != nil {
				t.Fatalf("select in tx: %v", err)
			}
			if got := rows.([]map[string]any)[0]["n"]; got != int64(countUsers(t, db)+1) {
				t.Errorf("count inside tx = %v", got)
			}

			finish := c.txRollback
			if tc.finish == "commit" {
				finish = c.txCommit
			}
			if _, err := finish(ctx, map[string]any{"transactionId": id}, rc); err != nil {
				t.Fatalf("%s: %v", tc.finish, err)
			}
			if n := countUsers(t, db); n != tc.want {
				t.Errorf("users after %s = %d, want %d", tc.finish, n, tc.want)
			}
			if ids, _ := reg.ListActiveTransactionIDs(ctx); len(ids) != 0 {
				t.Errorf("open transactions = %v, want none", ids)
			}
			if _, err := finish(ctx, map[string]any{"transactionId": id}, rc); !errors.Is(err, ErrTransactionNotFound) {
				t.Errorf("second %s: err = %v, want ErrTransactionNotFound", tc.finish, err)
			}
		})
	}
}

func TestCatalog_ExecuteBatchIsAtomic(t *testing.T) {
	c, _, db := newTestCatalog(t)

	_, err := c.txExecute(context.Background(), map[string]any{
		"statements": []any{
			"INSERT INTO users (name) VALUES ('carol')",
			map[string]any{"query": "INSERT INTO users (name) VALUES (?)", "params": []any{"alice"}},
		},
	}, rc)
	if err == nil {
		t.Fatal("expected unique violation")
	}
	if n := countUsers(t, db); n != 1 {
		t.Errorf("users = %d, want 1 (batch rolled back)", n)
	}

	out, err := c.txExecute(context.Background(), map[string]any{
		"statements": []any{"INSERT INTO users (name) VALUES ('carol')", "UPDATE users SET name = name"},
	}, rc)
	if err != nil {
		t.Fatalf("txExecute: %v", err)
	}
	results := out.(map[string]any)["results"].([]any)
	if len(results) != 2 || results[1].(map[string]any)["rowsAffected"] != int64(2) {
		t.Errorf("results = %v", results)
	}
}

func TestTxRegistry_OwnershipAndReap(t *testing.T) {
	_, reg, _ := newTestCatalog(t)
	ctx := context.Background()

	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	reg.clock = func() time.Time { return now }

	a, err := reg.Begin(ctx, "exec-a", "")
	if err != nil {
		t.Fatalf("begin a: %v", err)
	}
	now = now.Add(time.Minute)
	b, err := reg.Begin(ctx, "exec-b", "")
	if err != nil {
		t.Fatalf("begin b: %v", err)
	}

	owned, _ := reg.ListOwnedTransactionIDs(ctx, "exec-a")
	if len(owned) != 1 || owned[0] != a.ID {
		t.Errorf("owned by exec-a = %v, want [%s]", owned, a.ID)
	}
	all, _ := reg.ListActiveTransactionIDs(ctx)
	if len(all) != 2 || all[0] != a.ID || all[1] != b.ID {
		t.Errorf("active = %v, want [%s %s] oldest first", all, a.ID, b.ID)
	}

	now = now.Add(4*time.Minute + 30*time.Second)
	if n := reg.Reap(ctx, 5*time.Minute); n != 1 {
		t.Errorf("reaped = %d, want 1", n)
	}
	all, _ = reg.ListActiveTransactionIDs(ctx)
	if len(all) != 1 || all[0] != b.ID {
		t.Errorf("active after reap = %v, want [%s]", all, b.ID)
	}
}

func TestTxRegistry_BeginOutlivesCallContext(t *testing.T) {
	c, reg, db := newTestCatalog(t)

	ctx, cancel := context.WithCancel(context.Background())
	out, err := c.txBegin(ctx, nil, rc)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	cancel()

	id := out.(TxInfo).ID
	if _, err := reg.Exec(context.Background(), id, []Statement{{Query: "INSERT INTO users (name) VALUES ('dave')"}}); err != nil {
		t.Fatalf("exec after begin ctx cancelled: %v", err)
	}
	if err := reg.Commit(context.Background(), id); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if n := countUsers(t, db); n != 2 {
		t.Errorf("users = %d, want 2", n)
	}
}

func TestJSONExtract(t *testing.T) {
	doc := `{"items":[{"name":"a"},{"name":"b"}],"meta":{"count":2}}`
	tests := []struct {
		path string
		want any
	}{
		{"$.items[1].name", "b"},
		{"$.items[-1].name", "b"},
		{"$.items[?(@.name == 'a')].name", "a"},
		{"$.meta.count", float64(2)},
		{"$..count", float64(2)},
		{"$.missing", nil},
		{"$.items[9]", nil},
	}
	for _, tt := range tests {
		got, err := jsonExtract(context.Background(), map[string]any{"json": doc, "path": tt.path}, rc)
		if err != nil {
			t.Fatalf("jsonExtract(%q): %v", tt.path, err)
		}
		if got != tt.want {
			t.Errorf("jsonExtract(%q) = %v, want %v", tt.path, got, tt.want)
		}
	}

	got, err := jsonExtract(context.Background(), map[string]any{
		"json": map[string]any{"a": []any{"x"}},
		"path": "$.a[0]",
	}, rc)
	if err != nil || got != "x" {
		t.Errorf("decoded document: got %v, %v", got, err)
	}

	all, err := jsonExtract(context.Background(), map[string]any{"json": doc, "path": "$.items[*].name"}, rc)
	if err != nil {
		t.Fatalf("wildcard: %v", err)
	}
	if names, ok := all.([]any); !ok || len(names) != 2 || names[0] != "a" || names[1] != "b" {
		t.Errorf("wildcard = %v, want [a b]", all)
	}

	bad := []map[string]any{
		{"json": "{", "path": "$.a"},
		{"json": doc, "path": "$.items[?(@.name =="},
		{"json": doc},
	}
	for _, p := range bad {
		if _, err := jsonExtract(context.Background(), p, rc); !errors.Is(err, ErrInvalidParams) {
			t.Errorf("jsonExtract(%v): err = %v, want ErrInvalidParams", p, err)
		}
	}
}

func TestCatalog_Bindings(t *testing.T) {
	c, _, _ := newTestCatalog(t)

	tree, err := bindings.Build(c.Descriptors())
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if _, ok := tree.Help()["codemode"]; ok {
		t.Error("codemode group must not be bound")
	}

	out, err := tree.Call(context.Background(), "core", "readQuery", []any{"SELECT name FROM users"})
	if err != nil {
		t.Fatalf("core.readQuery: %v", err)
	}
	if rows := out.([]map[string]any); len(rows) != 1 || rows[0]["name"] != "alice" {
		t.Errorf("rows = %v", rows)
	}

	ro := tree.View(true)
	if _, err := ro.Resolve("core", "writeQuery"); err == nil {
		t.Error("readonly view exposes core.writeQuery")
	}
	if _, err := ro.Resolve("core", "readQuery"); err != nil {
		t.Errorf("readonly view lacks core.readQuery: %v", err)
	}
}
