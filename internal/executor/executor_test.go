package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"golang.org/x/sync/errgroup"

	"github.com/jkaninda/codegate/internal/backend"
	"github.com/jkaninda/codegate/internal/bindings"
	"github.com/jkaninda/codegate/internal/domain"
	"github.com/jkaninda/codegate/internal/observability"
	"github.com/jkaninda/codegate/internal/sandbox"
	"github.com/jkaninda/codegate/internal/security"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// memRecorder keeps audit records in memory.
type memRecorder struct {
	mu      sync.Mutex
	records []domain.ExecutionRecord
}

func (r *memRecorder) Record(_ context.Context, rec domain.ExecutionRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
	return nil
}

func (r *memRecorder) Close() error { return nil }

func (r *memRecorder) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}

// mockTxs is an in-memory transaction registry.
type mockTxs struct {
	mu         sync.Mutex
	next       int
	active     map[string]bool
	rolledBack []string
	failOnRoll bool
}

func newMockTxs() *mockTxs {
	return &mockTxs{active: make(map[string]bool)}
}

func (m *mockTxs) begin() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.next++
	id := fmt.Sprintf("tx-%d", m.next)
	m.active[id] = true
	return id
}

func (m *mockTxs) commit(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.active, id)
}

func (m *mockTxs) ListActiveTransactionIDs(context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.active))
	for id := range m.active {
		ids = append(ids, id)
	}
	return ids, nil
}

func (m *mockTxs) RollbackTransaction(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failOnRoll {
		return errors.New("connection lost")
	}
	if !m.active[id] {
		return fmt.Errorf("transaction %s not found", id)
	}
	delete(m.active, id)
	m.rolledBack = append(m.rolledBack, id)
	return nil
}

func (m *mockTxs) isActive(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active[id]
}

// fixture is an executor over mock descriptors and a restricted pool.
type fixture struct {
	exec     *Executor
	txs      *mockTxs
	audit    *memRecorder
	calls    atomic.Int32
	metrics  *observability.MetricsCollector
	security *security.Manager
}

func newFixture(t *testing.T, rateLimit int) *fixture {
	t.Helper()
	f := &fixture{txs: newMockTxs(), audit: &memRecorder{}, metrics: observability.NewMetricsCollector()}

	descs := []bindings.OperationDescriptor{
		{
			Name: "db_core_read_query", Group: "core", ReadOnly: true,
			ParameterSchema: map[string]any{"required": []string{"query"}},
			Handler: func(context.Context, map[string]any, bindings.RequestContext) (any, error) {
				f.calls.Add(1)
				return []any{map[string]any{"id": 1, "name": "alice"}}, nil
			},
		},
		{
			Name: "db_transaction_begin", Group: "transactions",
			Handler: func(context.Context, map[string]any, bindings.RequestContext) (any, error) {
				f.calls.Add(1)
				return map[string]any{"transactionId": f.txs.begin()}, nil
			},
		},
		{
			Name: "db_transaction_commit", Group: "transactions",
			ParameterSchema: map[string]any{"required": []string{"transactionId"}},
			Handler: func(_ context.Context, p map[string]any, _ bindings.RequestContext) (any, error) {
				f.calls.Add(1)
				f.txs.commit(p["transactionId"].(string))
				return map[string]any{"status": "committed"}, nil
			},
		},
	}
	tree, err := bindings.Build(descs, bindings.WithLogger(testLogger()))
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	pool, err := sandbox.NewPool(sandbox.PoolConfig{Mode: sandbox.ModeRestricted, MaxConcurrent: 16}, testLogger())
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	if err := pool.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	t.Cleanup(func() { _ = pool.Dispose() })

	f.security = security.NewManager(security.Config{RateLimit: rateLimit}, testLogger(), f.audit)
	f.exec = New(Options{
		Security:     f.security,
		Bindings:     tree,
		Runner:       pool,
		Transactions: f.txs,
		Metrics:      f.metrics,
		Logger:       testLogger(),
	})
	return f
}

func TestExecute_Arithmetic(t *testing.T) {
	f := newFixture(t, 60)
	res := f.exec.Execute(context.Background(), domain.ExecutionRequest{Code: "return 1+1"})
	if !res.Success {
		t.Fatalf("result = %+v", res)
	}
	if fmt.Sprint(res.Result) != "2" {
		t.Errorf("result = %v, want 2", res.Result)
	}
	if res.Hint != "" {
		t.Errorf("successful result carries hint %q", res.Hint)
	}
	if f.audit.len() != 1 {
		t.Errorf("audit records = %d, want 1", f.audit.len())
	}
}

func TestExecute_ValidationFailureNeverRuns(t *testing.T) {
	f := newFixture(t, 60)
	res := f.exec.Execute(context.Background(), domain.ExecutionRequest{
		Code: "const fs = require('fs'); await db.core.readQuery('select 1')",
	})
	if res.Success {
		t.Fatal("expected failure")
	}
	if !strings.Contains(res.Error, "validation failed") {
		t.Errorf("error = %q, want it to mention validation failed", res.Error)
	}
	if n := f.calls.Load(); n != 0 {
		t.Errorf("bindings were called %d times", n)
	}
	if f.audit.len() != 1 {
		t.Errorf("rejected execution was not audited")
	}
	if f.security.RateLimitRemaining("") != 60 {
		t.Error("rejected code consumed rate-limit quota")
	}
}

func TestExecute_RateLimit(t *testing.T) {
	f := newFixture(t, 60)
	req := domain.ExecutionRequest{Code: "return 1", ClientID: "batch"}

	for i := range 60 {
		if res := f.exec.Execute(context.Background(), req); !res.Success {
			t.Fatalf("call %d failed: %s", i+1, res.Error)
		}
	}
	res := f.exec.Execute(context.Background(), req)
	if res.Success || !IsRateLimited(res) {
		t.Fatalf("61st call = %+v, want rate-limit failure", res)
	}

	other := f.exec.Execute(context.Background(), domain.ExecutionRequest{Code: "return 1", ClientID: "other"})
	if !other.Success {
		t.Errorf("other client was limited: %s", other.Error)
	}

	status := f.exec.RateLimit("batch")
	if status.Limit != 60 || status.Remaining != 0 {
		t.Errorf("status = %+v", status)
	}
}

func TestExecute_BoundReadSurfacesRow(t *testing.T) {
	f := newFixture(t, 60)
	res := f.exec.Execute(context.Background(), domain.ExecutionRequest{
		Code: "const rows = await db.core.readQuery('select * from users'); return rows[0]",
	})
	if !res.Success {
		t.Fatalf("result = %+v", res)
	}
	row, ok := res.Result.(map[string]any)
	if !ok {
		t.Fatalf("result type = %T", res.Result)
	}
	if row["name"] != "alice" || fmt.Sprint(row["id"]) != "1" {
		t.Errorf("row = %v", row)
	}
}

func TestExecute_RollsBackOrphanedTransaction(t *testing.T) {
	f := newFixture(t, 60)
	res := f.exec.Execute(context.Background(), domain.ExecutionRequest{
		Code: "const tx = await db.transactions.begin(); throw new Error('boom ' + tx.transactionId)",
	})
	if res.Success {
		t.Fatal("expected failure")
	}
	if !strings.Contains(res.Error, "boom") {
		t.Errorf("error = %q", res.Error)
	}
	if res.Hint == "" || !strings.Contains(res.Hint, "db.help()") {
		t.Errorf("hint = %q", res.Hint)
	}

	ids, _ := f.txs.ListActiveTransactionIDs(context.Background())
	if len(ids) != 0 {
		t.Errorf("active transactions after failure = %v", ids)
	}
	if len(f.txs.rolledBack) != 1 {
		t.Errorf("rolled back = %v, want one", f.txs.rolledBack)
	}
}

func TestExecute_CommittedTransactionUntouched(t *testing.T) {
	f := newFixture(t, 60)
	preexisting := f.txs.begin()

	res := f.exec.Execute(context.Background(), domain.ExecutionRequest{
		Code: `const tx = await db.transactions.begin();
await db.transactions.commit(tx.transactionId);
throw new Error('after commit')`,
	})
	if res.Success {
		t.Fatal("expected failure")
	}
	if len(f.txs.rolledBack) != 0 {
		t.Errorf("rolled back = %v, want none", f.txs.rolledBack)
	}
	if !f.txs.isActive(preexisting) {
		t.Error("pre-existing transaction was touched")
	}
}

func TestExecute_RollbackErrorsAreSwallowed(t *testing.T) {
	f := newFixture(t, 60)
	f.txs.failOnRoll = true

	res := f.exec.Execute(context.Background(), domain.ExecutionRequest{
		Code: "await db.transactions.begin(); throw new Error('boom')",
	})
	if res.Success || !strings.Contains(res.Error, "boom") {
		t.Fatalf("result = %+v", res)
	}
}

func TestExecute_NoBindings(t *testing.T) {
	pool, err := sandbox.NewPool(sandbox.PoolConfig{Mode: sandbox.ModeRestricted}, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	exec := New(Options{
		Security: security.NewManager(security.Config{}, testLogger()),
		Runner:   pool,
	})
	res := exec.Execute(context.Background(), domain.ExecutionRequest{Code: "return 1"})
	if res.Success {
		t.Fatal("expected failure")
	}
	if res.Error != bindings.ErrNoBindings.Error() || res.Hint == "" {
		t.Errorf("result = %+v", res)
	}
}

func TestExecute_NoReadonlyBindings(t *testing.T) {
	var calls atomic.Int32
	tree, err := bindings.Build([]bindings.OperationDescriptor{{
		Name: "db_core_write_query", Group: "core",
		Handler: func(context.Context, map[string]any, bindings.RequestContext) (any, error) {
			calls.Add(1)
			return nil, nil
		},
	}}, bindings.WithLogger(testLogger()))
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	pool, err := sandbox.NewPool(sandbox.PoolConfig{Mode: sandbox.ModeRestricted}, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	if err := pool.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = pool.Dispose() })
	exec := New(Options{
		Security: security.NewManager(security.Config{}, testLogger()),
		Bindings: tree,
		Runner:   pool,
	})

	tests := []struct {
		name     string
		readonly bool
		wantNone bool
	}{
		{"readonly view is empty", true, true},
		{"full view has writes", false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := exec.Execute(context.Background(), domain.ExecutionRequest{Code: "return 1", Readonly: tt.readonly})
			gotNone := res.Error == bindings.ErrNoBindings.Error()
			if gotNone != tt.wantNone {
				t.Fatalf("result = %+v", res)
			}
			if tt.wantNone && (res.Success || !strings.Contains(res.Hint, "read-only")) {
				t.Errorf("result = %+v", res)
			}
			if !tt.wantNone && !res.Success {
				t.Errorf("result = %+v", res)
			}
		})
	}
	if calls.Load() != 0 {
		t.Errorf("handler calls = %d", calls.Load())
	}
}

func TestExecute_Timeout(t *testing.T) {
	f := newFixture(t, 60)
	res := f.exec.Execute(context.Background(), domain.ExecutionRequest{
		Code:      "while (true) {}",
		TimeoutMS: 200,
	})
	if res.Success || !strings.Contains(res.Error, "timed out") {
		t.Fatalf("result = %+v", res)
	}
	if res.Hint == "" {
		t.Error("timeout result carries no hint")
	}
}

func TestExecute_ReadonlyHidesWrites(t *testing.T) {
	f := newFixture(t, 60)
	res := f.exec.Execute(context.Background(), domain.ExecutionRequest{
		Code:     "return typeof db.transactions",
		Readonly: true,
	})
	if !res.Success || res.Result != "undefined" {
		t.Errorf("result = %+v", res)
	}

	catalog := f.exec.Bindings(true)
	if _, ok := catalog.Groups["transactions"]; ok {
		t.Errorf("readonly catalog lists transactions: %v", catalog.Groups)
	}
	if catalog.Mode != sandbox.ModeRestricted {
		t.Errorf("mode = %q", catalog.Mode)
	}
}

func TestExecute_ConcurrentRunsAreIsolated(t *testing.T) {
	f := newFixture(t, 1000)

	var g errgroup.Group
	for i := range 16 {
		g.Go(func() error {
			res := f.exec.Execute(context.Background(), domain.ExecutionRequest{
				ClientID: fmt.Sprintf("client-%d", i),
				Code: fmt.Sprintf(`const seen = Math.leak;
Math.leak = %d;
await db.core.readQuery('select 1');
return { clean: seen === undefined, mine: Math.leak === %d }`, i, i),
			})
			if !res.Success {
				return fmt.Errorf("run %d: %s", i, res.Error)
			}
			obj, ok := res.Result.(map[string]any)
			if !ok || obj["clean"] != true || obj["mine"] != true {
				return fmt.Errorf("run %d observed foreign state: %v", i, res.Result)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
}

func TestExecute_TruncatesLargeResults(t *testing.T) {
	f := newFixture(t, 60)
	res := f.exec.Execute(context.Background(), domain.ExecutionRequest{
		Code: "return 'x'.repeat(2 * 1024 * 1024)",
	})
	if !res.Success {
		t.Fatalf("result = %+v", res)
	}
	if !security.IsTruncated(res.Result) {
		t.Errorf("large result was not truncated")
	}
}

// --- SQLite backend ---

func newSQLiteExecutor(t *testing.T) (*Executor, *backend.DB, *backend.TxRegistry) {
	t.Helper()
	db, err := backend.Open(backend.Config{
		Driver: backend.DriverSQLite,
		DSN:    filepath.Join(t.TempDir(), "exec.db") + "?_pragma=journal_mode(wal)",
	}, testLogger())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := db.GormDB().Exec("CREATE TABLE users (id INTEGER PRIMARY KEY, name TEXT NOT NULL UNIQUE)").Error; err != nil {
		t.Fatal(err)
	}
	if err := db.GormDB().Exec("INSERT INTO users (name) VALUES ('alice')").Error; err != nil {
		t.Fatal(err)
	}

	txs := backend.NewTxRegistry(db, testLogger())
	t.Cleanup(func() { _ = txs.Close() })
	tree, err := bindings.Build(backend.NewCatalog(db, txs).Descriptors(), bindings.WithLogger(testLogger()))
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	pool, err := sandbox.NewPool(sandbox.PoolConfig{Mode: sandbox.ModeRestricted}, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	if err := pool.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = pool.Dispose() })

	exec := New(Options{
		Security:     security.NewManager(security.Config{}, testLogger()),
		Bindings:     tree,
		Runner:       pool,
		Transactions: txs,
		Logger:       testLogger(),
	})
	return exec, db, txs
}

func countUsers(t *testing.T, db *backend.DB) int64 {
	t.Helper()
	var n int64
	if err := db.GormDB().Raw("SELECT COUNT(*) FROM users").Scan(&n).Error; err != nil {
		t.Fatal(err)
	}
	return n
}

func TestExecute_SQLiteOrphanRolledBack(t *testing.T) {
	exec, db, txs := newSQLiteExecutor(t)

	res := exec.Execute(context.Background(), domain.ExecutionRequest{
		Code: `const tx = await db.transactions.begin();
await db.transactions.query(tx.transactionId, "INSERT INTO users (name) VALUES ('bob')");
throw new Error('boom')`,
	})
	if res.Success {
		t.Fatal("expected failure")
	}
	if open := txs.List(); len(open) != 0 {
		t.Errorf("open transactions = %v", open)
	}
	if n := countUsers(t, db); n != 1 {
		t.Errorf("users = %d, want 1", n)
	}
}

func TestExecute_SQLiteCommitSurvivesThrow(t *testing.T) {
	exec, db, txs := newSQLiteExecutor(t)

	res := exec.Execute(context.Background(), domain.ExecutionRequest{
		Code: `const tx = await db.transactions.begin();
await db.transactions.query(tx.transactionId, "INSERT INTO users (name) VALUES ('bob')");
await db.transactions.commit(tx.transactionId);
throw new Error('after commit')`,
	})
	if res.Success {
		t.Fatal("expected failure")
	}
	if open := txs.List(); len(open) != 0 {
		t.Errorf("open transactions = %v", open)
	}
	if n := countUsers(t, db); n != 2 {
		t.Errorf("users = %d, want 2", n)
	}
}

func TestExecute_SQLiteReadonlyCannotWrite(t *testing.T) {
	exec, db, _ := newSQLiteExecutor(t)

	tests := []struct {
		name  string
		query string
	}{
		{"cte wrapped delete", "WITH x AS (SELECT 1) DELETE FROM users"},
		{"stacked delete", "SELECT 1; DELETE FROM users"},
		{"pragma assignment", "PRAGMA user_version = 42"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := exec.Execute(context.Background(), domain.ExecutionRequest{
				Code:     fmt.Sprintf("return await db.core.readQuery(%q)", tt.query),
				Readonly: true,
			})
			if res.Success {
				t.Errorf("readonly write succeeded: %+v", res)
			}
			if n := countUsers(t, db); n != 1 {
				t.Errorf("users = %d, want 1", n)
			}
			var version int64
			if err := db.GormDB().Raw("PRAGMA user_version").Scan(&version).Error; err != nil {
				t.Fatal(err)
			}
			if version != 0 {
				t.Errorf("user_version = %d, want 0", version)
			}
		})
	}

	res := exec.Execute(context.Background(), domain.ExecutionRequest{
		Code:     "const rows = await db.core.readQuery('SELECT name FROM users'); return rows[0].name",
		Readonly: true,
	})
	if !res.Success || res.Result != "alice" {
		t.Errorf("readonly read = %+v", res)
	}
}

func TestValidate(t *testing.T) {
	f := newFixture(t, 60)
	if v := f.exec.Validate("return 1 + 2"); !v.Valid || len(v.Errors) != 0 {
		t.Errorf("valid code = %+v", v)
	}
	if v := f.exec.Validate("process.exit(1)"); v.Valid {
		t.Error("process access passed validation")
	}
}
