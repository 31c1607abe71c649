// Package executor runs one untrusted script end to end: screening, rate
// limiting, sandboxed execution, orphaned-transaction reconciliation,
// sanitization, and auditing.
package executor

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/codegate/internal/bindings"
	"github.com/jkaninda/codegate/internal/domain"
	"github.com/jkaninda/codegate/internal/observability"
	"github.com/jkaninda/codegate/internal/sandbox"
	"github.com/jkaninda/codegate/internal/security"
)

// Rejection reasons used in metrics.
const (
	reasonValidation = "validation"
	reasonRateLimit  = "rate_limited"
	reasonNoBindings = "no_bindings"
)

const rateLimitPrefix = "Rate limit exceeded"

// Runner executes a script against a bindings surface. *sandbox.Pool satisfies it.
type Runner interface {
	Mode() string
	Execute(ctx context.Context, code string, b sandbox.Bindings, timeout time.Duration) domain.Result
}

// TransactionRegistry is the external transaction registry consulted for
// reconciliation.
type TransactionRegistry interface {
	ListActiveTransactionIDs(ctx context.Context) ([]string, error)
	RollbackTransaction(ctx context.Context, id string) error
}

// OwnedTransactionLister is optionally implemented by registries that track
// which execution opened a transaction. When available, snapshots only cover
// the current execution, so concurrent runs never reconcile each other's work.
type OwnedTransactionLister interface {
	ListOwnedTransactionIDs(ctx context.Context, owner string) ([]string, error)
}

// Options wires the executor's collaborators. Security, Bindings, and Runner
// are required; everything else is optional.
type Options struct {
	Security     *security.Manager
	Bindings     *bindings.Tree
	Runner       Runner
	Transactions TransactionRegistry
	Metrics      *observability.MetricsCollector
	Anomaly      *observability.AnomalyDetector
	Tracer       trace.Tracer
	Logger       *slog.Logger
}

// Executor is the composition root for code execution. Safe for concurrent use.
type Executor struct {
	security *security.Manager
	tree     *bindings.Tree
	runner   Runner
	txs      TransactionRegistry
	metrics  *observability.MetricsCollector
	anomaly  *observability.AnomalyDetector
	tracer   trace.Tracer
	logger   *slog.Logger
}

// New creates an executor.
func New(opts Options) *Executor {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Executor{
		security: opts.Security,
		tree:     opts.Bindings,
		runner:   opts.Runner,
		txs:      opts.Transactions,
		metrics:  opts.Metrics,
		anomaly:  opts.Anomaly,
		tracer:   opts.Tracer,
		logger:   logger,
	}
}

// Execute runs req and always returns a Result; it never fails with an error.
// Rejected requests never reach the sandbox. On a failed run, transactions
// opened during the run and still active are rolled back before returning.
func (e *Executor) Execute(ctx context.Context, req domain.ExecutionRequest) domain.Result {
	client := req.ClientID
	if client == "" {
		client = security.AnonymousClient
	}

	ctx, span := observability.StartExecution(ctx, e.tracer, req, client)
	res := e.execute(ctx, req, client)
	observability.EndExecution(span, res)
	return res
}

func (e *Executor) execute(ctx context.Context, req domain.ExecutionRequest, client string) domain.Result {
	if v := e.security.ValidateCode(req.Code); !v.Valid {
		e.metrics.RecordRejection(reasonValidation)
		observability.MarkRejected(ctx, reasonValidation)
		res := domain.Failure("Code validation failed: " + strings.Join(v.Errors, "; "))
		return e.finish(ctx, req, client, res)
	}

	if !e.security.CheckRateLimit(client) {
		e.metrics.RecordRejection(reasonRateLimit)
		observability.MarkRejected(ctx, reasonRateLimit)
		res := domain.Failure(fmt.Sprintf("%s: maximum %d executions per minute", rateLimitPrefix, e.security.RateLimit()))
		return e.finish(ctx, req, client, res)
	}

	var view *bindings.Tree
	if e.tree != nil {
		view = e.tree.View(req.Readonly)
	}
	if view == nil || view.Len() == 0 {
		e.metrics.RecordRejection(reasonNoBindings)
		observability.MarkRejected(ctx, reasonNoBindings)
		e.logger.ErrorContext(ctx, "no bindings available for execution",
			slog.String("client_id", client),
			slog.Bool("readonly", req.Readonly),
		)
		res := domain.Failure(bindings.ErrNoBindings.Error())
		res.Hint = "The server has no operation descriptors configured. Check the backend catalog and binding prefixes."
		if req.Readonly && e.tree != nil && e.tree.Len() > 0 {
			res.Hint = "No read-only operations are configured. Run without readonly or mark the read operations ReadOnly."
		}
		return e.finish(ctx, req, client, res)
	}

	execID := uuid.NewString()
	ctx = bindings.WithExecution(ctx, execID, client)

	before := e.snapshot(ctx, execID)
	res := e.runner.Execute(ctx, req.Code, view, time.Duration(req.TimeoutMS)*time.Millisecond)
	if !res.Success {
		e.reconcile(ctx, execID, before)
		res.Hint = e.hint()
	}

	res.Result = e.security.SanitizeResult(res.Result)
	if security.IsTruncated(res.Result) {
		e.metrics.RecordTruncation()
	}
	return e.finish(ctx, req, client, res)
}

// finish audits res and records the client's outcome.
func (e *Executor) finish(ctx context.Context, req domain.ExecutionRequest, client string, res domain.Result) domain.Result {
	rec := e.security.CreateExecutionRecord(req.Code, res, req.Readonly, client)
	e.security.AuditLog(ctx, rec)

	if res.Success {
		e.anomaly.RecordSuccess(client)
	} else {
		e.anomaly.RecordFailure(client)
	}
	return res
}

// snapshot returns the transaction ids visible before the run. A nil map
// means no registry or a failed listing; reconciliation is skipped then.
func (e *Executor) snapshot(ctx context.Context, execID string) map[string]struct{} {
	if e.txs == nil {
		return nil
	}
	ids, err := e.listTransactions(ctx, execID)
	if err != nil {
		e.logger.WarnContext(ctx, "transaction snapshot failed; orphan reconciliation disabled for this run",
			slog.String("execution_id", execID),
			slog.String("error", err.Error()),
		)
		return nil
	}
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}

// reconcile rolls back every transaction active now that was not active in
// before. Errors are logged and counted, never returned.
func (e *Executor) reconcile(ctx context.Context, execID string, before map[string]struct{}) {
	if before == nil {
		return
	}
	// The caller's context may already be cancelled by a timeout.
	ctx = context.WithoutCancel(ctx)

	after, err := e.listTransactions(ctx, execID)
	if err != nil {
		e.logger.WarnContext(ctx, "listing transactions after failed execution",
			slog.String("execution_id", execID),
			slog.String("error", err.Error()),
		)
		return
	}
	for _, id := range after {
		if _, ok := before[id]; ok {
			continue
		}
		err := e.txs.RollbackTransaction(ctx, id)
		e.metrics.RecordOrphanRollback(err)
		if err != nil {
			e.logger.WarnContext(ctx, "orphaned transaction rollback failed",
				slog.String("execution_id", execID),
				slog.String("transaction_id", id),
				slog.String("error", err.Error()),
			)
			continue
		}
		e.logger.InfoContext(ctx, "rolled back orphaned transaction",
			slog.String("execution_id", execID),
			slog.String("transaction_id", id),
		)
	}
}

func (e *Executor) listTransactions(ctx context.Context, execID string) ([]string, error) {
	if owned, ok := e.txs.(OwnedTransactionLister); ok {
		return owned.ListOwnedTransactionIDs(ctx, execID)
	}
	return e.txs.ListActiveTransactionIDs(ctx)
}

func (e *Executor) hint() string {
	return fmt.Sprintf("Call %s.help() to list the available groups and methods, or %s.getGroupMethods(group) for one group.",
		e.tree.Namespace(), e.tree.Namespace())
}

// Validate screens code without executing it or consuming rate-limit quota.
func (e *Executor) Validate(code string) domain.ValidationResult {
	return e.security.ValidateCode(code)
}

// Catalog describes the bindings a client would see.
type Catalog struct {
	Namespace string              `json:"namespace"`
	Mode      string              `json:"mode"`
	Readonly  bool                `json:"readonly"`
	Groups    map[string][]string `json:"groups"`
	Aliases   map[string][]string `json:"aliases,omitempty"`
}

// Bindings returns the binding catalog for the full or readonly view.
func (e *Executor) Bindings(readonly bool) Catalog {
	c := Catalog{Readonly: readonly, Groups: map[string][]string{}}
	if e.runner != nil {
		c.Mode = e.runner.Mode()
	}
	if e.tree == nil {
		return c
	}
	view := e.tree.View(readonly)
	m := view.Manifest()
	c.Namespace = view.Namespace()
	c.Groups = view.Help()
	c.Aliases = m.Aliases
	return c
}

// RateLimitStatus reports a client's quota without consuming it.
type RateLimitStatus struct {
	ClientID  string `json:"clientId"`
	Limit     int    `json:"limit"`
	Remaining int    `json:"remaining"`
}

// RateLimit returns the quota status for client.
func (e *Executor) RateLimit(client string) RateLimitStatus {
	if client == "" {
		client = security.AnonymousClient
	}
	return RateLimitStatus{
		ClientID:  client,
		Limit:     e.security.RateLimit(),
		Remaining: e.security.RateLimitRemaining(client),
	}
}

// IsRateLimited reports whether res is a rate-limit rejection.
func IsRateLimited(res domain.Result) bool {
	return !res.Success && strings.HasPrefix(res.Error, rateLimitPrefix)
}
