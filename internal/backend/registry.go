package backend

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ErrTransactionNotFound is returned for an id that is not open.
var ErrTransactionNotFound = errors.New("transaction not found")

// TxInfo describes one open transaction.
type TxInfo struct {
	ID        string    `json:"transactionId"`
	Label     string    `json:"label,omitempty"`
	Owner     string    `json:"-"`
	StartedAt time.Time `json:"startedAt"`
}

type openTx struct {
	info TxInfo
	mu   sync.Mutex // serializes statements on the connection
	tx   *gorm.DB
}

// TxRegistry tracks transactions scripts have begun and not yet finished.
// Each is owned by the execution that began it.
type TxRegistry struct {
	db     *gorm.DB
	logger *slog.Logger
	clock  func() time.Time

	mu  sync.Mutex
	txs map[string]*openTx
}

// NewTxRegistry creates an empty registry over db.
func NewTxRegistry(db *DB, logger *slog.Logger) *TxRegistry {
	return &TxRegistry{
		db:     db.GormDB(),
		logger: logger,
		clock:  time.Now,
		txs:    make(map[string]*openTx),
	}
}

// Begin opens a transaction owned by owner. The transaction outlives ctx:
// it stays open until committed, rolled back, or reaped.
func (r *TxRegistry) Begin(ctx context.Context, owner, label string) (TxInfo, error) {
	tx := r.db.WithContext(context.WithoutCancel(ctx)).Begin()
	if tx.Error != nil {
		return TxInfo{}, fmt.Errorf("beginning transaction: %w", tx.Error)
	}
	info := TxInfo{
		ID:        "tx_" + uuid.NewString(),
		Label:     label,
		Owner:     owner,
		StartedAt: r.clock().UTC(),
	}
	r.mu.Lock()
	r.txs[info.ID] = &openTx{info: info, tx: tx}
	r.mu.Unlock()

	r.logger.Debug("transaction begun",
		slog.String("transaction_id", info.ID),
		slog.String("owner", owner),
	)
	return info, nil
}

func (r *TxRegistry) get(id string) (*openTx, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.txs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTransactionNotFound, id)
	}
	return t, nil
}

// take removes id from the registry so exactly one caller finishes it.
func (r *TxRegistry) take(id string) (*openTx, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.txs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTransactionNotFound, id)
	}
	delete(r.txs, id)
	return t, nil
}

// Query runs a row-returning statement inside transaction id.
func (r *TxRegistry) Query(ctx context.Context, id, query string, args []any) ([]map[string]any, error) {
	t, err := r.get(id)
	if err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return queryRows(t.tx.WithContext(ctx), query, args)
}

// Exec runs statements inside transaction id and returns rows affected per statement.
func (r *TxRegistry) Exec(ctx context.Context, id string, stmts []Statement) ([]int64, error) {
	t, err := r.get(id)
	if err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return execStatements(t.tx.WithContext(ctx), stmts)
}

// Commit commits transaction id.
func (r *TxRegistry) Commit(_ context.Context, id string) error {
	t, err := r.take(id)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.tx.Commit().Error; err != nil {
		return fmt.Errorf("committing %s: %w", id, err)
	}
	return nil
}

// RollbackTransaction rolls back transaction id.
func (r *TxRegistry) RollbackTransaction(_ context.Context, id string) error {
	t, err := r.take(id)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.tx.Rollback().Error; err != nil {
		return fmt.Errorf("rolling back %s: %w", id, err)
	}
	return nil
}

// List returns the open transactions, oldest first.
func (r *TxRegistry) List() []TxInfo {
	r.mu.Lock()
	out := make([]TxInfo, 0, len(r.txs))
	for _, t := range r.txs {
		out = append(out, t.info)
	}
	r.mu.Unlock()
	slices.SortFunc(out, func(a, b TxInfo) int {
		if c := a.StartedAt.Compare(b.StartedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out
}

// ListActiveTransactionIDs returns every open transaction id.
func (r *TxRegistry) ListActiveTransactionIDs(context.Context) ([]string, error) {
	infos := r.List()
	ids := make([]string, len(infos))
	for i, info := range infos {
		ids[i] = info.ID
	}
	return ids, nil
}

// ListOwnedTransactionIDs returns the open transaction ids begun by owner.
func (r *TxRegistry) ListOwnedTransactionIDs(_ context.Context, owner string) ([]string, error) {
	var ids []string
	for _, info := range r.List() {
		if info.Owner == owner {
			ids = append(ids, info.ID)
		}
	}
	return ids, nil
}

// Reap rolls back transactions open longer than ttl and returns how many it rolled back.
func (r *TxRegistry) Reap(ctx context.Context, ttl time.Duration) int {
	cutoff := r.clock().UTC().Add(-ttl)
	reaped := 0
	for _, info := range r.List() {
		if info.StartedAt.After(cutoff) {
			continue
		}
		if err := r.RollbackTransaction(ctx, info.ID); err != nil {
			if !errors.Is(err, ErrTransactionNotFound) {
				r.logger.Warn("failed to reap transaction",
					slog.String("transaction_id", info.ID),
					slog.String("error", err.Error()),
				)
			}
			continue
		}
		reaped++
		r.logger.Warn("reaped expired transaction",
			slog.String("transaction_id", info.ID),
			slog.String("owner", info.Owner),
			slog.Duration("age", r.clock().Sub(info.StartedAt)),
		)
	}
	return reaped
}

// Close rolls back every open transaction.
func (r *TxRegistry) Close() error {
	var errs []error
	for _, info := range r.List() {
		if err := r.RollbackTransaction(context.Background(), info.ID); err != nil && !errors.Is(err, ErrTransactionNotFound) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
