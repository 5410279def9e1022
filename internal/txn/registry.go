package txn

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"pkt.systems/pslog"

	"quorumdb/internal/clock"
	"quorumdb/internal/protocol"
)

// ErrNoExecutor is returned when a registry or participant is built without
// an executor to run undo tasks on.
var ErrNoExecutor = errors.New("txn: executor required")

// DefaultTxTimeout is how long a prepared context may wait for its
// completion before the sweeper rolls it back.
const DefaultTxTimeout = 30 * time.Second

// RegistryConfig configures a Registry.
type RegistryConfig struct {
	Timeout time.Duration
	Clock   clock.Clock
	Logger  pslog.Logger
	// Executor receives the undo tasks of contexts rolled back by the
	// registry itself. Required.
	Executor protocol.Executor
}

// Registry maps requests to their live transaction contexts.
type Registry struct {
	timeout time.Duration
	clock   clock.Clock
	logger  pslog.Logger
	exec    protocol.Executor

	mu   sync.Mutex
	ctxs map[protocol.RequestID]*TxContext
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg RegistryConfig) (*Registry, error) {
	if cfg.Executor == nil {
		return nil, ErrNoExecutor
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTxTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	if cfg.Logger == nil {
		cfg.Logger = pslog.NoopLogger()
	}
	return &Registry{
		timeout: cfg.Timeout,
		clock:   cfg.Clock,
		logger:  cfg.Logger.With("svc", "txn"),
		exec:    cfg.Executor,
		ctxs:    map[protocol.RequestID]*TxContext{},
	}, nil
}

// Register stores tx under its request id. A context already registered
// for the same request is rolled back first.
func (r *Registry) Register(ctx context.Context, tx *TxContext) {
	r.mu.Lock()
	prev := r.ctxs[tx.ID]
	r.ctxs[tx.ID] = tx
	r.mu.Unlock()
	if prev != nil && prev != tx {
		r.logger.Warn("txn.context.replaced", "req", tx.ID.String())
		r.rollback(ctx, prev, "replaced")
	}
}

// Get returns the context of a request.
func (r *Registry) Get(id protocol.RequestID) (*TxContext, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tx, ok := r.ctxs[id]
	return tx, ok
}

// Pop removes and returns the context of a request.
func (r *Registry) Pop(id protocol.RequestID) (*TxContext, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tx, ok := r.ctxs[id]
	if ok {
		delete(r.ctxs, id)
	}
	return tx, ok
}

// Len returns the number of live contexts.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.ctxs)
}

// RollbackNode rolls back every context started by the given origin node,
// releasing the records a departed node left locked. It returns how many
// contexts were rolled back.
func (r *Registry) RollbackNode(ctx context.Context, origin int32) int {
	victims := r.popWhere(func(tx *TxContext) bool { return tx.ID.OriginNodeID == origin })
	for _, tx := range victims {
		r.rollback(ctx, tx, "node_left")
	}
	return len(victims)
}

// Expire rolls back contexts started more than the timeout before now.
func (r *Registry) Expire(ctx context.Context, now time.Time) int {
	victims := r.popWhere(func(tx *TxContext) bool { return now.Sub(tx.StartedAt) >= r.timeout })
	for _, tx := range victims {
		r.rollback(ctx, tx, "expired")
	}
	return len(victims)
}

// Run sweeps expired contexts until ctx is done.
func (r *Registry) Run(ctx context.Context) {
	interval := r.timeout / 2
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.clock.After(interval):
			if n := r.Expire(ctx, r.clock.Now()); n > 0 {
				r.logger.Info("txn.sweep.expired", "count", n)
			}
		}
	}
}

func (r *Registry) popWhere(match func(*TxContext) bool) []*TxContext {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*TxContext
	for id, tx := range r.ctxs {
		if match(tx) {
			out = append(out, tx)
			delete(r.ctxs, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.Less(out[j].ID) })
	return out
}

func (r *Registry) rollback(ctx context.Context, tx *TxContext, reason string) {
	undone, err := tx.Rollback(ctx, r.exec)
	if err != nil {
		r.logger.Warn("txn.rollback.failed", "req", tx.ID.String(), "reason", reason, "undone", undone, "error", err)
		return
	}
	r.logger.Info("txn.rollback", "req", tx.ID.String(), "reason", reason, "undone", undone)
}
