package txn

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"quorumdb/internal/protocol"
)

var (
	// ErrAlreadyFinished is returned when a context is committed or rolled
	// back twice.
	ErrAlreadyFinished = errors.New("txn: transaction context already finished")
	// ErrNotLocked is returned when an undo task references a record the
	// context does not hold.
	ErrNotLocked = errors.New("txn: record not locked by this transaction")
)

type undoEntry struct {
	rid  string
	task protocol.Task
}

// TxContext is the state of one transaction on one node.
type TxContext struct {
	ID        protocol.RequestID
	TxID      TransactionID
	Database  string
	StartedAt time.Time

	locks *LockManager

	mu       sync.Mutex
	held     []string
	undo     []undoEntry
	finished bool
}

// NewTxContext creates a context whose record locks come from locks.
func NewTxContext(id protocol.RequestID, txID TransactionID, db string, locks *LockManager, now time.Time) *TxContext {
	return &TxContext{ID: id, TxID: txID, Database: db, StartedAt: now, locks: locks}
}

// Lock acquires rid for this transaction.
func (t *TxContext) Lock(ctx context.Context, rid string) error {
	t.mu.Lock()
	finished := t.finished
	t.mu.Unlock()
	if finished {
		return ErrAlreadyFinished
	}
	acquired, err := t.locks.Lock(ctx, rid, t.ID)
	if err != nil {
		return err
	}
	if acquired {
		t.mu.Lock()
		t.held = append(t.held, rid)
		t.mu.Unlock()
	}
	return nil
}

// AddUndoTask appends a compensating task for rid, which must be locked.
func (t *TxContext) AddUndoTask(rid string, task protocol.Task) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.finished {
		return ErrAlreadyFinished
	}
	if owner, ok := t.locks.Owner(rid); !ok || owner != t.ID {
		return fmt.Errorf("%w: %s", ErrNotLocked, rid)
	}
	t.undo = append(t.undo, undoEntry{rid: rid, task: task})
	return nil
}

// LockedRecords returns the records held, in acquisition order.
func (t *TxContext) LockedRecords() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.held...)
}

// UndoLen returns the number of recorded undo tasks.
func (t *TxContext) UndoLen() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.undo)
}

// Commit releases the locks and discards the undo log.
func (t *TxContext) Commit() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.finished {
		return ErrAlreadyFinished
	}
	t.finished = true
	t.undo = nil
	t.releaseLocked()
	return nil
}

// Rollback replays the undo log in reverse against exec and releases the
// locks. It returns how many undo tasks succeeded; failures are joined into
// the error and do not stop the replay.
func (t *TxContext) Rollback(ctx context.Context, exec protocol.Executor) (int, error) {
	t.mu.Lock()
	if t.finished {
		t.mu.Unlock()
		return 0, ErrAlreadyFinished
	}
	t.finished = true
	undo := t.undo
	t.undo = nil
	t.mu.Unlock()

	if _, ok := protocol.RequestFromContext(ctx); !ok {
		ctx = protocol.WithRequest(ctx, &protocol.Request{ID: t.ID, DatabaseName: t.Database})
	}
	var (
		undone int
		errs   []error
	)
	for i := len(undo) - 1; i >= 0; i-- {
		if _, err := undo[i].task.Execute(ctx, exec); err != nil {
			errs = append(errs, fmt.Errorf("undo %s on %s: %w", undo[i].task.Kind(), undo[i].rid, err))
			continue
		}
		undone++
	}

	t.mu.Lock()
	t.releaseLocked()
	t.mu.Unlock()
	return undone, errors.Join(errs...)
}

// IsFinished reports whether Commit or Rollback ran.
func (t *TxContext) IsFinished() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.finished
}

func (t *TxContext) releaseLocked() {
	for _, rid := range t.held {
		t.locks.Unlock(rid, t.ID)
	}
	t.held = nil
}
