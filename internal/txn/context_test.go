package txn

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quorumdb/internal/clock"
	"quorumdb/internal/protocol"
)

func TestLockManagerExclusive(t *testing.T) {
	clk := clock.NewManual(time.Unix(0, 0))
	l := NewLockManager(time.Second, clk)
	ctx := context.Background()

	acquired, err := l.Lock(ctx, "#1:1", reqID(1, 1))
	require.NoError(t, err)
	assert.True(t, acquired)

	acquired, err = l.Lock(ctx, "#1:1", reqID(1, 1))
	require.NoError(t, err)
	assert.False(t, acquired, "re-entrant lock is not acquired twice")

	errc := make(chan error, 1)
	go func() {
		_, err := l.Lock(ctx, "#1:1", reqID(2, 1))
		errc <- err
	}()
	require.Eventually(t, func() bool { return clk.Pending() > 0 }, time.Second, time.Millisecond)
	clk.Advance(time.Second)

	err = <-errc
	assert.ErrorIs(t, err, protocol.ErrRecordLocked)
	assert.True(t, protocol.AsRemoteError(err).IsLockConflict())
}

func TestLockManagerWaitsForRelease(t *testing.T) {
	l := NewLockManager(time.Minute, nil)
	ctx := context.Background()
	_, err := l.Lock(ctx, "#1:1", reqID(1, 1))
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := l.Lock(ctx, "#1:1", reqID(2, 1))
		done <- err
	}()
	assert.True(t, l.Unlock("#1:1", reqID(1, 1)))
	require.NoError(t, <-done)

	owner, ok := l.Owner("#1:1")
	require.True(t, ok)
	assert.Equal(t, reqID(2, 1), owner)
}

func TestLockManagerForceAndReleaseAll(t *testing.T) {
	l := NewLockManager(0, nil)
	ctx := context.Background()
	_, _ = l.Lock(ctx, "#1:1", reqID(1, 1))
	_, _ = l.Lock(ctx, "#1:2", reqID(1, 1))

	prev, held := l.ForceLock("#1:2", reqID(3, 1))
	assert.True(t, held)
	assert.Equal(t, reqID(1, 1), prev)
	assert.False(t, l.Unlock("#1:2", reqID(1, 1)))

	assert.Equal(t, 1, l.ReleaseAll(reqID(1, 1)))
	assert.Equal(t, 1, l.Len())
}

func TestTxContextRollbackReverseOrder(t *testing.T) {
	exec := newMemExecutor()
	exec.records["#1:1"] = protocol.Record{RID: "#1:1", Version: 1, Content: map[string]any{"v": "a"}}
	locks := NewLockManager(0, nil)
	tx := NewTxContext(reqID(1, 1), TransactionID{NodeOwner: "node1", Sequence: 1}, "demo", locks, time.Now())
	ctx := context.Background()

	require.NoError(t, tx.Lock(ctx, "#1:1"))
	require.NoError(t, tx.Lock(ctx, "#1:2"))
	_, _ = exec.UpdateRecord(ctx, "demo", "#1:1", map[string]any{"v": "b"}, 1)
	_, _ = exec.CreateRecord(ctx, "demo", "#1:2", map[string]any{"v": "c"})
	_, _ = exec.UpdateRecord(ctx, "demo", "#1:1", map[string]any{"v": "d"}, 2)

	require.NoError(t, tx.AddUndoTask("#1:1", &protocol.FixRecord{Record: protocol.Record{RID: "#1:1", Version: 1, Content: map[string]any{"v": "a"}}}))
	require.NoError(t, tx.AddUndoTask("#1:2", &protocol.DeleteRecord{RID: "#1:2", Version: protocol.AnyVersion}))
	require.NoError(t, tx.AddUndoTask("#1:1", &protocol.FixRecord{Record: protocol.Record{RID: "#1:1", Version: 2, Content: map[string]any{"v": "b"}}}))

	undone, err := tx.Rollback(ctx, exec)
	require.NoError(t, err)
	assert.Equal(t, 3, undone)

	rec, ok := exec.get("#1:1")
	require.True(t, ok)
	assert.Equal(t, "a", rec.Content["v"], "the first undo task runs last")
	_, ok = exec.get("#1:2")
	assert.False(t, ok)
	assert.Equal(t, 0, locks.Len())

	_, err = tx.Rollback(ctx, exec)
	assert.ErrorIs(t, err, ErrAlreadyFinished)
	assert.ErrorIs(t, tx.Commit(), ErrAlreadyFinished)
}

func TestTxContextUndoRequiresLock(t *testing.T) {
	locks := NewLockManager(0, nil)
	tx := NewTxContext(reqID(1, 1), TransactionID{}, "demo", locks, time.Now())
	err := tx.AddUndoTask("#1:1", &protocol.DeleteRecord{RID: "#1:1"})
	assert.ErrorIs(t, err, ErrNotLocked)

	other := NewTxContext(reqID(2, 1), TransactionID{}, "demo", locks, time.Now())
	require.NoError(t, other.Lock(context.Background(), "#1:1"))
	assert.ErrorIs(t, tx.AddUndoTask("#1:1", &protocol.DeleteRecord{RID: "#1:1"}), ErrNotLocked)
}

func TestTxContextCommitReleasesLocks(t *testing.T) {
	locks := NewLockManager(0, nil)
	tx := NewTxContext(reqID(1, 1), TransactionID{}, "demo", locks, time.Now())
	require.NoError(t, tx.Lock(context.Background(), "#1:1"))
	require.NoError(t, tx.AddUndoTask("#1:1", &protocol.DeleteRecord{RID: "#1:1"}))

	require.NoError(t, tx.Commit())
	assert.Equal(t, 0, locks.Len())
	assert.Equal(t, 0, tx.UndoLen())
	assert.True(t, tx.IsFinished())
	assert.ErrorIs(t, tx.Lock(context.Background(), "#1:1"), ErrAlreadyFinished)
}
