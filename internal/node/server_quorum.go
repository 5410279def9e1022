package node

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"quorumdb/internal/distconfig"
	"quorumdb/internal/protocol"
	"quorumdb/internal/txn"
)

// CommitTransaction applies ops atomically on the write quorum of db. The
// operations are prepared under record locks on every server, then
// committed when the quorum agreed or rolled back everywhere otherwise.
// Lock conflicts are retried after a random delay.
func (n *Node) CommitTransaction(ctx context.Context, db string, ops []protocol.RecordTask) ([]any, error) {
	if !n.serves(db) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDatabase, db)
	}
	if len(ops) == 0 {
		return []any{}, nil
	}
	for attempt := 1; ; attempt++ {
		results, err := n.commitOnce(ctx, db, ops)
		if err == nil || !isLockConflict(err) || attempt > n.cfg.TxRetries {
			return results, err
		}
		delay := time.Duration(rand.Int63n(int64(n.cfg.TxRetryDelay))) + n.cfg.TxRetryDelay/2
		n.logger.Info("node.tx.retry", "db", db, "attempt", attempt, "delay", delay, "error", err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-n.cfg.Clock.After(delay):
		}
	}
}

func (n *Node) commitOnce(ctx context.Context, db string, ops []protocol.RecordTask) ([]any, error) {
	id, err := n.participant.Sequencer().NextID()
	if err != nil {
		return nil, err
	}
	defer n.participant.Sequencer().Release(id)

	prepareID := n.coord.NextRequestID()
	res, err := n.coord.ExecuteWithID(ctx, prepareID, db, distconfig.AllResources, &txn.PrepareTx{TxID: id, Ops: ops})
	if err == nil {
		var results []any
		results, err = resultsOf(res)
		if err == nil {
			if _, cerr := n.complete(ctx, db, prepareID, id, true); cerr != nil {
				return nil, fmt.Errorf("node: commit %s: %w", id, cerr)
			}
			n.logger.Debug("node.tx.committed", "db", db, "tx", id.String(), "ops", len(ops))
			return results, nil
		}
	}
	if _, rerr := n.complete(ctx, db, prepareID, id, false); rerr != nil {
		n.logger.Warn("node.tx.rollback_failed", "db", db, "tx", id.String(), "error", rerr)
	}
	return nil, err
}

func (n *Node) complete(ctx context.Context, db string, prepare protocol.RequestID, id txn.TransactionID, commit bool) (any, error) {
	// Completion must reach the servers even when the caller gave up.
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.WithoutCancel(ctx), n.completionTimeout())
		defer cancel()
	}
	res, err := n.coord.Execute(ctx, db, distconfig.AllResources, &txn.CompleteTx{Prepare: prepare, TxID: id, Commit: commit})
	if err != nil {
		return nil, err
	}
	return res.Value(), nil
}

func (n *Node) completionTimeout() time.Duration {
	if n.cfg.SynchTimeout > 0 {
		return n.cfg.SynchTimeout
	}
	return 10 * time.Second
}

func isLockConflict(err error) bool {
	var re *protocol.RemoteError
	return errors.As(err, &re) && re.IsLockConflict()
}
