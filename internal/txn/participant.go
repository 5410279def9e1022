package txn

import (
	"context"
	"errors"
	"fmt"

	"pkt.systems/pslog"

	"quorumdb/internal/clock"
	"quorumdb/internal/protocol"
)

// Participant runs the replica side of distributed transactions on top of
// a record executor. It is itself a protocol.Executor so it can be handed
// to the coordinator in place of the plain store.
type Participant struct {
	protocol.Executor

	seq      *Sequencer
	locks    *LockManager
	registry *Registry
	clock    clock.Clock
	logger   pslog.Logger
}

// ParticipantConfig wires a Participant.
type ParticipantConfig struct {
	Executor  protocol.Executor
	Sequencer *Sequencer
	Locks     *LockManager
	Registry  *Registry
	Clock     clock.Clock
	Logger    pslog.Logger
}

// NewParticipant creates a participant. cfg.Executor is required; missing
// collaborators get defaults built around it.
func NewParticipant(cfg ParticipantConfig) (*Participant, error) {
	if cfg.Executor == nil {
		return nil, ErrNoExecutor
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	if cfg.Logger == nil {
		cfg.Logger = pslog.NoopLogger()
	}
	if cfg.Sequencer == nil {
		cfg.Sequencer = NewSequencer("", 0, 0)
	}
	if cfg.Locks == nil {
		cfg.Locks = NewLockManager(0, cfg.Clock)
	}
	if cfg.Registry == nil {
		r, err := NewRegistry(RegistryConfig{Clock: cfg.Clock, Logger: cfg.Logger, Executor: cfg.Executor})
		if err != nil {
			return nil, err
		}
		cfg.Registry = r
	}
	return &Participant{
		Executor: cfg.Executor,
		seq:      cfg.Sequencer,
		locks:    cfg.Locks,
		registry: cfg.Registry,
		clock:    cfg.Clock,
		logger:   cfg.Logger.With("svc", "txn"),
	}, nil
}

func (p *Participant) Sequencer() *Sequencer { return p.seq }
func (p *Participant) Registry() *Registry   { return p.registry }
func (p *Participant) Locks() *LockManager   { return p.locks }

// PrepareTx locks and applies ops for the request carried by ctx. On any
// failure the operations already applied are undone before returning.
func (p *Participant) PrepareTx(ctx context.Context, id TransactionID, ops []protocol.RecordTask) ([]any, error) {
	req, ok := protocol.RequestFromContext(ctx)
	if !ok {
		return nil, &protocol.RemoteError{Code: protocol.CodeInvalidTransaction, Message: "prepare outside a cluster request"}
	}
	switch v := p.seq.Validate(id); v.Status {
	case Duplicate:
		return nil, &protocol.RemoteError{
			Code:    protocol.CodeInvalidTransaction,
			Message: fmt.Sprintf("%s already applied (expected sequence %d)", id, v.Expected),
		}
	case Gap:
		p.logger.Warn("txn.sequence.gap", "tx", id.String(), "expected", v.Expected, "got", v.Got)
	}

	tx := NewTxContext(req.ID, id, req.DatabaseName, p.locks, p.clock.Now())
	p.registry.Register(ctx, tx)

	results := make([]any, 0, len(ops))
	for _, op := range ops {
		res, err := p.apply(ctx, tx, req.DatabaseName, op)
		if err != nil {
			p.registry.Pop(req.ID)
			undone, rerr := tx.Rollback(ctx, p.Executor)
			p.logger.Info("txn.prepare.failed", "tx", id.String(), "op", op.Kind().String(),
				"rid", op.RecordID(), "error", err, "undone", undone)
			if rerr != nil {
				p.logger.Warn("txn.rollback.failed", "tx", id.String(), "error", rerr)
			}
			return nil, err
		}
		norm, err := protocol.Normalize(res)
		if err != nil {
			return nil, err
		}
		results = append(results, norm)
	}
	p.logger.Debug("txn.prepared", "tx", id.String(), "ops", len(ops), "locks", len(tx.LockedRecords()))
	return results, nil
}

func (p *Participant) apply(ctx context.Context, tx *TxContext, db string, op protocol.RecordTask) (any, error) {
	rid := op.RecordID()
	if err := tx.Lock(ctx, rid); err != nil {
		return nil, err
	}

	var undo protocol.Task
	switch op.(type) {
	case *protocol.UpdateRecord, *protocol.DeleteRecord:
		prior, err := p.Executor.ReadRecord(ctx, db, rid)
		if err != nil && !errors.Is(err, protocol.ErrRecordNotFound) {
			return nil, err
		}
		if err == nil {
			undo = &protocol.FixRecord{Record: prior}
		}
	}

	res, err := op.Execute(ctx, p.Executor)
	if err != nil {
		return nil, err
	}
	if undo == nil {
		if u, ok := op.(protocol.Undoable); ok {
			undo, _ = u.UndoTask(res)
		}
	}
	if undo != nil {
		if err := tx.AddUndoTask(rid, undo); err != nil {
			return nil, err
		}
	}
	return res, nil
}

// CompleteTx commits or rolls back the context left by the prepare
// request. Rolling back an unknown context is a no-op so a coordinator can
// abort on every node regardless of where the prepare failed.
func (p *Participant) CompleteTx(ctx context.Context, prepare protocol.RequestID, id TransactionID, commit bool) (int, error) {
	tx, ok := p.registry.Pop(prepare)
	if !ok {
		if commit {
			return 0, &protocol.RemoteError{
				Code:    protocol.CodeInvalidTransaction,
				Message: fmt.Sprintf("no prepared context for request %s", prepare),
			}
		}
		return 0, nil
	}
	defer p.seq.Notify(id)

	if commit {
		n := len(tx.LockedRecords())
		if err := tx.Commit(); err != nil {
			return 0, err
		}
		p.logger.Debug("txn.committed", "tx", id.String(), "records", n)
		return n, nil
	}
	undone, err := tx.Rollback(ctx, p.Executor)
	p.logger.Debug("txn.rolled_back", "tx", id.String(), "undone", undone)
	return undone, err
}
