package txn

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"quorumdb/internal/protocol"
)

// TxExecutor is implemented by executors that take part in distributed
// transactions.
type TxExecutor interface {
	PrepareTx(ctx context.Context, id TransactionID, ops []protocol.RecordTask) ([]any, error)
	CompleteTx(ctx context.Context, prepare protocol.RequestID, id TransactionID, commit bool) (int, error)
}

// ErrNotTransactional is returned when a transaction task reaches an
// executor that cannot run it.
var ErrNotTransactional = errors.New("txn: executor does not support transactions")

func init() {
	protocol.RegisterTask(protocol.TaskPrepareTx, decodePrepareTx)
	protocol.RegisterTask(protocol.TaskCompleteTx, decodeCompleteTx)
}

// PrepareTx applies the operations of a transaction under record locks and
// keeps them pending until CompleteTx arrives.
type PrepareTx struct {
	TxID TransactionID
	Ops  []protocol.RecordTask
}

func (t *PrepareTx) Kind() protocol.TaskKind { return protocol.TaskPrepareTx }
func (t *PrepareTx) IsIdempotent() bool      { return false }
func (t *PrepareTx) ResultStrategy() protocol.ResultStrategy {
	return protocol.StrategyQuorum
}
func (t *PrepareTx) QuorumType() protocol.QuorumType { return protocol.QuorumWrite }

func (t *PrepareTx) Execute(ctx context.Context, exec protocol.Executor) (any, error) {
	tx, ok := exec.(TxExecutor)
	if !ok {
		return nil, ErrNotTransactional
	}
	results, err := tx.PrepareTx(ctx, t.TxID, t.Ops)
	if err != nil {
		return nil, err
	}
	return results, nil
}

const (
	prepFieldTxID     protowire.Number = 1
	prepFieldOp       protowire.Number = 2
	opFieldKind       protowire.Number = 1
	opFieldBody       protowire.Number = 2
	complFieldPrepare protowire.Number = 1
	complFieldTxID    protowire.Number = 2
	complFieldCommit  protowire.Number = 3
)

func (t *PrepareTx) MarshalBinary() ([]byte, error) {
	idBytes, err := t.TxID.MarshalBinary()
	if err != nil {
		return nil, err
	}
	b := protocol.AppendBytes(nil, prepFieldTxID, idBytes)
	for _, op := range t.Ops {
		body, err := op.MarshalBinary()
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", op.Kind(), err)
		}
		var ob []byte
		ob = protocol.AppendUint64(ob, opFieldKind, uint64(op.Kind()))
		ob = protocol.AppendBytes(ob, opFieldBody, body)
		b = protocol.AppendBytes(b, prepFieldOp, ob)
	}
	return b, nil
}

func decodePrepareTx(b []byte) (protocol.Task, error) {
	t := &PrepareTx{}
	err := protocol.DecodeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case prepFieldTxID:
			v, n, err := protocol.ReadBytes(b)
			if err != nil {
				return 0, err
			}
			return n, t.TxID.UnmarshalBinary(v)
		case prepFieldOp:
			v, n, err := protocol.ReadBytes(b)
			if err != nil {
				return 0, err
			}
			op, err := decodeOp(v)
			if err != nil {
				return 0, err
			}
			t.Ops = append(t.Ops, op)
			return n, nil
		}
		return 0, nil
	})
	if err != nil {
		return nil, fmt.Errorf("decode prepare: %w", err)
	}
	return t, nil
}

func decodeOp(b []byte) (protocol.RecordTask, error) {
	var (
		kind protocol.TaskKind
		body []byte
	)
	err := protocol.DecodeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case opFieldKind:
			v, n, err := protocol.ReadVarint(b)
			kind = protocol.TaskKind(v)
			return n, err
		case opFieldBody:
			v, n, err := protocol.ReadBytes(b)
			body = v
			return n, err
		}
		return 0, nil
	})
	if err != nil {
		return nil, err
	}
	task, err := protocol.DecodeTask(kind, body)
	if err != nil {
		return nil, err
	}
	rt, ok := task.(protocol.RecordTask)
	if !ok {
		return nil, fmt.Errorf("task %s is not a record operation", kind)
	}
	return rt, nil
}

// CompleteTx commits or rolls back the context left by a PrepareTx.
type CompleteTx struct {
	Prepare protocol.RequestID
	TxID    TransactionID
	Commit  bool
}

func (t *CompleteTx) Kind() protocol.TaskKind { return protocol.TaskCompleteTx }
func (t *CompleteTx) IsIdempotent() bool      { return false }
func (t *CompleteTx) ResultStrategy() protocol.ResultStrategy {
	return protocol.StrategyQuorum
}
func (t *CompleteTx) QuorumType() protocol.QuorumType { return protocol.QuorumWrite }

func (t *CompleteTx) Execute(ctx context.Context, exec protocol.Executor) (any, error) {
	tx, ok := exec.(TxExecutor)
	if !ok {
		return nil, ErrNotTransactional
	}
	n, err := tx.CompleteTx(ctx, t.Prepare, t.TxID, t.Commit)
	if err != nil {
		return nil, err
	}
	return n, nil
}

func (t *CompleteTx) MarshalBinary() ([]byte, error) {
	prep, err := t.Prepare.MarshalBinary()
	if err != nil {
		return nil, err
	}
	idBytes, err := t.TxID.MarshalBinary()
	if err != nil {
		return nil, err
	}
	var b []byte
	b = protocol.AppendBytes(b, complFieldPrepare, prep)
	b = protocol.AppendBytes(b, complFieldTxID, idBytes)
	if t.Commit {
		b = protocol.AppendUint64(b, complFieldCommit, 1)
	}
	return b, nil
}

func decodeCompleteTx(b []byte) (protocol.Task, error) {
	t := &CompleteTx{}
	err := protocol.DecodeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case complFieldPrepare:
			v, n, err := protocol.ReadBytes(b)
			if err != nil {
				return 0, err
			}
			return n, t.Prepare.UnmarshalBinary(v)
		case complFieldTxID:
			v, n, err := protocol.ReadBytes(b)
			if err != nil {
				return 0, err
			}
			return n, t.TxID.UnmarshalBinary(v)
		case complFieldCommit:
			v, n, err := protocol.ReadVarint(b)
			t.Commit = v != 0
			return n, err
		}
		return 0, nil
	})
	if err != nil {
		return nil, fmt.Errorf("decode complete: %w", err)
	}
	return t, nil
}
