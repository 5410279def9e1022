package protocol

import (
	"context"
	"encoding"
	"fmt"
	"sync"
)

// ResultStrategy selects how responses are combined into a final result.
type ResultStrategy int

const (
	// StrategyQuorum picks the value agreed by a quorum of nodes.
	StrategyQuorum ResultStrategy = iota
	// StrategyUnion merges every non-error payload into a per-node map.
	StrategyUnion
)

func (s ResultStrategy) String() string {
	if s == StrategyUnion {
		return "UNION"
	}
	return "QUORUM"
}

// QuorumType selects which configured quorum applies to a task.
type QuorumType int

const (
	QuorumNone QuorumType = iota
	QuorumRead
	QuorumWrite
	QuorumAll
)

func (q QuorumType) String() string {
	switch q {
	case QuorumRead:
		return "READ"
	case QuorumWrite:
		return "WRITE"
	case QuorumAll:
		return "ALL"
	default:
		return "NONE"
	}
}

// TaskKind tags the task variants that can travel on the wire.
type TaskKind uint16

const (
	TaskCreateRecord TaskKind = iota + 1
	TaskReadRecord
	TaskUpdateRecord
	TaskDeleteRecord
	TaskFixRecord
	TaskNodeStatus
	TaskPrepareTx
	TaskCompleteTx
)

func (k TaskKind) String() string {
	switch k {
	case TaskCreateRecord:
		return "create_record"
	case TaskReadRecord:
		return "read_record"
	case TaskUpdateRecord:
		return "update_record"
	case TaskDeleteRecord:
		return "delete_record"
	case TaskFixRecord:
		return "fix_record"
	case TaskNodeStatus:
		return "node_status"
	case TaskPrepareTx:
		return "prepare_tx"
	case TaskCompleteTx:
		return "complete_tx"
	default:
		return fmt.Sprintf("task(%d)", uint16(k))
	}
}

// Executor runs record operations on the local database. The storage engine
// implements it.
type Executor interface {
	CreateRecord(ctx context.Context, db, rid string, content map[string]any) (Record, error)
	ReadRecord(ctx context.Context, db, rid string) (Record, error)
	UpdateRecord(ctx context.Context, db, rid string, content map[string]any, version int64) (Record, error)
	DeleteRecord(ctx context.Context, db, rid string, version int64) (Record, error)
	FixRecord(ctx context.Context, db string, rec Record, deleted bool) error
	Status(ctx context.Context, db string) (map[string]any, error)
}

// Task is a unit of work replicated to a set of nodes.
type Task interface {
	encoding.BinaryMarshaler
	Kind() TaskKind
	IsIdempotent() bool
	ResultStrategy() ResultStrategy
	QuorumType() QuorumType
	Execute(ctx context.Context, exec Executor) (any, error)
}

// RecordTask is a task bound to a single record.
type RecordTask interface {
	Task
	RecordID() string
}

// Undoable tasks know how to compensate a successful execution given the
// result it produced.
type Undoable interface {
	UndoTask(result any) (Task, bool)
}

// TaskDecoder decodes the body of one task variant.
type TaskDecoder func(b []byte) (Task, error)

var (
	decodersMu sync.RWMutex
	decoders   = map[TaskKind]TaskDecoder{}
)

// RegisterTask installs the decoder for kind. Packages defining task
// variants call it from init.
func RegisterTask(kind TaskKind, dec TaskDecoder) {
	decodersMu.Lock()
	defer decodersMu.Unlock()
	if _, dup := decoders[kind]; dup {
		panic(fmt.Sprintf("protocol: task %s registered twice", kind))
	}
	decoders[kind] = dec
}

// DecodeTask decodes a task body of the given kind.
func DecodeTask(kind TaskKind, b []byte) (Task, error) {
	decodersMu.RLock()
	dec, ok := decoders[kind]
	decodersMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown task %s", kind)
	}
	return dec(b)
}
