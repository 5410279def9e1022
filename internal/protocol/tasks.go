package protocol

import (
	"context"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// AnyVersion skips the optimistic version check on update and delete.
const AnyVersion int64 = -1

func init() {
	RegisterTask(TaskCreateRecord, func(b []byte) (Task, error) {
		f, err := decodeRecordFields(b)
		return &CreateRecord{RID: f.rid, Content: f.content}, err
	})
	RegisterTask(TaskReadRecord, func(b []byte) (Task, error) {
		f, err := decodeRecordFields(b)
		return &ReadRecord{RID: f.rid}, err
	})
	RegisterTask(TaskUpdateRecord, func(b []byte) (Task, error) {
		f, err := decodeRecordFields(b)
		return &UpdateRecord{RID: f.rid, Content: f.content, Version: f.version}, err
	})
	RegisterTask(TaskDeleteRecord, func(b []byte) (Task, error) {
		f, err := decodeRecordFields(b)
		return &DeleteRecord{RID: f.rid, Version: f.version}, err
	})
	RegisterTask(TaskFixRecord, func(b []byte) (Task, error) {
		f, err := decodeRecordFields(b)
		return &FixRecord{
			Record:  Record{RID: f.rid, Version: f.version, Content: f.content},
			Deleted: f.deleted,
		}, err
	})
	RegisterTask(TaskNodeStatus, func(b []byte) (Task, error) {
		return &NodeStatus{}, nil
	})
}

// CreateRecord creates a record with a coordinator-assigned id.
type CreateRecord struct {
	RID     string
	Content map[string]any
}

func (t *CreateRecord) Kind() TaskKind                 { return TaskCreateRecord }
func (t *CreateRecord) IsIdempotent() bool             { return false }
func (t *CreateRecord) ResultStrategy() ResultStrategy { return StrategyQuorum }
func (t *CreateRecord) QuorumType() QuorumType         { return QuorumWrite }
func (t *CreateRecord) RecordID() string               { return t.RID }

func (t *CreateRecord) Execute(ctx context.Context, exec Executor) (any, error) {
	return exec.CreateRecord(ctx, DatabaseFromContext(ctx), t.RID, t.Content)
}

// UndoTask deletes the created record.
func (t *CreateRecord) UndoTask(result any) (Task, bool) {
	rid := t.RID
	if rec, ok := RecordFromValue(result); ok && rec.RID != "" {
		rid = rec.RID
	}
	if rid == "" {
		return nil, false
	}
	return &DeleteRecord{RID: rid, Version: AnyVersion}, true
}

func (t *CreateRecord) MarshalBinary() ([]byte, error) {
	return recordFields{rid: t.RID, content: t.Content}.encode()
}

// ReadRecord reads one record.
type ReadRecord struct {
	RID string
}

func (t *ReadRecord) Kind() TaskKind                 { return TaskReadRecord }
func (t *ReadRecord) IsIdempotent() bool             { return true }
func (t *ReadRecord) ResultStrategy() ResultStrategy { return StrategyQuorum }
func (t *ReadRecord) QuorumType() QuorumType         { return QuorumRead }
func (t *ReadRecord) RecordID() string               { return t.RID }

func (t *ReadRecord) Execute(ctx context.Context, exec Executor) (any, error) {
	return exec.ReadRecord(ctx, DatabaseFromContext(ctx), t.RID)
}

func (t *ReadRecord) MarshalBinary() ([]byte, error) {
	return recordFields{rid: t.RID}.encode()
}

// UpdateRecord replaces the content of a record when its version matches.
type UpdateRecord struct {
	RID     string
	Content map[string]any
	Version int64
}

func (t *UpdateRecord) Kind() TaskKind                 { return TaskUpdateRecord }
func (t *UpdateRecord) IsIdempotent() bool             { return false }
func (t *UpdateRecord) ResultStrategy() ResultStrategy { return StrategyQuorum }
func (t *UpdateRecord) QuorumType() QuorumType         { return QuorumWrite }
func (t *UpdateRecord) RecordID() string               { return t.RID }

func (t *UpdateRecord) Execute(ctx context.Context, exec Executor) (any, error) {
	return exec.UpdateRecord(ctx, DatabaseFromContext(ctx), t.RID, t.Content, t.Version)
}

func (t *UpdateRecord) MarshalBinary() ([]byte, error) {
	return recordFields{rid: t.RID, content: t.Content, version: t.Version}.encode()
}

// DeleteRecord removes a record when its version matches.
type DeleteRecord struct {
	RID     string
	Version int64
}

func (t *DeleteRecord) Kind() TaskKind                 { return TaskDeleteRecord }
func (t *DeleteRecord) IsIdempotent() bool             { return false }
func (t *DeleteRecord) ResultStrategy() ResultStrategy { return StrategyQuorum }
func (t *DeleteRecord) QuorumType() QuorumType         { return QuorumWrite }
func (t *DeleteRecord) RecordID() string               { return t.RID }

func (t *DeleteRecord) Execute(ctx context.Context, exec Executor) (any, error) {
	if _, err := exec.DeleteRecord(ctx, DatabaseFromContext(ctx), t.RID, t.Version); err != nil {
		return nil, err
	}
	return true, nil
}

func (t *DeleteRecord) MarshalBinary() ([]byte, error) {
	return recordFields{rid: t.RID, version: t.Version}.encode()
}

// FixRecord forces a replica to the state agreed by the quorum.
type FixRecord struct {
	Record  Record
	Deleted bool
}

func (t *FixRecord) Kind() TaskKind                 { return TaskFixRecord }
func (t *FixRecord) IsIdempotent() bool             { return true }
func (t *FixRecord) ResultStrategy() ResultStrategy { return StrategyQuorum }
func (t *FixRecord) QuorumType() QuorumType         { return QuorumNone }
func (t *FixRecord) RecordID() string               { return t.Record.RID }

func (t *FixRecord) Execute(ctx context.Context, exec Executor) (any, error) {
	if err := exec.FixRecord(ctx, DatabaseFromContext(ctx), t.Record, t.Deleted); err != nil {
		return nil, err
	}
	return true, nil
}

func (t *FixRecord) MarshalBinary() ([]byte, error) {
	return recordFields{
		rid:     t.Record.RID,
		content: t.Record.Content,
		version: t.Record.Version,
		deleted: t.Deleted,
	}.encode()
}

// NodeStatus collects a status document from every node.
type NodeStatus struct{}

func (t *NodeStatus) Kind() TaskKind                 { return TaskNodeStatus }
func (t *NodeStatus) IsIdempotent() bool             { return true }
func (t *NodeStatus) ResultStrategy() ResultStrategy { return StrategyUnion }
func (t *NodeStatus) QuorumType() QuorumType         { return QuorumAll }

func (t *NodeStatus) Execute(ctx context.Context, exec Executor) (any, error) {
	return exec.Status(ctx, DatabaseFromContext(ctx))
}

func (t *NodeStatus) MarshalBinary() ([]byte, error) { return nil, nil }

type recordFields struct {
	rid     string
	content map[string]any
	version int64
	deleted bool
}

const (
	recFieldRID     protowire.Number = 1
	recFieldContent protowire.Number = 2
	recFieldVersion protowire.Number = 3
	recFieldDeleted protowire.Number = 4
)

func (f recordFields) encode() ([]byte, error) {
	var b []byte
	b = AppendString(b, recFieldRID, f.rid)
	if f.content != nil {
		raw, err := marshalContent(f.content)
		if err != nil {
			return nil, err
		}
		b = AppendBytes(b, recFieldContent, raw)
	}
	b = AppendInt64(b, recFieldVersion, f.version)
	if f.deleted {
		b = AppendUint64(b, recFieldDeleted, 1)
	}
	return b, nil
}

func decodeRecordFields(b []byte) (recordFields, error) {
	var f recordFields
	err := DecodeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case recFieldRID:
			v, n, err := ReadString(b)
			f.rid = v
			return n, err
		case recFieldContent:
			raw, n, err := ReadBytes(b)
			if err != nil {
				return 0, err
			}
			m, err := unmarshalContent(raw)
			f.content = m
			return n, err
		case recFieldVersion:
			v, n, err := ReadInt64(b)
			f.version = v
			return n, err
		case recFieldDeleted:
			v, n, err := ReadVarint(b)
			f.deleted = v != 0
			return n, err
		}
		return 0, nil
	})
	if err != nil {
		return f, fmt.Errorf("decode record task: %w", err)
	}
	return f, nil
}
