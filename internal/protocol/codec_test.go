package protocol

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

func TestRequestEncoding(t *testing.T) {
	tasks := []Task{
		&CreateRecord{RID: "#users:a1", Content: map[string]any{"name": "ada", "tags": []any{"x"}}},
		&ReadRecord{RID: "#users:a1"},
		&UpdateRecord{RID: "#users:a1", Content: map[string]any{"n": 2.0}, Version: 7},
		&DeleteRecord{RID: "#users:a1", Version: AnyVersion},
		&FixRecord{Record: Record{RID: "#users:a1", Version: 3, Content: map[string]any{"n": 1.0}}, Deleted: true},
		&NodeStatus{},
	}
	for _, task := range tasks {
		t.Run(task.Kind().String(), func(t *testing.T) {
			req := &Request{
				ID:           RequestID{OriginNodeID: 3, SequenceNumber: 1 << 40},
				DatabaseName: "db",
				ResourceName: "users",
				SenderNode:   "node-a",
				Task:         task,
			}
			b, err := EncodeEnvelope(Envelope{Request: req})
			require.NoError(t, err)
			env, err := DecodeEnvelope(b)
			require.NoError(t, err)
			require.NotNil(t, env.Request)
			assert.Equal(t, req, env.Request)
		})
	}
}

func TestResponseEncoding(t *testing.T) {
	resp := &Response{
		RequestID:    RequestID{OriginNodeID: -1, SequenceNumber: 42},
		ExecutorNode: "node-b",
		SenderNode:   "node-a",
		Payload:      ErrorPayload(ErrConcurrentCreate),
	}
	b, err := EncodeEnvelope(Envelope{Response: resp})
	require.NoError(t, err)
	env, err := DecodeEnvelope(b)
	require.NoError(t, err)
	require.NotNil(t, env.Response)
	assert.Equal(t, resp, env.Response)

	value := mustPayload(t, map[string]any{"ok": true})
	resp.Payload = value
	b, err = resp.MarshalBinary()
	require.NoError(t, err)
	var decoded Response
	require.NoError(t, decoded.UnmarshalBinary(b))
	assert.True(t, decoded.Payload.Equal(value))
}

func TestDecodeSkipsUnknownFields(t *testing.T) {
	id := RequestID{OriginNodeID: 1, SequenceNumber: 2}
	b, err := id.MarshalBinary()
	require.NoError(t, err)
	b = AppendString(b, 99, "from a newer node")
	b = AppendUint64(b, 100, 7)

	var got RequestID
	require.NoError(t, got.UnmarshalBinary(b))
	assert.Equal(t, id, got)
}

func TestDecodeRejectsTruncatedInput(t *testing.T) {
	b := protowire.AppendTag(nil, 1, protowire.BytesType)
	b = protowire.AppendVarint(b, 10)
	_, err := DecodeEnvelope(b)
	assert.Error(t, err)

	_, err = DecodeTask(TaskKind(999), nil)
	assert.Error(t, err)
}

func TestRequestIDOrdering(t *testing.T) {
	a := RequestID{OriginNodeID: 1, SequenceNumber: 5}
	b := RequestID{OriginNodeID: 1, SequenceNumber: 6}
	c := RequestID{OriginNodeID: 2, SequenceNumber: 0}
	assert.True(t, a.Less(b))
	assert.True(t, b.Less(c))
	assert.False(t, c.Less(a))
	assert.Equal(t, "1.5", a.String())
}

func TestDistributedCallContext(t *testing.T) {
	ctx := context.Background()
	assert.False(t, InDistributedCall(ctx))
	assert.Equal(t, "", DatabaseFromContext(ctx))

	ctx = WithRequest(ctx, &Request{DatabaseName: "db"})
	assert.True(t, InDistributedCall(ctx))
	assert.Equal(t, "db", DatabaseFromContext(ctx))
}

func TestCreateRecordUndo(t *testing.T) {
	task := &CreateRecord{RID: "#users:x", Content: map[string]any{"a": 1}}
	undo, ok := task.UndoTask(Record{RID: "#users:x"}.Value())
	require.True(t, ok)
	assert.Equal(t, &DeleteRecord{RID: "#users:x", Version: AnyVersion}, undo)
}
