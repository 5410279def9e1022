package protocol

import (
	"context"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// RequestID names one in-flight request. It is unique per origin node and
// ordered by sequence number.
type RequestID struct {
	OriginNodeID   int32
	SequenceNumber int64
}

// Less orders ids by origin, then sequence.
func (id RequestID) Less(o RequestID) bool {
	if id.OriginNodeID != o.OriginNodeID {
		return id.OriginNodeID < o.OriginNodeID
	}
	return id.SequenceNumber < o.SequenceNumber
}

func (id RequestID) String() string {
	return fmt.Sprintf("%d.%d", id.OriginNodeID, id.SequenceNumber)
}

const (
	ridFieldOrigin   protowire.Number = 1
	ridFieldSequence protowire.Number = 2
)

// MarshalBinary encodes the id.
func (id RequestID) MarshalBinary() ([]byte, error) {
	return id.appendTo(nil), nil
}

func (id RequestID) appendTo(b []byte) []byte {
	b = AppendInt64(b, ridFieldOrigin, int64(id.OriginNodeID))
	return AppendInt64(b, ridFieldSequence, id.SequenceNumber)
}

// UnmarshalBinary decodes an id produced by MarshalBinary.
func (id *RequestID) UnmarshalBinary(b []byte) error {
	*id = RequestID{}
	return DecodeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case ridFieldOrigin:
			v, n, err := ReadInt64(b)
			id.OriginNodeID = int32(v)
			return n, err
		case ridFieldSequence:
			v, n, err := ReadInt64(b)
			id.SequenceNumber = v
			return n, err
		}
		return 0, nil
	})
}

// Request is a task addressed to a set of nodes.
type Request struct {
	ID           RequestID
	DatabaseName string
	ResourceName string
	SenderNode   string
	Task         Task
}

func (r *Request) String() string {
	kind := "none"
	if r.Task != nil {
		kind = r.Task.Kind().String()
	}
	return fmt.Sprintf("req(%s %s db=%s res=%s from=%s)", r.ID, kind, r.DatabaseName, r.ResourceName, r.SenderNode)
}

const (
	reqFieldID       protowire.Number = 1
	reqFieldDatabase protowire.Number = 2
	reqFieldResource protowire.Number = 3
	reqFieldSender   protowire.Number = 4
	reqFieldTaskKind protowire.Number = 5
	reqFieldTask     protowire.Number = 6
)

// MarshalBinary encodes the request including its task.
func (r *Request) MarshalBinary() ([]byte, error) {
	if r.Task == nil {
		return nil, fmt.Errorf("request %s has no task", r.ID)
	}
	taskBytes, err := r.Task.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("encode task %s: %w", r.Task.Kind(), err)
	}
	var b []byte
	b = AppendBytes(b, reqFieldID, r.ID.appendTo(nil))
	b = AppendString(b, reqFieldDatabase, r.DatabaseName)
	b = AppendString(b, reqFieldResource, r.ResourceName)
	b = AppendString(b, reqFieldSender, r.SenderNode)
	b = AppendUint64(b, reqFieldTaskKind, uint64(r.Task.Kind()))
	b = AppendBytes(b, reqFieldTask, taskBytes)
	return b, nil
}

// UnmarshalBinary decodes a request and its task.
func (r *Request) UnmarshalBinary(b []byte) error {
	*r = Request{}
	var (
		kind      TaskKind
		taskBytes []byte
		hasTask   bool
	)
	err := DecodeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case reqFieldID:
			v, n, err := ReadBytes(b)
			if err != nil {
				return 0, err
			}
			return n, r.ID.UnmarshalBinary(v)
		case reqFieldDatabase:
			v, n, err := ReadString(b)
			r.DatabaseName = v
			return n, err
		case reqFieldResource:
			v, n, err := ReadString(b)
			r.ResourceName = v
			return n, err
		case reqFieldSender:
			v, n, err := ReadString(b)
			r.SenderNode = v
			return n, err
		case reqFieldTaskKind:
			v, n, err := ReadVarint(b)
			kind = TaskKind(v)
			return n, err
		case reqFieldTask:
			v, n, err := ReadBytes(b)
			taskBytes, hasTask = v, true
			return n, err
		}
		return 0, nil
	})
	if err != nil {
		return fmt.Errorf("decode request: %w", err)
	}
	if !hasTask {
		return fmt.Errorf("decode request %s: missing task", r.ID)
	}
	task, err := DecodeTask(kind, taskBytes)
	if err != nil {
		return fmt.Errorf("decode request %s: %w", r.ID, err)
	}
	r.Task = task
	return nil
}

// Response is one node's answer to a request.
type Response struct {
	RequestID    RequestID
	ExecutorNode string
	SenderNode   string
	Payload      Payload
}

func (r *Response) String() string {
	return fmt.Sprintf("resp(%s executor=%s payload=%s)", r.RequestID, r.ExecutorNode, r.Payload)
}

const (
	respFieldID       protowire.Number = 1
	respFieldExecutor protowire.Number = 2
	respFieldSender   protowire.Number = 3
	respFieldPayload  protowire.Number = 4
)

// MarshalBinary encodes the response.
func (r *Response) MarshalBinary() ([]byte, error) {
	payload, err := r.Payload.MarshalBinary()
	if err != nil {
		return nil, err
	}
	var b []byte
	b = AppendBytes(b, respFieldID, r.RequestID.appendTo(nil))
	b = AppendString(b, respFieldExecutor, r.ExecutorNode)
	b = AppendString(b, respFieldSender, r.SenderNode)
	b = AppendBytes(b, respFieldPayload, payload)
	return b, nil
}

// UnmarshalBinary decodes a response.
func (r *Response) UnmarshalBinary(b []byte) error {
	*r = Response{}
	err := DecodeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case respFieldID:
			v, n, err := ReadBytes(b)
			if err != nil {
				return 0, err
			}
			return n, r.RequestID.UnmarshalBinary(v)
		case respFieldExecutor:
			v, n, err := ReadString(b)
			r.ExecutorNode = v
			return n, err
		case respFieldSender:
			v, n, err := ReadString(b)
			r.SenderNode = v
			return n, err
		case respFieldPayload:
			v, n, err := ReadBytes(b)
			if err != nil {
				return 0, err
			}
			return n, r.Payload.UnmarshalBinary(v)
		}
		return 0, nil
	})
	if err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

type requestKey struct{}

// WithRequest marks ctx as serving req on behalf of a remote node.
func WithRequest(ctx context.Context, req *Request) context.Context {
	return context.WithValue(ctx, requestKey{}, req)
}

// RequestFromContext returns the request being served, if any.
func RequestFromContext(ctx context.Context) (*Request, bool) {
	req, ok := ctx.Value(requestKey{}).(*Request)
	return req, ok && req != nil
}

// InDistributedCall reports whether ctx belongs to a request that was
// dispatched by the cluster. Such calls must not be replicated again.
func InDistributedCall(ctx context.Context) bool {
	_, ok := RequestFromContext(ctx)
	return ok
}

// DatabaseFromContext returns the database of the request being served.
func DatabaseFromContext(ctx context.Context) string {
	if req, ok := RequestFromContext(ctx); ok {
		return req.DatabaseName
	}
	return ""
}
