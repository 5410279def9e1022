package protocol

import (
	"fmt"
	"reflect"
	"strings"

	"google.golang.org/protobuf/encoding/protowire"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// Reserved record keys.
const (
	FieldRID     = "@rid"
	FieldVersion = "@version"
)

// TemporaryRID identifies a record that has not been assigned a position yet.
const TemporaryRID = "#-1:-1"

// Payload is the outcome of a task on one node: a value or an error.
type Payload struct {
	Value any
	Err   *RemoteError
}

// ValuePayload normalises v into the JSON-like shape it will have after a
// round trip over the wire.
func ValuePayload(v any) (Payload, error) {
	nv, err := Normalize(v)
	if err != nil {
		return Payload{}, err
	}
	return Payload{Value: nv}, nil
}

// ErrorPayload wraps err as a payload.
func ErrorPayload(err error) Payload {
	return Payload{Err: AsRemoteError(err)}
}

// ResultPayload builds a payload from a task result.
func ResultPayload(v any, err error) Payload {
	if err != nil {
		return ErrorPayload(err)
	}
	p, nerr := ValuePayload(v)
	if nerr != nil {
		return ErrorPayload(nerr)
	}
	return p
}

// IsError reports whether the payload carries an error.
func (p Payload) IsError() bool { return p.Err != nil }

// IsLockConflict reports whether the payload is a record-lock or
// concurrent-create error.
func (p Payload) IsLockConflict() bool { return p.Err.IsLockConflict() }

// Error returns the carried error or nil.
func (p Payload) Error() error {
	if p.Err == nil {
		return nil
	}
	return p.Err
}

func (p Payload) String() string {
	if p.Err != nil {
		return "error(" + p.Err.Error() + ")"
	}
	return fmt.Sprintf("%v", p.Value)
}

// Equal reports whether two payloads are interchangeable for quorum
// purposes. Errors only match errors with the same code and message.
func (p Payload) Equal(o Payload) bool {
	if p.Err != nil || o.Err != nil {
		if p.Err == nil || o.Err == nil {
			return false
		}
		return p.Err.Code == o.Err.Code && p.Err.Message == o.Err.Message
	}
	return valuesEqual(p.Value, o.Value)
}

func valuesEqual(a, b any) bool {
	if isEmptyCollection(a) && isEmptyCollection(b) {
		return true
	}
	switch av := a.(type) {
	case map[string]any:
		bv, ok := b.(map[string]any)
		if !ok {
			return false
		}
		if isRecord(av) && isRecord(bv) {
			return recordsEqual(av, bv)
		}
		if len(av) != len(bv) {
			return false
		}
		for k, v := range av {
			w, ok := bv[k]
			if !ok || !valuesEqual(v, w) {
				return false
			}
		}
		return true
	case []any:
		bv, ok := b.([]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !valuesEqual(av[i], bv[i]) {
				return false
			}
		}
		return true
	default:
		return reflect.DeepEqual(a, b)
	}
}

func isEmptyCollection(v any) bool {
	switch c := v.(type) {
	case []any:
		return len(c) == 0
	case map[string]any:
		return len(c) == 0
	default:
		return false
	}
}

func isRecord(m map[string]any) bool {
	_, ok := m[FieldRID]
	return ok
}

func isTemporaryRID(rid string) bool {
	return rid == "" || rid == TemporaryRID
}

// recordsEqual compares records by content. Identities only matter when
// both records carry a persistent one.
func recordsEqual(a, b map[string]any) bool {
	ra, _ := a[FieldRID].(string)
	rb, _ := b[FieldRID].(string)
	if ra != rb && !isTemporaryRID(ra) && !isTemporaryRID(rb) {
		return false
	}
	count := 0
	for k, v := range a {
		if strings.HasPrefix(k, "@") {
			continue
		}
		count++
		w, ok := b[k]
		if !ok || !valuesEqual(v, w) {
			return false
		}
	}
	for k := range b {
		if !strings.HasPrefix(k, "@") {
			count--
		}
	}
	return count == 0
}

// Normalize converts v into the shape produced by structpb: numbers become
// float64, records become maps.
func Normalize(v any) (any, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case Record:
		v = t.Value()
	case *Record:
		if t == nil {
			return nil, nil
		}
		v = t.Value()
	}
	sv, err := structpb.NewValue(v)
	if err != nil {
		return nil, fmt.Errorf("normalize payload: %w", err)
	}
	return sv.AsInterface(), nil
}

const (
	payloadFieldValue   protowire.Number = 1
	payloadFieldErrCode protowire.Number = 2
	payloadFieldErrMsg  protowire.Number = 3
)

// MarshalBinary encodes the payload.
func (p Payload) MarshalBinary() ([]byte, error) {
	var b []byte
	if p.Err != nil {
		b = AppendUint64(b, payloadFieldErrCode, uint64(p.Err.Code))
		b = AppendString(b, payloadFieldErrMsg, p.Err.Message)
		return b, nil
	}
	if p.Value == nil {
		return b, nil
	}
	raw, err := marshalValue(p.Value)
	if err != nil {
		return nil, err
	}
	return AppendBytes(b, payloadFieldValue, raw), nil
}

// UnmarshalBinary decodes a payload produced by MarshalBinary.
func (p *Payload) UnmarshalBinary(b []byte) error {
	*p = Payload{}
	var (
		hasErr bool
		code   ErrorCode
		msg    string
	)
	err := DecodeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case payloadFieldValue:
			raw, n, err := ReadBytes(b)
			if err != nil {
				return 0, err
			}
			v, err := unmarshalValue(raw)
			if err != nil {
				return 0, err
			}
			p.Value = v
			return n, nil
		case payloadFieldErrCode:
			v, n, err := ReadVarint(b)
			if err != nil {
				return 0, err
			}
			hasErr, code = true, ErrorCode(v)
			return n, nil
		case payloadFieldErrMsg:
			v, n, err := ReadString(b)
			if err != nil {
				return 0, err
			}
			hasErr, msg = true, v
			return n, nil
		}
		return 0, nil
	})
	if err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	if hasErr {
		p.Value = nil
		p.Err = &RemoteError{Code: code, Message: msg}
	}
	return nil
}

func marshalValue(v any) ([]byte, error) {
	sv, err := structpb.NewValue(v)
	if err != nil {
		return nil, fmt.Errorf("encode value: %w", err)
	}
	return proto.Marshal(sv)
}

func unmarshalValue(raw []byte) (any, error) {
	var sv structpb.Value
	if err := proto.Unmarshal(raw, &sv); err != nil {
		return nil, fmt.Errorf("decode value: %w", err)
	}
	return sv.AsInterface(), nil
}

func marshalContent(m map[string]any) ([]byte, error) {
	st, err := structpb.NewStruct(m)
	if err != nil {
		return nil, fmt.Errorf("encode content: %w", err)
	}
	return proto.Marshal(st)
}

func unmarshalContent(raw []byte) (map[string]any, error) {
	var st structpb.Struct
	if err := proto.Unmarshal(raw, &st); err != nil {
		return nil, fmt.Errorf("decode content: %w", err)
	}
	return st.AsMap(), nil
}
