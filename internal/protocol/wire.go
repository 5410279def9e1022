package protocol

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// FieldFunc handles one decoded field. It returns how many bytes of b it
// consumed, or 0 to have the field skipped.
type FieldFunc func(num protowire.Number, typ protowire.Type, b []byte) (int, error)

// DecodeFields walks a protowire message and calls fn for every field.
// Unknown fields are skipped so older nodes can read newer messages.
func DecodeFields(b []byte, fn FieldFunc) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("decode tag: %w", protowire.ParseError(n))
		}
		b = b[n:]
		m, err := fn(num, typ, b)
		if err != nil {
			return fmt.Errorf("decode field %d: %w", num, err)
		}
		if m == 0 {
			m = protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return fmt.Errorf("skip field %d: %w", num, protowire.ParseError(m))
			}
		}
		b = b[m:]
	}
	return nil
}

// ReadVarint consumes a varint value.
func ReadVarint(b []byte) (uint64, int, error) {
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return 0, 0, protowire.ParseError(n)
	}
	return v, n, nil
}

// ReadInt64 consumes a zigzag encoded signed value.
func ReadInt64(b []byte) (int64, int, error) {
	v, n, err := ReadVarint(b)
	if err != nil {
		return 0, 0, err
	}
	return protowire.DecodeZigZag(v), n, nil
}

// ReadBytes consumes a length-delimited value. The result aliases b.
func ReadBytes(b []byte) ([]byte, int, error) {
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return nil, 0, protowire.ParseError(n)
	}
	return v, n, nil
}

// ReadString consumes a length-delimited string.
func ReadString(b []byte) (string, int, error) {
	v, n := protowire.ConsumeString(b)
	if n < 0 {
		return "", 0, protowire.ParseError(n)
	}
	return v, n, nil
}

// AppendInt64 appends a zigzag encoded signed field.
func AppendInt64(b []byte, num protowire.Number, v int64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, protowire.EncodeZigZag(v))
}

// AppendUint64 appends an unsigned varint field.
func AppendUint64(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

// AppendString appends a string field, omitting empty values.
func AppendString(b []byte, num protowire.Number, v string) []byte {
	if v == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

// AppendBytes appends a length-delimited field.
func AppendBytes(b []byte, num protowire.Number, v []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}
