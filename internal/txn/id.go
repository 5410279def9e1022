package txn

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"quorumdb/internal/protocol"
)

// TransactionID identifies a distributed transaction. Sequence is strictly
// increasing per NodeOwner; Position is the in-flight slot it occupies on
// the owner.
type TransactionID struct {
	NodeOwner string
	Position  int32
	Sequence  int64
}

// IsZero reports whether the id has no owner.
func (id TransactionID) IsZero() bool { return id.NodeOwner == "" }

func (id TransactionID) String() string {
	if id.IsZero() {
		return "tx(none)"
	}
	return fmt.Sprintf("tx(%s/%d#%d)", id.NodeOwner, id.Position, id.Sequence)
}

const (
	idFieldOwner    protowire.Number = 1
	idFieldPosition protowire.Number = 2
	idFieldSequence protowire.Number = 3
)

// MarshalBinary encodes the id.
func (id TransactionID) MarshalBinary() ([]byte, error) {
	var b []byte
	b = protocol.AppendString(b, idFieldOwner, id.NodeOwner)
	b = protocol.AppendInt64(b, idFieldPosition, int64(id.Position))
	b = protocol.AppendInt64(b, idFieldSequence, id.Sequence)
	return b, nil
}

// UnmarshalBinary decodes an id produced by MarshalBinary.
func (id *TransactionID) UnmarshalBinary(b []byte) error {
	*id = TransactionID{}
	err := protocol.DecodeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case idFieldOwner:
			v, n, err := protocol.ReadString(b)
			id.NodeOwner = v
			return n, err
		case idFieldPosition:
			v, n, err := protocol.ReadInt64(b)
			id.Position = int32(v)
			return n, err
		case idFieldSequence:
			v, n, err := protocol.ReadInt64(b)
			id.Sequence = v
			return n, err
		}
		return 0, nil
	})
	if err != nil {
		return fmt.Errorf("decode transaction id: %w", err)
	}
	return nil
}
