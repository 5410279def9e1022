package momentum

import (
	"encoding/json"
	"fmt"
	"maps"
	"sort"

	"google.golang.org/protobuf/encoding/protowire"

	"quorumdb/internal/protocol"
)

const (
	keyTimestamp = "lastOperationTimeStamp"
	keyVersion   = "version"
)

// Position is a log sequence number.
type Position struct {
	Segment  int64 `json:"segment"`
	Position int64 `json:"position"`
}

// Less orders positions by segment, then position.
func (p Position) Less(o Position) bool {
	if p.Segment != o.Segment {
		return p.Segment < o.Segment
	}
	return p.Position < o.Position
}

func (p Position) String() string {
	return fmt.Sprintf("%d:%d", p.Segment, p.Position)
}

// Document is the persisted sync state of one database. In JSON the peers
// are top-level keys next to the two reserved ones.
type Document struct {
	LastOperationTimestamp int64
	Version                int
	Peers                  map[string]Position
}

// Clone returns a deep copy.
func (d Document) Clone() Document {
	c := d
	c.Peers = maps.Clone(d.Peers)
	return c
}

func (d Document) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, len(d.Peers)+2)
	for node, pos := range d.Peers {
		m[node] = pos
	}
	m[keyTimestamp] = d.LastOperationTimestamp
	m[keyVersion] = d.Version
	return json.Marshal(m)
}

func (d *Document) UnmarshalJSON(b []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return fmt.Errorf("momentum: decode document: %w", err)
	}
	*d = Document{Peers: make(map[string]Position, len(raw))}
	for key, v := range raw {
		var err error
		switch key {
		case keyTimestamp:
			err = json.Unmarshal(v, &d.LastOperationTimestamp)
		case keyVersion:
			err = json.Unmarshal(v, &d.Version)
		default:
			var pos Position
			err = json.Unmarshal(v, &pos)
			d.Peers[key] = pos
		}
		if err != nil {
			return fmt.Errorf("momentum: decode %q: %w", key, err)
		}
	}
	return nil
}

const (
	docFieldTimestamp protowire.Number = 1
	docFieldVersion   protowire.Number = 2
	docFieldPeer      protowire.Number = 3

	peerFieldNode     protowire.Number = 1
	peerFieldSegment  protowire.Number = 2
	peerFieldPosition protowire.Number = 3
)

// MarshalBinary encodes the document for the wire. Peers are sorted by
// name.
func (d Document) MarshalBinary() ([]byte, error) {
	var b []byte
	b = protocol.AppendInt64(b, docFieldTimestamp, d.LastOperationTimestamp)
	b = protocol.AppendInt64(b, docFieldVersion, int64(d.Version))
	nodes := make([]string, 0, len(d.Peers))
	for node := range d.Peers {
		nodes = append(nodes, node)
	}
	sort.Strings(nodes)
	for _, node := range nodes {
		pos := d.Peers[node]
		var e []byte
		e = protocol.AppendString(e, peerFieldNode, node)
		e = protocol.AppendInt64(e, peerFieldSegment, pos.Segment)
		e = protocol.AppendInt64(e, peerFieldPosition, pos.Position)
		b = protocol.AppendBytes(b, docFieldPeer, e)
	}
	return b, nil
}

// UnmarshalBinary decodes a document produced by MarshalBinary.
func (d *Document) UnmarshalBinary(b []byte) error {
	*d = Document{Peers: map[string]Position{}}
	err := protocol.DecodeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case docFieldTimestamp:
			v, n, err := protocol.ReadInt64(b)
			d.LastOperationTimestamp = v
			return n, err
		case docFieldVersion:
			v, n, err := protocol.ReadInt64(b)
			d.Version = int(v)
			return n, err
		case docFieldPeer:
			raw, n, err := protocol.ReadBytes(b)
			if err != nil {
				return 0, err
			}
			node, pos, err := decodePeer(raw)
			if err != nil {
				return 0, err
			}
			d.Peers[node] = pos
			return n, nil
		}
		return 0, nil
	})
	if err != nil {
		return fmt.Errorf("momentum: decode document: %w", err)
	}
	return nil
}

func decodePeer(b []byte) (string, Position, error) {
	var (
		node string
		pos  Position
	)
	err := protocol.DecodeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case peerFieldNode:
			v, n, err := protocol.ReadString(b)
			node = v
			return n, err
		case peerFieldSegment:
			v, n, err := protocol.ReadInt64(b)
			pos.Segment = v
			return n, err
		case peerFieldPosition:
			v, n, err := protocol.ReadInt64(b)
			pos.Position = v
			return n, err
		}
		return 0, nil
	})
	if err == nil && node == "" {
		err = fmt.Errorf("peer entry without node")
	}
	return node, pos, err
}
