package gossip

import (
	"fmt"
	"time"

	"google.golang.org/protobuf/encoding/protowire"

	"quorumdb/internal/protocol"
)

// Server answers the Ping and Gossip calls of the cluster service.
type Server struct {
	membership *Membership
	startTime  time.Time
}

// NewServer creates a new membership server.
func NewServer(membership *Membership) *Server {
	return &Server{membership: membership, startTime: time.Now()}
}

// Ping marks the sender alive and returns our membership view.
func (s *Server) Ping(from string) ([]byte, error) {
	s.membership.MarkAlive(from)
	return EncodeMembers(s.membership.Snapshot()), nil
}

// Gossip merges the sender's view and returns ours.
func (s *Server) Gossip(from string, body []byte) ([]byte, error) {
	members, err := DecodeMembers(body)
	if err != nil {
		return nil, fmt.Errorf("gossip from %s: %w", from, err)
	}
	s.membership.MarkAlive(from)
	s.membership.ApplyGossip(members)
	return EncodeMembers(s.membership.Snapshot()), nil
}

// Uptime returns how long the server has been running.
func (s *Server) Uptime() time.Duration {
	return time.Since(s.startTime)
}

const (
	memberField    protowire.Number = 1
	mFieldID       protowire.Number = 1
	mFieldAddr     protowire.Number = 2
	mFieldStatus   protowire.Number = 3
	mFieldInc      protowire.Number = 4
	mFieldLastSeen protowire.Number = 5
	mFieldDatabase protowire.Number = 6
	dbFieldName    protowire.Number = 1
	dbFieldStatus  protowire.Number = 2
)

// EncodeMembers encodes a member list.
func EncodeMembers(members []*Member) []byte {
	var b []byte
	for _, m := range members {
		var mb []byte
		mb = protocol.AppendString(mb, mFieldID, m.ID)
		mb = protocol.AppendString(mb, mFieldAddr, m.Addr)
		mb = protocol.AppendUint64(mb, mFieldStatus, uint64(m.Status))
		mb = protocol.AppendUint64(mb, mFieldInc, m.Incarnation)
		mb = protocol.AppendInt64(mb, mFieldLastSeen, m.LastSeen.UnixMilli())
		for db, status := range m.Databases {
			var entry []byte
			entry = protocol.AppendString(entry, dbFieldName, db)
			entry = protocol.AppendUint64(entry, dbFieldStatus, uint64(status))
			mb = protocol.AppendBytes(mb, mFieldDatabase, entry)
		}
		b = protocol.AppendBytes(b, memberField, mb)
	}
	return b
}

// DecodeMembers decodes a member list produced by EncodeMembers.
func DecodeMembers(b []byte) ([]*Member, error) {
	var members []*Member
	err := protocol.DecodeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num != memberField {
			return 0, nil
		}
		raw, n, err := protocol.ReadBytes(b)
		if err != nil {
			return 0, err
		}
		m, err := decodeMember(raw)
		if err != nil {
			return 0, err
		}
		members = append(members, m)
		return n, nil
	})
	if err != nil {
		return nil, fmt.Errorf("decode members: %w", err)
	}
	return members, nil
}

func decodeMember(b []byte) (*Member, error) {
	m := &Member{Databases: map[string]protocol.DatabaseStatus{}}
	err := protocol.DecodeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case mFieldID:
			v, n, err := protocol.ReadString(b)
			m.ID = v
			return n, err
		case mFieldAddr:
			v, n, err := protocol.ReadString(b)
			m.Addr = v
			return n, err
		case mFieldStatus:
			v, n, err := protocol.ReadVarint(b)
			m.Status = MemberStatus(v)
			return n, err
		case mFieldInc:
			v, n, err := protocol.ReadVarint(b)
			m.Incarnation = v
			return n, err
		case mFieldLastSeen:
			v, n, err := protocol.ReadInt64(b)
			m.LastSeen = time.UnixMilli(v)
			return n, err
		case mFieldDatabase:
			raw, n, err := protocol.ReadBytes(b)
			if err != nil {
				return 0, err
			}
			var (
				name   string
				status protocol.DatabaseStatus
			)
			err = protocol.DecodeFields(raw, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
				switch num {
				case dbFieldName:
					v, n, err := protocol.ReadString(b)
					name = v
					return n, err
				case dbFieldStatus:
					v, n, err := protocol.ReadVarint(b)
					status = protocol.DatabaseStatus(v)
					return n, err
				}
				return 0, nil
			})
			if err != nil {
				return 0, err
			}
			m.Databases[name] = status
			return n, nil
		}
		return 0, nil
	})
	if err != nil {
		return nil, err
	}
	if m.ID == "" {
		return nil, fmt.Errorf("member without id")
	}
	return m, nil
}
