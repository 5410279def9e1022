package channel

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/xid"
	"google.golang.org/protobuf/encoding/protowire"

	"quorumdb/internal/protocol"
)

// Session authorises deliveries from one peer.
type Session struct {
	ID    string
	Token string
}

const (
	sessFieldID    protowire.Number = 1
	sessFieldToken protowire.Number = 2
)

func (s Session) marshal() []byte {
	var b []byte
	b = protocol.AppendString(b, sessFieldID, s.ID)
	return protocol.AppendString(b, sessFieldToken, s.Token)
}

func unmarshalSession(b []byte) (Session, error) {
	var s Session
	err := protocol.DecodeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case sessFieldID:
			v, n, err := protocol.ReadString(b)
			s.ID = v
			return n, err
		case sessFieldToken:
			v, n, err := protocol.ReadString(b)
			s.Token = v
			return n, err
		}
		return 0, nil
	})
	if err != nil {
		return Session{}, fmt.Errorf("decode session: %w", err)
	}
	if s.ID == "" || s.Token == "" {
		return Session{}, fmt.Errorf("decode session: incomplete session")
	}
	return s, nil
}

type sessionEntry struct {
	token  string
	slot   sessionSlot
	opened time.Time
}

type sessionSlot struct {
	node    string
	channel string
}

// sessionTable holds the sessions a server handed out. A peer holds at most
// one session per channel; opening a new one replaces the previous.
type sessionTable struct {
	mu       sync.Mutex
	sessions map[string]sessionEntry
	bySlot   map[sessionSlot]string
}

func newSessionTable() *sessionTable {
	return &sessionTable{sessions: map[string]sessionEntry{}, bySlot: map[sessionSlot]string{}}
}

// open hands out a session for node on channel and reports whether an
// earlier one was replaced.
func (t *sessionTable) open(node, channel string, now time.Time) (Session, bool) {
	s := Session{ID: xid.New().String(), Token: uuid.NewString()}
	slot := sessionSlot{node: node, channel: channel}
	t.mu.Lock()
	defer t.mu.Unlock()
	prev, replaced := t.bySlot[slot]
	if replaced {
		delete(t.sessions, prev)
	}
	t.sessions[s.ID] = sessionEntry{token: s.Token, slot: slot, opened: now}
	t.bySlot[slot] = s.ID
	return s, replaced
}

// check returns the node owning the session when id and token match.
func (t *sessionTable) check(id, token string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.sessions[id]
	if !ok || e.token != token {
		return "", false
	}
	return e.slot.node, true
}

// dropNode forgets every session of node.
func (t *sessionTable) dropNode(node string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for id, e := range t.sessions {
		if e.slot.node == node {
			delete(t.sessions, id)
			delete(t.bySlot, e.slot)
			n++
		}
	}
	return n
}

func (t *sessionTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}
