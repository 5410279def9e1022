package channel

import (
	"context"
	"fmt"
	"sync"

	"pkt.systems/pslog"

	"quorumdb/internal/protocol"
)

// SendFailure reports an envelope that could not be delivered.
type SendFailure struct {
	Peer     string
	Envelope protocol.Envelope
	Err      error
}

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	LocalNode string
	// Resolve maps a node name to its address.
	Resolve func(node string) (string, bool)
	Clients *ClientManager
	Options Options
	// OnFailure is called, off the caller's goroutine, for every envelope
	// that was not delivered.
	OnFailure func(SendFailure)
}

type peerChannels struct {
	request  *Channel
	response *Channel
}

// Manager owns the request and response channels of every peer. It
// implements the coordinator's transport.
type Manager struct {
	local     string
	resolve   func(string) (string, bool)
	clients   *ClientManager
	opts      Options
	onFailure func(SendFailure)
	onEvict   func(string, error)
	logger    pslog.Logger

	mu     sync.Mutex
	peers  map[string]*peerChannels
	closed bool
}

// NewManager creates a channel manager.
func NewManager(cfg ManagerConfig) *Manager {
	opts := cfg.Options.withDefaults()
	if cfg.Clients == nil {
		cfg.Clients = NewClientManager(cfg.LocalNode)
	}
	m := &Manager{
		local:     cfg.LocalNode,
		resolve:   cfg.Resolve,
		clients:   cfg.Clients,
		onFailure: cfg.OnFailure,
		onEvict:   opts.OnEvict,
		logger:    opts.Logger.With("svc", "channel"),
		peers:     map[string]*peerChannels{},
	}
	// Eviction fires on a channel worker; hand it off so the callback may
	// reset the channel.
	opts.OnEvict = func(peer string, err error) {
		go m.evicted(peer, err)
	}
	m.opts = opts
	return m
}

// Clients returns the shared client manager.
func (m *Manager) Clients() *ClientManager { return m.clients }

// SendRequest queues req for node.
func (m *Manager) SendRequest(ctx context.Context, node string, req *protocol.Request) error {
	return m.send(node, DirRequest, protocol.Envelope{Request: req})
}

// SendResponse queues resp for node.
func (m *Manager) SendResponse(ctx context.Context, node string, resp *protocol.Response) error {
	return m.send(node, DirResponse, protocol.Envelope{Response: resp})
}

func (m *Manager) send(node string, dir Direction, env protocol.Envelope) error {
	body, err := protocol.EncodeEnvelope(env)
	if err != nil {
		return err
	}
	ch, err := m.channel(node, dir)
	if err != nil {
		return err
	}
	done, err := ch.Enqueue(body)
	if err != nil {
		return fmt.Errorf("send %s to %s: %w", dir, node, err)
	}
	if m.onFailure != nil {
		go func() {
			if err := <-done; err != nil {
				m.onFailure(SendFailure{Peer: node, Envelope: env, Err: err})
			}
		}()
	}
	return nil
}

func (m *Manager) channel(node string, dir Direction) (*Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	pc, ok := m.peers[node]
	if !ok {
		pc = &peerChannels{
			request:  NewChannel(node, DirRequest, m.resolve, m.clients, m.opts),
			response: NewChannel(node, DirResponse, m.resolve, m.clients, m.opts),
		}
		m.peers[node] = pc
	}
	if dir == DirResponse {
		return pc.response, nil
	}
	return pc.request, nil
}

func (m *Manager) evicted(peer string, err error) {
	m.logger.Warn("channel.peer.evicted", "peer", peer, "error", err)
	if m.onEvict != nil {
		m.onEvict(peer, err)
	}
}

// Reset closes the channels of peer. New sends open fresh channels, which
// is how a peer that rejoins after an eviction becomes reachable again.
func (m *Manager) Reset(peer string) {
	m.mu.Lock()
	pc, ok := m.peers[peer]
	delete(m.peers, peer)
	m.mu.Unlock()
	if !ok {
		return
	}
	pc.request.Close()
	pc.response.Close()
	if addr, ok := m.resolve(peer); ok {
		m.clients.Drop(addr)
	}
}

// Peers returns the peers with open channels.
func (m *Manager) Peers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.peers))
	for p := range m.peers {
		out = append(out, p)
	}
	return out
}

// Close stops every channel and connection.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	peers := m.peers
	m.peers = map[string]*peerChannels{}
	m.mu.Unlock()
	for _, pc := range peers {
		pc.request.Close()
		pc.response.Close()
	}
	m.clients.Close()
}
