package channel

import (
	"context"
	"fmt"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// Client calls the cluster service of one peer.
type Client struct {
	addr  string
	local string
	conn  *grpc.ClientConn
}

// OpenSession asks the peer for a delivery session on the named channel.
// The peer drops the previous session this node held on that channel.
func (c *Client) OpenSession(ctx context.Context, channel string) (Session, error) {
	ctx = metadata.AppendToOutgoingContext(ctx, mdChannel, channel)
	out := new(wrapperspb.BytesValue)
	if err := c.conn.Invoke(ctx, methodOpenSession, wrapperspb.String(c.local), out); err != nil {
		return Session{}, err
	}
	return unmarshalSession(out.GetValue())
}

// Deliver sends one encoded envelope under sess.
func (c *Client) Deliver(ctx context.Context, sess Session, body []byte) error {
	ctx = metadata.AppendToOutgoingContext(ctx,
		mdNode, c.local,
		mdSession, sess.ID,
		mdToken, sess.Token,
	)
	return c.conn.Invoke(ctx, methodDeliver, wrapperspb.Bytes(body), new(emptypb.Empty))
}

// Ping returns the peer's encoded membership view.
func (c *Client) Ping(ctx context.Context) ([]byte, error) {
	out := new(wrapperspb.BytesValue)
	if err := c.conn.Invoke(ctx, methodPing, wrapperspb.String(c.local), out); err != nil {
		return nil, err
	}
	return out.GetValue(), nil
}

// Gossip pushes our encoded membership view and returns the peer's.
func (c *Client) Gossip(ctx context.Context, body []byte) ([]byte, error) {
	ctx = metadata.AppendToOutgoingContext(ctx, mdNode, c.local)
	out := new(wrapperspb.BytesValue)
	if err := c.conn.Invoke(ctx, methodGossip, wrapperspb.Bytes(body), out); err != nil {
		return nil, err
	}
	return out.GetValue(), nil
}

// ClientManager caches one connection per peer address.
type ClientManager struct {
	local    string
	dialOpts []grpc.DialOption

	mu      sync.RWMutex
	clients map[string]*Client
}

// NewClientManager creates a client manager for the local node. Extra dial
// options are appended to the insecure transport credentials.
func NewClientManager(local string, opts ...grpc.DialOption) *ClientManager {
	dialOpts := append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	return &ClientManager{
		local:    local,
		dialOpts: dialOpts,
		clients:  make(map[string]*Client),
	}
}

// Get returns the client for addr, creating the connection if needed.
func (cm *ClientManager) Get(addr string) (*Client, error) {
	cm.mu.RLock()
	client, exists := cm.clients[addr]
	cm.mu.RUnlock()
	if exists {
		return client, nil
	}

	cm.mu.Lock()
	defer cm.mu.Unlock()
	if client, exists := cm.clients[addr]; exists {
		return client, nil
	}
	conn, err := grpc.NewClient(addr, cm.dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	client = &Client{addr: addr, local: cm.local, conn: conn}
	cm.clients[addr] = client
	return client, nil
}

// Drop closes the connection to addr. The next Get reconnects.
func (cm *ClientManager) Drop(addr string) {
	cm.mu.Lock()
	client, exists := cm.clients[addr]
	delete(cm.clients, addr)
	cm.mu.Unlock()
	if exists {
		_ = client.conn.Close()
	}
}

// Close closes every connection.
func (cm *ClientManager) Close() {
	cm.mu.Lock()
	clients := cm.clients
	cm.clients = make(map[string]*Client)
	cm.mu.Unlock()
	for _, c := range clients {
		_ = c.conn.Close()
	}
}
