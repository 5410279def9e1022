package it

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"pkt.systems/pslog"

	"quorumdb/internal/config"
	"quorumdb/internal/docstore"
	"quorumdb/internal/node"
	"quorumdb/internal/protocol"
)

// Cluster represents a test cluster of in-process nodes.
type Cluster struct {
	nodes    []*Node
	storeURL func(nodeID string) string
	flags    []string
	mu       sync.Mutex
}

// Node represents a single node in the test cluster.
type Node struct {
	ID   string
	Addr string

	cfg    config.Config
	docs   docstore.Store
	node   *node.Node
	cancel context.CancelFunc
	done   chan error
}

// NewCluster creates a new test cluster harness. storeURL names the document
// store of each node; extra flags are passed to every node.
func NewCluster(storeURL func(nodeID string) string, flags ...string) *Cluster {
	return &Cluster{
		nodes:    make([]*Node, 0),
		storeURL: storeURL,
		flags:    flags,
	}
}

// reserveAddr picks a free loopback port.
func reserveAddr() (string, error) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", err
	}
	addr := lis.Addr().String()
	return addr, lis.Close()
}

// StartCluster starts one node per id, each listing all the others as peers.
func (c *Cluster) StartCluster(ctx context.Context, db string, ids ...string) error {
	addrs := make(map[string]string, len(ids))
	for _, id := range ids {
		addr, err := reserveAddr()
		if err != nil {
			return err
		}
		addrs[id] = addr
	}
	peers := make([]string, 0, len(ids))
	for _, id := range ids {
		peers = append(peers, fmt.Sprintf("%s=%s", id, addrs[id]))
	}
	sort.Strings(peers)

	for _, id := range ids {
		args := append([]string{
			"--node-id", id,
			"--listen", addrs[id],
			"--peers", strings.Join(peers, ","),
			"--databases", db,
			"--store", c.storeURL(id),
		}, c.flags...)
		cfg, err := loadConfig(args)
		if err != nil {
			return err
		}
		n := &Node{ID: id, Addr: addrs[id], cfg: cfg}
		if err := n.start(ctx); err != nil {
			c.Stop()
			return fmt.Errorf("failed to start node %s: %w", id, err)
		}
		c.mu.Lock()
		c.nodes = append(c.nodes, n)
		c.mu.Unlock()
	}
	return c.WaitOnline(ctx, db, 10*time.Second)
}

func loadConfig(args []string) (config.Config, error) {
	fs := pflag.NewFlagSet("it", pflag.ContinueOnError)
	config.RegisterFlags(fs)
	if err := fs.Parse(args); err != nil {
		return config.Config{}, err
	}
	v := viper.New()
	if err := v.BindPFlags(fs); err != nil {
		return config.Config{}, err
	}
	cfg, err := config.Load(v)
	if err != nil {
		return config.Config{}, err
	}
	return cfg, cfg.Validate()
}

func (n *Node) start(ctx context.Context) error {
	docs, err := docstore.Open(n.cfg.Store)
	if err != nil {
		return err
	}
	qn, err := node.NewNode(node.ConfigFrom(n.cfg, docs, pslog.NoopLogger()))
	if err != nil {
		docs.Close()
		return err
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan error, 1)
	go func() { done <- qn.Start(runCtx) }()

	n.docs = docs
	n.node = qn
	n.cancel = cancel
	n.done = done
	return nil
}

// Stop stops a single node and waits for it to shut down.
func (n *Node) Stop() error {
	if n.cancel == nil {
		return nil
	}
	n.cancel()
	n.cancel = nil
	defer n.docs.Close()
	select {
	case err := <-n.done:
		return err
	case <-time.After(10 * time.Second):
		return fmt.Errorf("node %s did not stop", n.ID)
	}
}

// Running reports whether the node is serving.
func (n *Node) Running() bool { return n.cancel != nil }

// Node returns the running node.
func (n *Node) Node() *node.Node { return n.node }

// Stop stops all nodes in the cluster.
func (c *Cluster) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, n := range c.nodes {
		_ = n.Stop()
	}
	c.nodes = nil
}

// GetNode returns a node by ID.
func (c *Cluster) GetNode(nodeID string) *Node {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.findLocked(nodeID)
}

func (c *Cluster) findLocked(nodeID string) *Node {
	for _, n := range c.nodes {
		if n.ID == nodeID {
			return n
		}
	}
	return nil
}

// KillNode stops a specific node, keeping its document store.
func (c *Cluster) KillNode(nodeID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := c.findLocked(nodeID)
	if n == nil {
		return fmt.Errorf("node %s not found", nodeID)
	}
	return n.Stop()
}

// RestartNode starts a stopped node again on the same address and store.
func (c *Cluster) RestartNode(ctx context.Context, nodeID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := c.findLocked(nodeID)
	if n == nil {
		return fmt.Errorf("node %s not found", nodeID)
	}
	if n.Running() {
		if err := n.Stop(); err != nil {
			return err
		}
	}
	return n.start(ctx)
}

// WaitOnline waits until every running node sees db online on every running
// node.
func (c *Cluster) WaitOnline(ctx context.Context, db string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(25 * time.Millisecond)
	defer ticker.Stop()

	for {
		if c.online(db) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if time.Now().After(deadline) {
				return fmt.Errorf("timeout waiting for %s to be online everywhere", db)
			}
		}
	}
}

func (c *Cluster) online(db string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, n := range c.nodes {
		if !n.Running() {
			continue
		}
		for _, peer := range c.nodes {
			if peer.Running() && n.node.Membership().DatabaseStatus(peer.ID, db) != protocol.StatusOnline {
				return false
			}
		}
	}
	return true
}
