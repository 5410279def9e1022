package node

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"net"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/reflection"
	"pkt.systems/pslog"

	"quorumdb/internal/channel"
	"quorumdb/internal/clock"
	"quorumdb/internal/coordinator"
	"quorumdb/internal/distconfig"
	"quorumdb/internal/docstore"
	"quorumdb/internal/gossip"
	"quorumdb/internal/momentum"
	"quorumdb/internal/protocol"
	"quorumdb/internal/quorum"
	"quorumdb/internal/repair"
	"quorumdb/internal/storage"
	"quorumdb/internal/txn"
)

// Defaults used when the matching Config field is zero.
const (
	DefaultMomentumInterval = 5 * time.Second
	DefaultTxRetries        = 3
	DefaultTxRetryDelay     = 50 * time.Millisecond
)

var (
	// ErrUnknownDatabase is returned for databases the node does not serve.
	ErrUnknownDatabase = errors.New("node: unknown database")
	// ErrNotServing is returned by operations issued before Serve.
	ErrNotServing = errors.New("node: not serving")
	// ErrNodeNumberCollision is returned when two known nodes map to the
	// same node number and their request ids would be indistinguishable.
	ErrNodeNumberCollision = errors.New("node: node number collision")
)

// Config holds everything a node needs to join the cluster.
type Config struct {
	NodeID     string
	ListenAddr string
	// Seeds maps peer ids to their addresses.
	Seeds     map[string]string
	Databases []string
	// Template is the distributed configuration given to a database that
	// has none stored yet. An empty template lists every known node.
	Template distconfig.Document
	// ConfigFile, when set, holds the distributed configuration of every
	// database and is reloaded when it changes.
	ConfigFile string
	Documents  docstore.Store

	SynchTimeout     time.Duration
	LockTimeout      time.Duration
	TxTimeout        time.Duration
	TxPositions      int
	TxHistory        int
	TxRetries        int
	TxRetryDelay     time.Duration
	MomentumInterval time.Duration

	Gossip      gossip.Config
	Channel     channel.Options
	DialOptions []grpc.DialOption
	Clock       clock.Clock
	Logger      pslog.Logger
}

// Node represents a single node in the distributed system.
type Node struct {
	cfg    Config
	number int32
	logger pslog.Logger

	store       *storage.InMemoryStore
	participant *txn.Participant
	membership  *gossip.Membership
	channels    *channel.Manager
	server      *channel.Server
	coord       *coordinator.Coordinator
	repairer    *repair.Repairer
	trackers    map[string]*momentum.Tracker

	mu         sync.RWMutex
	configs    map[string]*distconfig.Modifiable
	shared     *distconfig.Modifiable
	peers      map[string]gossip.MemberStatus
	grpcServer *grpc.Server
	cancel     context.CancelFunc
}

// NodeNumber maps a node name to the number carried in its request ids.
// Every node derives the same number for the same name.
func NodeNumber(name string) int32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(name))
	return int32(h.Sum32() & 0x7fffffff)
}

// checkNodeNumbers fails when two of the named nodes share a node number.
func checkNodeNumbers(self string, seeds map[string]string) error {
	ids := []string{self}
	for id := range seeds {
		if id != self {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids[1:])
	owner := make(map[int32]string, len(ids))
	for _, id := range ids {
		num := NodeNumber(id)
		if other, ok := owner[num]; ok {
			return fmt.Errorf("%w: %q and %q both map to %d", ErrNodeNumberCollision, other, id, num)
		}
		owner[num] = id
	}
	return nil
}

// NewNode creates a node. It does not touch the network until Serve.
func NewNode(cfg Config) (*Node, error) {
	if cfg.NodeID == "" {
		return nil, errors.New("node: node id required")
	}
	if err := checkNodeNumbers(cfg.NodeID, cfg.Seeds); err != nil {
		return nil, err
	}
	if cfg.Documents == nil {
		return nil, errors.New("node: document store required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	if cfg.Logger == nil {
		cfg.Logger = pslog.NoopLogger()
	}
	if cfg.TxRetries <= 0 {
		cfg.TxRetries = DefaultTxRetries
	}
	if cfg.TxRetryDelay <= 0 {
		cfg.TxRetryDelay = DefaultTxRetryDelay
	}
	if cfg.MomentumInterval <= 0 {
		cfg.MomentumInterval = DefaultMomentumInterval
	}
	logger := cfg.Logger.With("node", cfg.NodeID)

	n := &Node{
		cfg:      cfg,
		number:   NodeNumber(cfg.NodeID),
		logger:   logger,
		store:    storage.NewInMemoryStore(cfg.NodeID),
		trackers: map[string]*momentum.Tracker{},
		configs:  map[string]*distconfig.Modifiable{},
		peers:    map[string]gossip.MemberStatus{},
	}

	gcfg := cfg.Gossip
	gcfg.Logger = cfg.Logger
	n.membership = gossip.NewMembership(cfg.NodeID, cfg.ListenAddr, gcfg)

	opts := cfg.Channel
	opts.Reachable = n.membership.IsNodeAvailable
	opts.OnEvict = n.peerEvicted
	opts.Clock = cfg.Clock
	opts.Logger = logger
	opts.Metrics = channel.NewMetrics(logger)
	n.channels = channel.NewManager(channel.ManagerConfig{
		LocalNode: cfg.NodeID,
		Resolve:   n.membership.Addr,
		Clients:   channel.NewClientManager(cfg.NodeID, cfg.DialOptions...),
		Options:   opts,
		OnFailure: n.deliveryFailed,
	})

	locks := txn.NewLockManager(cfg.LockTimeout, cfg.Clock)
	registry, err := txn.NewRegistry(txn.RegistryConfig{
		Timeout:  cfg.TxTimeout,
		Clock:    cfg.Clock,
		Logger:   logger,
		Executor: n.store,
	})
	if err != nil {
		return nil, err
	}
	n.participant, err = txn.NewParticipant(txn.ParticipantConfig{
		Executor:  n.store,
		Sequencer: txn.NewSequencer(cfg.NodeID, cfg.TxPositions, cfg.TxHistory),
		Locks:     locks,
		Registry:  registry,
		Clock:     cfg.Clock,
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}

	n.repairer = repair.NewRepairer(repair.Config{
		LocalNode: cfg.NodeID,
		NextID:    func() protocol.RequestID { return n.coord.NextRequestID() },
		Sender:    n.channels,
		Executor:  n.participant,
		Logger:    logger,
	})

	coord, err := coordinator.New(coordinator.Config{
		LocalNode:    cfg.NodeID,
		LocalNodeID:  n.number,
		Configs:      coordinator.ConfigFunc(n.configuration),
		Executor:     n.participant,
		Transport:    n.channels,
		Detector:     n.membership,
		SynchTimeout: cfg.SynchTimeout,
		Fixer:        n.repairer,
		Undoer:       n.repairer,
		Clock:        cfg.Clock,
		Logger:       logger,
		Metrics:      quorum.NewMetrics(logger),
	})
	if err != nil {
		return nil, err
	}
	n.coord = coord

	n.server = channel.NewServer(channel.ServerConfig{
		Handler:    n,
		Membership: gossip.NewServer(n.membership),
		Clock:      cfg.Clock,
		Logger:     logger,
	})

	for _, db := range cfg.Databases {
		n.trackers[db] = momentum.NewTracker(db, cfg.Documents, cfg.Clock, logger)
	}
	return n, nil
}

// ID returns the node name.
func (n *Node) ID() string { return n.cfg.NodeID }

// Membership exposes the failure detector.
func (n *Node) Membership() *gossip.Membership { return n.membership }

// Store exposes the local record store.
func (n *Node) Store() *storage.InMemoryStore { return n.store }

// Momentum returns the tracker of db.
func (n *Node) Momentum(db string) (*momentum.Tracker, bool) {
	t, ok := n.trackers[db]
	return t, ok
}

// Start listens on the configured address and serves until ctx is done.
func (n *Node) Start(ctx context.Context) error {
	lis, err := net.Listen("tcp", n.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", n.cfg.ListenAddr, err)
	}
	return n.Serve(ctx, lis)
}

// Serve runs the node on lis until ctx is done or Stop is called.
func (n *Node) Serve(ctx context.Context, lis net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := n.loadConfigs(ctx); err != nil {
		_ = lis.Close()
		return err
	}
	for db, t := range n.trackers {
		if err := t.Load(ctx); err != nil {
			_ = lis.Close()
			return fmt.Errorf("node: load momentum of %s: %w", db, err)
		}
	}

	gs := grpc.NewServer()
	n.server.Register(gs)
	reflection.Register(gs)

	n.mu.Lock()
	n.grpcServer = gs
	n.cancel = cancel
	n.mu.Unlock()

	for _, db := range n.cfg.Databases {
		n.membership.SetDatabaseStatus(db, protocol.StatusOnline)
	}
	n.membership.SetOnMembershipChanged(n.onMembershipChanged)
	n.membership.AddSeedMembers(n.cfg.Seeds)
	n.membership.Start(n.probeFn, n.gossipFn)
	n.logger.Info("node.started", "addr", lis.Addr().String(), "databases", n.cfg.Databases)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := gs.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("failed to serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		n.participant.Registry().Run(gctx)
		return nil
	})
	for _, t := range n.trackers {
		t := t
		g.Go(func() error {
			t.Run(gctx, n.cfg.MomentumInterval)
			return nil
		})
	}
	if n.shared != nil {
		g.Go(func() error {
			return distconfig.Watch(gctx, n.cfg.ConfigFile, n.shared, n.logger)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		n.shutdown()
		return nil
	})
	return g.Wait()
}

// Stop ends Serve.
func (n *Node) Stop() {
	n.mu.RLock()
	cancel := n.cancel
	n.mu.RUnlock()
	if cancel != nil {
		cancel()
	}
}

func (n *Node) shutdown() {
	n.logger.Info("node.stopping")
	for _, db := range n.cfg.Databases {
		n.membership.SetDatabaseStatus(db, protocol.StatusOffline)
	}
	n.membership.Stop()
	n.mu.RLock()
	gs := n.grpcServer
	n.mu.RUnlock()
	if gs != nil {
		gs.GracefulStop()
	}
	n.channels.Close()
	n.repairer.Wait()
}

func (n *Node) serves(db string) bool {
	for _, d := range n.cfg.Databases {
		if d == db {
			return true
		}
	}
	return false
}

// loadConfigs prepares the distributed configuration of every database:
// the watched file when set, else the stored document, else the template.
func (n *Node) loadConfigs(ctx context.Context) error {
	if n.cfg.ConfigFile != "" {
		doc, err := distconfig.ReadFile(n.cfg.ConfigFile)
		if err != nil {
			return err
		}
		n.mu.Lock()
		n.shared = distconfig.NewModifiable(doc)
		n.mu.Unlock()
		return nil
	}
	for _, db := range n.cfg.Databases {
		doc, ok, err := distconfig.Load(ctx, n.cfg.Documents, db)
		if err != nil {
			return fmt.Errorf("node: load configuration of %s: %w", db, err)
		}
		if !ok {
			doc = n.template()
		}
		m := distconfig.NewModifiable(doc)
		if !ok {
			if err := distconfig.Save(ctx, n.cfg.Documents, db, m.ReadOnly()); err != nil {
				return fmt.Errorf("node: save configuration of %s: %w", db, err)
			}
		}
		n.mu.Lock()
		n.configs[db] = m
		n.mu.Unlock()
	}
	return nil
}

// template returns the configured template, or one listing this node and
// its seeds with a majority write quorum.
func (n *Node) template() distconfig.Document {
	if len(n.cfg.Template.Resources) > 0 {
		return n.cfg.Template.Clone()
	}
	servers := []string{n.cfg.NodeID}
	for id := range n.cfg.Seeds {
		if id != n.cfg.NodeID {
			servers = append(servers, id)
		}
	}
	sort.Strings(servers)
	return distconfig.Document{
		Version:     1,
		WriteQuorum: distconfig.Majority(),
		ReadQuorum:  distconfig.Fixed(1),
		Resources: map[string]*distconfig.Resource{
			distconfig.AllResources: {Servers: append(servers, distconfig.NewNodeTag)},
		},
	}
}

func (n *Node) modifiable(db string) (*distconfig.Modifiable, error) {
	if !n.serves(db) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDatabase, db)
	}
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.shared != nil {
		return n.shared, nil
	}
	m, ok := n.configs[db]
	if !ok {
		return nil, ErrNotServing
	}
	return m, nil
}

func (n *Node) configuration(db string) (*distconfig.Configuration, error) {
	m, err := n.modifiable(db)
	if err != nil {
		return nil, err
	}
	return m.ReadOnly(), nil
}

// Configuration returns the distributed configuration of db.
func (n *Node) Configuration(db string) (*distconfig.Configuration, error) {
	return n.configuration(db)
}

// onMembershipChanged is called when membership changes (callback from gossip).
func (n *Node) onMembershipChanged(members []*gossip.Member) {
	var joined, left []string
	n.mu.Lock()
	for _, m := range members {
		if m.ID == n.cfg.NodeID {
			continue
		}
		prev, known := n.peers[m.ID]
		n.peers[m.ID] = m.Status
		switch {
		case m.Status == gossip.Dead && (!known || prev != gossip.Dead):
			left = append(left, m.ID)
		case m.Status == gossip.Alive && (!known || prev == gossip.Dead):
			joined = append(joined, m.ID)
		}
	}
	n.mu.Unlock()

	for _, id := range joined {
		n.nodeJoined(id)
	}
	for _, id := range left {
		n.nodeLeft(id)
	}
}

func (n *Node) nodeJoined(id string) {
	n.logger.Info("node.peer.joined", "peer", id)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	n.mu.RLock()
	fileManaged := n.shared != nil
	n.mu.RUnlock()
	for _, db := range n.cfg.Databases {
		m, err := n.modifiable(db)
		if err != nil {
			continue
		}
		changed := m.AddNewNodeInServerList(id)
		if len(changed) == 0 || fileManaged {
			continue
		}
		n.logger.Info("node.config.server_added", "db", db, "peer", id, "resources", changed, "version", m.Version())
		if err := distconfig.Save(ctx, n.cfg.Documents, db, m.ReadOnly()); err != nil {
			n.logger.Warn("node.config.save_failed", "db", db, "error", err)
		}
	}
}

// nodeLeft releases everything that waits on a departed node.
func (n *Node) nodeLeft(id string) {
	n.logger.Warn("node.peer.left", "peer", id)
	n.coord.NodeUnreachable(id)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if rolled := n.participant.Registry().RollbackNode(ctx, NodeNumber(id)); rolled > 0 {
		n.logger.Info("node.tx.rolled_back", "peer", id, "count", rolled)
	}
	n.channels.Reset(id)
	n.server.DropNode(id)
}

func (n *Node) peerEvicted(peer string, err error) {
	n.logger.Warn("node.peer.evicted", "peer", peer, "error", err)
	n.coord.NodeUnreachable(peer)
	n.membership.MarkDead(peer)
}

func (n *Node) deliveryFailed(f channel.SendFailure) {
	if req := f.Envelope.Request; req != nil {
		n.coord.DeliveryFailed(f.Peer, req.ID)
		return
	}
	if resp := f.Envelope.Response; resp != nil {
		n.logger.Warn("node.response.undelivered", "peer", f.Peer, "req", resp.RequestID.String(), "error", f.Err)
	}
}

// probeFn performs a ping probe for failure detection.
func (n *Node) probeFn(ctx context.Context, addr string) error {
	client, err := n.channels.Clients().Get(addr)
	if err != nil {
		return err
	}
	body, err := client.Ping(ctx)
	if err != nil {
		return err
	}
	n.applyGossip(addr, body)
	return nil
}

// gossipFn sends gossip to propagate membership.
func (n *Node) gossipFn(ctx context.Context, addr string, members []*gossip.Member) error {
	client, err := n.channels.Clients().Get(addr)
	if err != nil {
		return err
	}
	body, err := client.Gossip(ctx, gossip.EncodeMembers(members))
	if err != nil {
		return err
	}
	n.applyGossip(addr, body)
	return nil
}

func (n *Node) applyGossip(addr string, body []byte) {
	members, err := gossip.DecodeMembers(body)
	if err != nil {
		n.logger.Debug("node.gossip.invalid", "addr", addr, "error", err)
		return
	}
	n.membership.ApplyGossip(members)
}
