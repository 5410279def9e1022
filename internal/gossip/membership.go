package gossip

import (
	"context"
	"math/rand"
	"sort"
	"sync"
	"time"

	"pkt.systems/pslog"

	"quorumdb/internal/protocol"
)

// MemberStatus represents the state of a cluster member.
type MemberStatus int

const (
	Alive MemberStatus = iota
	Suspect
	Dead
)

// String returns the string representation of MemberStatus.
func (s MemberStatus) String() string {
	switch s {
	case Alive:
		return "ALIVE"
	case Suspect:
		return "SUSPECT"
	case Dead:
		return "DEAD"
	default:
		return "UNKNOWN"
	}
}

// Member represents a cluster member.
type Member struct {
	ID          string
	Addr        string
	Status      MemberStatus
	Incarnation uint64
	LastSeen    time.Time
	Databases   map[string]protocol.DatabaseStatus
}

func (m *Member) clone() *Member {
	c := *m
	if m.Databases != nil {
		c.Databases = make(map[string]protocol.DatabaseStatus, len(m.Databases))
		for k, v := range m.Databases {
			c.Databases[k] = v
		}
	}
	return &c
}

// Config tunes the membership timers.
type Config struct {
	ProbeInterval  time.Duration
	SuspectTimeout time.Duration
	DeadTimeout    time.Duration
	Logger         pslog.Logger
}

// Membership manages cluster membership with gossip-based failure detection.
type Membership struct {
	mu          sync.RWMutex
	localID     string
	localAddr   string
	members     map[string]*Member
	incarnation map[string]uint64
	lastChange  time.Time

	probeInterval  time.Duration
	suspectTimeout time.Duration
	deadTimeout    time.Duration
	logger         pslog.Logger

	onMembershipChanged func([]*Member)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewMembership creates a new membership manager.
func NewMembership(localID, localAddr string, cfg Config) *Membership {
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = 1 * time.Second
	}
	if cfg.SuspectTimeout <= 0 {
		cfg.SuspectTimeout = 3 * time.Second
	}
	if cfg.DeadTimeout <= 0 {
		cfg.DeadTimeout = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = pslog.NoopLogger()
	}

	ctx, cancel := context.WithCancel(context.Background())
	now := time.Now()
	m := &Membership{
		localID:        localID,
		localAddr:      localAddr,
		members:        make(map[string]*Member),
		incarnation:    make(map[string]uint64),
		lastChange:     now,
		probeInterval:  cfg.ProbeInterval,
		suspectTimeout: cfg.SuspectTimeout,
		deadTimeout:    cfg.DeadTimeout,
		logger:         cfg.Logger.With("svc", "gossip", "node", localID),
		ctx:            ctx,
		cancel:         cancel,
	}
	m.members[localID] = &Member{
		ID:          localID,
		Addr:        localAddr,
		Status:      Alive,
		Incarnation: 1,
		LastSeen:    now,
		Databases:   map[string]protocol.DatabaseStatus{},
	}
	m.incarnation[localID] = 1
	return m
}

// LocalID returns the id of this node.
func (m *Membership) LocalID() string { return m.localID }

// SetOnMembershipChanged sets a callback invoked with the members whenever
// the cluster shape changes.
func (m *Membership) SetOnMembershipChanged(callback func([]*Member)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onMembershipChanged = callback
}

// Start starts the probe, gossip and timeout loops.
func (m *Membership) Start(probeFn func(ctx context.Context, addr string) error, gossipFn func(ctx context.Context, addr string, members []*Member) error) {
	m.wg.Add(3)

	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.probeInterval)
		defer ticker.Stop()
		for {
			select {
			case <-m.ctx.Done():
				return
			case <-ticker.C:
				m.probe(probeFn)
			}
		}
	}()

	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.probeInterval * 2)
		defer ticker.Stop()
		for {
			select {
			case <-m.ctx.Done():
				return
			case <-ticker.C:
				m.gossip(gossipFn)
			}
		}
	}()

	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.probeInterval / 2)
		defer ticker.Stop()
		for {
			select {
			case <-m.ctx.Done():
				return
			case <-ticker.C:
				m.checkTimeouts()
			}
		}
	}()
}

// Stop stops the membership protocol.
func (m *Membership) Stop() {
	m.cancel()
	m.wg.Wait()
}

// probe performs a failure detection probe to a random peer.
func (m *Membership) probe(probeFn func(ctx context.Context, addr string) error) {
	m.mu.RLock()
	candidates := make([]*Member, 0, len(m.members))
	for _, member := range m.members {
		if member.ID != m.localID && member.Status != Dead {
			candidates = append(candidates, member.clone())
		}
	}
	m.mu.RUnlock()

	if len(candidates) == 0 {
		return
	}
	target := candidates[rand.Intn(len(candidates))]

	ctx, cancel := context.WithTimeout(m.ctx, m.probeInterval)
	defer cancel()
	err := probeFn(ctx, target.Addr)

	m.mu.Lock()
	defer m.mu.Unlock()
	member, exists := m.members[target.ID]
	if !exists {
		return
	}
	if err == nil {
		wasAlive := member.Status == Alive
		member.Status = Alive
		member.LastSeen = time.Now()
		if !wasAlive {
			m.logger.Info("gossip.member.alive", "member", target.ID)
			m.changedLocked()
		}
		return
	}
	if member.Status == Alive {
		m.incarnation[target.ID]++
		member.Status = Suspect
		member.Incarnation = m.incarnation[target.ID]
		member.LastSeen = time.Now()
		m.logger.Warn("gossip.member.suspect", "member", target.ID, "error", err)
		m.changedLocked()
	}
}

// gossip propagates membership information to a random peer.
func (m *Membership) gossip(gossipFn func(ctx context.Context, addr string, members []*Member) error) {
	snapshot := m.Snapshot()
	peers := make([]*Member, 0, len(snapshot))
	for _, member := range snapshot {
		if member.ID != m.localID && member.Status != Dead {
			peers = append(peers, member)
		}
	}
	if len(peers) == 0 {
		return
	}
	target := peers[rand.Intn(len(peers))]

	ctx, cancel := context.WithTimeout(m.ctx, m.probeInterval)
	defer cancel()
	if err := gossipFn(ctx, target.Addr, snapshot); err != nil {
		m.logger.Debug("gossip.push.failed", "member", target.ID, "error", err)
	}
}

// checkTimeouts moves suspects past the suspect timeout to dead.
func (m *Membership) checkTimeouts() {
	now := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	changed := false
	for id, member := range m.members {
		if id == m.localID {
			continue
		}
		if member.Status == Suspect && now.Sub(member.LastSeen) > m.suspectTimeout {
			m.incarnation[id]++
			member.Status = Dead
			member.Incarnation = m.incarnation[id]
			m.logger.Warn("gossip.member.dead", "member", id, "reason", "suspect timeout")
			changed = true
		}
	}
	if changed {
		m.changedLocked()
	}
}

// ApplyGossip merges received membership information.
func (m *Membership) ApplyGossip(remoteMembers []*Member) {
	m.mu.Lock()
	defer m.mu.Unlock()

	changed := false
	for _, remote := range remoteMembers {
		if remote.ID == m.localID {
			if m.refuteLocked(remote) {
				changed = true
			}
			continue
		}
		local, exists := m.members[remote.ID]
		if !exists {
			fresh := remote.clone()
			fresh.LastSeen = time.Now()
			m.members[remote.ID] = fresh
			m.incarnation[remote.ID] = remote.Incarnation
			changed = true
			m.logger.Info("gossip.member.discovered", "member", remote.ID, "status", remote.Status.String())
			continue
		}
		switch {
		case remote.Incarnation > local.Incarnation:
			statusChanged := local.Status != remote.Status
			local.Status = remote.Status
			local.Incarnation = remote.Incarnation
			local.Databases = remote.clone().Databases
			local.LastSeen = time.Now()
			m.incarnation[remote.ID] = remote.Incarnation
			if statusChanged {
				changed = true
				m.logger.Info("gossip.member.updated", "member", remote.ID, "incarnation", remote.Incarnation, "status", remote.Status.String())
			}
		case remote.Incarnation == local.Incarnation:
			if shouldUpdateStatus(local.Status, remote.Status) {
				local.Status = remote.Status
				local.LastSeen = time.Now()
				changed = true
			}
		}
	}
	if changed {
		m.changedLocked()
	}
}

// refuteLocked outbids a peer view of this node that is newer than ours or
// no longer alive, e.g. after a restart. Must be called with the write lock
// held.
func (m *Membership) refuteLocked(remote *Member) bool {
	self := m.members[m.localID]
	if remote.Incarnation < self.Incarnation || (remote.Incarnation == self.Incarnation && remote.Status == Alive) {
		return false
	}
	m.incarnation[m.localID] = remote.Incarnation + 1
	self.Incarnation = m.incarnation[m.localID]
	m.logger.Info("gossip.member.refuted", "status", remote.Status.String(), "incarnation", self.Incarnation)
	return true
}

// shouldUpdateStatus returns true if remote status should replace local status
// when incarnations are equal. Prefers: Alive > Suspect > Dead
func shouldUpdateStatus(local, remote MemberStatus) bool {
	if remote == Alive && local != Alive {
		return true
	}
	if remote == Suspect && local == Dead {
		return true
	}
	return false
}

// MarkAlive marks a member as alive (called on successful ping).
func (m *Membership) MarkAlive(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	member, exists := m.members[id]
	if !exists {
		return
	}
	member.LastSeen = time.Now()
	if member.Status != Alive {
		member.Status = Alive
		m.logger.Info("gossip.member.alive", "member", id)
		m.changedLocked()
	}
}

// MarkDead evicts a member immediately, e.g. after its channel crossed the
// consecutive error ceiling.
func (m *Membership) MarkDead(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	member, exists := m.members[id]
	if !exists || id == m.localID || member.Status == Dead {
		return
	}
	m.incarnation[id]++
	member.Status = Dead
	member.Incarnation = m.incarnation[id]
	member.LastSeen = time.Now()
	m.logger.Warn("gossip.member.dead", "member", id, "reason", "evicted")
	m.changedLocked()
}

// SetDatabaseStatus records the status of db on this node. The change is
// spread by gossip.
func (m *Membership) SetDatabaseStatus(db string, status protocol.DatabaseStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	self := m.members[m.localID]
	if cur, ok := self.Databases[db]; ok && cur == status {
		return
	}
	self.Databases[db] = status
	m.incarnation[m.localID]++
	self.Incarnation = m.incarnation[m.localID]
	m.logger.Info("gossip.database.status", "db", db, "status", status.String())
}

// IsNodeAvailable reports whether node is alive.
func (m *Membership) IsNodeAvailable(node string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	member, ok := m.members[node]
	return ok && member.Status == Alive
}

// DatabaseStatus returns the status of db on node. Unreachable nodes and
// unknown databases are offline.
func (m *Membership) DatabaseStatus(node, db string) protocol.DatabaseStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	member, ok := m.members[node]
	if !ok || member.Status != Alive {
		return protocol.StatusOffline
	}
	status, ok := member.Databases[db]
	if !ok {
		return protocol.StatusOffline
	}
	return status
}

// LastClusterChange returns when the set of alive members last changed.
func (m *Membership) LastClusterChange() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastChange
}

// Snapshot returns a snapshot of all members sorted by id.
func (m *Membership) Snapshot() []*Member {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshotLocked()
}

func (m *Membership) snapshotLocked() []*Member {
	snapshot := make([]*Member, 0, len(m.members))
	for _, member := range m.members {
		snapshot = append(snapshot, member.clone())
	}
	sort.Slice(snapshot, func(i, j int) bool { return snapshot[i].ID < snapshot[j].ID })
	return snapshot
}

// AliveNodes returns the ids of alive members, sorted.
func (m *Membership) AliveNodes() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	nodes := make([]string, 0, len(m.members))
	for _, member := range m.members {
		if member.Status == Alive {
			nodes = append(nodes, member.ID)
		}
	}
	sort.Strings(nodes)
	return nodes
}

// Addr returns the address of a member.
func (m *Membership) Addr(id string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	member, ok := m.members[id]
	if !ok {
		return "", false
	}
	return member.Addr, true
}

// AddSeedMembers adds seed members for initial discovery.
func (m *Membership) AddSeedMembers(seeds map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, addr := range seeds {
		if id == m.localID {
			continue
		}
		if _, exists := m.members[id]; !exists {
			m.members[id] = &Member{
				ID:          id,
				Addr:        addr,
				Status:      Alive,
				Incarnation: 1,
				LastSeen:    time.Now(),
				Databases:   map[string]protocol.DatabaseStatus{},
			}
			m.incarnation[id] = 1
		}
	}
	m.changedLocked()
}

// changedLocked records a cluster shape change and notifies the callback
// asynchronously. Must be called with the write lock held.
func (m *Membership) changedLocked() {
	m.lastChange = time.Now()
	if m.onMembershipChanged != nil {
		go m.onMembershipChanged(m.snapshotLocked())
	}
}
