package node

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quorumdb/internal/config"
	"quorumdb/internal/distconfig"
	"quorumdb/internal/docstore"
	"quorumdb/internal/gossip"
	"quorumdb/internal/momentum"
	"quorumdb/internal/protocol"
	"quorumdb/internal/quorum"
)

const testDB = "demo"

type testNode struct {
	*Node
	docs *docstore.Disk
	once sync.Once
	stop func()
}

func (n *testNode) shutdown() { n.once.Do(n.stop) }

func startCluster(t *testing.T, names ...string) map[string]*testNode {
	t.Helper()
	listeners := map[string]net.Listener{}
	addrs := map[string]string{}
	for _, name := range names {
		lis, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		listeners[name] = lis
		addrs[name] = lis.Addr().String()
	}

	nodes := map[string]*testNode{}
	for _, name := range names {
		docs, err := docstore.NewDisk(t.TempDir())
		require.NoError(t, err)
		n, err := NewNode(Config{
			NodeID:           name,
			ListenAddr:       addrs[name],
			Seeds:            addrs,
			Databases:        []string{testDB},
			Documents:        docs,
			SynchTimeout:     2 * time.Second,
			LockTimeout:      200 * time.Millisecond,
			TxRetryDelay:     20 * time.Millisecond,
			MomentumInterval: 50 * time.Millisecond,
			Gossip: gossip.Config{
				ProbeInterval:  50 * time.Millisecond,
				SuspectTimeout: 300 * time.Millisecond,
				DeadTimeout:    time.Second,
			},
		})
		require.NoError(t, err)

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		lis := listeners[name]
		go func() { done <- n.Serve(ctx, lis) }()

		tn := &testNode{Node: n, docs: docs}
		tn.stop = func() {
			cancel()
			select {
			case err := <-done:
				assert.NoError(t, err)
			case <-time.After(5 * time.Second):
				t.Errorf("%s did not stop", name)
			}
		}
		t.Cleanup(tn.shutdown)
		nodes[name] = tn
	}

	require.Eventually(t, func() bool {
		for _, n := range nodes {
			for _, peer := range names {
				if n.Membership().DatabaseStatus(peer, testDB) != protocol.StatusOnline {
					return false
				}
			}
		}
		return true
	}, 5*time.Second, 20*time.Millisecond, "cluster did not converge")
	return nodes
}

func replicatedEverywhere(nodes map[string]*testNode, rid string) func() bool {
	return func() bool {
		for _, n := range nodes {
			vr := n.Store().Get(testDB, rid)
			if vr == nil || vr.IsTombstone() {
				return false
			}
		}
		return true
	}
}

func TestNodeNumber(t *testing.T) {
	assert.Equal(t, NodeNumber("node1"), NodeNumber("node1"))
	assert.NotEqual(t, NodeNumber("node1"), NodeNumber("node2"))
	assert.GreaterOrEqual(t, NodeNumber("some-long-node-name"), int32(0))
}

func TestNewNodeValidation(t *testing.T) {
	_, err := NewNode(Config{})
	assert.Error(t, err)

	_, err = NewNode(Config{NodeID: "node1"})
	assert.Error(t, err)
}

func TestConfigFrom(t *testing.T) {
	docs, err := docstore.NewDisk(t.TempDir())
	require.NoError(t, err)
	cfg := ConfigFrom(config.Config{
		NodeID:        "node1",
		ListenAddr:    "127.0.0.1:7481",
		Peers:         []config.Peer{{ID: "node1", Addr: "127.0.0.1:7481"}, {ID: "node2", Addr: "127.0.0.1:7482"}},
		Databases:     []string{testDB},
		SynchTimeout:  3 * time.Second,
		ProbeInterval: 200 * time.Millisecond,
	}, docs, nil)

	assert.Equal(t, map[string]string{"node2": "127.0.0.1:7482"}, cfg.Seeds)
	assert.Equal(t, 3*time.Second, cfg.SynchTimeout)
	assert.Equal(t, 200*time.Millisecond, cfg.Gossip.ProbeInterval)
	assert.Same(t, docs, cfg.Documents)

	n, err := NewNode(cfg)
	require.NoError(t, err)
	assert.Equal(t, "node1", n.ID())
}

func TestNodeNumberCollisionRefused(t *testing.T) {
	require.Equal(t, NodeNumber("node288824"), NodeNumber("node678140"))
	docs, err := docstore.NewDisk(t.TempDir())
	require.NoError(t, err)

	tests := []struct {
		name  string
		self  string
		seeds map[string]string
	}{
		{"self collides with seed", "node288824", map[string]string{"node678140": "a", "node2": "b"}},
		{"two seeds collide", "node1", map[string]string{"node288824": "a", "node678140": "b"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewNode(Config{NodeID: tt.self, Seeds: tt.seeds, Documents: docs})
			require.ErrorIs(t, err, ErrNodeNumberCollision)
			assert.Contains(t, err.Error(), "node678140")
		})
	}

	_, err = NewNode(Config{NodeID: "node1", Seeds: map[string]string{"node1": "self", "node2": "a"}, Documents: docs})
	assert.NoError(t, err, "listing itself among the seeds is not a collision")
}

func TestTemplateListsSeeds(t *testing.T) {
	docs, err := docstore.NewDisk(t.TempDir())
	require.NoError(t, err)
	n, err := NewNode(Config{
		NodeID:    "node2",
		Seeds:     map[string]string{"node3": "b", "node1": "a", "node2": "self"},
		Documents: docs,
	})
	require.NoError(t, err)

	doc := n.template()
	cfg := distconfig.New(doc)
	assert.Equal(t, []string{"node1", "node2", "node3"}, cfg.Servers(distconfig.AllResources))
	assert.Equal(t, 2, cfg.WriteQuorum(distconfig.AllResources))
	assert.Equal(t, 1, cfg.ReadQuorum(distconfig.AllResources))
}

func TestClusterRecordLifecycle(t *testing.T) {
	nodes := startCluster(t, "node1", "node2", "node3")
	ctx := context.Background()

	rec, err := nodes["node1"].Create(ctx, testDB, "users", map[string]any{"name": "ada"})
	require.NoError(t, err)
	assert.Equal(t, "users", protocol.ClusterOf(rec.RID))
	assert.Equal(t, int64(1), rec.Version)
	require.Eventually(t, replicatedEverywhere(nodes, rec.RID), 2*time.Second, 10*time.Millisecond)

	got, err := nodes["node2"].Read(ctx, testDB, rec.RID)
	require.NoError(t, err)
	assert.Equal(t, "ada", got.Content["name"])

	updated, err := nodes["node3"].Update(ctx, testDB, rec.RID, map[string]any{"name": "grace"}, rec.Version)
	require.NoError(t, err)
	assert.Equal(t, int64(2), updated.Version)
	require.Eventually(t, func() bool {
		for _, n := range nodes {
			if vr := n.Store().Get(testDB, rec.RID); vr == nil || vr.Version != 2 {
				return false
			}
		}
		return true
	}, 2*time.Second, 10*time.Millisecond)

	_, err = nodes["node1"].Update(ctx, testDB, rec.RID, map[string]any{"name": "stale"}, rec.Version)
	assert.ErrorIs(t, err, protocol.ErrConcurrentModification)

	require.NoError(t, nodes["node2"].Delete(ctx, testDB, rec.RID, protocol.AnyVersion))
	require.Eventually(t, func() bool {
		for _, n := range nodes {
			if vr := n.Store().Get(testDB, rec.RID); vr == nil || !vr.IsTombstone() {
				return false
			}
		}
		return true
	}, 2*time.Second, 10*time.Millisecond)

	_, err = nodes["node1"].Read(ctx, testDB, rec.RID)
	assert.ErrorIs(t, err, protocol.ErrRecordNotFound)
}

func TestClusterUnknownDatabase(t *testing.T) {
	nodes := startCluster(t, "node1", "node2")
	_, err := nodes["node1"].Read(context.Background(), "other", "#users:1")
	assert.ErrorIs(t, err, ErrUnknownDatabase)
	_, err = nodes["node1"].CommitTransaction(context.Background(), "other", nil)
	assert.ErrorIs(t, err, ErrUnknownDatabase)
}

func TestClusterStatusCollectsEveryNode(t *testing.T) {
	nodes := startCluster(t, "node1", "node2", "node3")

	perNode, err := nodes["node2"].Status(context.Background(), testDB)
	require.NoError(t, err)
	assert.Len(t, perNode, 3)
	for name, payload := range perNode {
		status, ok := payload.Value.(map[string]any)
		require.True(t, ok, "status of %s", name)
		assert.Equal(t, name, status["node"])
	}
}

func TestClusterTransactionCommit(t *testing.T) {
	nodes := startCluster(t, "node1", "node2", "node3")
	ctx := context.Background()

	existing, err := nodes["node1"].Create(ctx, testDB, "users", map[string]any{"n": "1"})
	require.NoError(t, err)
	require.Eventually(t, replicatedEverywhere(nodes, existing.RID), 2*time.Second, 10*time.Millisecond)

	created := NewRID("orders")
	results, err := nodes["node2"].CommitTransaction(ctx, testDB, []protocol.RecordTask{
		&protocol.CreateRecord{RID: created, Content: map[string]any{"item": "book"}},
		&protocol.UpdateRecord{RID: existing.RID, Content: map[string]any{"n": "2"}, Version: existing.Version},
	})
	require.NoError(t, err)
	require.Len(t, results, 2)

	rec, ok := protocol.RecordFromValue(results[1])
	require.True(t, ok)
	assert.Equal(t, int64(2), rec.Version)

	require.Eventually(t, replicatedEverywhere(nodes, created), 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		for _, n := range nodes {
			if n.participant.Registry().Len() != 0 || n.participant.Locks().Len() != 0 {
				return false
			}
		}
		return true
	}, 2*time.Second, 10*time.Millisecond, "transaction contexts left behind")
}

func TestClusterTransactionRollsBack(t *testing.T) {
	nodes := startCluster(t, "node1", "node2", "node3")
	ctx := context.Background()

	existing, err := nodes["node1"].Create(ctx, testDB, "users", map[string]any{"n": "1"})
	require.NoError(t, err)
	require.Eventually(t, replicatedEverywhere(nodes, existing.RID), 2*time.Second, 10*time.Millisecond)

	created := NewRID("orders")
	_, err = nodes["node3"].CommitTransaction(ctx, testDB, []protocol.RecordTask{
		&protocol.CreateRecord{RID: created, Content: map[string]any{"item": "pen"}},
		&protocol.UpdateRecord{RID: existing.RID, Content: map[string]any{"n": "x"}, Version: 42},
	})
	require.ErrorIs(t, err, protocol.ErrConcurrentModification)

	require.Eventually(t, func() bool {
		for _, n := range nodes {
			if vr := n.Store().Get(testDB, created); vr != nil && !vr.IsTombstone() {
				return false
			}
			if n.participant.Registry().Len() != 0 {
				return false
			}
		}
		return true
	}, 2*time.Second, 10*time.Millisecond)

	got, err := nodes["node1"].Read(ctx, testDB, existing.RID)
	require.NoError(t, err)
	assert.Equal(t, "1", got.Content["n"])
}

func TestClusterMomentumFollowsWrites(t *testing.T) {
	nodes := startCluster(t, "node1", "node2", "node3")

	_, err := nodes["node1"].Create(context.Background(), testDB, "users", nil)
	require.NoError(t, err)

	tracker, ok := nodes["node2"].Momentum(testDB)
	require.True(t, ok)
	require.Eventually(t, func() bool {
		_, ok := tracker.LastPosition("node1")
		return ok
	}, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return !tracker.Dirty() }, 2*time.Second, 20*time.Millisecond)

	_, err = nodes["node2"].docs.Get(context.Background(), momentum.DocumentName(testDB))
	assert.NoError(t, err)
}

func TestClusterSurvivesNodeLoss(t *testing.T) {
	nodes := startCluster(t, "node1", "node2", "node3")
	nodes["node3"].shutdown()

	require.Eventually(t, func() bool {
		return !nodes["node1"].Membership().IsNodeAvailable("node3")
	}, 3*time.Second, 20*time.Millisecond)

	rec, err := nodes["node1"].Create(context.Background(), testDB, "users", map[string]any{"n": "a"})
	require.NoError(t, err)
	assert.NotEmpty(t, rec.RID)

	nodes["node2"].shutdown()
	require.Eventually(t, func() bool {
		return !nodes["node1"].Membership().IsNodeAvailable("node2")
	}, 3*time.Second, 20*time.Millisecond)

	_, err = nodes["node1"].Create(context.Background(), testDB, "users", nil)
	var qerr *quorum.QuorumError
	require.True(t, errors.As(err, &qerr), "expected a quorum error, got %v", err)
	assert.Equal(t, 2, qerr.Quorum)
}

func TestServePersistsConfiguration(t *testing.T) {
	nodes := startCluster(t, "node1", "node2")

	doc, ok, err := distconfig.Load(context.Background(), nodes["node1"].docs, testDB)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Contains(t, doc.Resources[distconfig.AllResources].Servers, "node2")

	cfg, err := nodes["node1"].Configuration(testDB)
	require.NoError(t, err)
	assert.Equal(t, []string{"node1", "node2"}, cfg.Servers("users"))
}
