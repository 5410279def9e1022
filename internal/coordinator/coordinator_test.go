package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quorumdb/internal/distconfig"
	"quorumdb/internal/protocol"
	"quorumdb/internal/quorum"
	"quorumdb/internal/storage"
)

var errUnreachable = errors.New("unreachable")

// loopNet connects coordinators in memory. Every message goes through the
// envelope codec.
type loopNet struct {
	mu         sync.Mutex
	nodes      map[string]*Coordinator
	down       map[string]bool
	mute       map[string]bool
	lastChange time.Time
}

func newLoopNet() *loopNet {
	return &loopNet{
		nodes: map[string]*Coordinator{},
		down:  map[string]bool{},
		mute:  map[string]bool{},
	}
}

func (n *loopNet) setDown(node string) {
	n.mu.Lock()
	n.down[node] = true
	n.mu.Unlock()
}

func (n *loopNet) setMute(node string) {
	n.mu.Lock()
	n.mute[node] = true
	n.mu.Unlock()
}

func (n *loopNet) target(node string) (*Coordinator, bool, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	c, ok := n.nodes[node]
	if !ok || n.down[node] {
		return nil, false, fmt.Errorf("%s: %w", node, errUnreachable)
	}
	return c, n.mute[node], nil
}

func (n *loopNet) IsNodeAvailable(node string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return !n.down[node]
}

func (n *loopNet) DatabaseStatus(node, _ string) protocol.DatabaseStatus {
	if !n.IsNodeAvailable(node) {
		return protocol.StatusOffline
	}
	return protocol.StatusOnline
}

func (n *loopNet) LastClusterChange() time.Time {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.lastChange
}

type loopTransport struct {
	net *loopNet
}

func roundTrip(env protocol.Envelope) (protocol.Envelope, error) {
	b, err := protocol.EncodeEnvelope(env)
	if err != nil {
		return protocol.Envelope{}, err
	}
	return protocol.DecodeEnvelope(b)
}

func (t loopTransport) SendRequest(_ context.Context, node string, req *protocol.Request) error {
	target, mute, err := t.net.target(node)
	if err != nil {
		return err
	}
	env, err := roundTrip(protocol.Envelope{Request: req})
	if err != nil {
		return err
	}
	if mute {
		return nil
	}
	go target.HandleRequest(context.Background(), env.Request)
	return nil
}

func (t loopTransport) SendResponse(_ context.Context, node string, resp *protocol.Response) error {
	target, _, err := t.net.target(node)
	if err != nil {
		return err
	}
	env, err := roundTrip(protocol.Envelope{Response: resp})
	if err != nil {
		return err
	}
	go target.HandleResponse(env.Response)
	return nil
}

type cluster struct {
	net    *loopNet
	coords map[string]*Coordinator
	stores map[string]*storage.InMemoryStore
}

func threeNodeDoc(read, write *distconfig.Quorum) distconfig.Document {
	return distconfig.Document{
		Version: 1,
		Resources: map[string]*distconfig.Resource{
			distconfig.AllResources: {
				ReadQuorum:  read,
				WriteQuorum: write,
				Servers:     []string{"node1", "node2", "node3"},
			},
		},
	}
}

func newCluster(t *testing.T, doc distconfig.Document, synch time.Duration) *cluster {
	t.Helper()
	cfg := distconfig.New(doc)
	c := &cluster{
		net:    newLoopNet(),
		coords: map[string]*Coordinator{},
		stores: map[string]*storage.InMemoryStore{},
	}
	for i, name := range []string{"node1", "node2", "node3"} {
		store := storage.NewInMemoryStore(name)
		coord, err := New(Config{
			LocalNode:    name,
			LocalNodeID:  int32(i + 1),
			Configs:      ConfigFunc(func(string) (*distconfig.Configuration, error) { return cfg, nil }),
			Executor:     store,
			Transport:    loopTransport{net: c.net},
			Detector:     c.net,
			SynchTimeout: synch,
		})
		require.NoError(t, err)
		c.coords[name] = coord
		c.stores[name] = store
		c.net.nodes[name] = coord
	}
	return c
}

func (c *cluster) seed(t *testing.T, rid string, content map[string]any) {
	t.Helper()
	for _, store := range c.stores {
		require.NoError(t, store.FixRecord(context.Background(), "demo", protocol.Record{RID: rid, Version: 1, Content: content}, false))
	}
}

func TestNewRequiresExecutor(t *testing.T) {
	_, err := New(Config{LocalNode: "node1"})
	assert.ErrorIs(t, err, ErrNoExecutor)
}

func TestExecuteWriteReplicates(t *testing.T) {
	c := newCluster(t, threeNodeDoc(distconfig.Fixed(1), distconfig.Majority()), 2*time.Second)

	res, err := c.coords["node1"].Execute(context.Background(), "demo", "",
		&protocol.CreateRecord{RID: "#demo:1", Content: map[string]any{"name": "alpha"}})
	require.NoError(t, err)

	rec, ok := protocol.RecordFromValue(res.Value())
	require.True(t, ok)
	assert.Equal(t, "#demo:1", rec.RID)
	assert.Equal(t, int64(1), rec.Version)
	assert.Equal(t, "alpha", rec.Content["name"])
	assert.Equal(t, int32(1), res.RequestID.OriginNodeID)

	require.Eventually(t, func() bool {
		for _, store := range c.stores {
			if store.Get("demo", "#demo:1") == nil {
				return false
			}
		}
		return true
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, c.coords["node1"].Pending())
}

func TestExecuteReadAgreed(t *testing.T) {
	c := newCluster(t, threeNodeDoc(distconfig.Fixed(2), distconfig.Majority()), 2*time.Second)
	c.seed(t, "#demo:7", map[string]any{"name": "seven"})

	res, err := c.coords["node2"].Execute(context.Background(), "demo", "", &protocol.ReadRecord{RID: "#demo:7"})
	require.NoError(t, err)
	rec, ok := protocol.RecordFromValue(res.Value())
	require.True(t, ok)
	assert.Equal(t, "seven", rec.Content["name"])
}

func TestExecuteRequestIDsIncrease(t *testing.T) {
	c := newCluster(t, threeNodeDoc(distconfig.Fixed(1), distconfig.Majority()), 2*time.Second)
	c.seed(t, "#demo:1", map[string]any{"n": "x"})

	var last protocol.RequestID
	for i := 0; i < 3; i++ {
		res, err := c.coords["node3"].Execute(context.Background(), "demo", "", &protocol.ReadRecord{RID: "#demo:1"})
		require.NoError(t, err)
		assert.True(t, last.Less(res.RequestID))
		last = res.RequestID
	}
}

func TestExecuteUnsatisfiableFailsFast(t *testing.T) {
	c := newCluster(t, threeNodeDoc(distconfig.Fixed(1), distconfig.Majority()), 10*time.Second)
	c.net.setDown("node2")
	c.net.setDown("node3")

	start := time.Now()
	_, err := c.coords["node1"].Execute(context.Background(), "demo", "",
		&protocol.CreateRecord{RID: "#demo:1"})
	var qerr *quorum.QuorumError
	require.ErrorAs(t, err, &qerr)
	assert.Equal(t, 2, qerr.Quorum)
	assert.ElementsMatch(t, []string{"node2", "node3"}, qerr.Missing)
	assert.Less(t, time.Since(start), time.Second)
	assert.Nil(t, c.stores["node1"].Get("demo", "#demo:1"), "nothing may run when the quorum cannot be met")
}

func TestExecuteSkipsDownNode(t *testing.T) {
	c := newCluster(t, threeNodeDoc(distconfig.Fixed(1), distconfig.Majority()), 2*time.Second)
	c.net.setDown("node3")

	_, err := c.coords["node1"].Execute(context.Background(), "demo", "",
		&protocol.CreateRecord{RID: "#demo:1", Content: map[string]any{"a": "b"}})
	require.NoError(t, err)
	assert.Nil(t, c.stores["node3"].Get("demo", "#demo:1"))
}

func TestExecuteSendFailureStopsWaiting(t *testing.T) {
	c := newCluster(t, threeNodeDoc(distconfig.Fixed(1), distconfig.All()), 10*time.Second)
	// Reported alive but not reachable by the transport.
	c.net.mu.Lock()
	delete(c.net.nodes, "node3")
	c.net.mu.Unlock()

	start := time.Now()
	_, err := c.coords["node1"].Execute(context.Background(), "demo", "",
		&protocol.CreateRecord{RID: "#demo:1"})
	var qerr *quorum.QuorumError
	require.ErrorAs(t, err, &qerr)
	assert.Equal(t, 3, qerr.Quorum)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestExecuteMuteNodeTimesOut(t *testing.T) {
	c := newCluster(t, threeNodeDoc(distconfig.All(), distconfig.Majority()), 150*time.Millisecond)
	c.seed(t, "#demo:1", map[string]any{"n": "x"})
	c.net.setMute("node3")

	_, err := c.coords["node1"].Execute(context.Background(), "demo", "", &protocol.ReadRecord{RID: "#demo:1"})
	var qerr *quorum.QuorumError
	require.ErrorAs(t, err, &qerr)
	assert.Equal(t, []string{"node3"}, qerr.Missing)
	assert.ElementsMatch(t, []string{"node1", "node2"}, qerr.Responding)
}

func TestExecuteUnionCollectsEveryNode(t *testing.T) {
	c := newCluster(t, threeNodeDoc(distconfig.Fixed(1), distconfig.Majority()), 2*time.Second)

	res, err := c.coords["node1"].Execute(context.Background(), "demo", "", &protocol.NodeStatus{})
	require.NoError(t, err)
	require.Len(t, res.PerNode, 3)
	for node, payload := range res.PerNode {
		status, ok := payload.Value.(map[string]any)
		require.True(t, ok)
		assert.Equal(t, node, status["node"])
	}
}

func TestExecuteInsideDistributedCallStaysLocal(t *testing.T) {
	c := newCluster(t, threeNodeDoc(distconfig.Fixed(1), distconfig.Majority()), 2*time.Second)
	parent := &protocol.Request{ID: protocol.RequestID{OriginNodeID: 2, SequenceNumber: 9}, DatabaseName: "demo"}
	ctx := protocol.WithRequest(context.Background(), parent)

	res, err := c.coords["node1"].Execute(ctx, "demo", "", &protocol.CreateRecord{RID: "#demo:3"})
	require.NoError(t, err)
	assert.Equal(t, parent.ID, res.RequestID)
	assert.NotNil(t, c.stores["node1"].Get("demo", "#demo:3"))
	assert.Nil(t, c.stores["node2"].Get("demo", "#demo:3"))
	assert.Nil(t, c.stores["node3"].Get("demo", "#demo:3"))
}

func TestHandleResponseForUnknownRequest(t *testing.T) {
	c := newCluster(t, threeNodeDoc(distconfig.Fixed(1), distconfig.Majority()), time.Second)
	assert.False(t, c.coords["node1"].HandleResponse(&protocol.Response{
		RequestID:    protocol.RequestID{OriginNodeID: 1, SequenceNumber: 42},
		ExecutorNode: "node2",
	}))
}

func TestCancelReleasesWaiter(t *testing.T) {
	c := newCluster(t, threeNodeDoc(distconfig.All(), distconfig.Majority()), 30*time.Second)
	c.seed(t, "#demo:1", map[string]any{"n": "x"})
	c.net.setMute("node2")
	c.net.setMute("node3")
	coord := c.coords["node1"]

	out := coord.ExecuteAsync(context.Background(), "demo", "", &protocol.ReadRecord{RID: "#demo:1"})
	require.Eventually(t, func() bool { return coord.Pending() == 1 }, time.Second, 5*time.Millisecond)
	assert.True(t, coord.Cancel(protocol.RequestID{OriginNodeID: 1, SequenceNumber: 1}))

	select {
	case o := <-out:
		assert.ErrorIs(t, o.Err, quorum.ErrCanceled)
	case <-time.After(2 * time.Second):
		t.Fatal("canceled request did not return")
	}
	assert.False(t, coord.Cancel(protocol.RequestID{OriginNodeID: 1, SequenceNumber: 1}))
}

func TestNodeUnreachableReleasesWaiter(t *testing.T) {
	c := newCluster(t, threeNodeDoc(distconfig.Majority(), distconfig.Majority()), 30*time.Second)
	c.seed(t, "#demo:1", map[string]any{"n": "x"})
	c.net.setMute("node2")
	c.net.setMute("node3")
	coord := c.coords["node1"]

	out := coord.ExecuteAsync(context.Background(), "demo", "", &protocol.ReadRecord{RID: "#demo:1"})
	require.Eventually(t, func() bool { return coord.Pending() == 1 }, time.Second, 5*time.Millisecond)
	coord.NodeUnreachable("node2")
	coord.NodeUnreachable("node3")

	select {
	case o := <-out:
		var qerr *quorum.QuorumError
		require.ErrorAs(t, o.Err, &qerr)
		assert.Equal(t, []string{"node1"}, qerr.Responding)
	case <-time.After(2 * time.Second):
		t.Fatal("request kept waiting on unreachable nodes")
	}
}

func TestExecuteContextCanceled(t *testing.T) {
	c := newCluster(t, threeNodeDoc(distconfig.All(), distconfig.Majority()), 30*time.Second)
	c.seed(t, "#demo:1", map[string]any{"n": "x"})
	c.net.setMute("node3")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.coords["node1"].Execute(ctx, "demo", "", &protocol.ReadRecord{RID: "#demo:1"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, c.coords["node1"].Pending())
}

func TestExecuteWithReservedID(t *testing.T) {
	c := newCluster(t, threeNodeDoc(distconfig.Fixed(1), distconfig.Majority()), 2*time.Second)
	c.net.setDown("node2")
	c.net.setDown("node3")

	coord := c.coords["node1"]
	id := coord.NextRequestID()
	_, err := coord.ExecuteWithID(context.Background(), id, "demo", "", &protocol.CreateRecord{RID: "#demo:1"})
	var qerr *quorum.QuorumError
	require.ErrorAs(t, err, &qerr)
	assert.Equal(t, id, qerr.RequestID)
	assert.True(t, id.Less(coord.NextRequestID()))
}
