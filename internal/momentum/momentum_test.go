package momentum

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quorumdb/internal/clock"
	"quorumdb/internal/docstore"
)

func TestDocumentJSONShape(t *testing.T) {
	doc := Document{
		LastOperationTimestamp: 1700000000000,
		Version:                4,
		Peers: map[string]Position{
			"node2": {Segment: 3, Position: 1024},
		},
	}
	data, err := json.Marshal(doc)
	require.NoError(t, err)
	assert.JSONEq(t, `{"lastOperationTimeStamp":1700000000000,"version":4,"node2":{"segment":3,"position":1024}}`, string(data))

	var back Document
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, doc, back)
}

func TestDocumentJSONRejectsBadPeer(t *testing.T) {
	var doc Document
	assert.Error(t, json.Unmarshal([]byte(`{"version":1,"node2":"oops"}`), &doc))
}

func TestDocumentBinary(t *testing.T) {
	doc := Document{
		LastOperationTimestamp: -5,
		Version:                2,
		Peers: map[string]Position{
			"a": {Segment: 1, Position: 2},
			"b": {Segment: 0, Position: 9},
		},
	}
	b, err := doc.MarshalBinary()
	require.NoError(t, err)
	var back Document
	require.NoError(t, back.UnmarshalBinary(b))
	assert.Equal(t, doc, back)
}

func TestPositionLess(t *testing.T) {
	assert.True(t, Position{1, 9}.Less(Position{2, 0}))
	assert.True(t, Position{1, 1}.Less(Position{1, 2}))
	assert.False(t, Position{1, 2}.Less(Position{1, 2}))
	assert.Equal(t, "1:2", Position{1, 2}.String())
}

func newTestTracker(t *testing.T) (*Tracker, docstore.Store, *clock.Manual) {
	t.Helper()
	store, err := docstore.NewDisk(t.TempDir())
	require.NoError(t, err)
	clk := clock.NewManual(time.UnixMilli(1_000_000))
	return NewTracker("demo", store, clk, nil), store, clk
}

func TestTrackerSaveLoad(t *testing.T) {
	ctx := context.Background()
	tr, store, _ := newTestTracker(t)

	require.NoError(t, tr.Load(ctx), "a missing document is not an error")
	assert.False(t, tr.Dirty())

	tr.SetLastPosition("node2", Position{Segment: 1, Position: 10}, true)
	assert.True(t, tr.Dirty())
	require.NoError(t, tr.Save(ctx))
	assert.False(t, tr.Dirty())

	other := NewTracker("demo", store, nil, nil)
	require.NoError(t, other.Load(ctx))
	pos, ok := other.LastPosition("node2")
	require.True(t, ok)
	assert.Equal(t, Position{Segment: 1, Position: 10}, pos)
	assert.Equal(t, time.UnixMilli(1_000_000), other.LastOperation())
	assert.Equal(t, 1, other.Document().Version)
}

func TestTrackerSaveSkipsCleanDocument(t *testing.T) {
	ctx := context.Background()
	tr, store, _ := newTestTracker(t)
	require.NoError(t, tr.Save(ctx))

	_, err := store.Get(ctx, DocumentName("demo"))
	assert.ErrorIs(t, err, docstore.ErrNotFound)
}

func TestTrackerSetSamePositionIsNoop(t *testing.T) {
	tr, _, _ := newTestTracker(t)
	tr.SetLastPosition("node2", Position{Position: 3}, false)
	v := tr.Document().Version
	tr.SetLastPosition("node2", Position{Position: 3}, false)
	assert.Equal(t, v, tr.Document().Version)
	assert.True(t, tr.LastOperation().IsZero())
}

func TestTrackerNeedsResync(t *testing.T) {
	tr, _, _ := newTestTracker(t)
	assert.True(t, tr.NeedsResync("node2", Position{}), "never acknowledged")

	tr.SetLastPosition("node2", Position{Segment: 1, Position: 5}, false)
	assert.False(t, tr.NeedsResync("node2", Position{Segment: 1, Position: 5}))
	assert.False(t, tr.NeedsResync("node2", Position{Segment: 1, Position: 4}))
	assert.True(t, tr.NeedsResync("node2", Position{Segment: 1, Position: 6}))
}

func TestTrackerRunFlushesOnStop(t *testing.T) {
	tr, store, clk := newTestTracker(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		tr.Run(ctx, time.Minute)
		close(done)
	}()

	tr.SetLastPosition("node3", Position{Position: 1}, true)
	require.Eventually(t, func() bool { return clk.Pending() == 1 }, time.Second, time.Millisecond)
	clk.Advance(time.Minute)
	require.Eventually(t, func() bool { return !tr.Dirty() }, time.Second, time.Millisecond)

	tr.SetLastPosition("node3", Position{Position: 2}, true)
	cancel()
	<-done

	data, err := store.Get(context.Background(), DocumentName("demo"))
	require.NoError(t, err)
	var doc Document
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.Equal(t, Position{Position: 2}, doc.Peers["node3"])
}
