package txn

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNextIDStrictlyIncreasing(t *testing.T) {
	s := NewSequencer("node1", 4, 0)
	var last int64
	for i := 0; i < 10000; i++ {
		id, err := s.NextID()
		require.NoError(t, err)
		require.Equal(t, "node1", id.NodeOwner)
		require.Greater(t, id.Sequence, last)
		last = id.Sequence
		s.Release(id)
	}
}

func TestNextIDPositions(t *testing.T) {
	s := NewSequencer("node1", 2, 0)
	a, err := s.NextID()
	require.NoError(t, err)
	b, err := s.NextID()
	require.NoError(t, err)
	assert.NotEqual(t, a.Position, b.Position)

	_, err = s.NextID()
	assert.ErrorIs(t, err, ErrNoFreePosition)

	s.Release(a)
	c, err := s.NextID()
	require.NoError(t, err)
	assert.Equal(t, a.Position, c.Position)
	assert.Equal(t, int64(3), c.Sequence)
}

func TestValidate(t *testing.T) {
	s := NewSequencer("node1", 0, 0)
	s.Notify(TransactionID{NodeOwner: "node2", Sequence: 1})
	s.Notify(TransactionID{NodeOwner: "node2", Sequence: 2})

	tests := []struct {
		name string
		id   TransactionID
		want Validation
	}{
		{"next", TransactionID{NodeOwner: "node2", Sequence: 3}, Validation{Status: Valid, Expected: 3, Got: 3}},
		{"duplicate", TransactionID{NodeOwner: "node2", Sequence: 2}, Validation{Status: Duplicate, Expected: 3, Got: 2}},
		{"gap", TransactionID{NodeOwner: "node2", Sequence: 7}, Validation{Status: Gap, Expected: 3, Got: 7}},
		{"new owner", TransactionID{NodeOwner: "node3", Sequence: 1}, Validation{Status: Valid, Expected: 1, Got: 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := s.Validate(tt.id)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.want.Status == Valid, got.OK())
		})
	}
}

func TestNotifyIgnoresDuplicates(t *testing.T) {
	s := NewSequencer("node1", 0, 0)
	assert.Equal(t, Valid, s.Notify(TransactionID{NodeOwner: "node2", Sequence: 1}).Status)
	assert.Equal(t, Duplicate, s.Notify(TransactionID{NodeOwner: "node2", Sequence: 1}).Status)
	assert.Equal(t, Gap, s.Notify(TransactionID{NodeOwner: "node2", Sequence: 3}).Status)
	assert.Equal(t, Duplicate, s.Notify(TransactionID{NodeOwner: "node2", Sequence: 3}).Status)
	assert.Equal(t, SequenceStatus{"node2": 1}, s.Status())
	assert.Equal(t, []TransactionID{{NodeOwner: "node2", Sequence: 2}}, s.Holes())
}

func TestOutOfOrderFillsHoles(t *testing.T) {
	s := NewSequencer("node1", 0, 0)
	for _, seq := range []int64{3, 1, 5} {
		s.Notify(TransactionID{NodeOwner: "node2", Sequence: seq})
	}
	assert.Equal(t, SequenceStatus{"node2": 1}, s.Status())
	assert.Equal(t, []TransactionID{
		{NodeOwner: "node2", Sequence: 2},
		{NodeOwner: "node2", Sequence: 4},
	}, s.Holes())

	tests := []struct {
		name string
		seq  int64
		want ValidationStatus
	}{
		{"applied below watermark", 1, Duplicate},
		{"applied above watermark", 3, Duplicate},
		{"next hole", 2, Valid},
		{"later hole", 4, Gap},
		{"past high mark", 7, Gap},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, s.Validate(TransactionID{NodeOwner: "node2", Sequence: tt.seq}).Status)
		})
	}

	assert.Equal(t, Valid, s.Notify(TransactionID{NodeOwner: "node2", Sequence: 2}).Status)
	assert.Equal(t, SequenceStatus{"node2": 3}, s.Status())
	assert.Equal(t, Valid, s.Notify(TransactionID{NodeOwner: "node2", Sequence: 4}).Status)
	assert.Equal(t, SequenceStatus{"node2": 5}, s.Status())
	assert.Empty(t, s.Holes())

	missing, err := s.MissingTransactions(SequenceStatus{"node2": 2})
	require.NoError(t, err)
	assert.Equal(t, []TransactionID{
		{NodeOwner: "node2", Sequence: 3},
		{NodeOwner: "node2", Sequence: 4},
		{NodeOwner: "node2", Sequence: 5},
	}, missing)
}

func TestHolesBoundedByHistory(t *testing.T) {
	s := NewSequencer("node1", 0, 4)
	for seq := int64(2); seq <= 20; seq += 2 {
		s.Notify(TransactionID{NodeOwner: "node2", Sequence: seq})
	}
	holes := s.Holes()
	assert.LessOrEqual(t, len(holes), 4)
	for _, h := range holes {
		assert.Greater(t, h.Sequence, int64(20-4-1))
	}
	assert.LessOrEqual(t, len(s.owners["node2"].applied), 4)
	assert.Greater(t, s.Status()["node2"], int64(0))
}

func TestMissingTransactions(t *testing.T) {
	s := NewSequencer("node1", 0, 0)
	for i := int64(1); i <= 3; i++ {
		s.Notify(TransactionID{NodeOwner: "node3", Sequence: i})
		s.Notify(TransactionID{NodeOwner: "node2", Sequence: i})
	}

	missing, err := s.MissingTransactions(SequenceStatus{"node2": 1, "node3": 3})
	require.NoError(t, err)
	assert.Equal(t, []TransactionID{
		{NodeOwner: "node2", Sequence: 2},
		{NodeOwner: "node2", Sequence: 3},
	}, missing)

	missing, err = s.MissingTransactions(SequenceStatus{})
	require.NoError(t, err)
	require.Len(t, missing, 6)
	assert.Equal(t, "node2", missing[0].NodeOwner)
	assert.Equal(t, "node3", missing[5].NodeOwner)
}

func TestMissingTransactionsTruncated(t *testing.T) {
	s := NewSequencer("node1", 0, 2)
	for i := int64(1); i <= 5; i++ {
		s.Notify(TransactionID{NodeOwner: "node2", Sequence: i})
	}

	_, err := s.MissingTransactions(SequenceStatus{"node2": 1})
	assert.ErrorIs(t, err, ErrHistoryTruncated)

	missing, err := s.MissingTransactions(SequenceStatus{"node2": 3})
	require.NoError(t, err)
	assert.Equal(t, []TransactionID{{NodeOwner: "node2", Sequence: 4}, {NodeOwner: "node2", Sequence: 5}}, missing)

	missing, err = s.MissingTransactions(SequenceStatus{"node2": 5})
	require.NoError(t, err)
	assert.Empty(t, missing)
}

func TestTransactionIDCodec(t *testing.T) {
	id := TransactionID{NodeOwner: "node7", Position: 12, Sequence: 99}
	b, err := id.MarshalBinary()
	require.NoError(t, err)
	var got TransactionID
	require.NoError(t, got.UnmarshalBinary(b))
	assert.Equal(t, id, got)

	assert.True(t, TransactionID{}.IsZero())
}
