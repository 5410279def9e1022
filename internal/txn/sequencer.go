package txn

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	// ErrNoFreePosition is returned by NextID when every in-flight slot is
	// taken. Callers retry after a short delay.
	ErrNoFreePosition = errors.New("txn: no free transaction position")
	// ErrHistoryTruncated is returned when a follower is further behind
	// than the retained history.
	ErrHistoryTruncated = errors.New("txn: transaction history truncated")
)

const (
	DefaultPositions   = 64
	DefaultHistorySize = 4096
)

// ValidationStatus classifies a received transaction id.
type ValidationStatus int

const (
	// Valid means the id is the next expected one for its owner.
	Valid ValidationStatus = iota
	// Duplicate means the id was already seen.
	Duplicate
	// Gap means at least one earlier id of the owner was not seen.
	Gap
)

func (s ValidationStatus) String() string {
	switch s {
	case Valid:
		return "valid"
	case Duplicate:
		return "duplicate"
	case Gap:
		return "gap"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Validation describes how a received id relates to the owner's sequence.
type Validation struct {
	Status   ValidationStatus
	Expected int64
	Got      int64
}

// OK reports whether the id can be applied.
func (v Validation) OK() bool { return v.Status == Valid }

// SequenceStatus maps an owner to its watermark: every sequence up to and
// including the value has been applied.
type SequenceStatus map[string]int64

// ownerSeq tracks the ids applied for one owner. Sequences at or below
// watermark are all applied; above it only those in applied are.
type ownerSeq struct {
	watermark int64
	high      int64
	applied   map[int64]struct{}
}

func (o *ownerSeq) has(seq int64) bool {
	if seq <= o.watermark {
		return true
	}
	_, ok := o.applied[seq]
	return ok
}

func (o *ownerSeq) add(seq int64) {
	if seq > o.high {
		o.high = seq
	}
	if seq != o.watermark+1 {
		o.applied[seq] = struct{}{}
		return
	}
	o.watermark = seq
	o.advance()
}

func (o *ownerSeq) advance() {
	for {
		if _, ok := o.applied[o.watermark+1]; !ok {
			return
		}
		delete(o.applied, o.watermark+1)
		o.watermark++
	}
}

// skipTo abandons every hole at or below seq.
func (o *ownerSeq) skipTo(seq int64) {
	for s := range o.applied {
		if s <= seq {
			delete(o.applied, s)
		}
	}
	if seq > o.watermark {
		o.watermark = seq
	}
	o.advance()
}

// Sequencer hands out transaction ids for the local node and tracks the ids
// received from every owner.
type Sequencer struct {
	local       string
	positions   int
	historySize int

	mu      sync.Mutex
	next    int64
	cursor  int
	busy    []bool
	owners  map[string]*ownerSeq
	history []TransactionID
	minSeq  map[string]int64
	dropped map[string]int64
}

// NewSequencer creates a sequencer for the local node. Zero sizes fall back
// to the defaults.
func NewSequencer(local string, positions, historySize int) *Sequencer {
	if positions <= 0 {
		positions = DefaultPositions
	}
	if historySize <= 0 {
		historySize = DefaultHistorySize
	}
	return &Sequencer{
		local:       local,
		positions:   positions,
		historySize: historySize,
		busy:        make([]bool, positions),
		owners:      map[string]*ownerSeq{},
		minSeq:      map[string]int64{},
		dropped:     map[string]int64{},
	}
}

// NextID reserves a position and returns the next id of the local node.
func (s *Sequencer) NextID() (TransactionID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := 0; i < s.positions; i++ {
		pos := (s.cursor + i) % s.positions
		if s.busy[pos] {
			continue
		}
		s.busy[pos] = true
		s.cursor = (pos + 1) % s.positions
		s.next++
		return TransactionID{NodeOwner: s.local, Position: int32(pos), Sequence: s.next}, nil
	}
	return TransactionID{}, ErrNoFreePosition
}

// Release frees the position held by a local id.
func (s *Sequencer) Release(id TransactionID) {
	if id.NodeOwner != s.local || id.Position < 0 || int(id.Position) >= s.positions {
		return
	}
	s.mu.Lock()
	s.busy[id.Position] = false
	s.mu.Unlock()
}

// Validate classifies id against the sequences already applied for its
// owner. An id below the high mark that was never applied fills a hole and
// is not a duplicate.
func (s *Sequencer) Validate(id TransactionID) Validation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.validateLocked(id)
}

func (s *Sequencer) validateLocked(id TransactionID) Validation {
	o := s.owners[id.NodeOwner]
	var expected int64 = 1
	if o != nil {
		expected = o.watermark + 1
	}
	v := Validation{Expected: expected, Got: id.Sequence}
	switch {
	case o != nil && o.has(id.Sequence):
		v.Status = Duplicate
	case id.Sequence == expected:
		v.Status = Valid
	default:
		v.Status = Gap
	}
	return v
}

// Notify records a completed transaction. Duplicates are ignored. An id
// past a hole is recorded and the hole stays open until its id arrives.
func (s *Sequencer) Notify(id TransactionID) Validation {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := s.validateLocked(id)
	if v.Status == Duplicate {
		return v
	}
	o := s.owners[id.NodeOwner]
	if o == nil {
		o = &ownerSeq{applied: map[int64]struct{}{}}
		s.owners[id.NodeOwner] = o
	}
	o.add(id.Sequence)
	if len(o.applied) > s.historySize {
		// Holes older than the retained history can no longer be served.
		o.skipTo(o.high - int64(s.historySize))
	}
	if lo, ok := s.minSeq[id.NodeOwner]; !ok || id.Sequence < lo {
		s.minSeq[id.NodeOwner] = id.Sequence
	}
	s.history = append(s.history, id)
	if over := len(s.history) - s.historySize; over > 0 {
		for _, d := range s.history[:over] {
			if d.Sequence > s.dropped[d.NodeOwner] {
				s.dropped[d.NodeOwner] = d.Sequence
			}
		}
		s.history = append(s.history[:0:0], s.history[over:]...)
	}
	return v
}

// Status returns the watermark of every owner.
func (s *Sequencer) Status() SequenceStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(SequenceStatus, len(s.owners))
	for k, o := range s.owners {
		out[k] = o.watermark
	}
	return out
}

// Holes returns the ids below each owner's high mark, within the retained
// history, that were never applied. They are ordered by owner then sequence
// with Position left zero.
func (s *Sequencer) Holes() []TransactionID {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []TransactionID
	for owner, o := range s.owners {
		from := max(o.watermark+1, o.high-int64(s.historySize))
		for seq := from; seq < o.high; seq++ {
			if _, ok := o.applied[seq]; !ok {
				out = append(out, TransactionID{NodeOwner: owner, Sequence: seq})
			}
		}
	}
	sortIDs(out)
	return out
}

// MissingTransactions returns the ids a follower with the given watermarks
// has not seen, ordered by owner then sequence. Holes the local node itself
// has not filled are reported by Holes, not here.
func (s *Sequencer) MissingTransactions(status SequenceStatus) ([]TransactionID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for owner, o := range s.owners {
		seen := status[owner]
		if seen >= o.high {
			continue
		}
		if seen < s.dropped[owner] || seen+1 < s.minSeq[owner] {
			return nil, fmt.Errorf("%w: owner %s follower at %d, history starts after %d",
				ErrHistoryTruncated, owner, seen, max(s.dropped[owner], s.minSeq[owner]-1))
		}
	}
	var out []TransactionID
	for _, id := range s.history {
		if id.Sequence > status[id.NodeOwner] {
			out = append(out, id)
		}
	}
	sortIDs(out)
	return out, nil
}

func sortIDs(ids []TransactionID) {
	sort.Slice(ids, func(i, j int) bool {
		if ids[i].NodeOwner != ids[j].NodeOwner {
			return ids[i].NodeOwner < ids[j].NodeOwner
		}
		return ids[i].Sequence < ids[j].Sequence
	})
}
