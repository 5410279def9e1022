package txn

import (
	"context"
	"fmt"
	"sync"

	"quorumdb/internal/protocol"
)

// memExecutor is a minimal record executor for exercising transactions.
type memExecutor struct {
	mu      sync.Mutex
	records map[string]protocol.Record
	failOn  string
}

func newMemExecutor() *memExecutor {
	return &memExecutor{records: map[string]protocol.Record{}}
}

func (m *memExecutor) CreateRecord(_ context.Context, _ string, rid string, content map[string]any) (protocol.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rid == m.failOn {
		return protocol.Record{}, fmt.Errorf("injected failure on %s", rid)
	}
	if _, ok := m.records[rid]; ok {
		return protocol.Record{}, protocol.ErrConcurrentCreate
	}
	rec := protocol.Record{RID: rid, Version: 1, Content: content}
	m.records[rid] = rec
	return rec, nil
}

func (m *memExecutor) ReadRecord(_ context.Context, _ string, rid string) (protocol.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[rid]
	if !ok {
		return protocol.Record{}, protocol.ErrRecordNotFound
	}
	return rec, nil
}

func (m *memExecutor) UpdateRecord(_ context.Context, _ string, rid string, content map[string]any, version int64) (protocol.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rid == m.failOn {
		return protocol.Record{}, fmt.Errorf("injected failure on %s", rid)
	}
	rec, ok := m.records[rid]
	if !ok {
		return protocol.Record{}, protocol.ErrRecordNotFound
	}
	if version != protocol.AnyVersion && version != rec.Version {
		return protocol.Record{}, protocol.ErrConcurrentModification
	}
	rec = protocol.Record{RID: rid, Version: rec.Version + 1, Content: content}
	m.records[rid] = rec
	return rec, nil
}

func (m *memExecutor) DeleteRecord(_ context.Context, _ string, rid string, _ int64) (protocol.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[rid]
	if !ok {
		return protocol.Record{}, protocol.ErrRecordNotFound
	}
	delete(m.records, rid)
	return rec, nil
}

func (m *memExecutor) FixRecord(_ context.Context, _ string, rec protocol.Record, deleted bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if deleted {
		delete(m.records, rec.RID)
		return nil
	}
	m.records[rec.RID] = rec
	return nil
}

func (m *memExecutor) Status(context.Context, string) (map[string]any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return map[string]any{"records": len(m.records)}, nil
}

func (m *memExecutor) get(rid string) (protocol.Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[rid]
	return rec, ok
}

func reqID(origin int32, seq int64) protocol.RequestID {
	return protocol.RequestID{OriginNodeID: origin, SequenceNumber: seq}
}

func requestCtx(id protocol.RequestID) context.Context {
	return protocol.WithRequest(context.Background(), &protocol.Request{ID: id, DatabaseName: "demo"})
}
