package storage

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"sync"
	"time"

	"quorumdb/internal/protocol"
)

// VersionedRecord is a stored record with its version.
type VersionedRecord struct {
	Content   map[string]any
	Version   int64
	Deleted   bool // tombstone
	UpdatedAt time.Time
}

// IsTombstone reports whether the record was deleted.
func (vr *VersionedRecord) IsTombstone() bool {
	return vr.Deleted
}

func (vr *VersionedRecord) record(rid string) protocol.Record {
	return protocol.Record{RID: rid, Version: vr.Version, Content: maps.Clone(vr.Content)}
}

// InMemoryStore is a thread-safe record store holding several databases.
// It implements protocol.Executor.
type InMemoryStore struct {
	mu     sync.RWMutex
	data   map[string]map[string]*VersionedRecord
	nodeID string
	now    func() time.Time
}

var _ protocol.Executor = (*InMemoryStore)(nil)

// NewInMemoryStore creates an empty store for nodeID.
func NewInMemoryStore(nodeID string) *InMemoryStore {
	return &InMemoryStore{
		data:   make(map[string]map[string]*VersionedRecord),
		nodeID: nodeID,
		now:    time.Now,
	}
}

func (s *InMemoryStore) db(name string) map[string]*VersionedRecord {
	d, ok := s.data[name]
	if !ok {
		d = make(map[string]*VersionedRecord)
		s.data[name] = d
	}
	return d
}

func validRID(rid string) error {
	if _, _, err := protocol.ParseRID(rid); err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	return nil
}

func notFound(rid string) error {
	return &protocol.RemoteError{Code: protocol.CodeRecordNotFound, Message: fmt.Sprintf("record %s not found", rid)}
}

// Get returns a copy of the stored entry, tombstones included, or nil.
func (s *InMemoryStore) Get(db, rid string) *VersionedRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	vr, ok := s.data[db][rid]
	if !ok {
		return nil
	}
	cp := *vr
	cp.Content = maps.Clone(vr.Content)
	return &cp
}

// CreateRecord stores a new record at version 1, or one past the version
// of a tombstone left at rid.
func (s *InMemoryStore) CreateRecord(_ context.Context, db, rid string, content map[string]any) (protocol.Record, error) {
	if err := validRID(rid); err != nil {
		return protocol.Record{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	d := s.db(db)
	version := int64(1)
	if existing, ok := d[rid]; ok {
		if !existing.Deleted {
			return protocol.Record{}, &protocol.RemoteError{
				Code:    protocol.CodeConcurrentCreate,
				Message: fmt.Sprintf("record %s already exists", rid),
			}
		}
		version = existing.Version + 1
	}
	vr := &VersionedRecord{Content: maps.Clone(content), Version: version, UpdatedAt: s.now()}
	d[rid] = vr
	return vr.record(rid), nil
}

// ReadRecord returns the live record at rid.
func (s *InMemoryStore) ReadRecord(_ context.Context, db, rid string) (protocol.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	vr, ok := s.data[db][rid]
	if !ok || vr.Deleted {
		return protocol.Record{}, notFound(rid)
	}
	return vr.record(rid), nil
}

// UpdateRecord replaces the content of rid when version matches, or
// unconditionally with protocol.AnyVersion.
func (s *InMemoryStore) UpdateRecord(_ context.Context, db, rid string, content map[string]any, version int64) (protocol.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	vr, ok := s.data[db][rid]
	if !ok || vr.Deleted {
		return protocol.Record{}, notFound(rid)
	}
	if version != protocol.AnyVersion && version != vr.Version {
		return protocol.Record{}, &protocol.RemoteError{
			Code:    protocol.CodeConcurrentModification,
			Message: fmt.Sprintf("record %s is at version %d, update expected %d", rid, vr.Version, version),
		}
	}
	next := &VersionedRecord{Content: maps.Clone(content), Version: vr.Version + 1, UpdatedAt: s.now()}
	s.data[db][rid] = next
	return next.record(rid), nil
}

// DeleteRecord replaces rid with a tombstone and returns the deleted
// record.
func (s *InMemoryStore) DeleteRecord(_ context.Context, db, rid string, version int64) (protocol.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	vr, ok := s.data[db][rid]
	if !ok || vr.Deleted {
		return protocol.Record{}, notFound(rid)
	}
	if version != protocol.AnyVersion && version != vr.Version {
		return protocol.Record{}, &protocol.RemoteError{
			Code:    protocol.CodeConcurrentModification,
			Message: fmt.Sprintf("record %s is at version %d, delete expected %d", rid, vr.Version, version),
		}
	}
	deleted := vr.record(rid)
	s.data[db][rid] = &VersionedRecord{Version: vr.Version + 1, Deleted: true, UpdatedAt: s.now()}
	return deleted, nil
}

// FixRecord overwrites rid with exactly rec, or with a tombstone when
// deleted is set. Versions are taken as given so a replica can be brought
// back to the state agreed by the others, older or newer.
func (s *InMemoryStore) FixRecord(_ context.Context, db string, rec protocol.Record, deleted bool) error {
	if err := validRID(rec.RID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	vr := &VersionedRecord{Version: rec.Version, Deleted: deleted, UpdatedAt: s.now()}
	if !deleted {
		vr.Content = maps.Clone(rec.Content)
	}
	s.db(db)[rec.RID] = vr
	return nil
}

// Status reports the record count of db.
func (s *InMemoryStore) Status(_ context.Context, db string) (map[string]any, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	live, tombstones := 0, 0
	for _, vr := range s.data[db] {
		if vr.Deleted {
			tombstones++
			continue
		}
		live++
	}
	return map[string]any{
		"node":       s.nodeID,
		"database":   db,
		"records":    live,
		"tombstones": tombstones,
	}, nil
}

// Databases returns the names of the databases holding any record.
func (s *InMemoryStore) Databases() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.data))
	for name := range s.data {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Records returns the live records of db ordered by rid.
func (s *InMemoryStore) Records(db string) []protocol.Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]protocol.Record, 0, len(s.data[db]))
	for rid, vr := range s.data[db] {
		if !vr.Deleted {
			out = append(out, vr.record(rid))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RID < out[j].RID })
	return out
}
