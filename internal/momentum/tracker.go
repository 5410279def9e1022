package momentum

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"pkt.systems/pslog"

	"quorumdb/internal/clock"
	"quorumdb/internal/docstore"
)

// DocumentName is the name under which the sync document of db is stored.
func DocumentName(db string) string {
	return "distributed-sync-" + db + ".json"
}

// Tracker holds the sync document of one database and writes it back when
// it changed.
type Tracker struct {
	db     string
	store  docstore.Store
	clock  clock.Clock
	logger pslog.Logger

	mu    sync.Mutex
	doc   Document
	dirty bool
}

// NewTracker creates a tracker for db persisted in store.
func NewTracker(db string, store docstore.Store, clk clock.Clock, logger pslog.Logger) *Tracker {
	if clk == nil {
		clk = clock.Real{}
	}
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &Tracker{
		db:     db,
		store:  store,
		clock:  clk,
		logger: logger.With("svc", "momentum", "db", db),
		doc:    Document{Peers: map[string]Position{}},
	}
}

// Load replaces the in-memory document with the stored one. A missing
// document leaves an empty one.
func (t *Tracker) Load(ctx context.Context) error {
	data, err := t.store.Get(ctx, DocumentName(t.db))
	if errors.Is(err, docstore.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("momentum: load %s: %w", t.db, err)
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}
	t.mu.Lock()
	t.doc = doc
	t.dirty = false
	t.mu.Unlock()
	return nil
}

// Save writes the document when it changed since the last save.
func (t *Tracker) Save(ctx context.Context) error {
	t.mu.Lock()
	if !t.dirty {
		t.mu.Unlock()
		return nil
	}
	doc := t.doc.Clone()
	t.mu.Unlock()

	data, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	if err := t.store.Put(ctx, DocumentName(t.db), data); err != nil {
		return fmt.Errorf("momentum: save %s: %w", t.db, err)
	}
	t.mu.Lock()
	if t.doc.Version == doc.Version {
		t.dirty = false
	}
	t.mu.Unlock()
	return nil
}

// SetLastPosition records the last position acknowledged from node.
func (t *Tracker) SetLastPosition(node string, pos Position, updateTimestamp bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cur, ok := t.doc.Peers[node]; ok && cur == pos && !updateTimestamp {
		return
	}
	if t.doc.Peers == nil {
		t.doc.Peers = map[string]Position{}
	}
	t.doc.Peers[node] = pos
	if updateTimestamp {
		t.doc.LastOperationTimestamp = t.clock.Now().UnixMilli()
	}
	t.doc.Version++
	t.dirty = true
}

// LastPosition returns the last position acknowledged from node.
func (t *Tracker) LastPosition(node string) (Position, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	pos, ok := t.doc.Peers[node]
	return pos, ok
}

// LastOperation returns when the last operation was applied, or the zero
// time.
func (t *Tracker) LastOperation() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.doc.LastOperationTimestamp == 0 {
		return time.Time{}
	}
	return time.UnixMilli(t.doc.LastOperationTimestamp)
}

// NeedsResync reports whether node has moved past the last position
// acknowledged from it.
func (t *Tracker) NeedsResync(node string, current Position) bool {
	last, ok := t.LastPosition(node)
	return !ok || last.Less(current)
}

// Document returns a copy of the current document.
func (t *Tracker) Document() Document {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.doc.Clone()
}

// Dirty reports whether there are unsaved changes.
func (t *Tracker) Dirty() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dirty
}

// Run saves the document every interval until ctx is done, then saves a
// last time.
func (t *Tracker) Run(ctx context.Context, interval time.Duration) {
	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := t.Save(flushCtx); err != nil {
				t.logger.Warn("momentum.save.failed", "error", err)
			}
			cancel()
			return
		case <-t.clock.After(interval):
			if err := t.Save(ctx); err != nil {
				t.logger.Warn("momentum.save.failed", "error", err)
			}
		}
	}
}
