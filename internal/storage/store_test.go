package storage

import (
	"context"
	"errors"
	"sync"
	"testing"

	"quorumdb/internal/protocol"
)

func TestInMemoryStore_CreateRead(t *testing.T) {
	store := NewInMemoryStore("node1")
	ctx := context.Background()

	rec, err := store.CreateRecord(ctx, "demo", "#1:1", map[string]any{"name": "a"})
	if err != nil {
		t.Fatalf("CreateRecord: %v", err)
	}
	if rec.Version != 1 {
		t.Errorf("Expected version 1, got %d", rec.Version)
	}

	got, err := store.ReadRecord(ctx, "demo", "#1:1")
	if err != nil {
		t.Fatalf("ReadRecord: %v", err)
	}
	if got.Content["name"] != "a" {
		t.Errorf("Expected name 'a', got %v", got.Content["name"])
	}

	if _, err := store.ReadRecord(ctx, "other", "#1:1"); !errors.Is(err, protocol.ErrRecordNotFound) {
		t.Errorf("Expected not found in another database, got %v", err)
	}
}

func TestInMemoryStore_CreateConflict(t *testing.T) {
	store := NewInMemoryStore("node1")
	ctx := context.Background()
	if _, err := store.CreateRecord(ctx, "demo", "#1:1", nil); err != nil {
		t.Fatal(err)
	}
	_, err := store.CreateRecord(ctx, "demo", "#1:1", nil)
	if !errors.Is(err, protocol.ErrConcurrentCreate) {
		t.Fatalf("Expected concurrent create, got %v", err)
	}
	if !protocol.AsRemoteError(err).IsLockConflict() {
		t.Error("Concurrent create must count as a lock conflict")
	}

	if _, err := store.CreateRecord(ctx, "demo", "bogus", nil); err == nil {
		t.Error("Expected invalid rid to be rejected")
	}
}

func TestInMemoryStore_UpdateVersionCheck(t *testing.T) {
	store := NewInMemoryStore("node1")
	ctx := context.Background()
	store.CreateRecord(ctx, "demo", "#1:1", map[string]any{"n": 1})

	rec, err := store.UpdateRecord(ctx, "demo", "#1:1", map[string]any{"n": 2}, 1)
	if err != nil {
		t.Fatalf("UpdateRecord: %v", err)
	}
	if rec.Version != 2 {
		t.Errorf("Expected version 2, got %d", rec.Version)
	}

	_, err = store.UpdateRecord(ctx, "demo", "#1:1", map[string]any{"n": 3}, 1)
	if !errors.Is(err, protocol.ErrConcurrentModification) {
		t.Errorf("Expected concurrent modification, got %v", err)
	}

	rec, err = store.UpdateRecord(ctx, "demo", "#1:1", map[string]any{"n": 4}, protocol.AnyVersion)
	if err != nil || rec.Version != 3 {
		t.Errorf("Expected unconditional update to version 3, got %d (%v)", rec.Version, err)
	}

	if _, err := store.UpdateRecord(ctx, "demo", "#1:9", nil, 1); !errors.Is(err, protocol.ErrRecordNotFound) {
		t.Errorf("Expected not found, got %v", err)
	}
}

func TestInMemoryStore_DeleteLeavesTombstone(t *testing.T) {
	store := NewInMemoryStore("node1")
	ctx := context.Background()
	store.CreateRecord(ctx, "demo", "#1:1", map[string]any{"n": 1})

	deleted, err := store.DeleteRecord(ctx, "demo", "#1:1", 1)
	if err != nil {
		t.Fatalf("DeleteRecord: %v", err)
	}
	if deleted.Content["n"] != 1 {
		t.Errorf("Expected deleted content to be returned, got %v", deleted.Content)
	}

	vr := store.Get("demo", "#1:1")
	if vr == nil || !vr.IsTombstone() || vr.Version != 2 {
		t.Fatalf("Expected tombstone at version 2, got %+v", vr)
	}
	if _, err := store.ReadRecord(ctx, "demo", "#1:1"); !errors.Is(err, protocol.ErrRecordNotFound) {
		t.Errorf("Expected tombstone to read as not found, got %v", err)
	}

	rec, err := store.CreateRecord(ctx, "demo", "#1:1", nil)
	if err != nil || rec.Version != 3 {
		t.Errorf("Expected create over tombstone at version 3, got %d (%v)", rec.Version, err)
	}
}

func TestInMemoryStore_FixRecordForcesState(t *testing.T) {
	store := NewInMemoryStore("node1")
	ctx := context.Background()
	store.CreateRecord(ctx, "demo", "#1:1", map[string]any{"n": 1})
	store.UpdateRecord(ctx, "demo", "#1:1", map[string]any{"n": 2}, 1)

	// Older version wins when forced.
	err := store.FixRecord(ctx, "demo", protocol.Record{RID: "#1:1", Version: 1, Content: map[string]any{"n": 1}}, false)
	if err != nil {
		t.Fatalf("FixRecord: %v", err)
	}
	rec, _ := store.ReadRecord(ctx, "demo", "#1:1")
	if rec.Version != 1 || rec.Content["n"] != 1 {
		t.Errorf("Expected forced state, got %+v", rec)
	}

	if err := store.FixRecord(ctx, "demo", protocol.Record{RID: "#1:1", Version: 5}, true); err != nil {
		t.Fatal(err)
	}
	if vr := store.Get("demo", "#1:1"); !vr.IsTombstone() || vr.Version != 5 {
		t.Errorf("Expected tombstone at version 5, got %+v", vr)
	}
}

func TestInMemoryStore_ConcurrentCreate(t *testing.T) {
	store := NewInMemoryStore("node1")
	ctx := context.Background()

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := store.CreateRecord(ctx, "demo", "#1:1", nil); err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if succeeded != 1 {
		t.Errorf("Expected exactly one create to win, got %d", succeeded)
	}
}

func TestInMemoryStore_GetReturnsCopy(t *testing.T) {
	store := NewInMemoryStore("node1")
	ctx := context.Background()
	store.CreateRecord(ctx, "demo", "#1:1", map[string]any{"n": "a"})

	rec, _ := store.ReadRecord(ctx, "demo", "#1:1")
	rec.Content["n"] = "changed"

	again, _ := store.ReadRecord(ctx, "demo", "#1:1")
	if again.Content["n"] != "a" {
		t.Error("ReadRecord should return independent copies")
	}
}

func TestInMemoryStore_StatusAndListing(t *testing.T) {
	store := NewInMemoryStore("node1")
	ctx := context.Background()
	store.CreateRecord(ctx, "demo", "#1:2", nil)
	store.CreateRecord(ctx, "demo", "#1:1", nil)
	store.CreateRecord(ctx, "demo", "#1:3", nil)
	store.DeleteRecord(ctx, "demo", "#1:3", protocol.AnyVersion)

	status, err := store.Status(ctx, "demo")
	if err != nil {
		t.Fatal(err)
	}
	if status["records"] != 2 || status["tombstones"] != 1 {
		t.Errorf("Unexpected status %v", status)
	}

	recs := store.Records("demo")
	if len(recs) != 2 || recs[0].RID != "#1:1" {
		t.Errorf("Expected records ordered by rid, got %v", recs)
	}
	if dbs := store.Databases(); len(dbs) != 1 || dbs[0] != "demo" {
		t.Errorf("Unexpected databases %v", dbs)
	}
}
