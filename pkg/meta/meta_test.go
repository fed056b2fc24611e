package meta

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/jacktea/depot/pkg/blob"
	"github.com/jacktea/depot/pkg/digest"
	"github.com/jacktea/depot/pkg/xerrors"
)

func newBoltStore(t *testing.T) *BoltStore {
	t.Helper()
	store, err := NewBoltStore(BoltConfig{Path: filepath.Join(t.TempDir(), "meta.db")})
	if err != nil {
		t.Fatalf("new bolt store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func testRecord(id, payload string, at time.Time) FileRecord {
	return FileRecord{
		ID:          id,
		Fingerprint: digest.Sum([]byte(payload)),
		DisplayName: payload + ".bin",
		StorageRef:  blob.NewRef(),
		Size:        int64(len(payload)),
		ContentType: "application/octet-stream",
		UploadedAt:  at,
	}
}

func runStoreTests(t *testing.T, store Store) {
	ctx := context.Background()
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	first := testRecord("id-1", "alpha", base)
	if err := store.Insert(ctx, first); err != nil {
		t.Fatalf("insert: %v", err)
	}

	got, err := store.FindByID(ctx, first.ID)
	if err != nil {
		t.Fatalf("find by id: %v", err)
	}
	if got.Fingerprint != first.Fingerprint || got.DisplayName != first.DisplayName {
		t.Fatalf("record mismatch: %+v", got)
	}

	got, err = store.FindByFingerprint(ctx, first.Fingerprint)
	if err != nil {
		t.Fatalf("find by fingerprint: %v", err)
	}
	if got.ID != first.ID {
		t.Fatalf("fingerprint resolved to %s, want %s", got.ID, first.ID)
	}

	// Same fingerprint under a new id must be rejected.
	dup := testRecord("id-2", "alpha", base.Add(time.Minute))
	if err := store.Insert(ctx, dup); xerrors.KindOf(err) != xerrors.KindConflict {
		t.Fatalf("duplicate fingerprint insert: %v", err)
	}
	// Same id must be rejected too.
	reuse := testRecord("id-1", "other", base.Add(time.Minute))
	if err := store.Insert(ctx, reuse); xerrors.KindOf(err) != xerrors.KindConflict {
		t.Fatalf("duplicate id insert: %v", err)
	}

	second := testRecord("id-2", "beta", base.Add(time.Hour))
	if err := store.Insert(ctx, second); err != nil {
		t.Fatalf("insert second: %v", err)
	}

	records, err := store.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(records) != 2 || records[0].ID != "id-2" || records[1].ID != "id-1" {
		t.Fatalf("list order wrong: %+v", records)
	}

	if n, err := store.Count(ctx); err != nil || n != 2 {
		t.Fatalf("count = %d, %v", n, err)
	}

	// Update with a changed fingerprint remaps the index.
	changed := first
	changed.Fingerprint = digest.Sum([]byte("alpha-v2"))
	changed.Description = "replaced"
	if err := store.Update(ctx, changed); err != nil {
		t.Fatalf("update: %v", err)
	}
	if _, err := store.FindByFingerprint(ctx, first.Fingerprint); xerrors.KindOf(err) != xerrors.KindNotFound {
		t.Fatalf("stale fingerprint still resolves: %v", err)
	}
	got, err = store.FindByFingerprint(ctx, changed.Fingerprint)
	if err != nil || got.Description != "replaced" {
		t.Fatalf("new fingerprint lookup: %+v, %v", got, err)
	}

	missing := testRecord("id-9", "nope", base)
	if err := store.Update(ctx, missing); xerrors.KindOf(err) != xerrors.KindNotFound {
		t.Fatalf("update of missing id: %v", err)
	}

	if err := store.Remove(ctx, "id-1"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := store.Remove(ctx, "id-1"); err != nil {
		t.Fatalf("second remove: %v", err)
	}
	if _, err := store.FindByID(ctx, "id-1"); xerrors.KindOf(err) != xerrors.KindNotFound {
		t.Fatalf("find after remove: %v", err)
	}
	// id-2 is still live, so its fingerprint stays taken.
	taken := testRecord("id-3", "beta", base.Add(2*time.Hour))
	if err := store.Insert(ctx, taken); xerrors.KindOf(err) != xerrors.KindConflict {
		t.Fatalf("fingerprint of live id-2 reusable? %v", err)
	}
	// The removed record's fingerprint is free again.
	relive := testRecord("id-3", "alpha-v2", base.Add(2*time.Hour))
	if err := store.Insert(ctx, relive); err != nil {
		t.Fatalf("reinsert freed fingerprint: %v", err)
	}
}

func TestMemoryStore(t *testing.T) {
	runStoreTests(t, NewMemoryStore())
}

func TestBoltStore(t *testing.T) {
	runStoreTests(t, newBoltStore(t))
}

func TestCachedStore(t *testing.T) {
	runStoreTests(t, NewCachedStore(NewMemoryStore(), 128, time.Minute))
}

func TestBoltStoreReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "meta.db")
	store, err := NewBoltStore(BoltConfig{Path: path})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	record := testRecord("id-1", "persistent", time.Now().UTC())
	if err := store.Insert(ctx, record); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	store, err = NewBoltStore(BoltConfig{Path: path})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer store.Close()
	got, err := store.FindByID(ctx, record.ID)
	if err != nil {
		t.Fatalf("find after reopen: %v", err)
	}
	if got.Fingerprint != record.Fingerprint {
		t.Fatalf("fingerprint lost across reopen: %+v", got)
	}
}

func TestCachedStoreInvalidation(t *testing.T) {
	ctx := context.Background()
	inner := NewMemoryStore()
	cached := NewCachedStore(inner, 16, time.Minute)

	record := testRecord("id-1", "cached", time.Now().UTC())
	if err := cached.Insert(ctx, record); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := cached.FindByID(ctx, record.ID); err != nil {
		t.Fatalf("warm lookup: %v", err)
	}

	if err := cached.Remove(ctx, record.ID); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := cached.FindByID(ctx, record.ID); xerrors.KindOf(err) != xerrors.KindNotFound {
		t.Fatalf("cache served a removed record: %v", err)
	}
	if _, err := cached.FindByFingerprint(ctx, record.Fingerprint); xerrors.KindOf(err) != xerrors.KindNotFound {
		t.Fatalf("cache served a removed fingerprint: %v", err)
	}
}

func TestCachedStoreUpdateInvalidatesEvictedEntry(t *testing.T) {
	ctx := context.Background()
	inner := NewMemoryStore()
	cached := NewCachedStore(inner, 16, time.Minute)

	record := testRecord("id-1", "before", time.Now().UTC())
	if err := cached.Insert(ctx, record); err != nil {
		t.Fatalf("insert: %v", err)
	}
	oldFP := record.Fingerprint
	// Evict the id entry while the fingerprint entry survives, then change
	// the fingerprint through an update.
	cached.byID.Remove(record.ID)
	record.Fingerprint = digest.Sum([]byte("after"))
	if err := cached.Update(ctx, record); err != nil {
		t.Fatalf("update: %v", err)
	}

	if _, err := cached.FindByFingerprint(ctx, oldFP); xerrors.KindOf(err) != xerrors.KindNotFound {
		t.Fatalf("cache served the superseded fingerprint: %v", err)
	}
	got, err := cached.FindByFingerprint(ctx, record.Fingerprint)
	if err != nil || got.ID != record.ID {
		t.Fatalf("new fingerprint lookup: %+v, %v", got, err)
	}
}
