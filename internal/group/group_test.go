package group

import (
	"testing"

	pebblestore "github.com/rzbill/durastash/internal/storage/pebble"
)

func newTestDB(t *testing.T) *pebblestore.DB {
	t.Helper()
	dir := t.TempDir()
	db, err := pebblestore.Open(pebblestore.Options{DataDir: dir, Fsync: pebblestore.FsyncModeNever})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestEnsureCreatesOnFirstCall(t *testing.T) {
	db := newTestDB(t)

	meta, err := Ensure(db, "orders")
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if meta.Name != "orders" {
		t.Fatalf("name = %q, want orders", meta.Name)
	}
	if meta.CreatedAtMs == 0 {
		t.Fatalf("expected created_at_ms to be set")
	}
}

func TestEnsureIsIdempotent(t *testing.T) {
	db := newTestDB(t)

	first, err := Ensure(db, "orders")
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	second, err := Ensure(db, "orders")
	if err != nil {
		t.Fatalf("ensure again: %v", err)
	}
	if first.CreatedAtMs != second.CreatedAtMs {
		t.Fatalf("created_at_ms changed across calls: %d vs %d", first.CreatedAtMs, second.CreatedAtMs)
	}
}

func TestSetBatchSizeOverride(t *testing.T) {
	db := newTestDB(t)

	if _, err := Ensure(db, "orders"); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	meta, err := SetBatchSizeOverride(db, "orders", 250)
	if err != nil {
		t.Fatalf("set override: %v", err)
	}
	if meta.BatchSizeOverride != 250 {
		t.Fatalf("override = %d, want 250", meta.BatchSizeOverride)
	}

	reloaded, err := Ensure(db, "orders")
	if err != nil {
		t.Fatalf("ensure after override: %v", err)
	}
	if reloaded.BatchSizeOverride != 250 {
		t.Fatalf("override did not persist: got %d", reloaded.BatchSizeOverride)
	}
}

func TestDifferentGroupsDoNotShareOverrides(t *testing.T) {
	db := newTestDB(t)

	if _, err := SetBatchSizeOverride(db, "orders", 500); err != nil {
		t.Fatalf("set override orders: %v", err)
	}
	shipments, err := Ensure(db, "shipments")
	if err != nil {
		t.Fatalf("ensure shipments: %v", err)
	}
	if shipments.BatchSizeOverride != 0 {
		t.Fatalf("shipments override = %d, want 0 (no cross-group leakage)", shipments.BatchSizeOverride)
	}
}
