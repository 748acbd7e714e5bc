// Package pebblestore provides a thin wrapper around Pebble with fsync
// policy, an atomic write-batch primitive, and minimal metrics hooks.
//
// Usage:
//
//	db, err := pebblestore.Open(pebblestore.Options{
//	    DataDir: "./data",
//	    Fsync:   pebblestore.FsyncModeInterval,
//	})
//	if err != nil { /* handle */ }
//	defer db.Close()
//
//	// Atomic multi-key updates
//	wb, err := db.BeginBatch()
//	_ = wb.PutInto([]byte("k"), []byte("v"))
//	_ = wb.DeleteInto([]byte("stale"))
//	_ = wb.Commit(context.Background())
//
//	// Point ops
//	_ = db.Set([]byte("k2"), []byte("v2"))
//	v, _ := db.Get([]byte("k2"))
package pebblestore
