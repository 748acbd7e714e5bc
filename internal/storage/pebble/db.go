package pebblestore

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
)

// ErrBatchAlreadyOpen is returned by BeginBatch when a batch is already open
// on this DB handle. Only one write batch may be open at a time per handle.
var ErrBatchAlreadyOpen = errors.New("pebble: a write batch is already open on this handle")

// ErrNoBatchOpen is returned by batch operations issued without a prior
// successful BeginBatch call.
var ErrNoBatchOpen = errors.New("pebble: no write batch is open on this handle")

// FsyncMode defines durability behavior for write operations.
type FsyncMode int

const (
	FsyncModeUnspecified FsyncMode = iota
	// FsyncModeAlways requests a WAL fsync on each committed batch/write.
	FsyncModeAlways
	// FsyncModeInterval enables group-commit by allowing Pebble to coalesce WAL
	// syncs for operations within the configured interval.
	FsyncModeInterval
	// FsyncModeNever avoids forcing WAL syncs from the application. Pebble may
	// still sync based on its own policies. This mode trades durability latency
	// for throughput and should be used with care.
	FsyncModeNever
)

// Options configures the Pebble store wrapper.
type Options struct {
	// DataDir is the path to the Pebble database directory.
	DataDir string
	// Fsync determines when to sync the WAL.
	Fsync FsyncMode
	// FsyncInterval controls group-commit when Fsync=FsyncModeInterval.
	FsyncInterval time.Duration
	// PebbleOptions allows advanced tuning of Pebble. If nil, sensible defaults are used.
	PebbleOptions *pebble.Options
	// Metrics allows observing read/write/commit latencies and sizes. Optional.
	Metrics MetricsHook
}

// MetricsHook is a minimal hook surface for storage observations.
type MetricsHook interface {
	ObserveWrite(elapsed time.Duration, bytes int)
	ObserveRead(elapsed time.Duration, bytes int)
	ObserveBatchCommit(elapsed time.Duration, numOps int, bytes int)
}

// NoopMetrics is used when no metrics hook is provided.
type NoopMetrics struct{}

func (NoopMetrics) ObserveWrite(time.Duration, int)            {}
func (NoopMetrics) ObserveRead(time.Duration, int)             {}
func (NoopMetrics) ObserveBatchCommit(time.Duration, int, int) {}

// DB wraps a Pebble database instance with fsync policy and basic helpers.
type DB struct {
	inner     *pebble.DB
	writeSync bool
	metrics   MetricsHook

	batchMu   sync.Mutex
	openBatch *pebble.Batch
}

// Open creates or opens a Pebble database with the provided options.
func Open(opts Options) (*DB, error) {
	if opts.DataDir == "" {
		return nil, errors.New("pebble: Options.DataDir is required")
	}

	po := opts.PebbleOptions
	if po == nil {
		po = &pebble.Options{}
	}

	// Configure group-commit via WALMinSyncInterval when desired.
	switch opts.Fsync {
	case FsyncModeAlways:
		// Force Sync on each write. WALMinSyncInterval left at default (0).
		// We'll pass WriteOptions{Sync:true} on commits.
	case FsyncModeInterval:
		if opts.FsyncInterval <= 0 {
			opts.FsyncInterval = 5 * time.Millisecond
		}
		po.WALMinSyncInterval = func() time.Duration { return opts.FsyncInterval }
	case FsyncModeNever:
		// Neither set WALMinSyncInterval nor Sync on writes.
	default:
		// Default to small group-commit for reasonable latency/throughput tradeoff.
		po.WALMinSyncInterval = func() time.Duration { return 5 * time.Millisecond }
	}

	inner, err := pebble.Open(opts.DataDir, po)
	if err != nil {
		return nil, err
	}

	metrics := opts.Metrics
	if metrics == nil {
		metrics = NoopMetrics{}
	}

	db := &DB{
		inner:     inner,
		writeSync: opts.Fsync == FsyncModeAlways,
		metrics:   metrics,
	}
	return db, nil
}

// Close closes the Pebble database.
func (db *DB) Close() error {
	if db == nil || db.inner == nil {
		return nil
	}
	return db.inner.Close()
}

// CommitBatch commits the provided batch with the configured fsync policy.
func (db *DB) CommitBatch(ctx context.Context, b *pebble.Batch) error {
	if b == nil {
		return errors.New("pebble: nil batch")
	}
	start := time.Now()
	size := b.Len()
	defer db.metrics.ObserveBatchCommit(time.Since(start), 0, size)

	syncMode := pebble.NoSync
	if db.writeSync {
		syncMode = pebble.Sync
	}
	return b.Commit(syncMode)
}

// Set sets a key to a value using a small internal batch respecting fsync policy.
func (db *DB) Set(key, value []byte) error {
	b := db.inner.NewBatch()
	defer b.Close()
	if err := b.Set(key, value, nil); err != nil {
		return err
	}
	return db.CommitBatch(context.Background(), b)
}

// Delete removes a key using a small internal batch respecting fsync policy.
func (db *DB) Delete(key []byte) error {
	b := db.inner.NewBatch()
	defer b.Close()
	if err := b.Delete(key, nil); err != nil {
		return err
	}
	return db.CommitBatch(context.Background(), b)
}

// Get copies the value for the given key.
func (db *DB) Get(key []byte) ([]byte, error) {
	start := time.Now()
	val, closer, err := db.inner.Get(key)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, err
		}
		return nil, err
	}
	defer closer.Close()
	buf := append([]byte(nil), val...)
	db.metrics.ObserveRead(time.Since(start), len(buf))
	return buf, nil
}

// Exists reports whether key is present.
func (db *DB) Exists(key []byte) (bool, error) {
	_, closer, err := db.inner.Get(key)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	closer.Close()
	return true, nil
}

// KV is a single key/value pair returned by a scan.
type KV struct {
	Key   []byte
	Value []byte
}

// ScanPrefix returns all key/value pairs whose key starts with prefix, in
// ascending key order.
func (db *DB) ScanPrefix(prefix []byte) ([]KV, error) {
	upper := prefixUpperBound(prefix)
	return db.scanRange(prefix, upper, 0)
}

// ScanRange returns key/value pairs in [start, endInclusive], in ascending
// key order. A non-positive limit means unbounded.
func (db *DB) ScanRange(start, endInclusive []byte, limit int) ([]KV, error) {
	upper := append(append([]byte(nil), endInclusive...), 0x00)
	return db.scanRange(start, upper, limit)
}

func (db *DB) scanRange(lower, upper []byte, limit int) ([]KV, error) {
	start := time.Now()
	iter, err := db.inner.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var results []KV
	totalBytes := 0
	for iter.First(); iter.Valid(); iter.Next() {
		if limit > 0 && len(results) >= limit {
			break
		}
		k := append([]byte(nil), iter.Key()...)
		v := append([]byte(nil), iter.Value()...)
		totalBytes += len(v)
		results = append(results, KV{Key: k, Value: v})
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}
	db.metrics.ObserveRead(time.Since(start), totalBytes)
	return results, nil
}

// prefixUpperBound returns the smallest key greater than every key with the
// given prefix, or nil if prefix is all 0xFF bytes (meaning unbounded above).
func prefixUpperBound(prefix []byte) []byte {
	upper := append([]byte(nil), prefix...)
	for i := len(upper) - 1; i >= 0; i-- {
		if upper[i] != 0xFF {
			upper[i]++
			return upper[:i+1]
		}
	}
	return nil
}

// WriteBatch is an atomic multi-key write guarded against concurrent use:
// only one WriteBatch may be open at a time per DB handle.
type WriteBatch struct {
	db  *DB
	b   *pebble.Batch
	ops int
}

// BeginBatch opens a new write batch on this handle. It fails with
// ErrBatchAlreadyOpen if another batch is already open and has not been
// committed or rolled back.
func (db *DB) BeginBatch() (*WriteBatch, error) {
	db.batchMu.Lock()
	defer db.batchMu.Unlock()
	if db.openBatch != nil {
		return nil, ErrBatchAlreadyOpen
	}
	b := db.inner.NewBatch()
	db.openBatch = b
	return &WriteBatch{db: db, b: b}, nil
}

// PutInto stages a key/value write within the batch.
func (wb *WriteBatch) PutInto(key, value []byte) error {
	if wb.b == nil {
		return ErrNoBatchOpen
	}
	if err := wb.b.Set(key, value, nil); err != nil {
		return err
	}
	wb.ops++
	return nil
}

// DeleteInto stages a key deletion within the batch.
func (wb *WriteBatch) DeleteInto(key []byte) error {
	if wb.b == nil {
		return ErrNoBatchOpen
	}
	if err := wb.b.Delete(key, nil); err != nil {
		return err
	}
	wb.ops++
	return nil
}

// Commit applies all staged operations atomically and releases the batch
// slot on the DB handle.
func (wb *WriteBatch) Commit(ctx context.Context) error {
	if wb.b == nil {
		return ErrNoBatchOpen
	}
	start := time.Now()
	size := wb.b.Len()
	defer wb.db.metrics.ObserveBatchCommit(time.Since(start), wb.ops, size)

	syncMode := pebble.NoSync
	if wb.db.writeSync {
		syncMode = pebble.Sync
	}
	err := wb.b.Commit(syncMode)
	wb.release()
	return err
}

// Rollback discards all staged operations and releases the batch slot on
// the DB handle without applying any writes.
func (wb *WriteBatch) Rollback() error {
	if wb.b == nil {
		return ErrNoBatchOpen
	}
	err := wb.b.Close()
	wb.release()
	return err
}

func (wb *WriteBatch) release() {
	wb.db.batchMu.Lock()
	if wb.db.openBatch == wb.b {
		wb.db.openBatch = nil
	}
	wb.db.batchMu.Unlock()
	wb.b = nil
}
