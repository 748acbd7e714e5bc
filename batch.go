package durastash

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	pebblestore "github.com/rzbill/durastash/internal/storage/pebble"
	"github.com/rzbill/durastash/pkg/log"
	"github.com/rzbill/durastash/pkg/ulid"
)

// batchManager owns BatchMetadata records and the payload keys they govern.
// The read-modify-write for mark_loaded is serialized by mu; the KV itself
// offers no compare-and-swap.
type batchManager struct {
	mu  sync.Mutex
	db  *pebblestore.DB
	log log.Logger
}

func newBatchManager(db *pebblestore.DB, logger log.Logger) *batchManager {
	return &batchManager{db: db, log: logger}
}

// create writes a new PENDING batch covering [seqStart, seqEnd] and returns
// its ID.
func (bm *batchManager) create(group, session string, seqStart, seqEnd int64) (string, error) {
	bm.mu.Lock()
	defer bm.mu.Unlock()

	batchID := ulid.Generate().String()
	meta := BatchMetadata{
		BatchID:       batchID,
		SequenceStart: seqStart,
		SequenceEnd:   seqEnd,
		Status:        BatchPending,
		CreatedAt:     time.Now().UnixMilli(),
	}
	if err := bm.writeMeta(group, session, meta); err != nil {
		return "", err
	}
	return batchID, nil
}

// markLoaded transitions a PENDING batch to LOADED. loaded reports whether
// this call performed the transition; it is false (with nil error) if the
// batch was already LOADED.
func (bm *batchManager) markLoaded(group, session, batchID string) (loaded bool, err error) {
	bm.mu.Lock()
	defer bm.mu.Unlock()

	meta, err := bm.readMeta(group, session, batchID)
	if err != nil {
		return false, err
	}
	if meta.Status == BatchLoaded {
		return false, nil
	}
	meta.Status = BatchLoaded
	meta.LoadedAt = time.Now().UnixMilli()
	if err := bm.writeMeta(group, session, meta); err != nil {
		return false, err
	}
	return true, nil
}

// metadata returns the current BatchMetadata for batchID.
func (bm *batchManager) metadata(group, session, batchID string) (BatchMetadata, error) {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	return bm.readMeta(group, session, batchID)
}

// acknowledge atomically deletes a batch's metadata and every payload key in
// its range. Either all of it disappears or none of it does.
func (bm *batchManager) acknowledge(group, session, batchID string) error {
	bm.mu.Lock()
	defer bm.mu.Unlock()

	meta, err := bm.readMeta(group, session, batchID)
	if err != nil {
		return err
	}
	return bm.acknowledgeLocked(group, session, meta)
}

func (bm *batchManager) acknowledgeLocked(group, session string, meta BatchMetadata) error {
	wb, err := bm.db.BeginBatch()
	if err != nil {
		return newError(KindTransientIO, "begin ack batch", err)
	}
	if err := wb.DeleteInto(batchMetaKey(group, session, meta.BatchID)); err != nil {
		_ = wb.Rollback()
		return newError(KindTransientIO, "stage metadata delete", err)
	}
	for _, key := range generateDataKeys(group, session, meta.BatchID, meta.SequenceStart, meta.SequenceEnd) {
		if err := wb.DeleteInto(key); err != nil {
			_ = wb.Rollback()
			return newError(KindTransientIO, "stage payload delete", err)
		}
	}
	if err := wb.Commit(context.Background()); err != nil {
		return newError(KindTransientIO, "commit ack batch", err)
	}
	return nil
}

// resaveAtomic stages, in one KV write batch, the new batch's metadata and
// payloads plus the original batch's metadata and payload deletes, so the
// ack of the original and the creation of the new batch land together or
// not at all. originalBatchID must currently be LOADED.
func (bm *batchManager) resaveAtomic(group, session, originalBatchID string, newSeqStart, newSeqEnd int64, payloads [][]byte) (string, error) {
	bm.mu.Lock()
	defer bm.mu.Unlock()

	origMeta, err := bm.readMeta(group, session, originalBatchID)
	if err != nil {
		return "", err
	}
	if origMeta.Status != BatchLoaded {
		return "", newError(KindBatchNotFound, "resave: original batch is not loaded", nil)
	}

	newBatchID := ulid.Generate().String()
	newMeta := BatchMetadata{
		BatchID:       newBatchID,
		SequenceStart: newSeqStart,
		SequenceEnd:   newSeqEnd,
		Status:        BatchPending,
		CreatedAt:     time.Now().UnixMilli(),
	}
	newMetaBytes, err := json.Marshal(newMeta)
	if err != nil {
		return "", err
	}

	wb, err := bm.db.BeginBatch()
	if err != nil {
		return "", newError(KindTransientIO, "begin resave batch", err)
	}
	if err := wb.PutInto(batchMetaKey(group, session, newBatchID), newMetaBytes); err != nil {
		_ = wb.Rollback()
		return "", newError(KindTransientIO, "stage new batch metadata", err)
	}
	newKeys := generateDataKeys(group, session, newBatchID, newSeqStart, newSeqEnd)
	for i, key := range newKeys {
		if err := wb.PutInto(key, payloads[i]); err != nil {
			_ = wb.Rollback()
			return "", newError(KindTransientIO, "stage new payload", err)
		}
	}
	if err := wb.DeleteInto(batchMetaKey(group, session, originalBatchID)); err != nil {
		_ = wb.Rollback()
		return "", newError(KindTransientIO, "stage original metadata delete", err)
	}
	for _, key := range generateDataKeys(group, session, originalBatchID, origMeta.SequenceStart, origMeta.SequenceEnd) {
		if err := wb.DeleteInto(key); err != nil {
			_ = wb.Rollback()
			return "", newError(KindTransientIO, "stage original payload delete", err)
		}
	}
	if err := wb.Commit(context.Background()); err != nil {
		return "", newError(KindTransientIO, "commit resave batch", err)
	}
	return newBatchID, nil
}

// loadableBatches returns the metadata of up to n PENDING batches in FIFO
// order (ascending sequence_start, batch ID as tiebreaker); n <= 0 means all.
func (bm *batchManager) loadableBatches(group, session string, n int) ([]BatchMetadata, error) {
	bm.mu.Lock()
	defer bm.mu.Unlock()

	rows, err := bm.db.ScanPrefix(batchMetaPrefix(group, session))
	if err != nil {
		return nil, newError(KindTransientIO, "scan batch metadata", err)
	}

	var pending []BatchMetadata
	for _, row := range rows {
		meta, err := unmarshalBatchMetadata(row.Value)
		if err != nil {
			continue
		}
		if meta.Status == BatchPending {
			pending = append(pending, meta)
		}
	}
	sort.SliceStable(pending, func(i, j int) bool {
		if pending[i].SequenceStart != pending[j].SequenceStart {
			return pending[i].SequenceStart < pending[j].SequenceStart
		}
		return pending[i].BatchID < pending[j].BatchID
	})
	if n > 0 && len(pending) > n {
		pending = pending[:n]
	}
	return pending, nil
}

// reclaimAbandoned demotes every LOADED batch of session back to PENDING.
// Callers must already have confirmed session is TERMINATED; this is an
// explicit, caller-invoked transition, never run automatically.
func (bm *batchManager) reclaimAbandoned(group, session string) (int, error) {
	bm.mu.Lock()
	defer bm.mu.Unlock()

	rows, err := bm.db.ScanPrefix(batchMetaPrefix(group, session))
	if err != nil {
		return 0, newError(KindTransientIO, "scan batch metadata", err)
	}

	reclaimed := 0
	for _, row := range rows {
		meta, err := unmarshalBatchMetadata(row.Value)
		if err != nil {
			continue
		}
		if meta.Status != BatchLoaded {
			continue
		}
		meta.Status = BatchPending
		meta.LoadedAt = 0
		if err := bm.writeMeta(group, session, meta); err != nil {
			continue
		}
		reclaimed++
	}
	return reclaimed, nil
}

// findBatchForSequence returns the batch whose [start, end] range contains
// seq, or ok=false if none does.
func (bm *batchManager) findBatchForSequence(group, session string, seq int64) (meta BatchMetadata, ok bool, err error) {
	bm.mu.Lock()
	defer bm.mu.Unlock()

	rows, err := bm.db.ScanPrefix(batchMetaPrefix(group, session))
	if err != nil {
		return BatchMetadata{}, false, newError(KindTransientIO, "scan batch metadata", err)
	}
	for _, row := range rows {
		m, err := unmarshalBatchMetadata(row.Value)
		if err != nil {
			continue
		}
		if seq >= m.SequenceStart && seq <= m.SequenceEnd {
			return m, true, nil
		}
	}
	return BatchMetadata{}, false, nil
}

func (bm *batchManager) readMeta(group, session, batchID string) (BatchMetadata, error) {
	b, err := bm.db.Get(batchMetaKey(group, session, batchID))
	if err != nil {
		return BatchMetadata{}, newError(KindBatchNotFound, "batch metadata not found", err)
	}
	meta, err := unmarshalBatchMetadata(b)
	if err != nil {
		return BatchMetadata{}, newError(KindCorruptedBatch, "batch metadata corrupted", err)
	}
	return meta, nil
}

func (bm *batchManager) writeMeta(group, session string, meta BatchMetadata) error {
	b, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	if err := bm.db.Set(batchMetaKey(group, session, meta.BatchID), b); err != nil {
		return newError(KindTransientIO, "write batch metadata", err)
	}
	return nil
}

// generateDataKeys enumerates the payload keys covering [seqStart, seqEnd].
func generateDataKeys(group, session, batchID string, seqStart, seqEnd int64) [][]byte {
	keys := make([][]byte, 0, seqEnd-seqStart+1)
	for seq := seqStart; seq <= seqEnd; seq++ {
		keys = append(keys, dataKey(group, session, batchID, seq))
	}
	return keys
}
