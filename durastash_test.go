package durastash

import (
	"bytes"
	"sync"
	"testing"

	cfgpkg "github.com/rzbill/durastash/internal/config"
	pebblestore "github.com/rzbill/durastash/internal/storage/pebble"
)

func newTestFacade(t *testing.T) *Facade {
	t.Helper()
	dir := t.TempDir()
	cfg := cfgpkg.Default()
	cfg.DefaultBatchSize = 3
	cfg.HeartbeatIntervalMs = 50
	f, err := Open(Options{
		DataDir: dir,
		Fsync:   pebblestore.FsyncModeNever,
		Config:  cfg,
	})
	if err != nil {
		t.Fatalf("open facade: %v", err)
	}
	t.Cleanup(func() { _ = f.Shutdown() })
	return f
}

func newTestFacadeWithBatchSize(t *testing.T, batchSize int) *Facade {
	t.Helper()
	dir := t.TempDir()
	cfg := cfgpkg.Default()
	cfg.DefaultBatchSize = batchSize
	cfg.HeartbeatIntervalMs = 50
	f, err := Open(Options{
		DataDir: dir,
		Fsync:   pebblestore.FsyncModeNever,
		Config:  cfg,
	})
	if err != nil {
		t.Fatalf("open facade: %v", err)
	}
	t.Cleanup(func() { _ = f.Shutdown() })
	return f
}

func TestInitializeSessionAndSave(t *testing.T) {
	f := newTestFacade(t)

	sessionID, err := f.InitializeSession("orders")
	if err != nil {
		t.Fatalf("initialize session: %v", err)
	}
	if sessionID == "" {
		t.Fatalf("expected non-empty session id")
	}
	if got := f.GetSessionID("orders"); got != sessionID {
		t.Fatalf("GetSessionID = %q, want %q", got, sessionID)
	}

	seq, err := f.Save("orders", []byte("payload-0"))
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if seq != 0 {
		t.Fatalf("first sequence = %d, want 0", seq)
	}
}

func TestSaveWithoutSessionLazilyInitializes(t *testing.T) {
	f := newTestFacade(t)
	seq, err := f.Save("orders", []byte("x"))
	if err != nil {
		t.Fatalf("save without prior init_session: %v", err)
	}
	if seq != 0 {
		t.Fatalf("expected first sequence to be 0, got %d", seq)
	}

	seq, err = f.Save("orders", []byte("y"))
	if err != nil {
		t.Fatalf("save after lazy init: %v", err)
	}
	if seq != 1 {
		t.Fatalf("expected second sequence to be 1, got %d", seq)
	}
}

func TestBatchFillsAndLoads(t *testing.T) {
	f := newTestFacade(t) // batch size 3

	if _, err := f.InitializeSession("orders"); err != nil {
		t.Fatalf("initialize session: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := f.Save("orders", []byte("p")); err != nil {
			t.Fatalf("save %d: %v", i, err)
		}
	}

	results, err := f.LoadBatch("orders", 0)
	if err != nil {
		t.Fatalf("load batch: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected exactly one loadable batch, got %d", len(results))
	}
	result := results[0]
	if len(result.Data) != 3 {
		t.Fatalf("loaded %d payloads, want 3", len(result.Data))
	}
	if result.SequenceStart != 0 || result.SequenceEnd != 2 {
		t.Fatalf("sequence range = [%d, %d], want [0, 2]", result.SequenceStart, result.SequenceEnd)
	}
	if result.MissingPayloads != 0 {
		t.Fatalf("missing payloads = %d, want 0", result.MissingPayloads)
	}
}

func TestLoadBatchReturnsPartiallyFilledBucket(t *testing.T) {
	f := newTestFacade(t) // batch size 3

	if _, err := f.InitializeSession("orders"); err != nil {
		t.Fatalf("initialize session: %v", err)
	}
	if _, err := f.Save("orders", []byte("p")); err != nil {
		t.Fatalf("save: %v", err)
	}

	results, err := f.LoadBatch("orders", 0)
	if err != nil {
		t.Fatalf("load batch: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected the still-filling bucket's batch to be loadable, got %d batches", len(results))
	}
}

func TestLoadBatchRespectsMaxBatches(t *testing.T) {
	f := newTestFacade(t) // batch size 3

	if _, err := f.InitializeSession("orders"); err != nil {
		t.Fatalf("initialize session: %v", err)
	}
	for i := 0; i < 9; i++ { // three full buckets
		if _, err := f.Save("orders", []byte("p")); err != nil {
			t.Fatalf("save %d: %v", i, err)
		}
	}

	results, err := f.LoadBatch("orders", 2)
	if err != nil {
		t.Fatalf("load batch: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("loaded %d batches, want 2 (maxBatches cap)", len(results))
	}
	if results[0].SequenceStart > results[1].SequenceStart {
		t.Fatalf("batches out of FIFO order: %v then %v", results[0].SequenceStart, results[1].SequenceStart)
	}
}

func TestAcknowledgeRemovesBatch(t *testing.T) {
	f := newTestFacade(t)

	if _, err := f.InitializeSession("orders"); err != nil {
		t.Fatalf("initialize session: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := f.Save("orders", []byte("p")); err != nil {
			t.Fatalf("save %d: %v", i, err)
		}
	}

	results, err := f.LoadBatch("orders", 0)
	if err != nil || len(results) != 1 {
		t.Fatalf("load batch: results=%d err=%v", len(results), err)
	}
	batchID := results[0].BatchID
	if err := f.AcknowledgeBatch("orders", batchID); err != nil {
		t.Fatalf("acknowledge: %v", err)
	}
	if _, err := f.batches.metadata("orders", f.GetSessionID("orders"), batchID); err == nil {
		t.Fatalf("expected acknowledged batch metadata to be gone")
	}
	if err := f.AcknowledgeBatch("orders", batchID); err == nil {
		t.Fatalf("expected repeat acknowledge to fail, metadata is already gone")
	}
}

func TestResaveAppendsAtTail(t *testing.T) {
	f := newTestFacade(t)

	if _, err := f.InitializeSession("orders"); err != nil {
		t.Fatalf("initialize session: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := f.Save("orders", []byte("p")); err != nil {
			t.Fatalf("save %d: %v", i, err)
		}
	}

	results, err := f.LoadBatch("orders", 0)
	if err != nil || len(results) != 1 {
		t.Fatalf("load batch: results=%d err=%v", len(results), err)
	}
	batchID := results[0].BatchID

	newSeqs, err := f.ResaveBatch("orders", batchID, results[0].Data)
	if err != nil {
		t.Fatalf("resave: %v", err)
	}
	if len(newSeqs) != 3 {
		t.Fatalf("resaved %d payloads, want 3", len(newSeqs))
	}
	for _, seq := range newSeqs {
		if seq < 3 {
			t.Fatalf("resaved sequence %d should have been appended at the tail (>= 3)", seq)
		}
	}
	if _, err := f.batches.metadata("orders", f.GetSessionID("orders"), batchID); err == nil {
		t.Fatalf("expected original batch metadata to be gone after resave")
	}
}

func TestResaveEmptyRemainderJustAcknowledges(t *testing.T) {
	f := newTestFacade(t)

	if _, err := f.InitializeSession("orders"); err != nil {
		t.Fatalf("initialize session: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := f.Save("orders", []byte("p")); err != nil {
			t.Fatalf("save %d: %v", i, err)
		}
	}
	results, err := f.LoadBatch("orders", 0)
	if err != nil || len(results) != 1 {
		t.Fatalf("load batch: results=%d err=%v", len(results), err)
	}

	newSeqs, err := f.ResaveBatch("orders", results[0].BatchID, nil)
	if err != nil {
		t.Fatalf("resave: %v", err)
	}
	if len(newSeqs) != 0 {
		t.Fatalf("expected no new sequences for an empty remainder, got %v", newSeqs)
	}
	if _, err := f.batches.metadata("orders", f.GetSessionID("orders"), results[0].BatchID); err == nil {
		t.Fatalf("expected original batch metadata to be gone")
	}
}

func TestReclaimAbandonedRequiresTerminatedSession(t *testing.T) {
	f := newTestFacade(t)

	if _, err := f.InitializeSession("orders"); err != nil {
		t.Fatalf("initialize session: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := f.Save("orders", []byte("p")); err != nil {
			t.Fatalf("save %d: %v", i, err)
		}
	}
	if results, err := f.LoadBatch("orders", 0); err != nil || len(results) != 1 {
		t.Fatalf("load batch: results=%d err=%v", len(results), err)
	}

	n, err := f.ReclaimAbandoned("orders")
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if n != 0 {
		t.Fatalf("reclaimed %d batches for a still-active session, want 0", n)
	}
}

func TestTerminateSessionClearsState(t *testing.T) {
	f := newTestFacade(t)

	if _, err := f.InitializeSession("orders"); err != nil {
		t.Fatalf("initialize session: %v", err)
	}
	f.TerminateSession("orders")
	if got := f.GetSessionID("orders"); got != "" {
		t.Fatalf("GetSessionID after terminate = %q, want empty", got)
	}
}

func TestSetGetBatchSize(t *testing.T) {
	f := newTestFacade(t)
	f.SetBatchSize(42)
	if got := f.GetBatchSize(); got != 42 {
		t.Fatalf("GetBatchSize = %d, want 42", got)
	}
}

func TestTwoGroupsShareOneHeartbeatWorker(t *testing.T) {
	f := newTestFacade(t)

	if _, err := f.InitializeSession("orders"); err != nil {
		t.Fatalf("initialize session orders: %v", err)
	}
	if _, err := f.InitializeSession("shipments"); err != nil {
		t.Fatalf("initialize session shipments: %v", err)
	}

	f.mu.Lock()
	stop := f.hbStop
	f.mu.Unlock()
	if stop == nil {
		t.Fatalf("expected heartbeat worker to be running")
	}

	f.beatAllGroups()

	for _, grp := range []string{"orders", "shipments"} {
		session := f.GetSessionID(grp)
		state, err := f.sessions.getState(grp, session)
		if err != nil {
			t.Fatalf("get state %s: %v", grp, err)
		}
		if state.Status != SessionActive {
			t.Fatalf("group %s status = %s, want active", grp, state.Status)
		}
	}
}

// TestRoundTripPreservesOrder is P1/P4: saving a sequence and repeatedly
// loading+acknowledging every batch yields the payloads back in save order.
func TestRoundTripPreservesOrder(t *testing.T) {
	f := newTestFacade(t) // batch size 3

	if _, err := f.InitializeSession("orders"); err != nil {
		t.Fatalf("initialize session: %v", err)
	}

	input := make([][]byte, 10)
	for i := range input {
		input[i] = []byte{byte(i)}
		if _, err := f.Save("orders", input[i]); err != nil {
			t.Fatalf("save %d: %v", i, err)
		}
	}

	var observed [][]byte
	for {
		results, err := f.LoadBatch("orders", 0)
		if err != nil {
			t.Fatalf("load batch: %v", err)
		}
		if len(results) == 0 {
			break
		}
		for _, r := range results {
			observed = append(observed, r.Data...)
			if err := f.AcknowledgeBatch("orders", r.BatchID); err != nil {
				t.Fatalf("acknowledge %s: %v", r.BatchID, err)
			}
		}
	}

	// All 10 payloads come back: the 10th sits alone in bucket [9,11], whose
	// batch metadata exists (and is loadable) from its first save on.
	if len(observed) != len(input) {
		t.Fatalf("observed %d payloads, want %d", len(observed), len(input))
	}
	for i, got := range observed {
		if !bytes.Equal(got, input[i]) {
			t.Fatalf("payload %d = %v, want %v", i, got, input[i])
		}
	}
}

// TestLoadBatchAccountsForMissingPayload is S8: a payload key deleted
// out-of-band before load is counted on MissingPayloads rather than failing
// the whole load or passing silently.
func TestLoadBatchAccountsForMissingPayload(t *testing.T) {
	f := newTestFacade(t) // batch size 3

	session, err := f.InitializeSession("orders")
	if err != nil {
		t.Fatalf("initialize session: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := f.Save("orders", []byte{byte('a' + i)}); err != nil {
			t.Fatalf("save %d: %v", i, err)
		}
	}

	candidates, err := f.batches.loadableBatches("orders", session, 0)
	if err != nil || len(candidates) != 1 {
		t.Fatalf("loadable batches = %v, err = %v, want exactly one pending batch", candidates, err)
	}
	batchID := candidates[0].BatchID
	if err := f.db.Delete(dataKey("orders", session, batchID, 1)); err != nil {
		t.Fatalf("delete payload out of band: %v", err)
	}

	results, err := f.LoadBatch("orders", 0)
	if err != nil {
		t.Fatalf("load batch: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected exactly one loadable batch, got %d", len(results))
	}
	result := results[0]
	if result.MissingPayloads != 1 {
		t.Fatalf("missing payloads = %d, want 1", result.MissingPayloads)
	}
	if len(result.Data) != 2 {
		t.Fatalf("loaded %d payloads, want 2", len(result.Data))
	}
	if !bytes.Equal(result.Data[0], []byte("a")) || !bytes.Equal(result.Data[1], []byte("c")) {
		t.Fatalf("data = %v, want [a c] in order with the missing middle payload skipped", result.Data)
	}
}

// TestLoadBatchUnfilledTailNotMissing is S1: loading a batch whose bucket
// has only partially filled must not count the never-written tail slots as
// missing payloads.
func TestLoadBatchUnfilledTailNotMissing(t *testing.T) {
	f := newTestFacadeWithBatchSize(t, 100)

	if _, err := f.InitializeSession("orders"); err != nil {
		t.Fatalf("initialize session: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := f.Save("orders", []byte{byte('a' + i)}); err != nil {
			t.Fatalf("save %d: %v", i, err)
		}
	}

	results, err := f.LoadBatch("orders", 0)
	if err != nil {
		t.Fatalf("load batch: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected exactly one loadable batch, got %d", len(results))
	}
	result := results[0]
	if result.MissingPayloads != 0 {
		t.Fatalf("missing payloads = %d, want 0 for an unfilled tail", result.MissingPayloads)
	}
	if len(result.Data) != 3 {
		t.Fatalf("loaded %d payloads, want 3", len(result.Data))
	}
}

func TestLoadBatchWithoutSessionReturnsEmpty(t *testing.T) {
	f := newTestFacade(t)
	results, err := f.LoadBatch("orders", 0)
	if err != nil {
		t.Fatalf("load batch without a session: %v", err)
	}
	if results != nil {
		t.Fatalf("expected nil results, got %v", results)
	}
}

// TestConcurrentSavesDoNotDuplicateBatchMetadata is S6: producers racing
// into the same fresh bucket must not each create their own batch metadata
// row for it.
func TestConcurrentSavesDoNotDuplicateBatchMetadata(t *testing.T) {
	f := newTestFacadeWithBatchSize(t, 50)

	session, err := f.InitializeSession("orders")
	if err != nil {
		t.Fatalf("initialize session: %v", err)
	}

	const producers = 8
	const perProducer = 5
	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				if _, err := f.Save("orders", []byte("p")); err != nil {
					t.Errorf("save: %v", err)
				}
			}
		}()
	}
	wg.Wait()

	rows, err := f.db.ScanPrefix(batchMetaPrefix("orders", session))
	if err != nil {
		t.Fatalf("scan batch metadata: %v", err)
	}
	seen := make(map[int64]bool)
	for _, row := range rows {
		meta, err := unmarshalBatchMetadata(row.Value)
		if err != nil {
			t.Fatalf("unmarshal batch metadata: %v", err)
		}
		if seen[meta.SequenceStart] {
			t.Fatalf("duplicate batch metadata for bucket starting at %d", meta.SequenceStart)
		}
		seen[meta.SequenceStart] = true
	}
	if len(rows) != 1 {
		t.Fatalf("expected exactly one batch (bucket 0-49 holds all %d saves), got %d", producers*perProducer, len(rows))
	}
}

// TestSetBatchSizeAfterInitAffectsLiveSave checks that SetBatchSize changes
// bucketing for a group whose session was already initialized, matching
// GetBatchSize's view of the current default.
func TestSetBatchSizeAfterInitAffectsLiveSave(t *testing.T) {
	f := newTestFacadeWithBatchSize(t, 3)

	if _, err := f.InitializeSession("orders"); err != nil {
		t.Fatalf("initialize session: %v", err)
	}
	if _, err := f.Save("orders", []byte("a")); err != nil {
		t.Fatalf("save: %v", err)
	}

	f.SetBatchSize(2)
	if got := f.GetBatchSize(); got != 2 {
		t.Fatalf("GetBatchSize = %d, want 2", got)
	}

	// Sequence 1 still joins the batch opened for bucket start 0 under the
	// old size of 3, whose range [0,2] was fixed when it was created; under
	// the new size of 2 it is that bucket's last slot, so the bucket closes
	// after this save.
	if _, err := f.Save("orders", []byte("b")); err != nil {
		t.Fatalf("save: %v", err)
	}
	f.mu.Lock()
	_, stillOpen := f.groupState["orders"].openBatches[0]
	f.mu.Unlock()
	if stillOpen {
		t.Fatalf("bucket 0 still open after sequence 1, want it closed under bucket size 2")
	}

	results, err := f.LoadBatch("orders", 0)
	if err != nil {
		t.Fatalf("load batch: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected one loadable batch, got %d", len(results))
	}
	if results[0].SequenceEnd != 2 {
		t.Fatalf("batch sequence_end = %d, want 2 (range fixed at creation under size 3)", results[0].SequenceEnd)
	}
}

// TestSaveAfterAcknowledgeOfUnfilledBatchCreatesFreshMetadata is the
// init -> save -> load -> acknowledge -> save -> load sequence: acknowledging
// a batch whose bucket never finished filling must not leave a stale
// bucket -> batchID mapping that a later save would reuse after the batch's
// metadata is already gone.
func TestSaveAfterAcknowledgeOfUnfilledBatchCreatesFreshMetadata(t *testing.T) {
	f := newTestFacadeWithBatchSize(t, 100)

	if _, err := f.InitializeSession("orders"); err != nil {
		t.Fatalf("initialize session: %v", err)
	}
	if _, err := f.Save("orders", []byte("first")); err != nil {
		t.Fatalf("save: %v", err)
	}

	results, err := f.LoadBatch("orders", 0)
	if err != nil || len(results) != 1 {
		t.Fatalf("load batch: results=%v err=%v", results, err)
	}
	if err := f.AcknowledgeBatch("orders", results[0].BatchID); err != nil {
		t.Fatalf("acknowledge: %v", err)
	}

	if _, err := f.Save("orders", []byte("second")); err != nil {
		t.Fatalf("save: %v", err)
	}

	results, err = f.LoadBatch("orders", 0)
	if err != nil {
		t.Fatalf("load batch: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected exactly one loadable batch for the second save, got %d", len(results))
	}
	if len(results[0].Data) != 1 || !bytes.Equal(results[0].Data[0], []byte("second")) {
		t.Fatalf("data = %v, want [second]", results[0].Data)
	}
	if results[0].MissingPayloads != 0 {
		t.Fatalf("missing payloads = %d, want 0", results[0].MissingPayloads)
	}
}

func TestGroupBatchSizeOverrideTakesPrecedenceOverDefault(t *testing.T) {
	f := newTestFacadeWithBatchSize(t, 10)

	if got := f.GetGroupBatchSize("orders"); got != 10 {
		t.Fatalf("GetGroupBatchSize before any override = %d, want façade default 10", got)
	}

	if err := f.SetGroupBatchSize("orders", 4); err != nil {
		t.Fatalf("set group batch size: %v", err)
	}
	if got := f.GetGroupBatchSize("orders"); got != 4 {
		t.Fatalf("GetGroupBatchSize after override = %d, want 4", got)
	}
	// Other groups are unaffected.
	if got := f.GetGroupBatchSize("payments"); got != 10 {
		t.Fatalf("GetGroupBatchSize for a different group = %d, want façade default 10", got)
	}

	if _, err := f.InitializeSession("orders"); err != nil {
		t.Fatalf("initialize session: %v", err)
	}
	for i := 0; i < 4; i++ {
		if _, err := f.Save("orders", []byte("p")); err != nil {
			t.Fatalf("save %d: %v", i, err)
		}
	}
	results, err := f.LoadBatch("orders", 0)
	if err != nil {
		t.Fatalf("load batch: %v", err)
	}
	if len(results) != 1 || results[0].SequenceEnd != 3 {
		t.Fatalf("expected one batch covering [0,3] under the override, got %v", results)
	}
}
