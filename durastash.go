// Package durastash implements a durable, crash-safe, per-group
// append-and-batch queue over an ordered key/value store: producers save
// payloads, the façade buckets them into fixed-size batches, and consumers
// load and acknowledge whole batches at a time.
package durastash

import (
	"sync"
	"time"

	cfgpkg "github.com/rzbill/durastash/internal/config"
	"github.com/rzbill/durastash/internal/group"
	pebblestore "github.com/rzbill/durastash/internal/storage/pebble"
	"github.com/rzbill/durastash/pkg/log"
)

const defaultBatchSize = 100

// parseFsyncMode maps a config.Config.Fsync string onto a pebblestore mode,
// defaulting to interval group-commit for an empty or unrecognized value.
func parseFsyncMode(s string) pebblestore.FsyncMode {
	switch s {
	case "always":
		return pebblestore.FsyncModeAlways
	case "never":
		return pebblestore.FsyncModeNever
	default:
		return pebblestore.FsyncModeInterval
	}
}

// Options configures a Facade.
type Options struct {
	DataDir string
	Fsync   pebblestore.FsyncMode
	Config  cfgpkg.Config
	Logger  log.Logger
	Metrics pebblestore.MetricsHook
}

// groupState is the façade's in-memory bookkeeping for one group: the
// current session, the next sequence number to assign, and which batch is
// currently open for each bucket start. The effective batch size is NOT
// cached here — it is re-read from Config/per-group override on every Save,
// so a later SetBatchSize (or a per-group override write) takes effect on
// the next save, not only on the next InitializeSession.
type groupState struct {
	sessionID   string
	seqCounter  int64
	openBatches map[int64]string
}

// Facade is the single entry point for durastash operations (C5 in the
// component design): it owns the KV handle and delegates to the session and
// batch managers, never re-entering either while holding its own lock.
type Facade struct {
	mu     sync.Mutex
	db     *pebblestore.DB
	log    log.Logger
	cfg    cfgpkg.Config
	groups map[string]*group.Meta

	sessions *sessionManager
	batches  *batchManager

	groupState map[string]*groupState

	heartbeatInterval time.Duration
	hbStop            chan struct{}
	hbWG              sync.WaitGroup
}

// Open initializes the underlying storage and returns a ready Facade.
func Open(opts Options) (*Facade, error) {
	logger := opts.Logger
	if logger == nil {
		logger = log.NewLogger()
	}

	fsyncMode := opts.Fsync
	if fsyncMode == pebblestore.FsyncModeUnspecified {
		fsyncMode = parseFsyncMode(opts.Config.Fsync)
	}
	db, err := pebblestore.Open(pebblestore.Options{
		DataDir:       opts.DataDir,
		Fsync:         fsyncMode,
		FsyncInterval: opts.Config.FsyncInterval,
		Metrics:       opts.Metrics,
	})
	if err != nil {
		return nil, newError(KindStorageInit, "open storage", err)
	}

	cfg := opts.Config
	if cfg.DefaultBatchSize <= 0 {
		cfg.DefaultBatchSize = defaultBatchSize
	}
	heartbeatInterval := time.Duration(cfg.HeartbeatIntervalMs) * time.Millisecond
	if heartbeatInterval <= 0 {
		heartbeatInterval = 5 * time.Second
	}

	f := &Facade{
		db:                db,
		log:               logger,
		cfg:               cfg,
		groups:            make(map[string]*group.Meta),
		sessions:          newSessionManager(db, logger),
		batches:           newBatchManager(db, logger),
		groupState:        make(map[string]*groupState),
		heartbeatInterval: heartbeatInterval,
	}
	f.log.Info("facade opened", log.Str("data_dir", opts.DataDir))
	return f, nil
}

// Shutdown terminates all known sessions, stops the heartbeat worker, and
// closes the KV store.
func (f *Facade) Shutdown() error {
	f.stopHeartbeatLocked()

	f.mu.Lock()
	groups := make(map[string]*groupState, len(f.groupState))
	for g, gs := range f.groupState {
		groups[g] = gs
	}
	f.mu.Unlock()

	for g, gs := range groups {
		if gs.sessionID != "" {
			f.sessions.terminateSession(g, gs.sessionID)
		}
	}
	f.log.Info("facade shutdown")
	return f.db.Close()
}

// InitializeSession starts a brand-new session for group, always at
// sequence counter 0, matching the base behavior exactly.
func (f *Facade) InitializeSession(grp string) (string, error) {
	return f.initializeSession(grp, "")
}

// InitializeSessionResuming starts a new session for group and, if
// Config.RecoverSequenceOnInit is set, recovers the sequence counter from
// priorSessionID's persisted batch metadata (max(sequence_end)+1), letting a
// host that remembers its last session ID resume across restarts.
func (f *Facade) InitializeSessionResuming(grp, priorSessionID string) (string, error) {
	return f.initializeSession(grp, priorSessionID)
}

func (f *Facade) initializeSession(grp, priorSessionID string) (string, error) {
	if _, err := group.Ensure(f.db, grp); err != nil {
		f.log.Warn("group registry write failed", log.Str("group", grp), log.Err(err))
	}

	sessionID, err := f.sessions.initializeSession(grp)
	if err != nil {
		return "", err
	}

	var seqCounter int64
	if f.cfg.RecoverSequenceOnInit && priorSessionID != "" {
		seqCounter = f.recoverSequenceCounter(grp, priorSessionID)
	}

	f.mu.Lock()
	f.groupState[grp] = &groupState{
		sessionID:   sessionID,
		seqCounter:  seqCounter,
		openBatches: make(map[int64]string),
	}
	f.mu.Unlock()

	f.startHeartbeat()
	return sessionID, nil
}

func (f *Facade) recoverSequenceCounter(grp, priorSessionID string) int64 {
	rows, err := f.db.ScanPrefix(batchMetaPrefix(grp, priorSessionID))
	if err != nil {
		return 0
	}
	var max int64 = -1
	for _, row := range rows {
		meta, err := unmarshalBatchMetadata(row.Value)
		if err != nil {
			continue
		}
		if meta.SequenceEnd > max {
			max = meta.SequenceEnd
		}
	}
	return max + 1
}

// TerminateSession terminates group's current session and drops its
// in-memory state.
func (f *Facade) TerminateSession(grp string) {
	f.mu.Lock()
	gs, ok := f.groupState[grp]
	if ok {
		delete(f.groupState, grp)
	}
	f.mu.Unlock()
	if ok && gs.sessionID != "" {
		f.sessions.terminateSession(grp, gs.sessionID)
	}
}

// GetSessionID returns the current session ID for group, or "" if none.
func (f *Facade) GetSessionID(grp string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	gs, ok := f.groupState[grp]
	if !ok {
		return ""
	}
	return gs.sessionID
}

// SetBatchSize sets the façade's default batch size for groups without a
// per-group override.
func (f *Facade) SetBatchSize(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if n > 0 {
		f.cfg.DefaultBatchSize = n
	}
}

// GetBatchSize returns the façade's current default batch size.
func (f *Facade) GetBatchSize() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cfg.DefaultBatchSize
}

// SetGroupBatchSize persists a per-group batch-size override that takes
// precedence over the façade default for grp, effective on grp's next Save
// (bucketing is re-read live, not cached at session-init time). A size of 0
// clears the override.
func (f *Facade) SetGroupBatchSize(grp string, size int) error {
	meta, err := group.SetBatchSizeOverride(f.db, grp, size)
	if err != nil {
		return newError(KindTransientIO, "set group batch size override", err)
	}
	f.mu.Lock()
	f.groups[grp] = &meta
	f.mu.Unlock()
	return nil
}

// GetGroupBatchSize returns the batch size that would currently apply to
// grp: its per-group override if set, otherwise the façade default.
func (f *Facade) GetGroupBatchSize(grp string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.effectiveBatchSizeLocked(grp)
}

// effectiveBatchSizeLocked must be called with f.mu held.
func (f *Facade) effectiveBatchSizeLocked(grp string) int {
	if meta, ok := f.groups[grp]; ok && meta.BatchSizeOverride > 0 {
		return meta.BatchSizeOverride
	}
	if meta, err := group.Ensure(f.db, grp); err == nil {
		f.groups[grp] = &meta
		if meta.BatchSizeOverride > 0 {
			return meta.BatchSizeOverride
		}
	}
	return f.cfg.DefaultBatchSize
}

func (f *Facade) startHeartbeat() {
	f.mu.Lock()
	if f.hbStop != nil {
		f.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	f.hbStop = stop
	f.mu.Unlock()

	f.hbWG.Add(1)
	go func() {
		defer f.hbWG.Done()
		ticker := time.NewTicker(f.heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				f.beatAllGroups()
			}
		}
	}()
	f.log.Info("heartbeat worker started")
}

func (f *Facade) beatAllGroups() {
	f.mu.Lock()
	targets := make(map[string]string, len(f.groupState))
	for grp, gs := range f.groupState {
		if gs.sessionID != "" {
			targets[grp] = gs.sessionID
		}
	}
	f.mu.Unlock()

	for grp, session := range targets {
		if err := f.sessions.updateHeartbeat(grp, session); err != nil {
			f.log.Warn("heartbeat failed", log.Str("group", grp), log.Str("session", session), log.Err(err))
		}
	}
}

func (f *Facade) stopHeartbeatLocked() {
	f.mu.Lock()
	stop := f.hbStop
	f.hbStop = nil
	f.mu.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	f.hbWG.Wait()
	f.log.Info("heartbeat worker stopped")
}

// Save appends payload to group's current session, opening a new batch
// whenever the running sequence counter crosses into a fresh bucket of
// Config.DefaultBatchSize (or the group's override). A group with no
// session yet has one created lazily, matching a bare save("g", ...) with
// no prior init_session call. Returns the sequence number assigned to
// payload.
func (f *Facade) Save(grp string, payload []byte) (int64, error) {
	f.mu.Lock()
	gs, ok := f.groupState[grp]
	if !ok {
		f.mu.Unlock()
		if _, err := f.initializeSession(grp, ""); err != nil {
			return 0, err
		}
		f.mu.Lock()
		gs, ok = f.groupState[grp]
		if !ok {
			f.mu.Unlock()
			return 0, newError(KindSessionInit, "save: failed to lazily initialize session for group", nil)
		}
	}

	session := gs.sessionID
	seq := gs.seqCounter
	batchSize := f.effectiveBatchSizeLocked(grp)
	bucketStart := (seq / int64(batchSize)) * int64(batchSize)
	batchID, haveBatch := gs.openBatches[bucketStart]
	gs.seqCounter++

	// The create below runs with f.mu still held: two producers crossing
	// into the same fresh bucket must not each create their own batch
	// metadata for that bucket, which would violate the pairwise-disjoint
	// range invariant. batches.create never re-enters the façade, so this
	// doesn't risk a lock cycle.
	if !haveBatch {
		bucketEnd := bucketStart + int64(batchSize) - 1
		id, err := f.batches.create(grp, session, bucketStart, bucketEnd)
		if err != nil {
			f.mu.Unlock()
			return 0, err
		}
		batchID = id
		gs.openBatches[bucketStart] = batchID
	}
	f.mu.Unlock()

	if err := f.db.Set(dataKey(grp, session, batchID, seq), payload); err != nil {
		return 0, newError(KindTransientIO, "write payload", err)
	}

	bucketEnd := bucketStart + int64(batchSize) - 1
	if seq == bucketEnd {
		f.mu.Lock()
		delete(gs.openBatches, bucketStart)
		f.mu.Unlock()
	}
	return seq, nil
}

// LoadBatch asks the batch manager for up to maxBatches loadable batches for
// group, in FIFO order, marks each LOADED, and returns their payloads. A
// batch another consumer raced onto LOADED between the scan and our
// mark_loaded call is skipped, never retried in the same call. A missing
// payload key within a batch is skipped and counted on that batch's
// MissingPayloads rather than failing the whole load. maxBatches <= 0 means
// unbounded (take every PENDING batch found).
func (f *Facade) LoadBatch(grp string, maxBatches int) ([]BatchLoadResult, error) {
	f.mu.Lock()
	gs, ok := f.groupState[grp]
	f.mu.Unlock()
	if !ok {
		return nil, nil
	}
	session := gs.sessionID

	candidates, err := f.batches.loadableBatches(grp, session, maxBatches)
	if err != nil {
		return nil, err
	}

	var results []BatchLoadResult
	for _, meta := range candidates {
		loaded, err := f.batches.markLoaded(grp, session, meta.BatchID)
		if err != nil {
			return results, err
		}
		if !loaded {
			continue
		}

		result := BatchLoadResult{
			BatchID:       meta.BatchID,
			SequenceStart: meta.SequenceStart,
			SequenceEnd:   meta.SequenceEnd,
		}

		present, err := f.db.ScanPrefix(dataKeyPrefix(grp, session, meta.BatchID))
		if err != nil {
			return results, err
		}
		values := make(map[int64][]byte, len(present))
		highWater := meta.SequenceStart - 1
		for _, kv := range present {
			seq, ok := parseDataKeySeq(kv.Key)
			if !ok {
				continue
			}
			values[seq] = kv.Value
			if seq > highWater {
				highWater = seq
			}
		}

		// Sequences beyond the high-water mark were never written to this
		// still-filling or never-fully-flushed batch; they are an unwritten
		// tail, not lost payloads, so only [SequenceStart, highWater] is
		// scanned for gaps.
		for seq := meta.SequenceStart; seq <= highWater; seq++ {
			val, ok := values[seq]
			if !ok {
				result.MissingPayloads++
				f.log.Warn("missing payload in batch",
					log.Str("group", grp), log.Str("batch", meta.BatchID), log.Any("seq", seq))
				continue
			}
			result.Data = append(result.Data, val)
		}
		results = append(results, result)
	}
	return results, nil
}

// clearOpenBatch drops bucketStart from gs.openBatches if it still points at
// batchID. Without this, acknowledging or resaving a batch whose bucket
// never finished filling leaves a stale bucketStart -> batchID entry behind;
// a later Save into that same bucket would reuse the now-deleted batch ID
// and write orphan payloads under metadata that no longer exists.
func (f *Facade) clearOpenBatch(gs *groupState, bucketStart int64, batchID string) {
	f.mu.Lock()
	if gs.openBatches[bucketStart] == batchID {
		delete(gs.openBatches, bucketStart)
	}
	f.mu.Unlock()
}

// AcknowledgeBatch deletes batchID's metadata and all of its payload keys
// atomically: a crash between markLoaded and AcknowledgeBatch leaves the
// batch LOADED, recoverable later via ReclaimAbandoned.
func (f *Facade) AcknowledgeBatch(grp, batchID string) error {
	f.mu.Lock()
	gs, ok := f.groupState[grp]
	f.mu.Unlock()
	if !ok {
		return newError(KindSessionInit, "acknowledge: no active session for group", nil)
	}
	meta, err := f.batches.metadata(grp, gs.sessionID, batchID)
	if err != nil {
		return err
	}
	if err := f.batches.acknowledge(grp, gs.sessionID, batchID); err != nil {
		return err
	}
	f.clearOpenBatch(gs, meta.SequenceStart, batchID)
	return nil
}

// ResaveBatch re-appends remainingPayloads as a new batch at the tail of
// group's sequence range and atomically acknowledges originalBatchID, which
// must currently be LOADED. An empty remainingPayloads is just an
// acknowledge. The ack of the original and the write of the new batch are
// one atomic KV write batch: on failure neither takes effect. Resaved
// remainders land at the tail of FIFO order, never at the original batch's
// position — a deliberate append-at-tail design, not a retry-in-place.
func (f *Facade) ResaveBatch(grp, originalBatchID string, remainingPayloads [][]byte) ([]int64, error) {
	f.mu.Lock()
	gs, ok := f.groupState[grp]
	f.mu.Unlock()
	if !ok {
		return nil, newError(KindSessionInit, "resave: no active session for group", nil)
	}
	session := gs.sessionID

	origMeta, err := f.batches.metadata(grp, session, originalBatchID)
	if err != nil {
		return nil, err
	}

	if len(remainingPayloads) == 0 {
		if err := f.batches.acknowledge(grp, session, originalBatchID); err != nil {
			return nil, err
		}
		f.clearOpenBatch(gs, origMeta.SequenceStart, originalBatchID)
		return nil, nil
	}

	f.mu.Lock()
	newStart := gs.seqCounter
	gs.seqCounter += int64(len(remainingPayloads))
	f.mu.Unlock()
	newEnd := newStart + int64(len(remainingPayloads)) - 1

	if _, err := f.batches.resaveAtomic(grp, session, originalBatchID, newStart, newEnd, remainingPayloads); err != nil {
		return nil, err
	}
	f.clearOpenBatch(gs, origMeta.SequenceStart, originalBatchID)

	seqs := make([]int64, len(remainingPayloads))
	for i := range seqs {
		seqs[i] = newStart + int64(i)
	}
	return seqs, nil
}

// CleanupTimeoutSessions reclaims sessions in group whose heartbeat is older
// than timeoutMs, marking them TERMINATED. Returns the count reclaimed.
func (f *Facade) CleanupTimeoutSessions(grp string, timeoutMs int64) (int, error) {
	return f.sessions.cleanupTimeoutSessions(grp, timeoutMs)
}

// ReclaimAbandoned demotes LOADED batches of group's TERMINATED sessions
// back to PENDING, making them loadable again. Never invoked automatically.
func (f *Facade) ReclaimAbandoned(grp string) (int, error) {
	f.mu.Lock()
	gs, ok := f.groupState[grp]
	f.mu.Unlock()
	if !ok {
		return 0, nil
	}

	total := 0
	rows, err := f.db.ScanPrefix(sessionPrefix(grp))
	if err != nil {
		return 0, newError(KindTransientIO, "scan group sessions", err)
	}
	for _, row := range rows {
		if !isStateKey(row.Key) {
			continue
		}
		state, err := unmarshalSessionState(row.Value)
		if err != nil {
			continue
		}
		if state.Status != SessionTerminated {
			continue
		}
		if state.SessionID == gs.sessionID {
			continue
		}
		n, err := f.batches.reclaimAbandoned(grp, state.SessionID)
		if err != nil {
			continue
		}
		total += n
	}
	return total, nil
}
