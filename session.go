package durastash

import (
	"encoding/json"
	"sync"
	"time"

	pebblestore "github.com/rzbill/durastash/internal/storage/pebble"
	"github.com/rzbill/durastash/pkg/log"
	"github.com/rzbill/durastash/pkg/ulid"
)

// sessionManager owns SessionState records for one façade instance. It keeps
// the same "read current, mutate, rewrite" shape as a TTL-backed consumer
// registry, but persists at the exact key schema durastash's payload data
// shares, so no separate expiry index is needed: cleanup scans the group
// prefix directly. The heartbeat worker itself lives on Facade, since a
// single worker must cover every group the façade has a live session for.
type sessionManager struct {
	mu  sync.Mutex
	db  *pebblestore.DB
	log log.Logger
}

func newSessionManager(db *pebblestore.DB, logger log.Logger) *sessionManager {
	return &sessionManager{db: db, log: logger}
}

// initializeSession creates a new ACTIVE session record for group and
// returns its ID.
func (sm *sessionManager) initializeSession(group string) (string, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	sessionID := ulid.Generate().String()
	now := time.Now().UnixMilli()
	state := SessionState{
		SessionID:     sessionID,
		ProcessID:     int64(processID()),
		StartedAt:     now,
		LastHeartbeat: now,
		Status:        SessionActive,
	}
	if err := sm.writeLocked(group, sessionID, state); err != nil {
		return "", newError(KindSessionInit, "write initial session record", err)
	}
	sm.log.Info("session initialized", log.Str("group", group), log.Str("session", sessionID))
	return sessionID, nil
}

// terminateSession marks the session TERMINATED. Best-effort: failures to
// write the terminal record are logged, not propagated (matches the
// "terminate_session suppresses failures" propagation policy).
func (sm *sessionManager) terminateSession(group, session string) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	state, err := sm.readLocked(group, session)
	if err != nil {
		sm.log.Warn("terminate: session record missing", log.Str("group", group), log.Str("session", session))
		return
	}
	state.Status = SessionTerminated
	state.LastHeartbeat = time.Now().UnixMilli()
	if err := sm.writeLocked(group, session, state); err != nil {
		sm.log.Warn("terminate: failed to write terminal record", log.Err(err))
	}
}

// updateHeartbeat rewrites LastHeartbeat. Fails if the record is missing.
func (sm *sessionManager) updateHeartbeat(group, session string) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	state, err := sm.readLocked(group, session)
	if err != nil {
		return newError(KindSessionTimeout, "heartbeat: session record missing", err)
	}
	if state.Status != SessionActive {
		return nil
	}
	state.LastHeartbeat = time.Now().UnixMilli()
	return sm.writeLocked(group, session, state)
}

func (sm *sessionManager) getState(group, session string) (SessionState, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.readLocked(group, session)
}

func (sm *sessionManager) readLocked(group, session string) (SessionState, error) {
	b, err := sm.db.Get(sessionStateKey(group, session))
	if err != nil {
		return SessionState{}, newError(KindBatchNotFound, "session state not found", err)
	}
	state, err := unmarshalSessionState(b)
	if err != nil {
		return SessionState{}, newError(KindCorruptedBatch, "session state corrupted", err)
	}
	return state, nil
}

func (sm *sessionManager) writeLocked(group, session string, state SessionState) error {
	b, err := json.Marshal(state)
	if err != nil {
		return err
	}
	if err := sm.db.Set(sessionStateKey(group, session), b); err != nil {
		return newError(KindTransientIO, "write session state", err)
	}
	return nil
}

// cleanupTimeoutSessions scans group's keyspace for ACTIVE sessions whose
// last heartbeat is older than timeoutMs and marks them TERMINATED. Returns
// the count reclaimed.
func (sm *sessionManager) cleanupTimeoutSessions(group string, timeoutMs int64) (int, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	rows, err := sm.db.ScanPrefix(sessionPrefix(group))
	if err != nil {
		return 0, newError(KindTransientIO, "scan group for timeout sessions", err)
	}

	now := time.Now().UnixMilli()
	reclaimed := 0
	for _, row := range rows {
		if !isStateKey(row.Key) {
			continue
		}
		state, err := unmarshalSessionState(row.Value)
		if err != nil {
			continue
		}
		if state.Status != SessionActive {
			continue
		}
		if now-state.LastHeartbeat <= timeoutMs {
			continue
		}
		state.Status = SessionTerminated
		state.LastHeartbeat = now
		b, err := json.Marshal(state)
		if err != nil {
			continue
		}
		if err := sm.db.Set(row.Key, b); err != nil {
			continue
		}
		reclaimed++
	}
	return reclaimed, nil
}
