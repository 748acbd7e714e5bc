package durastash

import "encoding/json"

// SessionStatus is the lifecycle state of a SessionState record.
type SessionStatus string

const (
	SessionActive     SessionStatus = "active"
	SessionTerminated SessionStatus = "terminated"
)

// SessionState is the persisted record at <group>:<session>:state.
type SessionState struct {
	SessionID     string        `json:"session_id"`
	ProcessID     int64         `json:"process_id"`
	StartedAt     int64         `json:"started_at"`
	LastHeartbeat int64         `json:"last_heartbeat"`
	Status        SessionStatus `json:"status"`
}

// BatchStatus is the lifecycle state of a BatchMetadata record.
type BatchStatus string

const (
	BatchPending BatchStatus = "pending"
	BatchLoaded  BatchStatus = "loaded"
	// BatchAcknowledged never appears in a persisted record: acknowledging a
	// batch deletes its metadata rather than writing this value. It exists
	// only so the status enum matches the full taxonomy.
	BatchAcknowledged BatchStatus = "acknowledged"
)

// BatchMetadata is the persisted record at <group>:<session>:batch:<batch_id>.
type BatchMetadata struct {
	BatchID       string      `json:"batch_id"`
	SequenceStart int64       `json:"sequence_start"`
	SequenceEnd   int64       `json:"sequence_end"`
	Status        BatchStatus `json:"status"`
	CreatedAt     int64       `json:"created_at"`
	LoadedAt      int64       `json:"loaded_at,omitempty"`
}

func unmarshalBatchMetadata(b []byte) (BatchMetadata, error) {
	var m BatchMetadata
	if err := json.Unmarshal(b, &m); err != nil {
		return BatchMetadata{}, err
	}
	return m, nil
}

func unmarshalSessionState(b []byte) (SessionState, error) {
	var s SessionState
	if err := json.Unmarshal(b, &s); err != nil {
		return SessionState{}, err
	}
	return s, nil
}

// BatchLoadResult is one loaded batch's worth of payloads, returned by
// Facade.LoadBatch.
type BatchLoadResult struct {
	BatchID         string
	Data            [][]byte
	SequenceStart   int64
	SequenceEnd     int64
	MissingPayloads int
}
