package durastash

import (
	"fmt"
	"strconv"
)

// seqWidth is the zero-padded decimal width of an encoded sequence ID, chosen
// so that byte ordering of payload keys coincides with numeric ordering.
const seqWidth = 20

// sessionStateKey: <group>:<session>:state
func sessionStateKey(group, session string) []byte {
	return []byte(fmt.Sprintf("%s:%s:state", group, session))
}

// batchMetaKey: <group>:<session>:batch:<batch_id>
func batchMetaKey(group, session, batchID string) []byte {
	return []byte(fmt.Sprintf("%s:%s:batch:%s", group, session, batchID))
}

// batchMetaPrefix: <group>:<session>:batch: — scans all batch metadata for a session.
func batchMetaPrefix(group, session string) []byte {
	return []byte(fmt.Sprintf("%s:%s:batch:", group, session))
}

// sessionPrefix: <group>: — scans all keys (state, batch metadata and payloads) for a group.
func sessionPrefix(group string) []byte {
	return []byte(fmt.Sprintf("%s:", group))
}

// dataKey: <group>:<session>:<batch_id>:<seq20>
func dataKey(group, session, batchID string, seq int64) []byte {
	return []byte(fmt.Sprintf("%s:%s:%s:%0*d", group, session, batchID, seqWidth, seq))
}

// dataKeyPrefix: <group>:<session>:<batch_id>: — scans all payload keys for a batch.
func dataKeyPrefix(group, session, batchID string) []byte {
	return []byte(fmt.Sprintf("%s:%s:%s:", group, session, batchID))
}

// parseDataKeySeq extracts the trailing seqWidth-digit sequence number from a
// key returned by scanning dataKeyPrefix. ok is false if key is malformed.
func parseDataKeySeq(key []byte) (seq int64, ok bool) {
	if len(key) < seqWidth {
		return 0, false
	}
	n, err := strconv.ParseInt(string(key[len(key)-seqWidth:]), 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// isStateKey reports whether key, scanned under sessionPrefix, is a session
// state record rather than a batch metadata record.
func isStateKey(key []byte) bool {
	const suffix = ":state"
	if len(key) < len(suffix) {
		return false
	}
	return string(key[len(key)-len(suffix):]) == suffix
}
