// Package group records per-group metadata: first-seen timestamp and an
// optional batch-size override, so different groups can run different
// batch sizes without contending on the façade's single default.
package group

import (
	"encoding/json"
	"time"

	pebblestore "github.com/rzbill/durastash/internal/storage/pebble"
)

// Meta is the persisted record at groupmeta:<group>.
type Meta struct {
	Name              string `json:"name"`
	CreatedAtMs       int64  `json:"created_at_ms"`
	BatchSizeOverride int    `json:"batch_size_override,omitempty"`
}

// Defaults returns opinionated defaults for a newly seen group.
func Defaults() Meta {
	return Meta{}
}

func metaKey(name string) []byte {
	return []byte("groupmeta:" + name)
}

// Ensure creates a group meta record if absent, returning the effective
// meta. Idempotent: returns the existing record if already present.
func Ensure(db *pebblestore.DB, name string) (Meta, error) {
	key := metaKey(name)
	if b, err := db.Get(key); err == nil && len(b) > 0 {
		var m Meta
		if err := json.Unmarshal(b, &m); err == nil {
			return m, nil
		}
		// Corrupted record: fall through and rewrite.
	}
	m := Defaults()
	m.Name = name
	m.CreatedAtMs = time.Now().UnixMilli()
	b, err := json.Marshal(m)
	if err != nil {
		return Meta{}, err
	}
	if err := db.Set(key, b); err != nil {
		return Meta{}, err
	}
	return m, nil
}

// SetBatchSizeOverride sets (or clears, with 0) the per-group batch-size
// override and persists it.
func SetBatchSizeOverride(db *pebblestore.DB, name string, size int) (Meta, error) {
	m, err := Ensure(db, name)
	if err != nil {
		return Meta{}, err
	}
	m.BatchSizeOverride = size
	b, err := json.Marshal(m)
	if err != nil {
		return Meta{}, err
	}
	if err := db.Set(metaKey(name), b); err != nil {
		return Meta{}, err
	}
	return m, nil
}
