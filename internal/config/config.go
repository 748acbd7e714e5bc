package config

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"time"
)

// Config is the top-level configuration for a durastash store.
type Config struct {
	DataDir string `json:"dataDir"`

	// DefaultBatchSize is the façade's starting batch size; overridable per
	// group via the group registry and at runtime via SetBatchSize.
	DefaultBatchSize int `json:"defaultBatchSize"`

	// HeartbeatIntervalMs controls how often the session heartbeat worker
	// rewrites last_heartbeat.
	HeartbeatIntervalMs int64 `json:"heartbeatIntervalMs"`

	// SessionTimeoutMs is a session-timeout threshold carried in the
	// configuration. Facade.CleanupTimeoutSessions takes its threshold as an
	// argument and does not read this field.
	SessionTimeoutMs int64 `json:"sessionTimeoutMs"`

	// RecoverSequenceOnInit governs whether InitializeSessionResuming scans
	// a prior session's batch metadata to recover the sequence counter.
	RecoverSequenceOnInit bool `json:"recoverSequenceOnInit"`

	Fsync         string        `json:"fsync"` // "always", "interval", "never"
	FsyncInterval time.Duration `json:"fsyncInterval"`
}

// Default returns built-in defaults.
func Default() Config {
	return Config{
		DataDir:               DefaultDataDir(),
		DefaultBatchSize:      100,
		HeartbeatIntervalMs:   5000,
		SessionTimeoutMs:      30000,
		RecoverSequenceOnInit: true,
		Fsync:                 "interval",
		FsyncInterval:         5 * time.Millisecond,
	}
}

// Load reads configuration from a JSON file. If path is empty, returns defaults.
func Load(path string) (Config, error) {
	if path == "" {
		return Default(), nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	cfg := Default()
	switch filepath.Ext(path) {
	case ".yaml", ".yml":
		return Config{}, errors.New("yaml config not supported yet; use JSON for now")
	default:
		if err := json.Unmarshal(b, &cfg); err != nil {
			return Config{}, err
		}
	}
	return cfg, nil
}
