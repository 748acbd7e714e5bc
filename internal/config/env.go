package config

import (
	"os"
	"strconv"
)

// FromEnv overlays DURASTASH_* environment variables onto cfg.
func FromEnv(cfg *Config) {
	if v := os.Getenv("DURASTASH_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("DURASTASH_DEFAULT_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.DefaultBatchSize = n
		}
	}
	if v := os.Getenv("DURASTASH_HEARTBEAT_INTERVAL_MS"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.HeartbeatIntervalMs = n
		}
	}
	if v := os.Getenv("DURASTASH_SESSION_TIMEOUT_MS"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.SessionTimeoutMs = n
		}
	}
	if v := os.Getenv("DURASTASH_RECOVER_SEQUENCE_ON_INIT"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.RecoverSequenceOnInit = b
		}
	}
	if v := os.Getenv("DURASTASH_FSYNC"); v != "" {
		cfg.Fsync = v
	}
}
