package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.DefaultBatchSize != 100 {
		t.Fatalf("default batch size")
	}
	if cfg.HeartbeatIntervalMs != 5000 {
		t.Fatalf("default heartbeat interval")
	}
	if !cfg.RecoverSequenceOnInit {
		t.Fatalf("recover sequence on init should default true")
	}
}

func TestLoadJSON(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "durastash.json")
	data := []byte(`{"dataDir":"/tmp/x","defaultBatchSize":50,"heartbeatIntervalMs":1000,"sessionTimeoutMs":15000,"recoverSequenceOnInit":false,"fsync":"always"}`)
	if err := os.WriteFile(file, data, 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := Load(file)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DataDir != "/tmp/x" {
		t.Fatalf("expected /tmp/x")
	}
	if cfg.DefaultBatchSize != 50 {
		t.Fatalf("expected 50")
	}
	if cfg.RecoverSequenceOnInit {
		t.Fatalf("expected false")
	}
}

func TestFromEnv(t *testing.T) {
	cfg := Default()
	os.Setenv("DURASTASH_DEFAULT_BATCH_SIZE", "250")
	os.Setenv("DURASTASH_SESSION_TIMEOUT_MS", "60000")
	os.Setenv("DURASTASH_RECOVER_SEQUENCE_ON_INIT", "false")
	t.Cleanup(func() {
		os.Unsetenv("DURASTASH_DEFAULT_BATCH_SIZE")
		os.Unsetenv("DURASTASH_SESSION_TIMEOUT_MS")
		os.Unsetenv("DURASTASH_RECOVER_SEQUENCE_ON_INIT")
	})
	FromEnv(&cfg)
	if cfg.DefaultBatchSize != 250 {
		t.Fatalf("env override batch size")
	}
	if cfg.SessionTimeoutMs != 60000 {
		t.Fatalf("env override session timeout")
	}
	if cfg.RecoverSequenceOnInit {
		t.Fatalf("env override recover flag")
	}
}
