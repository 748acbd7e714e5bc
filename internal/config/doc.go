// Package config provides loading and environment overlay for durastash
// runtime configuration. It exposes a Default() baseline, Load for JSON
// files, FromEnv for DURASTASH_* overrides, and DefaultDataDir.
//
// Example:
//
//	cfg := config.Default()
//	if fileCfg, err := config.Load("/etc/durastash.json"); err == nil {
//	    cfg = fileCfg
//	}
//	config.FromEnv(&cfg)
package config
