// Package log provides durastash's structured logging facade and utilities.
//
// # Overview
//
// The package exposes a small Logger interface with leveled methods and a
// simple Field type for structured context. The leveled methods format each
// entry and write it to the outputs directly. Each BaseLogger also carries a
// standard library slog.Logger whose custom handler writes through the same
// formatter/outputs pipeline; the Logger methods do not route through it.
//
// Quick start
//
//	l := log.NewLogger(
//	    log.WithLevel(log.InfoLevel),
//	    log.WithFormatter(&log.TextFormatter{}),
//	    log.WithOutput(log.NewConsoleOutput()),
//	)
//	l = l.With(log.Component("facade"), log.Str("group", "orders"))
//	l.Info("session initialized", log.Str("session", sessionID))
//
// # Interop
//
// RedirectStdLog points the standard library's default logger at a Logger,
// so libraries that only know about log.Printf (Pebble, on internal
// conditions) still flow through the structured pipeline.
package log
