package log

import (
	"fmt"
	"log"
	"strings"
)

// ParseLevel parses a case-insensitive level name ("debug", "info", "warn",
// "error", "fatal"). An empty string is not valid; callers default it
// themselves, matching how the CLI treats an unset --log-level flag.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return DebugLevel, nil
	case "info":
		return InfoLevel, nil
	case "warn", "warning":
		return WarnLevel, nil
	case "error":
		return ErrorLevel, nil
	case "fatal":
		return FatalLevel, nil
	default:
		return InfoLevel, fmt.Errorf("log: unrecognized level %q", s)
	}
}

// stdLogWriter adapts a Logger to the io.Writer the standard log package
// wants, so libraries that only know log.Logger (Pebble included) still flow
// through our structured pipeline.
type stdLogWriter struct {
	logger Logger
}

func (w stdLogWriter) Write(p []byte) (int, error) {
	w.logger.Warn(strings.TrimRight(string(p), "\n"))
	return len(p), nil
}

// RedirectStdLog points the standard library's default logger at logger, so
// third-party code that calls log.Printf (Pebble does, on internal
// conditions) is captured by our structured pipeline instead of going
// straight to stderr.
func RedirectStdLog(logger Logger) {
	log.SetOutput(stdLogWriter{logger: logger})
	log.SetFlags(0)
}
