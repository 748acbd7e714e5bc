package log

import (
	"io"
	"os"
)

// ConsoleOutput writes formatted entries to stdout, or stderr for
// Warn/Error/Fatal.
type ConsoleOutput struct {
	stdout io.Writer
	stderr io.Writer
}

// NewConsoleOutput returns a ConsoleOutput writing to the process stdout/stderr.
func NewConsoleOutput() *ConsoleOutput {
	return &ConsoleOutput{stdout: os.Stdout, stderr: os.Stderr}
}

// Write implements Output.
func (c *ConsoleOutput) Write(entry *Entry, formatted []byte) error {
	w := c.stdout
	if w == nil {
		w = os.Stdout
	}
	if entry.Level >= WarnLevel {
		if c.stderr != nil {
			w = c.stderr
		} else {
			w = os.Stderr
		}
	}
	_, err := w.Write(formatted)
	return err
}

// Close implements Output.
func (c *ConsoleOutput) Close() error { return nil }
