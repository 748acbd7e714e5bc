package log

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// JSONFormatter renders entries as single-line JSON objects.
type JSONFormatter struct{}

type jsonEntry struct {
	Timestamp string                 `json:"ts"`
	Level     string                 `json:"level"`
	Message   string                 `json:"msg"`
	Caller    string                 `json:"caller,omitempty"`
	Error     string                 `json:"error,omitempty"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// Format implements Formatter.
func (JSONFormatter) Format(entry *Entry) ([]byte, error) {
	je := jsonEntry{
		Timestamp: entry.Timestamp.Format("2006-01-02T15:04:05.000Z07:00"),
		Level:     entry.Level.String(),
		Message:   entry.Message,
		Caller:    entry.Caller,
		Fields:    entry.Fields,
	}
	if entry.Error != nil {
		je.Error = entry.Error.Error()
	}
	b, err := json.Marshal(je)
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}

// TextFormatter renders entries as human-readable single lines.
type TextFormatter struct{}

// Format implements Formatter.
func (TextFormatter) Format(entry *Entry) ([]byte, error) {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "%s [%s] %s", entry.Timestamp.Format("15:04:05.000"), entry.Level, entry.Message)
	if entry.Caller != "" {
		fmt.Fprintf(&buf, " (%s)", entry.Caller)
	}
	for k, v := range entry.Fields {
		fmt.Fprintf(&buf, " %s=%v", k, v)
	}
	if entry.Error != nil {
		fmt.Fprintf(&buf, " error=%v", entry.Error)
	}
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}
