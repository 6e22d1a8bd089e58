package logging

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/fatih/color"

	mcperrors "github.com/WebSurfinMurf/mcp-sub001/pkg/errors"
)

// TextFormatter renders one line per entry:
//
//	2026-01-02 15:04:05.000 [WARN] health/check backend=db session=4f1c: message | key=value
//
// The backend, session and request id are lifted out of the fields into the
// header, so every line about one session starts the same way.
type TextFormatter struct {
	TimestampFormat  string
	DisableColors    bool
	DisableTimestamp bool
}

// NewTextFormatter creates a text formatter with millisecond timestamps.
func NewTextFormatter() *TextFormatter {
	return &TextFormatter{
		TimestampFormat: "2006-01-02 15:04:05.000",
	}
}

// Format renders entry as a single text line.
func (f *TextFormatter) Format(entry *Entry) ([]byte, error) {
	var buf bytes.Buffer

	if !f.DisableTimestamp {
		buf.WriteString(entry.Timestamp.Format(f.TimestampFormat))
		buf.WriteByte(' ')
	}

	level := "[" + entry.Level.String() + "]"
	if !f.DisableColors {
		if c, ok := levelColors[entry.Level]; ok {
			level = c.Sprint(level)
		}
	}
	buf.WriteString(level)
	buf.WriteByte(' ')

	header := f.header(entry)
	if header != "" {
		buf.WriteString(header)
		buf.WriteString(": ")
	}
	buf.WriteString(entry.Message)

	if rest := f.fields(entry); rest != "" {
		buf.WriteString(" | ")
		buf.WriteString(rest)
	}

	buf.WriteByte('\n')
	return buf.Bytes(), nil
}

func (f *TextFormatter) header(entry *Entry) string {
	var parts []string
	if entry.Component != "" {
		where := entry.Component
		if entry.Operation != "" {
			where += "/" + entry.Operation
		}
		parts = append(parts, where)
	}
	if entry.Backend != "" {
		parts = append(parts, "backend="+textValue(entry.Backend))
	}
	if entry.Session != "" {
		parts = append(parts, "session="+textValue(entry.Session))
	}
	if entry.RequestID != "" {
		parts = append(parts, "req="+textValue(entry.RequestID))
	}
	return strings.Join(parts, " ")
}

// fields renders everything the header did not show, sorted by key.
func (f *TextFormatter) fields(entry *Entry) string {
	shown := map[string]bool{}
	if entry.Component != "" {
		shown[keyComponent] = true
		if entry.Operation != "" {
			shown[keyOperation] = true
		}
	}
	if entry.Backend != "" {
		shown[keyBackend] = true
	}
	if entry.Session != "" {
		shown[keySession] = true
	}
	if entry.RequestID != "" {
		shown[keyRequest] = true
	}

	keys := make([]string, 0, len(entry.Fields))
	for k := range entry.Fields {
		if !shown[k] {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, k+"="+textValue(entry.Fields[k]))
	}
	return strings.Join(pairs, " ")
}

// textValue renders v for a key=value pair, quoting anything a reader
// could not split back apart.
func textValue(v interface{}) string {
	var s string
	switch val := v.(type) {
	case nil:
		return "<nil>"
	case string:
		s = val
	case error:
		s = val.Error()
	case time.Duration:
		s = val.String()
	case time.Time:
		s = val.Format(time.RFC3339Nano)
	case fmt.Stringer:
		s = val.String()
	default:
		s = fmt.Sprintf("%v", v)
	}
	if s == "" || strings.ContainsAny(s, " \t\r\n\"=|") {
		return strconv.Quote(s)
	}
	return s
}

var levelColors = map[Level]*color.Color{
	DebugLevel: color.New(color.FgHiBlack),
	InfoLevel:  color.New(color.FgBlue),
	WarnLevel:  color.New(color.FgYellow),
	ErrorLevel: color.New(color.FgRed),
	FatalLevel: color.New(color.FgRed, color.Bold),
}

// JSONFormatter writes one JSON object per entry. Durations are written as
// Go duration strings and gateway errors carry their JSON-RPC code.
type JSONFormatter struct {
	TimestampFormat  string
	DisableTimestamp bool
}

// NewJSONFormatter creates a JSON formatter with RFC 3339 millisecond timestamps.
func NewJSONFormatter() *JSONFormatter {
	return &JSONFormatter{
		TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
	}
}

// Format renders entry as a JSON object followed by a newline.
func (f *JSONFormatter) Format(entry *Entry) ([]byte, error) {
	data := make(map[string]interface{}, len(entry.Fields)+3)
	for k, v := range entry.Fields {
		switch val := v.(type) {
		case error:
			data[k] = val.Error()
			if mcpErr, ok := mcperrors.AsMCPError(val); ok {
				if _, taken := entry.Fields[k+"_code"]; !taken {
					data[k+"_code"] = int(mcpErr.Code())
				}
			}
		case time.Duration:
			data[k] = val.String()
		default:
			data[k] = v
		}
	}

	data["level"] = entry.Level.String()
	data["message"] = entry.Message
	if !f.DisableTimestamp {
		data["timestamp"] = entry.Timestamp.Format(f.TimestampFormat)
	}

	out, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal log entry: %w", err)
	}
	return append(out, '\n'), nil
}
