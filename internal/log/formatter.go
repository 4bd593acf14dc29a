// Package log provides logging formatter for pg_couchsync.
package log

import (
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
)

// Formatter formats log entries as "timestamp [LEVEL] message key=value ..."
type Formatter struct {
	timestampFormat string
	colors          bool
}

// NewFormatter creates a new log entry formatter
func NewFormatter(colors bool) *Formatter {
	return &Formatter{
		timestampFormat: "2006-01-02 15:04:05.000",
		colors:          colors,
	}
}

const (
	gray   = 37
	yellow = 33
	red    = 31
	blue   = 36
)

// Format renders a single log entry
func (f *Formatter) Format(entry *logrus.Entry) ([]byte, error) {
	var sb strings.Builder

	sb.WriteString(entry.Time.Format(f.timestampFormat))
	sb.WriteByte(' ')

	level := strings.ToUpper(entry.Level.String())
	if f.colors {
		fmt.Fprintf(&sb, "\x1b[%dm[%s]\x1b[0m", levelColor(entry.Level), level)
	} else {
		fmt.Fprintf(&sb, "[%s]", level)
	}

	if entry.HasCaller() {
		fmt.Fprintf(&sb, " %s:%d", path.Base(entry.Caller.File), entry.Caller.Line)
	}

	sb.WriteByte(' ')
	sb.WriteString(entry.Message)

	keys := make([]string, 0, len(entry.Data))
	for k := range entry.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&sb, " %s=%v", k, entry.Data[k])
	}

	sb.WriteByte('\n')
	return []byte(sb.String()), nil
}

func levelColor(level logrus.Level) int {
	switch level {
	case logrus.DebugLevel, logrus.TraceLevel:
		return gray
	case logrus.WarnLevel:
		return yellow
	case logrus.ErrorLevel, logrus.FatalLevel, logrus.PanicLevel:
		return red
	default:
		return blue
	}
}
