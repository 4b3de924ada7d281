package workflow

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/goliatone/go-logger/glog"
)

// Logger is the surface the engine logs through: the four levels it
// actually emits. It is a strict subset of github.com/goliatone/go-logger's
// Logger, so a glog logger plugs in with no adapter.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// fieldBinder is implemented by loggers that can bind structured fields.
type fieldBinder interface {
	WithFields(fields map[string]any) Logger
}

func ensureLogger(l Logger) Logger {
	if l == nil {
		return NewPlainLogger(nil)
	}
	return l
}

// loggerWith binds fields through whichever field mechanism the logger
// offers: this package's fieldBinder, or go-logger's FieldsLogger. Loggers
// with neither log without the fields.
func loggerWith(l Logger, fields map[string]any) Logger {
	if l == nil {
		l = NewPlainLogger(nil)
	}
	if len(fields) == 0 {
		return l
	}
	switch fl := l.(type) {
	case fieldBinder:
		return fl.WithFields(fields)
	case glog.FieldsLogger:
		return fl.WithFields(fields)
	}
	return l
}

// PlainLogger is the fallback used when no logger option is given: one
// line per event, level then message then sorted fields.
type PlainLogger struct {
	out    io.Writer
	suffix string
}

// NewPlainLogger writes to stderr when out is nil.
func NewPlainLogger(out io.Writer) *PlainLogger {
	if out == nil {
		out = os.Stderr
	}
	return &PlainLogger{out: out}
}

func (l *PlainLogger) Debug(msg string, args ...any) { l.write("DBG", msg, args) }
func (l *PlainLogger) Info(msg string, args ...any)  { l.write("INF", msg, args) }
func (l *PlainLogger) Warn(msg string, args ...any)  { l.write("WRN", msg, args) }
func (l *PlainLogger) Error(msg string, args ...any) { l.write("ERR", msg, args) }

// WithFields renders the fields once and carries them as a line suffix.
func (l *PlainLogger) WithFields(fields map[string]any) Logger {
	if l == nil {
		return NewPlainLogger(nil).WithFields(fields)
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, fields[k]))
	}
	suffix := strings.Join(parts, " ")
	if l.suffix != "" {
		suffix = strings.TrimSpace(l.suffix + " " + suffix)
	}
	return &PlainLogger{out: l.out, suffix: suffix}
}

func (l *PlainLogger) write(level, msg string, args []any) {
	if l == nil {
		l = NewPlainLogger(nil)
	}
	if len(args) > 0 {
		msg = fmt.Sprintf(msg, args...)
	}
	line := time.Now().UTC().Format(time.RFC3339) + " " + level + " " + strings.TrimSpace(msg)
	if l.suffix != "" {
		line += " " + l.suffix
	}
	fmt.Fprintln(l.out, line)
}
