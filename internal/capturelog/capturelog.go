// Package capturelog is the leveled, field-based logger shared by the capture
// components. The default global writes key=value lines through the standard
// log package; cmd binaries replace it with the zap backend.
package capturelog

import (
	"fmt"
	"io"
	"log"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

// Field is a structured logging field.
type Field struct {
	Key   string
	Value any
}

func String(key, val string) Field       { return Field{Key: key, Value: val} }
func Bool(key string, val bool) Field     { return Field{Key: key, Value: val} }
func Int(key string, val int) Field       { return Field{Key: key, Value: val} }
func Int64(key string, val int64) Field   { return Field{Key: key, Value: val} }
func Uint64(key string, val uint64) Field { return Field{Key: key, Value: val} }
func Float64(key string, val float64) Field {
	return Field{Key: key, Value: val}
}
func Time(key string, v time.Time) Field         { return Field{Key: key, Value: v} }
func Duration(key string, d time.Duration) Field { return Field{Key: key, Value: d} }
func Stringer(key string, v fmt.Stringer) Field  { return Field{Key: key, Value: v} }
func Any(key string, val any) Field              { return Field{Key: key, Value: val} }
func Error(err error) Field                      { return Field{Key: "error", Value: err} }

// Logger is the logging interface every component accepts.
type Logger interface {
	// Named returns a child logger with name appended to the component path.
	Named(name string) Logger
	// With returns a child logger carrying fields on every entry.
	With(fields ...Field) Logger

	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)
}

var (
	globalMu     sync.RWMutex
	globalLogger Logger = NewStdLogger()
)

// L returns the current global logger.
func L() Logger {
	globalMu.RLock()
	l := globalLogger
	globalMu.RUnlock()
	return l
}

// ReplaceGlobal swaps the global logger. A nil logger is ignored.
func ReplaceGlobal(l Logger) {
	if l == nil {
		return
	}
	globalMu.Lock()
	globalLogger = l
	globalMu.Unlock()
}

// Nop returns a logger that discards everything.
func Nop() Logger { return nopLogger{} }

type nopLogger struct{}

func (n nopLogger) Named(string) Logger    { return n }
func (n nopLogger) With(...Field) Logger   { return n }
func (nopLogger) Debug(string, ...Field)   {}
func (nopLogger) Info(string, ...Field)    {}
func (nopLogger) Warn(string, ...Field)    {}
func (nopLogger) Error(string, ...Field)   {}

type stdLogger struct {
	out    *lockedLogger
	name   string
	fields []Field
}

// lockedLogger keeps multi-field lines from interleaving across children.
type lockedLogger struct {
	mu   sync.Mutex
	base *log.Logger
}

// NewStdLogger writes to stdout with microsecond time prefixes.
func NewStdLogger() Logger {
	return NewStdLoggerTo(os.Stdout, log.LstdFlags|log.Lmicroseconds)
}

// NewStdLoggerTo writes to w using the given log package flags.
func NewStdLoggerTo(w io.Writer, flags int) Logger {
	return &stdLogger{out: &lockedLogger{base: log.New(w, "", flags)}}
}

func (l *stdLogger) Named(name string) Logger {
	if name == "" {
		return l
	}
	cp := &stdLogger{out: l.out, name: name, fields: l.fields}
	if l.name != "" {
		cp.name = l.name + "." + name
	}
	return cp
}

func (l *stdLogger) With(fields ...Field) Logger {
	if len(fields) == 0 {
		return l
	}
	merged := make([]Field, 0, len(l.fields)+len(fields))
	merged = append(merged, l.fields...)
	merged = append(merged, fields...)
	return &stdLogger{out: l.out, name: l.name, fields: merged}
}

func (l *stdLogger) Debug(msg string, fields ...Field) { l.write("DEBUG", msg, fields) }
func (l *stdLogger) Info(msg string, fields ...Field)  { l.write("INFO", msg, fields) }
func (l *stdLogger) Warn(msg string, fields ...Field)  { l.write("WARN", msg, fields) }
func (l *stdLogger) Error(msg string, fields ...Field) { l.write("ERROR", msg, fields) }

func (l *stdLogger) write(level, msg string, fields []Field) {
	var b strings.Builder
	b.WriteString(level)
	if l.name != "" {
		b.WriteString(" logger=")
		b.WriteString(quoteIfNeeded(l.name))
	}
	b.WriteString(" msg=")
	b.WriteString(quoteIfNeeded(msg))

	all := make([]Field, 0, len(l.fields)+len(fields))
	all = append(all, l.fields...)
	all = append(all, fields...)
	sort.SliceStable(all, func(i, j int) bool { return all[i].Key < all[j].Key })
	for _, f := range all {
		if f.Key == "" {
			continue
		}
		b.WriteByte(' ')
		b.WriteString(f.Key)
		b.WriteByte('=')
		b.WriteString(quoteIfNeeded(formatValue(f.Value)))
	}

	l.out.mu.Lock()
	l.out.base.Println(b.String())
	l.out.mu.Unlock()
}

func formatValue(v any) string {
	switch t := v.(type) {
	case nil:
		return "null"
	case error:
		return t.Error()
	case string:
		return t
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano)
	case time.Duration:
		return t.String()
	case fmt.Stringer:
		return t.String()
	default:
		return fmt.Sprintf("%v", t)
	}
}

func quoteIfNeeded(s string) string {
	if s == "" || strings.ContainsAny(s, " \t\n\r=\"") {
		return fmt.Sprintf("%q", s)
	}
	return s
}
