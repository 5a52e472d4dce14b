// Package hostlog implements a small logging contract: a sink that accepts
// Items carrying a level, a message, an optional source location, and an
// optional exception. The default implementation wraps
// github.com/joeycumines/logiface, with github.com/joeycumines/stumpy as the
// zero-allocation JSON encoder/sink.
package hostlog

import (
	"io"
	"runtime"

	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
)

// Level is a small closed set of severities, ordered from most to least
// severe.
type Level int

const (
	LevelError Level = iota
	LevelWarn
	LevelInfo
	LevelTrace
)

// String implements fmt.Stringer.
func (l Level) String() string {
	switch l {
	case LevelError:
		return "error"
	case LevelWarn:
		return "warn"
	case LevelInfo:
		return "info"
	case LevelTrace:
		return "trace"
	default:
		return "unknown"
	}
}

// SourceLocation is a file/line pair, captured via runtime.Caller by the
// helpers in this package and attached to log Items the same way queued
// tasks carry an origin.
type SourceLocation struct {
	File string
	Line int
}

// Item is a single log record.
type Item struct {
	Level     Level
	Message   string
	Location  SourceLocation
	Exception error
}

// Logger is the contract every component in this module pushes Items
// through. It must be safe for concurrent use.
type Logger interface {
	Push(item Item)
}

// LoggerFunc adapts a function to Logger.
type LoggerFunc func(item Item)

// Push implements Logger.
func (f LoggerFunc) Push(item Item) { f(item) }

// Discard is a Logger that drops every Item, for use in tests.
var Discard Logger = LoggerFunc(func(Item) {})

// logifaceLogger is the default Logger, backed by a logiface.Logger[*stumpy.Event].
type logifaceLogger struct {
	logger *logiface.Logger[*stumpy.Event]
}

// New constructs the default Logger, writing newline-delimited JSON to w via
// stumpy. A nil w defaults to os.Stderr, matching stumpy's own default.
func New(w io.Writer) Logger {
	var opts []stumpy.Option
	if w != nil {
		opts = append(opts, stumpy.WithWriter(w))
	}
	return &logifaceLogger{
		logger: stumpy.L.New(
			stumpy.L.WithStumpy(opts...),
		),
	}
}

// Push implements Logger.
func (x *logifaceLogger) Push(item Item) {
	var level logiface.Level
	switch item.Level {
	case LevelError:
		level = logiface.LevelError
	case LevelWarn:
		level = logiface.LevelWarning
	case LevelInfo:
		level = logiface.LevelInformational
	case LevelTrace:
		level = logiface.LevelTrace
	default:
		level = logiface.LevelInformational
	}

	b := x.logger.Build(level)
	if b == nil {
		return
	}
	if item.Location.File != "" {
		b = b.Str("file", item.Location.File).Int("line", item.Location.Line)
	}
	if item.Exception != nil {
		b = b.Err(item.Exception)
	}
	b.Log(item.Message)
}

// Caller captures the immediate caller's file/line as a SourceLocation,
// skipping skip additional frames beyond Caller itself. Mirrors the
// teacher's origin-capturing helper in eventloop.
func Caller(skip int) SourceLocation {
	_, file, line, ok := runtime.Caller(skip + 1)
	if !ok {
		return SourceLocation{}
	}
	return SourceLocation{File: file, Line: line}
}

// Errorf pushes an error-level Item with the caller's source location.
func Errorf(l Logger, err error, msg string) {
	l.Push(Item{Level: LevelError, Message: msg, Location: Caller(1), Exception: err})
}

// Warnf pushes a warn-level Item with the caller's source location.
func Warnf(l Logger, msg string) {
	l.Push(Item{Level: LevelWarn, Message: msg, Location: Caller(1)})
}

// Infof pushes an info-level Item with the caller's source location.
func Infof(l Logger, msg string) {
	l.Push(Item{Level: LevelInfo, Message: msg, Location: Caller(1)})
}

// Tracef pushes a trace-level Item with the caller's source location.
func Tracef(l Logger, msg string) {
	l.Push(Item{Level: LevelTrace, Message: msg, Location: Caller(1)})
}
