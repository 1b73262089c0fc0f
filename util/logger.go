// Package util provides low-level helpers shared by all other packages.
package util

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// LogLevel controls output verbosity.
type LogLevel int

const (
	LogQuiet   LogLevel = 0
	LogNormal  LogLevel = 1
	LogVerbose LogLevel = 2
	LogDebug   LogLevel = 3
)

// Stream tags a message with the subsystem that produced it.
type Stream string

const (
	StreamNone    Stream = ""
	StreamNetwork Stream = "network"
	StreamSession Stream = "session"
	StreamAuth    Stream = "auth"
	StreamDaemon  Stream = "daemon"
)

// Logger writes levelled messages to stderr with optional timestamps,
// level prefixes and a stream tag.  Loggers derived with [Logger.With]
// share the parent's output and lock.
type Logger struct {
	level      LogLevel
	output     io.Writer
	mu         *sync.Mutex
	timestamps bool // if true, prepend a wall-clock timestamp
	stream     Stream
}

// NewLogger returns a Logger that prints messages at or below the given
// verbosity (0 = quiet, 1 = normal, 2 = verbose, 3 = debug).
func NewLogger(verbosity int) *Logger {
	return &Logger{
		level:      LogLevel(verbosity),
		output:     os.Stderr,
		mu:         &sync.Mutex{},
		timestamps: verbosity >= 3, // auto-enable timestamps in debug mode
	}
}

// With returns a logger that tags every message with s.
func (l *Logger) With(s Stream) *Logger {
	c := *l
	c.stream = s
	return &c
}

// SetTimestamps enables or disables timestamp prefixes.
func (l *Logger) SetTimestamps(on bool) { l.timestamps = on }

// SetOutput overrides the output writer (default: os.Stderr).
func (l *Logger) SetOutput(w io.Writer) { l.output = w }

// Level returns the current log level.
func (l *Logger) Level() LogLevel { return l.level }

// Info prints when verbosity ≥ 1.  Prefixed with [INF].
func (l *Logger) Info(format string, args ...interface{}) {
	if l.level >= LogNormal {
		l.write("INF", format, args...)
	}
}

// Warn prints when verbosity ≥ 1.  Prefixed with [WRN].
func (l *Logger) Warn(format string, args ...interface{}) {
	if l.level >= LogNormal {
		l.write("WRN", format, args...)
	}
}

// Verbose prints when verbosity ≥ 2.  Prefixed with [VRB].
func (l *Logger) Verbose(format string, args ...interface{}) {
	if l.level >= LogVerbose {
		l.write("VRB", format, args...)
	}
}

// Debug prints when verbosity ≥ 3.  Prefixed with [DBG].
func (l *Logger) Debug(format string, args ...interface{}) {
	if l.level >= LogDebug {
		l.write("DBG", format, args...)
	}
}

// Error always prints regardless of verbosity.  Prefixed with [ERR].
func (l *Logger) Error(format string, args ...interface{}) {
	l.write("ERR", format, args...)
}

// LogBuffer hex dumps data when verbosity reaches level.  Every dump
// line is prefixed with prefix.
func (l *Logger) LogBuffer(level LogLevel, data []byte, prefix string) {
	if l.level < level || len(data) == 0 {
		return
	}
	dump := strings.TrimRight(hex.Dump(data), "\n")
	lines := strings.Split(dump, "\n")
	for i, line := range lines {
		lines[i] = prefix + line
	}
	l.write("BUF", "%d bytes\n%s", len(data), strings.Join(lines, "\n"))
}

func (l *Logger) write(level, format string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()

	msg := fmt.Sprintf(format, args...)
	if l.stream != StreamNone {
		msg = string(l.stream) + ": " + msg
	}
	if l.timestamps {
		ts := time.Now().Format("15:04:05.000")
		fmt.Fprintf(l.output, "%s [%s] %s\n", ts, level, msg)
	} else {
		fmt.Fprintf(l.output, "[%s] %s\n", level, msg)
	}
}
