// Package logging provides the process-wide leveled logger.
//
// Messages are printf-style. Output is either human readable text
// ("[INFO] message") or one JSON object per line with ts, level and msg keys.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Level is a logging severity.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// String returns the upper-case name of the level.
func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

func (l Level) zapLevel() zapcore.Level {
	switch l {
	case LevelDebug:
		return zapcore.DebugLevel
	case LevelWarn:
		return zapcore.WarnLevel
	case LevelError:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// ParseLevel parses a level name. Matching is case-insensitive but
// surrounding whitespace is not trimmed.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return LevelDebug, nil
	case "info":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	}
	return LevelInfo, fmt.Errorf("invalid log level %q (expected debug, info, warn or error)", s)
}

var (
	mu      sync.Mutex
	level   = LevelInfo
	format  = "text"
	output  io.Writer
	atom    = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	sugared = build()
)

func build() *zap.SugaredLogger {
	var w io.Writer = os.Stderr
	if output != nil {
		w = output
	}

	cfg := zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		MessageKey:     "msg",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeDuration: zapcore.StringDurationEncoder,
	}

	var enc zapcore.Encoder
	if format == "json" {
		cfg.EncodeLevel = zapcore.LowercaseLevelEncoder
		cfg.EncodeTime = zapcore.ISO8601TimeEncoder
		enc = zapcore.NewJSONEncoder(cfg)
	} else {
		cfg.EncodeLevel = bracketLevelEncoder
		cfg.EncodeTime = zapcore.TimeEncoderOfLayout("2006-01-02 15:04:05")
		cfg.ConsoleSeparator = " "
		enc = zapcore.NewConsoleEncoder(cfg)
	}

	core := zapcore.NewCore(enc, zapcore.AddSync(w), atom)
	return zap.New(core).Sugar()
}

func bracketLevelEncoder(l zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
	enc.AppendString("[" + l.CapitalString() + "]")
}

// SetLevel sets the minimum level that is written.
func SetLevel(l Level) {
	mu.Lock()
	defer mu.Unlock()
	level = l
	atom.SetLevel(l.zapLevel())
}

// GetLevel returns the current minimum level.
func GetLevel() Level {
	mu.Lock()
	defer mu.Unlock()
	return level
}

// SetFormat selects "json" or "text" output. Unknown formats fall back to text.
func SetFormat(f string) {
	mu.Lock()
	defer mu.Unlock()
	if f != "json" {
		f = "text"
	}
	format = f
	sugared = build()
}

// SetOutput redirects log output. A nil writer restores stderr.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	output = w
	sugared = build()
}

func current() *zap.SugaredLogger {
	mu.Lock()
	defer mu.Unlock()
	return sugared
}

// IsDebug reports whether debug messages are written.
func IsDebug() bool {
	return GetLevel() <= LevelDebug
}

// Debug logs at debug level.
func Debug(format string, args ...interface{}) {
	current().Debugf(format, args...)
}

// Info logs at info level.
func Info(format string, args ...interface{}) {
	current().Infof(format, args...)
}

// Warn logs at warn level.
func Warn(format string, args ...interface{}) {
	current().Warnf(format, args...)
}

// Error logs at error level.
func Error(format string, args ...interface{}) {
	current().Errorf(format, args...)
}

// Sync flushes buffered output.
func Sync() {
	_ = current().Sync()
}
