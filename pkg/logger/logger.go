// Package logger is the logging surface of the deployer. It wraps zap with
// two extra severities the run loop needs when reporting step outcomes:
// SUCCESS for a step that completed (a worker finishing an apply) and FAIL
// for an unrecoverable error that must terminate the process. Console
// output is a single line per event with a colored severity tag, which
// keeps the interleaved output of concurrent workers scannable; the
// optional file sink writes rotated JSON for later inspection.
package logger

import (
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Level is the logger's severity scale. It extends zap's with SuccessLevel
// and FailLevel, which only change how an event is tagged and colored, not
// how it is filtered: SUCCESS filters like INFO, FAIL like FATAL.
type Level int8

const (
	DebugLevel Level = iota - 1
	InfoLevel
	// SuccessLevel marks the completion of a deployment step or run.
	SuccessLevel
	WarnLevel
	ErrorLevel
	// FailLevel logs the message and then exits the process.
	FailLevel
)

// Tag returns the bracketed severity name printed on console lines.
func (l Level) Tag() string {
	switch l {
	case DebugLevel:
		return "DEBUG"
	case InfoLevel:
		return "INFO"
	case SuccessLevel:
		return "SUCCESS"
	case WarnLevel:
		return "WARN"
	case ErrorLevel:
		return "ERROR"
	case FailLevel:
		return "FAIL"
	default:
		return fmt.Sprintf("LEVEL(%d)", l)
	}
}

// zapLevel maps a Level onto the zap level that carries it.
func (l Level) zapLevel() zapcore.Level {
	switch l {
	case DebugLevel:
		return zapcore.DebugLevel
	case SuccessLevel:
		return zapcore.InfoLevel
	case WarnLevel:
		return zapcore.WarnLevel
	case ErrorLevel:
		return zapcore.ErrorLevel
	case FailLevel:
		return zapcore.FatalLevel
	default:
		return zapcore.InfoLevel
	}
}

// Options configures the console and file sinks.
type Options struct {
	ConsoleLevel  Level
	FileLevel     Level
	LogFilePath   string
	ConsoleOutput bool
	FileOutput    bool
	ColorConsole  bool
	// TimestampFormat applies to console lines; the file sink always uses
	// the same layout inside its JSON documents.
	TimestampFormat string
}

// DefaultOptions logs INFO and above to a colored console, with the file
// sink disabled until a path is wanted.
func DefaultOptions() Options {
	return Options{
		ConsoleLevel:    InfoLevel,
		FileLevel:       DebugLevel,
		LogFilePath:     "fleetctl.log",
		ConsoleOutput:   true,
		FileOutput:      false,
		ColorConsole:    true,
		TimestampFormat: time.RFC3339,
	}
}

// Logger wraps a zap.SugaredLogger with the SUCCESS and FAIL severities.
type Logger struct {
	*zap.SugaredLogger
	opts Options
}

var (
	globalLogger *Logger
	once         sync.Once
)

// Init builds the global logger once, at process startup. Later calls are
// no-ops; if construction fails the global falls back to a plain console
// logger so logging is always available.
func Init(opts Options) {
	once.Do(func() {
		l, err := NewLogger(opts)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v. Falling back to console logging.\n", err)
			fallback := DefaultOptions()
			l, _ = NewLogger(fallback)
		}
		globalLogger = l
	})
}

// Get returns the global logger, initializing it with defaults if Init was
// never called.
func Get() *Logger {
	if globalLogger == nil {
		Init(DefaultOptions())
	}
	return globalLogger
}

// SyncGlobal flushes the global logger's buffered entries. Called once
// before the process exits.
func SyncGlobal() error {
	return Get().Sync()
}

// NewLogger builds an independent logger instance. The global one from
// Get() is right for almost everything; tests build their own to control
// the sinks.
func NewLogger(opts Options) (*Logger, error) {
	if opts.TimestampFormat == "" {
		opts.TimestampFormat = time.RFC3339
	}

	var cores []zapcore.Core
	if opts.ConsoleOutput {
		enc := newConsoleEncoder(opts.TimestampFormat, opts.ColorConsole)
		cores = append(cores, zapcore.NewCore(enc, zapcore.Lock(os.Stdout), levelEnabler(opts.ConsoleLevel)))
	}
	if opts.FileOutput {
		if opts.LogFilePath == "" {
			return nil, fmt.Errorf("log file path cannot be empty when file output is enabled")
		}
		cfg := zap.NewProductionEncoderConfig()
		cfg.EncodeTime = zapcore.TimeEncoderOfLayout(opts.TimestampFormat)
		cfg.EncodeLevel = zapcore.CapitalLevelEncoder
		// Rotate the file so long-running fleets don't grow it unbounded.
		sink := zapcore.AddSync(&lumberjack.Logger{
			Filename:   opts.LogFilePath,
			MaxSize:    100, // megabytes
			MaxBackups: 3,
			MaxAge:     28, // days
		})
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(cfg), sink, levelEnabler(opts.FileLevel)))
	}
	if len(cores) == 0 {
		return &Logger{SugaredLogger: zap.NewNop().Sugar(), opts: opts}, nil
	}

	z := zap.New(zapcore.NewTee(cores...))
	return &Logger{SugaredLogger: z.Sugar(), opts: opts}, nil
}

// levelEnabler filters on the zap level carrying the configured Level, so
// asking for SUCCESS also shows INFO (both travel as zap INFO).
func levelEnabler(min Level) zap.LevelEnablerFunc {
	threshold := min.zapLevel()
	return func(lvl zapcore.Level) bool {
		return lvl >= threshold
	}
}

// Debugf logs at DebugLevel.
func (l *Logger) Debugf(template string, args ...interface{}) {
	l.SugaredLogger.Debugf(template, args...)
}

// Infof logs at InfoLevel.
func (l *Logger) Infof(template string, args ...interface{}) {
	l.SugaredLogger.Infof(template, args...)
}

// Successf reports a completed step or run. It travels as INFO with the
// severity tag overridden, so the console prints a green [SUCCESS].
func (l *Logger) Successf(template string, args ...interface{}) {
	l.SugaredLogger.Infow(fmt.Sprintf(template, args...), tagOverrideKey, SuccessLevel.Tag())
}

// Warnf logs at WarnLevel.
func (l *Logger) Warnf(template string, args ...interface{}) {
	l.SugaredLogger.Warnf(template, args...)
}

// Errorf logs at ErrorLevel.
func (l *Logger) Errorf(template string, args ...interface{}) {
	l.SugaredLogger.Errorf(template, args...)
}

// Failf reports an unrecoverable error and exits the process.
func (l *Logger) Failf(template string, args ...interface{}) {
	l.SugaredLogger.Fatalw(fmt.Sprintf(template, args...), tagOverrideKey, FailLevel.Tag())
}

// With returns a logger carrying additional structured context, such as
// the step key a worker is processing.
func (l *Logger) With(args ...interface{}) *Logger {
	return &Logger{SugaredLogger: l.SugaredLogger.With(args...), opts: l.opts}
}

// Sync flushes buffered entries.
func (l *Logger) Sync() error {
	return l.SugaredLogger.Sync()
}
