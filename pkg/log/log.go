package log

import (
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Level represents the verbosity of logging.
type Level string

const (
	// LevelDebug enables all logs, including per-frame transport traces.
	LevelDebug Level = "debug"
	// LevelInfo enables info, warning, and error logs (default).
	LevelInfo Level = "info"
	// LevelWarn enables only warning and error logs.
	LevelWarn Level = "warn"
	// LevelError enables only error logs.
	LevelError Level = "error"
)

// Format selects the log encoder.
type Format string

const (
	FormatConsole Format = "console"
	FormatJSON    Format = "json"
)

var (
	globalLogger *zap.SugaredLogger
	globalMutex  sync.RWMutex
)

// Config holds logger configuration.
type Config struct {
	Level  Level
	Format Format
}

// DefaultConfig returns the default logger configuration.
func DefaultConfig() Config {
	return Config{
		Level:  LevelInfo,
		Format: FormatConsole,
	}
}

// Init initializes the global logger with the given configuration.
func Init(cfg Config) error {
	logger, err := build(cfg)
	if err != nil {
		return err
	}

	globalMutex.Lock()
	defer globalMutex.Unlock()
	globalLogger = logger.Sugar()
	return nil
}

func zapLevel(level Level) (zapcore.Level, error) {
	switch level {
	case LevelDebug:
		return zapcore.DebugLevel, nil
	case LevelInfo, "":
		return zapcore.InfoLevel, nil
	case LevelWarn:
		return zapcore.WarnLevel, nil
	case LevelError:
		return zapcore.ErrorLevel, nil
	default:
		return zapcore.InfoLevel, fmt.Errorf("unknown log level %q", level)
	}
}

func build(cfg Config) (*zap.Logger, error) {
	level, err := zapLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	var encoder zapcore.Encoder
	switch cfg.Format {
	case FormatJSON:
		encoderConfig.EncodeLevel = zapcore.LowercaseLevelEncoder
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	case FormatConsole, "":
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	default:
		return nil, fmt.Errorf("unknown log format %q", cfg.Format)
	}

	core := zapcore.NewCore(encoder, zapcore.AddSync(os.Stderr), level)
	return zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1), zap.AddStacktrace(zapcore.ErrorLevel)), nil
}

// Get returns the global logger, initializing it with defaults if needed.
func Get() *zap.SugaredLogger {
	globalMutex.RLock()
	logger := globalLogger
	globalMutex.RUnlock()
	if logger != nil {
		return logger
	}

	// Build outside the write lock; Init also takes it.
	built, err := build(DefaultConfig())
	if err != nil {
		// Defaults are always valid.
		panic(err)
	}

	globalMutex.Lock()
	defer globalMutex.Unlock()
	if globalLogger != nil {
		return globalLogger
	}
	globalLogger = built.Sugar()
	return globalLogger
}

// Debug logs a debug message with key-value pairs.
func Debug(msg string, kv ...interface{}) {
	Get().Debugw(msg, kv...)
}

// Debugf logs a formatted debug message.
func Debugf(template string, args ...interface{}) {
	Get().Debugf(template, args...)
}

// Info logs an info message with key-value pairs.
func Info(msg string, kv ...interface{}) {
	Get().Infow(msg, kv...)
}

// Infof logs a formatted info message.
func Infof(template string, args ...interface{}) {
	Get().Infof(template, args...)
}

// Warn logs a warning message with key-value pairs.
func Warn(msg string, kv ...interface{}) {
	Get().Warnw(msg, kv...)
}

// Warnf logs a formatted warning message.
func Warnf(template string, args ...interface{}) {
	Get().Warnf(template, args...)
}

// Error logs an error message with key-value pairs.
func Error(msg string, kv ...interface{}) {
	Get().Errorw(msg, kv...)
}

// Errorf logs a formatted error message.
func Errorf(template string, args ...interface{}) {
	Get().Errorf(template, args...)
}

// With returns a logger with additional fields.
func With(kv ...interface{}) *zap.SugaredLogger {
	return Get().With(kv...)
}

// Sync flushes any buffered log entries.
func Sync() error {
	globalMutex.RLock()
	defer globalMutex.RUnlock()
	if globalLogger != nil {
		return globalLogger.Sync()
	}
	return nil
}

// Reset clears the global logger (mainly for tests).
func Reset() {
	globalMutex.Lock()
	defer globalMutex.Unlock()
	if globalLogger != nil {
		_ = globalLogger.Sync()
	}
	globalLogger = nil
}
