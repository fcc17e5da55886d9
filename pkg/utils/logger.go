package utils

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Context keys
type contextKey string

const (
	ContextKeyNodeID    contextKey = "node_id"
	ContextKeyComponent contextKey = "component"
	ContextKeyRound     contextKey = "round"
	ContextKeyView      contextKey = "view"
)

// Logger configuration constants
const (
	DefaultLogLevel    = "info"
	DefaultLogFileSize = 100 // MB
	DefaultMaxBackups  = 10
	DefaultMaxAge      = 30 // days
)

// LogConfig holds logger configuration
type LogConfig struct {
	Level       string
	Development bool

	OutputPath      string
	ErrorOutputPath string

	EnableRotation bool
	MaxSize        int // megabytes
	MaxBackups     int
	MaxAge         int // days
	Compress       bool

	NodeID    string
	Component string
}

// DefaultLogConfig returns production-ready defaults
func DefaultLogConfig() *LogConfig {
	return &LogConfig{
		Level:           getEnvOrDefault("LOG_LEVEL", DefaultLogLevel),
		Development:     getEnvOrDefault("ENVIRONMENT", "production") == "development",
		OutputPath:      getEnvOrDefault("LOG_FILE_PATH", ""),
		ErrorOutputPath: "stderr",
		EnableRotation:  getEnvOrDefault("LOG_FILE_PATH", "") != "",
		MaxSize:         getEnvAsIntOrDefault("LOG_MAX_SIZE", DefaultLogFileSize),
		MaxBackups:      getEnvAsIntOrDefault("LOG_MAX_BACKUPS", DefaultMaxBackups),
		MaxAge:          getEnvAsIntOrDefault("LOG_MAX_AGE", DefaultMaxAge),
		Compress:        getEnvAsBoolOrDefault("LOG_COMPRESS", true),
		NodeID:          getEnvOrDefault("NODE_ID", ""),
		Component:       getEnvOrDefault("SERVICE_NAME", "diotec360"),
	}
}

// Logger provides structured logging for all components
type Logger struct {
	base        *zap.Logger
	config      *LogConfig
	atomicLevel zap.AtomicLevel
}

// NewLogger creates a new logger instance
func NewLogger(config *LogConfig) (*Logger, error) {
	if config == nil {
		config = DefaultLogConfig()
	}

	level, err := zapcore.ParseLevel(config.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}
	atomicLevel := zap.NewAtomicLevelAt(level)

	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "message",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.MillisDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	core := buildCore(config, encoderConfig, atomicLevel)

	zapLogger := zap.New(core,
		zap.AddCaller(),
		zap.AddStacktrace(zapcore.ErrorLevel),
	)

	if config.NodeID != "" {
		zapLogger = zapLogger.With(zap.String("node_id", config.NodeID))
	}
	if config.Component != "" {
		zapLogger = zapLogger.With(zap.String("component", config.Component))
	}

	return &Logger{
		base:        zapLogger,
		config:      config,
		atomicLevel: atomicLevel,
	}, nil
}

func buildCore(config *LogConfig, encoderConfig zapcore.EncoderConfig, level zap.AtomicLevel) zapcore.Core {
	var encoder zapcore.Encoder
	if config.Development {
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	} else {
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	}

	if config.EnableRotation && config.OutputPath != "" {
		writer := &lumberjack.Logger{
			Filename:   config.OutputPath,
			MaxSize:    config.MaxSize,
			MaxBackups: config.MaxBackups,
			MaxAge:     config.MaxAge,
			Compress:   config.Compress,
		}
		return zapcore.NewCore(encoder, zapcore.AddSync(writer), level)
	}

	return zapcore.NewCore(encoder, zapcore.AddSync(os.Stdout), level)
}

// WithContext creates a new logger carrying fields extracted from ctx
func (l *Logger) WithContext(ctx context.Context) *Logger {
	if ctx == nil {
		return l
	}
	fields := extractContextFields(ctx)
	if len(fields) == 0 {
		return l
	}
	return &Logger{
		base:        l.base.With(fields...),
		config:      l.config,
		atomicLevel: l.atomicLevel,
	}
}

// WithFields creates a logger with additional static fields
func (l *Logger) WithFields(fields ...zap.Field) *Logger {
	return &Logger{
		base:        l.base.With(fields...),
		config:      l.config,
		atomicLevel: l.atomicLevel,
	}
}

func extractContextFields(ctx context.Context) []zap.Field {
	fields := make([]zap.Field, 0, 4)
	if val := ctx.Value(ContextKeyNodeID); val != nil {
		fields = append(fields, zap.String("node_id", fmt.Sprintf("%v", val)))
	}
	if val := ctx.Value(ContextKeyComponent); val != nil {
		fields = append(fields, zap.String("component", fmt.Sprintf("%v", val)))
	}
	if val := ctx.Value(ContextKeyRound); val != nil {
		fields = append(fields, zap.Any("round", val))
	}
	if val := ctx.Value(ContextKeyView); val != nil {
		fields = append(fields, zap.Any("view", val))
	}
	return fields
}

// Log methods with context support

func (l *Logger) DebugContext(ctx context.Context, msg string, fields ...zap.Field) {
	l.WithContext(ctx).base.Debug(msg, fields...)
}

func (l *Logger) InfoContext(ctx context.Context, msg string, fields ...zap.Field) {
	l.WithContext(ctx).base.Info(msg, fields...)
}

func (l *Logger) WarnContext(ctx context.Context, msg string, fields ...zap.Field) {
	l.WithContext(ctx).base.Warn(msg, fields...)
}

func (l *Logger) ErrorContext(ctx context.Context, msg string, fields ...zap.Field) {
	l.WithContext(ctx).base.Error(msg, fields...)
}

// Log methods without context

func (l *Logger) Debug(msg string, fields ...zap.Field) { l.base.Debug(msg, fields...) }
func (l *Logger) Info(msg string, fields ...zap.Field)  { l.base.Info(msg, fields...) }
func (l *Logger) Warn(msg string, fields ...zap.Field)  { l.base.Warn(msg, fields...) }
func (l *Logger) Error(msg string, fields ...zap.Field) { l.base.Error(msg, fields...) }
func (l *Logger) Fatal(msg string, fields ...zap.Field) { l.base.Fatal(msg, fields...) }

// SetLevel changes the log level at runtime
func (l *Logger) SetLevel(level string) error {
	newLevel, err := zapcore.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	l.atomicLevel.SetLevel(newLevel)
	return nil
}

// GetLevel returns the current log level
func (l *Logger) GetLevel() string {
	return l.atomicLevel.Level().String()
}

// Sync flushes buffered log entries
func (l *Logger) Sync() error {
	return l.base.Sync()
}

// Zap field helpers

func ZapString(key, val string) zap.Field                 { return zap.String(key, val) }
func ZapInt(key string, val int) zap.Field                { return zap.Int(key, val) }
func ZapInt64(key string, val int64) zap.Field            { return zap.Int64(key, val) }
func ZapUint64(key string, val uint64) zap.Field          { return zap.Uint64(key, val) }
func ZapFloat64(key string, val float64) zap.Field        { return zap.Float64(key, val) }
func ZapBool(key string, val bool) zap.Field              { return zap.Bool(key, val) }
func ZapError(err error) zap.Field                        { return zap.Error(err) }
func ZapDuration(key string, val time.Duration) zap.Field { return zap.Duration(key, val) }
func ZapTime(key string, val time.Time) zap.Field         { return zap.Time(key, val) }
func ZapAny(key string, val interface{}) zap.Field        { return zap.Any(key, val) }
func ZapStrings(key string, val []string) zap.Field       { return zap.Strings(key, val) }

// Global logger management

var (
	globalLogger     *Logger
	globalLoggerOnce sync.Once
	globalLoggerMu   sync.RWMutex
)

// GetLogger returns the process-wide default logger, creating it on first use
func GetLogger() *Logger {
	globalLoggerOnce.Do(func() {
		logger, err := NewLogger(DefaultLogConfig())
		if err != nil {
			zapLogger, _ := zap.NewProduction()
			globalLogger = &Logger{
				base:   zapLogger,
				config: DefaultLogConfig(),
			}
		} else {
			globalLogger = logger
		}
	})
	return globalLogger
}

// SetGlobalLogger replaces the process-wide default logger
func SetGlobalLogger(logger *Logger) {
	globalLoggerMu.Lock()
	defer globalLoggerMu.Unlock()
	globalLogger = logger
}

// CreateTestLogger builds a development logger for tests
func CreateTestLogger() *Logger {
	config := &LogConfig{
		Level:       "debug",
		Development: true,
	}
	logger, _ := NewLogger(config)
	return logger
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}
