// Package logger provides the structured logging used across the broker.
package logger

import (
	"context"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type contextKey string

const (
	// CorrelationIDKey is the context key carrying a cross-request correlation ID.
	CorrelationIDKey contextKey = "correlation_id"
	// ExecutionIDKey is the context key carrying the ExecutionID of the active request.
	ExecutionIDKey contextKey = "execution_id"
)

// Config controls the level and encoding of the logger.
type Config struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"` // "json" or "console"
	OutputPath string `mapstructure:"outputPath"`
}

// Logger wraps zap with a few domain-specific helpers.
type Logger struct {
	zap   *zap.Logger
	sugar *zap.SugaredLogger
}

var (
	defaultOnce   sync.Once
	defaultLogger *Logger
)

// Default returns the process-wide default logger, building an info-level
// logger (console, or JSON where detectLogFormat picks it) the first time it
// is called if nobody installed one yet.
func Default() *Logger {
	defaultOnce.Do(func() {
		if defaultLogger == nil {
			l, err := NewLogger(Config{Level: "info", Format: detectLogFormat()})
			if err != nil {
				l = &Logger{zap: zap.NewNop(), sugar: zap.NewNop().Sugar()}
			}
			defaultLogger = l
		}
	})
	return defaultLogger
}

// SetDefault installs l as the process-wide default logger.
func SetDefault(l *Logger) {
	defaultLogger = l
}

// NewLogger builds a Logger from cfg.
func NewLogger(cfg Config) (*Logger, error) {
	level := parseLevel(cfg.Level)

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "timestamp"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var encoder zapcore.Encoder
	if strings.EqualFold(cfg.Format, "console") {
		consoleCfg := zap.NewDevelopmentEncoderConfig()
		consoleCfg.EncodeTime = zapcore.ISO8601TimeEncoder
		encoder = zapcore.NewConsoleEncoder(consoleCfg)
	} else {
		encoder = zapcore.NewJSONEncoder(encoderCfg)
	}

	writer := zapcore.AddSync(os.Stdout)
	if cfg.OutputPath != "" {
		f, err := os.OpenFile(cfg.OutputPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, err
		}
		writer = zapcore.NewMultiWriteSyncer(zapcore.AddSync(os.Stdout), zapcore.AddSync(f))
	}

	core := zapcore.NewCore(encoder, writer, level)
	zl := zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1))

	return &Logger{zap: zl, sugar: zl.Sugar()}, nil
}

func parseLevel(level string) zapcore.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	case "fatal":
		return zapcore.FatalLevel
	default:
		return zapcore.InfoLevel
	}
}

// detectLogFormat prefers JSON in container/production-like environments
// and console output for an interactive terminal.
func detectLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if os.Getenv("SHELLBROKER_ENV") == "production" {
		return "json"
	}
	return "console"
}

// WithFields returns a derived Logger with the given structured fields attached.
func (l *Logger) WithFields(fields ...zap.Field) *Logger {
	return &Logger{zap: l.zap.With(fields...), sugar: l.zap.With(fields...).Sugar()}
}

// WithContext attaches correlation/execution IDs found on ctx, if any.
func (l *Logger) WithContext(ctx context.Context) *Logger {
	var fields []zap.Field
	if v, ok := ctx.Value(CorrelationIDKey).(string); ok && v != "" {
		fields = append(fields, zap.String("correlation_id", v))
	}
	if v, ok := ctx.Value(ExecutionIDKey).(string); ok && v != "" {
		fields = append(fields, zap.String("execution_id", v))
	}
	if len(fields) == 0 {
		return l
	}
	return l.WithFields(fields...)
}

// WithError attaches err as a structured field.
func (l *Logger) WithError(err error) *Logger {
	return l.WithFields(zap.Error(err))
}

func (l *Logger) Debug(msg string, fields ...zap.Field) { l.zap.Debug(msg, fields...) }
func (l *Logger) Info(msg string, fields ...zap.Field)  { l.zap.Info(msg, fields...) }
func (l *Logger) Warn(msg string, fields ...zap.Field)  { l.zap.Warn(msg, fields...) }
func (l *Logger) Error(msg string, fields ...zap.Field) { l.zap.Error(msg, fields...) }
func (l *Logger) Fatal(msg string, fields ...zap.Field) { l.zap.Fatal(msg, fields...) }

// Sync flushes any buffered log entries.
func (l *Logger) Sync() error { return l.zap.Sync() }

// Zap exposes the underlying *zap.Logger for libraries that want it directly.
func (l *Logger) Zap() *zap.Logger { return l.zap }

// Sugar exposes the underlying *zap.SugaredLogger.
func (l *Logger) Sugar() *zap.SugaredLogger { return l.sugar }
