package observability

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger wraps zap.Logger with dashboard-specific helpers.
type Logger struct {
	*zap.Logger
}

type loggerContextKey struct{}

// GlobalLogger is the process-wide logger. Exported for testing.
var GlobalLogger *Logger

// InitLogger builds the global logger for env (development, test, staging
// or production). A non-empty level overrides the environment default.
func InitLogger(env, level string) (*Logger, error) {
	var config zap.Config

	switch env {
	case "development", "test":
		config = zap.NewDevelopmentConfig()
		config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	case "production", "staging":
		config = zap.NewProductionConfig()
		config.EncoderConfig.TimeKey = "timestamp"
		config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	default:
		return nil, fmt.Errorf("invalid environment: %s (must be development, test, staging, or production)", env)
	}

	if level != "" {
		var lvl zapcore.Level
		if err := lvl.UnmarshalText([]byte(level)); err != nil {
			return nil, fmt.Errorf("invalid log level: %w", err)
		}
		config.Level = zap.NewAtomicLevelAt(lvl)
	}

	zapLogger, err := config.Build(zap.AddStacktrace(zapcore.ErrorLevel))
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}

	logger := &Logger{Logger: zapLogger}
	GlobalLogger = logger
	return logger, nil
}

// LoggingConfig configures NewLogger.
type LoggingConfig struct {
	// Level is the minimum level (debug, info, warn, error).
	Level string

	// Format is "json" or "console".
	Format string

	// OutputPaths are zap sink URLs (default: stderr).
	OutputPaths []string

	// Development enables development mode (DPanic panics, caller info).
	Development bool
}

// NewLogger builds a logger from the logging section of the configuration
// and installs it as the global logger.
func NewLogger(cfg *LoggingConfig) (*Logger, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}

	config := zap.NewProductionConfig()
	if cfg.Development {
		config = zap.NewDevelopmentConfig()
	}
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	switch cfg.Format {
	case "", "json":
		config.Encoding = "json"
	case "console":
		config.Encoding = "console"
	default:
		return nil, fmt.Errorf("invalid log format: %s (must be json or console)", cfg.Format)
	}

	if cfg.Level != "" {
		var lvl zapcore.Level
		if err := lvl.UnmarshalText([]byte(cfg.Level)); err != nil {
			return nil, fmt.Errorf("invalid log level: %w", err)
		}
		config.Level = zap.NewAtomicLevelAt(lvl)
	}
	if len(cfg.OutputPaths) > 0 {
		config.OutputPaths = cfg.OutputPaths
	}

	zapLogger, err := config.Build(zap.AddStacktrace(zapcore.ErrorLevel))
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}

	logger := &Logger{Logger: zapLogger}
	GlobalLogger = logger
	return logger, nil
}

// GetLogger returns the global logger, or a no-op logger before InitLogger.
func GetLogger() *Logger {
	if GlobalLogger == nil {
		return &Logger{Logger: zap.NewNop()}
	}
	return GlobalLogger
}

// WithComponent adds a component field.
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{Logger: l.With(zap.String("component", component))}
}

// WithError adds an error field.
func (l *Logger) WithError(err error) *Logger {
	return &Logger{Logger: l.With(zap.Error(err))}
}

// ContextWithLogger stores logger in ctx.
func ContextWithLogger(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, loggerContextKey{}, logger)
}

// LoggerFromContext returns the logger stored in ctx, or the global logger.
func LoggerFromContext(ctx context.Context) *Logger {
	if logger, ok := ctx.Value(loggerContextKey{}).(*Logger); ok {
		return logger
	}
	return GetLogger()
}

// Sync flushes buffered log entries.
func (l *Logger) Sync() error {
	if err := l.Logger.Sync(); err != nil {
		return fmt.Errorf("failed to sync logger: %w", err)
	}
	return nil
}

// LogRequest logs an HTTP request served by the dashboard API.
func (l *Logger) LogRequest(method, path string, statusCode int, duration float64) {
	l.Info("http request",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", statusCode),
		zap.Float64("duration_ms", duration),
	)
}

// LogCSEOperation logs a request issued to the CSE.
func (l *Logger) LogCSEOperation(operation, target string, err error) {
	if err != nil {
		l.Warn("cse operation failed",
			zap.String("operation", operation),
			zap.String("target", target),
			zap.Error(err),
		)
		return
	}
	l.Debug("cse operation completed",
		zap.String("operation", operation),
		zap.String("target", target),
	)
}

// LogNotification logs a notification taken from the polling channel.
func (l *Logger) LogNotification(eventType, resourceID string) {
	l.Debug("notification received",
		zap.String("event_type", eventType),
		zap.String("resource_id", resourceID),
	)
}

// LogLightChange logs an operator light selection.
func (l *Logger) LogLightChange(intersectionID string, light int, color string, err error) {
	fields := []zap.Field{
		zap.String("intersection", intersectionID),
		zap.Int("light", light),
		zap.String("color", color),
	}
	if err != nil {
		l.Error("light change failed", append(fields, zap.Error(err))...)
		return
	}
	l.Info("light changed", fields...)
}
