// Package logger holds the process-wide zap logger of the call agent.
package logger

import (
	"context"
	"io"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Log is the global logger. It is a no-op until Init runs.
var Log = zap.NewNop()

// Rotation limits for file output
const (
	fileMaxSizeMB  = 100
	fileMaxBackups = 5
	fileMaxAgeDays = 14
)

// Config holds logger configuration
type Config struct {
	Level    string // debug, info, warn, error
	Format   string // json, text
	Output   string // stdout, file
	FilePath string
}

// Build creates a logger from cfg without touching the global
func Build(cfg *Config) (*zap.Logger, error) {
	level := zap.NewAtomicLevelAt(parseLevel(cfg.Level))
	opts := []zap.Option{zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel)}

	if cfg.Output == "file" && cfg.FilePath != "" {
		sink := zapcore.AddSync(rotatingFile(cfg.FilePath))
		core := zapcore.NewCore(newEncoder(cfg.Format), sink, level)
		return zap.New(core, append(opts, zap.ErrorOutput(sink))...), nil
	}

	zc := zap.NewDevelopmentConfig()
	if cfg.Format == "json" {
		zc = zap.NewProductionConfig()
	}
	zc.EncoderConfig = encoderConfig(cfg.Format)
	zc.Level = level
	zc.OutputPaths = []string{"stdout"}
	zc.ErrorOutputPaths = []string{"stderr"}
	return zc.Build(opts...)
}

// Init replaces the global logger
func Init(cfg *Config) error {
	l, err := Build(cfg)
	if err != nil {
		return err
	}
	Log = l
	return nil
}

func parseLevel(s string) zapcore.Level {
	switch s {
	case "debug":
		return zapcore.DebugLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	}
	return zapcore.InfoLevel
}

func encoderConfig(format string) zapcore.EncoderConfig {
	if format == "json" {
		ec := zap.NewProductionEncoderConfig()
		ec.TimeKey = "timestamp"
		ec.EncodeTime = zapcore.ISO8601TimeEncoder
		return ec
	}
	ec := zap.NewDevelopmentEncoderConfig()
	ec.EncodeLevel = zapcore.CapitalColorLevelEncoder
	return ec
}

func newEncoder(format string) zapcore.Encoder {
	if format == "json" {
		return zapcore.NewJSONEncoder(encoderConfig(format))
	}
	return zapcore.NewConsoleEncoder(encoderConfig(format))
}

func rotatingFile(path string) io.Writer {
	return &lumberjack.Logger{
		Filename:   path,
		MaxSize:    fileMaxSizeMB,
		MaxBackups: fileMaxBackups,
		MaxAge:     fileMaxAgeDays,
		Compress:   true,
	}
}

type contextKey struct{}

// WithRequestID stores the request id for FromContext
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, contextKey{}, requestID)
}

// FromContext returns the global logger tagged with the request id, if any
func FromContext(ctx context.Context) *zap.Logger {
	if requestID, ok := ctx.Value(contextKey{}).(string); ok {
		return Log.With(zap.String("request_id", requestID))
	}
	return Log
}

// With creates a child of the global logger
func With(fields ...zap.Field) *zap.Logger {
	return Log.With(fields...)
}

// Sync flushes buffered entries
func Sync() error {
	return Log.Sync()
}
