package observability

import (
	"context"
	"os"
	"slices"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/mayorista/pedidos/internal/platform/requestctx"
)

// NewLogger builds the process logger from LOG_LEVEL (default info) and LOG_FORMAT.
// The default format is Cloud Logging JSON on stdout; LOG_FORMAT=console is meant for
// local runs.
func NewLogger() (*zap.Logger, error) {
	return newLogger(os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FORMAT"), zapcore.Lock(os.Stdout))
}

func newLogger(level, format string, out zapcore.WriteSyncer) (*zap.Logger, error) {
	lvl := zapcore.InfoLevel
	if level = strings.TrimSpace(level); level != "" {
		if err := lvl.Set(strings.ToLower(level)); err != nil {
			return nil, err
		}
	}

	var encoder zapcore.Encoder
	if strings.EqualFold(strings.TrimSpace(format), "console") {
		cfg := zap.NewDevelopmentEncoderConfig()
		cfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoder = zapcore.NewConsoleEncoder(cfg)
	} else {
		encoder = zapcore.NewJSONEncoder(cloudLoggingEncoderConfig())
	}
	return zap.New(zapcore.NewCore(encoder, out, lvl), zap.AddCaller()), nil
}

// cloudLoggingEncoderConfig maps zap keys onto the fields Cloud Logging parses from
// structured stdout.
func cloudLoggingEncoderConfig() zapcore.EncoderConfig {
	return zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "severity",
		MessageKey:     "message",
		CallerKey:      "logging.googleapis.com/sourceLocation",
		StacktraceKey:  "stack_trace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeTime:     zapcore.RFC3339NanoTimeEncoder,
		EncodeLevel:    zapcore.CapitalLevelEncoder,
		EncodeDuration: zapcore.MillisDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
}

// Warner is a format-string logger for components that predate structured fields.
type Warner struct {
	sugar *zap.SugaredLogger
}

func NewWarner(logger *zap.Logger) Warner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return Warner{sugar: logger.Sugar()}
}

func (w Warner) Warnf(format string, args ...any) {
	w.sugar.Warnf(format, args...)
}

// EventLogger adapts zap to the func(ctx, event, fields) callback services log through.
// The request logger on ctx wins over fallback. Events ending in ".failed" or ".error"
// are warnings.
func EventLogger(fallback *zap.Logger) func(ctx context.Context, event string, fields map[string]any) {
	if fallback == nil {
		fallback = zap.NewNop()
	}
	return func(ctx context.Context, event string, fields map[string]any) {
		logger := requestctx.Logger(ctx)
		if logger == requestctx.NoopLogger() {
			logger = fallback
		}

		zfields := []zap.Field{zap.String("event", event)}
		keys := make([]string, 0, len(fields))
		for key := range fields {
			keys = append(keys, key)
		}
		slices.Sort(keys)
		for _, key := range keys {
			zfields = append(zfields, zap.Any(key, fields[key]))
		}

		level := zapcore.InfoLevel
		if strings.HasSuffix(event, ".failed") || strings.HasSuffix(event, ".error") {
			level = zapcore.WarnLevel
		}
		logger.Log(level, event, zfields...)
	}
}
