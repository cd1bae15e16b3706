package logging

import (
	"context"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	sugar *zap.SugaredLogger
	once  sync.Once
	mu    sync.RWMutex
)

// Logger is the structured logging surface used across the bridge. It is
// satisfied by *zap.SugaredLogger and by test doubles.
type Logger interface {
	Infow(msg string, keysAndValues ...interface{})
	Debugw(msg string, keysAndValues ...interface{})
	Warnw(msg string, keysAndValues ...interface{})
	Errorw(msg string, keysAndValues ...interface{})
	Fatalw(msg string, keysAndValues ...interface{})
	Sync() error
}

type noopLogger struct{}

func (n noopLogger) Infow(msg string, keysAndValues ...interface{})  {}
func (n noopLogger) Debugw(msg string, keysAndValues ...interface{}) {}
func (n noopLogger) Warnw(msg string, keysAndValues ...interface{})  {}
func (n noopLogger) Errorw(msg string, keysAndValues ...interface{}) {}
func (n noopLogger) Fatalw(msg string, keysAndValues ...interface{}) {}
func (n noopLogger) Sync() error                                     { return nil }

// current starts as a no-op so package-level calls are safe before Init.
var current Logger = noopLogger{}

// Init builds the global sugared logger with the level taken from LOG_LEVEL
// and redirects the standard library logger into zap. Safe to call more than
// once; only the first call has effect.
func Init() *zap.SugaredLogger {
	return InitLevel(os.Getenv("LOG_LEVEL"))
}

// InitLevel is Init with an explicit level name (debug, info, warn, error).
func InitLevel(level string) *zap.SugaredLogger {
	once.Do(func() {
		cfg := zap.Config{
			Encoding:         "json",
			EncoderConfig:    zap.NewProductionEncoderConfig(),
			OutputPaths:      []string{"stdout"},
			ErrorOutputPaths: []string{"stderr"},
		}
		cfg.EncoderConfig.TimeKey = "ts"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		cfg.EncoderConfig.CallerKey = "caller"
		cfg.Level = zap.NewAtomicLevelAt(parseLevel(level))

		logger, err := cfg.Build(zap.AddCaller(), zap.AddCallerSkip(1), zap.AddStacktrace(zap.ErrorLevel))
		if err != nil {
			logger = zap.NewNop()
		}
		_ = zap.RedirectStdLog(logger)
		sugar = logger.Sugar()
		SetLogger(sugar)
	})
	return sugar
}

func parseLevel(level string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zap.DebugLevel
	case "warn", "warning":
		return zap.WarnLevel
	case "error":
		return zap.ErrorLevel
	default:
		return zap.InfoLevel
	}
}

// Sugar returns the sugared logger built by Init (nil before Init).
func Sugar() *zap.SugaredLogger { return sugar }

// SetLogger replaces the package-level logger. Passing nil restores the
// logger built by Init, or the no-op logger if Init was never called.
func SetLogger(l Logger) {
	mu.Lock()
	defer mu.Unlock()
	switch {
	case l != nil:
		current = l
	case sugar != nil:
		current = sugar
	default:
		current = noopLogger{}
	}
}

// GetLogger returns the active Logger.
func GetLogger() Logger {
	mu.RLock()
	defer mu.RUnlock()
	return current
}

func Infow(msg string, keysAndValues ...interface{})  { GetLogger().Infow(msg, keysAndValues...) }
func Debugw(msg string, keysAndValues ...interface{}) { GetLogger().Debugw(msg, keysAndValues...) }
func Warnw(msg string, keysAndValues ...interface{})  { GetLogger().Warnw(msg, keysAndValues...) }
func Errorw(msg string, keysAndValues ...interface{}) { GetLogger().Errorw(msg, keysAndValues...) }

// FatalExitf logs at fatal level and exits with status 1. Tests replace the
// logger through SetLogger; the exit itself is unconditional.
func FatalExitf(msg string, keysAndValues ...interface{}) {
	GetLogger().Fatalw(msg, keysAndValues...)
	os.Exit(1)
}

// Sync flushes buffered log entries.
func Sync() error { return GetLogger().Sync() }

type ctxKeyType struct{}

// WithFields returns a context carrying kv in addition to any fields already
// attached to ctx.
func WithFields(ctx context.Context, kv ...interface{}) context.Context {
	if len(kv) == 0 {
		return ctx
	}
	prev, _ := ctx.Value(ctxKeyType{}).([]interface{})
	merged := make([]interface{}, 0, len(prev)+len(kv))
	merged = append(merged, prev...)
	merged = append(merged, kv...)
	return context.WithValue(ctx, ctxKeyType{}, merged)
}

// FromContext returns the fields attached with WithFields.
func FromContext(ctx context.Context) []interface{} {
	if ctx == nil {
		return nil
	}
	v, _ := ctx.Value(ctxKeyType{}).([]interface{})
	return v
}

func mergeCtx(ctx context.Context, kv []interface{}) []interface{} {
	ctxFields := FromContext(ctx)
	if len(ctxFields) == 0 {
		return kv
	}
	merged := make([]interface{}, 0, len(ctxFields)+len(kv))
	merged = append(merged, ctxFields...)
	return append(merged, kv...)
}

// InfowCtx logs msg with the context fields prepended to kv.
func InfowCtx(ctx context.Context, msg string, kv ...interface{}) { Infow(msg, mergeCtx(ctx, kv)...) }

// WarnwCtx logs msg with the context fields prepended to kv.
func WarnwCtx(ctx context.Context, msg string, kv ...interface{}) { Warnw(msg, mergeCtx(ctx, kv)...) }

// ErrorwCtx logs msg with the context fields prepended to kv.
func ErrorwCtx(ctx context.Context, msg string, kv ...interface{}) {
	Errorw(msg, mergeCtx(ctx, kv)...)
}

// Field helpers use dot-separated keys so downstream log queries stay uniform.

func SessionFields(sessionID string) []interface{} {
	return []interface{}{"session.id", sessionID}
}

func ParticipantFields(participantID string) []interface{} {
	return []interface{}{"participant.id", participantID}
}

// FrameFields describes an image frame without logging its payload.
func FrameFields(width, height, format, payloadLen int) []interface{} {
	return []interface{}{
		"frame.width", width,
		"frame.height", height,
		"frame.format", format,
		"frame.payload_len", payloadLen,
	}
}

// ChunkFields describes an utterance chunk. durationMs is derived from the
// chunk size at the outbound audio format.
func ChunkFields(bytes int, durationMs int) []interface{} {
	return []interface{}{"chunk.bytes", bytes, "chunk.duration_ms", durationMs}
}
