package logger

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Logger struct {
	Logger *zap.Logger
}

var (
	ProductionMode  = "production"
	DevelopmentMode = "development"
)

func New(mode string) *Logger {
	var config zap.Config
	if mode == ProductionMode {
		config = zap.NewProductionConfig()
		config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	} else {
		config = zap.NewDevelopmentConfig()
		config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	zapLogger, err := config.Build(zap.AddCallerSkip(1))
	if err != nil {
		panic(err)
	}
	return &Logger{Logger: zapLogger}
}

// NewNop returns a logger that discards everything. Used by tests and as the
// fallback when a component is built without one.
func NewNop() *Logger {
	return &Logger{Logger: zap.NewNop()}
}

type ctxKey string

var RequestIdKey ctxKey = "request_id"
var UserIdKey ctxKey = "user_id"
var CallIdKey ctxKey = "call_id"

// WithCallID stores the call id so request-scoped logs can be tied to a call.
func WithCallID(ctx context.Context, callID string) context.Context {
	return context.WithValue(ctx, CallIdKey, callID)
}

// WithUserID stores the authenticated user id on the context.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, UserIdKey, userID)
}

func (l *Logger) withContext(ctx context.Context) *zap.Logger {
	var fields []zap.Field
	if ctx != nil {
		for _, key := range []ctxKey{RequestIdKey, UserIdKey, CallIdKey} {
			if value, ok := ctx.Value(key).(string); ok && value != "" {
				fields = append(fields, zap.String(string(key), value))
			}
		}
	}
	return l.Logger.With(fields...)
}

// Ctx returns the underlying zap logger annotated with the ids found on ctx.
func (l *Logger) Ctx(ctx context.Context) *zap.Logger {
	return l.withContext(ctx)
}

// Named returns a child zap logger for a component, e.g. "coordinator".
func (l *Logger) Named(component string) *zap.Logger {
	return l.Logger.WithOptions(zap.AddCallerSkip(-1)).Named(component)
}

var logger *Logger

func SetGlobalLogger(l *Logger) {
	logger = l
}

func GetGlobalLogger() *Logger {
	if logger == nil {
		return NewNop()
	}
	return logger
}

func (l *Logger) Infof(template string, args ...interface{}) {
	l.Logger.Sugar().Infof(template, args...)
}

func (l *Logger) Warnf(template string, args ...interface{}) {
	l.Logger.Sugar().Warnf(template, args...)
}

func (l *Logger) Errorf(template string, args ...interface{}) {
	l.Logger.Sugar().Errorf(template, args...)
}

func (l *Logger) Sync() {
	_ = l.Logger.Sync()
}
