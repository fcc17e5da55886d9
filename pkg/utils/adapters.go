package utils

import (
	"context"

	"go.uber.org/zap"
)

// KVLogger adapts the zap-backed Logger to the key/value-pair logging
// interface consumed by the consensus layer.
type KVLogger struct {
	base *Logger
}

// NewKVLogger wraps a Logger for key/value-pair call sites.
func NewKVLogger(base *Logger) *KVLogger {
	if base == nil {
		base = GetLogger()
	}
	return &KVLogger{base: base}
}

func (l *KVLogger) DebugContext(ctx context.Context, msg string, args ...interface{}) {
	l.base.DebugContext(ctx, msg, kvFields(args)...)
}

func (l *KVLogger) InfoContext(ctx context.Context, msg string, args ...interface{}) {
	l.base.InfoContext(ctx, msg, kvFields(args)...)
}

func (l *KVLogger) WarnContext(ctx context.Context, msg string, args ...interface{}) {
	l.base.WarnContext(ctx, msg, kvFields(args)...)
}

func (l *KVLogger) ErrorContext(ctx context.Context, msg string, args ...interface{}) {
	l.base.ErrorContext(ctx, msg, kvFields(args)...)
}

func kvFields(args []interface{}) []zap.Field {
	fields := make([]zap.Field, 0, len(args)/2)
	for i := 0; i+1 < len(args); i += 2 {
		key, ok := args[i].(string)
		if !ok {
			key = "arg"
		}
		fields = append(fields, ZapAny(key, args[i+1]))
	}
	return fields
}

// AuditAdapter adapts AuditLogger's error-returning methods to the
// fire-and-forget interface used on the consensus hot path. A nil adapter is
// safe to call.
type AuditAdapter struct {
	base *AuditLogger
	log  *Logger
}

// NewAuditAdapter wraps an AuditLogger; base may be nil (no-op).
func NewAuditAdapter(base *AuditLogger, log *Logger) *AuditAdapter {
	return &AuditAdapter{base: base, log: log}
}

func (a *AuditAdapter) Info(event string, fields map[string]interface{}) {
	a.emit(event, fields, func(e string, f map[string]interface{}) error { return a.base.Info(e, f) })
}

func (a *AuditAdapter) Warn(event string, fields map[string]interface{}) {
	a.emit(event, fields, func(e string, f map[string]interface{}) error { return a.base.Warn(e, f) })
}

func (a *AuditAdapter) Security(event string, fields map[string]interface{}) {
	a.emit(event, fields, func(e string, f map[string]interface{}) error { return a.base.Security(e, f) })
}

func (a *AuditAdapter) emit(event string, fields map[string]interface{}, fn func(string, map[string]interface{}) error) {
	if a == nil || a.base == nil {
		return
	}
	if err := fn(event, fields); err != nil && a.log != nil {
		a.log.Warn("audit write failed", ZapString("event", event), ZapError(err))
	}
}
