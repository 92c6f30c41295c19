// Package logging provides the structured logger and the context keys used to
// carry request identity (trace, tenant, user) across the access layer.
package logging

import (
	"context"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

type contextKey string

const (
	// TraceIDKey carries the per-request trace identifier.
	TraceIDKey contextKey = "trace_id"
	// TenantIDKey carries the resolved tenant identifier.
	TenantIDKey contextKey = "tenant_id"
	// UserIDKey carries the authenticated subject identifier.
	UserIDKey contextKey = "user_id"
	// RoleKey carries the subject's primary role, when present.
	RoleKey contextKey = "role"
)

// Logger wraps logrus with service metadata and context-aware field extraction.
type Logger struct {
	entry *logrus.Entry
}

// New creates a Logger for the named service. Level is one of logrus' level
// strings ("debug", "info", ...); format is "json" or "text".
func New(service, level, format string) *Logger {
	l := logrus.New()
	l.SetOutput(os.Stdout)

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	l.SetLevel(lvl)

	if format == "json" {
		l.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	} else {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	return &Logger{entry: l.WithField("service", service)}
}

// WithContext returns a logger enriched with any identity fields stored in ctx.
func (l *Logger) WithContext(ctx context.Context) *Logger {
	entry := l.entry
	if v := GetTraceID(ctx); v != "" {
		entry = entry.WithField("trace_id", v)
	}
	if v := GetTenantID(ctx); v != "" {
		entry = entry.WithField("tenant_id", v)
	}
	if v := GetUserID(ctx); v != "" {
		entry = entry.WithField("user_id", v)
	}
	if v := GetRole(ctx); v != "" {
		entry = entry.WithField("role", v)
	}
	return &Logger{entry: entry}
}

// WithField returns a logger with one extra field.
func (l *Logger) WithField(key string, value interface{}) *Logger {
	return &Logger{entry: l.entry.WithField(key, value)}
}

// WithFields returns a logger with extra fields.
func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	return &Logger{entry: l.entry.WithFields(logrus.Fields(fields))}
}

// WithError returns a logger with the error attached.
func (l *Logger) WithError(err error) *Logger {
	return &Logger{entry: l.entry.WithError(err)}
}

func (l *Logger) Debug(args ...interface{}) { l.entry.Debug(args...) }
func (l *Logger) Info(args ...interface{})  { l.entry.Info(args...) }
func (l *Logger) Warn(args ...interface{})  { l.entry.Warn(args...) }
func (l *Logger) Error(args ...interface{}) { l.entry.Error(args...) }
func (l *Logger) Fatal(args ...interface{}) { l.entry.Fatal(args...) }

func (l *Logger) Debugf(format string, args ...interface{}) { l.entry.Debugf(format, args...) }
func (l *Logger) Infof(format string, args ...interface{})  { l.entry.Infof(format, args...) }
func (l *Logger) Warnf(format string, args ...interface{})  { l.entry.Warnf(format, args...) }
func (l *Logger) Errorf(format string, args ...interface{}) { l.entry.Errorf(format, args...) }

// LogRequest records one completed HTTP request.
func (l *Logger) LogRequest(ctx context.Context, method, path string, status int, duration time.Duration) {
	l.WithContext(ctx).WithFields(map[string]interface{}{
		"method":      method,
		"path":        path,
		"status":      status,
		"duration_ms": duration.Milliseconds(),
	}).Info("request completed")
}

// LogSecurityEvent records an authentication/authorization event with a stable
// event name. Tenant and token failures stay distinguishable here even though
// clients only ever see a generic rejection.
func (l *Logger) LogSecurityEvent(ctx context.Context, event string, fields map[string]interface{}) {
	l.WithContext(ctx).WithField("security_event", event).WithFields(fields).Warn("security event")
}

// NewTraceID generates a fresh trace identifier.
func NewTraceID() string {
	return uuid.New().String()
}

// WithTraceID stores the trace ID in ctx.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}

// GetTraceID returns the trace ID from ctx, or "".
func GetTraceID(ctx context.Context) string {
	return stringFromContext(ctx, TraceIDKey)
}

// WithTenantID stores the tenant ID in ctx.
func WithTenantID(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, TenantIDKey, tenantID)
}

// GetTenantID returns the tenant ID from ctx, or "".
func GetTenantID(ctx context.Context) string {
	return stringFromContext(ctx, TenantIDKey)
}

// WithUserID stores the subject ID in ctx.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, UserIDKey, userID)
}

// GetUserID returns the subject ID from ctx, or "".
func GetUserID(ctx context.Context) string {
	return stringFromContext(ctx, UserIDKey)
}

// WithRole stores the subject's role in ctx.
func WithRole(ctx context.Context, role string) context.Context {
	return context.WithValue(ctx, RoleKey, role)
}

// GetRole returns the role from ctx, or "".
func GetRole(ctx context.Context) string {
	return stringFromContext(ctx, RoleKey)
}

func stringFromContext(ctx context.Context, key contextKey) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(key).(string); ok {
		return v
	}
	return ""
}
