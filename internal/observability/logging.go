package observability

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/SidU/durable-support-agent/internal/config"
	"github.com/SidU/durable-support-agent/model"
)

type loggerKey struct{}

// NewLogger builds the process logger: JSON on stdout, tagged with the
// service name and build version.
//
// Levels:
//   - error: store failures, exhausted activity retries, 5xx responses
//   - warn:  4xx responses, rejected tokens, skipped notifications, lost leases
//   - info:  requests, case lifecycle, instance start and finish
//   - debug: replay, timer sweeps, activity dispatch, redacted intake bodies
func NewLogger(cfg config.ObservabilityConfig, service, version string) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zapcore.InfoLevel
	}

	zapCfg := zap.Config{
		Level:    zap.NewAtomicLevelAt(level),
		Encoding: "json",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "timestamp",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.LowercaseLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.MillisDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
		InitialFields: map[string]any{
			"service": service,
			"version": version,
		},
	}

	return zapCfg.Build()
}

// WithLogger stores a logger in the context.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// LoggerFrom returns the logger stored in ctx, or fallback.
func LoggerFrom(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	if l, ok := ctx.Value(loggerKey{}).(*zap.Logger); ok && l != nil {
		return l
	}
	return fallback
}

// RequestLogger returns the request's logger tagged with the caller's subject
// and the current span, when known.
func RequestLogger(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	logger := LoggerFrom(ctx, fallback)

	var fields []zap.Field
	if rctx := model.RequestContextFrom(ctx); rctx != nil {
		fields = append(fields,
			zap.String("subject_id", rctx.SubjectID),
			zap.String("correlation_id", rctx.CorrelationID),
		)
		if rctx.TraceID != "" {
			fields = append(fields, zap.String("trace_id", rctx.TraceID))
		}
	}
	if spanID := SpanIDFromContext(ctx); spanID != "" {
		fields = append(fields, zap.String("span_id", spanID))
	}
	if len(fields) == 0 {
		return logger
	}
	return logger.With(fields...)
}

// CaseLogger is RequestLogger tagged with a case and, once it is known, the
// workflow instance driving it.
func CaseLogger(ctx context.Context, fallback *zap.Logger, caseID, instanceID string) *zap.Logger {
	fields := []zap.Field{zap.String("case_id", caseID)}
	if instanceID != "" {
		fields = append(fields, zap.String("instance_id", instanceID))
	}
	return RequestLogger(ctx, fallback).With(fields...)
}

const redacted = "[REDACTED]"

// Case intake fields that identify the customer or carry free text they
// wrote, plus credentials that may be pasted into a description payload.
var piiFields = map[string]bool{
	"customerEmail":    true,
	"userName":         true,
	"issueDescription": true,
	"email":            true,
	"password":         true,
	"token":            true,
	"access_token":     true,
	"authorization":    true,
	"api_key":          true,
}

// RedactPII returns a copy of body with customer-identifying fields and any
// extra names replaced, recursing into nested objects and arrays. Intended for
// debug logs of intake payloads.
func RedactPII(body map[string]any, extra ...string) map[string]any {
	if body == nil {
		return nil
	}
	set := piiFields
	if len(extra) > 0 {
		set = make(map[string]bool, len(piiFields)+len(extra))
		for k := range piiFields {
			set[k] = true
		}
		for _, f := range extra {
			set[f] = true
		}
	}
	return redactMap(body, set)
}

func redactMap(body map[string]any, set map[string]bool) map[string]any {
	out := make(map[string]any, len(body))
	for k, v := range body {
		if set[k] {
			out[k] = redacted
			continue
		}
		out[k] = redactValue(v, set)
	}
	return out
}

func redactValue(v any, set map[string]bool) any {
	switch val := v.(type) {
	case map[string]any:
		return redactMap(val, set)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = redactValue(item, set)
		}
		return out
	default:
		return v
	}
}
