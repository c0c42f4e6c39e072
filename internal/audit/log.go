package audit

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"

	"revealgate.dev/internal/auth"
	"revealgate.dev/internal/obs"
)

type ctxKey string

const requestIDKey ctxKey = "audit_request_id"

// WithRequestID attaches the request identifier to the context for audit logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFromContext returns the request id stored by WithRequestID.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// LogEvent writes an audit entry for administrative and lifecycle actions
// (link issue/revoke, MFA changes, rotation runs). Reveal attempts are
// recorded in the session ledger, not here.
func LogEvent(ctx context.Context, event string, fields map[string]any) error {
	event = strings.TrimSpace(event)
	if event == "" {
		return errors.New("event name is required")
	}
	zf := []zap.Field{
		zap.String("type", "audit"),
		zap.String("event", event),
	}
	if rid := RequestIDFromContext(ctx); rid != "" {
		zf = append(zf, zap.String("request_id", rid))
	}
	if userID, ok := auth.UserIDFromContext(ctx); ok {
		zf = append(zf, zap.String("user_id", userID))
	}
	copied := make(map[string]any, len(fields))
	for k, v := range fields {
		copied[k] = v
	}
	zf = append(zf, zap.Any("fields", copied))

	obs.Logger().Named("audit").Info(event, zf...)
	return nil
}
