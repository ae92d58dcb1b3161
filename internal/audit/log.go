package audit

import (
	"context"
	"strings"

	"github.com/sirupsen/logrus"

	"territoria.org/internal/obs"
)

type ctxKey string

const (
	requestIDKey ctxKey = "audit_request_id"
	clientKey    ctxKey = "audit_client"
)

type client struct {
	ip        string
	userAgent string
}

// WithRequestID attaches the request identifier to the context for audit logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

// WithClient attaches the caller's network address and user agent.
func WithClient(ctx context.Context, ip, userAgent string) context.Context {
	ip, userAgent = strings.TrimSpace(ip), strings.TrimSpace(userAgent)
	if ip == "" && userAgent == "" {
		return ctx
	}
	return context.WithValue(ctx, clientKey, client{ip: ip, userAgent: userAgent})
}

// RequestIDFromContext extracts the audit request id from context if present.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

func clientFromContext(ctx context.Context) client {
	if ctx == nil {
		return client{}
	}
	c, _ := ctx.Value(clientKey).(client)
	return c
}

// stamp copies request metadata from ctx into e.
func stamp(ctx context.Context, e *Entry) {
	if e.RequestID == "" {
		e.RequestID = RequestIDFromContext(ctx)
	}
	c := clientFromContext(ctx)
	if e.IP == "" {
		e.IP = c.ip
	}
	if e.UserAgent == "" {
		e.UserAgent = c.userAgent
	}
}

// logEntry mirrors an audit entry to the process log. A non-nil err marks an
// entry that could not be persisted.
func logEntry(e Entry, err error) {
	fields := logrus.Fields{
		"type":       "audit",
		"audit_id":   e.ID,
		"action":     e.Action,
		"module":     e.Module,
		"entity_id":  e.EntityID,
		"request_id": e.RequestID,
	}
	if e.UserID != nil {
		fields["user_id"] = *e.UserID
	}
	entry := obs.Logger().WithFields(fields)
	if err != nil {
		entry.WithError(err).Error("audit entry not persisted")
		return
	}
	entry.Debug("audit entry persisted")
}
