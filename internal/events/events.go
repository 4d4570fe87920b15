// Package events publishes audit events for security-relevant outcomes
// of the authorization flow. Publishing never fails a request: sinks
// log their own errors.
package events

import (
	"context"
	"log/slog"
	"time"
)

// Event types.
const (
	CodeIssued           = "code.issued"
	CodeConsumed         = "code.consumed"
	CodeRejected         = "code.rejected"
	TokenIssued          = "token.issued"
	TokenRefreshed       = "token.refreshed"
	TokenRevoked         = "token.revoked"
	RefreshReuseRejected = "refresh.reuse_rejected"
	LoginSucceeded       = "login.succeeded"
)

// Event is one audit record. Secrets (codes, tokens) never appear here.
type Event struct {
	Type     string    `json:"type"`
	Time     time.Time `json:"time"`
	ClientID string    `json:"client_id,omitempty"`
	UserID   string    `json:"user_id,omitempty"`
	JTI      string    `json:"jti,omitempty"`
	Provider string    `json:"provider,omitempty"`
	Reason   string    `json:"reason,omitempty"`
}

// Publisher accepts audit events.
type Publisher interface {
	Publish(ctx context.Context, e Event)
}

// Multi fans an event out to every publisher in order.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, e Event) {
	for _, p := range m {
		p.Publish(ctx, e)
	}
}

// Log writes events to a structured logger.
type Log struct {
	logger *slog.Logger
}

// NewLog returns a publisher that logs every event at Info.
func NewLog(logger *slog.Logger) *Log {
	return &Log{logger: logger}
}

func (l *Log) Publish(ctx context.Context, e Event) {
	attrs := []slog.Attr{slog.String("type", e.Type)}

	if e.ClientID != "" {
		attrs = append(attrs, slog.String("client_id", e.ClientID))
	}

	if e.UserID != "" {
		attrs = append(attrs, slog.String("user_id", e.UserID))
	}

	if e.JTI != "" {
		attrs = append(attrs, slog.String("jti", e.JTI))
	}

	if e.Provider != "" {
		attrs = append(attrs, slog.String("provider", e.Provider))
	}

	if e.Reason != "" {
		attrs = append(attrs, slog.String("reason", e.Reason))
	}

	l.logger.LogAttrs(ctx, slog.LevelInfo, "audit", attrs...)
}
