// Package sink defines the optional pluggable fan-out target every
// publish is offered to after local and cluster delivery — the broker
// core's hook for an external event-stream forwarding system, which is
// itself out of scope (spec.md §1 Non-goals).
package sink

import (
	"context"
	"log/slog"

	"github.com/dynamq/dynamq/internal/logger"
)

// Sink is the consumed interface for event-stream forwarding.
type Sink interface {
	Publish(ctx context.Context, clientID, topic string, payload []byte) error
}

// Noop discards every publish; the default when no sink is configured.
type Noop struct{}

func (Noop) Publish(context.Context, string, string, []byte) error { return nil }

// Logging writes one debug log line per publish. Useful during
// development or when no real event-stream system is wired up.
type Logging struct {
	Logger *logger.Logger
}

func (l Logging) Publish(_ context.Context, clientID, topic string, payload []byte) error {
	l.Logger.Debug("sink publish",
		slog.String("client_id", clientID),
		slog.String("topic", topic),
		slog.Int("payload_size", len(payload)))
	return nil
}
