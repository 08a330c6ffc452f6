package dispatch

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// Sink delivers one event to its consumers. Implementations must be safe for
// concurrent use; consumers behind a sink must treat events as idempotent
// because delivery is at-least-once.
type Sink interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// NATSSink publishes events to NATS, one subject per topic:
// <prefix>.<topic>, e.g. approvals.decision.approved.
type NATSSink struct {
	conn   *nats.Conn
	prefix string
}

// NewNATSSink connects to the broker. Reconnection is left to the nats client;
// publish failures while disconnected surface as errors and the dispatcher's
// retry loop handles them.
func NewNATSSink(url, prefix string) (*NATSSink, error) {
	conn, err := nats.Connect(url,
		nats.Name("be-plt-approvals"),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS at %s: %w", url, err)
	}
	return &NATSSink{conn: conn, prefix: prefix}, nil
}

// Publish sends the payload to the topic's subject.
func (s *NATSSink) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := s.conn.Publish(s.prefix+"."+topic, payload); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// Close drains and closes the connection.
func (s *NATSSink) Close() {
	if s.conn != nil {
		_ = s.conn.Drain()
	}
}

// LogSink writes events to the log instead of a broker. Used in local
// development and as the audit trail consumer when no broker is configured.
type LogSink struct {
	Log zerolog.Logger
}

// Publish logs the event.
func (s LogSink) Publish(ctx context.Context, topic string, payload []byte) error {
	s.Log.Info().
		Str("topic", topic).
		RawJSON("payload", payload).
		Msg("Event delivered")
	return nil
}
