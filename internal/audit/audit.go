// Package audit records security and delivery events (rejected credentials,
// denied topics, dropped messages, link transitions) to an external trail.
package audit

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Event kinds.
const (
	KindAuthFailed         = "auth_failed"
	KindPublishRejected    = "publish_rejected"
	KindSubscribeRejected  = "subscribe_rejected"
	KindMessageDropped     = "message_dropped"
	KindMessageQueued      = "message_queued"
	KindMessageReplayed    = "message_replayed"
	KindClientConnected    = "client_connected"
	KindClientDisconnected = "client_disconnected"
	KindLinkUp             = "link_up"
	KindLinkDown           = "link_down"
)

// Event is one audit record. Secrets never go in Detail.
type Event struct {
	Time     time.Time `json:"time"`
	Kind     string    `json:"kind"`
	ClientID string    `json:"client_id,omitempty"`
	Topic    string    `json:"topic,omitempty"`
	Reason   string    `json:"reason,omitempty"`
	Detail   string    `json:"detail,omitempty"`
}

// Sink accepts audit events. Record must not block the caller on I/O.
type Sink interface {
	Record(ctx context.Context, ev Event)
	Close() error
}

// Nop discards every event.
type Nop struct{}

func (Nop) Record(context.Context, Event) {}
func (Nop) Close() error                  { return nil }

// LogSink writes events to a logger.
type LogSink struct {
	logger zerolog.Logger
}

// NewLogSink creates a LogSink tagged with component=Audit.
func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logger.With().Str("component", "Audit").Logger()}
}

func (s *LogSink) Record(_ context.Context, ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	s.logger.Info().
		Time("event_time", ev.Time).
		Str("kind", ev.Kind).
		Str("client_id", ev.ClientID).
		Str("topic", ev.Topic).
		Str("reason", ev.Reason).
		Str("detail", ev.Detail).
		Msg("audit")
}

func (s *LogSink) Close() error { return nil }
