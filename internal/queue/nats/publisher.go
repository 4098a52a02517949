package nats

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/alanyoungcy/marketcore/internal/domain"
)

// EventPublisher writes domain events to the MARKET_EVENTS stream under
// "<prefix>.<event type>". The event ID is the JetStream message ID, so a
// retried publish is deduplicated by the server.
type EventPublisher struct {
	js     jetstream.JetStream
	prefix string
	logger *slog.Logger
}

// NewEventPublisher creates an EventPublisher on c.
func NewEventPublisher(c *Client, logger *slog.Logger) *EventPublisher {
	return &EventPublisher{
		js:     c.js,
		prefix: c.cfg.SubjectPrefix,
		logger: logger.With(slog.String("component", "nats_publisher")),
	}
}

// Subject returns the subject an event type is published on.
func (p *EventPublisher) Subject(typ domain.EventType) string {
	return p.prefix + "." + string(typ)
}

// Publish implements domain.EventPublisher. Failures are logged and dropped.
func (p *EventPublisher) Publish(ctx context.Context, ev domain.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		p.logger.WarnContext(ctx, "marshal event failed", slog.String("event_id", ev.ID), slog.String("error", err.Error()))
		return
	}
	if _, err := p.js.Publish(ctx, p.Subject(ev.Type), data, jetstream.WithMsgID(ev.ID)); err != nil {
		p.logger.WarnContext(ctx, "publish event failed",
			slog.String("event_id", ev.ID),
			slog.String("type", string(ev.Type)),
			slog.String("error", err.Error()),
		)
	}
}

var _ domain.EventPublisher = (*EventPublisher)(nil)
