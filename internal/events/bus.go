// Package events fans domain events out to realtime subscribers, the
// durable event stream and operator alerts.
package events

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/alanyoungcy/marketcore/internal/domain"
)

// UserChannel is the realtime channel for events addressed to one user,
// such as outbid and auction-won.
func UserChannel(userID string) string { return "user:" + userID }

// Bus implements domain.EventPublisher. Each event is pushed on its
// auction or transaction channel, on the recipient's user channel, and to
// every sink. Delivery is best effort.
type Bus struct {
	signals domain.SignalBus
	sinks   []domain.EventPublisher
	logger  *slog.Logger
}

// NewBus creates a Bus that forwards to sinks.
func NewBus(logger *slog.Logger, sinks ...domain.EventPublisher) *Bus {
	return &Bus{
		sinks:  sinks,
		logger: logger.With(slog.String("component", "event_bus")),
	}
}

// WithSignalBus enables realtime fan-out.
func (b *Bus) WithSignalBus(sb domain.SignalBus) *Bus {
	b.signals = sb
	return b
}

// Publish implements domain.EventPublisher.
func (b *Bus) Publish(ctx context.Context, ev domain.Event) {
	if b.signals != nil {
		b.signal(ctx, ev)
	}
	for _, s := range b.sinks {
		s.Publish(ctx, ev)
	}
}

func (b *Bus) signal(ctx context.Context, ev domain.Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		b.logger.WarnContext(ctx, "marshal event failed", slog.String("event_id", ev.ID), slog.String("error", err.Error()))
		return
	}
	channels := []string{ev.Channel()}
	if ev.Recipient != "" {
		channels = append(channels, UserChannel(ev.Recipient))
	}
	for _, ch := range channels {
		if err := b.signals.Publish(ctx, ch, payload); err != nil {
			b.logger.WarnContext(ctx, "realtime publish failed",
				slog.String("channel", ch),
				slog.String("type", string(ev.Type)),
				slog.String("error", err.Error()),
			)
		}
	}
}

// Logger is a sink that records every event at debug level.
type Logger struct {
	logger *slog.Logger
}

// NewLogger creates a logging sink.
func NewLogger(logger *slog.Logger) *Logger {
	return &Logger{logger: logger.With(slog.String("component", "events"))}
}

// Publish implements domain.EventPublisher.
func (l *Logger) Publish(ctx context.Context, ev domain.Event) {
	l.logger.DebugContext(ctx, "event",
		slog.String("type", string(ev.Type)),
		slog.String("auction_id", ev.AuctionID),
		slog.String("transaction_id", ev.TransactionID),
		slog.String("recipient", ev.Recipient),
	)
}

var (
	_ domain.EventPublisher = (*Bus)(nil)
	_ domain.EventPublisher = (*Logger)(nil)
)
