package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/alanyoungcy/marketcore/internal/domain"
	"github.com/alanyoungcy/marketcore/internal/service"
)

// PaymentApplier applies one processor callback.
type PaymentApplier interface {
	ApplyPayment(ctx context.Context, ev service.PaymentEvent) (domain.Transaction, error)
}

// PaymentConsumer feeds payment callbacks from JetStream into settlement
// through a durable consumer, so a restarted worker resumes where it left off.
type PaymentConsumer struct {
	client  *Client
	applier PaymentApplier
	durable string
	logger  *slog.Logger
}

// NewPaymentConsumer creates a consumer with the given durable name.
func NewPaymentConsumer(c *Client, applier PaymentApplier, durable string, logger *slog.Logger) *PaymentConsumer {
	if durable == "" {
		durable = "marketcore-payments"
	}
	return &PaymentConsumer{
		client:  c,
		applier: applier,
		durable: durable,
		logger:  logger.With(slog.String("component", "payment_consumer")),
	}
}

// Run consumes until ctx is cancelled.
func (pc *PaymentConsumer) Run(ctx context.Context) error {
	cons, err := pc.client.js.CreateOrUpdateConsumer(ctx, pc.client.cfg.PaymentsStream, jetstream.ConsumerConfig{
		Durable:       pc.durable,
		FilterSubject: pc.client.cfg.PaymentsSubject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       30 * time.Second,
		MaxDeliver:    10,
	})
	if err != nil {
		return fmt.Errorf("nats: create payments consumer: %w", err)
	}

	cc, err := cons.Consume(func(msg jetstream.Msg) {
		pc.handle(ctx, msg)
	})
	if err != nil {
		return fmt.Errorf("nats: consume payments: %w", err)
	}
	defer cc.Stop()

	pc.logger.InfoContext(ctx, "consuming payment callbacks", slog.String("subject", pc.client.cfg.PaymentsSubject))
	<-ctx.Done()
	return nil
}

// ackAction is what to do with a message after handling it.
type ackAction int

const (
	ack ackAction = iota
	retry
	drop
)

func (pc *PaymentConsumer) handle(ctx context.Context, msg jetstream.Msg) {
	switch pc.process(ctx, msg.Data()) {
	case ack:
		_ = msg.Ack()
	case retry:
		_ = msg.NakWithDelay(5 * time.Second)
	case drop:
		_ = msg.Term()
	}
}

// process applies one payload and decides its acknowledgement. Callbacks
// that can never succeed are terminated; store or contention failures are
// redelivered.
func (pc *PaymentConsumer) process(ctx context.Context, data []byte) ackAction {
	var ev service.PaymentEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		pc.logger.WarnContext(ctx, "malformed payment callback", slog.String("error", err.Error()))
		return drop
	}

	opCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	t, err := pc.applier.ApplyPayment(opCtx, ev)
	switch {
	case err == nil:
		pc.logger.InfoContext(ctx, "payment callback applied",
			slog.String("transaction_id", ev.TransactionID),
			slog.String("type", string(ev.Type)),
			slog.String("status", string(t.Status)),
		)
		return ack
	case errors.Is(err, domain.ErrValidationFailed),
		errors.Is(err, domain.ErrNotFound),
		errors.Is(err, domain.ErrInvalidState):
		pc.logger.WarnContext(ctx, "payment callback rejected",
			slog.String("transaction_id", ev.TransactionID),
			slog.String("type", string(ev.Type)),
			slog.String("error", err.Error()),
		)
		return drop
	default:
		pc.logger.WarnContext(ctx, "payment callback failed, will retry",
			slog.String("transaction_id", ev.TransactionID),
			slog.String("error", err.Error()),
		)
		return retry
	}
}
