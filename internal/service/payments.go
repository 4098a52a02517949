package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/alanyoungcy/marketcore/internal/domain"
)

// PaymentEventType is the kind of callback the payment processor sends.
type PaymentEventType string

const (
	PaymentCapturedEvent PaymentEventType = "payment.captured"
	PaymentFailedEvent   PaymentEventType = "payment.failed"
)

// PaymentEvent is a payment processor callback, received either on the
// webhook endpoint or from the payments message stream.
type PaymentEvent struct {
	ID            string           `json:"id"`
	Type          PaymentEventType `json:"type"`
	TransactionID string           `json:"transaction_id"`
	PaymentRef    string           `json:"payment_ref"`
	Reason        string           `json:"reason,omitempty"`
}

// Validate checks the fields every callback must carry.
func (e PaymentEvent) Validate() error {
	if strings.TrimSpace(e.TransactionID) == "" {
		return domain.Invalid("transaction_id", "required")
	}
	switch e.Type {
	case PaymentCapturedEvent:
		if strings.TrimSpace(e.PaymentRef) == "" {
			return domain.Invalid("payment_ref", "required for payment.captured")
		}
	case PaymentFailedEvent:
	default:
		return domain.Invalid("type", fmt.Sprintf("unknown payment event %q", e.Type))
	}
	return nil
}

// ApplyPayment routes a processor callback to PaymentCaptured or
// PaymentFailed. Processors redeliver, so a callback that matches the state
// the transaction already reached is acknowledged without a second
// transition.
func (s *SettlementService) ApplyPayment(ctx context.Context, ev PaymentEvent) (domain.Transaction, error) {
	if err := ev.Validate(); err != nil {
		return domain.Transaction{}, fmt.Errorf("settlement: payment callback: %w", err)
	}

	var (
		t   domain.Transaction
		err error
	)
	switch ev.Type {
	case PaymentCapturedEvent:
		t, err = s.PaymentCaptured(ctx, ev.TransactionID, ev.PaymentRef)
	case PaymentFailedEvent:
		t, err = s.PaymentFailed(ctx, ev.TransactionID, ev.Reason)
	}
	if err == nil || !errors.Is(err, domain.ErrInvalidTransition) {
		return t, err
	}
	if duplicatePayment(ev, t) {
		s.logger.InfoContext(ctx, "duplicate payment callback",
			slog.String("transaction_id", t.ID),
			slog.String("type", string(ev.Type)),
			slog.String("status", string(t.Status)),
		)
		return t, nil
	}
	return t, err
}

func duplicatePayment(ev PaymentEvent, t domain.Transaction) bool {
	switch ev.Type {
	case PaymentCapturedEvent:
		return t.Status != domain.TxPending && t.Status != domain.TxCancelled && t.PaymentRef == ev.PaymentRef
	case PaymentFailedEvent:
		return t.Status == domain.TxCancelled
	}
	return false
}
