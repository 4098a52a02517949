package service

import (
	"context"
	"errors"
	"testing"

	"github.com/alanyoungcy/marketcore/internal/domain"
)

func TestApplyPaymentDeduplicates(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)
	tx := e.seedTx(t, domain.TxPending, nil)

	ev := PaymentEvent{Type: PaymentCapturedEvent, TransactionID: tx.ID, PaymentRef: "pi_1"}
	first, err := e.settlement.ApplyPayment(ctx, ev)
	if err != nil || first.Status != domain.TxEscrowHeld {
		t.Fatalf("first delivery = %s, %v", first.Status, err)
	}
	again, err := e.settlement.ApplyPayment(ctx, ev)
	if err != nil || again.Version != first.Version {
		t.Fatalf("redelivery = v%d, %v; want v%d, nil", again.Version, err, first.Version)
	}
	if n := len(e.events.ofType(domain.EventEscrowHeld)); n != 1 {
		t.Fatalf("escrow-held emitted %d times", n)
	}

	other := PaymentEvent{Type: PaymentCapturedEvent, TransactionID: tx.ID, PaymentRef: "pi_2"}
	if _, err := e.settlement.ApplyPayment(ctx, other); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("capture with another ref err = %v", err)
	}
	fail := PaymentEvent{Type: PaymentFailedEvent, TransactionID: tx.ID}
	if _, err := e.settlement.ApplyPayment(ctx, fail); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("failure after capture err = %v", err)
	}
}

func TestApplyPaymentValidation(t *testing.T) {
	e := newEngine(t)
	for _, ev := range []PaymentEvent{
		{Type: PaymentCapturedEvent, TransactionID: "x"},
		{Type: "payment.refunded", TransactionID: "x"},
		{Type: PaymentFailedEvent},
	} {
		if _, err := e.settlement.ApplyPayment(context.Background(), ev); !errors.Is(err, domain.ErrValidationFailed) {
			t.Errorf("ApplyPayment(%+v) err = %v", ev, err)
		}
	}
}
