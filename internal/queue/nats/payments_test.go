package nats

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"

	"github.com/alanyoungcy/marketcore/internal/domain"
	"github.com/alanyoungcy/marketcore/internal/service"
)

type applierFunc func(context.Context, service.PaymentEvent) (domain.Transaction, error)

func (f applierFunc) ApplyPayment(ctx context.Context, ev service.PaymentEvent) (domain.Transaction, error) {
	return f(ctx, ev)
}

func TestProcessAckDecisions(t *testing.T) {
	tests := []struct {
		name string
		data string
		err  error
		want ackAction
	}{
		{"applied", `{"type":"payment.captured","transaction_id":"t1","payment_ref":"p"}`, nil, ack},
		{"malformed json", `{"type":`, nil, drop},
		{"unknown transaction", `{"type":"payment.failed","transaction_id":"t9"}`, fmt.Errorf("get: %w", domain.ErrNotFound), drop},
		{"illegal transition", `{"type":"payment.failed","transaction_id":"t1"}`,
			&domain.TransitionError{Entity: "transaction", ID: "t1", From: "SHIPPED", To: "CANCELLED"}, drop},
		{"lost race", `{"type":"payment.captured","transaction_id":"t1","payment_ref":"p"}`,
			&domain.ConflictError{Entity: "transaction", ID: "t1"}, retry},
		{"store down", `{"type":"payment.captured","transaction_id":"t1","payment_ref":"p"}`, fmt.Errorf("dial tcp: refused"), retry},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pc := &PaymentConsumer{
				applier: applierFunc(func(context.Context, service.PaymentEvent) (domain.Transaction, error) {
					return domain.Transaction{}, tt.err
				}),
				logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
			}
			if got := pc.process(context.Background(), []byte(tt.data)); got != tt.want {
				t.Fatalf("process = %d, want %d", got, tt.want)
			}
		})
	}
}
