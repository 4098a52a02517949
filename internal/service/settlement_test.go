package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"pgregory.net/rapid"

	"github.com/alanyoungcy/marketcore/internal/domain"
)

func TestIllegalTransitionsRejected(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name string
		from domain.TransactionStatus
		op   func(e *engine, id string) (domain.Transaction, error)
	}{
		{"ship before escrow", domain.TxPending, func(e *engine, id string) (domain.Transaction, error) {
			return e.settlement.MarkShipped(ctx, id, "seller", Tracking{})
		}},
		{"deliver before ship", domain.TxEscrowHeld, func(e *engine, id string) (domain.Transaction, error) {
			return e.settlement.ConfirmDelivery(ctx, id, "buyer")
		}},
		{"accept before delivery", domain.TxShipped, func(e *engine, id string) (domain.Transaction, error) {
			return e.settlement.AcceptDelivery(ctx, id, "buyer")
		}},
		{"capture twice", domain.TxEscrowHeld, func(e *engine, id string) (domain.Transaction, error) {
			return e.settlement.PaymentCaptured(ctx, id, "p")
		}},
		{"fail after capture", domain.TxShipped, func(e *engine, id string) (domain.Transaction, error) {
			return e.settlement.PaymentFailed(ctx, id, "declined")
		}},
		{"dispute after completion", domain.TxCompleted, func(e *engine, id string) (domain.Transaction, error) {
			return e.settlement.OpenDispute(ctx, id, "buyer", "broken")
		}},
		{"auto-release a dispute", domain.TxDisputed, func(e *engine, id string) (domain.Transaction, error) {
			return e.settlement.AutoRelease(ctx, id)
		}},
		{"buyer accepts a dispute", domain.TxDisputed, func(e *engine, id string) (domain.Transaction, error) {
			return e.settlement.AcceptDelivery(ctx, id, "buyer")
		}},
		{"resolve undisputed", domain.TxDelivered, func(e *engine, id string) (domain.Transaction, error) {
			return e.disputes.Resolve(ctx, id, domain.OutcomeSeller, "", "admin")
		}},
		{"refund completed", domain.TxCompleted, func(e *engine, id string) (domain.Transaction, error) {
			return e.disputes.Resolve(ctx, id, domain.OutcomeBuyer, "", "admin")
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEngine(t)
			past := e.clock.Now().Add(-time.Hour)
			tx := e.seedTx(t, tt.from, func(tx *domain.Transaction) { tx.InspectionEndsAt = &past })

			got, err := tt.op(e, tx.ID)
			if !errors.Is(err, domain.ErrInvalidState) || !errors.Is(err, domain.ErrInvalidTransition) {
				t.Fatalf("err = %v, want invalid transition", err)
			}
			var te *domain.TransitionError
			if !errors.As(err, &te) || te.From != string(tt.from) {
				t.Fatalf("transition error = %+v, want From %s", te, tt.from)
			}
			if got.Status != tt.from {
				t.Fatalf("returned status = %s, want current %s", got.Status, tt.from)
			}
			stored, _ := e.settlement.GetTransactionState(ctx, tx.ID)
			if stored.Version != tx.Version || stored.Status != tt.from {
				t.Fatalf("rejected transition wrote state: %+v", stored)
			}
		})
	}

	t.Run("missing transaction", func(t *testing.T) {
		e := newEngine(t)
		if _, err := e.settlement.PaymentCaptured(ctx, "nope", "p"); !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("err = %v, want ErrNotFound", err)
		}
	})
}

// txOp is one settlement call against a transaction. wrongActor marks calls
// made on behalf of a party that may not perform them.
type txOp struct {
	name       string
	wrongActor bool
	call       func(ctx context.Context, e *engine, id string) (domain.Transaction, error)
}

func drawTxOp(rt *rapid.T) txOp {
	actor := rapid.SampledFrom([]string{"buyer", "seller", "mallory"})
	outcome := rapid.SampledFrom([]domain.DisputeOutcome{domain.OutcomeBuyer, domain.OutcomeSeller})
	switch rapid.IntRange(0, 9).Draw(rt, "op") {
	case 0:
		return txOp{name: "capture", call: func(ctx context.Context, e *engine, id string) (domain.Transaction, error) {
			return e.settlement.PaymentCaptured(ctx, id, "pay-1")
		}}
	case 1:
		return txOp{name: "payment failed", call: func(ctx context.Context, e *engine, id string) (domain.Transaction, error) {
			return e.settlement.PaymentFailed(ctx, id, "declined")
		}}
	case 2:
		return txOp{name: "expire payment", call: func(ctx context.Context, e *engine, id string) (domain.Transaction, error) {
			return e.settlement.ExpirePayment(ctx, id)
		}}
	case 3:
		who := actor.Draw(rt, "shipper")
		return txOp{name: "ship by " + who, wrongActor: who != "seller", call: func(ctx context.Context, e *engine, id string) (domain.Transaction, error) {
			return e.settlement.MarkShipped(ctx, id, who, Tracking{Carrier: "dhl", Number: "1"})
		}}
	case 4:
		who := actor.Draw(rt, "receiver")
		return txOp{name: "confirm by " + who, wrongActor: who != "buyer", call: func(ctx context.Context, e *engine, id string) (domain.Transaction, error) {
			return e.settlement.ConfirmDelivery(ctx, id, who)
		}}
	case 5:
		return txOp{name: "carrier delivered", call: func(ctx context.Context, e *engine, id string) (domain.Transaction, error) {
			return e.settlement.CarrierDelivered(ctx, id)
		}}
	case 6:
		who := actor.Draw(rt, "acceptor")
		return txOp{name: "accept by " + who, wrongActor: who != "buyer", call: func(ctx context.Context, e *engine, id string) (domain.Transaction, error) {
			return e.settlement.AcceptDelivery(ctx, id, who)
		}}
	case 7:
		who := actor.Draw(rt, "disputer")
		return txOp{name: "dispute by " + who, wrongActor: who != "buyer", call: func(ctx context.Context, e *engine, id string) (domain.Transaction, error) {
			return e.settlement.OpenDispute(ctx, id, who, "not as described")
		}}
	case 8:
		return txOp{name: "auto release", call: func(ctx context.Context, e *engine, id string) (domain.Transaction, error) {
			return e.settlement.AutoRelease(ctx, id)
		}}
	default:
		o := outcome.Draw(rt, "outcome")
		return txOp{name: "resolve " + string(o), call: func(ctx context.Context, e *engine, id string) (domain.Transaction, error) {
			return e.disputes.Resolve(ctx, id, o, "", "admin")
		}}
	}
}

func TestTransactionStateMachineProperty(t *testing.T) {
	statuses := []domain.TransactionStatus{
		domain.TxPending, domain.TxEscrowHeld, domain.TxShipped, domain.TxDelivered,
		domain.TxCompleted, domain.TxDisputed, domain.TxRefunded, domain.TxCancelled,
	}
	rapid.Check(t, func(rt *rapid.T) {
		ctx := context.Background()
		e := newEngine(t)
		start := rapid.SampledFrom(statuses).Draw(rt, "start")
		due := e.clock.Now().Add(24 * time.Hour)
		ends := e.clock.Now().Add(48 * time.Hour)
		tx := e.seedTx(t, start, func(tx *domain.Transaction) {
			tx.PaymentDueAt = &due
			if start == domain.TxDelivered || start == domain.TxDisputed {
				tx.InspectionEndsAt = &ends
			}
		})

		steps := rapid.IntRange(1, 30).Draw(rt, "steps")
		for i := 0; i < steps; i++ {
			e.clock.Advance(time.Duration(rapid.IntRange(0, 30).Draw(rt, "hours")) * time.Hour)
			op := drawTxOp(rt)

			before, err := e.settlement.GetTransactionState(ctx, tx.ID)
			if err != nil {
				rt.Fatalf("GetTransactionState: %v", err)
			}
			_, err = op.call(ctx, e, tx.ID)
			after, _ := e.settlement.GetTransactionState(ctx, tx.ID)

			if err != nil {
				ok := errors.Is(err, domain.ErrInvalidState) || (op.wrongActor && errors.Is(err, domain.ErrUnauthorized))
				if !ok {
					rt.Fatalf("%s from %s: unexpected error %v", op.name, before.Status, err)
				}
				if after.Version != before.Version || after.Status != before.Status {
					rt.Fatalf("%s rejected but wrote %s@%d (was %s@%d)",
						op.name, after.Status, after.Version, before.Status, before.Version)
				}
				continue
			}
			if op.wrongActor {
				rt.Fatalf("%s from %s succeeded for the wrong party", op.name, before.Status)
			}
			if !before.Status.CanTransitionTo(after.Status) {
				rt.Fatalf("%s moved %s -> %s, which is not an edge", op.name, before.Status, after.Status)
			}
			if after.Version != before.Version+1 {
				rt.Fatalf("%s bumped version %d -> %d", op.name, before.Version, after.Version)
			}
		}
	})
}

func TestDisputePathScenario(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)
	tx := e.seedTx(t, domain.TxShipped, nil)

	delivered, err := e.settlement.ConfirmDelivery(ctx, tx.ID, "buyer")
	if err != nil {
		t.Fatalf("ConfirmDelivery: %v", err)
	}
	deliveredAt := e.clock.Now()
	if !delivered.InspectionEndsAt.Equal(deliveredAt.Add(48 * time.Hour)) {
		t.Fatalf("inspection ends %v, want +48h", delivered.InspectionEndsAt)
	}

	e.clock.Advance(2 * time.Hour)
	disputed, err := e.settlement.OpenDispute(ctx, tx.ID, "buyer", "item not as described")
	if err != nil {
		t.Fatalf("OpenDispute: %v", err)
	}
	if disputed.Status != domain.TxDisputed || disputed.DisputeReason != "item not as described" {
		t.Fatalf("disputed = %s %q", disputed.Status, disputed.DisputeReason)
	}

	e.clock.Set(deliveredAt.Add(48 * time.Hour))
	if _, err := e.settlement.AutoRelease(ctx, tx.ID); !errors.Is(err, domain.ErrInvalidState) {
		t.Fatalf("auto-release of disputed err = %v, want ErrInvalidState", err)
	}

	refunded, err := e.disputes.Resolve(ctx, tx.ID, domain.OutcomeBuyer, "seller shipped wrong model", "admin-1")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if refunded.Status != domain.TxRefunded || refunded.RefundedAt == nil || refunded.ResolvedBy != "admin-1" {
		t.Fatalf("resolved = %+v", refunded)
	}

	_, err = e.disputes.Resolve(ctx, tx.ID, domain.OutcomeBuyer, "again", "admin-1")
	if !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("second resolve err = %v, want ErrInvalidTransition", err)
	}
	if n := len(e.events.ofType(domain.EventDisputeOpened)); n != 1 {
		t.Fatalf("dispute-opened events = %d, want 1", n)
	}
}

func TestResolveForSellerReleasesEscrow(t *testing.T) {
	e := newEngine(t)
	tx := e.seedTx(t, domain.TxDisputed, nil)

	got, err := e.disputes.Resolve(context.Background(), tx.ID, domain.OutcomeSeller, "buyer damaged item", "admin")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got.Status != domain.TxCompleted || got.ReleaseReason != domain.ReleaseDisputeSeller {
		t.Fatalf("got %s / %s", got.Status, got.ReleaseReason)
	}
	if _, err := e.disputes.Resolve(context.Background(), tx.ID, "MAYBE", "", "admin"); !errors.Is(err, domain.ErrValidationFailed) {
		t.Fatalf("bad outcome err = %v", err)
	}
}

func TestAutoReleaseTiming(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)
	tx := e.seedTx(t, domain.TxShipped, nil)
	delivered, err := e.settlement.CarrierDelivered(ctx, tx.ID)
	if err != nil {
		t.Fatalf("CarrierDelivered: %v", err)
	}
	ends := *delivered.InspectionEndsAt

	e.clock.Set(ends.Add(-time.Second))
	if _, err := e.settlement.AutoRelease(ctx, tx.ID); !errors.Is(err, domain.ErrInvalidState) {
		t.Fatalf("early auto-release err = %v, want ErrInvalidState", err)
	}

	e.clock.Set(ends)
	done, err := e.settlement.AutoRelease(ctx, tx.ID)
	if err != nil {
		t.Fatalf("AutoRelease at deadline: %v", err)
	}
	if done.Status != domain.TxCompleted || done.ReleaseReason != domain.ReleaseInspectionExpired {
		t.Fatalf("done = %s / %s", done.Status, done.ReleaseReason)
	}
	if _, err := e.settlement.AutoRelease(ctx, tx.ID); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("repeat auto-release err = %v, want ErrInvalidTransition", err)
	}
	if n := len(e.events.ofType(domain.EventTransactionCompleted)); n != 1 {
		t.Fatalf("completed events = %d, want exactly 1", n)
	}
}

func TestAutoReleaseRedundantWorkers(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)
	past := e.clock.Now().Add(-time.Minute)
	tx := e.seedTx(t, domain.TxDelivered, func(tx *domain.Transaction) { tx.InspectionEndsAt = &past })

	var (
		wg   sync.WaitGroup
		wins atomic.Int32
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.settlement.AutoRelease(ctx, tx.ID)
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, domain.ErrInvalidState), errors.Is(err, domain.ErrVersionConflict):
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	if wins.Load() != 1 {
		t.Fatalf("successful auto-releases = %d, want 1", wins.Load())
	}
}

func TestAutoReleaseLosesToBuyerDispute(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)
	ends := e.clock.Now().Add(time.Minute)
	tx := e.seedTx(t, domain.TxDelivered, func(tx *domain.Transaction) { tx.InspectionEndsAt = &ends })

	if _, err := e.settlement.OpenDispute(ctx, tx.ID, "buyer", "scratched"); err != nil {
		t.Fatalf("OpenDispute: %v", err)
	}
	e.clock.Set(ends)
	_, err := e.settlement.AutoRelease(ctx, tx.ID)
	if !errors.Is(err, domain.ErrInvalidState) {
		t.Fatalf("err = %v, want ErrInvalidState", err)
	}
}

func TestOpenDisputeRules(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)
	ends := e.clock.Now().Add(time.Hour)
	tx := e.seedTx(t, domain.TxDelivered, func(tx *domain.Transaction) { tx.InspectionEndsAt = &ends })

	if _, err := e.settlement.OpenDispute(ctx, tx.ID, "mallory", "x"); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("non-buyer err = %v, want ErrUnauthorized", err)
	}
	if _, err := e.settlement.OpenDispute(ctx, tx.ID, "buyer", "  "); !errors.Is(err, domain.ErrValidationFailed) {
		t.Fatalf("empty reason err = %v, want ErrValidationFailed", err)
	}
	e.clock.Set(ends)
	if _, err := e.settlement.OpenDispute(ctx, tx.ID, "buyer", "late"); !errors.Is(err, domain.ErrInvalidState) {
		t.Fatalf("late dispute err = %v, want ErrInvalidState", err)
	}
}

func TestActorChecks(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)
	escrow := e.seedTx(t, domain.TxEscrowHeld, nil)
	shipped := e.seedTx(t, domain.TxShipped, nil)

	if _, err := e.settlement.MarkShipped(ctx, escrow.ID, "buyer", Tracking{}); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("buyer shipping err = %v, want ErrUnauthorized", err)
	}
	if _, err := e.settlement.ConfirmDelivery(ctx, shipped.ID, "seller"); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("seller confirming err = %v, want ErrUnauthorized", err)
	}
}

func TestExpectedVersionGuard(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)
	tx := e.seedTx(t, domain.TxPending, nil)

	captured, err := e.settlement.PaymentCaptured(ctx, tx.ID, "p-1", IfVersion(tx.Version))
	if err != nil {
		t.Fatalf("PaymentCaptured: %v", err)
	}

	// A UI that still shows the PENDING version must be told the real state.
	_, err = e.settlement.MarkShipped(ctx, tx.ID, "seller", Tracking{}, IfVersion(tx.Version))
	var ce *domain.ConflictError
	if !errors.As(err, &ce) || !errors.Is(err, domain.ErrVersionConflict) {
		t.Fatalf("err = %v, want ConflictError", err)
	}
	if ce.Status != string(domain.TxEscrowHeld) || ce.Version != captured.Version {
		t.Fatalf("conflict reports %s@%d, want ESCROW_HELD@%d", ce.Status, ce.Version, captured.Version)
	}
}

func TestPaymentDeadline(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)
	due := e.clock.Now().Add(24 * time.Hour)
	tx := e.seedTx(t, domain.TxPending, func(tx *domain.Transaction) { tx.PaymentDueAt = &due })

	if _, err := e.settlement.ExpirePayment(ctx, tx.ID); !errors.Is(err, domain.ErrInvalidState) {
		t.Fatalf("early expiry err = %v, want ErrInvalidState", err)
	}
	e.clock.Set(due)
	got, err := e.settlement.ExpirePayment(ctx, tx.ID)
	if err != nil {
		t.Fatalf("ExpirePayment: %v", err)
	}
	if got.Status != domain.TxCancelled || got.CancelReason != "payment_timeout" {
		t.Fatalf("got %s %q", got.Status, got.CancelReason)
	}
}

func TestDirectSale(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)

	tx, err := e.settlement.OpenDirectSale(ctx, DirectSaleRequest{
		ItemID: "bar-1", BuyerID: "buyer", SellerID: "seller", Category: "gold",
		Price: dec("2500"), PaymentRef: "card-9",
	})
	if err != nil {
		t.Fatalf("OpenDirectSale: %v", err)
	}
	if tx.Status != domain.TxEscrowHeld || tx.EscrowHeldAt == nil {
		t.Fatalf("synchronous capture should start in ESCROW_HELD, got %s", tx.Status)
	}
	if tx.InspectionWindow != 14*24*time.Hour {
		t.Fatalf("gold inspection window = %s", tx.InspectionWindow)
	}
	if !tx.BuyerCommission.Equal(dec("17.5")) || !tx.TotalAmount.Equal(dec("2517.5")) {
		t.Fatalf("commission %s total %s", tx.BuyerCommission, tx.TotalAmount)
	}

	_, err = e.settlement.OpenDirectSale(ctx, DirectSaleRequest{ItemID: "x", BuyerID: "s", SellerID: "s", Price: dec("1")})
	if !errors.Is(err, domain.ErrValidationFailed) {
		t.Fatalf("self purchase err = %v", err)
	}

	_, err = e.settlement.OpenDirectSale(ctx, DirectSaleRequest{ItemID: "x", BuyerID: "buyer", SellerID: "seller", Price: dec("99.999")})
	var ve *domain.ValidationError
	if !errors.As(err, &ve) || ve.Field != "price" {
		t.Fatalf("sub-cent price err = %v, want validation error on price", err)
	}
}

func TestComputeCommissionLuxury(t *testing.T) {
	c := domain.ComputeCommission(dec("10000"), dec("0.12"), dec("0.03"))
	if !c.Buyer.Equal(dec("1200")) || !c.Seller.Equal(dec("300")) || !c.Total.Equal(dec("11200")) {
		t.Fatalf("commission = %+v", c)
	}
}
