package service

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/marketcore/internal/clock"
	"github.com/alanyoungcy/marketcore/internal/domain"
	"github.com/alanyoungcy/marketcore/internal/store/memory"
)

var t0 = time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func decPtr(s string) *decimal.Decimal {
	d := dec(s)
	return &d
}

type recorder struct {
	mu     sync.Mutex
	events []domain.Event
}

func (r *recorder) Publish(_ context.Context, ev domain.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) ofType(typ domain.EventType) []domain.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Event
	for _, ev := range r.events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

type engine struct {
	ledger     *memory.Ledger
	audit      *memory.AuditLog
	events     *recorder
	clock      *clock.Fake
	settlement *SettlementService
	lifecycle  *LifecycleService
	bidding    *BiddingService
	disputes   *DisputeService
}

var testTerms = func(category string) Terms {
	switch category {
	case "luxury":
		return Terms{BuyerRate: dec("0.12"), SellerRate: dec("0.03"), MinIncrement: dec("5000"), InspectionWindow: 48 * time.Hour}
	case "gold":
		return Terms{BuyerRate: dec("0.007"), SellerRate: dec("0.007"), MinIncrement: dec("100"), InspectionWindow: 14 * 24 * time.Hour}
	default:
		return Terms{BuyerRate: dec("0.007"), SellerRate: dec("0.007"), MinIncrement: dec("10"), InspectionWindow: 48 * time.Hour}
	}
}

func newEngine(t *testing.T) *engine {
	t.Helper()
	return newEngineWithLedger(t, memory.NewLedger())
}

func newEngineWithLedger(t *testing.T, ledger domain.Ledger) *engine {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	e := &engine{
		audit:  memory.NewAuditLog(),
		events: &recorder{},
		clock:  clock.NewFake(t0),
	}
	if ml, ok := ledger.(*memory.Ledger); ok {
		e.ledger = ml
	}
	e.settlement = NewSettlementService(ledger, e.audit, e.events, e.clock,
		SettlementOptions{PaymentWindow: 24 * time.Hour, Terms: testTerms}, logger)
	e.lifecycle = NewLifecycleService(ledger, e.settlement, e.audit, e.events, e.clock, testTerms, 3, logger)
	e.bidding = NewBiddingService(ledger, e.lifecycle, e.audit, e.events, e.clock, BiddingOptions{MaxAttempts: 3}, logger)
	e.disputes = NewDisputeService(e.settlement, ledger, e.clock, 0, logger)
	return e
}

// liveAuction creates an auction that started at t0, runs for an hour and
// opens at 1000 with a 10 increment.
func (e *engine) liveAuction(t *testing.T, mod func(*CreateAuctionRequest)) domain.Auction {
	t.Helper()
	req := CreateAuctionRequest{
		ItemID:        "item-1",
		SellerID:      "seller",
		Category:      "general",
		StartingPrice: dec("1000"),
		MinIncrement:  decPtr("10"),
		StartTime:     t0,
		EndTime:       t0.Add(time.Hour),
	}
	if mod != nil {
		mod(&req)
	}
	a, err := e.lifecycle.CreateAuction(context.Background(), req)
	if err != nil {
		t.Fatalf("CreateAuction: %v", err)
	}
	return a
}

func (e *engine) mustBid(t *testing.T, auctionID, bidder, amount string) BidResult {
	t.Helper()
	res, err := e.bidding.PlaceBid(context.Background(), auctionID, bidder, dec(amount))
	if err != nil {
		t.Fatalf("PlaceBid(%s, %s): %v", bidder, amount, err)
	}
	return res
}

// seedTx stores a transaction directly in the given status.
func (e *engine) seedTx(t *testing.T, status domain.TransactionStatus, mod func(*domain.Transaction)) domain.Transaction {
	t.Helper()
	tx := domain.Transaction{
		ID:               "tx-" + string(status),
		ItemID:           "item-1",
		BuyerID:          "buyer",
		SellerID:         "seller",
		Category:         "general",
		ItemPrice:        dec("1000"),
		BuyerCommission:  dec("7"),
		SellerCommission: dec("7"),
		TotalAmount:      dec("1007"),
		InspectionWindow: 48 * time.Hour,
		Status:           status,
		Version:          1,
		CreatedAt:        e.clock.Now(),
		UpdatedAt:        e.clock.Now(),
	}
	if mod != nil {
		mod(&tx)
	}
	if err := e.ledger.Transactions().Create(context.Background(), tx); err != nil {
		t.Fatalf("seed transaction: %v", err)
	}
	return tx
}
