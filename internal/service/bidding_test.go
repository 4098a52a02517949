package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"pgregory.net/rapid"

	"github.com/alanyoungcy/marketcore/internal/domain"
	"github.com/alanyoungcy/marketcore/internal/store/memory"
)

func TestHappyPathScenario(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)
	a := e.liveAuction(t, nil)
	if a.Status != domain.AuctionLive {
		t.Fatalf("status = %s, want LIVE", a.Status)
	}

	e.mustBid(t, a.ID, "alice", "1010")

	_, err := e.bidding.PlaceBid(ctx, a.ID, "bob", dec("1005"))
	if !errors.Is(err, domain.ErrValidationFailed) {
		t.Fatalf("bid 1005 err = %v, want ErrValidationFailed", err)
	}
	var rej *domain.BidRejection
	if !errors.As(err, &rej) {
		t.Fatalf("bid 1005 err is not a BidRejection: %T", err)
	}
	if !rej.CurrentPrice.Equal(dec("1010")) || !rej.MinimumBid.Equal(dec("1020")) {
		t.Fatalf("rejection current=%s minimum=%s, want 1010/1020", rej.CurrentPrice, rej.MinimumBid)
	}

	c := e.mustBid(t, a.ID, "carol", "1030")
	if !c.Auction.CurrentPrice.Equal(dec("1030")) || c.Bid.Sequence != 2 {
		t.Fatalf("after C: price=%s seq=%d", c.Auction.CurrentPrice, c.Bid.Sequence)
	}

	e.clock.Set(a.EndTime)
	ended, err := e.lifecycle.End(ctx, a.ID)
	if err != nil {
		t.Fatalf("End: %v", err)
	}
	if ended.Status != domain.AuctionSettling || ended.WinningBidID != c.Bid.ID {
		t.Fatalf("ended auction = %s winner %s, want SETTLING winner %s", ended.Status, ended.WinningBidID, c.Bid.ID)
	}

	tx, err := e.ledger.Transactions().GetByAuction(ctx, a.ID)
	if err != nil {
		t.Fatalf("GetByAuction: %v", err)
	}
	if tx.BuyerID != "carol" || tx.BidID != c.Bid.ID || tx.Status != domain.TxPending {
		t.Fatalf("transaction = buyer %s bid %s status %s", tx.BuyerID, tx.BidID, tx.Status)
	}
	if !tx.TotalAmount.Equal(tx.ItemPrice.Add(tx.BuyerCommission)) {
		t.Fatalf("total %s != price %s + commission %s", tx.TotalAmount, tx.ItemPrice, tx.BuyerCommission)
	}

	steps := []struct {
		name string
		do   func() (domain.Transaction, error)
		want domain.TransactionStatus
	}{
		{"capture", func() (domain.Transaction, error) { return e.settlement.PaymentCaptured(ctx, tx.ID, "pay-1") }, domain.TxEscrowHeld},
		{"ship", func() (domain.Transaction, error) {
			return e.settlement.MarkShipped(ctx, tx.ID, "seller", Tracking{Carrier: "dhl", Number: "123"})
		}, domain.TxShipped},
		{"deliver", func() (domain.Transaction, error) { return e.settlement.ConfirmDelivery(ctx, tx.ID, "carol") }, domain.TxDelivered},
		{"accept", func() (domain.Transaction, error) { return e.settlement.AcceptDelivery(ctx, tx.ID, "carol") }, domain.TxCompleted},
	}
	for _, st := range steps {
		got, err := st.do()
		if err != nil {
			t.Fatalf("%s: %v", st.name, err)
		}
		if got.Status != st.want {
			t.Fatalf("%s: status = %s, want %s", st.name, got.Status, st.want)
		}
	}

	final, _ := e.lifecycle.GetAuctionState(ctx, a.ID)
	if final.Status != domain.AuctionSettled {
		t.Fatalf("auction status = %s, want SETTLED", final.Status)
	}
	done, _ := e.settlement.GetTransactionState(ctx, tx.ID)
	if done.ReleaseReason != domain.ReleaseBuyerAccepted || done.CompletedAt == nil {
		t.Fatalf("release = %q completed_at = %v", done.ReleaseReason, done.CompletedAt)
	}
	if n := len(e.events.ofType(domain.EventOutbid)); n != 1 {
		t.Fatalf("outbid events = %d, want 1", n)
	}
}

func TestBidPreconditionOrder(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name     string
		setup    func(t *testing.T, e *engine) domain.Auction
		bidder   string
		amount   string
		wantKind error
		reason   domain.RejectReason
	}{
		{
			name: "scheduled auction",
			setup: func(t *testing.T, e *engine) domain.Auction {
				return e.liveAuction(t, func(r *CreateAuctionRequest) {
					r.StartTime = t0.Add(time.Hour)
					r.EndTime = t0.Add(2 * time.Hour)
				})
			},
			bidder: "seller", amount: "0",
			wantKind: domain.ErrInvalidState, reason: domain.RejectAuctionNotLive,
		},
		{
			name: "past end time",
			setup: func(t *testing.T, e *engine) domain.Auction {
				a := e.liveAuction(t, nil)
				e.clock.Set(a.EndTime)
				return a
			},
			bidder: "alice", amount: "5000",
			wantKind: domain.ErrInvalidState, reason: domain.RejectOutsideWindow,
		},
		{
			name:   "seller bids on own auction",
			setup:  func(t *testing.T, e *engine) domain.Auction { return e.liveAuction(t, nil) },
			bidder: "seller", amount: "0",
			wantKind: domain.ErrValidationFailed, reason: domain.RejectSellerBid,
		},
		{
			name:   "non-positive amount",
			setup:  func(t *testing.T, e *engine) domain.Auction { return e.liveAuction(t, nil) },
			bidder: "alice", amount: "-5",
			wantKind: domain.ErrValidationFailed, reason: domain.RejectInvalidAmount,
		},
		{
			name:   "sub-cent amount",
			setup:  func(t *testing.T, e *engine) domain.Auction { return e.liveAuction(t, nil) },
			bidder: "alice", amount: "1010.001",
			wantKind: domain.ErrValidationFailed, reason: domain.RejectInvalidAmount,
		},
		{
			name:   "one cent below minimum",
			setup:  func(t *testing.T, e *engine) domain.Auction { return e.liveAuction(t, nil) },
			bidder: "alice", amount: "1009.99",
			wantKind: domain.ErrValidationFailed, reason: domain.RejectBelowMinimum,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEngine(t)
			a := tt.setup(t, e)
			_, err := e.bidding.PlaceBid(ctx, a.ID, tt.bidder, dec(tt.amount))
			if !errors.Is(err, tt.wantKind) {
				t.Fatalf("err = %v, want %v", err, tt.wantKind)
			}
			var rej *domain.BidRejection
			if !errors.As(err, &rej) || rej.Reason != tt.reason {
				t.Fatalf("rejection = %+v, want reason %s", rej, tt.reason)
			}
			bids, _ := e.ledger.Bids().ListByAuction(ctx, a.ID, domain.ListOpts{})
			if len(bids) != 0 {
				t.Fatalf("rejected bid was persisted: %+v", bids)
			}
		})
	}

	t.Run("unknown auction", func(t *testing.T) {
		e := newEngine(t)
		if _, err := e.bidding.PlaceBid(ctx, "nope", "alice", dec("10")); !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("err = %v, want ErrNotFound", err)
		}
	})
}

func TestBuyNowShortCircuit(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)
	a := e.liveAuction(t, func(r *CreateAuctionRequest) {
		r.BuyNowPrice = decPtr("5000")
		r.EndTime = t0.Add(6 * time.Hour)
	})

	e.mustBid(t, a.ID, "alice", "1500")
	res := e.mustBid(t, a.ID, "bob", "5000")
	if !res.BuyNow {
		t.Fatal("bid at buy-now price did not trigger buy-now")
	}
	if res.Auction.WinningBidID != res.Bid.ID {
		t.Fatalf("winning bid = %s, want %s", res.Auction.WinningBidID, res.Bid.ID)
	}
	if res.Auction.Status != domain.AuctionSettling {
		t.Fatalf("status = %s, want SETTLING", res.Auction.Status)
	}
	if res.Transaction == nil || res.Transaction.BuyerID != "bob" {
		t.Fatalf("transaction = %+v, want one for bob", res.Transaction)
	}
	if res.Auction.EndedAt == nil || !res.Auction.EndedAt.Equal(t0) {
		t.Fatalf("ended_at = %v, want %v", res.Auction.EndedAt, t0)
	}

	_, err := e.bidding.PlaceBid(ctx, a.ID, "carol", dec("9000"))
	if !errors.Is(err, domain.ErrInvalidState) {
		t.Fatalf("late bid err = %v, want ErrInvalidState", err)
	}
	if got := e.events.ofType(domain.EventAuctionWon); len(got) != 1 || got[0].Recipient != "bob" {
		t.Fatalf("auction-won events = %+v", got)
	}
}

func TestConcurrentBidsNoLostUpdates(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)
	a := e.liveAuction(t, nil)

	const n = 25
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		admitted []decimal.Decimal
	)
	for i := 1; i <= n; i++ {
		amount := decimal.NewFromInt(int64(1000 + 10*i))
		bidder := "bidder-" + amount.String()
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.bidding.PlaceBid(ctx, a.ID, bidder, amount)
			switch {
			case err == nil:
				mu.Lock()
				admitted = append(admitted, amount)
				mu.Unlock()
			case errors.Is(err, domain.ErrValidationFailed):
			default:
				t.Errorf("bid %s: unexpected error %v", amount, err)
			}
		}()
	}
	wg.Wait()

	final, _ := e.lifecycle.GetAuctionState(ctx, a.ID)
	if !final.CurrentPrice.Equal(dec("1250")) {
		t.Fatalf("final price = %s, want 1250", final.CurrentPrice)
	}
	bids, _ := e.ledger.Bids().ListByAuction(ctx, a.ID, domain.ListOpts{})
	if len(bids) != len(admitted) || int64(len(bids)) != final.BidCount {
		t.Fatalf("bids=%d admitted=%d bid_count=%d", len(bids), len(admitted), final.BidCount)
	}
	for i := 1; i < len(bids); i++ {
		if bids[i].Sequence != bids[i-1].Sequence+1 || !bids[i].Amount.GreaterThan(bids[i-1].Amount) {
			t.Fatalf("bid trail not strictly increasing at %d: %+v then %+v", i, bids[i-1], bids[i])
		}
	}
}

// conflictLedger injects a competing write before the first n AdmitBid calls.
type conflictLedger struct {
	*memory.Ledger
	mu        sync.Mutex
	conflicts int
	calls     int
	compete   func(ctx context.Context, l *memory.Ledger)
}

func (c *conflictLedger) AdmitBid(ctx context.Context, a domain.Auction, v int64, b domain.Bid) (domain.Auction, error) {
	c.mu.Lock()
	c.calls++
	inject := c.conflicts > 0
	if inject {
		c.conflicts--
	}
	c.mu.Unlock()
	if inject && c.compete != nil {
		c.compete(ctx, c.Ledger)
	}
	return c.Ledger.AdmitBid(ctx, a, v, b)
}

func bumpPrice(to string) func(context.Context, *memory.Ledger) {
	return func(ctx context.Context, l *memory.Ledger) {
		cur, _ := l.Auctions().GetByID(ctx, "auc")
		cur.CurrentPrice = dec(to)
		_, _ = l.Auctions().Update(ctx, cur, cur.Version)
	}
}

func seedRawAuction(t *testing.T, l *memory.Ledger) {
	t.Helper()
	err := l.Auctions().Create(context.Background(), domain.Auction{
		ID: "auc", SellerID: "seller", Status: domain.AuctionLive,
		StartingPrice: dec("1000"), CurrentPrice: dec("1000"), MinIncrement: dec("10"),
		StartTime: t0, EndTime: t0.Add(time.Hour), Version: 1,
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestBidRevalidatesAfterConflict(t *testing.T) {
	ctx := context.Background()

	t.Run("still high enough", func(t *testing.T) {
		cl := &conflictLedger{Ledger: memory.NewLedger(), conflicts: 1, compete: bumpPrice("1040")}
		seedRawAuction(t, cl.Ledger)
		e := newEngineWithLedger(t, cl)

		res, err := e.bidding.PlaceBid(ctx, "auc", "alice", dec("1050"))
		if err != nil {
			t.Fatalf("PlaceBid: %v", err)
		}
		if cl.calls != 2 || !res.Auction.CurrentPrice.Equal(dec("1050")) {
			t.Fatalf("calls=%d price=%s", cl.calls, res.Auction.CurrentPrice)
		}
	})

	t.Run("outbid while retrying", func(t *testing.T) {
		cl := &conflictLedger{Ledger: memory.NewLedger(), conflicts: 1, compete: bumpPrice("1100")}
		seedRawAuction(t, cl.Ledger)
		e := newEngineWithLedger(t, cl)

		_, err := e.bidding.PlaceBid(ctx, "auc", "alice", dec("1050"))
		var rej *domain.BidRejection
		if !errors.As(err, &rej) || rej.Reason != domain.RejectBelowMinimum {
			t.Fatalf("err = %v, want below-minimum rejection", err)
		}
		if !rej.CurrentPrice.Equal(dec("1100")) {
			t.Fatalf("rejection current price = %s, want 1100", rej.CurrentPrice)
		}
	})

	t.Run("contention after bounded attempts", func(t *testing.T) {
		cl := &conflictLedger{Ledger: memory.NewLedger(), conflicts: 100, compete: bumpPrice("1000")}
		seedRawAuction(t, cl.Ledger)
		e := newEngineWithLedger(t, cl)

		_, err := e.bidding.PlaceBid(ctx, "auc", "alice", dec("1050"))
		if !errors.Is(err, domain.ErrContention) {
			t.Fatalf("err = %v, want ErrContention", err)
		}
		if errors.Is(err, domain.ErrVersionConflict) {
			t.Fatal("contention must be distinct from version conflict")
		}
		if cl.calls != 3 {
			t.Fatalf("AdmitBid calls = %d, want 3", cl.calls)
		}
	})
}

type denyLimiter struct{ err error }

func (d denyLimiter) Allow(context.Context, string, int, time.Duration) (bool, error) {
	return false, d.err
}

func TestBidRateLimit(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)
	a := e.liveAuction(t, nil)
	e.bidding.opts.RatePerMinute = 5

	e.bidding.WithRateLimiter(denyLimiter{})
	if _, err := e.bidding.PlaceBid(ctx, a.ID, "alice", dec("1010")); !errors.Is(err, domain.ErrRateLimited) {
		t.Fatalf("err = %v, want ErrRateLimited", err)
	}

	// A broken limiter must not block bidding.
	e.bidding.WithRateLimiter(denyLimiter{err: errors.New("redis down")})
	if _, err := e.bidding.PlaceBid(ctx, a.ID, "alice", dec("1010")); err != nil {
		t.Fatalf("fail-open bid: %v", err)
	}
}

func TestMonotonicPriceProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		ctx := context.Background()
		e := newEngine(t)
		a := e.liveAuction(t, nil)

		steps := rapid.IntRange(1, 40).Draw(rt, "steps")
		prev := a.CurrentPrice
		for i := 0; i < steps; i++ {
			bidder := rapid.SampledFrom([]string{"a", "b", "c", "seller"}).Draw(rt, "bidder")
			delta := rapid.Int64Range(-50, 200).Draw(rt, "delta")
			amount := prev.Add(decimal.NewFromInt(delta))

			_, err := e.bidding.PlaceBid(ctx, a.ID, bidder, amount)
			cur, _ := e.lifecycle.GetAuctionState(ctx, a.ID)
			if cur.CurrentPrice.LessThan(prev) {
				rt.Fatalf("price decreased from %s to %s", prev, cur.CurrentPrice)
			}
			if err == nil && !cur.CurrentPrice.Equal(amount) {
				rt.Fatalf("admitted %s but price is %s", amount, cur.CurrentPrice)
			}
			if err != nil && !cur.CurrentPrice.Equal(prev) {
				rt.Fatalf("rejected bid moved price from %s to %s", prev, cur.CurrentPrice)
			}
			prev = cur.CurrentPrice
		}

		bids, _ := e.ledger.Bids().ListByAuction(ctx, a.ID, domain.ListOpts{})
		for i := 1; i < len(bids); i++ {
			if !bids[i].Amount.GreaterThan(bids[i-1].Amount) {
				rt.Fatalf("bids %d and %d not strictly increasing: %s, %s", i-1, i, bids[i-1].Amount, bids[i].Amount)
			}
		}
	})
}
