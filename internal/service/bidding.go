package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/marketcore/internal/clock"
	"github.com/alanyoungcy/marketcore/internal/domain"
)

// BiddingOptions configures bid admission.
type BiddingOptions struct {
	// MaxAttempts bounds the compare-and-swap loop per bid.
	MaxAttempts int
	// RatePerMinute caps bids per bidder when a limiter is attached.
	RatePerMinute int
}

// BidResult is the outcome of an admitted bid.
type BidResult struct {
	Bid     domain.Bid
	Auction domain.Auction
	// BuyNow is set when the bid met the buy-now price and ended the auction.
	BuyNow      bool
	Transaction *domain.Transaction
}

// BiddingService admits bids. Admission for one auction is serialised by an
// in-process lock and, across processes, by the version compare-and-swap in
// Ledger.AdmitBid.
type BiddingService struct {
	ledger    domain.Ledger
	lifecycle *LifecycleService
	limiter   domain.RateLimiter
	audit     domain.AuditStore
	events    domain.EventPublisher
	clock     clock.Clock
	opts      BiddingOptions
	locks     *keyedMutex
	logger    *slog.Logger
}

// NewBiddingService creates a BiddingService.
func NewBiddingService(
	ledger domain.Ledger,
	lifecycle *LifecycleService,
	audit domain.AuditStore,
	events domain.EventPublisher,
	clk clock.Clock,
	opts BiddingOptions,
	logger *slog.Logger,
) *BiddingService {
	opts.MaxAttempts = attempts(opts.MaxAttempts)
	return &BiddingService{
		ledger:    ledger,
		lifecycle: lifecycle,
		audit:     audit,
		events:    publisherOrNop(events),
		clock:     clk,
		opts:      opts,
		locks:     newKeyedMutex(),
		logger:    logger.With(slog.String("component", "bidding")),
	}
}

// WithRateLimiter attaches a per-bidder limiter. Limiter errors fail open.
func (s *BiddingService) WithRateLimiter(l domain.RateLimiter) *BiddingService {
	s.limiter = l
	return s
}

// PlaceBid validates and admits a bid. Rejections are returned as
// *domain.BidRejection carrying the current price and minimum next bid.
// Preconditions are checked in order: the auction is LIVE and now is inside
// [StartTime, EndTime); the bidder is not the seller; the amount is at least
// CurrentPrice + MinIncrement. A bid at or above the buy-now price ends the
// auction immediately with this bidder as winner.
func (s *BiddingService) PlaceBid(ctx context.Context, auctionID, bidderID string, amount decimal.Decimal) (BidResult, error) {
	if bidderID == "" {
		return BidResult{}, fmt.Errorf("bidding: place bid: %w", domain.Invalid("bidder_id", "required"))
	}
	if err := s.checkRate(ctx, bidderID); err != nil {
		return BidResult{}, err
	}

	unlock := s.locks.Lock(auctionID)
	defer unlock()

	for attempt := 1; attempt <= s.opts.MaxAttempts; attempt++ {
		a, err := s.ledger.Auctions().GetByID(ctx, auctionID)
		if err != nil {
			return BidResult{}, fmt.Errorf("bidding: place bid on %s: %w", auctionID, err)
		}

		now := s.clock.Now()
		if rej := checkBid(a, bidderID, amount, now); rej != nil {
			s.rejected(ctx, a, bidderID, rej)
			return BidResult{Auction: a}, rej
		}

		bid := domain.Bid{
			ID:        uuid.NewString(),
			AuctionID: a.ID,
			BidderID:  bidderID,
			Amount:    amount,
			PlacedAt:  now,
			Sequence:  a.BidCount + 1,
		}
		next := a
		next.CurrentPrice = amount
		next.BidCount = bid.Sequence
		next.HighBidID = bid.ID
		next.HighBidderID = bidderID
		next.UpdatedAt = now

		buyNow := a.BuyNowPrice != nil && amount.GreaterThanOrEqual(*a.BuyNowPrice)
		if buyNow {
			next.Status = domain.AuctionEnded
			next.WinningBidID = bid.ID
			next.EndedAt = timePtr(now)
		}

		saved, err := s.ledger.AdmitBid(ctx, next, a.Version, bid)
		if errors.Is(err, domain.ErrVersionConflict) {
			// Someone else wrote the auction; re-read and re-validate.
			s.logger.DebugContext(ctx, "bid version conflict, re-reading",
				slog.String("auction_id", auctionID),
				slog.Int("attempt", attempt),
			)
			continue
		}
		if err != nil {
			return BidResult{}, fmt.Errorf("bidding: admit bid on %s: %w", auctionID, err)
		}

		res := BidResult{Bid: bid, Auction: saved, BuyNow: buyNow}
		s.admitted(ctx, a, saved, bid, buyNow)
		if buyNow {
			t, err := s.lifecycle.Settle(ctx, saved.ID)
			if err != nil {
				s.logger.WarnContext(ctx, "buy-now settlement deferred",
					slog.String("auction_id", saved.ID),
					slog.String("error", err.Error()),
				)
			} else {
				res.Transaction = &t
			}
			if fresh, err := s.ledger.Auctions().GetByID(ctx, saved.ID); err == nil {
				res.Auction = fresh
			}
		}
		return res, nil
	}

	s.logger.WarnContext(ctx, "bid contention",
		slog.String("auction_id", auctionID),
		slog.String("bidder_id", bidderID),
		slog.String("amount", amount.String()),
		slog.Int("attempts", s.opts.MaxAttempts),
	)
	return BidResult{}, fmt.Errorf("bidding: place bid on %s after %d attempts: %w", auctionID, s.opts.MaxAttempts, domain.ErrContention)
}

// checkBid applies the admission rules in order; the first failure wins.
func checkBid(a domain.Auction, bidderID string, amount decimal.Decimal, now time.Time) *domain.BidRejection {
	rej := &domain.BidRejection{
		AuctionID:    a.ID,
		Status:       a.Status,
		Attempted:    amount,
		CurrentPrice: a.CurrentPrice,
		MinimumBid:   a.MinimumNextBid(),
	}
	switch {
	case a.Status != domain.AuctionLive:
		rej.Reason = domain.RejectAuctionNotLive
	case !a.AcceptingBidsAt(now):
		rej.Reason = domain.RejectOutsideWindow
	case bidderID == a.SellerID:
		rej.Reason = domain.RejectSellerBid
	case !amount.IsPositive() || !domain.WholeCents(amount):
		rej.Reason = domain.RejectInvalidAmount
	case amount.LessThan(rej.MinimumBid):
		rej.Reason = domain.RejectBelowMinimum
	default:
		return nil
	}
	return rej
}

func (s *BiddingService) checkRate(ctx context.Context, bidderID string) error {
	if s.limiter == nil || s.opts.RatePerMinute <= 0 {
		return nil
	}
	ok, err := s.limiter.Allow(ctx, "bids:"+bidderID, s.opts.RatePerMinute, time.Minute)
	if err != nil {
		s.logger.WarnContext(ctx, "bid rate limiter unavailable, allowing",
			slog.String("bidder_id", bidderID),
			slog.String("error", err.Error()),
		)
		return nil
	}
	if !ok {
		return fmt.Errorf("bidding: bidder %s: %w", bidderID, domain.ErrRateLimited)
	}
	return nil
}

func (s *BiddingService) rejected(ctx context.Context, a domain.Auction, bidderID string, rej *domain.BidRejection) {
	s.logger.WarnContext(ctx, "bid rejected",
		slog.String("auction_id", a.ID),
		slog.String("bidder_id", bidderID),
		slog.String("reason", string(rej.Reason)),
		slog.String("amount", rej.Attempted.String()),
		slog.String("status", string(a.Status)),
		slog.String("current_price", a.CurrentPrice.String()),
		slog.String("minimum_bid", rej.MinimumBid.String()),
		slog.Int64("version", a.Version),
	)
	audit(ctx, s.audit, s.logger, "bid_rejected", map[string]any{
		"auction_id":    a.ID,
		"bidder_id":     bidderID,
		"reason":        string(rej.Reason),
		"amount":        rej.Attempted.String(),
		"status":        string(a.Status),
		"current_price": a.CurrentPrice.String(),
		"version":       a.Version,
	})
}

func (s *BiddingService) admitted(ctx context.Context, before, after domain.Auction, bid domain.Bid, buyNow bool) {
	s.logger.InfoContext(ctx, "bid admitted",
		slog.String("auction_id", after.ID),
		slog.String("bid_id", bid.ID),
		slog.String("bidder_id", bid.BidderID),
		slog.String("amount", bid.Amount.String()),
		slog.Int64("sequence", bid.Sequence),
		slog.String("previous_price", before.CurrentPrice.String()),
		slog.Int64("version", after.Version),
		slog.Bool("buy_now", buyNow),
	)
	audit(ctx, s.audit, s.logger, "bid_admitted", map[string]any{
		"auction_id":     after.ID,
		"bid_id":         bid.ID,
		"bidder_id":      bid.BidderID,
		"amount":         bid.Amount.String(),
		"sequence":       bid.Sequence,
		"previous_price": before.CurrentPrice.String(),
		"version":        after.Version,
	})

	s.publish(ctx, domain.EventNewHighBid, after, "", map[string]any{
		"bid_id":      bid.ID,
		"bidder_id":   bid.BidderID,
		"amount":      bid.Amount.String(),
		"sequence":    bid.Sequence,
		"minimum_bid": after.MinimumNextBid().String(),
	})
	if prev := before.HighBidderID; prev != "" && prev != bid.BidderID {
		s.publish(ctx, domain.EventOutbid, after, prev, map[string]any{
			"amount":      bid.Amount.String(),
			"minimum_bid": after.MinimumNextBid().String(),
		})
	}
	if buyNow {
		s.publish(ctx, domain.EventAuctionEnded, after, "", map[string]any{"winning_bid_id": bid.ID, "buy_now": true})
		s.publish(ctx, domain.EventAuctionWon, after, bid.BidderID, map[string]any{"amount": bid.Amount.String(), "buy_now": true})
	}
}

func (s *BiddingService) publish(ctx context.Context, typ domain.EventType, a domain.Auction, recipient string, data map[string]any) {
	ev := newEvent(typ, s.clock.Now())
	ev.AuctionID = a.ID
	ev.Recipient = recipient
	data["status"] = string(a.Status)
	data["current_price"] = a.CurrentPrice.String()
	ev.Data = data
	s.events.Publish(ctx, ev)
}
