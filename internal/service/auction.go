package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/marketcore/internal/clock"
	"github.com/alanyoungcy/marketcore/internal/domain"
)

// ErrNoWinner is returned by Settle for an auction that ended without bids.
var ErrNoWinner = errors.New("auction ended without a winning bid")

// LifecycleService owns the auction state machine:
//
//	SCHEDULED -> LIVE -> ENDED -> SETTLING -> SETTLED
//	SCHEDULED | LIVE -> CANCELLED (no bids yet)
//	SETTLING -> CANCELLED (winner never paid)
type LifecycleService struct {
	ledger      domain.Ledger
	settlement  *SettlementService
	audit       domain.AuditStore
	events      domain.EventPublisher
	clock       clock.Clock
	terms       TermsFunc
	maxAttempts int
	logger      *slog.Logger
}

// NewLifecycleService creates a LifecycleService and registers it as the
// settlement engine's escrow listener.
func NewLifecycleService(
	ledger domain.Ledger,
	settlement *SettlementService,
	audit domain.AuditStore,
	events domain.EventPublisher,
	clk clock.Clock,
	terms TermsFunc,
	maxAttempts int,
	logger *slog.Logger,
) *LifecycleService {
	if terms == nil {
		terms = StaticTerms(Terms{MinIncrement: decimal.NewFromInt(1), InspectionWindow: 48 * time.Hour})
	}
	s := &LifecycleService{
		ledger:      ledger,
		settlement:  settlement,
		audit:       audit,
		events:      publisherOrNop(events),
		clock:       clk,
		terms:       terms,
		maxAttempts: attempts(maxAttempts),
		logger:      logger.With(slog.String("component", "lifecycle")),
	}
	settlement.WithEscrowListener(s)
	return s
}

// CreateAuctionRequest carries a seller's auction listing. Nil overrides
// fall back to the category terms.
type CreateAuctionRequest struct {
	ItemID           string
	SellerID         string
	Category         string
	StartingPrice    decimal.Decimal
	BuyNowPrice      *decimal.Decimal
	MinIncrement     *decimal.Decimal
	BuyerRate        *decimal.Decimal
	SellerRate       *decimal.Decimal
	InspectionWindow time.Duration
	StartTime        time.Time
	EndTime          time.Time
}

// CreateAuction validates and stores a new auction. It is LIVE immediately
// when StartTime is not in the future.
func (s *LifecycleService) CreateAuction(ctx context.Context, req CreateAuctionRequest) (domain.Auction, error) {
	now := s.clock.Now()
	category := normalizeCategory(req.Category)
	terms := s.terms(category)

	a := domain.Auction{
		ID:                   uuid.NewString(),
		ItemID:               strings.TrimSpace(req.ItemID),
		SellerID:             strings.TrimSpace(req.SellerID),
		Category:             category,
		StartingPrice:        req.StartingPrice,
		BuyNowPrice:          req.BuyNowPrice,
		CurrentPrice:         req.StartingPrice,
		MinIncrement:         terms.MinIncrement,
		BuyerCommissionRate:  terms.BuyerRate,
		SellerCommissionRate: terms.SellerRate,
		InspectionWindow:     terms.InspectionWindow,
		StartTime:            req.StartTime.UTC(),
		EndTime:              req.EndTime.UTC(),
		Status:               domain.AuctionScheduled,
		Version:              1,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	if req.MinIncrement != nil {
		a.MinIncrement = *req.MinIncrement
	}
	if req.BuyerRate != nil {
		a.BuyerCommissionRate = *req.BuyerRate
	}
	if req.SellerRate != nil {
		a.SellerCommissionRate = *req.SellerRate
	}
	if req.InspectionWindow > 0 {
		a.InspectionWindow = req.InspectionWindow
	}
	if err := validateAuction(a, now); err != nil {
		return domain.Auction{}, fmt.Errorf("lifecycle: create auction: %w", err)
	}
	if !a.StartTime.After(now) {
		a.Status = domain.AuctionLive
	}

	if err := s.ledger.Auctions().Create(ctx, a); err != nil {
		return domain.Auction{}, fmt.Errorf("lifecycle: create auction: %w", err)
	}

	s.logger.InfoContext(ctx, "auction created",
		slog.String("auction_id", a.ID),
		slog.String("seller_id", a.SellerID),
		slog.String("status", string(a.Status)),
		slog.String("starting_price", a.StartingPrice.String()),
	)
	audit(ctx, s.audit, s.logger, "auction_created", map[string]any{
		"auction_id":     a.ID,
		"item_id":        a.ItemID,
		"seller_id":      a.SellerID,
		"category":       a.Category,
		"starting_price": a.StartingPrice.String(),
		"min_increment":  a.MinIncrement.String(),
		"status":         string(a.Status),
	})
	s.emit(ctx, domain.EventAuctionCreated, a, "", nil)
	return a, nil
}

func validateAuction(a domain.Auction, now time.Time) error {
	switch {
	case a.ItemID == "":
		return domain.Invalid("item_id", "required")
	case a.SellerID == "":
		return domain.Invalid("seller_id", "required")
	case !a.StartingPrice.IsPositive():
		return domain.Invalid("starting_price", "must be positive")
	case !a.MinIncrement.IsPositive():
		return domain.Invalid("min_increment", "must be positive")
	case !domain.WholeCents(a.StartingPrice):
		return domain.Invalid("starting_price", "at most 2 decimal places")
	case !domain.WholeCents(a.MinIncrement):
		return domain.Invalid("min_increment", "at most 2 decimal places")
	case a.BuyNowPrice != nil && !domain.WholeCents(*a.BuyNowPrice):
		return domain.Invalid("buy_now_price", "at most 2 decimal places")
	case a.StartTime.IsZero() || a.EndTime.IsZero():
		return domain.Invalid("start_time", "start_time and end_time are required")
	case !a.EndTime.After(a.StartTime):
		return domain.Invalid("end_time", "must be after start_time")
	case !a.EndTime.After(now):
		return domain.Invalid("end_time", "must be in the future")
	case a.BuyNowPrice != nil && !a.BuyNowPrice.GreaterThan(a.StartingPrice):
		return domain.Invalid("buy_now_price", "must exceed starting_price")
	case a.BuyerCommissionRate.IsNegative() || a.BuyerCommissionRate.GreaterThanOrEqual(decimal.NewFromInt(1)):
		return domain.Invalid("buyer_commission_rate", "must be in [0, 1)")
	case a.SellerCommissionRate.IsNegative() || a.SellerCommissionRate.GreaterThanOrEqual(decimal.NewFromInt(1)):
		return domain.Invalid("seller_commission_rate", "must be in [0, 1)")
	}
	return nil
}

// GetAuctionState returns the authoritative auction record.
func (s *LifecycleService) GetAuctionState(ctx context.Context, id string) (domain.Auction, error) {
	a, err := s.ledger.Auctions().GetByID(ctx, id)
	if err != nil {
		return domain.Auction{}, fmt.Errorf("lifecycle: get auction %s: %w", id, err)
	}
	return a, nil
}

// ListBids returns the bid trail of an auction in sequence order.
func (s *LifecycleService) ListBids(ctx context.Context, id string, opts domain.ListOpts) ([]domain.Bid, error) {
	if _, err := s.ledger.Auctions().GetByID(ctx, id); err != nil {
		return nil, fmt.Errorf("lifecycle: list bids %s: %w", id, err)
	}
	bids, err := s.ledger.Bids().ListByAuction(ctx, id, opts)
	if err != nil {
		return nil, fmt.Errorf("lifecycle: list bids %s: %w", id, err)
	}
	return bids, nil
}

// mutate runs a bounded read-check-write loop on one auction. fn sees the
// fresh record and returns the updated copy, or an error to stop. On failure
// the most recently read record is returned with the error.
func (s *LifecycleService) mutate(ctx context.Context, id, op string, fn func(a domain.Auction, now time.Time) (domain.Auction, error)) (domain.Auction, error) {
	var cur domain.Auction
	for i := 0; i < s.maxAttempts; i++ {
		var err error
		cur, err = s.ledger.Auctions().GetByID(ctx, id)
		if err != nil {
			return cur, fmt.Errorf("lifecycle: %s %s: %w", op, id, err)
		}
		now := s.clock.Now()
		next, err := fn(cur, now)
		if err != nil {
			s.logger.WarnContext(ctx, "auction transition rejected",
				slog.String("auction_id", id),
				slog.String("op", op),
				slog.String("status", string(cur.Status)),
				slog.Int64("bid_count", cur.BidCount),
				slog.Int64("version", cur.Version),
				slog.String("error", err.Error()),
			)
			return cur, err
		}
		next.UpdatedAt = now
		saved, err := s.ledger.Auctions().Update(ctx, next, cur.Version)
		if errors.Is(err, domain.ErrVersionConflict) {
			s.logger.DebugContext(ctx, "auction version conflict, re-reading",
				slog.String("auction_id", id),
				slog.String("op", op),
				slog.Int("attempt", i+1),
			)
			continue
		}
		if err != nil {
			return cur, fmt.Errorf("lifecycle: %s %s: %w", op, id, err)
		}
		audit(ctx, s.audit, s.logger, "auction_"+strings.ToLower(string(saved.Status)), map[string]any{
			"auction_id": id,
			"op":         op,
			"from":       string(cur.Status),
			"to":         string(saved.Status),
			"version":    saved.Version,
		})
		return saved, nil
	}
	return cur, fmt.Errorf("lifecycle: %s %s after %d attempts: %w", op, id, s.maxAttempts, domain.ErrContention)
}

func transitionErr(a domain.Auction, to domain.AuctionStatus) error {
	return &domain.TransitionError{Entity: "auction", ID: a.ID, From: string(a.Status), To: string(to)}
}

// Start moves a SCHEDULED auction to LIVE once its start time is reached.
func (s *LifecycleService) Start(ctx context.Context, id string) (domain.Auction, error) {
	a, err := s.mutate(ctx, id, "start", func(a domain.Auction, now time.Time) (domain.Auction, error) {
		if a.Status != domain.AuctionScheduled {
			return a, transitionErr(a, domain.AuctionLive)
		}
		if now.Before(a.StartTime) {
			return a, fmt.Errorf("auction %s starts at %s: %w", a.ID, a.StartTime.Format(time.RFC3339), domain.ErrInvalidState)
		}
		a.Status = domain.AuctionLive
		return a, nil
	})
	if err != nil {
		return a, err
	}
	s.emit(ctx, domain.EventAuctionStarted, a, "", nil)
	return a, nil
}

// End moves a LIVE auction to ENDED once its end time is reached, records
// the winner and opens settlement. An auction without bids stays ENDED with
// no winner.
func (s *LifecycleService) End(ctx context.Context, id string) (domain.Auction, error) {
	a, err := s.mutate(ctx, id, "end", func(a domain.Auction, now time.Time) (domain.Auction, error) {
		if a.Status != domain.AuctionLive {
			return a, transitionErr(a, domain.AuctionEnded)
		}
		if now.Before(a.EndTime) {
			return a, fmt.Errorf("auction %s ends at %s: %w", a.ID, a.EndTime.Format(time.RFC3339), domain.ErrInvalidState)
		}
		top, err := s.ledger.Bids().Highest(ctx, a.ID)
		switch {
		case errors.Is(err, domain.ErrNotFound):
			a.WinningBidID = ""
		case err != nil:
			return a, fmt.Errorf("lifecycle: end %s: highest bid: %w", a.ID, err)
		default:
			if top.ID != a.HighBidID {
				// The bid trail is authoritative.
				s.logger.WarnContext(ctx, "high bid pointer disagrees with bid trail",
					slog.String("auction_id", a.ID),
					slog.String("high_bid_id", a.HighBidID),
					slog.String("highest_bid_id", top.ID),
				)
				a.HighBidID = top.ID
				a.HighBidderID = top.BidderID
				a.CurrentPrice = top.Amount
			}
			a.WinningBidID = top.ID
		}
		a.Status = domain.AuctionEnded
		a.EndedAt = timePtr(now)
		return a, nil
	})
	if err != nil {
		return a, err
	}
	s.emit(ctx, domain.EventAuctionEnded, a, "", map[string]any{"winning_bid_id": a.WinningBidID})
	if !a.HasWinner() {
		s.logger.InfoContext(ctx, "auction ended without bids", slog.String("auction_id", a.ID))
		return a, nil
	}
	s.emit(ctx, domain.EventAuctionWon, a, a.HighBidderID, map[string]any{"amount": a.CurrentPrice.String()})

	if _, err := s.Settle(ctx, a.ID); err != nil {
		// The auction is ENDED or SETTLING; the scheduler resumes it.
		s.logger.WarnContext(ctx, "settlement deferred",
			slog.String("auction_id", a.ID),
			slog.String("error", err.Error()),
		)
	}
	return s.GetAuctionState(ctx, a.ID)
}

// CancelAuction cancels an auction on the seller's request. Cancellation is
// refused once a bid exists.
func (s *LifecycleService) CancelAuction(ctx context.Context, id, sellerID, reason string) (domain.Auction, error) {
	return s.cancel(ctx, id, "cancel", reason, func(a domain.Auction) error {
		if sellerID == "" || a.SellerID != sellerID {
			return fmt.Errorf("lifecycle: cancel %s: actor %q is not the seller: %w", id, sellerID, domain.ErrUnauthorized)
		}
		return nil
	})
}

// CancelByPolicy cancels an auction on behalf of operations. The no-bids
// rule still applies.
func (s *LifecycleService) CancelByPolicy(ctx context.Context, id, reason string) (domain.Auction, error) {
	return s.cancel(ctx, id, "cancel_policy", reason, nil)
}

func (s *LifecycleService) cancel(ctx context.Context, id, op, reason string, authorize func(domain.Auction) error) (domain.Auction, error) {
	a, err := s.mutate(ctx, id, op, func(a domain.Auction, now time.Time) (domain.Auction, error) {
		if authorize != nil {
			if err := authorize(a); err != nil {
				return a, err
			}
		}
		if a.Status != domain.AuctionScheduled && a.Status != domain.AuctionLive {
			return a, transitionErr(a, domain.AuctionCancelled)
		}
		if a.BidCount > 0 {
			return a, fmt.Errorf("auction %s has %d bids: %w", a.ID, a.BidCount, domain.ErrInvalidState)
		}
		a.Status = domain.AuctionCancelled
		a.CancelledAt = timePtr(now)
		a.CancelReason = reason
		return a, nil
	})
	if err != nil {
		return a, err
	}
	s.emit(ctx, domain.EventAuctionCancelled, a, a.SellerID, map[string]any{"reason": reason})
	return a, nil
}

// Settle opens settlement for an ended auction. Only the caller that wins
// ENDED -> SETTLING proceeds from ENDED; a SETTLING auction is resumed, and
// the one-transaction-per-auction rule makes repeated calls return the same
// transaction.
func (s *LifecycleService) Settle(ctx context.Context, id string) (domain.Transaction, error) {
	a, err := s.GetAuctionState(ctx, id)
	if err != nil {
		return domain.Transaction{}, err
	}

	switch a.Status {
	case domain.AuctionEnded:
		if !a.HasWinner() {
			return domain.Transaction{}, fmt.Errorf("lifecycle: settle %s: %w", id, ErrNoWinner)
		}
		a, err = s.mutate(ctx, id, "settle", func(a domain.Auction, _ time.Time) (domain.Auction, error) {
			if a.Status != domain.AuctionEnded {
				return a, transitionErr(a, domain.AuctionSettling)
			}
			a.Status = domain.AuctionSettling
			return a, nil
		})
		// Losing ENDED -> SETTLING to another worker is fine: resume from
		// the fresh SETTLING state.
		if err != nil && !(errors.Is(err, domain.ErrInvalidTransition) && a.Status == domain.AuctionSettling) {
			return domain.Transaction{}, err
		}
	case domain.AuctionSettling:
	case domain.AuctionSettled:
		t, err := s.ledger.Transactions().GetByAuction(ctx, id)
		if err != nil {
			return domain.Transaction{}, fmt.Errorf("lifecycle: settle %s: %w", id, err)
		}
		return t, nil
	default:
		return domain.Transaction{}, transitionErr(a, domain.AuctionSettling)
	}

	bid, err := s.ledger.Bids().GetByID(ctx, a.WinningBidID)
	if err != nil {
		return domain.Transaction{}, fmt.Errorf("lifecycle: settle %s: winning bid: %w", id, err)
	}
	t, err := s.settlement.OpenForAuction(ctx, a, bid)
	if err != nil {
		return domain.Transaction{}, fmt.Errorf("lifecycle: settle %s: %w", id, err)
	}

	switch t.Status {
	case domain.TxPending:
	case domain.TxCancelled:
		s.SettlementCancelled(ctx, t)
	default:
		s.EscrowHeld(ctx, t)
	}
	return t, nil
}

// EscrowHeld marks a SETTLING auction SETTLED once its transaction holds
// escrow. It implements EscrowListener.
func (s *LifecycleService) EscrowHeld(ctx context.Context, t domain.Transaction) {
	a, err := s.mutate(ctx, t.AuctionID, "settled", func(a domain.Auction, _ time.Time) (domain.Auction, error) {
		if a.Status != domain.AuctionSettling {
			return a, transitionErr(a, domain.AuctionSettled)
		}
		a.Status = domain.AuctionSettled
		return a, nil
	})
	if err != nil {
		if errors.Is(err, domain.ErrInvalidTransition) && a.Status == domain.AuctionSettled {
			return
		}
		s.logger.WarnContext(ctx, "mark auction settled failed",
			slog.String("auction_id", t.AuctionID),
			slog.String("transaction_id", t.ID),
			slog.String("error", err.Error()),
		)
		return
	}
	s.emit(ctx, domain.EventAuctionSettled, a, a.SellerID, map[string]any{"transaction_id": t.ID})
}

// SettlementCancelled cancels a SETTLING auction whose winner never paid.
// It implements EscrowListener.
func (s *LifecycleService) SettlementCancelled(ctx context.Context, t domain.Transaction) {
	a, err := s.mutate(ctx, t.AuctionID, "settlement_cancelled", func(a domain.Auction, now time.Time) (domain.Auction, error) {
		if a.Status != domain.AuctionSettling {
			return a, transitionErr(a, domain.AuctionCancelled)
		}
		a.Status = domain.AuctionCancelled
		a.CancelledAt = timePtr(now)
		a.CancelReason = "settlement cancelled: " + t.CancelReason
		return a, nil
	})
	if err != nil {
		if errors.Is(err, domain.ErrInvalidTransition) && a.Status == domain.AuctionCancelled {
			return
		}
		s.logger.WarnContext(ctx, "cancel settling auction failed",
			slog.String("auction_id", t.AuctionID),
			slog.String("error", err.Error()),
		)
		return
	}
	s.emit(ctx, domain.EventAuctionCancelled, a, a.SellerID, map[string]any{"reason": a.CancelReason})
}

// NotifyEndingSoon emits auction-ending-soon for a LIVE auction.
func (s *LifecycleService) NotifyEndingSoon(ctx context.Context, a domain.Auction) {
	s.emit(ctx, domain.EventAuctionEndingSoon, a, "", map[string]any{
		"ends_at":       a.EndTime,
		"current_price": a.CurrentPrice.String(),
	})
}

func (s *LifecycleService) emit(ctx context.Context, typ domain.EventType, a domain.Auction, recipient string, data map[string]any) {
	ev := newEvent(typ, s.clock.Now())
	ev.AuctionID = a.ID
	ev.Recipient = recipient
	if data == nil {
		data = map[string]any{}
	}
	data["status"] = string(a.Status)
	data["version"] = a.Version
	ev.Data = data
	s.events.Publish(ctx, ev)
}
