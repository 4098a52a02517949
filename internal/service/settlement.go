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

// EscrowListener is told when a transaction opened for an auction reaches
// escrow or is cancelled, so the auction can be closed out.
type EscrowListener interface {
	EscrowHeld(ctx context.Context, t domain.Transaction)
	SettlementCancelled(ctx context.Context, t domain.Transaction)
}

// SettlementOptions configures the settlement engine.
type SettlementOptions struct {
	PaymentWindow time.Duration
	Terms         TermsFunc
}

// SettlementService owns the escrow transaction state machine:
//
//	PENDING -> ESCROW_HELD -> SHIPPED -> DELIVERED -> COMPLETED
//	                                       DELIVERED -> DISPUTED -> COMPLETED | REFUNDED
//	PENDING -> CANCELLED
//
// Every transition is a single versioned update. A caller whose read is stale
// gets a *domain.ConflictError and must refetch.
type SettlementService struct {
	txns     domain.TransactionStore
	audit    domain.AuditStore
	events   domain.EventPublisher
	clock    clock.Clock
	opts     SettlementOptions
	listener EscrowListener
	logger   *slog.Logger
}

// NewSettlementService creates a SettlementService.
func NewSettlementService(
	ledger domain.Ledger,
	audit domain.AuditStore,
	events domain.EventPublisher,
	clk clock.Clock,
	opts SettlementOptions,
	logger *slog.Logger,
) *SettlementService {
	if opts.PaymentWindow <= 0 {
		opts.PaymentWindow = 24 * time.Hour
	}
	if opts.Terms == nil {
		opts.Terms = StaticTerms(Terms{InspectionWindow: 48 * time.Hour})
	}
	return &SettlementService{
		txns:   ledger.Transactions(),
		audit:  audit,
		events: publisherOrNop(events),
		clock:  clk,
		opts:   opts,
		logger: logger.With(slog.String("component", "settlement")),
	}
}

// WithEscrowListener attaches the listener notified on escrow hold and
// cancellation of auction transactions.
func (s *SettlementService) WithEscrowListener(l EscrowListener) *SettlementService {
	s.listener = l
	return s
}

// TransitionOption adjusts a single transition call.
type TransitionOption func(*transitionOpts)

type transitionOpts struct {
	expectedVersion *int64
}

// IfVersion makes the transition fail with a ConflictError unless the
// transaction is still at version v.
func IfVersion(v int64) TransitionOption {
	return func(o *transitionOpts) { o.expectedVersion = &v }
}

// step describes one transition attempt. The transaction must be in from.
// authorize runs before the edge check, check after it, apply mutates the
// copy that will be written.
type step struct {
	op        string
	from      domain.TransactionStatus
	to        domain.TransactionStatus
	authorize func(t domain.Transaction) error
	check     func(t domain.Transaction, now time.Time) error
	apply     func(t *domain.Transaction, now time.Time)
}

// transition reads, validates and writes one state change.
func (s *SettlementService) transition(ctx context.Context, id string, st step, opts []TransitionOption) (domain.Transaction, error) {
	var o transitionOpts
	for _, fn := range opts {
		fn(&o)
	}

	t, err := s.txns.GetByID(ctx, id)
	if err != nil {
		return domain.Transaction{}, fmt.Errorf("settlement: %s %s: %w", st.op, id, err)
	}
	if st.authorize != nil {
		if err := st.authorize(t); err != nil {
			s.rejected(ctx, t, st, err)
			return domain.Transaction{}, fmt.Errorf("settlement: %s %s: %w", st.op, id, err)
		}
	}
	if o.expectedVersion != nil && *o.expectedVersion != t.Version {
		err := &domain.ConflictError{Entity: "transaction", ID: id, Status: string(t.Status), Version: t.Version}
		s.rejected(ctx, t, st, err)
		return t, err
	}
	if t.Status != st.from || !st.from.CanTransitionTo(st.to) {
		err := &domain.TransitionError{Entity: "transaction", ID: id, From: string(t.Status), To: string(st.to)}
		s.rejected(ctx, t, st, err)
		return t, err
	}

	now := s.clock.Now()
	if st.check != nil {
		if err := st.check(t, now); err != nil {
			s.rejected(ctx, t, st, err)
			return t, fmt.Errorf("settlement: %s %s: %w", st.op, id, err)
		}
	}

	next := t
	next.Status = st.to
	next.UpdatedAt = now
	if st.apply != nil {
		st.apply(&next, now)
	}

	saved, err := s.txns.Update(ctx, next, t.Version)
	if errors.Is(err, domain.ErrVersionConflict) {
		cur, getErr := s.txns.GetByID(ctx, id)
		if getErr != nil {
			return domain.Transaction{}, fmt.Errorf("settlement: %s %s: refetch after conflict: %w", st.op, id, getErr)
		}
		cerr := &domain.ConflictError{Entity: "transaction", ID: id, Status: string(cur.Status), Version: cur.Version}
		s.rejected(ctx, t, st, cerr)
		return cur, cerr
	}
	if err != nil {
		return domain.Transaction{}, fmt.Errorf("settlement: %s %s: %w", st.op, id, err)
	}

	s.logger.InfoContext(ctx, "transaction transitioned",
		slog.String("transaction_id", id),
		slog.String("op", st.op),
		slog.String("from", string(t.Status)),
		slog.String("to", string(saved.Status)),
		slog.Int64("version", saved.Version),
	)
	audit(ctx, s.audit, s.logger, "transaction_"+strings.ToLower(string(saved.Status)), map[string]any{
		"transaction_id": id,
		"op":             st.op,
		"from":           string(t.Status),
		"to":             string(saved.Status),
		"version":        saved.Version,
	})
	return saved, nil
}

// rejected logs and audits a failed transition with the before-state.
func (s *SettlementService) rejected(ctx context.Context, t domain.Transaction, st step, err error) {
	s.logger.WarnContext(ctx, "transition rejected",
		slog.String("transaction_id", t.ID),
		slog.String("op", st.op),
		slog.String("status", string(t.Status)),
		slog.String("attempted", string(st.to)),
		slog.Int64("version", t.Version),
		slog.String("error", err.Error()),
	)
	audit(ctx, s.audit, s.logger, "transition_rejected", map[string]any{
		"transaction_id": t.ID,
		"op":             st.op,
		"status":         string(t.Status),
		"attempted":      string(st.to),
		"version":        t.Version,
		"error":          err.Error(),
	})
}

func (s *SettlementService) emit(ctx context.Context, typ domain.EventType, t domain.Transaction, recipient string, data map[string]any) {
	ev := newEvent(typ, s.clock.Now())
	ev.TransactionID = t.ID
	ev.AuctionID = t.AuctionID
	ev.Recipient = recipient
	if data == nil {
		data = map[string]any{}
	}
	data["status"] = string(t.Status)
	ev.Data = data
	s.events.Publish(ctx, ev)
}

// OpenForAuction creates the PENDING transaction for an auction's winning
// bid. If the auction already has a transaction it is returned unchanged.
func (s *SettlementService) OpenForAuction(ctx context.Context, a domain.Auction, winning domain.Bid) (domain.Transaction, error) {
	now := s.clock.Now()
	comm := domain.ComputeCommission(winning.Amount, a.BuyerCommissionRate, a.SellerCommissionRate)
	window := a.InspectionWindow
	if window <= 0 {
		window = s.opts.Terms(a.Category).InspectionWindow
	}

	t := domain.Transaction{
		ID:               uuid.NewString(),
		AuctionID:        a.ID,
		BidID:            winning.ID,
		ItemID:           a.ItemID,
		BuyerID:          winning.BidderID,
		SellerID:         a.SellerID,
		Category:         a.Category,
		ItemPrice:        winning.Amount,
		BuyerCommission:  comm.Buyer,
		SellerCommission: comm.Seller,
		TotalAmount:      comm.Total,
		InspectionWindow: window,
		Status:           domain.TxPending,
		PaymentDueAt:     timePtr(now.Add(s.opts.PaymentWindow)),
		Version:          1,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := s.txns.Create(ctx, t); err != nil {
		if errors.Is(err, domain.ErrAlreadyExists) {
			existing, getErr := s.txns.GetByAuction(ctx, a.ID)
			if getErr != nil {
				return domain.Transaction{}, fmt.Errorf("settlement: open for auction %s: %w", a.ID, getErr)
			}
			return existing, nil
		}
		return domain.Transaction{}, fmt.Errorf("settlement: open for auction %s: %w", a.ID, err)
	}

	s.logger.InfoContext(ctx, "transaction opened",
		slog.String("transaction_id", t.ID),
		slog.String("auction_id", a.ID),
		slog.String("buyer_id", t.BuyerID),
		slog.String("total", t.TotalAmount.String()),
	)
	audit(ctx, s.audit, s.logger, "transaction_opened", map[string]any{
		"transaction_id": t.ID,
		"auction_id":     a.ID,
		"bid_id":         winning.ID,
		"item_price":     t.ItemPrice.String(),
		"total":          t.TotalAmount.String(),
	})
	s.emit(ctx, domain.EventTransactionOpened, t, t.BuyerID, map[string]any{
		"total_amount":   t.TotalAmount.String(),
		"payment_due_at": t.PaymentDueAt,
	})
	return t, nil
}

// DirectSaleRequest describes a fixed-price purchase outside an auction.
type DirectSaleRequest struct {
	ItemID   string
	BuyerID  string
	SellerID string
	Category string
	Price    decimal.Decimal
	// PaymentRef set means payment was captured synchronously and the
	// transaction starts in ESCROW_HELD.
	PaymentRef string
}

// OpenDirectSale creates a transaction for a direct purchase.
func (s *SettlementService) OpenDirectSale(ctx context.Context, req DirectSaleRequest) (domain.Transaction, error) {
	switch {
	case req.ItemID == "":
		return domain.Transaction{}, fmt.Errorf("settlement: direct sale: %w", domain.Invalid("item_id", "required"))
	case req.BuyerID == "" || req.SellerID == "":
		return domain.Transaction{}, fmt.Errorf("settlement: direct sale: %w", domain.Invalid("buyer_id", "buyer and seller are required"))
	case req.BuyerID == req.SellerID:
		return domain.Transaction{}, fmt.Errorf("settlement: direct sale: %w", domain.Invalid("buyer_id", "seller cannot buy own item"))
	case !req.Price.IsPositive():
		return domain.Transaction{}, fmt.Errorf("settlement: direct sale: %w", domain.Invalid("price", "must be positive"))
	case !domain.WholeCents(req.Price):
		return domain.Transaction{}, fmt.Errorf("settlement: direct sale: %w", domain.Invalid("price", "at most 2 decimal places"))
	}

	now := s.clock.Now()
	category := normalizeCategory(req.Category)
	terms := s.opts.Terms(category)
	comm := domain.ComputeCommission(req.Price, terms.BuyerRate, terms.SellerRate)

	t := domain.Transaction{
		ID:               uuid.NewString(),
		ItemID:           req.ItemID,
		BuyerID:          req.BuyerID,
		SellerID:         req.SellerID,
		Category:         category,
		ItemPrice:        req.Price,
		BuyerCommission:  comm.Buyer,
		SellerCommission: comm.Seller,
		TotalAmount:      comm.Total,
		InspectionWindow: terms.InspectionWindow,
		Status:           domain.TxPending,
		PaymentDueAt:     timePtr(now.Add(s.opts.PaymentWindow)),
		Version:          1,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if req.PaymentRef != "" {
		t.Status = domain.TxEscrowHeld
		t.PaymentRef = req.PaymentRef
		t.EscrowHeldAt = timePtr(now)
		t.PaymentDueAt = nil
	}
	if err := s.txns.Create(ctx, t); err != nil {
		return domain.Transaction{}, fmt.Errorf("settlement: direct sale %s: %w", req.ItemID, err)
	}
	audit(ctx, s.audit, s.logger, "transaction_opened", map[string]any{
		"transaction_id": t.ID,
		"item_id":        t.ItemID,
		"status":         string(t.Status),
		"total":          t.TotalAmount.String(),
	})
	s.emit(ctx, domain.EventTransactionOpened, t, t.BuyerID, map[string]any{"total_amount": t.TotalAmount.String()})
	if t.Status == domain.TxEscrowHeld {
		s.emit(ctx, domain.EventEscrowHeld, t, t.SellerID, nil)
	}
	return t, nil
}

// GetTransactionState returns the authoritative transaction record.
func (s *SettlementService) GetTransactionState(ctx context.Context, id string) (domain.Transaction, error) {
	t, err := s.txns.GetByID(ctx, id)
	if err != nil {
		return domain.Transaction{}, fmt.Errorf("settlement: get %s: %w", id, err)
	}
	return t, nil
}

// PaymentCaptured moves PENDING -> ESCROW_HELD.
func (s *SettlementService) PaymentCaptured(ctx context.Context, id, paymentRef string, opts ...TransitionOption) (domain.Transaction, error) {
	t, err := s.transition(ctx, id, step{
		op:   "payment_captured",
		from: domain.TxPending,
		to:   domain.TxEscrowHeld,
		apply: func(t *domain.Transaction, now time.Time) {
			t.EscrowHeldAt = timePtr(now)
			t.PaymentRef = paymentRef
		},
	}, opts)
	if err != nil {
		return t, err
	}
	s.emit(ctx, domain.EventEscrowHeld, t, t.SellerID, nil)
	if s.listener != nil && t.AuctionID != "" {
		s.listener.EscrowHeld(ctx, t)
	}
	return t, nil
}

// PaymentFailed moves PENDING -> CANCELLED.
func (s *SettlementService) PaymentFailed(ctx context.Context, id, reason string, opts ...TransitionOption) (domain.Transaction, error) {
	if reason == "" {
		reason = "payment_failed"
	}
	return s.cancel(ctx, id, "payment_failed", reason, nil, opts)
}

// ExpirePayment cancels a PENDING transaction whose payment deadline passed.
func (s *SettlementService) ExpirePayment(ctx context.Context, id string) (domain.Transaction, error) {
	return s.cancel(ctx, id, "expire_payment", "payment_timeout", func(t domain.Transaction, now time.Time) error {
		if t.PaymentDueAt == nil || now.Before(*t.PaymentDueAt) {
			return fmt.Errorf("payment not yet due: %w", domain.ErrInvalidState)
		}
		return nil
	}, nil)
}

func (s *SettlementService) cancel(ctx context.Context, id, op, reason string, check func(domain.Transaction, time.Time) error, opts []TransitionOption) (domain.Transaction, error) {
	t, err := s.transition(ctx, id, step{
		op:    op,
		from:  domain.TxPending,
		to:    domain.TxCancelled,
		check: check,
		apply: func(t *domain.Transaction, now time.Time) {
			t.CancelledAt = timePtr(now)
			t.CancelReason = reason
		},
	}, opts)
	if err != nil {
		return t, err
	}
	s.emit(ctx, domain.EventTransactionCancelled, t, t.BuyerID, map[string]any{"reason": reason})
	if s.listener != nil && t.AuctionID != "" {
		s.listener.SettlementCancelled(ctx, t)
	}
	return t, nil
}

// Tracking identifies a shipment.
type Tracking struct {
	Carrier string
	Number  string
}

// MarkShipped moves ESCROW_HELD -> SHIPPED. Only the seller may call it.
func (s *SettlementService) MarkShipped(ctx context.Context, id, sellerID string, tr Tracking, opts ...TransitionOption) (domain.Transaction, error) {
	t, err := s.transition(ctx, id, step{
		op:        "mark_shipped",
		from:      domain.TxEscrowHeld,
		to:        domain.TxShipped,
		authorize: actorIs(sellerID, func(t domain.Transaction) string { return t.SellerID }, "seller"),
		apply: func(t *domain.Transaction, now time.Time) {
			t.ShippedAt = timePtr(now)
			t.TrackingCarrier = tr.Carrier
			t.TrackingNumber = tr.Number
		},
	}, opts)
	if err != nil {
		return t, err
	}
	s.emit(ctx, domain.EventItemShipped, t, t.BuyerID, map[string]any{
		"carrier":         tr.Carrier,
		"tracking_number": tr.Number,
	})
	return t, nil
}

// ConfirmDelivery moves SHIPPED -> DELIVERED on the buyer's word and opens
// the inspection window.
func (s *SettlementService) ConfirmDelivery(ctx context.Context, id, buyerID string, opts ...TransitionOption) (domain.Transaction, error) {
	return s.deliver(ctx, id, "confirm_delivery",
		actorIs(buyerID, func(t domain.Transaction) string { return t.BuyerID }, "buyer"), opts)
}

// CarrierDelivered moves SHIPPED -> DELIVERED on a carrier scan.
func (s *SettlementService) CarrierDelivered(ctx context.Context, id string, opts ...TransitionOption) (domain.Transaction, error) {
	return s.deliver(ctx, id, "carrier_delivered", nil, opts)
}

func (s *SettlementService) deliver(ctx context.Context, id, op string, authorize func(domain.Transaction) error, opts []TransitionOption) (domain.Transaction, error) {
	t, err := s.transition(ctx, id, step{
		op:        op,
		from:      domain.TxShipped,
		to:        domain.TxDelivered,
		authorize: authorize,
		apply: func(t *domain.Transaction, now time.Time) {
			window := t.InspectionWindow
			if window <= 0 {
				window = s.opts.Terms(t.Category).InspectionWindow
				t.InspectionWindow = window
			}
			t.DeliveredAt = timePtr(now)
			t.InspectionStartedAt = timePtr(now)
			t.InspectionEndsAt = timePtr(now.Add(window))
		},
	}, opts)
	if err != nil {
		return t, err
	}
	s.emit(ctx, domain.EventDeliveryConfirmed, t, t.BuyerID, map[string]any{
		"inspection_ends_at": t.InspectionEndsAt,
	})
	return t, nil
}

// AcceptDelivery moves DELIVERED -> COMPLETED on the buyer's acceptance and
// releases escrow to the seller.
func (s *SettlementService) AcceptDelivery(ctx context.Context, id, buyerID string, opts ...TransitionOption) (domain.Transaction, error) {
	t, err := s.transition(ctx, id, step{
		op:        "accept_delivery",
		from:      domain.TxDelivered,
		to:        domain.TxCompleted,
		authorize: actorIs(buyerID, func(t domain.Transaction) string { return t.BuyerID }, "buyer"),
		apply:     release(domain.ReleaseBuyerAccepted),
	}, opts)
	if err != nil {
		return t, err
	}
	s.emitCompleted(ctx, t)
	return t, nil
}

// OpenDispute moves DELIVERED -> DISPUTED. It must happen before the
// inspection window closes.
func (s *SettlementService) OpenDispute(ctx context.Context, id, buyerID, reason string, opts ...TransitionOption) (domain.Transaction, error) {
	reason = strings.TrimSpace(reason)
	t, err := s.transition(ctx, id, step{
		op:   "open_dispute",
		from: domain.TxDelivered,
		to:   domain.TxDisputed,
		authorize: func(t domain.Transaction) error {
			if err := actorIs(buyerID, func(t domain.Transaction) string { return t.BuyerID }, "buyer")(t); err != nil {
				return err
			}
			if reason == "" {
				return domain.Invalid("reason", "required")
			}
			return nil
		},
		check: func(t domain.Transaction, now time.Time) error {
			if t.InspectionEndsAt != nil && !now.Before(*t.InspectionEndsAt) {
				return fmt.Errorf("inspection window closed at %s: %w", t.InspectionEndsAt.Format(time.RFC3339), domain.ErrInvalidState)
			}
			return nil
		},
		apply: func(t *domain.Transaction, now time.Time) {
			t.DisputedAt = timePtr(now)
			t.DisputeReason = reason
		},
	}, opts)
	if err != nil {
		return t, err
	}
	s.emit(ctx, domain.EventDisputeOpened, t, t.SellerID, map[string]any{"reason": reason})
	return t, nil
}

// AutoRelease completes a DELIVERED transaction whose inspection window has
// elapsed. Any number of workers may call it; one wins the version race. A
// conflict is retried once so a worker that merely read early still gets an
// accurate answer.
func (s *SettlementService) AutoRelease(ctx context.Context, id string) (domain.Transaction, error) {
	st := step{
		op:   "auto_release",
		from: domain.TxDelivered,
		to:   domain.TxCompleted,
		check: func(t domain.Transaction, now time.Time) error {
			if t.InspectionEndsAt == nil || now.Before(*t.InspectionEndsAt) {
				return fmt.Errorf("inspection window still open: %w", domain.ErrInvalidState)
			}
			return nil
		},
		apply: release(domain.ReleaseInspectionExpired),
	}

	t, err := s.transition(ctx, id, st, nil)
	if errors.Is(err, domain.ErrVersionConflict) {
		t, err = s.transition(ctx, id, st, nil)
	}
	if err != nil {
		return t, err
	}
	s.emitCompleted(ctx, t)
	return t, nil
}

// resolve is the only way out of DISPUTED. It is reached through
// DisputeService.
func (s *SettlementService) resolve(ctx context.Context, id string, outcome domain.DisputeOutcome, notes, resolvedBy string, opts []TransitionOption) (domain.Transaction, error) {
	to := domain.TxRefunded
	if outcome == domain.OutcomeSeller {
		to = domain.TxCompleted
	}
	t, err := s.transition(ctx, id, step{
		op:   "resolve_dispute",
		from: domain.TxDisputed,
		to:   to,
		apply: func(t *domain.Transaction, now time.Time) {
			t.ResolutionOutcome = outcome
			t.ResolutionNotes = notes
			t.ResolvedBy = resolvedBy
			t.ResolvedAt = timePtr(now)
			if outcome == domain.OutcomeSeller {
				release(domain.ReleaseDisputeSeller)(t, now)
			} else {
				t.RefundedAt = timePtr(now)
			}
		},
	}, opts)
	if err != nil {
		return t, err
	}

	audit(ctx, s.audit, s.logger, "dispute_resolved", map[string]any{
		"transaction_id": t.ID,
		"outcome":        string(outcome),
		"notes":          notes,
		"resolved_by":    resolvedBy,
	})
	s.emit(ctx, domain.EventDisputeResolved, t, t.BuyerID, map[string]any{"outcome": string(outcome)})
	if t.Status == domain.TxCompleted {
		s.emitCompleted(ctx, t)
	} else {
		s.emit(ctx, domain.EventTransactionRefunded, t, t.BuyerID, map[string]any{"amount": t.TotalAmount.String()})
	}
	return t, nil
}

func (s *SettlementService) emitCompleted(ctx context.Context, t domain.Transaction) {
	s.emit(ctx, domain.EventTransactionCompleted, t, t.SellerID, map[string]any{
		"payout":         t.SellerPayout().String(),
		"release_reason": string(t.ReleaseReason),
	})
}

func release(reason domain.ReleaseReason) func(*domain.Transaction, time.Time) {
	return func(t *domain.Transaction, now time.Time) {
		t.CompletedAt = timePtr(now)
		t.ReleaseReason = reason
	}
}

// actorIs builds an authorize func requiring actor to be the party selected by who.
func actorIs(actor string, who func(domain.Transaction) string, role string) func(domain.Transaction) error {
	return func(t domain.Transaction) error {
		if actor == "" || actor != who(t) {
			return fmt.Errorf("actor %q is not the %s: %w", actor, role, domain.ErrUnauthorized)
		}
		return nil
	}
}
