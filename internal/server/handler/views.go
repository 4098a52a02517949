package handler

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/marketcore/internal/domain"
)

// auctionView is the JSON shape of an auction. Money is rendered as decimal
// strings.
type auctionView struct {
	ID                   string           `json:"id"`
	ItemID               string           `json:"item_id"`
	SellerID             string           `json:"seller_id"`
	Category             string           `json:"category"`
	Status               string           `json:"status"`
	StartingPrice        decimal.Decimal  `json:"starting_price"`
	BuyNowPrice          *decimal.Decimal `json:"buy_now_price,omitempty"`
	CurrentPrice         decimal.Decimal  `json:"current_price"`
	MinIncrement         decimal.Decimal  `json:"min_increment"`
	MinimumNextBid       decimal.Decimal  `json:"minimum_next_bid"`
	BuyerCommissionRate  decimal.Decimal  `json:"buyer_commission_rate"`
	SellerCommissionRate decimal.Decimal  `json:"seller_commission_rate"`
	InspectionWindowSecs int64            `json:"inspection_window_seconds"`
	StartTime            time.Time        `json:"start_time"`
	EndTime              time.Time        `json:"end_time"`
	BidCount             int64            `json:"bid_count"`
	HighBidderID         string           `json:"high_bidder_id,omitempty"`
	WinningBidID         string           `json:"winning_bid_id,omitempty"`
	EndedAt              *time.Time       `json:"ended_at,omitempty"`
	CancelledAt          *time.Time       `json:"cancelled_at,omitempty"`
	CancelReason         string           `json:"cancel_reason,omitempty"`
	Version              int64            `json:"version"`
	CreatedAt            time.Time        `json:"created_at"`
	UpdatedAt            time.Time        `json:"updated_at"`
}

func newAuctionView(a domain.Auction) auctionView {
	return auctionView{
		ID:                   a.ID,
		ItemID:               a.ItemID,
		SellerID:             a.SellerID,
		Category:             a.Category,
		Status:               string(a.Status),
		StartingPrice:        a.StartingPrice,
		BuyNowPrice:          a.BuyNowPrice,
		CurrentPrice:         a.CurrentPrice,
		MinIncrement:         a.MinIncrement,
		MinimumNextBid:       a.MinimumNextBid(),
		BuyerCommissionRate:  a.BuyerCommissionRate,
		SellerCommissionRate: a.SellerCommissionRate,
		InspectionWindowSecs: int64(a.InspectionWindow / time.Second),
		StartTime:            a.StartTime,
		EndTime:              a.EndTime,
		BidCount:             a.BidCount,
		HighBidderID:         a.HighBidderID,
		WinningBidID:         a.WinningBidID,
		EndedAt:              a.EndedAt,
		CancelledAt:          a.CancelledAt,
		CancelReason:         a.CancelReason,
		Version:              a.Version,
		CreatedAt:            a.CreatedAt,
		UpdatedAt:            a.UpdatedAt,
	}
}

type bidView struct {
	ID        string          `json:"id"`
	AuctionID string          `json:"auction_id"`
	BidderID  string          `json:"bidder_id"`
	Amount    decimal.Decimal `json:"amount"`
	Sequence  int64           `json:"sequence"`
	PlacedAt  time.Time       `json:"placed_at"`
}

func newBidView(b domain.Bid) bidView {
	return bidView{
		ID:        b.ID,
		AuctionID: b.AuctionID,
		BidderID:  b.BidderID,
		Amount:    b.Amount,
		Sequence:  b.Sequence,
		PlacedAt:  b.PlacedAt,
	}
}

type transactionView struct {
	ID                  string          `json:"id"`
	AuctionID           string          `json:"auction_id,omitempty"`
	BidID               string          `json:"bid_id,omitempty"`
	ItemID              string          `json:"item_id"`
	BuyerID             string          `json:"buyer_id"`
	SellerID            string          `json:"seller_id"`
	Category            string          `json:"category"`
	Status              string          `json:"status"`
	ItemPrice           decimal.Decimal `json:"item_price"`
	BuyerCommission     decimal.Decimal `json:"buyer_commission"`
	SellerCommission    decimal.Decimal `json:"seller_commission"`
	TotalAmount         decimal.Decimal `json:"total_amount"`
	SellerPayout        decimal.Decimal `json:"seller_payout"`
	PaymentDueAt        *time.Time      `json:"payment_due_at,omitempty"`
	EscrowHeldAt        *time.Time      `json:"escrow_held_at,omitempty"`
	ShippedAt           *time.Time      `json:"shipped_at,omitempty"`
	DeliveredAt         *time.Time      `json:"delivered_at,omitempty"`
	InspectionStartedAt *time.Time      `json:"inspection_started_at,omitempty"`
	InspectionEndsAt    *time.Time      `json:"inspection_ends_at,omitempty"`
	CompletedAt         *time.Time      `json:"completed_at,omitempty"`
	DisputedAt          *time.Time      `json:"disputed_at,omitempty"`
	RefundedAt          *time.Time      `json:"refunded_at,omitempty"`
	CancelledAt         *time.Time      `json:"cancelled_at,omitempty"`
	TrackingCarrier     string          `json:"tracking_carrier,omitempty"`
	TrackingNumber      string          `json:"tracking_number,omitempty"`
	DisputeReason       string          `json:"dispute_reason,omitempty"`
	ReleaseReason       string          `json:"release_reason,omitempty"`
	CancelReason        string          `json:"cancel_reason,omitempty"`
	ResolutionOutcome   string          `json:"resolution_outcome,omitempty"`
	ResolutionNotes     string          `json:"resolution_notes,omitempty"`
	ResolvedBy          string          `json:"resolved_by,omitempty"`
	ResolvedAt          *time.Time      `json:"resolved_at,omitempty"`
	Version             int64           `json:"version"`
	CreatedAt           time.Time       `json:"created_at"`
	UpdatedAt           time.Time       `json:"updated_at"`
}

func newTransactionView(t domain.Transaction) transactionView {
	return transactionView{
		ID:                  t.ID,
		AuctionID:           t.AuctionID,
		BidID:               t.BidID,
		ItemID:              t.ItemID,
		BuyerID:             t.BuyerID,
		SellerID:            t.SellerID,
		Category:            t.Category,
		Status:              string(t.Status),
		ItemPrice:           t.ItemPrice,
		BuyerCommission:     t.BuyerCommission,
		SellerCommission:    t.SellerCommission,
		TotalAmount:         t.TotalAmount,
		SellerPayout:        t.SellerPayout(),
		PaymentDueAt:        t.PaymentDueAt,
		EscrowHeldAt:        t.EscrowHeldAt,
		ShippedAt:           t.ShippedAt,
		DeliveredAt:         t.DeliveredAt,
		InspectionStartedAt: t.InspectionStartedAt,
		InspectionEndsAt:    t.InspectionEndsAt,
		CompletedAt:         t.CompletedAt,
		DisputedAt:          t.DisputedAt,
		RefundedAt:          t.RefundedAt,
		CancelledAt:         t.CancelledAt,
		TrackingCarrier:     t.TrackingCarrier,
		TrackingNumber:      t.TrackingNumber,
		DisputeReason:       t.DisputeReason,
		ReleaseReason:       string(t.ReleaseReason),
		CancelReason:        t.CancelReason,
		ResolutionOutcome:   string(t.ResolutionOutcome),
		ResolutionNotes:     t.ResolutionNotes,
		ResolvedBy:          t.ResolvedBy,
		ResolvedAt:          t.ResolvedAt,
		Version:             t.Version,
		CreatedAt:           t.CreatedAt,
		UpdatedAt:           t.UpdatedAt,
	}
}

// currentAuction returns a view of a for error bodies, or nil when a is the
// zero value.
func currentAuction(a domain.Auction) any {
	if a.ID == "" {
		return nil
	}
	return newAuctionView(a)
}

func currentTransaction(t domain.Transaction) any {
	if t.ID == "" {
		return nil
	}
	return newTransactionView(t)
}
