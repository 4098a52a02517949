package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// AuctionStatus tracks the auction lifecycle.
type AuctionStatus string

const (
	AuctionScheduled AuctionStatus = "SCHEDULED"
	AuctionLive      AuctionStatus = "LIVE"
	AuctionEnded     AuctionStatus = "ENDED"
	AuctionSettling  AuctionStatus = "SETTLING"
	AuctionSettled   AuctionStatus = "SETTLED"
	AuctionCancelled AuctionStatus = "CANCELLED"
)

// auctionEdges lists every legal auction status change. SETTLING may fall to
// CANCELLED when the winner never pays.
var auctionEdges = map[AuctionStatus][]AuctionStatus{
	AuctionScheduled: {AuctionLive, AuctionCancelled},
	AuctionLive:      {AuctionEnded, AuctionCancelled},
	AuctionEnded:     {AuctionSettling},
	AuctionSettling:  {AuctionSettled, AuctionCancelled},
}

// CanTransitionTo reports whether s -> to is an edge of the auction state machine.
func (s AuctionStatus) CanTransitionTo(to AuctionStatus) bool {
	for _, next := range auctionEdges[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Valid reports whether s is a known status.
func (s AuctionStatus) Valid() bool {
	switch s {
	case AuctionScheduled, AuctionLive, AuctionEnded, AuctionSettling, AuctionSettled, AuctionCancelled:
		return true
	}
	return false
}

// Closed reports whether the auction no longer accepts bids.
func (s AuctionStatus) Closed() bool {
	return s != AuctionScheduled && s != AuctionLive
}

// Auction is a time-bounded competitive-price listing.
type Auction struct {
	ID            string
	ItemID        string
	SellerID      string
	Category      string
	StartingPrice decimal.Decimal
	BuyNowPrice   *decimal.Decimal
	CurrentPrice  decimal.Decimal
	MinIncrement  decimal.Decimal
	// Commission rates are fixed at creation from the category table so
	// later config changes never reprice a running auction.
	BuyerCommissionRate  decimal.Decimal
	SellerCommissionRate decimal.Decimal
	InspectionWindow     time.Duration
	StartTime            time.Time
	EndTime              time.Time
	Status               AuctionStatus
	// BidCount is the sequence number of the last admitted bid.
	BidCount     int64
	HighBidID    string
	HighBidderID string
	WinningBidID string
	EndedAt      *time.Time
	CancelledAt  *time.Time
	CancelReason string
	ArchivedAt   *time.Time
	Version      int64
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// MoneyScale is the number of decimal places every stored amount carries.
const MoneyScale = 2

// WholeCents reports whether d needs no more than MoneyScale decimal places.
func WholeCents(d decimal.Decimal) bool {
	return d.Equal(d.Round(MoneyScale))
}

// MinimumNextBid is the smallest amount the next bid may carry.
func (a Auction) MinimumNextBid() decimal.Decimal {
	return a.CurrentPrice.Add(a.MinIncrement)
}

// AcceptingBidsAt reports whether a bid placed at now falls inside the
// live window [StartTime, EndTime).
func (a Auction) AcceptingBidsAt(now time.Time) bool {
	return a.Status == AuctionLive && !now.Before(a.StartTime) && now.Before(a.EndTime)
}

// HasWinner reports whether settlement has a bid to work from.
func (a Auction) HasWinner() bool {
	return a.WinningBidID != ""
}

// Bid is an immutable, sequenced offer against an Auction.
type Bid struct {
	ID        string
	AuctionID string
	BidderID  string
	Amount    decimal.Decimal
	PlacedAt  time.Time
	Sequence  int64
}
