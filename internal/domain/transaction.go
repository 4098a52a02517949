package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// TransactionStatus tracks the escrow settlement lifecycle.
type TransactionStatus string

const (
	TxPending    TransactionStatus = "PENDING"
	TxEscrowHeld TransactionStatus = "ESCROW_HELD"
	TxShipped    TransactionStatus = "SHIPPED"
	TxDelivered  TransactionStatus = "DELIVERED"
	TxCompleted  TransactionStatus = "COMPLETED"
	TxDisputed   TransactionStatus = "DISPUTED"
	TxRefunded   TransactionStatus = "REFUNDED"
	TxCancelled  TransactionStatus = "CANCELLED"
)

var txEdges = map[TransactionStatus][]TransactionStatus{
	TxPending:    {TxEscrowHeld, TxCancelled},
	TxEscrowHeld: {TxShipped},
	TxShipped:    {TxDelivered},
	TxDelivered:  {TxCompleted, TxDisputed},
	TxDisputed:   {TxCompleted, TxRefunded},
}

// CanTransitionTo reports whether s -> to is an edge of the settlement graph.
func (s TransactionStatus) CanTransitionTo(to TransactionStatus) bool {
	for _, next := range txEdges[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transition is possible.
func (s TransactionStatus) Terminal() bool {
	return len(txEdges[s]) == 0
}

// Valid reports whether s is a known status.
func (s TransactionStatus) Valid() bool {
	switch s {
	case TxPending, TxEscrowHeld, TxShipped, TxDelivered, TxCompleted, TxDisputed, TxRefunded, TxCancelled:
		return true
	}
	return false
}

// ReleaseReason records why escrow went to the seller.
type ReleaseReason string

const (
	ReleaseBuyerAccepted     ReleaseReason = "buyer_accepted"
	ReleaseInspectionExpired ReleaseReason = "inspection_expired"
	ReleaseDisputeSeller     ReleaseReason = "dispute_seller"
)

// DisputeOutcome is the resolver's ruling.
type DisputeOutcome string

const (
	OutcomeSeller DisputeOutcome = "SELLER"
	OutcomeBuyer  DisputeOutcome = "BUYER"
)

// Transaction is the escrow settlement record for one purchase. It references
// either an auction (AuctionID, BidID) or a direct sale (ItemID only).
type Transaction struct {
	ID               string
	AuctionID        string
	BidID            string
	ItemID           string
	BuyerID          string
	SellerID         string
	Category         string
	ItemPrice        decimal.Decimal
	BuyerCommission  decimal.Decimal
	SellerCommission decimal.Decimal
	TotalAmount      decimal.Decimal
	InspectionWindow time.Duration
	Status           TransactionStatus

	PaymentDueAt        *time.Time
	EscrowHeldAt        *time.Time
	ShippedAt           *time.Time
	DeliveredAt         *time.Time
	InspectionStartedAt *time.Time
	InspectionEndsAt    *time.Time
	CompletedAt         *time.Time
	DisputedAt          *time.Time
	RefundedAt          *time.Time
	CancelledAt         *time.Time

	TrackingCarrier string
	TrackingNumber  string
	PaymentRef      string
	DisputeReason   string
	ReleaseReason   ReleaseReason
	CancelReason    string

	ResolutionOutcome DisputeOutcome
	ResolutionNotes   string
	ResolvedBy        string
	ResolvedAt        *time.Time

	ArchivedAt *time.Time
	Version    int64
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// SellerPayout is what the seller receives when escrow is released.
func (t Transaction) SellerPayout() decimal.Decimal {
	return t.ItemPrice.Sub(t.SellerCommission)
}

// Commission holds the split computed for a sale price.
type Commission struct {
	Buyer  decimal.Decimal
	Seller decimal.Decimal
	Total  decimal.Decimal
}

// ComputeCommission applies the rates to price, rounding each side to cents
// half away from zero. Total is what the buyer pays.
func ComputeCommission(price, buyerRate, sellerRate decimal.Decimal) Commission {
	buyer := price.Mul(buyerRate).Round(2)
	seller := price.Mul(sellerRate).Round(2)
	return Commission{Buyer: buyer, Seller: seller, Total: price.Add(buyer)}
}
