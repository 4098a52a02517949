package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination for list queries.
type ListOpts struct {
	Limit  int
	Offset int
}

// AuctionFilter narrows auction scans. Zero-valued fields are ignored.
type AuctionFilter struct {
	Status      AuctionStatus
	SellerID    string
	StartBefore *time.Time // start_time <= StartBefore
	EndBefore   *time.Time // end_time <= EndBefore
	EndAfter    *time.Time // end_time > EndAfter
	WithBids    bool
	Limit       int
}

// TransactionFilter narrows transaction scans. Zero-valued fields are ignored.
type TransactionFilter struct {
	Status               TransactionStatus
	BuyerID              string
	SellerID             string
	PaymentDueBefore     *time.Time
	InspectionEndsBefore *time.Time
	DisputedBefore       *time.Time
	Limit                int
}

// AuctionStore persists auctions. Update is a compare-and-swap on Version:
// it fails with ErrVersionConflict unless the stored version equals
// expectedVersion, and returns the row with Version = expectedVersion+1.
type AuctionStore interface {
	Create(ctx context.Context, a Auction) error
	GetByID(ctx context.Context, id string) (Auction, error)
	Update(ctx context.Context, a Auction, expectedVersion int64) (Auction, error)
	List(ctx context.Context, f AuctionFilter) ([]Auction, error)
	ListArchivable(ctx context.Context, before time.Time, limit int) ([]Auction, error)
	MarkArchived(ctx context.Context, ids []string, at time.Time) error
}

// BidStore reads the append-only bid trail. Bids are written only through
// Ledger.AdmitBid.
type BidStore interface {
	GetByID(ctx context.Context, id string) (Bid, error)
	ListByAuction(ctx context.Context, auctionID string, opts ListOpts) ([]Bid, error)
	Highest(ctx context.Context, auctionID string) (Bid, error)
}

// TransactionStore persists settlement records. Create fails with
// ErrAlreadyExists when the auction already has a transaction. Update has the
// same compare-and-swap contract as AuctionStore.Update.
type TransactionStore interface {
	Create(ctx context.Context, t Transaction) error
	GetByID(ctx context.Context, id string) (Transaction, error)
	GetByAuction(ctx context.Context, auctionID string) (Transaction, error)
	Update(ctx context.Context, t Transaction, expectedVersion int64) (Transaction, error)
	List(ctx context.Context, f TransactionFilter) ([]Transaction, error)
	ListArchivable(ctx context.Context, before time.Time, limit int) ([]Transaction, error)
	MarkArchived(ctx context.Context, ids []string, at time.Time) error
}

// Ledger groups the stores and the multi-row units of work that must commit
// atomically.
type Ledger interface {
	Auctions() AuctionStore
	Bids() BidStore
	Transactions() TransactionStore
	// AdmitBid appends bid and writes a (already carrying the new price,
	// bid count and possibly status) in one commit, guarded by
	// expectedVersion. Nothing is written on conflict.
	AdmitBid(ctx context.Context, a Auction, expectedVersion int64, bid Bid) (Auction, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}
