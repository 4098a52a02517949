package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/marketcore/internal/domain"
)

// Ledger implements domain.Ledger on one connection pool.
type Ledger struct {
	pool         *pgxpool.Pool
	auctions     *AuctionStore
	bids         *BidStore
	transactions *TransactionStore
}

// NewLedger creates a Ledger backed by the given pool.
func NewLedger(pool *pgxpool.Pool) *Ledger {
	return &Ledger{
		pool:         pool,
		auctions:     NewAuctionStore(pool),
		bids:         NewBidStore(pool),
		transactions: NewTransactionStore(pool),
	}
}

// Auctions returns the auction store.
func (l *Ledger) Auctions() domain.AuctionStore { return l.auctions }

// Bids returns the bid store.
func (l *Ledger) Bids() domain.BidStore { return l.bids }

// Transactions returns the transaction store.
func (l *Ledger) Transactions() domain.TransactionStore { return l.transactions }

// AdmitBid writes the auction under its version guard and appends the bid in
// the same database transaction. A conflict rolls back both writes.
func (l *Ledger) AdmitBid(ctx context.Context, a domain.Auction, expectedVersion int64, bid domain.Bid) (domain.Auction, error) {
	var saved domain.Auction
	err := pgx.BeginFunc(ctx, l.pool, func(tx pgx.Tx) error {
		var err error
		saved, err = updateAuction(ctx, tx, a, expectedVersion)
		if err != nil {
			return err
		}
		return insertBid(ctx, tx, bid)
	})
	if err != nil {
		return domain.Auction{}, fmt.Errorf("postgres: admit bid on %s: %w", a.ID, err)
	}
	return saved, nil
}

var _ domain.Ledger = (*Ledger)(nil)
