package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/marketcore/internal/domain"
)

// BidStore implements domain.BidStore using PostgreSQL. Bids are inserted
// only by Ledger.AdmitBid.
type BidStore struct {
	db querier
}

// NewBidStore creates a BidStore backed by the given pool.
func NewBidStore(pool *pgxpool.Pool) *BidStore {
	return &BidStore{db: pool}
}

const bidSelectCols = `id, auction_id, bidder_id, amount::text, sequence, placed_at`

func scanBid(row rowScanner) (domain.Bid, error) {
	var (
		b      domain.Bid
		amount string
	)
	if err := row.Scan(&b.ID, &b.AuctionID, &b.BidderID, &amount, &b.Sequence, &b.PlacedAt); err != nil {
		return domain.Bid{}, err
	}
	var err error
	if b.Amount, err = parseNum("amount", amount); err != nil {
		return domain.Bid{}, err
	}
	b.PlacedAt = b.PlacedAt.UTC()
	return b, nil
}

func insertBid(ctx context.Context, db querier, b domain.Bid) error {
	const query = `
		INSERT INTO bids (id, auction_id, bidder_id, amount, sequence, placed_at)
		VALUES ($1, $2, $3, $4, $5, $6)`
	_, err := db.Exec(ctx, query, b.ID, b.AuctionID, b.BidderID, num(b.Amount), b.Sequence, b.PlacedAt)
	if err != nil {
		return fmt.Errorf("postgres: insert bid %s: %w", b.ID, mapErr(err))
	}
	return nil
}

// GetByID returns one bid.
func (s *BidStore) GetByID(ctx context.Context, id string) (domain.Bid, error) {
	b, err := scanBid(s.db.QueryRow(ctx, `SELECT `+bidSelectCols+` FROM bids WHERE id = $1`, id))
	if err != nil {
		return domain.Bid{}, fmt.Errorf("postgres: get bid %s: %w", id, mapErr(err))
	}
	return b, nil
}

// ListByAuction returns the bid trail in sequence order.
func (s *BidStore) ListByAuction(ctx context.Context, auctionID string, opts domain.ListOpts) ([]domain.Bid, error) {
	query := `SELECT ` + bidSelectCols + ` FROM bids WHERE auction_id = $1 ORDER BY sequence`
	args := []any{auctionID}
	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", len(args)+1)
		args = append(args, opts.Limit)
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", len(args)+1)
		args = append(args, opts.Offset)
	}

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list bids for %s: %w", auctionID, err)
	}
	defer rows.Close()

	var out []domain.Bid
	for rows.Next() {
		b, err := scanBid(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan bid: %w", err)
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list bids rows: %w", err)
	}
	return out, nil
}

// Highest returns the bid with the largest sequence number.
func (s *BidStore) Highest(ctx context.Context, auctionID string) (domain.Bid, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+bidSelectCols+` FROM bids WHERE auction_id = $1 ORDER BY sequence DESC LIMIT 1`, auctionID)
	b, err := scanBid(row)
	if err != nil {
		return domain.Bid{}, fmt.Errorf("postgres: highest bid for %s: %w", auctionID, mapErr(err))
	}
	return b, nil
}
