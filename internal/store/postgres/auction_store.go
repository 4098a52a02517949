package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/marketcore/internal/domain"
)

// AuctionStore implements domain.AuctionStore using PostgreSQL.
type AuctionStore struct {
	db querier
}

// NewAuctionStore creates an AuctionStore backed by the given pool.
func NewAuctionStore(pool *pgxpool.Pool) *AuctionStore {
	return &AuctionStore{db: pool}
}

const auctionSelectCols = `id, item_id, seller_id, category,
	starting_price::text, buy_now_price::text, current_price::text, min_increment::text,
	buyer_commission_rate::text, seller_commission_rate::text, inspection_window_seconds,
	start_time, end_time, status, bid_count, high_bid_id, high_bidder_id, winning_bid_id,
	ended_at, cancelled_at, cancel_reason, archived_at, version, created_at, updated_at`

func scanAuction(row rowScanner) (domain.Auction, error) {
	var (
		a                             domain.Auction
		start, current, inc           string
		buyerRate, sellerRate, status string
		buyNow                        *string
		window                        int64
	)
	err := row.Scan(
		&a.ID, &a.ItemID, &a.SellerID, &a.Category,
		&start, &buyNow, &current, &inc,
		&buyerRate, &sellerRate, &window,
		&a.StartTime, &a.EndTime, &status, &a.BidCount, &a.HighBidID, &a.HighBidderID, &a.WinningBidID,
		&a.EndedAt, &a.CancelledAt, &a.CancelReason, &a.ArchivedAt, &a.Version, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return domain.Auction{}, err
	}

	if a.StartingPrice, err = parseNum("starting_price", start); err != nil {
		return domain.Auction{}, err
	}
	if a.BuyNowPrice, err = parseNumPtr("buy_now_price", buyNow); err != nil {
		return domain.Auction{}, err
	}
	if a.CurrentPrice, err = parseNum("current_price", current); err != nil {
		return domain.Auction{}, err
	}
	if a.MinIncrement, err = parseNum("min_increment", inc); err != nil {
		return domain.Auction{}, err
	}
	if a.BuyerCommissionRate, err = parseNum("buyer_commission_rate", buyerRate); err != nil {
		return domain.Auction{}, err
	}
	if a.SellerCommissionRate, err = parseNum("seller_commission_rate", sellerRate); err != nil {
		return domain.Auction{}, err
	}
	a.InspectionWindow = time.Duration(window) * time.Second
	a.Status = domain.AuctionStatus(status)
	a.StartTime, a.EndTime = a.StartTime.UTC(), a.EndTime.UTC()
	a.CreatedAt, a.UpdatedAt = a.CreatedAt.UTC(), a.UpdatedAt.UTC()
	a.EndedAt, a.CancelledAt, a.ArchivedAt = utcPtr(a.EndedAt), utcPtr(a.CancelledAt), utcPtr(a.ArchivedAt)
	return a, nil
}

// Create inserts a new auction.
func (s *AuctionStore) Create(ctx context.Context, a domain.Auction) error {
	const query = `
		INSERT INTO auctions (
			id, item_id, seller_id, category,
			starting_price, buy_now_price, current_price, min_increment,
			buyer_commission_rate, seller_commission_rate, inspection_window_seconds,
			start_time, end_time, status, bid_count, version, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4,
			$5, $6, $7, $8,
			$9, $10, $11,
			$12, $13, $14, $15, $16, $17, $18
		)`
	_, err := s.db.Exec(ctx, query,
		a.ID, a.ItemID, a.SellerID, a.Category,
		num(a.StartingPrice), numPtr(a.BuyNowPrice), num(a.CurrentPrice), num(a.MinIncrement),
		num(a.BuyerCommissionRate), num(a.SellerCommissionRate), seconds(a.InspectionWindow),
		a.StartTime, a.EndTime, string(a.Status), a.BidCount, a.Version, a.CreatedAt, a.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: create auction %s: %w", a.ID, mapErr(err))
	}
	return nil
}

// GetByID returns the auction with id.
func (s *AuctionStore) GetByID(ctx context.Context, id string) (domain.Auction, error) {
	row := s.db.QueryRow(ctx, `SELECT `+auctionSelectCols+` FROM auctions WHERE id = $1`, id)
	a, err := scanAuction(row)
	if err != nil {
		return domain.Auction{}, fmt.Errorf("postgres: get auction %s: %w", id, mapErr(err))
	}
	return a, nil
}

// Update writes the mutable auction fields when the stored version equals
// expectedVersion.
func (s *AuctionStore) Update(ctx context.Context, a domain.Auction, expectedVersion int64) (domain.Auction, error) {
	return updateAuction(ctx, s.db, a, expectedVersion)
}

func updateAuction(ctx context.Context, db querier, a domain.Auction, expectedVersion int64) (domain.Auction, error) {
	const query = `
		UPDATE auctions SET
			current_price = $3, status = $4, bid_count = $5,
			high_bid_id = $6, high_bidder_id = $7, winning_bid_id = $8,
			ended_at = $9, cancelled_at = $10, cancel_reason = $11,
			version = version + 1, updated_at = $12
		WHERE id = $1 AND version = $2
		RETURNING ` + auctionSelectCols

	row := db.QueryRow(ctx, query,
		a.ID, expectedVersion,
		num(a.CurrentPrice), string(a.Status), a.BidCount,
		a.HighBidID, a.HighBidderID, a.WinningBidID,
		a.EndedAt, a.CancelledAt, a.CancelReason,
		a.UpdatedAt,
	)
	saved, err := scanAuction(row)
	if err == nil {
		return saved, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return domain.Auction{}, fmt.Errorf("postgres: update auction %s: %w", a.ID, mapErr(err))
	}
	// No row matched: either the auction is gone or the version moved.
	var exists bool
	if err := db.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM auctions WHERE id = $1)`, a.ID).Scan(&exists); err != nil {
		return domain.Auction{}, fmt.Errorf("postgres: update auction %s: %w", a.ID, err)
	}
	if !exists {
		return domain.Auction{}, fmt.Errorf("postgres: update auction %s: %w", a.ID, domain.ErrNotFound)
	}
	return domain.Auction{}, fmt.Errorf("postgres: update auction %s: %w", a.ID, domain.ErrVersionConflict)
}

// List returns auctions matching f ordered by end time.
func (s *AuctionStore) List(ctx context.Context, f domain.AuctionFilter) ([]domain.Auction, error) {
	query := `SELECT ` + auctionSelectCols + ` FROM auctions WHERE 1=1`
	args := []any{}
	argIdx := 1

	add := func(cond string, v any) {
		query += fmt.Sprintf(" AND "+cond, argIdx)
		args = append(args, v)
		argIdx++
	}
	if f.Status != "" {
		add("status = $%d", string(f.Status))
	}
	if f.SellerID != "" {
		add("seller_id = $%d", f.SellerID)
	}
	if f.StartBefore != nil {
		add("start_time <= $%d", *f.StartBefore)
	}
	if f.EndBefore != nil {
		add("end_time <= $%d", *f.EndBefore)
	}
	if f.EndAfter != nil {
		add("end_time > $%d", *f.EndAfter)
	}
	if f.WithBids {
		query += " AND bid_count > 0"
	}
	query += " ORDER BY end_time, id"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, f.Limit)
	}
	return s.query(ctx, "list auctions", query, args...)
}

// ListArchivable returns closed, unarchived auctions last touched before before.
func (s *AuctionStore) ListArchivable(ctx context.Context, before time.Time, limit int) ([]domain.Auction, error) {
	const query = `SELECT ` + auctionSelectCols + ` FROM auctions
		WHERE archived_at IS NULL AND updated_at < $1
		  AND (status IN ('SETTLED', 'CANCELLED') OR (status = 'ENDED' AND bid_count = 0))
		ORDER BY updated_at
		LIMIT $2`
	if limit <= 0 {
		limit = 500
	}
	return s.query(ctx, "list archivable auctions", query, before, limit)
}

// MarkArchived stamps archived_at without bumping the version.
func (s *AuctionStore) MarkArchived(ctx context.Context, ids []string, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := s.db.Exec(ctx, `UPDATE auctions SET archived_at = $2 WHERE id = ANY($1)`, ids, at); err != nil {
		return fmt.Errorf("postgres: mark auctions archived: %w", err)
	}
	return nil
}

func (s *AuctionStore) query(ctx context.Context, op, query string, args ...any) ([]domain.Auction, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: %s: %w", op, err)
	}
	defer rows.Close()

	var out []domain.Auction
	for rows.Next() {
		a, err := scanAuction(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: %s: scan: %w", op, err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: %s rows: %w", op, err)
	}
	return out, nil
}
