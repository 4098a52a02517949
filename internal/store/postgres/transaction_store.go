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

// TransactionStore implements domain.TransactionStore using PostgreSQL. The
// unique auction_id column enforces one transaction per auction.
type TransactionStore struct {
	db querier
}

// NewTransactionStore creates a TransactionStore backed by the given pool.
func NewTransactionStore(pool *pgxpool.Pool) *TransactionStore {
	return &TransactionStore{db: pool}
}

const txSelectCols = `id, COALESCE(auction_id, ''), bid_id, item_id, buyer_id, seller_id, category,
	item_price::text, buyer_commission::text, seller_commission::text, total_amount::text,
	inspection_window_seconds, status,
	payment_due_at, escrow_held_at, shipped_at, delivered_at, inspection_started_at, inspection_ends_at,
	completed_at, disputed_at, refunded_at, cancelled_at,
	tracking_carrier, tracking_number, payment_ref, dispute_reason, release_reason, cancel_reason,
	resolution_outcome, resolution_notes, resolved_by, resolved_at,
	archived_at, version, created_at, updated_at`

func scanTransaction(row rowScanner) (domain.Transaction, error) {
	var (
		t                                 domain.Transaction
		price, buyerComm, sellerComm, tot string
		window                            int64
		status, release, outcome          string
	)
	err := row.Scan(
		&t.ID, &t.AuctionID, &t.BidID, &t.ItemID, &t.BuyerID, &t.SellerID, &t.Category,
		&price, &buyerComm, &sellerComm, &tot,
		&window, &status,
		&t.PaymentDueAt, &t.EscrowHeldAt, &t.ShippedAt, &t.DeliveredAt, &t.InspectionStartedAt, &t.InspectionEndsAt,
		&t.CompletedAt, &t.DisputedAt, &t.RefundedAt, &t.CancelledAt,
		&t.TrackingCarrier, &t.TrackingNumber, &t.PaymentRef, &t.DisputeReason, &release, &t.CancelReason,
		&outcome, &t.ResolutionNotes, &t.ResolvedBy, &t.ResolvedAt,
		&t.ArchivedAt, &t.Version, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return domain.Transaction{}, err
	}

	if t.ItemPrice, err = parseNum("item_price", price); err != nil {
		return domain.Transaction{}, err
	}
	if t.BuyerCommission, err = parseNum("buyer_commission", buyerComm); err != nil {
		return domain.Transaction{}, err
	}
	if t.SellerCommission, err = parseNum("seller_commission", sellerComm); err != nil {
		return domain.Transaction{}, err
	}
	if t.TotalAmount, err = parseNum("total_amount", tot); err != nil {
		return domain.Transaction{}, err
	}
	t.InspectionWindow = time.Duration(window) * time.Second
	t.Status = domain.TransactionStatus(status)
	t.ReleaseReason = domain.ReleaseReason(release)
	t.ResolutionOutcome = domain.DisputeOutcome(outcome)
	t.CreatedAt, t.UpdatedAt = t.CreatedAt.UTC(), t.UpdatedAt.UTC()
	for _, p := range []**time.Time{
		&t.PaymentDueAt, &t.EscrowHeldAt, &t.ShippedAt, &t.DeliveredAt, &t.InspectionStartedAt,
		&t.InspectionEndsAt, &t.CompletedAt, &t.DisputedAt, &t.RefundedAt, &t.CancelledAt,
		&t.ResolvedAt, &t.ArchivedAt,
	} {
		*p = utcPtr(*p)
	}
	return t, nil
}

// Create inserts t. A second transaction for the same auction fails with
// domain.ErrAlreadyExists.
func (s *TransactionStore) Create(ctx context.Context, t domain.Transaction) error {
	var auctionID *string
	if t.AuctionID != "" {
		auctionID = &t.AuctionID
	}
	const query = `
		INSERT INTO transactions (
			id, auction_id, bid_id, item_id, buyer_id, seller_id, category,
			item_price, buyer_commission, seller_commission, total_amount,
			inspection_window_seconds, status, payment_due_at, escrow_held_at, payment_ref,
			version, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7,
			$8, $9, $10, $11,
			$12, $13, $14, $15, $16,
			$17, $18, $19
		)`
	_, err := s.db.Exec(ctx, query,
		t.ID, auctionID, t.BidID, t.ItemID, t.BuyerID, t.SellerID, t.Category,
		num(t.ItemPrice), num(t.BuyerCommission), num(t.SellerCommission), num(t.TotalAmount),
		seconds(t.InspectionWindow), string(t.Status), t.PaymentDueAt, t.EscrowHeldAt, t.PaymentRef,
		t.Version, t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: create transaction %s: %w", t.ID, mapErr(err))
	}
	return nil
}

// GetByID returns one transaction.
func (s *TransactionStore) GetByID(ctx context.Context, id string) (domain.Transaction, error) {
	t, err := scanTransaction(s.db.QueryRow(ctx, `SELECT `+txSelectCols+` FROM transactions WHERE id = $1`, id))
	if err != nil {
		return domain.Transaction{}, fmt.Errorf("postgres: get transaction %s: %w", id, mapErr(err))
	}
	return t, nil
}

// GetByAuction returns the transaction opened for auctionID.
func (s *TransactionStore) GetByAuction(ctx context.Context, auctionID string) (domain.Transaction, error) {
	t, err := scanTransaction(s.db.QueryRow(ctx, `SELECT `+txSelectCols+` FROM transactions WHERE auction_id = $1`, auctionID))
	if err != nil {
		return domain.Transaction{}, fmt.Errorf("postgres: transaction for auction %s: %w", auctionID, mapErr(err))
	}
	return t, nil
}

// Update writes the mutable settlement fields when the stored version equals
// expectedVersion.
func (s *TransactionStore) Update(ctx context.Context, t domain.Transaction, expectedVersion int64) (domain.Transaction, error) {
	const query = `
		UPDATE transactions SET
			status = $3, payment_due_at = $4, escrow_held_at = $5, shipped_at = $6,
			delivered_at = $7, inspection_started_at = $8, inspection_ends_at = $9,
			completed_at = $10, disputed_at = $11, refunded_at = $12, cancelled_at = $13,
			tracking_carrier = $14, tracking_number = $15, payment_ref = $16,
			dispute_reason = $17, release_reason = $18, cancel_reason = $19,
			resolution_outcome = $20, resolution_notes = $21, resolved_by = $22, resolved_at = $23,
			version = version + 1, updated_at = $24
		WHERE id = $1 AND version = $2
		RETURNING ` + txSelectCols

	row := s.db.QueryRow(ctx, query,
		t.ID, expectedVersion,
		string(t.Status), t.PaymentDueAt, t.EscrowHeldAt, t.ShippedAt,
		t.DeliveredAt, t.InspectionStartedAt, t.InspectionEndsAt,
		t.CompletedAt, t.DisputedAt, t.RefundedAt, t.CancelledAt,
		t.TrackingCarrier, t.TrackingNumber, t.PaymentRef,
		t.DisputeReason, string(t.ReleaseReason), t.CancelReason,
		string(t.ResolutionOutcome), t.ResolutionNotes, t.ResolvedBy, t.ResolvedAt,
		t.UpdatedAt,
	)
	saved, err := scanTransaction(row)
	if err == nil {
		return saved, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return domain.Transaction{}, fmt.Errorf("postgres: update transaction %s: %w", t.ID, mapErr(err))
	}
	var exists bool
	if err := s.db.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM transactions WHERE id = $1)`, t.ID).Scan(&exists); err != nil {
		return domain.Transaction{}, fmt.Errorf("postgres: update transaction %s: %w", t.ID, err)
	}
	if !exists {
		return domain.Transaction{}, fmt.Errorf("postgres: update transaction %s: %w", t.ID, domain.ErrNotFound)
	}
	return domain.Transaction{}, fmt.Errorf("postgres: update transaction %s: %w", t.ID, domain.ErrVersionConflict)
}

// List returns transactions matching f ordered by creation time.
func (s *TransactionStore) List(ctx context.Context, f domain.TransactionFilter) ([]domain.Transaction, error) {
	query := `SELECT ` + txSelectCols + ` FROM transactions WHERE 1=1`
	args := []any{}
	add := func(cond string, v any) {
		args = append(args, v)
		query += fmt.Sprintf(" AND "+cond, len(args))
	}
	if f.Status != "" {
		add("status = $%d", string(f.Status))
	}
	if f.BuyerID != "" {
		add("buyer_id = $%d", f.BuyerID)
	}
	if f.SellerID != "" {
		add("seller_id = $%d", f.SellerID)
	}
	if f.PaymentDueBefore != nil {
		add("payment_due_at <= $%d", *f.PaymentDueBefore)
	}
	if f.InspectionEndsBefore != nil {
		add("inspection_ends_at <= $%d", *f.InspectionEndsBefore)
	}
	if f.DisputedBefore != nil {
		add("disputed_at <= $%d", *f.DisputedBefore)
	}
	query += " ORDER BY created_at, id"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	return s.query(ctx, "list transactions", query, args...)
}

// ListArchivable returns terminal, unarchived transactions last touched before before.
func (s *TransactionStore) ListArchivable(ctx context.Context, before time.Time, limit int) ([]domain.Transaction, error) {
	const query = `SELECT ` + txSelectCols + ` FROM transactions
		WHERE archived_at IS NULL AND updated_at < $1
		  AND status IN ('COMPLETED', 'REFUNDED', 'CANCELLED')
		ORDER BY updated_at
		LIMIT $2`
	if limit <= 0 {
		limit = 500
	}
	return s.query(ctx, "list archivable transactions", query, before, limit)
}

// MarkArchived stamps archived_at without bumping the version.
func (s *TransactionStore) MarkArchived(ctx context.Context, ids []string, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := s.db.Exec(ctx, `UPDATE transactions SET archived_at = $2 WHERE id = ANY($1)`, ids, at); err != nil {
		return fmt.Errorf("postgres: mark transactions archived: %w", err)
	}
	return nil
}

func (s *TransactionStore) query(ctx context.Context, op, query string, args ...any) ([]domain.Transaction, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: %s: %w", op, err)
	}
	defer rows.Close()

	var out []domain.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: %s: scan: %w", op, err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: %s rows: %w", op, err)
	}
	return out, nil
}
