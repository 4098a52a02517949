// Package memory is an in-process Ledger with the same versioning contract as
// the postgres store. It backs tests and the "memory" ledger driver.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/marketcore/internal/domain"
)

// Ledger holds every entity behind one RWMutex.
type Ledger struct {
	mu          sync.RWMutex
	auctions    map[string]domain.Auction
	bids        map[string][]domain.Bid // auction id -> bids by sequence
	bidByID     map[string]domain.Bid
	txns        map[string]domain.Transaction
	txByAuction map[string]string
}

// NewLedger returns an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{
		auctions:    make(map[string]domain.Auction),
		bids:        make(map[string][]domain.Bid),
		bidByID:     make(map[string]domain.Bid),
		txns:        make(map[string]domain.Transaction),
		txByAuction: make(map[string]string),
	}
}

// Auctions returns the auction store view.
func (l *Ledger) Auctions() domain.AuctionStore { return &AuctionStore{l: l} }

// Bids returns the bid store view.
func (l *Ledger) Bids() domain.BidStore { return &BidStore{l: l} }

// Transactions returns the transaction store view.
func (l *Ledger) Transactions() domain.TransactionStore { return &TransactionStore{l: l} }

// AdmitBid writes the auction and appends the bid under one lock.
func (l *Ledger) AdmitBid(_ context.Context, a domain.Auction, expectedVersion int64, bid domain.Bid) (domain.Auction, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cur, ok := l.auctions[a.ID]
	if !ok {
		return domain.Auction{}, fmt.Errorf("memory: admit bid on %s: %w", a.ID, domain.ErrNotFound)
	}
	if cur.Version != expectedVersion {
		return domain.Auction{}, fmt.Errorf("memory: admit bid on %s: %w", a.ID, domain.ErrVersionConflict)
	}
	trail := l.bids[a.ID]
	if n := len(trail); n > 0 && trail[n-1].Sequence >= bid.Sequence {
		return domain.Auction{}, fmt.Errorf("memory: admit bid on %s: sequence %d: %w", a.ID, bid.Sequence, domain.ErrAlreadyExists)
	}
	if _, dup := l.bidByID[bid.ID]; dup {
		return domain.Auction{}, fmt.Errorf("memory: admit bid %s: %w", bid.ID, domain.ErrAlreadyExists)
	}

	a.Version = expectedVersion + 1
	l.auctions[a.ID] = a
	l.bids[a.ID] = append(trail, bid)
	l.bidByID[bid.ID] = bid
	return a, nil
}

// AuctionStore implements domain.AuctionStore.
type AuctionStore struct{ l *Ledger }

// Create inserts a new auction.
func (s *AuctionStore) Create(_ context.Context, a domain.Auction) error {
	s.l.mu.Lock()
	defer s.l.mu.Unlock()
	if _, ok := s.l.auctions[a.ID]; ok {
		return fmt.Errorf("memory: create auction %s: %w", a.ID, domain.ErrAlreadyExists)
	}
	s.l.auctions[a.ID] = a
	return nil
}

// GetByID returns the auction with id.
func (s *AuctionStore) GetByID(_ context.Context, id string) (domain.Auction, error) {
	s.l.mu.RLock()
	defer s.l.mu.RUnlock()
	a, ok := s.l.auctions[id]
	if !ok {
		return domain.Auction{}, fmt.Errorf("memory: get auction %s: %w", id, domain.ErrNotFound)
	}
	return a, nil
}

// Update replaces the auction when expectedVersion matches.
func (s *AuctionStore) Update(_ context.Context, a domain.Auction, expectedVersion int64) (domain.Auction, error) {
	s.l.mu.Lock()
	defer s.l.mu.Unlock()
	cur, ok := s.l.auctions[a.ID]
	if !ok {
		return domain.Auction{}, fmt.Errorf("memory: update auction %s: %w", a.ID, domain.ErrNotFound)
	}
	if cur.Version != expectedVersion {
		return domain.Auction{}, fmt.Errorf("memory: update auction %s: %w", a.ID, domain.ErrVersionConflict)
	}
	a.Version = expectedVersion + 1
	s.l.auctions[a.ID] = a
	return a, nil
}

// List returns auctions matching f ordered by end time.
func (s *AuctionStore) List(_ context.Context, f domain.AuctionFilter) ([]domain.Auction, error) {
	s.l.mu.RLock()
	defer s.l.mu.RUnlock()

	var out []domain.Auction
	for _, a := range s.l.auctions {
		if f.Status != "" && a.Status != f.Status {
			continue
		}
		if f.SellerID != "" && a.SellerID != f.SellerID {
			continue
		}
		if f.StartBefore != nil && a.StartTime.After(*f.StartBefore) {
			continue
		}
		if f.EndBefore != nil && a.EndTime.After(*f.EndBefore) {
			continue
		}
		if f.EndAfter != nil && !a.EndTime.After(*f.EndAfter) {
			continue
		}
		if f.WithBids && a.BidCount == 0 {
			continue
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].EndTime.Equal(out[j].EndTime) {
			return out[i].ID < out[j].ID
		}
		return out[i].EndTime.Before(out[j].EndTime)
	})
	return limit(out, f.Limit), nil
}

// ListArchivable returns closed, unarchived auctions last touched before before.
func (s *AuctionStore) ListArchivable(_ context.Context, before time.Time, n int) ([]domain.Auction, error) {
	s.l.mu.RLock()
	defer s.l.mu.RUnlock()

	var out []domain.Auction
	for _, a := range s.l.auctions {
		if a.ArchivedAt != nil || !a.UpdatedAt.Before(before) {
			continue
		}
		closed := a.Status == domain.AuctionSettled || a.Status == domain.AuctionCancelled ||
			(a.Status == domain.AuctionEnded && a.BidCount == 0)
		if closed {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return limit(out, n), nil
}

// MarkArchived stamps ArchivedAt without bumping the version.
func (s *AuctionStore) MarkArchived(_ context.Context, ids []string, at time.Time) error {
	s.l.mu.Lock()
	defer s.l.mu.Unlock()
	for _, id := range ids {
		if a, ok := s.l.auctions[id]; ok {
			a.ArchivedAt = &at
			s.l.auctions[id] = a
		}
	}
	return nil
}

// BidStore implements domain.BidStore.
type BidStore struct{ l *Ledger }

// GetByID returns one bid.
func (s *BidStore) GetByID(_ context.Context, id string) (domain.Bid, error) {
	s.l.mu.RLock()
	defer s.l.mu.RUnlock()
	b, ok := s.l.bidByID[id]
	if !ok {
		return domain.Bid{}, fmt.Errorf("memory: get bid %s: %w", id, domain.ErrNotFound)
	}
	return b, nil
}

// ListByAuction returns the bid trail in sequence order.
func (s *BidStore) ListByAuction(_ context.Context, auctionID string, opts domain.ListOpts) ([]domain.Bid, error) {
	s.l.mu.RLock()
	defer s.l.mu.RUnlock()
	trail := s.l.bids[auctionID]
	if opts.Offset >= len(trail) {
		return nil, nil
	}
	out := append([]domain.Bid(nil), trail[opts.Offset:]...)
	return limit(out, opts.Limit), nil
}

// Highest returns the bid with the largest sequence number.
func (s *BidStore) Highest(_ context.Context, auctionID string) (domain.Bid, error) {
	s.l.mu.RLock()
	defer s.l.mu.RUnlock()
	trail := s.l.bids[auctionID]
	if len(trail) == 0 {
		return domain.Bid{}, fmt.Errorf("memory: highest bid for %s: %w", auctionID, domain.ErrNotFound)
	}
	return trail[len(trail)-1], nil
}

// TransactionStore implements domain.TransactionStore.
type TransactionStore struct{ l *Ledger }

// Create inserts t, enforcing one transaction per auction.
func (s *TransactionStore) Create(_ context.Context, t domain.Transaction) error {
	s.l.mu.Lock()
	defer s.l.mu.Unlock()
	if _, ok := s.l.txns[t.ID]; ok {
		return fmt.Errorf("memory: create transaction %s: %w", t.ID, domain.ErrAlreadyExists)
	}
	if t.AuctionID != "" {
		if _, ok := s.l.txByAuction[t.AuctionID]; ok {
			return fmt.Errorf("memory: create transaction for auction %s: %w", t.AuctionID, domain.ErrAlreadyExists)
		}
		s.l.txByAuction[t.AuctionID] = t.ID
	}
	s.l.txns[t.ID] = t
	return nil
}

// GetByID returns one transaction.
func (s *TransactionStore) GetByID(_ context.Context, id string) (domain.Transaction, error) {
	s.l.mu.RLock()
	defer s.l.mu.RUnlock()
	t, ok := s.l.txns[id]
	if !ok {
		return domain.Transaction{}, fmt.Errorf("memory: get transaction %s: %w", id, domain.ErrNotFound)
	}
	return t, nil
}

// GetByAuction returns the transaction opened for auctionID.
func (s *TransactionStore) GetByAuction(_ context.Context, auctionID string) (domain.Transaction, error) {
	s.l.mu.RLock()
	defer s.l.mu.RUnlock()
	id, ok := s.l.txByAuction[auctionID]
	if !ok {
		return domain.Transaction{}, fmt.Errorf("memory: transaction for auction %s: %w", auctionID, domain.ErrNotFound)
	}
	return s.l.txns[id], nil
}

// Update replaces t when expectedVersion matches.
func (s *TransactionStore) Update(_ context.Context, t domain.Transaction, expectedVersion int64) (domain.Transaction, error) {
	s.l.mu.Lock()
	defer s.l.mu.Unlock()
	cur, ok := s.l.txns[t.ID]
	if !ok {
		return domain.Transaction{}, fmt.Errorf("memory: update transaction %s: %w", t.ID, domain.ErrNotFound)
	}
	if cur.Version != expectedVersion {
		return domain.Transaction{}, fmt.Errorf("memory: update transaction %s: %w", t.ID, domain.ErrVersionConflict)
	}
	t.Version = expectedVersion + 1
	s.l.txns[t.ID] = t
	return t, nil
}

// List returns transactions matching f ordered by creation time.
func (s *TransactionStore) List(_ context.Context, f domain.TransactionFilter) ([]domain.Transaction, error) {
	s.l.mu.RLock()
	defer s.l.mu.RUnlock()

	var out []domain.Transaction
	for _, t := range s.l.txns {
		if f.Status != "" && t.Status != f.Status {
			continue
		}
		if f.BuyerID != "" && t.BuyerID != f.BuyerID {
			continue
		}
		if f.SellerID != "" && t.SellerID != f.SellerID {
			continue
		}
		if !due(t.PaymentDueAt, f.PaymentDueBefore) ||
			!due(t.InspectionEndsAt, f.InspectionEndsBefore) ||
			!due(t.DisputedAt, f.DisputedBefore) {
			continue
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return limit(out, f.Limit), nil
}

// ListArchivable returns terminal, unarchived transactions last touched before before.
func (s *TransactionStore) ListArchivable(_ context.Context, before time.Time, n int) ([]domain.Transaction, error) {
	s.l.mu.RLock()
	defer s.l.mu.RUnlock()

	var out []domain.Transaction
	for _, t := range s.l.txns {
		if t.ArchivedAt == nil && t.Status.Terminal() && t.UpdatedAt.Before(before) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return limit(out, n), nil
}

// MarkArchived stamps ArchivedAt without bumping the version.
func (s *TransactionStore) MarkArchived(_ context.Context, ids []string, at time.Time) error {
	s.l.mu.Lock()
	defer s.l.mu.Unlock()
	for _, id := range ids {
		if t, ok := s.l.txns[id]; ok {
			t.ArchivedAt = &at
			s.l.txns[id] = t
		}
	}
	return nil
}

// due reports whether a nullable deadline satisfies a "<= cutoff" filter.
func due(at, cutoff *time.Time) bool {
	if cutoff == nil {
		return true
	}
	return at != nil && !at.After(*cutoff)
}

func limit[T any](in []T, n int) []T {
	if n > 0 && len(in) > n {
		return in[:n]
	}
	return in
}

var _ domain.Ledger = (*Ledger)(nil)
