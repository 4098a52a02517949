// Package service implements the auction bidding and escrow settlement
// engine: bid admission, the auction lifecycle, the settlement state machine
// and dispute resolution. All state goes through a domain.Ledger.
package service

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/marketcore/internal/domain"
)

// DefaultMaxAttempts bounds read-validate-write loops when no limit is configured.
const DefaultMaxAttempts = 3

// Terms are the commercial parameters of a goods category.
type Terms struct {
	BuyerRate        decimal.Decimal
	SellerRate       decimal.Decimal
	MinIncrement     decimal.Decimal
	InspectionWindow time.Duration
}

// TermsFunc resolves the terms for a category name.
type TermsFunc func(category string) Terms

// StaticTerms returns a TermsFunc that ignores the category.
func StaticTerms(t Terms) TermsFunc {
	return func(string) Terms { return t }
}

// nopPublisher drops events.
type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, domain.Event) {}

func publisherOrNop(p domain.EventPublisher) domain.EventPublisher {
	if p == nil {
		return nopPublisher{}
	}
	return p
}

func newEvent(typ domain.EventType, now time.Time) domain.Event {
	return domain.Event{ID: uuid.NewString(), Type: typ, OccurredAt: now}
}

// audit writes a best-effort audit entry; failures are logged, not returned.
func audit(ctx context.Context, store domain.AuditStore, logger *slog.Logger, event string, detail map[string]any) {
	if store == nil {
		return
	}
	if err := store.Log(ctx, event, detail); err != nil {
		logger.WarnContext(ctx, "audit log failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}

func normalizeCategory(c string) string {
	c = strings.ToLower(strings.TrimSpace(c))
	if c == "" {
		return "general"
	}
	return c
}

func attempts(n int) int {
	if n < 1 {
		return DefaultMaxAttempts
	}
	return n
}

func timePtr(t time.Time) *time.Time { return &t }
