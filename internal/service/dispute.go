package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/alanyoungcy/marketcore/internal/clock"
	"github.com/alanyoungcy/marketcore/internal/domain"
)

// SystemResolver is recorded as the resolver of rule-driven rulings.
const SystemResolver = "system"

// DisputeService arbitrates DISPUTED transactions. It is the only component
// that can move a transaction out of DISPUTED.
type DisputeService struct {
	settlement *SettlementService
	txns       domain.TransactionStore
	clock      clock.Clock
	// autoRefundAfter refunds disputes left open this long. Zero disables it.
	autoRefundAfter time.Duration
	logger          *slog.Logger
}

// NewDisputeService creates a DisputeService.
func NewDisputeService(settlement *SettlementService, ledger domain.Ledger, clk clock.Clock, autoRefundAfter time.Duration, logger *slog.Logger) *DisputeService {
	return &DisputeService{
		settlement:      settlement,
		txns:            ledger.Transactions(),
		clock:           clk,
		autoRefundAfter: autoRefundAfter,
		logger:          logger.With(slog.String("component", "dispute")),
	}
}

// ParseOutcome accepts "seller" or "buyer" in any case.
func ParseOutcome(s string) (domain.DisputeOutcome, error) {
	switch o := domain.DisputeOutcome(strings.ToUpper(strings.TrimSpace(s))); o {
	case domain.OutcomeSeller, domain.OutcomeBuyer:
		return o, nil
	}
	return "", domain.Invalid("outcome", fmt.Sprintf("must be SELLER or BUYER, got %q", s))
}

// Resolve rules on a dispute: SELLER completes the transaction and releases
// escrow, BUYER refunds it. Resolving a transaction that is not DISPUTED,
// including one already resolved, fails with a TransitionError.
func (d *DisputeService) Resolve(ctx context.Context, id string, outcome domain.DisputeOutcome, notes, resolvedBy string, opts ...TransitionOption) (domain.Transaction, error) {
	if outcome != domain.OutcomeSeller && outcome != domain.OutcomeBuyer {
		return domain.Transaction{}, fmt.Errorf("dispute: resolve %s: %w",
			id, domain.Invalid("outcome", fmt.Sprintf("must be SELLER or BUYER, got %q", outcome)))
	}
	if resolvedBy == "" {
		resolvedBy = SystemResolver
	}
	t, err := d.settlement.resolve(ctx, id, outcome, strings.TrimSpace(notes), resolvedBy, opts)
	if err != nil {
		return t, err
	}
	d.logger.InfoContext(ctx, "dispute resolved",
		slog.String("transaction_id", id),
		slog.String("outcome", string(outcome)),
		slog.String("resolved_by", resolvedBy),
	)
	return t, nil
}

// ApplyRules refunds disputes older than the auto-refund threshold and
// returns how many were resolved. Disputes resolved concurrently are skipped.
func (d *DisputeService) ApplyRules(ctx context.Context, limit int) (int, error) {
	if d.autoRefundAfter <= 0 {
		return 0, nil
	}
	cutoff := d.clock.Now().Add(-d.autoRefundAfter)
	stale, err := d.txns.List(ctx, domain.TransactionFilter{
		Status:         domain.TxDisputed,
		DisputedBefore: &cutoff,
		Limit:          limit,
	})
	if err != nil {
		return 0, fmt.Errorf("dispute: list stale disputes: %w", err)
	}

	resolved := 0
	for _, t := range stale {
		notes := fmt.Sprintf("auto-refund: unresolved for more than %s", d.autoRefundAfter)
		_, err := d.Resolve(ctx, t.ID, domain.OutcomeBuyer, notes, SystemResolver, IfVersion(t.Version))
		switch {
		case err == nil:
			resolved++
		case errors.Is(err, domain.ErrVersionConflict), errors.Is(err, domain.ErrInvalidState):
			d.logger.DebugContext(ctx, "dispute moved before rule applied", slog.String("transaction_id", t.ID))
		default:
			return resolved, err
		}
	}
	return resolved, nil
}
