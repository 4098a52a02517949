package service

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alanyoungcy/marketcore/internal/domain"
)

func TestParseOutcome(t *testing.T) {
	tests := []struct {
		in      string
		want    domain.DisputeOutcome
		wantErr bool
	}{
		{"seller", domain.OutcomeSeller, false},
		{" BUYER ", domain.OutcomeBuyer, false},
		{"split", "", true},
	}
	for _, tt := range tests {
		got, err := ParseOutcome(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParseOutcome(%q) = %q, %v", tt.in, got, err)
		}
	}
}

func TestApplyRulesRefundsStaleDisputes(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)
	e.disputes = NewDisputeService(e.settlement, e.ledger, e.clock, 72*time.Hour,
		slog.New(slog.NewTextHandler(io.Discard, nil)))

	old := e.clock.Now()
	stale := e.seedTx(t, domain.TxDisputed, func(tx *domain.Transaction) { tx.DisputedAt = &old })
	e.clock.Advance(48 * time.Hour)
	recent := e.clock.Now()
	fresh := e.seedTx(t, domain.TxDelivered, func(tx *domain.Transaction) {
		tx.ID = "tx-fresh"
		tx.Status = domain.TxDisputed
		tx.DisputedAt = &recent
	})

	e.clock.Advance(25 * time.Hour)
	n, err := e.disputes.ApplyRules(ctx, 10)
	if err != nil || n != 1 {
		t.Fatalf("ApplyRules = %d, %v; want 1", n, err)
	}
	got, _ := e.settlement.GetTransactionState(ctx, stale.ID)
	if got.Status != domain.TxRefunded || got.ResolvedBy != SystemResolver {
		t.Fatalf("stale dispute = %s by %q", got.Status, got.ResolvedBy)
	}
	still, _ := e.settlement.GetTransactionState(ctx, fresh.ID)
	if still.Status != domain.TxDisputed {
		t.Fatalf("fresh dispute = %s, want DISPUTED", still.Status)
	}

	n, _ = e.disputes.ApplyRules(ctx, 10)
	if n != 0 {
		t.Fatalf("second pass resolved %d, want 0", n)
	}
}
