// Package scheduler drives the time-based transitions of the engine: auction
// start and end, ending-soon notices, settlement resumption, payment
// expiry, inspection auto-release and dispute rules.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/marketcore/internal/clock"
	"github.com/alanyoungcy/marketcore/internal/domain"
	"github.com/alanyoungcy/marketcore/internal/service"
)

const leaderKey = "scheduler:leader"

// Options configures the scheduler.
type Options struct {
	Interval         time.Duration
	Batch            int
	EndingSoonWindow time.Duration
	// StuckNoticeEvery limits settlement-stuck notices per auction.
	StuckNoticeEvery time.Duration
}

// Report counts what one tick did.
type Report struct {
	Started    int
	EndingSoon int
	Ended      int
	Resumed    int
	Stuck      int
	Expired    int
	Released   int
	Refunded   int
}

// Scheduler runs an idempotent tick at a bounded frequency. Every step may
// race with API calls or other schedulers; an entity that has already moved
// is skipped.
type Scheduler struct {
	ledger     domain.Ledger
	lifecycle  *service.LifecycleService
	settlement *service.SettlementService
	disputes   *service.DisputeService
	events     domain.EventPublisher
	locks      domain.LockManager
	clock      clock.Clock
	dedup      *Dedup
	opts       Options
	logger     *slog.Logger
}

// New creates a Scheduler.
func New(
	ledger domain.Ledger,
	lifecycle *service.LifecycleService,
	settlement *service.SettlementService,
	disputes *service.DisputeService,
	events domain.EventPublisher,
	clk clock.Clock,
	opts Options,
	logger *slog.Logger,
) *Scheduler {
	if opts.Interval <= 0 {
		opts.Interval = 5 * time.Second
	}
	if opts.Batch <= 0 {
		opts.Batch = 200
	}
	if opts.EndingSoonWindow <= 0 {
		opts.EndingSoonWindow = 15 * time.Minute
	}
	if opts.StuckNoticeEvery <= 0 {
		opts.StuckNoticeEvery = time.Hour
	}
	return &Scheduler{
		ledger:     ledger,
		lifecycle:  lifecycle,
		settlement: settlement,
		disputes:   disputes,
		events:     events,
		clock:      clk,
		dedup:      NewDedup(clk),
		opts:       opts,
		logger:     logger.With(slog.String("component", "scheduler")),
	}
}

// WithLocks makes ticks take a leader lock and moves once-only notices to
// the shared lock manager.
func (s *Scheduler) WithLocks(l domain.LockManager) *Scheduler {
	s.locks = l
	return s
}

// Run ticks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("scheduler started", slog.Duration("interval", s.opts.Interval))
	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return ctx.Err()
		case <-ticker.C:
			rep, err := s.Tick(ctx)
			if err != nil {
				s.logger.Error("scheduler tick failed", slog.String("error", err.Error()))
			}
			if rep != (Report{}) {
				s.logger.Info("scheduler tick",
					slog.Int("started", rep.Started),
					slog.Int("ending_soon", rep.EndingSoon),
					slog.Int("ended", rep.Ended),
					slog.Int("resumed", rep.Resumed),
					slog.Int("stuck", rep.Stuck),
					slog.Int("expired", rep.Expired),
					slog.Int("released", rep.Released),
					slog.Int("refunded", rep.Refunded),
				)
			}
		}
	}
}

// Tick runs every step once. When another process holds the leader lock the
// tick is skipped. Step errors are joined; one failing step does not stop
// the others.
func (s *Scheduler) Tick(ctx context.Context) (Report, error) {
	if s.locks != nil {
		unlock, err := s.locks.Acquire(ctx, leaderKey, 2*s.opts.Interval)
		switch {
		case errors.Is(err, domain.ErrLockHeld):
			return Report{}, nil
		case err != nil:
			s.logger.Warn("leader lock unavailable, ticking anyway", slog.String("error", err.Error()))
		default:
			defer unlock()
		}
	}
	s.dedup.Cleanup()

	var rep Report
	errs := []error{
		s.startDue(ctx, &rep),
		s.endingSoon(ctx, &rep),
		s.endDue(ctx, &rep),
		s.resumeSettlement(ctx, &rep),
		s.expirePayments(ctx, &rep),
		s.autoRelease(ctx, &rep),
	}
	n, err := s.disputes.ApplyRules(ctx, s.opts.Batch)
	rep.Refunded = n
	errs = append(errs, err)
	return rep, errors.Join(errs...)
}

func (s *Scheduler) startDue(ctx context.Context, rep *Report) error {
	now := s.clock.Now()
	due, err := s.ledger.Auctions().List(ctx, domain.AuctionFilter{
		Status:      domain.AuctionScheduled,
		StartBefore: &now,
		Limit:       s.opts.Batch,
	})
	if err != nil {
		return fmt.Errorf("scheduler: list auctions to start: %w", err)
	}
	for _, a := range due {
		if _, err := s.lifecycle.Start(ctx, a.ID); err != nil {
			if err := s.skip(ctx, "start", a.ID, err); err != nil {
				return err
			}
			continue
		}
		rep.Started++
	}
	return nil
}

func (s *Scheduler) endingSoon(ctx context.Context, rep *Report) error {
	now := s.clock.Now()
	horizon := now.Add(s.opts.EndingSoonWindow)
	live, err := s.ledger.Auctions().List(ctx, domain.AuctionFilter{
		Status:    domain.AuctionLive,
		EndBefore: &horizon,
		EndAfter:  &now,
		Limit:     s.opts.Batch,
	})
	if err != nil {
		return fmt.Errorf("scheduler: list auctions ending soon: %w", err)
	}
	for _, a := range live {
		if !s.once(ctx, "ending-soon:"+a.ID, s.opts.EndingSoonWindow+time.Hour) {
			continue
		}
		s.lifecycle.NotifyEndingSoon(ctx, a)
		rep.EndingSoon++
	}
	return nil
}

func (s *Scheduler) endDue(ctx context.Context, rep *Report) error {
	now := s.clock.Now()
	due, err := s.ledger.Auctions().List(ctx, domain.AuctionFilter{
		Status:    domain.AuctionLive,
		EndBefore: &now,
		Limit:     s.opts.Batch,
	})
	if err != nil {
		return fmt.Errorf("scheduler: list auctions to end: %w", err)
	}
	for _, a := range due {
		if _, err := s.lifecycle.End(ctx, a.ID); err != nil {
			if err := s.skip(ctx, "end", a.ID, err); err != nil {
				return err
			}
			continue
		}
		rep.Ended++
	}
	return nil
}

// resumeSettlement finishes auctions left ENDED with a winner or SETTLING
// without a transaction, for example after a crash between steps.
func (s *Scheduler) resumeSettlement(ctx context.Context, rep *Report) error {
	ended, err := s.ledger.Auctions().List(ctx, domain.AuctionFilter{
		Status:   domain.AuctionEnded,
		WithBids: true,
		Limit:    s.opts.Batch,
	})
	if err != nil {
		return fmt.Errorf("scheduler: list ended auctions: %w", err)
	}
	settling, err := s.ledger.Auctions().List(ctx, domain.AuctionFilter{
		Status: domain.AuctionSettling,
		Limit:  s.opts.Batch,
	})
	if err != nil {
		return fmt.Errorf("scheduler: list settling auctions: %w", err)
	}

	for _, a := range append(ended, settling...) {
		if a.Status == domain.AuctionSettling {
			_, err := s.ledger.Transactions().GetByAuction(ctx, a.ID)
			if err == nil {
				continue // waiting on payment
			}
			if !errors.Is(err, domain.ErrNotFound) {
				return fmt.Errorf("scheduler: transaction for %s: %w", a.ID, err)
			}
		}
		if _, err := s.lifecycle.Settle(ctx, a.ID); err != nil {
			if benign(err) {
				s.logger.DebugContext(ctx, "settle skipped", slog.String("auction_id", a.ID), slog.String("error", err.Error()))
				continue
			}
			s.stuck(ctx, a, err, rep)
			continue
		}
		rep.Resumed++
	}
	return nil
}

// stuck reports an auction whose settlement keeps failing.
func (s *Scheduler) stuck(ctx context.Context, a domain.Auction, cause error, rep *Report) {
	s.logger.ErrorContext(ctx, "settlement stuck",
		slog.String("auction_id", a.ID),
		slog.String("status", string(a.Status)),
		slog.String("error", cause.Error()),
	)
	rep.Stuck++
	if s.events == nil || !s.once(ctx, "stuck:"+a.ID, s.opts.StuckNoticeEvery) {
		return
	}
	s.events.Publish(ctx, domain.Event{
		ID:         uuid.NewString(),
		Type:       domain.EventSettlementStuck,
		AuctionID:  a.ID,
		OccurredAt: s.clock.Now(),
		Data: map[string]any{
			"status": string(a.Status),
			"error":  cause.Error(),
		},
	})
}

func (s *Scheduler) expirePayments(ctx context.Context, rep *Report) error {
	now := s.clock.Now()
	overdue, err := s.ledger.Transactions().List(ctx, domain.TransactionFilter{
		Status:           domain.TxPending,
		PaymentDueBefore: &now,
		Limit:            s.opts.Batch,
	})
	if err != nil {
		return fmt.Errorf("scheduler: list overdue payments: %w", err)
	}
	for _, t := range overdue {
		if _, err := s.settlement.ExpirePayment(ctx, t.ID); err != nil {
			if err := s.skip(ctx, "expire_payment", t.ID, err); err != nil {
				return err
			}
			continue
		}
		rep.Expired++
	}
	return nil
}

func (s *Scheduler) autoRelease(ctx context.Context, rep *Report) error {
	now := s.clock.Now()
	expired, err := s.ledger.Transactions().List(ctx, domain.TransactionFilter{
		Status:               domain.TxDelivered,
		InspectionEndsBefore: &now,
		Limit:                s.opts.Batch,
	})
	if err != nil {
		return fmt.Errorf("scheduler: list expired inspections: %w", err)
	}
	for _, t := range expired {
		if _, err := s.settlement.AutoRelease(ctx, t.ID); err != nil {
			if err := s.skip(ctx, "auto_release", t.ID, err); err != nil {
				return err
			}
			continue
		}
		rep.Released++
	}
	return nil
}

// once reports whether this caller claimed key. Without a lock manager, or
// when it fails, the in-process Dedup decides.
func (s *Scheduler) once(ctx context.Context, key string, ttl time.Duration) bool {
	if s.locks != nil {
		ok, err := s.locks.Once(ctx, key, ttl)
		if err == nil {
			return ok
		}
		s.logger.Warn("once guard unavailable", slog.String("key", key), slog.String("error", err.Error()))
	}
	return !s.dedup.IsDuplicate(key, ttl)
}

// skip logs an entity that moved underneath the scheduler. Other errors are
// returned.
func (s *Scheduler) skip(ctx context.Context, step, id string, err error) error {
	if benign(err) || errors.Is(err, domain.ErrNotFound) {
		s.logger.DebugContext(ctx, "step skipped",
			slog.String("step", step),
			slog.String("id", id),
			slog.String("error", err.Error()),
		)
		return nil
	}
	return fmt.Errorf("scheduler: %s %s: %w", step, id, err)
}

func benign(err error) bool {
	return errors.Is(err, domain.ErrInvalidState) ||
		errors.Is(err, domain.ErrVersionConflict) ||
		errors.Is(err, domain.ErrContention) ||
		errors.Is(err, service.ErrNoWinner)
}
