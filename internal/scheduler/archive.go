package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/alanyoungcy/marketcore/internal/clock"
	"github.com/alanyoungcy/marketcore/internal/domain"
)

// ArchiveJob copies closed auctions and finished transactions to cold
// storage on a cron schedule.
type ArchiveJob struct {
	archiver      domain.Archiver
	retentionDays int
	clock         clock.Clock
	logger        *slog.Logger
}

// NewArchiveJob creates an ArchiveJob.
func NewArchiveJob(archiver domain.Archiver, retentionDays int, clk clock.Clock, logger *slog.Logger) *ArchiveJob {
	return &ArchiveJob{
		archiver:      archiver,
		retentionDays: retentionDays,
		clock:         clk,
		logger:        logger.With(slog.String("component", "archive")),
	}
}

// Run executes a single archive pass for records untouched for the
// retention period.
func (j *ArchiveJob) Run(ctx context.Context) error {
	cutoff := j.clock.Now().Add(-time.Duration(j.retentionDays) * 24 * time.Hour)
	j.logger.Info("starting archive run",
		slog.Time("cutoff", cutoff),
		slog.Int("retention_days", j.retentionDays),
	)

	auctions, err := j.archiver.ArchiveAuctions(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("archiving auctions before %v: %w", cutoff, err)
	}
	txns, err := j.archiver.ArchiveTransactions(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("archiving transactions before %v: %w", cutoff, err)
	}

	j.logger.Info("archive run complete",
		slog.Int64("auctions_archived", auctions),
		slog.Int64("transactions_archived", txns),
	)
	return nil
}

// RunCron runs the job on a standard 5-field cron expression until ctx is
// cancelled. Overlapping runs are skipped.
func (j *ArchiveJob) RunCron(ctx context.Context, expr string) error {
	logger := cronLogger{j.logger}
	c := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	if _, err := c.AddFunc(expr, func() {
		if err := j.Run(ctx); err != nil {
			j.logger.Error("archive run failed", slog.String("error", err.Error()))
		}
	}); err != nil {
		return fmt.Errorf("parsing cron expression %q: %w", expr, err)
	}

	j.logger.Info("archiver cron started", slog.String("cron", expr))
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	j.logger.Info("archiver cron stopped")
	return ctx.Err()
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	l *slog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debug("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Error("cron: "+msg, append(keysAndValues, "error", err.Error())...)
}
