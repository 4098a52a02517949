package app

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/marketcore/internal/crypto"
	natsq "github.com/alanyoungcy/marketcore/internal/queue/nats"
	"github.com/alanyoungcy/marketcore/internal/scheduler"
	"github.com/alanyoungcy/marketcore/internal/server"
	"github.com/alanyoungcy/marketcore/internal/server/handler"
	"github.com/alanyoungcy/marketcore/internal/server/middleware"
)

// shutdownTimeout bounds how long in-flight HTTP requests get on shutdown.
const shutdownTimeout = 10 * time.Second

// ServerMode runs the HTTP API and the websocket hub. Deadlines are left to
// worker instances.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "entering server mode")

	g, ctx := errgroup.WithContext(ctx)
	a.startHTTPServer(ctx, g, deps)
	return g.Wait()
}

// WorkerMode runs the deadline scheduler, the archive job and the payment
// stream consumer. Several workers may run; the scheduler elects a leader
// per tick through the lock manager.
func (a *App) WorkerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "entering worker mode")

	g, ctx := errgroup.WithContext(ctx)
	a.startWorkers(ctx, g, deps)
	return g.Wait()
}

// FullMode runs the API and the workers in one process.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "entering full mode")

	g, ctx := errgroup.WithContext(ctx)
	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps)
	}
	a.startWorkers(ctx, g, deps)
	return g.Wait()
}

// startWorkers adds the scheduler, archive and payment consumer goroutines.
func (a *App) startWorkers(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	sched := scheduler.New(
		deps.Ledger,
		deps.Lifecycle,
		deps.Settlement,
		deps.Disputes,
		deps.Events,
		deps.Clock,
		scheduler.Options{
			Interval:         a.cfg.Engine.SchedulerInterval.Duration,
			Batch:            a.cfg.Engine.SchedulerBatch,
			EndingSoonWindow: a.cfg.Engine.EndingSoonWindow.Duration,
		},
		a.logger,
	)
	if deps.LockManager != nil {
		sched.WithLocks(deps.LockManager)
	}
	g.Go(func() error {
		return sched.Run(ctx)
	})

	if a.cfg.Archive.Enabled && deps.Archiver != nil {
		job := scheduler.NewArchiveJob(deps.Archiver, a.cfg.Archive.RetentionDays, deps.Clock, a.logger)
		g.Go(func() error {
			return job.RunCron(ctx, a.cfg.Archive.Cron)
		})
	}

	if deps.NATS != nil && a.cfg.NATS.PaymentsSubject != "" {
		consumer := natsq.NewPaymentConsumer(deps.NATS, deps.Settlement, "", a.logger)
		g.Go(func() error {
			return consumer.Run(ctx)
		})
	}
}

// startHTTPServer adds the HTTP server and websocket hub goroutines. The
// server is shut down gracefully when the context is cancelled.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	handlers := server.Handlers{
		Health:       handler.NewHealthHandler(deps.Pingers, a.logger),
		Auctions:     handler.NewAuctionHandler(deps.Lifecycle, deps.Bidding, a.logger),
		Transactions: handler.NewTransactionHandler(deps.Settlement, deps.Disputes, a.logger),
		Payments: handler.NewPaymentHandler(deps.Settlement,
			crypto.NewWebhookVerifier(a.cfg.Server.WebhookSecret, a.cfg.Server.WebhookMaxSkew.Duration),
			a.logger),
	}
	auth := middleware.NewAuthenticator(a.cfg.Server.JWTSecret, a.cfg.Server.JWTIssuer)

	srv := server.NewServer(server.Config{
		Port:          a.cfg.Server.Port,
		CORSOrigins:   a.cfg.Server.CORSOrigins,
		RatePerMinute: a.cfg.Server.RatePerMinute,
	}, handlers, deps.Hub, auth, deps.RateLimiter, a.logger)

	g.Go(func() error {
		return deps.Hub.Run(ctx)
	})

	g.Go(func() error {
		a.logger.InfoContext(ctx, "HTTP server listening", slog.Int("port", a.cfg.Server.Port))
		return srv.Start()
	})

	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}
