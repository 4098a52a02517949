package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/shopspring/decimal"

	s3blob "github.com/alanyoungcy/marketcore/internal/blob/s3"
	"github.com/alanyoungcy/marketcore/internal/cache/redis"
	"github.com/alanyoungcy/marketcore/internal/clock"
	"github.com/alanyoungcy/marketcore/internal/config"
	"github.com/alanyoungcy/marketcore/internal/domain"
	"github.com/alanyoungcy/marketcore/internal/events"
	"github.com/alanyoungcy/marketcore/internal/notify"
	natsq "github.com/alanyoungcy/marketcore/internal/queue/nats"
	"github.com/alanyoungcy/marketcore/internal/server/handler"
	"github.com/alanyoungcy/marketcore/internal/server/middleware"
	"github.com/alanyoungcy/marketcore/internal/server/ws"
	"github.com/alanyoungcy/marketcore/internal/service"
	"github.com/alanyoungcy/marketcore/internal/store/memory"
	"github.com/alanyoungcy/marketcore/internal/store/postgres"
)

// Dependencies bundles everything the run modes need. It is constructed by
// Wire and torn down by the returned cleanup function. Optional backends are
// left as nil interfaces when disabled.
type Dependencies struct {
	Clock  clock.Clock
	Ledger domain.Ledger
	Audit  domain.AuditStore

	// Redis-backed coordination; nil when redis is disabled.
	RateLimiter domain.RateLimiter
	LockManager domain.LockManager
	SignalBus   domain.SignalBus

	Events   *events.Bus
	Hub      *ws.Hub
	Notifier *notify.Notifier
	NATS     *natsq.Client
	Archiver domain.Archiver

	Settlement *service.SettlementService
	Lifecycle  *service.LifecycleService
	Bidding    *service.BiddingService
	Disputes   *service.DisputeService

	// Pingers feed the health endpoint.
	Pingers map[string]handler.Pinger
}

// pingFunc adapts a context-free health probe to handler.Pinger.
type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(format string, err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, fmt.Errorf(format, err)
	}

	deps := &Dependencies{
		Clock:   clock.System{},
		Pingers: make(map[string]handler.Pinger),
	}

	// --- Ledger ---
	switch cfg.Ledger.Driver {
	case "memory":
		logger.WarnContext(ctx, "using in-memory ledger; state is lost on restart")
		deps.Ledger = memory.NewLedger()
		deps.Audit = memory.NewAuditLog()
	default:
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Postgres.DSN,
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			Database: cfg.Postgres.Database,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			SSLMode:  cfg.Postgres.SSLMode,
			MaxConns: cfg.Postgres.PoolMaxConns,
			MinConns: cfg.Postgres.PoolMinConns,
		})
		if err != nil {
			return fail("wire: postgres: %w", err)
		}
		closers = append(closers, pgClient.Close)

		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				return fail("wire: postgres migrations: %w", err)
			}
		}

		pool := pgClient.Pool()
		deps.Ledger = postgres.NewLedger(pool)
		deps.Audit = postgres.NewAuditStore(pool)
		deps.Pingers["postgres"] = pgClient
	}

	// --- Redis ---
	if cfg.Redis.Enabled {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
		})
		if err != nil {
			return fail("wire: redis: %w", err)
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.RateLimiter = redis.NewRateLimiter(redisClient)
		deps.LockManager = redis.NewLockManager(redisClient)
		deps.SignalBus = redis.NewSignalBus(redisClient)
		deps.Pingers["redis"] = redisClient
	}

	// --- NATS JetStream ---
	var sinks []domain.EventPublisher
	if cfg.NATS.Enabled {
		nc, err := natsq.Connect(ctx, natsq.ClientConfig{
			URL:             cfg.NATS.URL,
			Stream:          cfg.NATS.Stream,
			SubjectPrefix:   cfg.NATS.SubjectPrefix,
			PaymentsSubject: cfg.NATS.PaymentsSubject,
			MaxAge:          cfg.NATS.MaxAge.Duration,
		})
		if err != nil {
			return fail("wire: nats: %w", err)
		}
		closers = append(closers, nc.Close)
		deps.NATS = nc
		deps.Pingers["nats"] = pingFunc(func(context.Context) error { return nc.Ping() })
		sinks = append(sinks, natsq.NewEventPublisher(nc, logger))
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)
	if deps.Notifier.Enabled() {
		sinks = append(sinks, deps.Notifier)
	}

	// --- Realtime ---
	// With redis every API instance relays from the shared signal bus.
	// Without it the hub is fed in-process, and only where it runs.
	deps.Hub = ws.NewHub(deps.SignalBus, claimsSubject, cfg.Server.CORSOrigins, logger)
	if deps.SignalBus == nil && !strings.EqualFold(cfg.Mode, "worker") {
		sinks = append(sinks, deps.Hub)
	}
	sinks = append(sinks, events.NewLogger(logger))
	deps.Events = events.NewBus(logger, sinks...)
	if deps.SignalBus != nil {
		deps.Events.WithSignalBus(deps.SignalBus)
	}

	// --- Services ---
	terms := termsFor(cfg)
	deps.Settlement = service.NewSettlementService(deps.Ledger, deps.Audit, deps.Events, deps.Clock,
		service.SettlementOptions{
			PaymentWindow: cfg.Engine.PaymentWindow.Duration,
			Terms:         terms,
		}, logger)
	deps.Lifecycle = service.NewLifecycleService(deps.Ledger, deps.Settlement, deps.Audit, deps.Events,
		deps.Clock, terms, cfg.Engine.CASMaxAttempts, logger)
	deps.Bidding = service.NewBiddingService(deps.Ledger, deps.Lifecycle, deps.Audit, deps.Events, deps.Clock,
		service.BiddingOptions{
			MaxAttempts:   cfg.Engine.CASMaxAttempts,
			RatePerMinute: cfg.Engine.BidRatePerMinute,
		}, logger)
	if deps.RateLimiter != nil {
		deps.Bidding.WithRateLimiter(deps.RateLimiter)
	}
	deps.Disputes = service.NewDisputeService(deps.Settlement, deps.Ledger, deps.Clock,
		cfg.Engine.DisputeAutoRefundAfter.Duration, logger)

	// --- S3 archive ---
	if cfg.S3.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			return fail("wire: s3: %w", err)
		}
		deps.Archiver = s3blob.NewArchiver(
			s3blob.NewWriter(s3Client),
			s3blob.NewReader(s3Client),
			deps.Ledger,
			deps.Audit,
			cfg.Archive.BatchSize,
			deps.Clock.Now,
			logger,
		)
		deps.Pingers["s3"] = s3Client
	}

	return deps, cleanup, nil
}

// termsFor resolves category terms from config on every call, so a reload
// reaches new auctions. Running auctions keep the terms frozen at creation.
func termsFor(cfg *config.Config) service.TermsFunc {
	return func(category string) service.Terms {
		cc := cfg.Category(category)
		return service.Terms{
			BuyerRate:        decimal.NewFromFloat(cc.BuyerCommission),
			SellerRate:       decimal.NewFromFloat(cc.SellerCommission),
			MinIncrement:     decimal.NewFromFloat(cc.MinIncrement),
			InspectionWindow: cc.InspectionWindow.Duration,
		}
	}
}

// claimsSubject identifies the websocket user from the bearer token the auth
// middleware already verified.
func claimsSubject(r *http.Request) string {
	if c, ok := middleware.ClaimsFromContext(r.Context()); ok {
		return c.Subject
	}
	return ""
}
