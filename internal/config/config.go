// Package config defines the top-level configuration for the marketcore engine
// and provides validation helpers.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by MARKETCORE_* environment variables.
type Config struct {
	Ledger     LedgerConfig              `toml:"ledger"`
	Postgres   PostgresConfig            `toml:"postgres"`
	Redis      RedisConfig               `toml:"redis"`
	NATS       NATSConfig                `toml:"nats"`
	S3         S3Config                  `toml:"s3"`
	Engine     EngineConfig              `toml:"engine"`
	Categories map[string]CategoryConfig `toml:"categories"`
	Archive    ArchiveConfig             `toml:"archive"`
	Server     ServerConfig              `toml:"server"`
	Notify     NotifyConfig              `toml:"notify"`
	Mode       string                    `toml:"mode"`
	LogLevel   string                    `toml:"log_level"`
}

// LedgerConfig selects the ledger backend.
type LedgerConfig struct {
	// Driver is "postgres" or "memory". The memory driver keeps nothing across
	// restarts and is meant for local runs and demos.
	Driver string `toml:"driver"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Enabled    bool   `toml:"enabled"`
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// NATSConfig holds NATS JetStream parameters used for domain events and the
// payments callback subscription.
type NATSConfig struct {
	Enabled         bool     `toml:"enabled"`
	URL             string   `toml:"url"`
	Stream          string   `toml:"stream"`
	SubjectPrefix   string   `toml:"subject_prefix"`
	PaymentsSubject string   `toml:"payments_subject"`
	MaxAge          duration `toml:"max_age"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// EngineConfig holds the bidding and settlement engine parameters.
type EngineConfig struct {
	// CASMaxAttempts bounds the read-validate-write loop for a single bid or
	// transition before Contention is reported.
	CASMaxAttempts int `toml:"cas_max_attempts"`
	// PaymentWindow is how long a PENDING transaction may wait for capture.
	PaymentWindow duration `toml:"payment_window"`
	// InspectionWindow applies to categories that do not set their own.
	InspectionWindow duration `toml:"inspection_window"`
	// EndingSoonWindow controls when the auction-ending-soon event fires.
	EndingSoonWindow  duration `toml:"ending_soon_window"`
	SchedulerInterval duration `toml:"scheduler_interval"`
	SchedulerBatch    int      `toml:"scheduler_batch"`
	// DisputeAutoRefundAfter refunds disputes left unresolved this long. Zero
	// disables rule-driven resolution.
	DisputeAutoRefundAfter duration `toml:"dispute_auto_refund_after"`
	// BidRatePerMinute caps bid submissions per bidder. Zero disables it.
	BidRatePerMinute int `toml:"bid_rate_per_minute"`
}

// CategoryConfig holds the per-vertical commercial terms.
type CategoryConfig struct {
	BuyerCommission  float64  `toml:"buyer_commission"`
	SellerCommission float64  `toml:"seller_commission"`
	MinIncrement     float64  `toml:"min_increment"`
	InspectionWindow duration `toml:"inspection_window"`
}

// ArchiveConfig controls the cold-storage archive job.
type ArchiveConfig struct {
	Enabled       bool   `toml:"enabled"`
	Cron          string `toml:"cron"`
	RetentionDays int    `toml:"retention_days"`
	BatchSize     int    `toml:"batch_size"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled        bool     `toml:"enabled"`
	Port           int      `toml:"port"`
	CORSOrigins    []string `toml:"cors_origins"`
	JWTSecret      string   `toml:"jwt_secret"`
	JWTIssuer      string   `toml:"jwt_issuer"`
	WebhookSecret  string   `toml:"webhook_secret"`
	WebhookMaxSkew duration `toml:"webhook_max_skew"`
	RatePerMinute  int      `toml:"rate_per_minute"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// Category looks up the terms for name, falling back to "general" and then to
// the engine-wide inspection window.
func (c *Config) Category(name string) CategoryConfig {
	cc, ok := c.Categories[strings.ToLower(name)]
	if !ok {
		cc = c.Categories["general"]
	}
	if cc.InspectionWindow.Duration <= 0 {
		cc.InspectionWindow = c.Engine.InspectionWindow
	}
	return cc
}

// Defaults returns a Config populated with reasonable default values.
func Defaults() Config {
	return Config{
		Ledger: LedgerConfig{Driver: "postgres"},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "marketcore",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Enabled:    true,
			Addr:       "localhost:6379",
			PoolSize:   20,
			MaxRetries: 3,
		},
		NATS: NATSConfig{
			Enabled:         false,
			URL:             "nats://localhost:4222",
			Stream:          "MARKET_EVENTS",
			SubjectPrefix:   "market.events",
			PaymentsSubject: "payments.events.>",
			MaxAge:          duration{7 * 24 * time.Hour},
		},
		S3: S3Config{
			Enabled:        false,
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "marketcore-archive",
			ForcePathStyle: true,
		},
		Engine: EngineConfig{
			CASMaxAttempts:    3,
			PaymentWindow:     duration{24 * time.Hour},
			InspectionWindow:  duration{48 * time.Hour},
			EndingSoonWindow:  duration{15 * time.Minute},
			SchedulerInterval: duration{5 * time.Second},
			SchedulerBatch:    200,
			BidRatePerMinute:  30,
		},
		Categories: map[string]CategoryConfig{
			"general":     {BuyerCommission: 0.007, SellerCommission: 0.007, MinIncrement: 10},
			"auction":     {BuyerCommission: 0.007, SellerCommission: 0.007, MinIncrement: 10},
			"luxury":      {BuyerCommission: 0.12, SellerCommission: 0.03, MinIncrement: 5000},
			"gold":        {BuyerCommission: 0.007, SellerCommission: 0.007, MinIncrement: 100},
			"silver":      {BuyerCommission: 0.007, SellerCommission: 0.007, MinIncrement: 50},
			"scrap":       {BuyerCommission: 0.01, SellerCommission: 0.01, MinIncrement: 100},
			"real_estate": {BuyerCommission: 0.01, SellerCommission: 0.02, MinIncrement: 100000, InspectionWindow: duration{14 * 24 * time.Hour}},
		},
		Archive: ArchiveConfig{
			Enabled:       false,
			Cron:          "0 3 * * *",
			RetentionDays: 90,
			BatchSize:     500,
		},
		Server: ServerConfig{
			Enabled:        true,
			Port:           8000,
			CORSOrigins:    []string{"http://localhost:3000", "http://localhost:5173"},
			JWTIssuer:      "marketcore",
			WebhookMaxSkew: duration{5 * time.Minute},
			RatePerMinute:  600,
		},
		Notify: NotifyConfig{
			Events: []string{"dispute-opened", "dispute-resolved", "settlement-stuck"},
		},
		Mode:     "full",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"server": true,
	"worker": true,
	"full":   true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: server, worker, full)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Ledger / Postgres
	switch c.Ledger.Driver {
	case "memory":
	case "postgres":
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			if c.Postgres.Host == "" {
				errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
			}
			if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
				errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
			}
			if c.Postgres.Database == "" {
				errs = append(errs, "postgres: database must not be empty")
			}
		}
		if c.Postgres.PoolMaxConns < 1 {
			errs = append(errs, "postgres: pool_max_conns must be >= 1")
		}
		if c.Postgres.PoolMinConns < 0 || c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			errs = append(errs, "postgres: pool_min_conns must be between 0 and pool_max_conns")
		}
	default:
		errs = append(errs, fmt.Sprintf("ledger: unknown driver %q (valid: postgres, memory)", c.Ledger.Driver))
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
	}

	// NATS
	if c.NATS.Enabled {
		if _, err := url.Parse(c.NATS.URL); err != nil || c.NATS.URL == "" {
			errs = append(errs, fmt.Sprintf("nats: invalid url %q", c.NATS.URL))
		}
		if c.NATS.Stream == "" || c.NATS.SubjectPrefix == "" {
			errs = append(errs, "nats: stream and subject_prefix must not be empty")
		}
	}

	// S3 / Archive
	if c.Archive.Enabled {
		if !c.S3.Enabled {
			errs = append(errs, "archive: requires s3.enabled")
		}
		if _, err := cron.ParseStandard(c.Archive.Cron); err != nil {
			errs = append(errs, fmt.Sprintf("archive: invalid cron %q: %v", c.Archive.Cron, err))
		}
		if c.Archive.RetentionDays < 1 {
			errs = append(errs, "archive: retention_days must be >= 1")
		}
	}
	if c.S3.Enabled && (c.S3.Endpoint == "" || c.S3.Bucket == "") {
		errs = append(errs, "s3: endpoint and bucket must not be empty")
	}

	// Engine
	if c.Engine.CASMaxAttempts < 1 {
		errs = append(errs, "engine: cas_max_attempts must be >= 1")
	}
	if c.Engine.InspectionWindow.Duration <= 0 {
		errs = append(errs, "engine: inspection_window must be > 0")
	}
	if c.Engine.PaymentWindow.Duration <= 0 {
		errs = append(errs, "engine: payment_window must be > 0")
	}
	if c.Engine.SchedulerInterval.Duration < 100*time.Millisecond {
		errs = append(errs, "engine: scheduler_interval must be >= 100ms")
	}
	if c.Engine.SchedulerBatch < 1 {
		errs = append(errs, "engine: scheduler_batch must be >= 1")
	}
	if c.Engine.DisputeAutoRefundAfter.Duration < 0 {
		errs = append(errs, "engine: dispute_auto_refund_after must not be negative")
	}

	// Categories
	if _, ok := c.Categories["general"]; !ok {
		errs = append(errs, "categories: a \"general\" entry is required")
	}
	for name, cc := range c.Categories {
		if cc.BuyerCommission < 0 || cc.BuyerCommission >= 1 || cc.SellerCommission < 0 || cc.SellerCommission >= 1 {
			errs = append(errs, fmt.Sprintf("categories.%s: commission rates must be in [0, 1)", name))
		}
		if cc.MinIncrement <= 0 {
			errs = append(errs, fmt.Sprintf("categories.%s: min_increment must be > 0", name))
		}
		if cc.InspectionWindow.Duration < 0 {
			errs = append(errs, fmt.Sprintf("categories.%s: inspection_window must not be negative", name))
		}
	}

	// Server
	if c.Server.Enabled && c.Mode != "worker" {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
		if len(c.Server.JWTSecret) < 16 {
			errs = append(errs, "server: jwt_secret must be at least 16 bytes")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
