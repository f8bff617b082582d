// Package bootstrap turns configuration into wired runtime components.
package bootstrap

import (
	"context"
	"crypto/tls"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"

	"github.com/wolfman30/clinic-booking-ai/internal/bookings"
	"github.com/wolfman30/clinic-booking-ai/internal/calendar"
	appconfig "github.com/wolfman30/clinic-booking-ai/internal/config"
	"github.com/wolfman30/clinic-booking-ai/internal/conversation"
	"github.com/wolfman30/clinic-booking-ai/internal/events"
	"github.com/wolfman30/clinic-booking-ai/internal/notify"
	"github.com/wolfman30/clinic-booking-ai/internal/prescriptions"
	"github.com/wolfman30/clinic-booking-ai/pkg/logging"
)

// BuildRedisClient returns a configured Redis client or nil when disabled.
// When verify is true, a ping is issued and failures return nil.
func BuildRedisClient(ctx context.Context, cfg *appconfig.Config, logger *logging.Logger, verify bool) *redis.Client {
	if cfg == nil || strings.TrimSpace(cfg.RedisAddr) == "" {
		return nil
	}
	if logger == nil {
		logger = logging.Default()
	}

	opts := &redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	}
	if cfg.RedisTLS {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	client := redis.NewClient(opts)
	if !verify {
		return client
	}
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn("redis not available, history cache disabled", "error", err)
		_ = client.Close()
		return nil
	}
	return client
}

// ConnectPostgres opens a pool for databaseURL, or returns nil when it is empty.
func ConnectPostgres(ctx context.Context, databaseURL string, maxConns int) (*pgxpool.Pool, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, nil
	}
	poolCfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: parse database url: %w", err)
	}
	if maxConns > 0 {
		poolCfg.MaxConns = int32(maxConns)
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: connect postgres: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("bootstrap: ping postgres: %w", err)
	}
	return pool, nil
}

// BuildCalendarStore picks Postgres when a pool exists, memory otherwise.
func BuildCalendarStore(pool *pgxpool.Pool, cfg *appconfig.Config, logger *logging.Logger) calendar.Store {
	if pool == nil {
		logger.Warn("no database configured; calendar is in memory")
		return calendar.NewMemoryStore()
	}
	var opts []calendar.PostgresOption
	if cfg != nil && cfg.BookingMaxRetries > 0 {
		opts = append(opts, calendar.WithMaxAttempts(cfg.BookingMaxRetries))
	}
	return calendar.NewPostgresStore(pool, logger, opts...)
}

// BuildSessionStore returns the conversation store: SQL over the pool with an
// optional Redis history cache in front, or memory without a database.
func BuildSessionStore(pool *pgxpool.Pool, redisClient *redis.Client, cfg *appconfig.Config, logger *logging.Logger) conversation.Store {
	if pool == nil {
		return conversation.NewMemoryStore()
	}
	var store conversation.Store = conversation.NewSQLStore(stdlib.OpenDBFromPool(pool))
	if redisClient != nil {
		ttl := 24 * time.Hour
		if cfg != nil && cfg.HistoryCacheTTL > 0 {
			ttl = cfg.HistoryCacheTTL
		}
		store = conversation.NewCachedStore(store, redisClient, ttl, logger)
		logger.Info("conversation history cache enabled", "ttl", ttl.String())
	}
	return store
}

// BuildDeduper returns the processed-message ledger.
func BuildDeduper(pool *pgxpool.Pool) events.Deduper {
	if pool == nil {
		return events.NewMemoryProcessedStore()
	}
	return events.NewProcessedStore(pool)
}

// BuildPrescriptionStore keeps prescriptions in Postgres, or in memory without a database.
func BuildPrescriptionStore(pool *pgxpool.Pool) prescriptions.Store {
	if pool == nil {
		return prescriptions.NewMemoryStore()
	}
	return prescriptions.NewPostgresStore(pool)
}

// BuildSchedulingConfig converts env settings into booking rules.
func BuildSchedulingConfig(cfg *appconfig.Config) (bookings.Config, error) {
	times, err := bookings.ParseBookableTimes(cfg.BookableTimes)
	if err != nil {
		return bookings.Config{}, fmt.Errorf("bootstrap: BOOKABLE_TIMES: %w", err)
	}
	loc, err := time.LoadLocation(cfg.ClinicTimezone)
	if err != nil {
		return bookings.Config{}, fmt.Errorf("bootstrap: CLINIC_TIMEZONE: %w", err)
	}
	return bookings.Config{
		BookableTimes:               times,
		DefaultDurationMinutes:      cfg.DefaultDurationMinutes,
		AdminDefaultDurationMinutes: cfg.AdminDefaultDurationMinutes,
		Location:                    loc,
		AlternativesLimit:           cfg.AlternativesLimit,
	}, nil
}

// BuildNotifier returns the staff booking notifier, or nil when disabled.
func BuildNotifier(ctx context.Context, cfg *appconfig.Config, logger *logging.Logger) (*notify.BookingNotifier, error) {
	if len(cfg.NotifyRecipients) == 0 {
		return nil, nil
	}
	var sender notify.EmailSender
	switch cfg.NotifyProvider {
	case "":
		return nil, nil
	case "sendgrid":
		sg := notify.NewSendGridSender(notify.SendGridConfig{
			APIKey:    cfg.SendGridAPIKey,
			FromEmail: cfg.SendGridFromEmail,
			FromName:  cfg.SendGridFromName,
		}, logger)
		if sg == nil {
			return nil, fmt.Errorf("bootstrap: SENDGRID_API_KEY is required for sendgrid notifications")
		}
		sender = sg
	case "ses":
		if strings.TrimSpace(cfg.SESFromEmail) == "" {
			return nil, fmt.Errorf("bootstrap: SES_FROM_EMAIL is required for ses notifications")
		}
		awsCfg, err := LoadAWSConfig(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("bootstrap: load aws config: %w", err)
		}
		sender = notify.NewSESSender(sesv2.NewFromConfig(awsCfg), notify.SESConfig{
			FromEmail: cfg.SESFromEmail,
			FromName:  cfg.SendGridFromName,
		}, logger)
	case "stub":
		sender = notify.NewStubEmailSender(logger)
	default:
		return nil, fmt.Errorf("bootstrap: unknown notify provider %q", cfg.NotifyProvider)
	}
	return notify.NewBookingNotifier(sender, cfg.NotifyRecipients, cfg.ClinicName, logger), nil
}

// BuildDispatcher serializes turns per phone, in process or through SQS FIFO.
// With SQS any replica may run a turn, so results travel back over Redis
// pub/sub; without Redis only a single replica may consume the queue.
func BuildDispatcher(ctx context.Context, cfg *appconfig.Config, handler conversation.TurnHandler, redisClient *redis.Client, logger *logging.Logger) (*conversation.Dispatcher, error) {
	workers := cfg.WorkerCount
	if workers <= 0 {
		workers = 4
	}
	if cfg.UseMemoryQueue {
		return conversation.NewMemoryDispatcher(handler, workers, 64, logger), nil
	}
	if strings.TrimSpace(cfg.ConversationQueueURL) == "" {
		return nil, fmt.Errorf("bootstrap: CONVERSATION_QUEUE_URL is required when USE_MEMORY_QUEUE=false")
	}
	var opts []conversation.DispatcherOption
	if redisClient != nil {
		opts = append(opts, conversation.WithResultRelay(conversation.NewRedisResultRelay(redisClient, logger)))
	} else {
		logger.Warn("sqs dispatcher running without REDIS_ADDR; replies only reach callers on the replica that ran the turn, run a single replica")
	}
	awsCfg, err := LoadAWSConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: load aws config: %w", err)
	}
	queue := conversation.NewSQSQueue(sqs.NewFromConfig(awsCfg), cfg.ConversationQueueURL)
	logger.Info("conversation turns queued through sqs", "queue_url", cfg.ConversationQueueURL, "workers", workers, "result_relay", redisClient != nil)
	d, err := conversation.NewSQSDispatcher(handler, queue, workers, logger, opts...)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: build sqs dispatcher: %w", err)
	}
	return d, nil
}
