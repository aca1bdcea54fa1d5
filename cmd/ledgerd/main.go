package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/example/ledger-core/internal/card"
	"github.com/example/ledger-core/internal/config"
	"github.com/example/ledger-core/internal/consistency"
	"github.com/example/ledger-core/internal/crypto"
	"github.com/example/ledger-core/internal/idempotency"
	"github.com/example/ledger-core/internal/jobs"
	"github.com/example/ledger-core/internal/notify"
	"github.com/example/ledger-core/internal/observability"
	"github.com/example/ledger-core/internal/ops"
	"github.com/example/ledger-core/internal/payment"
	"github.com/example/ledger-core/internal/processor"
	"github.com/example/ledger-core/internal/resilience"
	"github.com/example/ledger-core/internal/store"
	"github.com/example/ledger-core/pkg/audit"
	"github.com/example/ledger-core/pkg/rabbitmq"
)

func main() {
	configPath := os.Getenv("LEDGER_CONFIG")
	if configPath == "" {
		configPath = ".env"
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg.LogLevel)
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("ledgerd stopped", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("configuration loaded",
		zap.String("env", cfg.Environment),
		zap.String("store_driver", cfg.StoreDriver),
		zap.Duration("lock_timeout", cfg.LockTimeout),
		zap.Int("max_commit_attempts", cfg.MaxCommitAttempts),
		zap.Duration("idempotency_retention", cfg.IdempotencyRetention),
	)

	// --- Tracing ---
	shutdownTracer, err := observability.InitTracer(ctx, "ledgerd", cfg.OTLPEndpoint)
	if err != nil {
		return fmt.Errorf("failed to init tracer: %w", err)
	}
	defer shutdownTracer(context.Background())

	metrics := observability.NewMetrics()
	checks := map[string]ops.Check{}

	// --- Storage ---
	st, err := openStore(ctx, cfg, checks)
	if err != nil {
		return err
	}
	defer st.Close()

	// --- Notifications ---
	sinks := notify.NewMulti(logger, metrics)
	var publisher rabbitmq.Publisher = &rabbitmq.FallbackPublisher{Logger: logger}
	if cfg.RabbitMQURL != "" {
		producer, err := rabbitmq.NewProducer(cfg.RabbitMQURL, logger)
		if err != nil {
			return err
		}
		publisher = producer
	}
	defer publisher.Close()
	sinks.Add("amqp", &notify.AMQPNotifier{Publisher: publisher, Exchange: cfg.NotificationExchange})

	if cfg.AuditLogPath != "" {
		trail, closeTrail, err := openAuditTrail(cfg.AuditLogPath)
		if err != nil {
			return err
		}
		defer closeTrail()
		sinks.Add("audit", &notify.AuditNotifier{Trail: trail})
	}

	// --- Core ---
	locks := consistency.NewController(
		consistency.WithLockTimeout(cfg.LockTimeout),
		consistency.WithLogger(logger),
	)
	proc := processor.New(st, locks, processor.Config{
		MaxAttempts:  cfg.MaxCommitAttempts,
		RetryBackoff: cfg.RetryBackoff,
		Notifier:     sinks,
		Logger:       logger,
		Metrics:      metrics,
	})

	kms, err := crypto.NewFileKMS(cfg.KMSKeyPath, cfg.KMSKeyID)
	if err != nil {
		return fmt.Errorf("failed to open key store: %w", err)
	}
	cards, err := card.NewService(st, locks, crypto.NewEnvelope(kms), card.Config{
		BIN:      cfg.CardBIN,
		Notifier: sinks,
		Logger:   logger,
		Metrics:  metrics,
	})
	if err != nil {
		return err
	}
	sinks.Add("decline_policy", card.NewDeclinePolicy(cards, cfg.CardDeclineLimit, logger))

	// --- Payments ---
	var cache idempotency.Cache = idempotency.Nop{}
	if cfg.RedisURL != "" {
		rc, err := idempotency.NewRedisCacheFromURL(ctx, cfg.RedisURL, cfg.IdempotencyRetention)
		if err != nil {
			return err
		}
		defer rc.Close()
		cache = rc
		checks["redis"] = rc.Ping
	}
	var gateway payment.Gateway
	if cfg.GatewayBaseURL != "" {
		gateway = payment.NewHTTPGateway(&http.Client{Timeout: 10 * time.Second}, cfg.GatewayBaseURL, cfg.GatewayAPIKey,
			resilience.Config{MaxRetries: 3, InitialBackoff: 100 * time.Millisecond, MaxBackoff: 2 * time.Second, MaxConcurrency: 16},
			metrics)
	}
	reconciler := payment.NewReconciler(st, locks, proc, payment.Config{
		Gateway:  gateway,
		Cache:    cache,
		Notifier: sinks,
		Logger:   logger,
		Metrics:  metrics,
	})

	// --- Jobs ---
	rate, _ := cfg.InterestRate()
	fee, _ := cfg.Fee()
	scheduler := jobs.NewScheduler(jobs.NewJobs(st, proc, jobs.Config{
		InterestRateAnnual: rate,
		MonthlyFee:         fee,
		Retention:          cfg.IdempotencyRetention,
		InterestSchedule:   cfg.InterestSchedule,
		FeeSchedule:        cfg.FeeSchedule,
		PurgeSchedule:      cfg.PurgeSchedule,
	}, logger, metrics), logger)
	if err := scheduler.Start(ctx); err != nil {
		return err
	}

	// --- Ops server ---
	srv := &http.Server{
		Addr: cfg.OpsAddr,
		Handler: ops.NewRouter(ops.Dependencies{
			Logger:   logger,
			Registry: metrics.Registry,
			Checks:   checks,
		}),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("ops server listening", zap.String("addr", cfg.OpsAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("ops server: %w", err)
		}
		return nil
	})
	if cfg.RabbitMQURL != "" {
		g.Go(func() error {
			consumer, err := rabbitmq.NewConsumer(cfg.RabbitMQURL, logger)
			if err != nil {
				return err
			}
			defer consumer.Close()
			logger.Info("consuming gateway events", zap.String("queue", cfg.GatewayEventQueue))
			return consumer.Consume(gctx, cfg.GatewayEventExchange, cfg.GatewayEventQueue, 16, reconciler.Bindings())
		})
	} else {
		logger.Warn("RABBITMQ_URL not set; gateway events will not be consumed")
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		<-scheduler.Stop().Done()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func openStore(ctx context.Context, cfg *config.Config, checks map[string]ops.Check) (store.Store, error) {
	switch cfg.StoreDriver {
	case config.DriverPostgres:
		pg, err := store.OpenPostgres(ctx, cfg.DatabaseURL, cfg.DatabaseMaxConn)
		if err != nil {
			return nil, err
		}
		checks["postgres"] = pg.Ping
		return pg, nil
	case config.DriverSQLite:
		lite, err := store.OpenSQLite(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		checks["sqlite"] = lite.Ping
		return lite, nil
	default:
		return store.NewMemoryStore(), nil
	}
}

// openAuditTrail resumes the chain in path, verifying what is already there.
func openAuditTrail(path string) (*audit.Trail, func(), error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o600)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open audit log: %w", err)
	}
	entries, err := audit.ReadEntries(bufio.NewReader(f))
	if err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("failed to read audit log: %w", err)
	}
	if err := audit.Verify(entries); err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("audit log failed verification: %w", err)
	}
	var last *audit.Entry
	if len(entries) > 0 {
		last = entries[len(entries)-1]
	}
	return audit.Resume(f, last), func() { f.Close() }, nil
}
