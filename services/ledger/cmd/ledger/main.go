package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/AfshinJalili/rewardledger/libs/apikey"
	"github.com/AfshinJalili/rewardledger/libs/health"
	"github.com/AfshinJalili/rewardledger/libs/httpmiddleware"
	"github.com/AfshinJalili/rewardledger/libs/kafka"
	"github.com/AfshinJalili/rewardledger/libs/logging"
	"github.com/AfshinJalili/rewardledger/libs/metrics"
	"github.com/AfshinJalili/rewardledger/libs/trace"
	"github.com/AfshinJalili/rewardledger/services/ledger/internal/balance"
	"github.com/AfshinJalili/rewardledger/services/ledger/internal/cache"
	"github.com/AfshinJalili/rewardledger/services/ledger/internal/config"
	"github.com/AfshinJalili/rewardledger/services/ledger/internal/consumer"
	"github.com/AfshinJalili/rewardledger/services/ledger/internal/fee"
	"github.com/AfshinJalili/rewardledger/services/ledger/internal/handlers"
	"github.com/AfshinJalili/rewardledger/services/ledger/internal/listing"
	"github.com/AfshinJalili/rewardledger/services/ledger/internal/notify"
	"github.com/AfshinJalili/rewardledger/services/ledger/internal/rate"
	"github.com/AfshinJalili/rewardledger/services/ledger/internal/reconcile"
	"github.com/AfshinJalili/rewardledger/services/ledger/internal/service"
	"github.com/AfshinJalili/rewardledger/services/ledger/internal/settings"
	"github.com/AfshinJalili/rewardledger/services/ledger/internal/storage"
	"github.com/AfshinJalili/rewardledger/services/ledger/internal/trade"
	"github.com/AfshinJalili/rewardledger/services/ledger/migrations"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewLogger(cfg.App.LogLevel, cfg.App.ServiceName, cfg.App.Env)
	shutdownTracer, err := trace.Setup(context.Background(), trace.Options{
		ServiceName: cfg.App.ServiceName,
		Env:         cfg.App.Env,
		Endpoint:    cfg.Tracing.Endpoint,
		Insecure:    cfg.Tracing.Insecure,
		SampleRatio: cfg.Tracing.SampleRatio,
	})
	if err != nil {
		logger.Error("tracer init failed", "error", err)
	} else {
		defer func() {
			_ = shutdownTracer(context.Background())
		}()
	}

	if cfg.App.Env == "dev" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	httpMetrics := metrics.NewHTTP(registry)
	ledgerMetrics := service.NewMetrics(registry)

	ready := health.NewManager(false)

	if cfg.DB.AutoMigrate {
		if err := migrations.Up(cfg.DB.DSN()); err != nil {
			logger.Error("migrations failed", "error", err)
			os.Exit(1)
		}
		logger.Info("migrations applied")
	}

	pool, err := connectDB(cfg)
	if err != nil {
		logger.Error("db connection failed", "error", err)
		os.Exit(1)
	}
	defer pool.Close()
	ready.AddCheck("postgres", pool.Ping)

	store := storage.NewPostgres(pool, logger, ledgerMetrics)

	bgCtx, bgCancel := context.WithCancel(context.Background())
	defer bgCancel()

	settingsCache := settings.NewCache(settings.Defaults(
		cfg.Settings.DefaultFeeRate,
		cfg.Settings.MinFee,
		cfg.Settings.SettlementAssets,
	))
	loadCtx, loadCancel := context.WithTimeout(bgCtx, 5*time.Second)
	if err := settingsCache.Load(loadCtx, store); err != nil {
		logger.Warn("settings load failed, using defaults", "error", err)
	}
	loadCancel()
	settingsCache.StartAutoRefresh(bgCtx, store, cfg.Settings.RefreshInterval, ledgerMetrics, logger)

	var (
		balanceCache service.BalanceCache
		invalidator  trade.BalanceInvalidator
		limiter      rate.Limiter = rate.NewMemory(cfg.RateLimit.Orders, cfg.RateLimit.Window)
	)
	if cfg.Redis.Enabled() {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		ready.AddCheck("redis", func(ctx context.Context) error { return rdb.Ping(ctx).Err() })

		bc := cache.NewBalanceCache(rdb, cfg.Redis.CacheTTL, "ledger:balance:")
		balanceCache, invalidator = bc, bc
		limiter = rate.NewRedisLimiter(rdb, cfg.RateLimit.Orders, cfg.RateLimit.Window, "ledger:rate")
	}

	var (
		notifier  trade.Notifier = notify.NewLogDispatcher(logger)
		producer  *kafka.SyncProducer
		publisher kafka.Publisher
	)
	if cfg.Kafka.Enabled {
		kafkaMetrics := kafka.NewProducerMetrics(registry)
		producer, err = kafka.NewSyncProducer(cfg.Kafka.Brokers, cfg.Kafka.ClientID, logger, kafkaMetrics)
		if err != nil {
			logger.Error("kafka producer init failed", "error", err)
			os.Exit(1)
		}
		defer producer.Close()
		publisher = producer
		if cfg.Kafka.Topics.DeadLetter != "" {
			publisher = kafka.NewDLQPublisher(producer, producer, cfg.Kafka.Topics.DeadLetter, logger).WithMetrics(kafkaMetrics)
		}
		notifier = notify.NewKafkaDispatcher(publisher, cfg.Kafka.Topics.OrderEvents, logger)
	}

	balances := balance.New(store, logger, ledgerMetrics)
	listings := listing.NewManager(balances, settingsCache, logger)
	orders := trade.NewOrchestrator(trade.Deps{
		Balances:    balances,
		Listings:    listings,
		Fees:        fee.NewCalculator(settingsCache),
		Settings:    settingsCache,
		Notifier:    notifier,
		Invalidator: invalidator,
		Observer:    ledgerMetrics,
		Logger:      logger,
	})
	ledgerService := service.NewLedgerService(service.Deps{
		Store:    store,
		Balances: balances,
		Listings: listings,
		Orders:   orders,
		Cache:    balanceCache,
		Limiter:  limiter,
		Metrics:  ledgerMetrics,
		Logger:   logger,
	})

	auditor := reconcile.NewAuditor(store, ledgerMetrics, logger)
	scheduler, err := reconcile.NewScheduler(auditor, cfg.Reconcile.Schedule, cfg.Reconcile.Timeout, logger)
	if err != nil {
		logger.Error("reconcile scheduler init failed", "error", err)
		os.Exit(1)
	}

	var consumerGroup *kafka.Consumer
	if cfg.Kafka.Enabled {
		consumerGroup, err = kafka.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.ConsumerGroup, logger,
			kafka.WithDLQ(producer, cfg.Kafka.Topics.DeadLetter),
			kafka.WithRetry(cfg.Kafka.MaxAttempts, cfg.Kafka.RetryBackoff),
		)
		if err != nil {
			logger.Error("kafka consumer init failed", "error", err)
			os.Exit(1)
		}
		defer consumerGroup.Close()
	}

	grpcServer := grpc.NewServer()
	healthServer := grpchealth.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)

	h := handlers.New(ledgerService, logger)
	httpServer := buildHTTPServer(cfg, h, ready, registry, httpMetrics, logger)

	grpcAddr := fmt.Sprintf("%s:%d", cfg.GRPC.Host, cfg.GRPC.Port)
	lis, err := net.Listen("tcp", grpcAddr)
	if err != nil {
		logger.Error("grpc listen failed", "error", err)
		os.Exit(1)
	}

	go func() {
		logger.Info("ledger grpc health starting", "addr", grpcAddr)
		if err := grpcServer.Serve(lis); err != nil {
			logger.Error("grpc server error", "error", err)
		}
	}()

	go func() {
		logger.Info("ledger http starting", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
		}
	}()

	if consumerGroup != nil {
		grants := consumer.NewGrantConsumer(ledgerService, publisher, cfg.Kafka.Topics.EntryEvents, logger)
		go func() {
			logger.Info("ledger consumer starting", "topic", cfg.Kafka.Topics.PointsGrants)
			if err := consumerGroup.Consume(bgCtx, []string{cfg.Kafka.Topics.PointsGrants}, grants); err != nil {
				logger.Error("kafka consumer error", "error", err)
			}
		}()
	}

	scheduler.Start()
	ready.SetReady(true)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	waitForShutdown(grpcServer, healthServer, httpServer, scheduler, ready, bgCancel, logger)
}

func connectDB(cfg *config.Config) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DB.DSN())
	if err != nil {
		return nil, err
	}
	if cfg.DB.MaxConns > 0 {
		poolCfg.MaxConns = cfg.DB.MaxConns
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

func buildHTTPServer(cfg *config.Config, h *handlers.Handler, ready *health.Manager, registry *prometheus.Registry, m *metrics.HTTP, logger *slog.Logger) *http.Server {
	router := gin.New()
	router.Use(httpmiddleware.RequestID())
	router.Use(httpmiddleware.Logger(logger, m))
	router.Use(httpmiddleware.Recovery(logger))
	router.Use(trace.Middleware(cfg.App.ServiceName))

	router.GET("/healthz", health.LivenessHandler)
	router.GET("/readyz", health.ReadinessHandler(ready))
	router.GET(cfg.App.MetricsPath, gin.WrapH(metrics.Handler(registry)))

	if len(cfg.Auth.AdminKeys) == 0 {
		logger.Warn("no admin api keys configured, internal routes will reject every request")
	}
	h.Register(router, cfg.Auth.JWTSecret, apikey.Middleware(cfg.Auth.AdminKeys, config.AdminScope))

	addr := fmt.Sprintf("%s:%d", cfg.App.HTTP.Host, cfg.App.HTTP.Port)
	return &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.App.HTTP.ReadTimeout,
		WriteTimeout: cfg.App.HTTP.WriteTimeout,
		IdleTimeout:  cfg.App.HTTP.IdleTimeout,
	}
}

func waitForShutdown(grpcServer *grpc.Server, healthServer *grpchealth.Server, httpServer *http.Server, scheduler *reconcile.Scheduler, ready *health.Manager, cancel context.CancelFunc, logger *slog.Logger) {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutdown started")
	ready.SetReady(false)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)

	ctx, cancelTimeout := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelTimeout()

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("http shutdown error", "error", err)
	}
	// Consumers and settings refresh stop after in-flight requests drain.
	cancel()
	scheduler.Stop(ctx)

	grpcDone := make(chan struct{})
	go func() {
		grpcServer.GracefulStop()
		close(grpcDone)
	}()

	select {
	case <-grpcDone:
	case <-ctx.Done():
		grpcServer.Stop()
	}
	logger.Info("shutdown complete")
}
