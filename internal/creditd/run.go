package creditd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	creditv1 "github.com/MarkoPoloResearchLab/creditengine/api/credit/v1"
	"github.com/MarkoPoloResearchLab/creditengine/internal/cache"
	"github.com/MarkoPoloResearchLab/creditengine/internal/events"
	"github.com/MarkoPoloResearchLab/creditengine/internal/grpcserver"
	"github.com/MarkoPoloResearchLab/creditengine/internal/oplog"
	"github.com/MarkoPoloResearchLab/creditengine/internal/provider/echo"
	"github.com/MarkoPoloResearchLab/creditengine/internal/provider/openai"
	"github.com/MarkoPoloResearchLab/creditengine/internal/reconcile"
	"github.com/MarkoPoloResearchLab/creditengine/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/creditengine/internal/store/pgstore"
	"github.com/MarkoPoloResearchLab/creditengine/pkg/ledger"
	"github.com/MarkoPoloResearchLab/creditengine/pkg/settlement"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"gorm.io/gorm"
)

const redisPingTimeout = 5 * time.Second

// Run serves the credit gRPC API until ctx is cancelled.
func Run(ctx context.Context, cfg Config, logger *zap.Logger) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	db, closeDatabase, err := OpenDatabase(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database open: %w", err)
	}
	defer func() { _ = closeDatabase() }()
	if err := gormstore.Migrate(db); err != nil {
		return err
	}

	services, cleanup, err := buildServices(ctx, cfg, db, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	if cfg.SweepInterval > 0 {
		sweeper := reconcile.NewSweeper(services.ledger, reconcile.Config{
			Interval: cfg.SweepInterval,
			MaxAge:   cfg.ReservationTTL,
		}, logger)
		go sweeper.Start(ctx)
		defer sweeper.Stop()
	}

	lis, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	grpcServer := grpc.NewServer()
	creditv1.RegisterCreditServiceServer(grpcServer, grpcserver.NewCreditServiceServer(services.ledger, services.orchestrator, logger))

	errCh := make(chan error, 1)
	go func() {
		logger.Info("gRPC server starting", zap.String("listen_addr", cfg.ListenAddr), zap.String("provider", cfg.Provider))
		errCh <- grpcServer.Serve(lis)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
		grpcServer.GracefulStop()
		if serveErr := <-errCh; serveErr != nil && !errors.Is(serveErr, grpc.ErrServerStopped) {
			return serveErr
		}
		return nil
	case serveErr := <-errCh:
		if errors.Is(serveErr, grpc.ErrServerStopped) {
			return nil
		}
		return serveErr
	}
}

type services struct {
	ledger       *ledger.Service
	orchestrator *settlement.Orchestrator
}

// buildServices assembles the ledger and orchestrator with the optional cache and event sink.
func buildServices(ctx context.Context, cfg Config, db *gorm.DB, logger *zap.Logger) (services, func(), error) {
	var closers []func()
	cleanup := func() {
		for index := len(closers) - 1; index >= 0; index-- {
			closers[index]()
		}
	}

	store, closeStore, err := newLedgerStore(ctx, cfg, db)
	if err != nil {
		return services{}, cleanup, err
	}
	closers = append(closers, closeStore)
	ledgerService, err := ledger.NewService(store, func() int64 { return time.Now().UTC().Unix() }, ledger.WithOperationLogger(oplog.New(logger)))
	if err != nil {
		cleanup()
		return services{}, func() {}, fmt.Errorf("ledger service init: %w", err)
	}
	provider, err := newProvider(cfg)
	if err != nil {
		cleanup()
		return services{}, func() {}, err
	}
	rates, err := cfg.RateTable()
	if err != nil {
		cleanup()
		return services{}, func() {}, err
	}

	options := []settlement.Option{settlement.WithLogger(logger)}
	if cfg.RedisURL != "" {
		redisOptions, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			cleanup()
			return services{}, func() {}, fmt.Errorf("redis url: %w", err)
		}
		client := redis.NewClient(redisOptions)
		closers = append(closers, func() { _ = client.Close() })
		pingCtx, cancel := context.WithTimeout(ctx, redisPingTimeout)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			cleanup()
			return services{}, func() {}, fmt.Errorf("redis ping: %w", err)
		}
		options = append(options, settlement.WithResultCache(cache.NewRedisCache(client, cfg.CacheTTL)))
	}
	if len(cfg.KafkaBrokers) > 0 {
		publisher, err := events.DialKafka(cfg.KafkaBrokers, cfg.KafkaTopic)
		if err != nil {
			cleanup()
			return services{}, func() {}, err
		}
		closers = append(closers, func() { _ = publisher.Close() })
		options = append(options, settlement.WithEventPublisher(publisher))
	}

	orchestrator, err := settlement.NewOrchestrator(ledgerService, gormstore.NewUsageStore(db), provider, rates, settlement.Config{
		DefaultModel:        cfg.DefaultModel,
		MaxCompletionTokens: cfg.MaxCompletionTokens,
		BufferPercent:       cfg.BufferPercent,
	}, options...)
	if err != nil {
		cleanup()
		return services{}, func() {}, err
	}
	return services{ledger: ledgerService, orchestrator: orchestrator}, cleanup, nil
}

// newLedgerStore returns the gorm store, or a pgx pool store when configured. Usage records stay on gorm.
func newLedgerStore(ctx context.Context, cfg Config, db *gorm.DB) (ledger.Store, func(), error) {
	if cfg.LedgerStore != LedgerStorePGX {
		return gormstore.New(db), func() {}, nil
	}
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("pgx pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("pgx ping: %w", err)
	}
	return pgstore.New(pool), pool.Close, nil
}

func newProvider(cfg Config) (settlement.Provider, error) {
	switch cfg.Provider {
	case ProviderOpenAI:
		return openai.New(openai.Config{
			BaseURL: cfg.ProviderBaseURL,
			APIKey:  cfg.ProviderAPIKey,
			Timeout: cfg.ProviderTimeout,
		}, &http.Client{Timeout: cfg.ProviderTimeout})
	default:
		return echo.New(), nil
	}
}
