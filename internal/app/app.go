package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/rl1809/site-ledger/internal/adapter/catalog"
	"github.com/rl1809/site-ledger/internal/adapter/handler"
	"github.com/rl1809/site-ledger/internal/adapter/storage"
	"github.com/rl1809/site-ledger/internal/config"
	"github.com/rl1809/site-ledger/internal/core/service"
	"github.com/rl1809/site-ledger/internal/observability"
	"github.com/rl1809/site-ledger/internal/platform/logger"
	"github.com/rl1809/site-ledger/internal/port"
)

// App holds the wired ledger: store, optional Redis coordination, use cases
// and the outbox consumer.
type App struct {
	Config   *config.Config
	Log      *logger.Logger
	Store    *storage.Store
	Hooks    *observability.LogHooks
	Ledger   *service.LedgerService
	Admin    *service.OutboxAdmin
	Consumer *service.EventConsumer

	redis       *redis.Client
	coordinator port.EventCoordinator
	stopTracing func(context.Context) error
}

func New(ctx context.Context, cfg *config.Config, log *logger.Logger) (*App, error) {
	if log == nil {
		log = logger.Nop()
	}
	a := &App{Config: cfg, Log: log, stopTracing: func(context.Context) error { return nil }}

	stop, err := observability.InitTracing(ctx, log, cfg.Tracing)
	if err != nil {
		return nil, err
	}
	a.stopTracing = stop

	a.Store, err = storage.Open(ctx, storage.Options{
		Driver:          cfg.Database.Driver,
		DSN:             cfg.Database.DSN,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		Migrate:         cfg.Database.AutoMigrate,
	}, log)
	if err != nil {
		a.Close(ctx)
		return nil, fmt.Errorf("open store: %w", err)
	}
	log.Info("connected to database", "driver", string(a.Store.Dialect()))

	if cfg.Redis.Addr != "" {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
		if err := a.redis.Ping(ctx).Err(); err != nil {
			a.Close(ctx)
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		a.coordinator = storage.NewRedisAdapter(a.redis, log)
		log.Info("connected to redis", "addr", cfg.Redis.Addr)
	}

	var cat port.Catalog
	if len(cfg.Catalog) > 0 {
		cat = catalog.NewStatic(cfg.Catalog)
	}

	a.Hooks = observability.NewLogHooks(log)
	a.Ledger = service.NewLedgerService(service.Deps{
		Wallets:     a.Store.Wallets(),
		BudgetLines: a.Store.BudgetLines(),
		Inventory:   a.Store.Inventory(),
		Coordinator: a.coordinator,
		Catalog:     cat,
		Hooks:       a.Hooks,
		Log:         log,
		MaxAttempts: cfg.Ledger.ConflictRetries,
	})
	a.Admin = service.NewOutboxAdmin(a.Store.Outbox(), a.coordinator, log)
	a.Consumer = service.NewEventConsumer(a.Store.Outbox(), a.coordinator, a.Ledger.Handlers(cfg.Consumer.Name), service.ConsumerConfig{
		Name:         cfg.Consumer.Name,
		Workers:      cfg.Consumer.Workers,
		BatchSize:    cfg.Consumer.BatchSize,
		PollInterval: cfg.Consumer.PollInterval,
		MaxAttempts:  cfg.Consumer.MaxAttempts,
		BackoffMin:   cfg.Consumer.BackoffMin,
		BackoffMax:   cfg.Consumer.BackoffMax,
		LeaseTTL:     cfg.Consumer.LeaseTTL,
	}, log)
	return a, nil
}

// Serve runs the HTTP API, the gRPC admin service and, when enabled, the
// outbox consumer until ctx is cancelled or one of them fails.
func (a *App) Serve(ctx context.Context, httpLis, grpcLis net.Listener) error {
	httpServer := &http.Server{
		Handler:           handler.NewHTTPHandler(a.Ledger, a.Store, a.Log).Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	grpcServer := grpc.NewServer(grpc.UnaryInterceptor(handler.UnaryLogging(a.Log)))
	handler.RegisterLedgerAdminServer(grpcServer, handler.NewGRPCHandler(a.Ledger, a.Admin, a.Hooks))
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.Log.Info("HTTP server listening", "addr", httpLis.Addr().String())
		if err := httpServer.Serve(httpLis); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		a.Log.Info("gRPC server listening", "addr", grpcLis.Addr().String())
		if err := grpcServer.Serve(grpcLis); err != nil {
			return fmt.Errorf("grpc server: %w", err)
		}
		return nil
	})
	if a.Config.Consumer.Enabled {
		g.Go(func() error { return a.Consumer.Run(gctx) })
	}
	g.Go(func() error {
		<-gctx.Done()
		a.Log.Info("shutting down")
		healthServer.Shutdown()

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.shutdownTimeout())
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			a.Log.Warn("HTTP shutdown", "error", err)
		}
		a.Log.Info("HTTP server stopped")
		grpcServer.GracefulStop()
		a.Log.Info("gRPC server stopped")
		return nil
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Consume runs only the outbox consumer.
func (a *App) Consume(ctx context.Context) error {
	return a.Consumer.Run(ctx)
}

func (a *App) shutdownTimeout() time.Duration {
	if a.Config.Server.ShutdownTimeout > 0 {
		return a.Config.Server.ShutdownTimeout
	}
	return 5 * time.Second
}

// Close releases connections and flushes spans. It is safe on a partially
// built App.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.Hooks != nil {
		c := a.Hooks.Snapshot()
		a.Log.Info("ledger counters", "operations", c.Operations, "failures", c.Failures,
			"conflicts", c.Conflicts, "retries", c.Retries, "violations", c.Violations)
	}
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	if a.Store != nil {
		errs = append(errs, a.Store.Close())
	}
	errs = append(errs, a.stopTracing(ctx))
	a.Log.Info("connections closed")
	return errors.Join(errs...)
}
