package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/rl1809/stock-ledger/internal/adapter/handler"
	"github.com/rl1809/stock-ledger/internal/config"
	"github.com/rl1809/stock-ledger/internal/core/service"
	"github.com/rl1809/stock-ledger/internal/observability"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := observability.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server exited", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.SetupTracing(ctx, observability.TracingConfig{
		Endpoint:   cfg.OtelEndpoint,
		AuthHeader: cfg.OtelAuthHeader,
	})
	if err != nil {
		logger.Warn("tracing disabled", zap.Error(err))
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warn("flush traces", zap.Error(err))
		}
	}()

	deps, err := openInfra(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer deps.Close()

	// Services
	events := service.NewEventDispatcher(deps.publisher, cfg.EventQueueSize, logger.Named("events"))
	events.Start(cfg.EventWorkers)
	// Drain events committed before shutdown.
	defer events.Close()
	logger.Info("started event workers", zap.Int("workers", cfg.EventWorkers))

	coord := service.NewCoordinator(deps.store, deps.locker, service.RetryConfig{
		MaxAttempts:     cfg.RetryMaxAttempts,
		InitialInterval: cfg.RetryInitialInterval,
		MaxInterval:     cfg.RetryMaxInterval,
		LockTimeout:     cfg.LockTimeout,
	}, logger.Named("coordinator"))
	ledger := service.NewLedger(deps.store, coord, events, logger.Named("ledger"))
	allocations := service.NewAllocationService(ledger, deps.store, logger.Named("allocations"))
	monitor := service.NewStockMonitor(ledger, deps.store)
	audit := service.NewAuditService(ledger, deps.store)

	// gRPC
	grpcServer := grpc.NewServer()
	handler.RegisterStockLedgerServer(grpcServer, handler.NewGRPCHandler(ledger, allocations, audit, logger.Named("grpc")))

	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.GRPCPort))
	if err != nil {
		return fmt.Errorf("listen grpc: %w", err)
	}

	// HTTP
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(handler.Recovery(logger), handler.RequestLogger(logger.Named("http")))
	rateLimit, err := handler.RateLimit(cfg.RateLimit)
	if err != nil {
		return err
	}
	router.Use(rateLimit)
	handler.NewHTTPHandler(allocations, monitor, audit).Register(router)

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("gRPC server listening", zap.Int("port", cfg.GRPCPort))
		return grpcServer.Serve(lis)
	})
	g.Go(func() error {
		logger.Info("HTTP server listening", zap.Int("port", cfg.Port))
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http shutdown", zap.Error(err))
		}
		logger.Info("HTTP server stopped")

		grpcServer.GracefulStop()
		logger.Info("gRPC server stopped")
		return nil
	})

	err = g.Wait()

	events.Close()
	logger.Info("event workers stopped")
	return err
}
