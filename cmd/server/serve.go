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

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"koresoft/device-identity/internal/approval"
	"koresoft/device-identity/internal/audit"
	"koresoft/device-identity/internal/auth"
	"koresoft/device-identity/internal/config"
	"koresoft/device-identity/internal/db"
	"koresoft/device-identity/internal/device"
	"koresoft/device-identity/internal/enrollment"
	"koresoft/device-identity/internal/gate"
	devicegrpc "koresoft/device-identity/internal/grpc"
	internalhttp "koresoft/device-identity/internal/http"
	"koresoft/device-identity/internal/jobs"
	"koresoft/device-identity/internal/metrics"
	"koresoft/device-identity/internal/model"
	"koresoft/device-identity/internal/ratelimit"
	"koresoft/device-identity/internal/renewal"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and gRPC servers and the nonce purge job.",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBPoolMin, cfg.DBPoolMax)
	if err != nil {
		logger.Error("db connection failed", zap.Error(err))
		return err
	}
	defer pool.Close()

	if cfg.MigrateOnStart {
		if _, err := db.Migrate(ctx, pool, logger); err != nil {
			logger.Error("migration failed", zap.Error(err))
			return err
		}
	}
	store := db.NewStore(pool)

	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := redisClient.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			logger.Error("redis ping failed", zap.Error(err))
			return err
		}
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Warn("redis close error", zap.Error(err))
			}
		}()
	}

	m := metrics.New()
	keys := signingKeys(cfg, logger)
	if _, err := keys.SigningKey(); err != nil {
		logger.Error("signing key unavailable", zap.Error(err))
		return err
	}
	codec := auth.NewCodec(keys, auth.WithIssuer(cfg.JWTIssuer))
	recorder := audit.NewRecorder(logger, m)
	registry := device.NewRegistry(store, recorder, logger, m, nil)

	services := internalhttp.Services{
		Codec: codec,
		Enrollment: enrollment.NewService(store, codec, recorder, enrollment.Policy{
			ChallengeTTL: cfg.ChallengeTTL,
			InitialState: model.DeviceState(cfg.EnrollInitialState),
			Lifetime:     lifetime(cfg),
		}, logger, m),
		Renewal:  renewal.NewService(codec, store, recorder, lifetime(cfg), logger, m),
		Registry: registry,
		Gate:     gate.New(codec, registry, cfg.AutoProvision, logger, m),
		Approval: approval.NewService(store, recorder, logger, m, nil),
		Metrics:  m,
	}
	if limiter := ratelimit.New(redisClient, cfg.RateLimitPoints, cfg.RateLimitWindow); limiter != nil {
		services.Limiter = limiter
	} else {
		logger.Info("rate limiting disabled")
	}

	server, err := internalhttp.NewServer(cfg, services, logger)
	if err != nil {
		return err
	}
	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	grpcServer := devicegrpc.NewServer(cfg.ServiceAuthToken, logger)
	purgeDone := jobs.NewNoncePurge(cfg, store, redisClient, logger, m).Start(ctx)

	serveErr := make(chan error, 2)
	go func() {
		logger.Info("http listening", zap.String("addr", cfg.HTTPAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- fmt.Errorf("http server: %w", err)
		}
	}()
	go func() {
		listener, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			serveErr <- fmt.Errorf("grpc listen: %w", err)
			return
		}
		logger.Info("grpc listening", zap.String("addr", cfg.GRPCAddr))
		if err := grpcServer.Serve(listener); err != nil {
			serveErr <- fmt.Errorf("grpc server: %w", err)
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case runErr = <-serveErr:
		logger.Error("server stopped", zap.Error(runErr))
	}
	stop()

	grpcServer.SetServing(false)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown error", zap.Error(err))
	}
	grpcServer.Shutdown()
	<-purgeDone
	return runErr
}
