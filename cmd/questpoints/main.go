// Package main запускает движок оценки риска и начисления баллов.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/mmeshcher/questpoints/internal/alert"
	"github.com/mmeshcher/questpoints/internal/config"
	"github.com/mmeshcher/questpoints/internal/crediting"
	"github.com/mmeshcher/questpoints/internal/handler"
	"github.com/mmeshcher/questpoints/internal/metrics"
	"github.com/mmeshcher/questpoints/internal/middleware"
	"github.com/mmeshcher/questpoints/internal/referral"
	"github.com/mmeshcher/questpoints/internal/repository"
	"github.com/mmeshcher/questpoints/internal/risk"
	"github.com/mmeshcher/questpoints/internal/scheduler"
	"github.com/mmeshcher/questpoints/internal/service"
)

func main() {
	cfg, err := config.Parse()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger initialization error: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	sugar := logger.Sugar()

	if cfg.IssueTokenFor != "" {
		if err := printToken(cfg); err != nil {
			fmt.Fprintf(os.Stderr, "issue token error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	loc, err := cfg.Location()
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}

	repo, err := repository.NewPostgresRepository(cfg.DatabaseURI, repository.TxOptions{
		LockTimeout:      cfg.TxLockTimeout,
		StatementTimeout: cfg.TxStatementTimeout,
		Timeout:          cfg.TxTimeout,
	})
	if err != nil {
		sugar.Fatalw("database initialization error", "error", err.Error())
	}

	m := metrics.New()

	sinks := []alert.Named{{Name: "log", Sink: alert.NewLogSink(logger)}}
	if cfg.AlertWebhookURL != "" {
		sinks = append(sinks, alert.Named{
			Name: "webhook",
			Sink: alert.NewWebhookClient(cfg.AlertWebhookURL, alert.DefaultBreakerSettings(), m),
		})
	}
	var redisClient *redis.Client
	if cfg.RedisAddress != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddress})
		defer redisClient.Close()
		sinks = append(sinks, alert.Named{
			Name: "redis",
			Sink: alert.NewRedisPublisher(redisClient, cfg.RedisAlertChannel),
		})
	}
	alerts := alert.NewFanout(m, sinks...)

	engine := risk.NewEngine(
		risk.SharedRandom{},
		alerts,
		risk.WithLogger(logger),
	)
	collector := risk.NewCollector(repo, loc, nil)

	protocol := crediting.New(repo, crediting.WithLogger(logger), crediting.WithMetrics(m))
	matcher := referral.NewMatcher(repo, protocol, referral.WithLogger(logger), referral.WithMetrics(m))
	sweeper := scheduler.New(repo, protocol,
		scheduler.WithInterval(cfg.SweepInterval),
		scheduler.WithBatchSize(cfg.SweepBatchSize),
		scheduler.WithLogger(logger),
		scheduler.WithMetrics(m),
	)

	svc := service.NewService(service.Deps{
		Repo:      repo,
		Collector: collector,
		Assessor:  engine,
		Crediter:  protocol,
		Referrals: matcher,
		Sweeper:   sweeper,
		Logger:    logger,
		Metrics:   m,
	})
	defer svc.Close()

	if cfg.AdminSecret == "" {
		sugar.Warn("ADMIN_SECRET is empty, operator tokens are valid until restart")
	}
	authMiddleware := middleware.NewAuthMiddleware(cfg.AdminSecret)
	h := handler.NewHandler(svc, logger, authMiddleware, m)

	server := &http.Server{
		Addr:              cfg.RunAddress,
		Handler:           h.SetupRouter(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return sweeper.Start(ctx)
	})

	g.Go(func() error {
		sugar.Infow("starting questpoints engine", "addr", cfg.RunAddress)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	// Корректная остановка при сигнале или ошибке в другой горутине
	g.Go(func() error {
		<-ctx.Done()
		sugar.Info("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
		sugar.Info("server stopped gracefully")
		return nil
	})

	if err := g.Wait(); err != nil {
		sugar.Fatalw("application terminated with error", "error", err)
	}
}

func printToken(cfg *config.Config) error {
	if cfg.AdminSecret == "" {
		return errors.New("ADMIN_SECRET is required to issue tokens")
	}
	operatorID, err := uuid.Parse(cfg.IssueTokenFor)
	if err != nil {
		return fmt.Errorf("parse operator id: %w", err)
	}
	fmt.Println(middleware.NewAuthMiddleware(cfg.AdminSecret).IssueToken(operatorID))
	return nil
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("parse log level: %w", err)
	}

	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(lvl)
	zcfg.EncoderConfig.TimeKey = "timestamp"
	zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	return zcfg.Build()
}
