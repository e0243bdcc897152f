// Package main is the entry point for the billing API server.
//
// It serves the entitlement endpoints the purchase engine polls and the
// Stripe webhook. Verified webhooks are applied inline, or handed to the
// webhook worker through SQS when WEBHOOK_QUEUE_URL is set.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"fitmarket/internal/api/handlers"
	"fitmarket/internal/billing"
	"fitmarket/internal/config"
	"fitmarket/internal/core"
	"fitmarket/internal/db"
	"fitmarket/internal/entitlements"
	"fitmarket/internal/external"
	"fitmarket/internal/telemetry"
	"fitmarket/internal/webhooks"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

// apiDeps are the stores and collaborators behind the handlers. main builds
// them from Postgres, Stripe and AWS; tests substitute fakes.
type apiDeps struct {
	Accounts interface {
		entitlements.AccountStore
		webhooks.AccountStore
	}
	Records interface {
		handlers.RecordReader
		webhooks.RecordStore
	}
	Billing  external.BillingService
	Verifier external.WebhookVerifier
	Metrics  telemetry.Recorder
	// Queue, when set, replaces inline application of webhooks.
	Queue webhooks.SQSSender
}

func run() error {
	cfg, err := config.LoadConfig(config.NewFileSecretProvider())
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := config.NewLogger(os.Stdout, cfg.LogLevel)
	logger.Info("billing API starting",
		"environment", cfg.Environment,
		"version", cfg.Build.Version,
		"commit", cfg.Build.Commit,
		"port", cfg.Server.Port,
	)

	ctx := context.Background()

	pool, err := db.NewPool(ctx, cfg.Database)
	if err != nil {
		return err
	}
	if cfg.Database.EnsureSchema {
		if err := db.EnsureSchema(ctx, pool); err != nil {
			pool.Close()
			return fmt.Errorf("ensuring schema: %w", err)
		}
	}

	awsCfg, err := loadAWSConfig(ctx, cfg.AWS)
	if err != nil {
		pool.Close()
		return err
	}

	deps := apiDeps{
		Accounts: db.NewAccountRepo(pool),
		Records:  db.NewBillingRecordRepo(pool, logger),
		Billing: external.NewStripeClient(&http.Client{Timeout: 10 * time.Second}, external.StripeClientConfig{
			SecretKey: cfg.Billing.StripeSecretKey,
			BaseURL:   cfg.Billing.StripeAPIBase,
			Logger:    logger,
		}),
		Verifier: &external.StripeVerifier{},
		Metrics:  telemetry.NopRecorder{},
	}
	if cfg.Observability.MetricNamespace != "" {
		deps.Metrics = telemetry.NewCloudWatchMetrics(
			cloudwatch.NewFromConfig(awsCfg, func(o *cloudwatch.Options) { setEndpoint(&o.BaseEndpoint, cfg.AWS) }),
			cfg.Observability.MetricNamespace,
			logger,
		)
	}
	if cfg.AWS.WebhookQueueURL != "" {
		deps.Queue = sqs.NewFromConfig(awsCfg, func(o *sqs.Options) { setEndpoint(&o.BaseEndpoint, cfg.AWS) })
	}

	srv, err := newServer(cfg, logger, deps)
	if err != nil {
		pool.Close()
		return err
	}
	srv.HealthProbes = append(srv.HealthProbes, core.PingProbe{Label: "database", Ping: pool.Ping})
	srv.Closers = append(srv.Closers, pool.Close)

	return runHTTPServer(srv, cfg, logger)
}

// newServer wires handlers onto the chassis and mounts routes.
func newServer(cfg *config.Config, logger *slog.Logger, deps apiDeps) (*core.Server, error) {
	srv, err := core.NewServer(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("creating server: %w", err)
	}

	if cfg.Security.APITokenHash.IsSet() {
		auth, err := core.NewHashedTokenAuthenticator(cfg.Security.APITokenHash)
		if err != nil {
			return nil, fmt.Errorf("API_TOKEN_HASH is not a bcrypt hash: %w", err)
		}
		srv.Authenticator = auth
	} else {
		logger.Warn("API_TOKEN_HASH not set; /v1 routes are unauthenticated")
	}

	verifySvc := entitlements.NewService(entitlements.Config{
		Accounts: deps.Accounts,
		Records:  deps.Records,
		Billing:  deps.Billing,
		Resolver: billing.NewTierResolver(),
		Metrics:  deps.Metrics,
		Logger:   logger,
	})
	accountHandler := handlers.NewAccountHandler(deps.Records, verifySvc, logger)
	srv.V1RouteRegistrars = append(srv.V1RouteRegistrars, accountHandler.RegisterRoutes)

	var sink webhooks.Sink
	if deps.Queue != nil {
		sink = webhooks.NewQueuePublisher(deps.Queue, cfg.AWS.WebhookQueueURL, logger)
		logger.Info("webhooks hand off to queue", "queue_url", cfg.AWS.WebhookQueueURL)
	} else {
		sink = webhooks.NewEventApplier(webhooks.ApplierConfig{
			Records:  deps.Records,
			Accounts: deps.Accounts,
			Metrics:  deps.Metrics,
			Logger:   logger,
		})
	}
	webhookHandler := handlers.NewStripeWebhookHandler(deps.Verifier, sink, cfg.Billing.StripeWebhookSecret, logger)
	srv.PublicRouteRegistrars = append(srv.PublicRouteRegistrars, webhookHandler.RegisterRoutes)

	if err := srv.MountRoutes(); err != nil {
		return nil, fmt.Errorf("mounting routes: %w", err)
	}
	return srv, nil
}

func loadAWSConfig(ctx context.Context, cfg config.AWSConfig) (aws.Config, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return aws.Config{}, fmt.Errorf("loading AWS config: %w", err)
	}
	return awsCfg, nil
}

// setEndpoint points a service client at LocalStack when configured.
func setEndpoint(dst **string, cfg config.AWSConfig) {
	if cfg.EndpointURL != "" {
		*dst = aws.String(cfg.EndpointURL)
	}
}

// runHTTPServer serves until SIGINT/SIGTERM, then drains connections.
func runHTTPServer(srv *core.Server, cfg *config.Config, logger *slog.Logger) error {
	addr := ":" + cfg.Server.Port
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-shutdown:
		logger.Info("shutdown signal received", "signal", sig.String())
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	logger.Info("server stopped cleanly")
	return nil
}
