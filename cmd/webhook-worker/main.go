// Package main is the Lambda that applies queued Stripe events.
//
// Events reach the queue two ways: the API's QueuePublisher (raw Stripe
// payload as the message body) or Stripe's EventBridge destination (the
// payload wrapped in an EventBridge envelope under "detail"). Both are
// applied by the same webhooks.EventApplier the API uses inline.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/tidwall/gjson"

	"fitmarket/internal/config"
	"fitmarket/internal/db"
	"fitmarket/internal/telemetry"
	"fitmarket/internal/webhooks"
)

// Handler processes one SQS batch.
type Handler struct {
	sink    webhooks.Sink
	metrics telemetry.Recorder
	now     func() time.Time
	logger  *slog.Logger
}

// Handle applies each record independently. Transient failures are
// reported as batch item failures so SQS redelivers only those; events that
// can never apply are logged and acknowledged.
func (h *Handler) Handle(ctx context.Context, sqsEvent events.SQSEvent) (events.SQSEventResponse, error) {
	response := events.SQSEventResponse{}
	for _, record := range sqsEvent.Records {
		if err := h.processMessage(ctx, record); err != nil {
			h.logger.ErrorContext(ctx, "failed to process SQS message",
				"message_id", record.MessageId,
				"error", err.Error(),
			)
			response.BatchItemFailures = append(response.BatchItemFailures,
				events.SQSBatchItemFailure{ItemIdentifier: record.MessageId},
			)
		}
	}
	return response, nil
}

func (h *Handler) processMessage(ctx context.Context, record events.SQSMessage) error {
	if sent, ok := record.Attributes["SentTimestamp"]; ok {
		if ms, err := strconv.ParseInt(sent, 10, 64); err == nil {
			h.metrics.RecordQueueLag(ctx, h.now().Sub(time.UnixMilli(ms)))
		}
	}

	err := h.sink.Accept(ctx, stripePayload(record.Body))
	if err != nil && webhooks.Permanent(err) {
		h.logger.WarnContext(ctx, "dropping unprocessable event",
			"message_id", record.MessageId,
			"error", err.Error(),
		)
		return nil
	}
	return err
}

// stripePayload unwraps an EventBridge envelope; any other body is
// returned as is.
func stripePayload(body string) []byte {
	if gjson.Get(body, "detail-type").Exists() {
		if detail := gjson.Get(body, "detail"); detail.IsObject() {
			return []byte(detail.Raw)
		}
	}
	return []byte(body)
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadWorkerConfig(config.NewFileSecretProvider())
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)
	logger.Info("webhook worker initializing (cold start)")

	ctx := context.Background()

	// The pool outlives invocations; Lambda freezes it between batches.
	pool, err := db.NewPool(ctx, cfg.Database)
	if err != nil {
		return err
	}

	var metrics telemetry.Recorder = telemetry.NopRecorder{}
	if cfg.Observability.MetricNamespace != "" {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWS.Region))
		if err != nil {
			return fmt.Errorf("loading AWS config: %w", err)
		}
		cw := cloudwatch.NewFromConfig(awsCfg, func(o *cloudwatch.Options) {
			if cfg.AWS.EndpointURL != "" {
				o.BaseEndpoint = aws.String(cfg.AWS.EndpointURL)
			}
		})
		metrics = telemetry.NewCloudWatchMetrics(cw, cfg.Observability.MetricNamespace, logger)
	}

	handler := &Handler{
		sink: webhooks.NewEventApplier(webhooks.ApplierConfig{
			Records:  db.NewBillingRecordRepo(pool, logger),
			Accounts: db.NewAccountRepo(pool),
			Metrics:  metrics,
			Logger:   logger,
		}),
		metrics: metrics,
		now:     time.Now,
		logger:  logger,
	}

	logger.Info("webhook worker initialized", "metric_namespace", cfg.Observability.MetricNamespace)
	lambda.Start(handler.Handle)
	return nil
}
