// Package telemetry emits billing reconciliation metrics to CloudWatch.
package telemetry

import (
	"context"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"fitmarket/internal/types"
)

// Metric names and dimensions.
const (
	DefaultNamespace = "FitMarket/Billing"

	MetricVerification = "EntitlementVerification"
	MetricWebhookEvent = "WebhookEvent"
	MetricQueueLag     = "WebhookQueueLag"

	DimResult    = "Result"
	DimEventType = "EventType"
	DimOutcome   = "Outcome"
)

// Webhook outcomes.
const (
	OutcomeApplied = "applied"
	OutcomeStale   = "stale"
	OutcomeIgnored = "ignored"
	OutcomeFailed  = "failed"
)

// CloudWatchClient abstracts the CloudWatch PutMetricData operation for testability.
type CloudWatchClient interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

// Recorder is what the server components report to. Recording never fails
// the caller.
type Recorder interface {
	RecordVerification(ctx context.Context, result types.VerificationResult)
	RecordWebhookEvent(ctx context.Context, eventType, outcome string)
	RecordQueueLag(ctx context.Context, lag time.Duration)
}

var (
	_ Recorder = (*CloudWatchMetrics)(nil)
	_ Recorder = NopRecorder{}
)

// CloudWatchMetrics implements Recorder with one PutMetricData call per
// observation.
type CloudWatchMetrics struct {
	client    CloudWatchClient
	namespace string
	logger    *slog.Logger
}

// NewCloudWatchMetrics creates a recorder publishing to namespace, or
// DefaultNamespace when empty.
func NewCloudWatchMetrics(client CloudWatchClient, namespace string, logger *slog.Logger) *CloudWatchMetrics {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CloudWatchMetrics{client: client, namespace: namespace, logger: logger}
}

func (m *CloudWatchMetrics) RecordVerification(ctx context.Context, result types.VerificationResult) {
	m.put(ctx, cwtypes.MetricDatum{
		MetricName: aws.String(MetricVerification),
		Value:      aws.Float64(1),
		Unit:       cwtypes.StandardUnitCount,
		Dimensions: []cwtypes.Dimension{
			{Name: aws.String(DimResult), Value: aws.String(string(result))},
		},
	})
}

func (m *CloudWatchMetrics) RecordWebhookEvent(ctx context.Context, eventType, outcome string) {
	m.put(ctx, cwtypes.MetricDatum{
		MetricName: aws.String(MetricWebhookEvent),
		Value:      aws.Float64(1),
		Unit:       cwtypes.StandardUnitCount,
		Dimensions: []cwtypes.Dimension{
			{Name: aws.String(DimEventType), Value: aws.String(eventType)},
			{Name: aws.String(DimOutcome), Value: aws.String(outcome)},
		},
	})
}

// RecordQueueLag tracks the time between SQS enqueue and worker pickup.
func (m *CloudWatchMetrics) RecordQueueLag(ctx context.Context, lag time.Duration) {
	m.put(ctx, cwtypes.MetricDatum{
		MetricName: aws.String(MetricQueueLag),
		Value:      aws.Float64(float64(lag.Milliseconds())),
		Unit:       cwtypes.StandardUnitMilliseconds,
	})
}

func (m *CloudWatchMetrics) put(ctx context.Context, datum cwtypes.MetricDatum) {
	_, err := m.client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
		Namespace:  aws.String(m.namespace),
		MetricData: []cwtypes.MetricDatum{datum},
	})
	if err != nil {
		m.logger.WarnContext(ctx, "failed to publish metric",
			"metric", aws.ToString(datum.MetricName),
			"error", err,
		)
	}
}

// NopRecorder discards everything. Used when no metrics namespace is
// configured and in tests.
type NopRecorder struct{}

func (NopRecorder) RecordVerification(context.Context, types.VerificationResult) {}
func (NopRecorder) RecordWebhookEvent(context.Context, string, string)           {}
func (NopRecorder) RecordQueueLag(context.Context, time.Duration)               {}
