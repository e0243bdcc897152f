package webhooks

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqsTypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

// SQSSender abstracts the SQS SendMessage operation for testability.
// Production code uses the *sqs.Client from aws-sdk-go-v2.
type SQSSender interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// QueuePublisher forwards verified payloads to the webhook queue. The
// worker parses them; only the envelope is read here, for attributes.
type QueuePublisher struct {
	client   SQSSender
	queueURL string
	logger   *slog.Logger
}

func NewQueuePublisher(client SQSSender, queueURL string, logger *slog.Logger) *QueuePublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &QueuePublisher{client: client, queueURL: queueURL, logger: logger}
}

// Accept enqueues payload unchanged.
func (p *QueuePublisher) Accept(ctx context.Context, payload []byte) error {
	ev, err := ParseEvent(payload)
	if err != nil {
		return err
	}

	out, err := p.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(payload)),
		MessageAttributes: map[string]sqsTypes.MessageAttributeValue{
			"event_id":   {DataType: aws.String("String"), StringValue: aws.String(ev.ID)},
			"event_type": {DataType: aws.String("String"), StringValue: aws.String(ev.Type)},
		},
	})
	if err != nil {
		return fmt.Errorf("webhook publisher: failed to send message to %s: %w", p.queueURL, err)
	}

	var messageID string
	if out != nil {
		messageID = aws.ToString(out.MessageId)
	}
	p.logger.InfoContext(ctx, "webhook event queued",
		"event_id", ev.ID,
		"event_type", ev.Type,
		"message_id", messageID,
	)
	return nil
}

var (
	_ Sink = (*QueuePublisher)(nil)
	_ Sink = (*EventApplier)(nil)
)
