// Package queue provides the SQS producer for entitlement retry tasks:
// webhook writes that failed after the event was already acknowledged to the
// processor are enqueued here for the retry worker to re-apply.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqsTypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/google/uuid"

	"shoplist/internal/config"
	"shoplist/internal/types"
)

// maxSQSDelay is the SQS per-message delay ceiling.
const maxSQSDelay = 900 * time.Second

// SQSSender abstracts the SQS SendMessage operation for testability.
// Production code uses the *sqs.Client from aws-sdk-go-v2.
type SQSSender interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// RetryPublisher serializes RetryTasks and sends them to the entitlement
// retry queue. A zero queue URL disables publishing (local development); in
// that configuration a failed webhook write is lost, which matches the
// degraded behavior before the queue existed.
type RetryPublisher struct {
	client   SQSSender
	queueURL string
	logger   *slog.Logger
}

// NewRetryPublisher creates a RetryPublisher from the AWS configuration.
func NewRetryPublisher(client SQSSender, awsCfg config.AWSConfig, logger *slog.Logger) *RetryPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &RetryPublisher{
		client:   client,
		queueURL: awsCfg.RetryQueueURL,
		logger:   logger,
	}
}

// Enabled reports whether a retry queue is configured.
func (p *RetryPublisher) Enabled() bool {
	return p.queueURL != ""
}

// Publish enqueues a retry task with the given delivery delay. TaskID and
// EnqueuedAt are stamped here; callers set the event context and attempt
// count.
func (p *RetryPublisher) Publish(ctx context.Context, task types.RetryTask, delay time.Duration) error {
	if !p.Enabled() {
		p.logger.WarnContext(ctx, "retry queue not configured; dropping retry task",
			slog.String("event_id", task.EventID),
			slog.String("user_id", task.Record.UserID),
		)
		return nil
	}

	if task.TaskID == "" {
		task.TaskID = uuid.New().String()
	}
	task.EnqueuedAt = time.Now().UTC()
	if task.TraceID == "" {
		task.TraceID = types.GetRequestID(ctx)
	}

	body, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("queue: failed to marshal RetryTask: %w", err)
	}

	if delay < 0 {
		delay = 0
	}
	if delay > maxSQSDelay {
		delay = maxSQSDelay
	}

	input := &sqs.SendMessageInput{
		QueueUrl:     aws.String(p.queueURL),
		MessageBody:  aws.String(string(body)),
		DelaySeconds: int32(delay / time.Second),
		MessageAttributes: map[string]sqsTypes.MessageAttributeValue{
			"event_type": {
				DataType:    aws.String("String"),
				StringValue: aws.String(task.EventType),
			},
		},
	}

	if _, err := p.client.SendMessage(ctx, input); err != nil {
		return fmt.Errorf("queue: failed to send RetryTask to %s: %w", p.queueURL, err)
	}

	p.logger.InfoContext(ctx, "retry task enqueued",
		slog.String("task_id", task.TaskID),
		slog.String("event_id", task.EventID),
		slog.String("event_type", task.EventType),
		slog.String("user_id", task.Record.UserID),
		slog.Int("attempt", task.Attempt),
		slog.Duration("delay", delay),
	)

	return nil
}
