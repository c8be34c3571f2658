// Package main is the entrypoint for the Entitlement Retry Worker Lambda.
//
// The worker consumes retry tasks from the entitlement retry SQS queue.
// Each task carries a fully derived entitlement record whose write failed
// inside the webhook path after the provider event was already
// acknowledged. The worker re-applies the write; the upserter's
// monotonic-write guard makes a replay that lost the race to a newer
// event a harmless no-op.
//
// Cold Start (main):
//  1. Initialize structured logger.
//  2. Load AWS SDK configuration.
//  3. Read environment variables for the database URL and queue URL.
//  4. Initialize the database pool, SQS client, and CloudWatch client.
//  5. Register handler and call lambda.Start.
//
// Handler flow per batch:
//
//	For each SQS message:
//	  1. Unmarshal the RetryTask from the message body.
//	  2. Re-apply the entitlement upsert.
//	  3. Success -> ack. Failure below the attempt cap -> re-publish with
//	     exponential delay and ack. Failure at the cap -> drop with an
//	     error log and ack. Re-publish failure -> partial batch failure
//	     so SQS redelivers this message.
package main

import (
	"context"
	"encoding/json"
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
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/jackc/pgx/v5/pgxpool"

	"shoplist/internal/config"
	"shoplist/internal/db"
	"shoplist/internal/queue"
	"shoplist/internal/types"
)

// defaultMaxAttempts caps total delivery attempts per task. The first
// attempt is counted by the webhook handler, so a cap of 5 means at most
// four replays through this worker.
const defaultMaxAttempts = 5

// retryBaseDelay seeds the exponential re-publish delay. The publisher
// clamps the computed delay to the SQS maximum.
const retryBaseDelay = 30 * time.Second

// EntitlementUpserter is the single write the worker needs.
// Implemented by db.EntitlementRepo.
type EntitlementUpserter interface {
	Upsert(ctx context.Context, rec *types.EntitlementRecord) error
}

// RetryPublisher re-enqueues tasks that failed again.
// Implemented by queue.RetryPublisher.
type RetryPublisher interface {
	Publish(ctx context.Context, task types.RetryTask, delay time.Duration) error
}

// Handler holds the dependencies for the retry worker Lambda handler.
type Handler struct {
	store       EntitlementUpserter
	publisher   RetryPublisher
	metrics     *workerMetrics
	maxAttempts int
	logger      *slog.Logger
}

// Handle processes an SQS event containing one or more retry tasks.
// Lambda SQS integration uses partial batch responses: messages that fail
// processing are returned in batchItemFailures so SQS redelivers only them.
func (h *Handler) Handle(ctx context.Context, sqsEvent events.SQSEvent) (events.SQSEventResponse, error) {
	response := events.SQSEventResponse{}

	for _, record := range sqsEvent.Records {
		if err := h.processMessage(ctx, record); err != nil {
			h.logger.ErrorContext(ctx, "failed to process retry message",
				slog.String("message_id", record.MessageId),
				slog.Any("error", err),
			)
			response.BatchItemFailures = append(response.BatchItemFailures,
				events.SQSBatchItemFailure{ItemIdentifier: record.MessageId},
			)
		}
	}

	return response, nil
}

// processMessage re-applies a single retry task. A nil return acks the
// message; an error reports it as a partial batch failure.
func (h *Handler) processMessage(ctx context.Context, record events.SQSMessage) error {
	var task types.RetryTask
	if err := json.Unmarshal([]byte(record.Body), &task); err != nil {
		h.logger.ErrorContext(ctx, "failed to unmarshal retry task",
			slog.String("message_id", record.MessageId),
			slog.Any("error", err),
		)
		// Permanent parse failure. Redelivery cannot fix the body.
		h.metrics.recordOutcome(ctx, outcomeDropped)
		return nil
	}

	// A task below attempt 1 would produce a negative shift in the delay
	// computation. Treat it as a first attempt.
	if task.Attempt < 1 {
		task.Attempt = 1
	}

	logger := h.logger.With(
		slog.String("task_id", task.TaskID),
		slog.String("event_id", task.EventID),
		slog.String("event_type", task.EventType),
		slog.String("user_id", task.Record.UserID),
		slog.Int("attempt", task.Attempt),
	)

	if lag, ok := queueLag(record); ok {
		h.metrics.recordQueueLag(ctx, lag)
	}

	err := h.store.Upsert(ctx, &task.Record)
	if err == nil {
		h.metrics.recordOutcome(ctx, outcomeApplied)
		logger.InfoContext(ctx, "entitlement retry applied")
		return nil
	}

	if task.Attempt >= h.maxAttempts {
		h.metrics.recordOutcome(ctx, outcomeDropped)
		logger.ErrorContext(ctx, "entitlement retry dropped after max attempts",
			slog.Any("error", err),
		)
		// The poller remains the last line of convergence for this user.
		return nil
	}

	next := task
	next.Attempt++
	delay := retryBaseDelay << (task.Attempt - 1)
	if publishErr := h.publisher.Publish(ctx, next, delay); publishErr != nil {
		// Keep the original message in flight so SQS redelivers it.
		return fmt.Errorf("re-publishing retry task: %w", publishErr)
	}

	h.metrics.recordOutcome(ctx, outcomeRetried)
	logger.WarnContext(ctx, "entitlement retry re-enqueued",
		slog.Int("next_attempt", next.Attempt),
		slog.Duration("delay", delay),
		slog.Any("error", err),
	)
	return nil
}

// queueLag derives how long the message sat in the queue from the SQS
// SentTimestamp attribute (epoch milliseconds).
func queueLag(record events.SQSMessage) (time.Duration, bool) {
	raw, ok := record.Attributes["SentTimestamp"]
	if !ok {
		return 0, false
	}
	millis, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	return time.Since(time.UnixMilli(millis)), true
}

// ---------------------------------------------------------------------------
// CloudWatch Metrics
// ---------------------------------------------------------------------------

const (
	outcomeApplied = "applied"
	outcomeRetried = "retried"
	outcomeDropped = "dropped"
)

// metricsPutter is the subset of the CloudWatch client the worker uses.
type metricsPutter interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

// workerMetrics emits delivery telemetry to CloudWatch. Metric failures
// are logged and swallowed; telemetry must never fail task processing.
type workerMetrics struct {
	client    metricsPutter
	namespace string
	logger    *slog.Logger
}

func newWorkerMetrics(client metricsPutter, namespace string, logger *slog.Logger) *workerMetrics {
	return &workerMetrics{
		client:    client,
		namespace: namespace,
		logger:    logger,
	}
}

func (m *workerMetrics) recordOutcome(ctx context.Context, outcome string) {
	m.put(ctx, cwtypes.MetricDatum{
		MetricName: aws.String("EntitlementRetryTasks"),
		Value:      aws.Float64(1),
		Unit:       cwtypes.StandardUnitCount,
		Dimensions: []cwtypes.Dimension{
			{Name: aws.String("Outcome"), Value: aws.String(outcome)},
		},
	})
}

func (m *workerMetrics) recordQueueLag(ctx context.Context, lag time.Duration) {
	m.put(ctx, cwtypes.MetricDatum{
		MetricName: aws.String("EntitlementRetryQueueLag"),
		Value:      aws.Float64(lag.Seconds()),
		Unit:       cwtypes.StandardUnitSeconds,
	})
}

func (m *workerMetrics) put(ctx context.Context, datum cwtypes.MetricDatum) {
	if m.client == nil {
		return
	}
	_, err := m.client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
		Namespace:  aws.String(m.namespace),
		MetricData: []cwtypes.MetricDatum{datum},
	})
	if err != nil {
		m.logger.WarnContext(ctx, "failed to put CloudWatch metric",
			slog.String("metric", aws.ToString(datum.MetricName)),
			slog.Any("error", err),
		)
	}
}

// ---------------------------------------------------------------------------
// Cold Start
// ---------------------------------------------------------------------------

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	logger.Info("entitlement retry worker initializing (cold start)")

	ctx := context.Background()

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		logger.Error("failed to load AWS SDK config", "error", err)
		os.Exit(1)
	}

	databaseURL := os.Getenv("DATABASE_URL")
	queueURL := os.Getenv("SQS_ENTITLEMENT_RETRY")
	metricNamespace := os.Getenv("METRIC_NAMESPACE")
	if metricNamespace == "" {
		metricNamespace = "ShopList/Entitlements"
	}
	maxAttempts := defaultMaxAttempts
	if raw := os.Getenv("RETRY_MAX_ATTEMPTS"); raw != "" {
		if parsed, parseErr := strconv.Atoi(raw); parseErr == nil && parsed > 0 {
			maxAttempts = parsed
		}
	}

	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		logger.Error("failed to create database pool", "error", err)
		os.Exit(1)
	}
	if err := pool.Ping(ctx); err != nil {
		logger.Error("failed to ping database", "error", err)
		os.Exit(1)
	}

	sqsClient := sqs.NewFromConfig(awsCfg)
	cwClient := cloudwatch.NewFromConfig(awsCfg)

	publisher := queue.NewRetryPublisher(sqsClient, config.AWSConfig{
		Region:        awsCfg.Region,
		RetryQueueURL: queueURL,
	}, logger)

	handler := &Handler{
		store:       db.NewEntitlementRepo(pool, logger),
		publisher:   publisher,
		metrics:     newWorkerMetrics(cwClient, metricNamespace, logger),
		maxAttempts: maxAttempts,
		logger:      logger,
	}

	logger.Info("entitlement retry worker initialized",
		"retry_queue", queueURL,
		"metric_namespace", metricNamespace,
		"max_attempts", maxAttempts,
	)

	lambda.Start(handler.Handle)
}
