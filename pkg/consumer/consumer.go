package consumer

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/reviewloop/reviewloop/pkg/engine"
	"github.com/reviewloop/reviewloop/pkg/metrics"
	"github.com/reviewloop/reviewloop/pkg/model"
	"github.com/reviewloop/reviewloop/pkg/queue"
	"github.com/reviewloop/reviewloop/pkg/retry"
)

const (
	ConsumerJobsCreated = "jobs-created"
	ConsumerJobsResumed = "jobs-resumed"
)

type JobStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*model.WorkflowJob, error)
	MarkProcessing(ctx context.Context, id uuid.UUID) error
}

type Inbox interface {
	Claim(ctx context.Context, consumerID, messageID, lockedBy string) (*model.InboxMessage, error)
	MarkProcessed(ctx context.Context, consumerID, messageID string) error
	Release(ctx context.Context, consumerID, messageID, lastError string) error
}

type History interface {
	Append(ctx context.Context, entry *model.JobExecutionHistory) error
}

type Publisher interface {
	PublishRaw(ctx context.Context, topic string, key, value []byte, headers []kafka.Header) error
}

// MessageReader is the slice of *kafka.Reader the consumer uses.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Consumer reads job messages from the broker and processes them behind the
// transactional inbox, making handler execution idempotent under
// at-least-once delivery. The resumed variant guards against double-resume
// and can be disabled by feature flag without touching ingestion.
type Consumer struct {
	newReader   func() MessageReader
	consumerID  string
	lockedBy    string
	resumed     bool
	inbox       Inbox
	jobs        JobStore
	history     History
	registry    *engine.Registry
	dlq         Publisher
	dlqTopic    string
	maxAttempts int
	logger      *zap.Logger
}

type Options struct {
	// NewReader constructs the group reader for one Run. A fresh reader
	// per run matters: an existing reader's fetch position has already
	// moved past an uncommitted message, and only a new group session
	// rewinds to the last committed offset.
	NewReader   func() MessageReader
	ConsumerID  string
	LockedBy    string
	Resumed     bool
	Inbox       Inbox
	Jobs        JobStore
	History     History
	Registry    *engine.Registry
	DLQ         Publisher
	DLQTopic    string
	MaxAttempts int
	Logger      *zap.Logger
}

func New(opts Options) *Consumer {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	return &Consumer{
		newReader:   opts.NewReader,
		consumerID:  opts.ConsumerID,
		lockedBy:    opts.LockedBy,
		resumed:     opts.Resumed,
		inbox:       opts.Inbox,
		jobs:        opts.Jobs,
		history:     opts.History,
		registry:    opts.Registry,
		dlq:         opts.DLQ,
		dlqTopic:    opts.DLQTopic,
		maxAttempts: opts.MaxAttempts,
		logger:      opts.Logger,
	}
}

// Run consumes until the context is cancelled. A transient processing
// failure returns an error without committing the offset; the caller
// restarts the loop, and the fresh group session resumes from the last
// committed offset, redelivering the failed message.
func (c *Consumer) Run(ctx context.Context) error {
	reader := c.newReader()
	defer reader.Close()

	c.logger.Info("consumer starting", zap.String("consumer_id", c.consumerID))
	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			return err
		}
		if err := c.handleMessage(ctx, reader, msg); err != nil {
			return err
		}
	}
}

func (c *Consumer) handleMessage(ctx context.Context, reader MessageReader, msg kafka.Message) error {
	messageID := queue.MessageID(msg)
	if messageID == "" {
		c.logger.Warn("dropping message without identity", zap.String("topic", msg.Topic))
		return reader.CommitMessages(ctx, msg)
	}

	logger := c.logger.With(
		zap.String("consumer_id", c.consumerID),
		zap.String("message_id", messageID),
		zap.String("correlation_id", queue.CorrelationID(msg)),
	)

	claim, err := c.inbox.Claim(ctx, c.consumerID, messageID, c.lockedBy)
	if err != nil {
		return fmt.Errorf("claim inbox: %w", err)
	}
	if claim == nil {
		metrics.DuplicatesDropped.WithLabelValues(c.consumerID).Inc()
		logger.Info("duplicate delivery dropped")
		return reader.CommitMessages(ctx, msg)
	}

	env, err := queue.DecodeEnvelope(msg.Value)
	if err != nil {
		return c.terminate(ctx, reader, msg, messageID, claim.Attempts, nil, retry.Permanent(err), logger)
	}
	if env.WorkflowType == "" {
		env.WorkflowType = queue.WorkflowType(msg)
	}

	procErr := c.processJob(ctx, env, claim.Attempts, logger)
	if procErr == nil {
		metrics.JobsTotal.WithLabelValues(env.WorkflowType, "processed").Inc()
		if err := c.inbox.MarkProcessed(ctx, c.consumerID, messageID); err != nil {
			return fmt.Errorf("mark inbox processed: %w", err)
		}
		return reader.CommitMessages(ctx, msg)
	}

	if retry.IsPermanent(procErr) {
		metrics.JobsTotal.WithLabelValues(env.WorkflowType, "failed").Inc()
		return c.terminate(ctx, reader, msg, messageID, claim.Attempts, &env, procErr, logger)
	}

	// Transient: release the claim and let the broker redeliver. After the
	// attempt budget is spent the message is dead-lettered instead.
	if claim.Attempts >= c.maxAttempts {
		metrics.JobsTotal.WithLabelValues(env.WorkflowType, "dead_lettered").Inc()
		return c.terminate(ctx, reader, msg, messageID, claim.Attempts, &env, procErr, logger)
	}

	metrics.JobsTotal.WithLabelValues(env.WorkflowType, "retried").Inc()
	if err := c.inbox.Release(ctx, c.consumerID, messageID, procErr.Error()); err != nil {
		logger.Error("failed to release inbox claim", zap.Error(err))
	}
	logger.Warn("transient failure, leaving message for redelivery",
		zap.Int("attempt", claim.Attempts), zap.Error(procErr))
	return procErr
}

// terminate finishes a message that will never be retried: the job is
// failed through its processor, the envelope is dead-lettered, and the
// inbox row is sealed so redeliveries are dropped.
func (c *Consumer) terminate(ctx context.Context, reader MessageReader, msg kafka.Message, messageID string, attempts int, env *queue.Envelope, procErr error, logger *zap.Logger) error {
	if env != nil {
		if jobID, err := uuid.Parse(env.JobID); err == nil {
			if p, err := c.registry.Get(env.WorkflowType); err == nil {
				if err := p.HandleFailure(ctx, jobID, procErr); err != nil {
					logger.Error("processor failure handler failed", zap.Error(err))
				}
			}
		}
	}

	if c.dlq != nil && c.dlqTopic != "" {
		headers := queue.AppendHeaders(msg.Headers,
			kafka.Header{Key: queue.HeaderOriginTopic, Value: []byte(msg.Topic)},
			kafka.Header{Key: queue.HeaderRetryCount, Value: []byte(strconv.Itoa(attempts))},
			kafka.Header{Key: queue.HeaderDLQError, Value: []byte(procErr.Error())},
		)
		if err := c.dlq.PublishRaw(ctx, c.dlqTopic, msg.Key, msg.Value, headers); err != nil {
			// Keep the claim and offset; redelivery retries the DLQ write.
			return fmt.Errorf("publish to dlq: %w", err)
		}
	}

	if err := c.inbox.MarkProcessed(ctx, c.consumerID, messageID); err != nil {
		return fmt.Errorf("mark inbox processed: %w", err)
	}
	logger.Error("message terminated", zap.Error(procErr))
	return reader.CommitMessages(ctx, msg)
}

func (c *Consumer) processJob(ctx context.Context, env queue.Envelope, attempt int, logger *zap.Logger) error {
	jobID, err := uuid.Parse(env.JobID)
	if err != nil {
		return retry.Permanent(fmt.Errorf("invalid job id %q: %w", env.JobID, err))
	}

	job, err := c.jobs.GetByID(ctx, jobID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return retry.Permanent(fmt.Errorf("job %s not found", jobID))
	}
	if err != nil {
		return fmt.Errorf("load job: %w", err)
	}

	// Jobs are only ever dispatched from PENDING. A created message can be
	// redelivered after a stale-claim takeover while the job is already
	// running, parked, or finished; a resumed message can race a concurrent
	// resume. Either way, anything not PENDING is skipped as a success so
	// the inbox row is sealed and the redelivery loop ends.
	if job.Status != model.JobPending {
		logger.Info("skipping job, not pending",
			zap.String("status", string(job.Status)))
		return nil
	}

	if err := c.jobs.MarkProcessing(ctx, jobID); err != nil {
		return fmt.Errorf("mark job processing: %w", err)
	}

	startedAt := time.Now()
	if c.resumed {
		taskID, stageName := resumeTarget(job)
		err = c.registry.DispatchResume(ctx, env.WorkflowType, jobID, taskID, stageName)
	} else {
		err = c.registry.Dispatch(ctx, env.WorkflowType, jobID)
	}
	c.recordAttempt(ctx, jobID, attempt, startedAt, err, logger)
	return err
}

func (c *Consumer) recordAttempt(ctx context.Context, jobID uuid.UUID, attempt int, startedAt time.Time, procErr error, logger *zap.Logger) {
	completedAt := time.Now()
	entry := &model.JobExecutionHistory{
		JobID:         jobID,
		AttemptNumber: attempt,
		StartedAt:     startedAt,
		CompletedAt:   &completedAt,
		DurationMs:    completedAt.Sub(startedAt).Milliseconds(),
	}

	if procErr != nil {
		entry.Status = model.JobFailed
		entry.ErrorMessage = procErr.Error()
		if retry.IsPermanent(procErr) {
			entry.ErrorType = "permanent"
		} else {
			entry.ErrorType = "transient"
		}
	} else if job, err := c.jobs.GetByID(ctx, jobID); err == nil {
		entry.Status = job.Status
	} else {
		entry.Status = model.JobProcessing
	}

	if err := c.history.Append(ctx, entry); err != nil {
		logger.Error("failed to append execution history", zap.Error(err))
	}
}

func resumeTarget(job *model.WorkflowJob) (taskID, stageName string) {
	resume, ok := job.Metadata["resume"].(map[string]interface{})
	if !ok {
		return "", job.PipelineStage
	}
	taskID, _ = resume["taskId"].(string)
	stageName, _ = resume["stageName"].(string)
	if stageName == "" {
		stageName = job.PipelineStage
	}
	return taskID, stageName
}
