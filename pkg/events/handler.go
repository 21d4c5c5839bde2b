package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/reviewloop/reviewloop/pkg/metrics"
	"github.com/reviewloop/reviewloop/pkg/model"
	"github.com/reviewloop/reviewloop/pkg/queue"
	"github.com/reviewloop/reviewloop/pkg/store/postgres"
)

// JobStore is the slice of the job repository the handler needs.
type JobStore interface {
	FindWaiting(ctx context.Context, eventType, eventKey string) ([]model.WorkflowJob, error)
	ResumeWithOutbox(ctx context.Context, id uuid.UUID, resumeInfo model.JSONB, msg *model.OutboxMessage) error
}

// EventReader is the slice of *kafka.Reader the handler uses.
type EventReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Handler matches incoming stage-completed events to parked jobs and
// re-enqueues them through the transactional outbox.
type Handler struct {
	newReader func() EventReader
	jobs      JobStore
	buffer    Buffer
	logger    *zap.Logger
}

func NewHandler(newReader func() EventReader, jobs JobStore, buffer Buffer, logger *zap.Logger) *Handler {
	return &Handler{newReader: newReader, jobs: jobs, buffer: buffer, logger: logger}
}

// Run consumes stage events until the context is cancelled. The reader is
// created per run: after a failure the old reader's fetch position is past
// the uncommitted message, and only a fresh group session rewinds to the
// last committed offset so the event is redelivered.
func (h *Handler) Run(ctx context.Context) error {
	reader := h.newReader()
	defer reader.Close()

	h.logger.Info("stage event handler starting")
	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			return err
		}

		var ev StageCompleted
		if err := json.Unmarshal(msg.Value, &ev); err != nil {
			h.logger.Warn("dropping malformed stage event", zap.Error(err))
			if err := reader.CommitMessages(ctx, msg); err != nil {
				return err
			}
			continue
		}

		if err := h.Handle(ctx, ev); err != nil {
			// Not committed: the next run redelivers from the last offset.
			return fmt.Errorf("handle stage event %s/%s: %w", ev.EventType, ev.EventKey, err)
		}
		if err := reader.CommitMessages(ctx, msg); err != nil {
			return err
		}
	}
}

// Handle resumes every job waiting on (eventType, eventKey). One event may
// resume several jobs; a failure on one job must not block the others. When
// no job matches, the event is buffered to cover the pause-commit race.
func (h *Handler) Handle(ctx context.Context, ev StageCompleted) error {
	jobs, err := h.jobs.FindWaiting(ctx, ev.EventType, ev.EventKey)
	if err != nil {
		return fmt.Errorf("find waiting jobs: %w", err)
	}

	if len(jobs) == 0 {
		if err := h.buffer.Put(ctx, ev); err != nil {
			return fmt.Errorf("buffer event: %w", err)
		}
		metrics.EventsBuffered.Inc()
		h.logger.Info("no waiting job yet, event buffered",
			zap.String("event_type", ev.EventType),
			zap.String("event_key", ev.EventKey))
		return nil
	}

	var lastErr error
	for _, job := range jobs {
		if err := h.resumeJob(ctx, &job, ev); err != nil {
			h.logger.Error("failed to resume job",
				zap.String("job_id", job.ID.String()),
				zap.String("event_type", ev.EventType),
				zap.Error(err))
			lastErr = err
		}
	}
	return lastErr
}

func (h *Handler) resumeJob(ctx context.Context, job *model.WorkflowJob, ev StageCompleted) error {
	resumeInfo := model.JSONB{
		"resume": map[string]interface{}{
			"stageName": ev.StageName,
			"taskId":    ev.TaskID,
			"eventType": ev.EventType,
			"result":    map[string]interface{}(ev.Result),
		},
	}

	env := queue.Envelope{
		JobID:          job.ID.String(),
		CorrelationID:  job.CorrelationID,
		WorkflowType:   job.WorkflowType,
		HandlerType:    job.HandlerType,
		OrganizationID: job.OrganizationID,
		TeamID:         job.TeamID,
	}
	payload, err := envelopePayload(env)
	if err != nil {
		return err
	}

	msg := &model.OutboxMessage{
		Exchange:   queue.ExchangeWorkflow,
		RoutingKey: queue.TopicJobsResumed,
		Payload:    payload,
	}

	err = h.jobs.ResumeWithOutbox(ctx, job.ID, resumeInfo, msg)
	if errors.Is(err, postgres.ErrNotResumable) {
		h.logger.Debug("job already resumed by a concurrent handler",
			zap.String("job_id", job.ID.String()))
		return nil
	}
	if err != nil {
		return err
	}

	metrics.JobsResumed.WithLabelValues(ev.EventType).Inc()
	h.logger.Info("job resumed",
		zap.String("job_id", job.ID.String()),
		zap.String("event_type", ev.EventType),
		zap.String("stage", ev.StageName))
	return nil
}

func envelopePayload(env queue.Envelope) (model.JSONB, error) {
	raw, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}
	var payload model.JSONB
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, err
	}
	return payload, nil
}
