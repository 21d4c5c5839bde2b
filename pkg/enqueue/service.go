package enqueue

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/reviewloop/reviewloop/pkg/model"
	"github.com/reviewloop/reviewloop/pkg/queue"
)

type Store interface {
	CreateWithOutbox(ctx context.Context, job *model.WorkflowJob, msg *model.OutboxMessage) error
}

// Request describes one unit of work to accept. Metadata is carried opaquely
// to the workflow's processor.
type Request struct {
	WorkflowType   string
	HandlerType    string
	CorrelationID  string
	OrganizationID string
	TeamID         string
	Metadata       model.JSONB
}

// Service is the produce-side entry point: it creates the job row and its
// "created" outbox message in one transaction, so a crash can never leave a
// job without its announcement or an announcement without its job.
type Service struct {
	store  Store
	logger *zap.Logger
}

func NewService(store Store, logger *zap.Logger) *Service {
	return &Service{store: store, logger: logger}
}

func (s *Service) Enqueue(ctx context.Context, req Request) (*model.WorkflowJob, error) {
	if req.WorkflowType == "" {
		return nil, errors.New("workflow type is required")
	}
	if req.CorrelationID == "" {
		req.CorrelationID = uuid.New().String()
	}

	job := &model.WorkflowJob{
		ID:             uuid.New(),
		WorkflowType:   req.WorkflowType,
		HandlerType:    req.HandlerType,
		Status:         model.JobPending,
		CorrelationID:  req.CorrelationID,
		OrganizationID: req.OrganizationID,
		TeamID:         req.TeamID,
		Metadata:       req.Metadata,
	}

	env := queue.Envelope{
		JobID:          job.ID.String(),
		CorrelationID:  job.CorrelationID,
		WorkflowType:   job.WorkflowType,
		HandlerType:    job.HandlerType,
		OrganizationID: job.OrganizationID,
		TeamID:         job.TeamID,
	}
	payload, err := toJSONB(env)
	if err != nil {
		return nil, err
	}

	msg := &model.OutboxMessage{
		Exchange:   queue.ExchangeWorkflow,
		RoutingKey: queue.TopicJobsCreated,
		Payload:    payload,
	}

	if err := s.store.CreateWithOutbox(ctx, job, msg); err != nil {
		return nil, err
	}

	s.logger.Info("job enqueued",
		zap.String("job_id", job.ID.String()),
		zap.String("workflow_type", job.WorkflowType),
		zap.String("correlation_id", job.CorrelationID))
	return job, nil
}

func toJSONB(env queue.Envelope) (model.JSONB, error) {
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
