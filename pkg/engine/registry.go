package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/reviewloop/reviewloop/pkg/model"
	"github.com/reviewloop/reviewloop/pkg/retry"
)

// Processor is the per-workflow-type collaborator implemented outside the
// engine. Process runs (or continues) the job's pipeline; HandleFailure and
// MarkCompleted terminate it.
type Processor interface {
	Process(ctx context.Context, jobID uuid.UUID) error
	HandleFailure(ctx context.Context, jobID uuid.UUID, procErr error) error
	MarkCompleted(ctx context.Context, jobID uuid.UUID, result model.JSONB) error
}

// ResumeProcessor is implemented by processors whose pipelines can pause.
type ResumeProcessor interface {
	Processor
	Resume(ctx context.Context, jobID uuid.UUID, taskID, stageName string) error
}

// Registry dispatches jobs to the processor registered for their workflow
// type. Registration happens once at startup; an unknown type is a
// configuration error, permanent by definition.
type Registry struct {
	mu         sync.RWMutex
	processors map[string]Processor
}

func NewRegistry() *Registry {
	return &Registry{processors: make(map[string]Processor)}
}

func (r *Registry) Register(workflowType string, p Processor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.processors[workflowType] = p
}

func (r *Registry) Get(workflowType string) (Processor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.processors[workflowType]
	if !ok {
		return nil, retry.Permanent(fmt.Errorf("no processor registered for workflow type %q", workflowType))
	}
	return p, nil
}

func (r *Registry) Dispatch(ctx context.Context, workflowType string, jobID uuid.UUID) error {
	p, err := r.Get(workflowType)
	if err != nil {
		return err
	}
	return p.Process(ctx, jobID)
}

// DispatchResume routes a resumed job to its processor's Resume operation.
// Falling back to Process is wrong here: re-executing the paused stage
// could redo a non-idempotent external call.
func (r *Registry) DispatchResume(ctx context.Context, workflowType string, jobID uuid.UUID, taskID, stageName string) error {
	p, err := r.Get(workflowType)
	if err != nil {
		return err
	}
	rp, ok := p.(ResumeProcessor)
	if !ok {
		return retry.Permanent(fmt.Errorf("processor for workflow type %q does not support resume", workflowType))
	}
	return rp.Resume(ctx, jobID, taskID, stageName)
}
