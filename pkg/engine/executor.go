package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/reviewloop/reviewloop/pkg/events"
	"github.com/reviewloop/reviewloop/pkg/metrics"
	"github.com/reviewloop/reviewloop/pkg/model"
	"github.com/reviewloop/reviewloop/pkg/retry"
)

// StateManager persists pipeline checkpoints. Failures propagate to the
// caller; the executor never swallows a checkpoint error. LoadState reports
// the saved context, the stage the cursor points at, whether that stage
// paused rather than completed, and whether any state exists at all.
type StateManager interface {
	SaveState(ctx context.Context, jobID uuid.UUID, jc model.JSONB, stage string) error
	SavePauseState(ctx context.Context, jobID uuid.UUID, jc model.JSONB, stage string) error
	LoadState(ctx context.Context, jobID uuid.UUID) (model.JSONB, string, bool, bool, error)
	ClearState(ctx context.Context, jobID uuid.UUID) error
}

// WaitMarker parks the job record when a stage pauses.
type WaitMarker interface {
	MarkWaiting(ctx context.Context, jobID uuid.UUID, eventType, eventKey string) error
}

// Result reports how a pipeline run ended. Exactly one of Done and Wait is
// set. Buffered is non-nil when the completion event the pause waits for
// had already arrived; the caller should resume immediately instead of
// waiting on the broker round trip.
type Result struct {
	Context  model.JSONB
	Done     bool
	Wait     *WaitSpec
	Buffered *events.StageCompleted
}

// Executor runs an ordered list of named stages against a mutable context,
// checkpointing after every stage so a crash redoes at most one stage.
type Executor struct {
	state  StateManager
	jobs   WaitMarker
	buffer events.Buffer
	logger *zap.Logger
}

func NewExecutor(state StateManager, jobs WaitMarker, buffer events.Buffer, logger *zap.Logger) *Executor {
	return &Executor{state: state, jobs: jobs, buffer: buffer, logger: logger}
}

// Execute runs the pipeline from the last durable checkpoint, or from the
// first stage when none exists. The initial context is only used on a fresh
// run; a saved context always wins.
func (e *Executor) Execute(ctx context.Context, jobID uuid.UUID, workflowType string, stages []Stage, initial model.JSONB) (*Result, error) {
	jc, savedStage, paused, found, err := e.state.LoadState(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("load pipeline state: %w", err)
	}

	start := 0
	if !found {
		jc = initial
		if jc == nil {
			jc = model.JSONB{}
		}
		if err := e.state.SaveState(ctx, jobID, jc, ""); err != nil {
			return nil, fmt.Errorf("persist init snapshot: %w", err)
		}
	} else if savedStage != "" {
		idx := stageIndex(stages, savedStage)
		if idx < 0 {
			return nil, retry.Permanent(fmt.Errorf("saved stage %q is not in the pipeline", savedStage))
		}
		if paused {
			// The cursor points at a stage that paused, not one that
			// completed. Re-enter it; starting past it would finish the
			// pipeline without the stage's result.
			start = idx
		} else {
			start = idx + 1
		}
	}

	return e.runFrom(ctx, jobID, workflowType, stages, jc, start)
}

// Resume re-enters the pipeline at the named paused stage: the stage's
// Resume operation consumes the external result, then execution continues
// sequentially from the next stage.
func (e *Executor) Resume(ctx context.Context, jobID uuid.UUID, workflowType string, stages []Stage, taskID, stageName string) (*Result, error) {
	jc, _, _, found, err := e.state.LoadState(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("load pipeline state: %w", err)
	}
	if !found {
		return nil, retry.Permanent(fmt.Errorf("job %s has no saved pipeline state to resume", jobID))
	}

	idx := stageIndex(stages, stageName)
	if idx < 0 {
		return nil, retry.Permanent(fmt.Errorf("resume stage %q is not in the pipeline", stageName))
	}
	resumable, ok := stages[idx].(ResumableStage)
	if !ok {
		return nil, retry.Permanent(fmt.Errorf("stage %q does not support resume", stageName))
	}

	startedAt := time.Now()
	outcome := resumable.Resume(ctx, jc, taskID)
	metrics.StageDuration.WithLabelValues(workflowType, stageName).Observe(time.Since(startedAt).Seconds())

	result, next, err := e.applyOutcome(ctx, jobID, stages[idx], outcome)
	if err != nil || result != nil {
		return result, err
	}
	return e.runFrom(ctx, jobID, workflowType, stages, next, idx+1)
}

func (e *Executor) runFrom(ctx context.Context, jobID uuid.UUID, workflowType string, stages []Stage, jc model.JSONB, start int) (*Result, error) {
	for i := start; i < len(stages); i++ {
		stage := stages[i]

		startedAt := time.Now()
		outcome := stage.Execute(ctx, jc)
		metrics.StageDuration.WithLabelValues(workflowType, stage.Name()).Observe(time.Since(startedAt).Seconds())

		result, next, err := e.applyOutcome(ctx, jobID, stage, outcome)
		if err != nil {
			return nil, err
		}
		if result != nil {
			return result, nil
		}
		jc = next
	}

	if err := e.state.ClearState(ctx, jobID); err != nil {
		return nil, fmt.Errorf("clear pipeline state: %w", err)
	}
	return &Result{Context: jc, Done: true}, nil
}

// applyOutcome persists the effect of one stage outcome. It returns a
// non-nil Result when the run stops here (pause), the updated context when
// the run continues, or an error.
func (e *Executor) applyOutcome(ctx context.Context, jobID uuid.UUID, stage Stage, outcome Outcome) (*Result, model.JSONB, error) {
	switch outcome.Kind {
	case OutcomeCompleted:
		jc := outcome.Context
		if err := e.state.SaveState(ctx, jobID, jc, stage.Name()); err != nil {
			return nil, nil, fmt.Errorf("checkpoint stage %q: %w", stage.Name(), err)
		}
		return nil, jc, nil

	case OutcomePaused:
		wait := *outcome.Wait
		wait.StageName = stage.Name()
		jc := outcome.Context

		if err := e.state.SavePauseState(ctx, jobID, jc, stage.Name()); err != nil {
			return nil, nil, fmt.Errorf("persist pause at stage %q: %w", stage.Name(), err)
		}
		if err := e.jobs.MarkWaiting(ctx, jobID, wait.EventType, wait.EventKey); err != nil {
			return nil, nil, fmt.Errorf("park job: %w", err)
		}

		// The external system may have finished before the pause was
		// committed. A buffered event means the caller resumes right away.
		buffered, err := e.buffer.Take(ctx, wait.EventType, wait.EventKey)
		if err != nil {
			e.logger.Warn("event buffer check failed; job stays parked",
				zap.String("job_id", jobID.String()),
				zap.String("event_type", wait.EventType),
				zap.Error(err))
			buffered = nil
		}

		e.logger.Info("pipeline paused",
			zap.String("job_id", jobID.String()),
			zap.String("stage", stage.Name()),
			zap.String("event_type", wait.EventType),
			zap.String("event_key", wait.EventKey),
			zap.Bool("event_already_arrived", buffered != nil))

		return &Result{Context: jc, Wait: &wait, Buffered: buffered}, nil, nil

	case OutcomeFailed:
		return nil, nil, fmt.Errorf("stage %q: %w", stage.Name(), outcome.Err)

	default:
		return nil, nil, retry.Permanent(fmt.Errorf("stage %q returned unknown outcome %d", stage.Name(), outcome.Kind))
	}
}

func stageIndex(stages []Stage, name string) int {
	for i, stage := range stages {
		if stage.Name() == name {
			return i
		}
	}
	return -1
}
