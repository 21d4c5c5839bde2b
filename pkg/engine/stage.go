package engine

import (
	"context"
	"time"

	"github.com/reviewloop/reviewloop/pkg/model"
)

// WaitSpec describes the external result a pausing stage is waiting for.
// EventType and EventKey must match the stage-completed event the external
// system will emit. Timeout is declarative; detecting a stage that never
// resumes is an external responsibility.
type WaitSpec struct {
	EventType string
	EventKey  string
	StageName string
	TaskID    string
	Timeout   time.Duration
	Metadata  model.JSONB
}

type OutcomeKind int

const (
	OutcomeCompleted OutcomeKind = iota
	OutcomePaused
	OutcomeFailed
)

// Outcome is the tagged result of running one stage. The pause path is a
// first-class branch, not an error.
type Outcome struct {
	Kind    OutcomeKind
	Context model.JSONB
	Wait    *WaitSpec
	Err     error
}

func Completed(jc model.JSONB) Outcome {
	return Outcome{Kind: OutcomeCompleted, Context: jc}
}

func Paused(jc model.JSONB, wait WaitSpec) Outcome {
	return Outcome{Kind: OutcomePaused, Context: jc, Wait: &wait}
}

func Failed(err error) Outcome {
	return Outcome{Kind: OutcomeFailed, Err: err}
}

// Stage is one named step of a pipeline. Execute receives the mutable job
// context and returns the outcome; the executor checkpoints after every
// completed stage.
type Stage interface {
	Name() string
	Execute(ctx context.Context, jc model.JSONB) Outcome
}

// ResumableStage is implemented by stages that can pause. Resume is invoked
// with the task id from the completion event instead of re-running Execute,
// so the expensive part of the stage is never redone.
type ResumableStage interface {
	Stage
	Resume(ctx context.Context, jc model.JSONB, taskID string) Outcome
}
