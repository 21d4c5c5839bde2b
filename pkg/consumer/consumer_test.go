package consumer

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/reviewloop/reviewloop/pkg/engine"
	"github.com/reviewloop/reviewloop/pkg/model"
	"github.com/reviewloop/reviewloop/pkg/queue"
	"github.com/reviewloop/reviewloop/pkg/retry"
)

type fakeReader struct {
	pending   []kafka.Message
	committed []kafka.Message
	closed    bool
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	if len(r.pending) == 0 {
		return kafka.Message{}, context.Canceled
	}
	msg := r.pending[0]
	r.pending = r.pending[1:]
	return msg, nil
}

func (r *fakeReader) CommitMessages(ctx context.Context, msgs ...kafka.Message) error {
	r.committed = append(r.committed, msgs...)
	return nil
}

func (r *fakeReader) Close() error {
	r.closed = true
	return nil
}

type fakeInbox struct {
	duplicate bool
	attempts  int
	processed []string
	released  []string
}

func (i *fakeInbox) Claim(ctx context.Context, consumerID, messageID, lockedBy string) (*model.InboxMessage, error) {
	if i.duplicate {
		return nil, nil
	}
	if i.attempts == 0 {
		i.attempts = 1
	}
	return &model.InboxMessage{
		ConsumerID: consumerID,
		MessageID:  messageID,
		Status:     model.InboxProcessing,
		LockedBy:   lockedBy,
		Attempts:   i.attempts,
	}, nil
}

func (i *fakeInbox) MarkProcessed(ctx context.Context, consumerID, messageID string) error {
	i.processed = append(i.processed, messageID)
	return nil
}

func (i *fakeInbox) Release(ctx context.Context, consumerID, messageID, lastError string) error {
	i.released = append(i.released, messageID)
	return nil
}

type fakeJobs struct {
	job        *model.WorkflowJob
	getErr     error
	processing []uuid.UUID
}

func (j *fakeJobs) GetByID(ctx context.Context, id uuid.UUID) (*model.WorkflowJob, error) {
	if j.getErr != nil {
		return nil, j.getErr
	}
	return j.job, nil
}

func (j *fakeJobs) MarkProcessing(ctx context.Context, id uuid.UUID) error {
	j.processing = append(j.processing, id)
	if j.job != nil {
		j.job.Status = model.JobProcessing
	}
	return nil
}

type fakeHistory struct {
	entries []*model.JobExecutionHistory
}

func (h *fakeHistory) Append(ctx context.Context, entry *model.JobExecutionHistory) error {
	h.entries = append(h.entries, entry)
	return nil
}

type dlqCall struct {
	topic   string
	key     []byte
	value   []byte
	headers []kafka.Header
}

type fakeDLQ struct {
	calls []dlqCall
	err   error
}

func (d *fakeDLQ) PublishRaw(ctx context.Context, topic string, key, value []byte, headers []kafka.Header) error {
	if d.err != nil {
		return d.err
	}
	d.calls = append(d.calls, dlqCall{topic: topic, key: key, value: value, headers: headers})
	return nil
}

type recordingProcessor struct {
	processErr   error
	processed    []uuid.UUID
	failures     []uuid.UUID
	resumedTask  string
	resumedStage string
}

func (p *recordingProcessor) Process(ctx context.Context, jobID uuid.UUID) error {
	p.processed = append(p.processed, jobID)
	return p.processErr
}

func (p *recordingProcessor) HandleFailure(ctx context.Context, jobID uuid.UUID, procErr error) error {
	p.failures = append(p.failures, jobID)
	return nil
}

func (p *recordingProcessor) MarkCompleted(ctx context.Context, jobID uuid.UUID, result model.JSONB) error {
	return nil
}

func (p *recordingProcessor) Resume(ctx context.Context, jobID uuid.UUID, taskID, stageName string) error {
	p.resumedTask = taskID
	p.resumedStage = stageName
	return nil
}

type fixture struct {
	consumer *Consumer
	reader   *fakeReader
	inbox    *fakeInbox
	jobs     *fakeJobs
	history  *fakeHistory
	dlq      *fakeDLQ
	proc     *recordingProcessor
	jobID    uuid.UUID
}

func newFixture(t *testing.T, resumed bool) *fixture {
	t.Helper()

	jobID := uuid.New()
	proc := &recordingProcessor{}
	registry := engine.NewRegistry()
	registry.Register("CODE_REVIEW", proc)

	f := &fixture{
		reader:  &fakeReader{},
		inbox:   &fakeInbox{},
		jobs:    &fakeJobs{job: &model.WorkflowJob{ID: jobID, WorkflowType: "CODE_REVIEW", Status: model.JobPending}},
		history: &fakeHistory{},
		dlq:     &fakeDLQ{},
		proc:    proc,
		jobID:   jobID,
	}
	f.consumer = New(Options{
		NewReader:   func() MessageReader { return f.reader },
		ConsumerID:  ConsumerJobsCreated,
		LockedBy:    "worker-test",
		Resumed:     resumed,
		Inbox:       f.inbox,
		Jobs:        f.jobs,
		History:     f.history,
		Registry:    registry,
		DLQ:         f.dlq,
		DLQTopic:    "workflow.jobs.dlq",
		MaxAttempts: 3,
		Logger:      zap.NewNop(),
	})
	return f
}

func (f *fixture) message() kafka.Message {
	value := []byte(fmt.Sprintf(`{"jobId":%q,"correlationId":"c1","workflowType":"CODE_REVIEW"}`, f.jobID))
	return kafka.Message{
		Topic: queue.TopicJobsCreated,
		Key:   []byte(f.jobID.String()),
		Value: value,
		Headers: []kafka.Header{
			{Key: queue.HeaderJobID, Value: []byte(f.jobID.String())},
			{Key: queue.HeaderCorrelationID, Value: []byte("c1")},
		},
	}
}

func TestHandleMessageSuccess(t *testing.T) {
	f := newFixture(t, false)

	if err := f.consumer.handleMessage(context.Background(), f.reader, f.message()); err != nil {
		t.Fatalf("handleMessage error: %v", err)
	}
	if len(f.proc.processed) != 1 || f.proc.processed[0] != f.jobID {
		t.Fatalf("processor not dispatched: %v", f.proc.processed)
	}
	if len(f.jobs.processing) != 1 {
		t.Fatal("job must be marked processing before dispatch")
	}
	if len(f.inbox.processed) != 1 {
		t.Fatal("inbox row must be sealed on success")
	}
	if len(f.reader.committed) != 1 {
		t.Fatal("offset must be committed on success")
	}
	if len(f.history.entries) != 1 {
		t.Fatal("expected one execution history entry")
	}
	if f.history.entries[0].ErrorMessage != "" {
		t.Fatalf("success attempt must not record an error: %+v", f.history.entries[0])
	}
}

func TestHandleMessageDropsDuplicates(t *testing.T) {
	f := newFixture(t, false)
	f.inbox.duplicate = true

	if err := f.consumer.handleMessage(context.Background(), f.reader, f.message()); err != nil {
		t.Fatalf("handleMessage error: %v", err)
	}
	if len(f.proc.processed) != 0 {
		t.Fatal("duplicate delivery must not reach the processor")
	}
	if len(f.reader.committed) != 1 {
		t.Fatal("duplicate offset must still be committed")
	}
}

func TestHandleMessageCommitsMessagesWithoutIdentity(t *testing.T) {
	f := newFixture(t, false)

	msg := kafka.Message{Topic: queue.TopicJobsCreated, Value: []byte(`{}`)}
	if err := f.consumer.handleMessage(context.Background(), f.reader, msg); err != nil {
		t.Fatalf("handleMessage error: %v", err)
	}
	if len(f.reader.committed) != 1 {
		t.Fatal("unidentifiable message must be committed and skipped")
	}
	if len(f.inbox.processed) != 0 {
		t.Fatal("no inbox row should exist for a skipped message")
	}
}

func TestHandleMessageTransientFailureLeavesOffset(t *testing.T) {
	f := newFixture(t, false)
	boom := errors.New("db timeout")
	f.proc.processErr = boom

	err := f.consumer.handleMessage(context.Background(), f.reader, f.message())
	if !errors.Is(err, boom) {
		t.Fatalf("expected transient error returned, got %v", err)
	}
	if len(f.reader.committed) != 0 {
		t.Fatal("offset must not be committed on transient failure")
	}
	if len(f.inbox.released) != 1 {
		t.Fatal("inbox claim must be released for redelivery")
	}
	if len(f.inbox.processed) != 0 {
		t.Fatal("inbox row must stay open on transient failure")
	}
	if len(f.dlq.calls) != 0 {
		t.Fatal("transient failure under budget must not dead-letter")
	}
	if f.history.entries[0].ErrorType != "transient" {
		t.Fatalf("unexpected error type: %q", f.history.entries[0].ErrorType)
	}
}

func TestRunRecreatesReaderAfterFailure(t *testing.T) {
	f := newFixture(t, false)

	var readers []*fakeReader
	f.consumer.newReader = func() MessageReader {
		r := &fakeReader{pending: []kafka.Message{f.message()}}
		readers = append(readers, r)
		return r
	}

	f.proc.processErr = errors.New("db timeout")
	if err := f.consumer.Run(context.Background()); err == nil {
		t.Fatal("expected transient failure to stop the run")
	}

	// The restart must not reuse the first reader: its fetch position has
	// already moved past the uncommitted message. A fresh group session
	// starts from the last committed offset and redelivers it.
	f.proc.processErr = nil
	f.jobs.job.Status = model.JobPending
	if err := f.consumer.Run(context.Background()); !errors.Is(err, context.Canceled) {
		t.Fatalf("second run should drain and stop, got %v", err)
	}

	if len(readers) != 2 {
		t.Fatalf("each run must build its own reader, got %d", len(readers))
	}
	if !readers[0].closed || !readers[1].closed {
		t.Fatal("every reader must be closed when its run ends")
	}
	if len(f.proc.processed) != 2 {
		t.Fatalf("message must be redelivered to the second run, dispatches: %d", len(f.proc.processed))
	}
	if len(readers[1].committed) != 1 {
		t.Fatal("second run must commit the redelivered message")
	}
}

func TestHandleMessagePermanentFailureDeadLetters(t *testing.T) {
	f := newFixture(t, false)
	f.proc.processErr = retry.Permanent(errors.New("schema mismatch"))

	if err := f.consumer.handleMessage(context.Background(), f.reader, f.message()); err != nil {
		t.Fatalf("terminating a message is not an error: %v", err)
	}
	if len(f.proc.failures) != 1 {
		t.Fatal("processor failure handler must run")
	}
	if len(f.dlq.calls) != 1 {
		t.Fatal("permanent failure must dead-letter the message")
	}

	call := f.dlq.calls[0]
	if call.topic != "workflow.jobs.dlq" {
		t.Fatalf("dead letter went to %q", call.topic)
	}
	var origin, retries, dlqErr string
	for _, h := range call.headers {
		switch h.Key {
		case queue.HeaderOriginTopic:
			origin = string(h.Value)
		case queue.HeaderRetryCount:
			retries = string(h.Value)
		case queue.HeaderDLQError:
			dlqErr = string(h.Value)
		}
	}
	if origin != queue.TopicJobsCreated {
		t.Fatalf("origin topic header: %q", origin)
	}
	if retries != "1" {
		t.Fatalf("retry count header: %q", retries)
	}
	if dlqErr == "" {
		t.Fatal("dead letter must carry the error")
	}
	if len(f.inbox.processed) != 1 {
		t.Fatal("terminated message must seal the inbox row")
	}
	if len(f.reader.committed) != 1 {
		t.Fatal("terminated message must commit the offset")
	}
}

func TestHandleMessageExhaustedAttemptsDeadLetter(t *testing.T) {
	f := newFixture(t, false)
	f.inbox.attempts = 3
	f.proc.processErr = errors.New("still flaky")

	if err := f.consumer.handleMessage(context.Background(), f.reader, f.message()); err != nil {
		t.Fatalf("handleMessage error: %v", err)
	}
	if len(f.dlq.calls) != 1 {
		t.Fatal("exhausted attempt budget must dead-letter")
	}
	if len(f.inbox.released) != 0 {
		t.Fatal("claim must not be released once the budget is spent")
	}
	if len(f.reader.committed) != 1 {
		t.Fatal("offset must be committed after dead-lettering")
	}
}

func TestHandleMessageDLQFailureKeepsClaim(t *testing.T) {
	f := newFixture(t, false)
	f.proc.processErr = retry.Permanent(errors.New("bad job"))
	f.dlq.err = errors.New("broker down")

	if err := f.consumer.handleMessage(context.Background(), f.reader, f.message()); err == nil {
		t.Fatal("expected error when the dead letter cannot be written")
	}
	if len(f.inbox.processed) != 0 {
		t.Fatal("inbox row must stay claimed so redelivery retries the dead letter")
	}
	if len(f.reader.committed) != 0 {
		t.Fatal("offset must not be committed when the dead letter fails")
	}
}

func TestHandleMessageMissingJobIsPermanent(t *testing.T) {
	f := newFixture(t, false)
	f.jobs.getErr = gorm.ErrRecordNotFound

	if err := f.consumer.handleMessage(context.Background(), f.reader, f.message()); err != nil {
		t.Fatalf("handleMessage error: %v", err)
	}
	if len(f.dlq.calls) != 1 {
		t.Fatal("missing job must terminate to the dead letter queue")
	}
}

func TestCreatedConsumerSkipsNonPendingJobs(t *testing.T) {
	f := newFixture(t, false)
	f.jobs.job.Status = model.JobProcessing

	if err := f.consumer.handleMessage(context.Background(), f.reader, f.message()); err != nil {
		t.Fatalf("handleMessage error: %v", err)
	}
	if len(f.proc.processed) != 0 {
		t.Fatal("redelivered created message must not re-dispatch a running job")
	}
	if len(f.jobs.processing) != 0 {
		t.Fatal("skipped job must not be touched")
	}
	if len(f.inbox.processed) != 1 || len(f.reader.committed) != 1 {
		t.Fatal("skipped message still seals the inbox and commits the offset")
	}
}

func TestResumedConsumerSkipsNonPendingJobs(t *testing.T) {
	f := newFixture(t, true)
	f.jobs.job.Status = model.JobProcessing

	if err := f.consumer.handleMessage(context.Background(), f.reader, f.message()); err != nil {
		t.Fatalf("handleMessage error: %v", err)
	}
	if f.proc.resumedStage != "" {
		t.Fatal("non-pending job must not be resumed")
	}
	if len(f.jobs.processing) != 0 {
		t.Fatal("skipped job must not be touched")
	}
	if len(f.inbox.processed) != 1 || len(f.reader.committed) != 1 {
		t.Fatal("skipped resume still completes the message")
	}
}

func TestResumedConsumerDispatchesResumeTarget(t *testing.T) {
	f := newFixture(t, true)
	f.jobs.job.PipelineStage = "heavy"
	f.jobs.job.Metadata = model.JSONB{
		"resume": map[string]interface{}{
			"stageName": "heavy",
			"taskId":    "task-5",
		},
	}

	if err := f.consumer.handleMessage(context.Background(), f.reader, f.message()); err != nil {
		t.Fatalf("handleMessage error: %v", err)
	}
	if f.proc.resumedTask != "task-5" || f.proc.resumedStage != "heavy" {
		t.Fatalf("resume target not forwarded: %s/%s", f.proc.resumedTask, f.proc.resumedStage)
	}
	if len(f.proc.processed) != 0 {
		t.Fatal("resumed jobs must not go through Process")
	}
}

func TestResumeTargetFallsBackToPipelineStage(t *testing.T) {
	job := &model.WorkflowJob{PipelineStage: "heavy"}
	taskID, stageName := resumeTarget(job)
	if taskID != "" || stageName != "heavy" {
		t.Fatalf("expected fallback to pipeline stage, got %s/%s", taskID, stageName)
	}
}
