package status

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/reviewloop/reviewloop/pkg/model"
	"github.com/reviewloop/reviewloop/pkg/store/postgres"
)

type fakeJobReader struct {
	counts map[model.JobStatus]int64
	err    error
}

func (r *fakeJobReader) GetByID(ctx context.Context, id uuid.UUID) (*model.WorkflowJob, error) {
	return nil, errors.New("not used")
}

func (r *fakeJobReader) CountByStatus(ctx context.Context) (map[model.JobStatus]int64, error) {
	return r.counts, r.err
}

type fakeHistoryReader struct {
	counts map[model.JobStatus]int64
	err    error
}

func (r *fakeHistoryReader) ListByJob(ctx context.Context, jobID uuid.UUID) ([]model.JobExecutionHistory, error) {
	return nil, errors.New("not used")
}

func (r *fakeHistoryReader) CountByStatusSince(ctx context.Context, since time.Time) (map[model.JobStatus]int64, error) {
	return r.counts, r.err
}

type fakeInboxReader struct {
	health postgres.InboxHealth
	err    error
	calls  int
}

func (r *fakeInboxReader) Health(ctx context.Context) (*postgres.InboxHealth, error) {
	r.calls++
	if r.err != nil {
		return nil, r.err
	}
	return &r.health, nil
}

type fakeOutboxReader struct {
	backlog int64
	err     error
}

func (r *fakeOutboxReader) CountUnpublished(ctx context.Context) (int64, error) {
	return r.backlog, r.err
}

func (r *fakeOutboxReader) OldestUnpublishedAge(ctx context.Context) (time.Duration, error) {
	return 0, nil
}

func healthyService() (*Service, *fakeJobReader, *fakeHistoryReader, *fakeInboxReader, *fakeOutboxReader) {
	jobs := &fakeJobReader{counts: map[model.JobStatus]int64{
		model.JobPending:    3,
		model.JobProcessing: 1,
		model.JobCompleted:  20,
	}}
	history := &fakeHistoryReader{counts: map[model.JobStatus]int64{
		model.JobCompleted: 9,
		model.JobFailed:    1,
	}}
	inbox := &fakeInboxReader{health: postgres.InboxHealth{InFlight: 1}}
	outbox := &fakeOutboxReader{backlog: 2}
	return NewService(jobs, history, inbox, outbox, zap.NewNop()), jobs, history, inbox, outbox
}

func TestStatsAggregatesAllSources(t *testing.T) {
	svc, _, _, _, _ := healthyService()

	stats, reasons := svc.Stats(context.Background())
	if len(reasons) != 0 {
		t.Fatalf("unexpected reasons: %v", reasons)
	}
	if stats.QueueDepth != 3 {
		t.Fatalf("queue depth: %d", stats.QueueDepth)
	}
	if stats.InFlight != 1 {
		t.Fatalf("in flight: %d", stats.InFlight)
	}
	if stats.OutboxBacklog != 2 {
		t.Fatalf("outbox backlog: %d", stats.OutboxBacklog)
	}
	if stats.SuccessRate != 0.9 {
		t.Fatalf("success rate: %f", stats.SuccessRate)
	}
}

func TestStatsIsolatesFailingSources(t *testing.T) {
	svc, jobs, _, _, _ := healthyService()
	jobs.err = errors.New("connection refused")

	stats, reasons := svc.Stats(context.Background())
	if len(reasons) != 1 || reasons[0] != "job store unavailable" {
		t.Fatalf("unexpected reasons: %v", reasons)
	}
	// The other sources still report.
	if stats.InFlight != 1 || stats.OutboxBacklog != 2 {
		t.Fatalf("healthy sources must still report: %+v", stats)
	}
}

func TestStatsSuccessRateWithNoAttempts(t *testing.T) {
	svc, _, history, _, _ := healthyService()
	history.counts = map[model.JobStatus]int64{}

	stats, _ := svc.Stats(context.Background())
	if stats.SuccessRate != 1.0 {
		t.Fatalf("idle engine must report full success rate, got %f", stats.SuccessRate)
	}
}

func TestHealthVerdicts(t *testing.T) {
	t.Run("healthy", func(t *testing.T) {
		svc, _, _, _, _ := healthyService()
		report := svc.Health(context.Background())
		if report.Verdict != Healthy {
			t.Fatalf("verdict: %s (%v)", report.Verdict, report.Reasons)
		}
	})

	t.Run("degraded on elevated backlog", func(t *testing.T) {
		svc, _, _, _, outbox := healthyService()
		outbox.backlog = degradedBacklog + 1
		report := svc.Health(context.Background())
		if report.Verdict != Degraded {
			t.Fatalf("verdict: %s (%v)", report.Verdict, report.Reasons)
		}
	})

	t.Run("unhealthy on critical backlog", func(t *testing.T) {
		svc, _, _, _, outbox := healthyService()
		outbox.backlog = unhealthyBacklog + 1
		report := svc.Health(context.Background())
		if report.Verdict != Unhealthy {
			t.Fatalf("verdict: %s (%v)", report.Verdict, report.Reasons)
		}
	})

	t.Run("degraded on stale claim", func(t *testing.T) {
		svc, _, _, inbox, _ := healthyService()
		inbox.health.OldestClaimAge = degradedClaimAge + time.Minute
		report := svc.Health(context.Background())
		if report.Verdict != Degraded {
			t.Fatalf("verdict: %s (%v)", report.Verdict, report.Reasons)
		}
	})

	t.Run("unhealthy on unreachable source", func(t *testing.T) {
		svc, jobs, _, _, _ := healthyService()
		jobs.err = errors.New("connection refused")
		report := svc.Health(context.Background())
		if report.Verdict != Unhealthy {
			t.Fatalf("verdict: %s (%v)", report.Verdict, report.Reasons)
		}
	})
}

func TestHealthReportsEveryTrippedThreshold(t *testing.T) {
	svc, _, _, inbox, outbox := healthyService()
	outbox.backlog = unhealthyBacklog + 1
	inbox.health.OldestClaimAge = degradedClaimAge + time.Minute
	inbox.health.Failed = degradedFailures + 1

	report := svc.Health(context.Background())
	if report.Verdict != Unhealthy {
		t.Fatalf("verdict: %s", report.Verdict)
	}
	want := []string{
		"outbox backlog is critical",
		"oldest in-flight message is stale",
		"inbox failure count is elevated",
	}
	got := map[string]bool{}
	for _, r := range report.Reasons {
		got[r] = true
	}
	for _, w := range want {
		if !got[w] {
			t.Fatalf("missing reason %q in %v", w, report.Reasons)
		}
	}
}

func TestHealthQueriesInboxOnce(t *testing.T) {
	svc, _, _, inbox, _ := healthyService()

	svc.Health(context.Background())
	if inbox.calls != 1 {
		t.Fatalf("inbox queried %d times, want 1", inbox.calls)
	}
}
