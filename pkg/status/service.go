package status

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/reviewloop/reviewloop/pkg/metrics"
	"github.com/reviewloop/reviewloop/pkg/model"
	"github.com/reviewloop/reviewloop/pkg/store/postgres"
)

type JobReader interface {
	GetByID(ctx context.Context, id uuid.UUID) (*model.WorkflowJob, error)
	CountByStatus(ctx context.Context) (map[model.JobStatus]int64, error)
}

type HistoryReader interface {
	ListByJob(ctx context.Context, jobID uuid.UUID) ([]model.JobExecutionHistory, error)
	CountByStatusSince(ctx context.Context, since time.Time) (map[model.JobStatus]int64, error)
}

type InboxReader interface {
	Health(ctx context.Context) (*postgres.InboxHealth, error)
}

type OutboxReader interface {
	CountUnpublished(ctx context.Context) (int64, error)
	OldestUnpublishedAge(ctx context.Context) (time.Duration, error)
}

type Verdict string

const (
	Healthy   Verdict = "healthy"
	Degraded  Verdict = "degraded"
	Unhealthy Verdict = "unhealthy"
)

// Health thresholds. Degraded means the engine is behind; unhealthy means a
// source is unreachable or the backlog is beyond catching up quietly.
const (
	degradedBacklog   = 500
	unhealthyBacklog  = 5000
	degradedClaimAge  = 5 * time.Minute
	degradedFailures  = 10
	successRateWindow = 24 * time.Hour
)

type Stats struct {
	StatusCounts  map[model.JobStatus]int64 `json:"statusCounts"`
	QueueDepth    int64                     `json:"queueDepth"`
	InFlight      int64                     `json:"inFlight"`
	SuccessRate   float64                   `json:"successRate"`
	OutboxBacklog int64                     `json:"outboxBacklog"`
}

type HealthReport struct {
	Verdict Verdict  `json:"verdict"`
	Reasons []string `json:"reasons,omitempty"`
	Stats   *Stats   `json:"stats,omitempty"`
}

// Service is the read side: job detail, execution history, aggregate
// metrics, and the composite health verdict. A single failing source
// degrades the verdict instead of failing the whole query.
type Service struct {
	jobs    JobReader
	history HistoryReader
	inbox   InboxReader
	outbox  OutboxReader
	logger  *zap.Logger
}

func NewService(jobs JobReader, history HistoryReader, inbox InboxReader, outbox OutboxReader, logger *zap.Logger) *Service {
	return &Service{jobs: jobs, history: history, inbox: inbox, outbox: outbox, logger: logger}
}

func (s *Service) Job(ctx context.Context, id uuid.UUID) (*model.WorkflowJob, error) {
	return s.jobs.GetByID(ctx, id)
}

func (s *Service) History(ctx context.Context, id uuid.UUID) ([]model.JobExecutionHistory, error) {
	return s.history.ListByJob(ctx, id)
}

func (s *Service) Stats(ctx context.Context) (*Stats, []string) {
	stats, reasons, _ := s.collect(ctx)
	return stats, reasons
}

// collect queries every source exactly once and returns the inbox health
// alongside the stats so Health can apply its thresholds without a second
// round of queries.
func (s *Service) collect(ctx context.Context) (*Stats, []string, *postgres.InboxHealth) {
	stats := &Stats{StatusCounts: map[model.JobStatus]int64{}}
	var reasons []string
	var inboxHealth *postgres.InboxHealth

	if counts, err := s.jobs.CountByStatus(ctx); err != nil {
		s.logger.Warn("job store unavailable for stats", zap.Error(err))
		reasons = append(reasons, "job store unavailable")
	} else {
		stats.StatusCounts = counts
		stats.QueueDepth = counts[model.JobPending]
		metrics.QueueDepth.Set(float64(stats.QueueDepth))
	}

	if health, err := s.inbox.Health(ctx); err != nil {
		s.logger.Warn("inbox unavailable for stats", zap.Error(err))
		reasons = append(reasons, "inbox unavailable")
	} else {
		inboxHealth = health
		stats.InFlight = health.InFlight
		metrics.JobsInFlight.Set(float64(health.InFlight))
	}

	if backlog, err := s.outbox.CountUnpublished(ctx); err != nil {
		s.logger.Warn("outbox unavailable for stats", zap.Error(err))
		reasons = append(reasons, "outbox unavailable")
	} else {
		stats.OutboxBacklog = backlog
		metrics.OutboxBacklog.Set(float64(backlog))
	}

	if attempts, err := s.history.CountByStatusSince(ctx, time.Now().Add(-successRateWindow)); err != nil {
		s.logger.Warn("history unavailable for stats", zap.Error(err))
		reasons = append(reasons, "history unavailable")
	} else {
		var completed, total int64
		for status, count := range attempts {
			total += count
			if status == model.JobCompleted {
				completed += count
			}
		}
		if total > 0 {
			stats.SuccessRate = float64(completed) / float64(total)
		} else {
			stats.SuccessRate = 1.0
		}
	}

	return stats, reasons, inboxHealth
}

// Health derives the composite verdict. Every tripped threshold is
// reported; a worse verdict never suppresses another threshold's reason.
func (s *Service) Health(ctx context.Context) *HealthReport {
	stats, reasons, inboxHealth := s.collect(ctx)

	verdict := Healthy
	if len(reasons) > 0 {
		verdict = Unhealthy
	}
	degrade := func(reason string) {
		reasons = append(reasons, reason)
		if verdict == Healthy {
			verdict = Degraded
		}
	}

	if stats.OutboxBacklog > unhealthyBacklog {
		verdict = Unhealthy
		reasons = append(reasons, "outbox backlog is critical")
	} else if stats.OutboxBacklog > degradedBacklog {
		degrade("outbox backlog is elevated")
	}

	if inboxHealth != nil {
		if inboxHealth.OldestClaimAge > degradedClaimAge {
			degrade("oldest in-flight message is stale")
		}
		if inboxHealth.Failed > degradedFailures {
			degrade("inbox failure count is elevated")
		}
	}

	return &HealthReport{Verdict: verdict, Reasons: reasons, Stats: stats}
}
