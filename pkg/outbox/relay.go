package outbox

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/reviewloop/reviewloop/pkg/metrics"
	"github.com/reviewloop/reviewloop/pkg/model"
	"github.com/reviewloop/reviewloop/pkg/queue"
)

type Repository interface {
	ProcessPending(ctx context.Context, limit int, publish func(msg model.OutboxMessage) error) (int, error)
	CountUnpublished(ctx context.Context) (int64, error)
}

type Publisher interface {
	PublishRaw(ctx context.Context, topic string, key, value []byte, headers []kafka.Header) error
}

// Relay polls the outbox and hands unpublished rows to the broker. Rows are
// marked published only after a positive acknowledgment; a failed publish
// leaves the row for the next tick. The skip-locked batch read in the
// repository keeps concurrent relay replicas off each other's rows.
type Relay struct {
	repo         Repository
	publisher    Publisher
	logger       *zap.Logger
	pollInterval time.Duration
	batchSize    int
}

func NewRelay(repo Repository, publisher Publisher, logger *zap.Logger, pollInterval time.Duration, batchSize int) *Relay {
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	return &Relay{
		repo:         repo,
		publisher:    publisher,
		logger:       logger,
		pollInterval: pollInterval,
		batchSize:    batchSize,
	}
}

func (r *Relay) Run(ctx context.Context) error {
	r.logger.Info("outbox relay starting",
		zap.Duration("poll_interval", r.pollInterval),
		zap.Int("batch_size", r.batchSize),
	)

	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	r.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("outbox relay shutting down")
			return ctx.Err()
		case <-ticker.C:
			r.tick(ctx)
		}
	}
}

func (r *Relay) tick(ctx context.Context) {
	if backlog, err := r.repo.CountUnpublished(ctx); err == nil {
		metrics.OutboxBacklog.Set(float64(backlog))
	}

	published, err := r.repo.ProcessPending(ctx, r.batchSize, func(msg model.OutboxMessage) error {
		return r.publish(ctx, msg)
	})
	if err != nil {
		r.logger.Warn("outbox batch failed", zap.Error(err))
		return
	}
	if published > 0 {
		r.logger.Info("outbox batch published", zap.Int("count", published))
	}
}

func (r *Relay) publish(ctx context.Context, msg model.OutboxMessage) error {
	value, err := json.Marshal(msg.Payload)
	if err != nil {
		return err
	}

	// Outbox payloads are job envelopes; their identity headers let
	// consumers dedup without parsing the body. A row whose payload does
	// not decode still ships, with identity taken from the row itself.
	var headers []kafka.Header
	if env, decodeErr := queue.DecodeEnvelope(value); decodeErr == nil {
		headers = env.Headers()
	} else {
		headers = []kafka.Header{{Key: queue.HeaderJobID, Value: []byte(msg.JobID.String())}}
	}
	headers = queue.AppendHeaders(headers, kafka.Header{Key: queue.HeaderExchange, Value: []byte(msg.Exchange)})

	err = r.publisher.PublishRaw(ctx, msg.RoutingKey, []byte(msg.JobID.String()), value, headers)
	if err != nil {
		metrics.PublishFailures.WithLabelValues(msg.RoutingKey).Inc()
		r.logger.Warn("failed to publish outbox message",
			zap.String("message_id", msg.ID.String()),
			zap.String("routing_key", msg.RoutingKey),
			zap.Error(err))
		return err
	}

	metrics.MessagesPublished.WithLabelValues(msg.RoutingKey).Inc()
	return nil
}
