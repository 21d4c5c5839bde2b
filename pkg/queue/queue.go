package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

// Broker headers. Consumers read identity from headers first so that payload
// shape changes cannot break deduplication.
const (
	HeaderJobID         = "x-job-id"
	HeaderCorrelationID = "x-correlation-id"
	HeaderWorkflowType  = "x-workflow-type"
	HeaderExchange      = "x-exchange"
	HeaderRetryCount    = "x-retry-count"
	HeaderOriginTopic   = "x-origin-topic"
	HeaderDLQError      = "x-dlq-error"
)

const (
	ExchangeWorkflow = "workflow.exchange"
	ExchangeEvents   = "workflow.events"

	TopicJobsCreated = "workflow.jobs.created"
	TopicJobsResumed = "workflow.jobs.resumed"
	TopicStageEvents = "workflow.events"
)

// Envelope is the wire payload for job messages. The message id equals the
// job id so a message can always be traced back to its job.
type Envelope struct {
	JobID          string `json:"jobId"`
	CorrelationID  string `json:"correlationId"`
	WorkflowType   string `json:"workflowType"`
	HandlerType    string `json:"handlerType"`
	OrganizationID string `json:"organizationId,omitempty"`
	TeamID         string `json:"teamId,omitempty"`
}

func (e Envelope) Headers() []kafka.Header {
	return []kafka.Header{
		{Key: HeaderJobID, Value: []byte(e.JobID)},
		{Key: HeaderCorrelationID, Value: []byte(e.CorrelationID)},
		{Key: HeaderWorkflowType, Value: []byte(e.WorkflowType)},
	}
}

func DecodeEnvelope(value []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(value, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if env.JobID == "" {
		return Envelope{}, errors.New("envelope is missing jobId")
	}
	return env, nil
}

type Publisher struct {
	writer *kafka.Writer
}

func NewPublisher(brokers []string, clientID string) *Publisher {
	return &Publisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Balancer:     &kafka.LeastBytes{},
			Transport:    &kafka.Transport{ClientID: clientID},
			RequiredAcks: kafka.RequireAll,
		},
	}
}

func (p *Publisher) PublishRaw(ctx context.Context, topic string, key, value []byte, headers []kafka.Header) error {
	if topic == "" {
		return errors.New("topic is not configured")
	}
	message := kafka.Message{
		Topic:   topic,
		Key:     key,
		Value:   value,
		Headers: headers,
		Time:    time.Now(),
	}
	return p.writer.WriteMessages(ctx, message)
}

func (p *Publisher) Close() error {
	return p.writer.Close()
}

func NewReader(brokers []string, clientID, groupID, topic string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		GroupID:  groupID,
		Topic:    topic,
		MinBytes: 1,
		MaxBytes: 10e6,
		Dialer: &kafka.Dialer{
			ClientID: clientID,
		},
	})
}

func header(msg kafka.Message, key string) string {
	for _, h := range msg.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

// MessageID extracts the message identity: header first, then the Kafka key,
// then the payload as a last resort.
func MessageID(msg kafka.Message) string {
	if id := header(msg, HeaderJobID); id != "" {
		return id
	}
	if len(msg.Key) > 0 {
		return string(msg.Key)
	}
	var payload struct {
		JobID string `json:"jobId"`
	}
	if err := json.Unmarshal(msg.Value, &payload); err == nil {
		return payload.JobID
	}
	return ""
}

func CorrelationID(msg kafka.Message) string {
	return header(msg, HeaderCorrelationID)
}

func WorkflowType(msg kafka.Message) string {
	return header(msg, HeaderWorkflowType)
}

func AppendHeaders(existing []kafka.Header, headers ...kafka.Header) []kafka.Header {
	merged := make([]kafka.Header, 0, len(existing)+len(headers))
	merged = append(merged, existing...)
	merged = append(merged, headers...)
	return merged
}
