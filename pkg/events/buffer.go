package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/reviewloop/reviewloop/pkg/model"
)

// StageCompleted is the completion event an external system emits when a
// long-running stage task finishes. It is transient: the engine never
// persists it beyond the buffer TTL.
type StageCompleted struct {
	EventType string      `json:"eventType"`
	EventKey  string      `json:"eventKey"`
	StageName string      `json:"stageName"`
	TaskID    string      `json:"taskId"`
	Result    model.JSONB `json:"result,omitempty"`
}

// Buffer holds stage-completed events that arrived before the matching
// pause was durably recorded. Take removes the event so at most one caller
// acts on it.
type Buffer interface {
	Put(ctx context.Context, ev StageCompleted) error
	Take(ctx context.Context, eventType, eventKey string) (*StageCompleted, error)
}

const bufferKeyPrefix = "reviewloop:event-buffer:"

func bufferKey(eventType, eventKey string) string {
	return fmt.Sprintf("%s%s:%s", bufferKeyPrefix, eventType, eventKey)
}

// RedisBuffer shares buffered events across processes; the executor that
// records a pause is usually not the process that received the event.
type RedisBuffer struct {
	client redis.UniversalClient
	ttl    time.Duration
}

func NewRedisBuffer(client redis.UniversalClient, ttl time.Duration) *RedisBuffer {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &RedisBuffer{client: client, ttl: ttl}
}

func (b *RedisBuffer) Put(ctx context.Context, ev StageCompleted) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return b.client.Set(ctx, bufferKey(ev.EventType, ev.EventKey), payload, b.ttl).Err()
}

func (b *RedisBuffer) Take(ctx context.Context, eventType, eventKey string) (*StageCompleted, error) {
	payload, err := b.client.GetDel(ctx, bufferKey(eventType, eventKey)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var ev StageCompleted
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		return nil, err
	}
	return &ev, nil
}

// MemoryBuffer is a single-process buffer for tests and single-node runs.
type MemoryBuffer struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	ttl     time.Duration
}

type memoryEntry struct {
	ev       StageCompleted
	storedAt time.Time
}

func NewMemoryBuffer(ttl time.Duration) *MemoryBuffer {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &MemoryBuffer{
		entries: make(map[string]memoryEntry),
		ttl:     ttl,
	}
}

func (b *MemoryBuffer) Put(ctx context.Context, ev StageCompleted) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cleanupLocked(time.Now())
	b.entries[bufferKey(ev.EventType, ev.EventKey)] = memoryEntry{ev: ev, storedAt: time.Now()}
	return nil
}

func (b *MemoryBuffer) Take(ctx context.Context, eventType, eventKey string) (*StageCompleted, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	b.cleanupLocked(now)

	key := bufferKey(eventType, eventKey)
	entry, ok := b.entries[key]
	if !ok {
		return nil, nil
	}
	delete(b.entries, key)
	return &entry.ev, nil
}

func (b *MemoryBuffer) cleanupLocked(now time.Time) {
	for key, entry := range b.entries {
		if now.Sub(entry.storedAt) > b.ttl {
			delete(b.entries, key)
		}
	}
}
