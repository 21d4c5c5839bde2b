package events

import (
	"context"
	"testing"
	"time"

	"github.com/reviewloop/reviewloop/pkg/model"
)

func TestMemoryBufferPutTake(t *testing.T) {
	buffer := NewMemoryBuffer(time.Minute)
	ctx := context.Background()

	ev := StageCompleted{
		EventType: "AST_DONE",
		EventKey:  "job-1",
		StageName: "heavy",
		TaskID:    "task-1",
		Result:    model.JSONB{"nodes": float64(42)},
	}
	if err := buffer.Put(ctx, ev); err != nil {
		t.Fatalf("Put error: %v", err)
	}

	got, err := buffer.Take(ctx, "AST_DONE", "job-1")
	if err != nil {
		t.Fatalf("Take error: %v", err)
	}
	if got == nil {
		t.Fatal("expected buffered event")
	}
	if got.TaskID != "task-1" || got.Result["nodes"] != float64(42) {
		t.Fatalf("unexpected event: %+v", got)
	}

	again, err := buffer.Take(ctx, "AST_DONE", "job-1")
	if err != nil {
		t.Fatalf("second Take error: %v", err)
	}
	if again != nil {
		t.Fatal("Take must remove the event")
	}
}

func TestMemoryBufferMissReturnsNil(t *testing.T) {
	buffer := NewMemoryBuffer(time.Minute)

	got, err := buffer.Take(context.Background(), "AST_DONE", "never-stored")
	if err != nil {
		t.Fatalf("Take error: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil for missing event, got %+v", got)
	}
}

func TestMemoryBufferExpiresEntries(t *testing.T) {
	buffer := NewMemoryBuffer(10 * time.Millisecond)
	ctx := context.Background()

	if err := buffer.Put(ctx, StageCompleted{EventType: "AST_DONE", EventKey: "job-2"}); err != nil {
		t.Fatalf("Put error: %v", err)
	}

	time.Sleep(25 * time.Millisecond)

	got, err := buffer.Take(ctx, "AST_DONE", "job-2")
	if err != nil {
		t.Fatalf("Take error: %v", err)
	}
	if got != nil {
		t.Fatal("expired event must not be returned")
	}
}

func TestMemoryBufferKeysAreScoped(t *testing.T) {
	buffer := NewMemoryBuffer(time.Minute)
	ctx := context.Background()

	if err := buffer.Put(ctx, StageCompleted{EventType: "AST_DONE", EventKey: "job-3"}); err != nil {
		t.Fatalf("Put error: %v", err)
	}

	got, err := buffer.Take(ctx, "SCAN_DONE", "job-3")
	if err != nil {
		t.Fatalf("Take error: %v", err)
	}
	if got != nil {
		t.Fatal("event type must be part of the key")
	}
}
