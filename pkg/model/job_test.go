package model

import (
	"encoding/json"
	"testing"
)

func TestJSONBValueAndScan(t *testing.T) {
	original := JSONB{"repository": "acme/api", "files": 12}

	value, err := original.Value()
	if err != nil {
		t.Fatalf("Value() error: %v", err)
	}

	data, ok := value.([]byte)
	if !ok {
		t.Fatalf("expected []byte value, got %T", value)
	}

	var decoded map[string]interface{}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal value error: %v", err)
	}

	if decoded["repository"] != "acme/api" {
		t.Fatalf("expected repository acme/api, got %v", decoded["repository"])
	}

	var scanned JSONB
	if err := scanned.Scan(data); err != nil {
		t.Fatalf("Scan() error: %v", err)
	}

	if scanned["repository"] != "acme/api" {
		t.Fatalf("expected scanned repository acme/api, got %v", scanned["repository"])
	}
}

func TestJSONBGormDataType(t *testing.T) {
	value := JSONB{"ok": true}
	if value.GormDataType() != "jsonb" {
		t.Fatalf("expected jsonb data type, got %q", value.GormDataType())
	}
}

func TestWorkflowJobWaiting(t *testing.T) {
	job := WorkflowJob{
		Status:           JobWaitingForEvent,
		WaitingEventType: "AST_DONE",
		WaitingEventKey:  "job-1",
	}

	eventType, eventKey, ok := job.Waiting()
	if !ok {
		t.Fatal("expected job to be waiting")
	}
	if eventType != "AST_DONE" || eventKey != "job-1" {
		t.Fatalf("unexpected wait target: %s/%s", eventType, eventKey)
	}

	job.Status = JobPending
	if _, _, ok := job.Waiting(); ok {
		t.Fatal("pending job must not report waiting")
	}
}
