package events

import (
	"encoding/json"
	"testing"
	"time"
)

func Test_Event_MarshalFlattensFields(t *testing.T) {
	ev := Event{
		Type:      TypeBranchCreated,
		Source:    SourceWorker,
		Timestamp: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		Fields: map[string]any{
			"branch": "webedt/auto-request-abcd1234",
		},
	}

	data, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}

	if raw["type"] != "branch_created" {
		t.Errorf("expected type branch_created, got %v", raw["type"])
	}
	if raw["source"] != "ai-coding-worker" {
		t.Errorf("expected worker source, got %v", raw["source"])
	}
	if raw["branch"] != "webedt/auto-request-abcd1234" {
		t.Errorf("expected flattened branch field, got %v", raw["branch"])
	}
	if _, ok := raw["fields"]; ok {
		t.Error("fields must be flattened, not nested")
	}
}

func Test_Event_ReservedKeysWin(t *testing.T) {
	ev := New(TypeMessage, map[string]any{
		"type":    "spoofed",
		"message": "hello",
	})

	data, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if raw["type"] != TypeMessage {
		t.Errorf("payload must not override the type key, got %v", raw["type"])
	}
}

func Test_Event_RoundTrip(t *testing.T) {
	original := NewFrom(TypeCommitProgress, SourceGitHubWorker, map[string]any{
		"status": "completed",
		"commit": "abc123",
	})

	data, err := json.Marshal(original)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	var decoded Event
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}

	if decoded.Type != TypeCommitProgress {
		t.Errorf("expected type %s, got %s", TypeCommitProgress, decoded.Type)
	}
	if decoded.Source != SourceGitHubWorker {
		t.Errorf("expected github-worker source, got %s", decoded.Source)
	}
	if decoded.Fields["commit"] != "abc123" {
		t.Errorf("expected commit field preserved, got %v", decoded.Fields["commit"])
	}
}

func Test_Event_IsTerminal(t *testing.T) {
	tests := []struct {
		eventType string
		want      bool
	}{
		{TypeCompleted, true},
		{TypeError, true},
		{TypeConnected, false},
		{TypeAssistantMessage, false},
		{TypeCommitProgress, false},
	}

	for _, tt := range tests {
		t.Run(tt.eventType, func(t *testing.T) {
			if got := New(tt.eventType, nil).IsTerminal(); got != tt.want {
				t.Errorf("IsTerminal(%s) = %v, want %v", tt.eventType, got, tt.want)
			}
		})
	}
}
