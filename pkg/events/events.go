// Package events defines the unified event model for the coding worker.
// Heterogeneous backend streams (provider SDKs, CLI subprocesses, the GitHub
// worker) are normalized into Event values and serialized to the SSE wire
// format by the transport layer.
package events

import (
	"encoding/json"
	"time"
)

// Source identifies where an event originated.
type Source string

const (
	SourceWorker       Source = "ai-coding-worker"
	SourceGitHubWorker Source = "github-worker"
)

// Event types carried on the SSE stream. The set is open: provider variants
// may relay additional types verbatim.
const (
	TypeConnected        = "connected"
	TypeMessage          = "message"
	TypeBranchCreated    = "branch_created"
	TypeSessionName      = "session_name"
	TypeAssistantMessage = "assistant_message"
	TypeCommitProgress   = "commit_progress"
	TypeCompleted        = "completed"
	TypeError            = "error"
	TypeDebug            = "debug"
)

// Event is the unified wire event. Type-specific fields live in Fields and
// are flattened into the JSON object alongside type, timestamp and source.
type Event struct {
	Type      string
	Source    Source
	Timestamp time.Time
	Fields    map[string]any
}

// New creates an event sourced from the local worker.
func New(eventType string, fields map[string]any) Event {
	return Event{
		Type:      eventType,
		Source:    SourceWorker,
		Timestamp: time.Now().UTC(),
		Fields:    fields,
	}
}

// NewFrom creates an event tagged with an explicit source.
func NewFrom(eventType string, source Source, fields map[string]any) Event {
	e := New(eventType, fields)
	e.Source = source
	return e
}

// MarshalJSON flattens Fields into the top-level object. Reserved keys in
// Fields never override type, timestamp or source.
func (e Event) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(e.Fields)+3)
	for k, v := range e.Fields {
		out[k] = v
	}
	out["type"] = e.Type
	out["timestamp"] = e.Timestamp.Format(time.RFC3339Nano)
	if e.Source != "" {
		out["source"] = string(e.Source)
	}
	return json.Marshal(out)
}

// UnmarshalJSON reverses MarshalJSON; remaining keys land in Fields.
func (e *Event) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if t, ok := raw["type"].(string); ok {
		e.Type = t
	}
	if s, ok := raw["source"].(string); ok {
		e.Source = Source(s)
	} else {
		e.Source = SourceWorker
	}
	if ts, ok := raw["timestamp"].(string); ok {
		if parsed, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			e.Timestamp = parsed
		}
	}
	delete(raw, "type")
	delete(raw, "source")
	delete(raw, "timestamp")
	e.Fields = raw
	return nil
}

// IsTerminal reports whether the event ends a job's stream.
func (e Event) IsTerminal() bool {
	return e.Type == TypeCompleted || e.Type == TypeError
}

// ProviderEvent is the pre-enrichment event shape emitted by provider
// variants. Providers never produce wire Events directly; the orchestrator
// enriches and tags them.
type ProviderEvent struct {
	// Type is "assistant_message" or "provider_session".
	Type string
	// Data carries the provider's opaque payload.
	Data map[string]any
	// Model names the underlying model when the provider reports one.
	Model string
}

// Provider event types.
const (
	ProviderAssistantMessage = "assistant_message"
	ProviderSession          = "provider_session"
)
