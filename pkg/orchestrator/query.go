package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/webedt/coding-worker/pkg/events"
	"github.com/webedt/coding-worker/pkg/provider"
)

// QueryRequest is a lightweight one-off prompt: session titles, commit
// messages and similar short completions not tied to a session.
type QueryRequest struct {
	Prompt         string          `json:"prompt"`
	Provider       string          `json:"provider,omitempty"`
	Authentication json.RawMessage `json:"authentication,omitempty"`

	// Legacy field names.
	CodingAssistantProvider       string          `json:"codingAssistantProvider,omitempty"`
	CodingAssistantAuthentication json.RawMessage `json:"codingAssistantAuthentication,omitempty"`
}

// Query executes a one-off prompt and returns the accumulated assistant
// text. Unlike Execute it touches no session state and the worker returns
// to idle afterwards.
func (o *Orchestrator) Query(ctx context.Context, req *QueryRequest) (string, error) {
	if req.Provider == "" {
		req.Provider = req.CodingAssistantProvider
	}
	if len(req.Authentication) == 0 {
		req.Authentication = req.CodingAssistantAuthentication
	}
	if req.Prompt == "" {
		return "", &ValidationError{Field: "prompt", Reason: "is required"}
	}
	if req.Provider == "" {
		req.Provider = "claude"
	}

	prov, err := o.providers.Get(req.Provider)
	if err != nil {
		return "", &ValidationError{Field: "provider", Reason: err.Error()}
	}
	if err := provider.WriteCredentials(prov.Name(), req.Authentication); err != nil {
		return "", err
	}

	// Queries run in a throwaway directory; nothing they touch is kept.
	workspace, err := os.MkdirTemp("", "worker-query-*")
	if err != nil {
		return "", fmt.Errorf("failed to create query workspace: %w", err)
	}
	defer os.RemoveAll(workspace)

	var out strings.Builder
	execErr := prov.Execute(ctx, provider.TextBlocks(req.Prompt), provider.Options{
		Authentication: req.Authentication,
		Workspace:      workspace,
	}, func(ev events.ProviderEvent) {
		if ev.Type != events.ProviderAssistantMessage {
			return
		}
		out.WriteString(assistantText(ev.Data))
	})
	if execErr != nil {
		return "", execErr
	}
	return strings.TrimSpace(out.String()), nil
}

// assistantText pulls displayable text out of a normalized provider
// payload.
func assistantText(data map[string]any) string {
	for _, key := range []string{"text", "content", "message"} {
		switch v := data[key].(type) {
		case string:
			return v
		case map[string]any:
			if s, ok := v["text"].(string); ok {
				return s
			}
			if s, ok := v["content"].(string); ok {
				return s
			}
		}
	}
	return ""
}
