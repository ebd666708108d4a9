package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/webedt/coding-worker/pkg/events"
)

// defaultClaudeModel is used when the request carries no model option.
const defaultClaudeModel = "claude-sonnet-4-20250514"

// Claude is the SDK-driven variant: it streams the Messages API directly
// instead of shelling out to a CLI, so it supports image content blocks.
type Claude struct {
	logger *slog.Logger
}

// NewClaude builds the SDK-driven Anthropic variant.
func NewClaude(logger *slog.Logger) *Claude {
	return &Claude{logger: logger}
}

func (p *Claude) Name() string { return "claude" }

// ValidateToken reports whether the blob yields a usable API key.
func (p *Claude) ValidateToken(auth json.RawMessage) bool {
	return APIKeyFromAuth(auth) != ""
}

// Execute streams one message exchange. The job's cancellation signal is
// the context: the SDK surfaces it as context.Canceled, which is reported
// as a synthetic abort event followed by ErrCancelled.
func (p *Claude) Execute(ctx context.Context, content []ContentBlock, opts Options, onEvent EventFunc) error {
	key := APIKeyFromAuth(opts.Authentication)
	if key == "" {
		return fmt.Errorf("%w: no API key in authentication blob", ErrMissingCredentials)
	}

	blocks, err := toSDKBlocks(content)
	if err != nil {
		return err
	}

	model := optionValue(opts.ProviderOptions, "model", defaultClaudeModel)
	client := anthropic.NewClient(option.WithAPIKey(key))

	// opts.ResumeProviderSessionID is intentionally unused: the Messages
	// API is stateless, so each exchange stands alone. Resume with prior
	// context is a CLI-variant capability (--resume).

	stream := client.Messages.NewStreaming(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: 8192,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(blocks...),
		},
	})

	for stream.Next() {
		event := stream.Current()
		switch variant := event.AsAny().(type) {
		case anthropic.MessageStartEvent:
			if variant.Message.ID != "" {
				onEvent(events.ProviderEvent{
					Type:  events.ProviderSession,
					Data:  map[string]any{"session_id": variant.Message.ID},
					Model: model,
				})
			}
		case anthropic.ContentBlockDeltaEvent:
			if delta, ok := variant.Delta.AsAny().(anthropic.TextDelta); ok && delta.Text != "" {
				onEvent(events.ProviderEvent{
					Type:  events.ProviderAssistantMessage,
					Data:  map[string]any{"type": "text", "text": delta.Text},
					Model: model,
				})
			}
		}
	}

	if err := stream.Err(); err != nil {
		if errors.Is(err, context.Canceled) || ctx.Err() != nil {
			// Synthetic system abort so downstream consumers see an
			// explicit end to the assistant turn.
			onEvent(events.ProviderEvent{
				Type: events.ProviderAssistantMessage,
				Data: map[string]any{"type": "system", "subtype": "abort"},
			})
			return fmt.Errorf("%w: %s", ErrCancelled, p.Name())
		}
		var apiErr *anthropic.Error
		if errors.As(err, &apiErr) && (apiErr.StatusCode == 401 || apiErr.StatusCode == 403) {
			return fmt.Errorf("%w: %v", ErrMissingCredentials, err)
		}
		return fmt.Errorf("%w: %v", ErrExecution, err)
	}
	return nil
}

// toSDKBlocks converts request content to SDK content blocks, preserving
// images.
func toSDKBlocks(content []ContentBlock) ([]anthropic.ContentBlockParamUnion, error) {
	var blocks []anthropic.ContentBlockParamUnion
	for _, b := range content {
		switch b.Type {
		case "text":
			if b.Text != "" {
				blocks = append(blocks, anthropic.NewTextBlock(b.Text))
			}
		case "image":
			blocks = append(blocks, anthropic.NewImageBlockBase64(b.MediaType, b.Data))
		}
	}
	if len(blocks) == 0 {
		return nil, fmt.Errorf("%w: empty request content", ErrExecution)
	}
	return blocks, nil
}
