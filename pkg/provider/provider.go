// Package provider abstracts the backend AI coding assistants. Each variant
// (SDK-driven, CLI-subprocess-driven, HTTP-API-driven) emits a normalized
// stream of ProviderEvents; the orchestrator enriches and relays them.
package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/webedt/coding-worker/pkg/events"
)

// Common errors returned by provider variants. Cancellation is a
// first-class result, never inferred from message text.
var (
	// ErrCancelled indicates execution stopped because the job was aborted.
	ErrCancelled = errors.New("provider execution cancelled")

	// ErrMissingCredentials indicates the credential blob was absent or
	// unusable for the chosen provider.
	ErrMissingCredentials = errors.New("missing provider credentials")

	// ErrMissingBinary indicates a CLI provider's executable is not
	// installed in this container.
	ErrMissingBinary = errors.New("provider binary not found")

	// ErrImageOnlyContent indicates the request contained only image blocks
	// for a provider without multimodal support.
	ErrImageOnlyContent = errors.New("provider does not support image-only content")

	// ErrExecution indicates the provider started but failed.
	ErrExecution = errors.New("provider execution failed")
)

// IsCancelled returns true if the error represents a user-initiated abort.
func IsCancelled(err error) bool {
	return errors.Is(err, ErrCancelled) || errors.Is(err, context.Canceled)
}

// IsConfigError returns true for authentication/configuration failures, as
// opposed to execution failures.
func IsConfigError(err error) bool {
	return errors.Is(err, ErrMissingCredentials) || errors.Is(err, ErrMissingBinary)
}

// ContentBlock is one element of a user request. Type is "text" or "image";
// images carry base64 data with a media type.
type ContentBlock struct {
	Type      string `json:"type"`
	Text      string `json:"text,omitempty"`
	MediaType string `json:"mediaType,omitempty"`
	Data      string `json:"data,omitempty"`
}

// TextBlocks builds content from a plain string request.
func TextBlocks(text string) []ContentBlock {
	return []ContentBlock{{Type: "text", Text: text}}
}

// TextContent extracts and concatenates the text blocks of a request,
// ignoring image blocks. Image-only content is rejected: text-only
// providers have nothing to work with.
func TextContent(blocks []ContentBlock) (string, error) {
	var parts []string
	images := 0
	for _, b := range blocks {
		switch b.Type {
		case "text":
			if b.Text != "" {
				parts = append(parts, b.Text)
			}
		case "image":
			images++
		}
	}
	if len(parts) == 0 {
		if images > 0 {
			return "", ErrImageOnlyContent
		}
		return "", fmt.Errorf("%w: empty request content", ErrExecution)
	}
	return strings.Join(parts, "\n\n"), nil
}

// Options carries everything a provider needs for one execution.
type Options struct {
	// Authentication is the caller's opaque credential blob.
	Authentication json.RawMessage
	// Workspace is the absolute path the assistant operates in.
	Workspace string
	// ResumeProviderSessionID is the provider's own conversation id from a
	// previous execution, empty for new sessions.
	ResumeProviderSessionID string
	// ProviderOptions are free-form provider-specific settings.
	ProviderOptions map[string]any
	// Env holds extra environment for subprocess variants, e.g. database
	// access for the assistant's tooling.
	Env map[string]string
}

// EventFunc receives each normalized provider event as it is produced.
type EventFunc func(events.ProviderEvent)

// Provider is the capability interface implemented by every variant.
type Provider interface {
	// Execute runs one request to completion, streaming normalized events.
	// It returns ErrCancelled when stopped by the job's cancellation
	// signal.
	Execute(ctx context.Context, content []ContentBlock, opts Options, onEvent EventFunc) error

	// ValidateToken reports whether the credential blob looks usable.
	ValidateToken(auth json.RawMessage) bool

	// Name returns the canonical provider name.
	Name() string
}

// optionValue reads a string from provider options.
func optionValue(opts map[string]any, key, fallback string) string {
	if opts == nil {
		return fallback
	}
	if v, ok := opts[key].(string); ok && v != "" {
		return v
	}
	return fallback
}
