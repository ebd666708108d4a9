package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/webedt/coding-worker/pkg/events"
)

const defaultOllamaURL = "http://localhost:11434"

// Ollama is the HTTP-API-driven variant: it streams chat completions from
// an Ollama server instead of spawning a subprocess or linking an SDK.
type Ollama struct {
	http   *http.Client
	logger *slog.Logger
}

// NewOllama builds the HTTP-API variant.
func NewOllama(logger *slog.Logger) *Ollama {
	return &Ollama{
		http:   &http.Client{},
		logger: logger,
	}
}

func (p *Ollama) Name() string { return "ollama" }

// ValidateToken always succeeds: a local Ollama server needs no token.
func (p *Ollama) ValidateToken(auth json.RawMessage) bool { return true }

func (p *Ollama) Execute(ctx context.Context, content []ContentBlock, opts Options, onEvent EventFunc) error {
	prompt, err := TextContent(content)
	if err != nil {
		return err
	}

	baseURL := strings.TrimSuffix(optionValue(opts.ProviderOptions, "baseUrl", defaultOllamaURL), "/")
	model := optionValue(opts.ProviderOptions, "model", "qwen2.5-coder")

	body, err := json.Marshal(map[string]any{
		"model":  model,
		"stream": true,
		"messages": []map[string]string{
			{"role": "user", "content": prompt},
		},
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.http.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) || ctx.Err() != nil {
			return fmt.Errorf("%w: %s", ErrCancelled, p.Name())
		}
		return fmt.Errorf("%w: %v", ErrExecution, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := bufio.NewReader(resp.Body).ReadString('\n')
		return fmt.Errorf("%w: ollama HTTP %d: %s", ErrExecution, resp.StatusCode, strings.TrimSpace(detail))
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var chunk struct {
			Model   string `json:"model"`
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
			Done bool `json:"done"`
		}
		if err := json.Unmarshal([]byte(line), &chunk); err != nil {
			p.logger.Debug("skipping unparseable ollama chunk", "error", err)
			continue
		}
		if chunk.Message.Content != "" {
			onEvent(events.ProviderEvent{
				Type:  events.ProviderAssistantMessage,
				Data:  map[string]any{"type": "text", "text": chunk.Message.Content},
				Model: chunk.Model,
			})
		}
		if chunk.Done {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		if errors.Is(err, context.Canceled) || ctx.Err() != nil {
			return fmt.Errorf("%w: %s", ErrCancelled, p.Name())
		}
		return fmt.Errorf("%w: %v", ErrExecution, err)
	}
	return nil
}
