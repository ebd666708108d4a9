package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/webedt/coding-worker/pkg/config"
)

// CompletionRequest is the input to POST /completions: fill-in-the-middle
// around the editor cursor.
type CompletionRequest struct {
	Prefix    string `json:"prefix"`
	Suffix    string `json:"suffix,omitempty"`
	Language  string `json:"language,omitempty"`
	MaxTokens int    `json:"maxTokens,omitempty"`
}

// CompletionResponse is the completion text plus whether it was served from
// cache.
type CompletionResponse struct {
	Completion string `json:"completion"`
	Cached     bool   `json:"cached"`
}

// cacheKeyPrefixLen and cacheKeySuffixLen bound how much context feeds the
// cache key. Keystrokes far from the cursor should not defeat the cache.
const (
	cacheKeyPrefixLen = 256
	cacheKeySuffixLen = 128
)

type cacheEntry struct {
	completion string
	expires    time.Time
}

// completionsService calls a small FIM model over HTTP and caches recent
// results. It is independent of the busy/idle job state: completions are
// served while a job runs.
type completionsService struct {
	cfg    config.CompletionsConfig
	http   *http.Client
	logger *slog.Logger

	mu    sync.Mutex
	cache map[string]cacheEntry
}

func newCompletionsService(cfg config.CompletionsConfig, logger *slog.Logger) *completionsService {
	return &completionsService{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		logger: logger,
		cache:  make(map[string]cacheEntry),
	}
}

// Enabled reports whether an upstream endpoint is configured.
func (s *completionsService) Enabled() bool {
	return s.cfg.Endpoint != ""
}

// Complete returns a completion for the given cursor context, consulting the
// cache first.
func (s *completionsService) Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error) {
	key := s.cacheKey(req)

	s.mu.Lock()
	if entry, ok := s.cache[key]; ok && time.Now().Before(entry.expires) {
		s.mu.Unlock()
		return &CompletionResponse{Completion: entry.completion, Cached: true}, nil
	}
	s.mu.Unlock()

	completion, err := s.fetch(ctx, req)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.cache[key] = cacheEntry{completion: completion, expires: time.Now().Add(s.cfg.CacheTTL)}
	s.prune()
	s.mu.Unlock()

	return &CompletionResponse{Completion: completion}, nil
}

func (s *completionsService) cacheKey(req *CompletionRequest) string {
	prefix := req.Prefix
	if len(prefix) > cacheKeyPrefixLen {
		prefix = prefix[len(prefix)-cacheKeyPrefixLen:]
	}
	suffix := req.Suffix
	if len(suffix) > cacheKeySuffixLen {
		suffix = suffix[:cacheKeySuffixLen]
	}
	return req.Language + "\x00" + prefix + "\x00" + suffix
}

// prune drops expired entries; called with the lock held.
func (s *completionsService) prune() {
	now := time.Now()
	for k, v := range s.cache {
		if now.After(v.expires) {
			delete(s.cache, k)
		}
	}
}

func (s *completionsService) fetch(ctx context.Context, req *CompletionRequest) (string, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 128
	}
	body, err := json.Marshal(map[string]any{
		"model":      s.cfg.Model,
		"prompt":     req.Prefix,
		"suffix":     req.Suffix,
		"max_tokens": maxTokens,
		"stop":       []string{"\n\n"},
	})
	if err != nil {
		return "", err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if s.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+s.cfg.APIKey)
	}

	resp, err := s.http.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("completion request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("completion endpoint returned HTTP %d", resp.StatusCode)
	}

	// Both the chat-style and legacy completion response shapes appear in
	// the wild; accept either.
	var parsed struct {
		Choices []struct {
			Text    string `json:"text"`
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(data, &parsed); err != nil {
		return "", fmt.Errorf("failed to parse completion response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("completion response had no choices")
	}
	if text := parsed.Choices[0].Message.Content; text != "" {
		return text, nil
	}
	return parsed.Choices[0].Text, nil
}
