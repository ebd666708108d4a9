// Package githubworker is the RPC client for the GitHub worker service,
// which owns all git operations (clone, branch, commit, push) against the
// session archives in object storage. Each RPC POSTs a JSON body and reads
// a text/event-stream response whose data lines are individually parsed
// JSON events; the "completed" event carries the RPC's return value.
package githubworker

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Common errors returned by GitHub worker RPCs.
var (
	// ErrBusy indicates the GitHub worker rejected the call with 429.
	ErrBusy = errors.New("github worker busy")

	// ErrNoResult indicates the event stream ended without a completed
	// event.
	ErrNoResult = errors.New("no result received from github worker")

	// ErrTimeout indicates an RPC exceeded its deadline.
	ErrTimeout = errors.New("github worker timeout")
)

// IsBusy returns true if the error is ErrBusy.
func IsBusy(err error) bool {
	return errors.Is(err, ErrBusy)
}

// EventFunc receives each progress event streamed during an RPC.
type EventFunc func(event map[string]any)

// Client calls the GitHub worker service.
type Client struct {
	baseURL string
	http    *http.Client
	timeout time.Duration
	logger  *slog.Logger
}

// NewClient creates a GitHub worker client. Every RPC carries the given
// timeout so a wedged git operation never hangs a job indefinitely.
func NewClient(baseURL string, timeout time.Duration, logger *slog.Logger) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		http:    &http.Client{},
		timeout: timeout,
		logger:  logger,
	}
}

// call performs one SSE RPC and returns the completed event's data payload.
func (c *Client) call(ctx context.Context, path string, body any, onEvent EventFunc) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s", ErrTimeout, path)
		}
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.statusError(resp)
	}

	return c.readStream(ctx, path, resp.Body, onEvent)
}

func (c *Client) statusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 8192))
	switch resp.StatusCode {
	case http.StatusTooManyRequests:
		return ErrBusy
	case http.StatusBadRequest:
		var parsed struct {
			Error   string `json:"error"`
			Message string `json:"message"`
		}
		if err := json.Unmarshal(body, &parsed); err == nil {
			if parsed.Error != "" {
				return fmt.Errorf("github worker rejected request: %s", parsed.Error)
			}
			if parsed.Message != "" {
				return fmt.Errorf("github worker rejected request: %s", parsed.Message)
			}
		}
		return fmt.Errorf("github worker rejected request: %s", strings.TrimSpace(string(body)))
	default:
		return fmt.Errorf("github worker HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
}

func (c *Client) readStream(ctx context.Context, path string, body io.Reader, onEvent EventFunc) (json.RawMessage, error) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" {
			continue
		}

		var event map[string]any
		if err := json.Unmarshal([]byte(data), &event); err != nil {
			c.logger.Warn("skipping unparseable event", "rpc", path, "error", err)
			continue
		}

		eventType, _ := event["type"].(string)
		switch eventType {
		case "completed":
			result, err := json.Marshal(event["data"])
			if err != nil {
				return nil, fmt.Errorf("failed to re-encode result: %w", err)
			}
			return result, nil
		case "error":
			msg, _ := event["message"].(string)
			if msg == "" {
				msg = data
			}
			return nil, fmt.Errorf("github worker error: %s", msg)
		default:
			if onEvent != nil {
				onEvent(event)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s", ErrTimeout, path)
		}
		return nil, fmt.Errorf("github worker stream failed: %w", err)
	}
	return nil, ErrNoResult
}

// Health reports whether the GitHub worker answers its health endpoint. It
// uses its own short timeout and never returns an error.
func (c *Client) Health(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}
