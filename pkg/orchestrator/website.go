package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/cenkalti/backoff/v4"
)

// WebsiteClient posts the job outcome to the website API. The callback is a
// safety net: a dropped SSE connection must not leave a session stuck in
// "running".
type WebsiteClient struct {
	baseURL string
	secret  string
	http    *http.Client
	logger  *slog.Logger
}

// NewWebsiteClient creates the callback client. An empty base URL disables
// callbacks.
func NewWebsiteClient(baseURL, secret string, logger *slog.Logger) *WebsiteClient {
	return &WebsiteClient{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		secret:  secret,
		http:    &http.Client{},
		logger:  logger,
	}
}

// ReportStatus delivers the worker-status callback, retrying transient
// failures. It never propagates an error: the callback is best-effort by
// contract.
func (c *WebsiteClient) ReportStatus(ctx context.Context, sessionID, status, errorMessage string) {
	if c.baseURL == "" {
		return
	}

	payload, err := json.Marshal(map[string]string{
		"status": status,
		"error":  errorMessage,
	})
	if err != nil {
		return
	}
	url := fmt.Sprintf("%s/api/sessions/%s/worker-status", c.baseURL, sessionID)

	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Worker-Secret", c.secret)

		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

		if resp.StatusCode >= 500 {
			return fmt.Errorf("website callback HTTP %d", resp.StatusCode)
		}
		if resp.StatusCode >= 400 {
			return backoff.Permanent(fmt.Errorf("website callback HTTP %d", resp.StatusCode))
		}
		return nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		c.logger.Warn("completion callback failed", "session", sessionID, "status", status, "error", err)
		return
	}
	c.logger.Info("completion callback delivered", "session", sessionID, "status", status)
}
