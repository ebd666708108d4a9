package sessionstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Common errors returned by the session storage client.
var (
	// ErrArchiveNotFound indicates no archive exists for the session key.
	// For the orchestrator this defines a brand-new session.
	ErrArchiveNotFound = errors.New("session archive not found")

	// ErrTimeout indicates an archive transfer exceeded its deadline.
	ErrTimeout = errors.New("session storage timeout")
)

// IsNotFound returns true if the error is ErrArchiveNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrArchiveNotFound)
}

// Client talks to the object-storage-backed session API.
type Client struct {
	baseURL string
	http    *http.Client
	timeout time.Duration
	logger  *slog.Logger
}

// NewClient creates a session storage client. Every call carries the given
// timeout so transfers never hang indefinitely.
func NewClient(baseURL string, timeout time.Duration, logger *slog.Logger) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Minute
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

func (c *Client) archiveURL(sessionID string) string {
	return fmt.Sprintf("%s/sessions/%s/archive", c.baseURL, sessionID)
}

// Download fetches the session archive and unpacks it into root, restoring
// credential directories under homeDir. Returns ErrArchiveNotFound when no
// archive exists for the key.
func (c *Client) Download(ctx context.Context, sessionID, root, homeDir string) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.archiveURL(sessionID), nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return c.classify(err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return ErrArchiveNotFound
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("archive download failed: HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	if err := Unpack(resp.Body, root, homeDir); err != nil {
		return err
	}
	c.logger.Info("session archive restored", "session", sessionID, "root", root)
	return nil
}

// Upload packs the session root (workspace, credentials, metadata) and
// uploads it under the session key. Transient failures are retried with
// exponential backoff; the archive is staged to a temporary file so each
// attempt re-sends identical bytes.
func (c *Client) Upload(ctx context.Context, sessionID, root, homeDir string, credentialDirs []string) error {
	tmp, err := os.CreateTemp("", "session-archive-*.tar.gz")
	if err != nil {
		return fmt.Errorf("failed to stage archive: %w", err)
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	if err := Pack(tmp, root, homeDir, credentialDirs); err != nil {
		return fmt.Errorf("failed to pack session: %w", err)
	}

	operation := func() error {
		if _, err := tmp.Seek(0, io.SeekStart); err != nil {
			return backoff.Permanent(err)
		}
		return c.uploadOnce(ctx, sessionID, tmp)
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		return err
	}
	c.logger.Info("session archive uploaded", "session", sessionID)
	return nil
}

func (c *Client) uploadOnce(ctx context.Context, sessionID string, body io.Reader) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.archiveURL(sessionID), body)
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/gzip")

	resp, err := c.http.Do(req)
	if err != nil {
		return c.classify(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusNoContent {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		err := fmt.Errorf("archive upload failed: HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return backoff.Permanent(err)
		}
		return err
	}
	return nil
}

// Exists checks whether an archive is stored under the session key.
func (c *Client) Exists(ctx context.Context, sessionID string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.archiveURL(sessionID), nil)
	if err != nil {
		return false, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return false, c.classify(err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, fmt.Errorf("archive head failed: HTTP %d", resp.StatusCode)
	}
}

// Delete removes the archive for a session key. Deleting a missing archive
// is not an error.
func (c *Client) Delete(ctx context.Context, sessionID string) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.archiveURL(sessionID), nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return c.classify(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("archive delete failed: HTTP %d", resp.StatusCode)
	}
	return nil
}

// List returns the stored session keys.
func (c *Client) List(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/sessions", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, c.classify(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("session list failed: HTTP %d", resp.StatusCode)
	}

	var result struct {
		Sessions []string `json:"sessions"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to parse session list: %w", err)
	}
	return result.Sessions, nil
}

func (c *Client) classify(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return err
}
