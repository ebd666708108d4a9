package orchestrator

import (
	"errors"
	"strings"

	"github.com/webedt/coding-worker/pkg/provider"
	"github.com/webedt/coding-worker/pkg/sessionstore"
)

// Error codes surfaced in the terminal error event's code field.
const (
	CodeInvalidRequest  = "invalid_request"
	CodeBusy            = "busy"
	CodeShuttingDown    = "shutting_down"
	CodeSessionNotFound = "session_not_found"
	CodeAuthError       = "auth_error"
	CodeRepoNotFound    = "repo_not_found"
	CodeCancelled       = "cancelled"
	CodeInternal        = "internal_error"
)

// Classify maps an error to its wire code. Typed sentinels take precedence;
// message patterns only catch errors crossing service boundaries as text.
func Classify(err error) string {
	if err == nil {
		return ""
	}

	var verr *ValidationError
	if errors.As(err, &verr) {
		return CodeInvalidRequest
	}
	if provider.IsCancelled(err) {
		return CodeCancelled
	}
	if provider.IsConfigError(err) {
		return CodeAuthError
	}
	if sessionstore.IsNotFound(err) {
		return CodeSessionNotFound
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "authentication") || strings.Contains(msg, "unauthorized") || strings.Contains(msg, "invalid token") || strings.Contains(msg, "credential"):
		return CodeAuthError
	case strings.Contains(msg, "repository not found") || strings.Contains(msg, "repo not found") || strings.Contains(msg, "could not read from remote"):
		return CodeRepoNotFound
	case strings.Contains(msg, "session not found"):
		return CodeSessionNotFound
	default:
		return CodeInternal
	}
}
