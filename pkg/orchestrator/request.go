package orchestrator

import (
	"encoding/json"
	"fmt"

	"github.com/webedt/coding-worker/pkg/provider"
)

// GitHubDescriptor asks for a repository-backed session.
type GitHubDescriptor struct {
	RepoURL     string `json:"repoUrl"`
	Branch      string `json:"branch,omitempty"`
	Directory   string `json:"directory,omitempty"`
	AccessToken string `json:"accessToken,omitempty"`
}

// DatabaseDescriptor grants the assistant's tooling access to a database.
type DatabaseDescriptor struct {
	URL         string `json:"url,omitempty"`
	AccessToken string `json:"accessToken,omitempty"`
}

// ExecuteRequest is the input to one job. The codingAssistant* fields are
// the platform's original names and fold into the short forms.
type ExecuteRequest struct {
	UserRequest     json.RawMessage     `json:"userRequest"`
	Provider        string              `json:"provider,omitempty"`
	Authentication  json.RawMessage     `json:"authentication,omitempty"`
	GitHub          *GitHubDescriptor   `json:"github,omitempty"`
	Database        *DatabaseDescriptor `json:"database,omitempty"`
	ProviderOptions map[string]any      `json:"providerOptions,omitempty"`
	// WebsiteSessionID is the caller-issued session identity, stable across
	// resume. This core never regenerates it.
	WebsiteSessionID string `json:"websiteSessionId"`

	// Legacy field names still sent by older callers.
	CodingAssistantProvider       string          `json:"codingAssistantProvider,omitempty"`
	CodingAssistantAuthentication json.RawMessage `json:"codingAssistantAuthentication,omitempty"`
}

// Normalize folds legacy field names into the canonical ones.
func (r *ExecuteRequest) Normalize() {
	if r.Provider == "" {
		r.Provider = r.CodingAssistantProvider
	}
	if len(r.Authentication) == 0 {
		r.Authentication = r.CodingAssistantAuthentication
	}
}

// Content parses userRequest, which is either a plain string or an ordered
// sequence of content blocks.
func (r *ExecuteRequest) Content() ([]provider.ContentBlock, error) {
	if len(r.UserRequest) == 0 {
		return nil, &ValidationError{Field: "userRequest", Reason: "is required"}
	}
	var text string
	if err := json.Unmarshal(r.UserRequest, &text); err == nil {
		if text == "" {
			return nil, &ValidationError{Field: "userRequest", Reason: "must not be empty"}
		}
		return provider.TextBlocks(text), nil
	}
	var blocks []provider.ContentBlock
	if err := json.Unmarshal(r.UserRequest, &blocks); err != nil {
		return nil, &ValidationError{Field: "userRequest", Reason: "must be a string or a content block array"}
	}
	if len(blocks) == 0 {
		return nil, &ValidationError{Field: "userRequest", Reason: "must not be empty"}
	}
	return blocks, nil
}

// ValidationError is a client payload error; it maps to HTTP 400 and the
// invalid_request code, and is raised before any side effect.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid request: %s %s", e.Field, e.Reason)
}

// Validate checks the request without side effects.
func (o *Orchestrator) Validate(r *ExecuteRequest) error {
	r.Normalize()
	if _, err := r.Content(); err != nil {
		return err
	}
	if r.Provider == "" {
		return &ValidationError{Field: "provider", Reason: "is required"}
	}
	if _, err := o.providers.Get(r.Provider); err != nil {
		return &ValidationError{Field: "provider", Reason: err.Error()}
	}
	if len(r.Authentication) == 0 {
		return &ValidationError{Field: "authentication", Reason: "is required"}
	}
	if r.WebsiteSessionID == "" {
		return &ValidationError{Field: "websiteSessionId", Reason: "is required"}
	}
	if r.GitHub != nil && r.GitHub.RepoURL == "" {
		return &ValidationError{Field: "github.repoUrl", Reason: "is required when github is requested"}
	}
	if r.Database != nil && r.Database.AccessToken == "" {
		return &ValidationError{Field: "database.accessToken", Reason: "is required when database is requested"}
	}
	return nil
}
