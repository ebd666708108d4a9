package api

// ErrorResponse is the JSON body of non-streaming error replies.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// StatusResponse describes the worker for GET /status.
type StatusResponse struct {
	Status            string   `json:"status"`
	ContainerID       string   `json:"containerId"`
	ActiveSessionID   string   `json:"activeSessionId,omitempty"`
	ShutdownRequested bool     `json:"shutdownRequested"`
	Providers         []string `json:"providers"`
}

// QueryResponse wraps the one-off query result.
type QueryResponse struct {
	Success bool   `json:"success"`
	Result  string `json:"result,omitempty"`
	Error   string `json:"error,omitempty"`
}

// AbortRequest optionally names the session to abort; empty aborts whatever
// is running.
type AbortRequest struct {
	SessionID string `json:"sessionId,omitempty"`
}

// ShutdownResponse acknowledges a shutdown request.
type ShutdownResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}
