// Package testutil provides in-memory fakes for the worker's collaborators:
// providers, the GitHub worker, session storage and the completion callback.
package testutil

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/webedt/coding-worker/pkg/events"
	"github.com/webedt/coding-worker/pkg/githubworker"
	"github.com/webedt/coding-worker/pkg/provider"
	"github.com/webedt/coding-worker/pkg/sessionstore"
)

// MockProvider is a scripted provider implementation.
type MockProvider struct {
	ProviderName string
	// Events are emitted in order on every Execute call.
	Events []events.ProviderEvent
	// ExecuteErr is returned after emitting Events.
	ExecuteErr error
	// BlockUntilCancel makes Execute wait for ctx cancellation after
	// emitting Events, then return ErrCancelled.
	BlockUntilCancel bool

	mu       sync.Mutex
	calls    []provider.Options
	contents [][]provider.ContentBlock
}

func (m *MockProvider) Execute(ctx context.Context, content []provider.ContentBlock, opts provider.Options, onEvent provider.EventFunc) error {
	m.mu.Lock()
	m.calls = append(m.calls, opts)
	m.contents = append(m.contents, content)
	m.mu.Unlock()

	for _, ev := range m.Events {
		onEvent(ev)
	}
	if m.BlockUntilCancel {
		<-ctx.Done()
		return provider.ErrCancelled
	}
	if ctx.Err() != nil {
		return provider.ErrCancelled
	}
	return m.ExecuteErr
}

func (m *MockProvider) ValidateToken(auth json.RawMessage) bool { return len(auth) > 0 }

func (m *MockProvider) Name() string {
	if m.ProviderName != "" {
		return m.ProviderName
	}
	return "mock"
}

// Calls returns the options of each Execute invocation.
func (m *MockProvider) Calls() []provider.Options {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]provider.Options(nil), m.calls...)
}

// MockLookup resolves provider names from a fixed map.
type MockLookup struct {
	Providers map[string]provider.Provider
}

func (l *MockLookup) Get(name string) (provider.Provider, error) {
	if p, ok := l.Providers[name]; ok {
		return p, nil
	}
	return nil, &UnknownProviderError{Name: name}
}

func (l *MockLookup) Names() []string {
	names := make([]string, 0, len(l.Providers))
	for name := range l.Providers {
		names = append(names, name)
	}
	return names
}

// UnknownProviderError mirrors the registry's unknown-provider failure.
type UnknownProviderError struct{ Name string }

func (e *UnknownProviderError) Error() string { return "unknown provider: " + e.Name }

// MockGitHubClient scripts the GitHub worker RPCs and records calls.
type MockGitHubClient struct {
	InitResult   *githubworker.InitSessionResult
	InitErr      error
	CloneResult  *githubworker.CloneResult
	CloneErr     error
	BranchResult *githubworker.CreateBranchResult
	BranchErr    error
	// BranchPushErr fails only push-enabled branch creation, exercising the
	// local-branch retry.
	BranchPushErr error
	CommitResult  *githubworker.CommitResult
	CommitErr     error

	mu          sync.Mutex
	InitCalls   []githubworker.InitSessionRequest
	CloneCalls  []githubworker.CloneRequest
	BranchCalls []githubworker.CreateBranchRequest
	CommitCalls []githubworker.CommitRequest
}

func (m *MockGitHubClient) InitSession(ctx context.Context, req githubworker.InitSessionRequest, onEvent githubworker.EventFunc) (*githubworker.InitSessionResult, error) {
	m.mu.Lock()
	m.InitCalls = append(m.InitCalls, req)
	m.mu.Unlock()
	if m.InitErr != nil {
		return nil, m.InitErr
	}
	if m.InitResult != nil {
		return m.InitResult, nil
	}
	return &githubworker.InitSessionResult{Branch: "session-branch", ClonedPath: "repo"}, nil
}

func (m *MockGitHubClient) CloneRepository(ctx context.Context, req githubworker.CloneRequest, onEvent githubworker.EventFunc) (*githubworker.CloneResult, error) {
	m.mu.Lock()
	m.CloneCalls = append(m.CloneCalls, req)
	m.mu.Unlock()
	if m.CloneErr != nil {
		return nil, m.CloneErr
	}
	if m.CloneResult != nil {
		return m.CloneResult, nil
	}
	return &githubworker.CloneResult{ClonedPath: "repo", BaseBranch: "main"}, nil
}

func (m *MockGitHubClient) CreateBranch(ctx context.Context, req githubworker.CreateBranchRequest, onEvent githubworker.EventFunc) (*githubworker.CreateBranchResult, error) {
	m.mu.Lock()
	m.BranchCalls = append(m.BranchCalls, req)
	m.mu.Unlock()
	if m.BranchErr != nil {
		return nil, m.BranchErr
	}
	if req.Push && m.BranchPushErr != nil {
		return nil, m.BranchPushErr
	}
	if m.BranchResult != nil {
		return m.BranchResult, nil
	}
	return &githubworker.CreateBranchResult{Branch: req.BranchName}, nil
}

func (m *MockGitHubClient) CommitAndPush(ctx context.Context, req githubworker.CommitRequest, onEvent githubworker.EventFunc) (*githubworker.CommitResult, error) {
	m.mu.Lock()
	m.CommitCalls = append(m.CommitCalls, req)
	m.mu.Unlock()
	if m.CommitErr != nil {
		return nil, m.CommitErr
	}
	if m.CommitResult != nil {
		return m.CommitResult, nil
	}
	return &githubworker.CommitResult{CommitSha: "abc123"}, nil
}

// MemoryStore is an in-memory session store. Download is a no-op for known
// sessions and reports not-found for unknown ones; Upload marks the session
// known.
type MemoryStore struct {
	mu         sync.Mutex
	known      map[string]bool
	Uploads    []string
	DownErr    error
	UpErr      error
	OnUpload   func(sessionID, root string)
	OnDownload func(sessionID, root string)
}

func NewMemoryStore(knownSessions ...string) *MemoryStore {
	known := make(map[string]bool, len(knownSessions))
	for _, id := range knownSessions {
		known[id] = true
	}
	return &MemoryStore{known: known}
}

func (s *MemoryStore) Download(ctx context.Context, sessionID, root, homeDir string) error {
	if s.DownErr != nil {
		return s.DownErr
	}
	s.mu.Lock()
	known := s.known[sessionID]
	onDownload := s.OnDownload
	s.mu.Unlock()
	if !known {
		return sessionstore.ErrArchiveNotFound
	}
	if onDownload != nil {
		onDownload(sessionID, root)
	}
	return nil
}

func (s *MemoryStore) Upload(ctx context.Context, sessionID, root, homeDir string, credentialDirs []string) error {
	if s.UpErr != nil {
		return s.UpErr
	}
	s.mu.Lock()
	s.known[sessionID] = true
	s.Uploads = append(s.Uploads, sessionID)
	onUpload := s.OnUpload
	s.mu.Unlock()
	if onUpload != nil {
		onUpload(sessionID, root)
	}
	return nil
}

// UploadCount returns how many uploads happened.
func (s *MemoryStore) UploadCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Uploads)
}

// MockReporter records completion callbacks.
type MockReporter struct {
	mu      sync.Mutex
	Reports []Report
}

// Report is one recorded callback.
type Report struct {
	SessionID string
	Status    string
	Error     string
}

func (r *MockReporter) ReportStatus(ctx context.Context, sessionID, status, errorMessage string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Reports = append(r.Reports, Report{SessionID: sessionID, Status: status, Error: errorMessage})
}

// Last returns the most recent report, if any.
func (r *MockReporter) Last() (Report, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.Reports) == 0 {
		return Report{}, false
	}
	return r.Reports[len(r.Reports)-1], true
}
