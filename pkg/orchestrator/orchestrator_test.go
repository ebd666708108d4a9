package orchestrator

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/mitchellh/go-homedir"

	"github.com/webedt/coding-worker/internal/testutil"
	"github.com/webedt/coding-worker/pkg/config"
	"github.com/webedt/coding-worker/pkg/events"
	"github.com/webedt/coding-worker/pkg/githubworker"
	"github.com/webedt/coding-worker/pkg/provider"
	"github.com/webedt/coding-worker/pkg/sessionstore"
)

type fixture struct {
	orch     *Orchestrator
	provider *testutil.MockProvider
	github   *testutil.MockGitHubClient
	store    *testutil.MemoryStore
	reporter *testutil.MockReporter
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	home := t.TempDir()
	t.Setenv("HOME", home)
	homedir.DisableCache = true
	t.Cleanup(func() { homedir.DisableCache = false })

	cfg := config.Default()
	cfg.WorkRoot = t.TempDir()

	prov := &testutil.MockProvider{
		ProviderName: "claude",
		Events: []events.ProviderEvent{
			{Type: events.ProviderSession, Data: map[string]any{"session_id": "conv-1"}},
			{Type: events.ProviderAssistantMessage, Data: map[string]any{"type": "message", "text": "done"}, Model: "claude-sonnet-4-20250514"},
		},
	}
	github := &testutil.MockGitHubClient{}
	store := testutil.NewMemoryStore()
	reporter := &testutil.MockReporter{}

	orch := NewWithClients(cfg, slog.Default(),
		&testutil.MockLookup{Providers: map[string]provider.Provider{"claude": prov}},
		github, store, reporter, home)

	return &fixture{orch: orch, provider: prov, github: github, store: store, reporter: reporter}
}

func baseRequest() *ExecuteRequest {
	return &ExecuteRequest{
		UserRequest:      json.RawMessage(`"fix the login bug"`),
		Provider:         "claude",
		Authentication:   json.RawMessage(`{"apiKey":"sk-test"}`),
		WebsiteSessionID: "sess-abcdef123456",
	}
}

// runJob executes a request and returns the collected event stream.
func runJob(t *testing.T, f *fixture, ctx context.Context, req *ExecuteRequest) ([]events.Event, error) {
	t.Helper()
	stream := events.NewStream(events.DefaultBuffer, slog.Default())
	err := f.orch.Execute(ctx, req, stream)
	stream.Close()

	var collected []events.Event
	for ev := range stream.Events() {
		collected = append(collected, ev)
	}
	return collected, err
}

func eventTypes(evs []events.Event) []string {
	types := make([]string, len(evs))
	for i, ev := range evs {
		types[i] = ev.Type
	}
	return types
}

func countType(evs []events.Event, eventType string) int {
	n := 0
	for _, ev := range evs {
		if ev.Type == eventType {
			n++
		}
	}
	return n
}

func Test_Validate(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name      string
		mutate    func(r *ExecuteRequest)
		wantField string
	}{
		{"missing user request", func(r *ExecuteRequest) { r.UserRequest = nil }, "userRequest"},
		{"empty user request", func(r *ExecuteRequest) { r.UserRequest = json.RawMessage(`""`) }, "userRequest"},
		{"missing provider", func(r *ExecuteRequest) { r.Provider = "" }, "provider"},
		{"unknown provider", func(r *ExecuteRequest) { r.Provider = "hal9000" }, "provider"},
		{"missing auth", func(r *ExecuteRequest) { r.Authentication = nil }, "authentication"},
		{"missing session id", func(r *ExecuteRequest) { r.WebsiteSessionID = "" }, "websiteSessionId"},
		{"github without repo url", func(r *ExecuteRequest) { r.GitHub = &GitHubDescriptor{} }, "github.repoUrl"},
		{"database without token", func(r *ExecuteRequest) { r.Database = &DatabaseDescriptor{URL: "postgres://x"} }, "database.accessToken"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := baseRequest()
			tt.mutate(req)
			err := f.orch.Validate(req)
			verr, ok := err.(*ValidationError)
			if !ok {
				t.Fatalf("expected ValidationError, got %v", err)
			}
			if verr.Field != tt.wantField {
				t.Errorf("expected field %s, got %s", tt.wantField, verr.Field)
			}
		})
	}

	if err := f.orch.Validate(baseRequest()); err != nil {
		t.Errorf("valid request rejected: %v", err)
	}
}

func Test_Validate_LegacyFieldNames(t *testing.T) {
	f := newFixture(t)

	req := &ExecuteRequest{
		UserRequest:                   json.RawMessage(`"hello"`),
		CodingAssistantProvider:       "claude",
		CodingAssistantAuthentication: json.RawMessage(`{"apiKey":"k"}`),
		WebsiteSessionID:              "sess-1",
	}
	if err := f.orch.Validate(req); err != nil {
		t.Errorf("legacy field names must be accepted: %v", err)
	}
	if req.Provider != "claude" {
		t.Errorf("legacy provider not folded in: %q", req.Provider)
	}
}

func Test_Execute_NewSession(t *testing.T) {
	f := newFixture(t)

	evs, err := runJob(t, f, context.Background(), baseRequest())
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}

	types := eventTypes(evs)
	if types[0] != events.TypeConnected {
		t.Errorf("first event must be connected, got %v", types)
	}
	if evs[0].Fields["resuming"] != false {
		t.Error("unknown session must connect with resuming=false")
	}
	if types[len(types)-1] != events.TypeCompleted {
		t.Errorf("last event must be completed, got %v", types)
	}
	if countType(evs, events.TypeCompleted)+countType(evs, events.TypeError) != 1 {
		t.Errorf("exactly one terminal event expected, got %v", types)
	}
	if countType(evs, events.TypeAssistantMessage) != 1 {
		t.Errorf("assistant message missing: %v", types)
	}

	// The session must be persisted for future resumes.
	if f.store.UploadCount() == 0 {
		t.Error("session archive was never uploaded")
	}
	if last, ok := f.reporter.Last(); !ok || last.Status != "completed" {
		t.Errorf("completion callback missing or wrong: %+v", last)
	}
}

func Test_Execute_ResumingSession(t *testing.T) {
	f := newFixture(t)
	f.store = testutil.NewMemoryStore("sess-abcdef123456")
	f.orch.store = f.store

	evs, err := runJob(t, f, context.Background(), baseRequest())
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	if evs[0].Fields["resuming"] != true {
		t.Error("known session must connect with resuming=true")
	}
}

func Test_Execute_GitHubInitSessionPath(t *testing.T) {
	f := newFixture(t)
	f.github.InitResult = &githubworker.InitSessionResult{
		Branch:          "webedt/fix-login",
		BaseBranch:      "main",
		ClonedPath:      "repo",
		SessionPath:     "acme/app/webedt/fix-login",
		SessionTitle:    "Fix login",
		RepositoryOwner: "acme",
		RepositoryName:  "app",
	}

	req := baseRequest()
	req.GitHub = &GitHubDescriptor{RepoURL: "https://github.com/acme/app", AccessToken: "gh-tok"}

	evs, err := runJob(t, f, context.Background(), req)
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}

	if countType(evs, events.TypeBranchCreated) != 1 {
		t.Fatalf("expected exactly one branch_created, got %v", eventTypes(evs))
	}
	if countType(evs, events.TypeSessionName) != 1 {
		t.Fatalf("expected exactly one session_name, got %v", eventTypes(evs))
	}
	for _, ev := range evs {
		if ev.Type == events.TypeBranchCreated && ev.Fields["branch"] != "webedt/fix-login" {
			t.Errorf("unexpected branch: %v", ev.Fields["branch"])
		}
	}
	if len(f.github.CloneCalls) != 0 {
		t.Error("happy path must not fall back to plain clone")
	}
	if len(f.github.CommitCalls) != 1 {
		t.Errorf("auto-commit must run for repository-backed jobs, got %d calls", len(f.github.CommitCalls))
	}
}

func Test_Execute_GitHubFallbackPath(t *testing.T) {
	f := newFixture(t)
	f.github.InitErr = errStub("init-session unavailable")

	req := baseRequest()
	req.GitHub = &GitHubDescriptor{RepoURL: "https://github.com/acme/app"}

	var meta *sessionstore.Metadata
	f.store.OnUpload = func(sessionID, root string) {
		if m, err := sessionstore.LoadMetadata(root); err == nil {
			meta = m
		}
	}

	evs, err := runJob(t, f, context.Background(), req)
	if err != nil {
		t.Fatalf("fallback execute failed: %v", err)
	}

	if len(f.github.CloneCalls) != 1 {
		t.Fatalf("fallback must clone, got %d clone calls", len(f.github.CloneCalls))
	}
	if len(f.github.BranchCalls) != 1 {
		t.Fatalf("fallback must create one branch, got %d", len(f.github.BranchCalls))
	}
	branchReq := f.github.BranchCalls[0]
	if !branchReq.Push {
		t.Error("fallback branch must be pushed on first attempt")
	}
	// Deterministic name: prefix plus the session id's last 8 characters.
	if want := "webedt/auto-request-ef123456"; branchReq.BranchName != want {
		t.Errorf("expected %s, got %s", want, branchReq.BranchName)
	}

	if countType(evs, events.TypeBranchCreated) != 1 {
		t.Errorf("fallback must synthesize exactly one branch_created, got %v", eventTypes(evs))
	}
	if countType(evs, events.TypeSessionName) != 1 {
		t.Errorf("fallback must synthesize exactly one session_name, got %v", eventTypes(evs))
	}
	if meta == nil || meta.Branch == "" {
		t.Errorf("fallback must leave a non-empty branch in metadata: %+v", meta)
	}
}

func Test_Execute_FreshCredentialsWinAfterRepoDownload(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	homedir.DisableCache = true
	t.Cleanup(func() { homedir.DisableCache = false })

	cfg := config.Default()
	cfg.WorkRoot = t.TempDir()

	credFile := filepath.Join(home, ".claude", ".credentials.json")
	spy := &credentialFileSpy{path: credFile}
	github := &testutil.MockGitHubClient{}
	reporter := &testutil.MockReporter{}

	// Every download replaces the credential file with archived state, the
	// way unpack replaces credential dirs wholesale.
	store := testutil.NewMemoryStore("sess-abcdef123456")
	downloads := 0
	store.OnDownload = func(sessionID, root string) {
		downloads++
		if err := os.MkdirAll(filepath.Dir(credFile), 0o700); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(credFile, []byte(`{"apiKey":"stale-archived"}`), 0o600); err != nil {
			t.Fatal(err)
		}
	}

	orch := NewWithClients(cfg, slog.Default(),
		&testutil.MockLookup{Providers: map[string]provider.Provider{"claude": spy}},
		github, store, reporter, home)

	req := baseRequest()
	req.GitHub = &GitHubDescriptor{RepoURL: "https://github.com/acme/app", AccessToken: "gh-tok"}

	stream := events.NewStream(events.DefaultBuffer, slog.Default())
	if err := orch.Execute(context.Background(), req, stream); err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	stream.Close()
	for range stream.Events() {
	}

	if downloads < 2 {
		t.Fatalf("expected restore plus post-init download, got %d", downloads)
	}
	if got := string(spy.observed()); got != `{"apiKey":"sk-test"}` {
		t.Errorf("provider dispatched with archived credentials: %s", got)
	}
}

// credentialFileSpy records the on-disk credential blob at dispatch time.
type credentialFileSpy struct {
	path string
	mu   sync.Mutex
	data []byte
}

func (p *credentialFileSpy) Execute(ctx context.Context, content []provider.ContentBlock, opts provider.Options, onEvent provider.EventFunc) error {
	data, err := os.ReadFile(p.path)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.data = append([]byte(nil), data...)
	p.mu.Unlock()
	return nil
}

func (p *credentialFileSpy) ValidateToken(auth json.RawMessage) bool { return true }

func (p *credentialFileSpy) Name() string { return "claude" }

func (p *credentialFileSpy) observed() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.data
}

func Test_Execute_FallbackBranchPushFailureRetriesLocally(t *testing.T) {
	f := newFixture(t)
	f.github.InitErr = errStub("init down")
	f.github.BranchPushErr = errStub("push rejected")

	req := baseRequest()
	req.GitHub = &GitHubDescriptor{RepoURL: "https://github.com/acme/app"}

	_, err := runJob(t, f, context.Background(), req)
	if err != nil {
		t.Fatalf("push failure must not fail the job: %v", err)
	}
	if len(f.github.BranchCalls) != 2 {
		t.Fatalf("expected push attempt then local retry, got %d calls", len(f.github.BranchCalls))
	}
	if f.github.BranchCalls[0].Push != true || f.github.BranchCalls[1].Push != false {
		t.Errorf("expected push=true then push=false, got %+v", f.github.BranchCalls)
	}
}

func Test_Execute_ProviderSessionIDPersistedOnFailure(t *testing.T) {
	f := newFixture(t)
	f.provider.ExecuteErr = errStub("provider crashed mid-run")

	var meta *sessionstore.Metadata
	f.store.OnUpload = func(sessionID, root string) {
		if m, err := sessionstore.LoadMetadata(root); err == nil {
			meta = m
		}
	}

	evs, err := runJob(t, f, context.Background(), baseRequest())
	if err == nil {
		t.Fatal("expected provider failure to fail the job")
	}

	// The provider-native id was emitted before the crash; the uploaded
	// archive must carry it so the next execution can resume the
	// provider's own conversation.
	if meta == nil || meta.ProviderSessionID != "conv-1" {
		t.Errorf("provider session id not persisted through failure: %+v", meta)
	}

	last := evs[len(evs)-1]
	if last.Type != events.TypeError {
		t.Fatalf("expected terminal error event, got %v", eventTypes(evs))
	}
	if last.Fields["code"] != CodeInternal {
		t.Errorf("expected internal_error code, got %v", last.Fields["code"])
	}
	if r, ok := f.reporter.Last(); !ok || r.Status != "failed" {
		t.Errorf("failure callback missing: %+v", r)
	}
}

func Test_Execute_CancelledBeforeDispatch(t *testing.T) {
	f := newFixture(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	evs, err := runJob(t, f, ctx, baseRequest())
	if !provider.IsCancelled(err) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	if len(f.provider.Calls()) != 0 {
		t.Error("a job cancelled before dispatch must never invoke the provider")
	}
	last := evs[len(evs)-1]
	if last.Type != events.TypeError || last.Fields["code"] != CodeCancelled {
		t.Errorf("expected terminal error with cancelled code, got %+v", last)
	}
}

func Test_Execute_ValidationFailureEmitsInvalidRequest(t *testing.T) {
	f := newFixture(t)
	req := baseRequest()
	req.Authentication = nil

	evs, err := runJob(t, f, context.Background(), req)
	if err == nil {
		t.Fatal("expected validation failure")
	}
	last := evs[len(evs)-1]
	if last.Type != events.TypeError || last.Fields["code"] != CodeInvalidRequest {
		t.Errorf("expected invalid_request error event, got %+v", last)
	}
	if len(f.provider.Calls()) != 0 {
		t.Error("invalid requests must have no side effects")
	}
}

func Test_Execute_AssistantMessageEnrichment(t *testing.T) {
	f := newFixture(t)
	f.provider.Events = []events.ProviderEvent{
		{
			Type:  events.ProviderAssistantMessage,
			Data:  map[string]any{"type": "tool_use", "file_path": "PLACEHOLDER"},
			Model: "claude-sonnet-4-20250514",
		},
	}

	// The provider sees the workspace path; patch the payload to a path
	// inside it once the job root is known.
	req := baseRequest()
	jobRoot := filepath.Join(f.orch.cfg.WorkRoot, req.WebsiteSessionID)
	f.provider.Events[0].Data["file_path"] = filepath.Join(sessionstore.WorkspacePath(jobRoot), "src", "auth.ts")

	evs, err := runJob(t, f, context.Background(), req)
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}

	for _, ev := range evs {
		if ev.Type != events.TypeAssistantMessage {
			continue
		}
		if ev.Fields["relative_path"] != "/src/auth.ts" {
			t.Errorf("expected enriched relative_path, got %v", ev.Fields["relative_path"])
		}
		if ev.Fields["model"] != "claude-sonnet-4-20250514" {
			t.Errorf("expected model tag, got %v", ev.Fields["model"])
		}
		if ev.Source != events.Source("claude") {
			t.Errorf("expected provider source, got %s", ev.Source)
		}
		return
	}
	t.Fatal("assistant message not relayed")
}

func Test_Execute_DatabaseEnv(t *testing.T) {
	f := newFixture(t)
	req := baseRequest()
	req.Database = &DatabaseDescriptor{URL: "postgres://db/app", AccessToken: "db-tok"}

	if _, err := runJob(t, f, context.Background(), req); err != nil {
		t.Fatalf("execute failed: %v", err)
	}

	calls := f.provider.Calls()
	if len(calls) != 1 {
		t.Fatalf("expected one provider call, got %d", len(calls))
	}
	env := calls[0].Env
	if env["DATABASE_URL"] != "postgres://db/app" || env["DATABASE_ACCESS_TOKEN"] != "db-tok" {
		t.Errorf("database env not passed through: %v", env)
	}
}

func Test_Query(t *testing.T) {
	f := newFixture(t)
	f.provider.Events = []events.ProviderEvent{
		{Type: events.ProviderAssistantMessage, Data: map[string]any{"text": "Fix login redirect"}},
	}

	result, err := f.orch.Query(context.Background(), &QueryRequest{
		Prompt:         "suggest a session title",
		Provider:       "claude",
		Authentication: json.RawMessage(`{"apiKey":"k"}`),
	})
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if result != "Fix login redirect" {
		t.Errorf("unexpected query result: %q", result)
	}
	// Queries never touch session storage.
	if f.store.UploadCount() != 0 {
		t.Error("query must not upload session archives")
	}
}

func Test_Query_RequiresPrompt(t *testing.T) {
	f := newFixture(t)
	_, err := f.orch.Query(context.Background(), &QueryRequest{Provider: "claude"})
	if _, ok := err.(*ValidationError); !ok {
		t.Errorf("expected ValidationError, got %v", err)
	}
}

func Test_Classify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"validation", &ValidationError{Field: "x", Reason: "y"}, CodeInvalidRequest},
		{"cancelled sentinel", provider.ErrCancelled, CodeCancelled},
		{"missing credentials", provider.ErrMissingCredentials, CodeAuthError},
		{"missing binary", provider.ErrMissingBinary, CodeAuthError},
		{"archive not found", sessionstore.ErrArchiveNotFound, CodeSessionNotFound},
		{"auth message pattern", errStub("remote: authentication failed"), CodeAuthError},
		{"repo message pattern", errStub("fatal: repository not found"), CodeRepoNotFound},
		{"unknown", errStub("disk exploded"), CodeInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("Classify(%v) = %s, want %s", tt.err, got, tt.want)
			}
		})
	}
}

func Test_FallbackBranchName(t *testing.T) {
	if got := fallbackBranchName("sess-abcdef123456"); got != "webedt/auto-request-ef123456" {
		t.Errorf("expected last 8 chars suffix, got %s", got)
	}
	if got := fallbackBranchName("short"); got != "webedt/auto-request-short" {
		t.Errorf("short ids are used whole, got %s", got)
	}
}

func Test_ParseRepoURL(t *testing.T) {
	tests := []struct {
		url       string
		wantOwner string
		wantRepo  string
	}{
		{"https://github.com/acme/app", "acme", "app"},
		{"https://github.com/acme/app.git", "acme", "app"},
		{"https://github.com/acme/app/", "acme", "app"},
	}
	for _, tt := range tests {
		owner, repo := parseRepoURL(tt.url)
		if owner != tt.wantOwner || repo != tt.wantRepo {
			t.Errorf("parseRepoURL(%s) = %s/%s, want %s/%s", tt.url, owner, repo, tt.wantOwner, tt.wantRepo)
		}
	}
}

// errStub builds a plain error with a fixed message.
type errStub string

func (e errStub) Error() string { return string(e) }
