// Package orchestrator drives one job from request to completion: session
// restore, repository preparation, provider execution, auto-commit, session
// persistence and the completion callback. All progress flows through a
// single per-job event stream consumed by the HTTP transport.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"

	"github.com/webedt/coding-worker/pkg/config"
	"github.com/webedt/coding-worker/pkg/events"
	"github.com/webedt/coding-worker/pkg/githubworker"
	"github.com/webedt/coding-worker/pkg/provider"
	"github.com/webedt/coding-worker/pkg/sessionstore"
)

// fallbackBranchPrefix names branches generated when the GitHub worker's
// combined init fails. Uniqueness rests on the session id suffix alone.
const fallbackBranchPrefix = "webedt/auto-request-"

// GitHubClient is the slice of the GitHub worker client the orchestrator
// uses.
type GitHubClient interface {
	InitSession(ctx context.Context, req githubworker.InitSessionRequest, onEvent githubworker.EventFunc) (*githubworker.InitSessionResult, error)
	CloneRepository(ctx context.Context, req githubworker.CloneRequest, onEvent githubworker.EventFunc) (*githubworker.CloneResult, error)
	CreateBranch(ctx context.Context, req githubworker.CreateBranchRequest, onEvent githubworker.EventFunc) (*githubworker.CreateBranchResult, error)
	CommitAndPush(ctx context.Context, req githubworker.CommitRequest, onEvent githubworker.EventFunc) (*githubworker.CommitResult, error)
}

// SessionStore moves session archives between the job root and object
// storage.
type SessionStore interface {
	Download(ctx context.Context, sessionID, root, homeDir string) error
	Upload(ctx context.Context, sessionID, root, homeDir string, credentialDirs []string) error
}

// ProviderLookup resolves provider names; satisfied by provider.Registry.
type ProviderLookup interface {
	Get(name string) (provider.Provider, error)
	Names() []string
}

// StatusReporter delivers the best-effort completion callback.
type StatusReporter interface {
	ReportStatus(ctx context.Context, sessionID, status, errorMessage string)
}

// Orchestrator executes jobs. One instance serves the whole process; state
// specific to a job lives on the stack of Execute.
type Orchestrator struct {
	cfg       *config.Config
	logger    *slog.Logger
	providers ProviderLookup
	github    GitHubClient
	store     SessionStore
	website   StatusReporter
	homeDir   string
}

// New wires the orchestrator with production clients.
func New(cfg *config.Config, logger *slog.Logger) (*Orchestrator, error) {
	home, err := homedir.Dir()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve home directory: %w", err)
	}
	return &Orchestrator{
		cfg:       cfg,
		logger:    logger,
		providers: provider.NewRegistry(logger),
		github:    githubworker.NewClient(cfg.GitHubWorkerURL, cfg.GitHubWorkerTimeout, logger),
		store:     sessionstore.NewClient(cfg.SessionAPIURL, cfg.StorageTimeout, logger),
		website:   NewWebsiteClient(cfg.WebsiteURL, cfg.WebsiteSharedSecret, logger),
		homeDir:   home,
	}, nil
}

// NewWithClients wires the orchestrator with explicit collaborators; used
// by tests.
func NewWithClients(cfg *config.Config, logger *slog.Logger, providers ProviderLookup, github GitHubClient, store SessionStore, website StatusReporter, homeDir string) *Orchestrator {
	return &Orchestrator{
		cfg:       cfg,
		logger:    logger,
		providers: providers,
		github:    github,
		store:     store,
		website:   website,
		homeDir:   homeDir,
	}
}

// Providers exposes the lookup for the query and status paths.
func (o *Orchestrator) Providers() ProviderLookup { return o.providers }

// Execute runs one job end to end, publishing every event onto stream and
// terminating it with exactly one completed or error event. The returned
// error is non-nil when the job failed; the caller decides the process exit
// code from it.
func (o *Orchestrator) Execute(ctx context.Context, req *ExecuteRequest, stream *events.Stream) error {
	start := time.Now()
	logger := o.logger.With("session", req.WebsiteSessionID)

	jobRoot := filepath.Join(o.cfg.WorkRoot, req.WebsiteSessionID)

	runErr := o.run(ctx, req, stream, jobRoot, logger)

	// Final upload happens on both paths so partial progress survives for
	// forensics and resume. It must not run on the job's (possibly
	// cancelled) context.
	uploadCtx, cancel := context.WithTimeout(context.Background(), o.cfg.StorageTimeout)
	if _, err := os.Stat(jobRoot); err == nil {
		if err := o.store.Upload(uploadCtx, req.WebsiteSessionID, jobRoot, o.homeDir, provider.CredentialDirs()); err != nil {
			logger.Error("final session upload failed", "error", err)
		}
	}
	cancel()

	if runErr != nil {
		stream.Publish(events.New(events.TypeError, map[string]any{
			"code":    Classify(runErr),
			"message": runErr.Error(),
		}))
	} else {
		stream.Publish(events.New(events.TypeCompleted, map[string]any{
			"durationMs": time.Since(start).Milliseconds(),
		}))
	}

	// Safety net against connection loss: callers learn the outcome even
	// when the SSE stream died mid-job.
	status := "completed"
	errMsg := ""
	if runErr != nil {
		status = "failed"
		errMsg = runErr.Error()
	}
	callbackCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	o.website.ReportStatus(callbackCtx, req.WebsiteSessionID, status, errMsg)
	cancel()

	// The workspace never outlives the job.
	if err := os.RemoveAll(jobRoot); err != nil {
		logger.Error("failed to remove job workspace", "error", err)
	}

	return runErr
}

// run performs pipeline steps 1-7; Execute wraps it with the unconditional
// upload, terminal event, callback and cleanup.
func (o *Orchestrator) run(ctx context.Context, req *ExecuteRequest, stream *events.Stream, jobRoot string, logger *slog.Logger) error {
	// Step 1: validate before any side effect.
	if err := o.Validate(req); err != nil {
		return err
	}
	content, err := req.Content()
	if err != nil {
		return err
	}
	prov, err := o.providers.Get(req.Provider)
	if err != nil {
		return &ValidationError{Field: "provider", Reason: err.Error()}
	}

	// Step 2: materialize credentials. Write-before-read: the blob may
	// carry tokens newer than anything the archive will restore.
	if err := provider.WriteCredentials(prov.Name(), req.Authentication); err != nil {
		return err
	}

	// Step 3: restore prior session state. A missing archive defines a
	// new session, not an error.
	if err := os.MkdirAll(sessionstore.WorkspacePath(jobRoot), 0o755); err != nil {
		return fmt.Errorf("failed to create job workspace: %w", err)
	}
	resuming := true
	if err := o.store.Download(ctx, req.WebsiteSessionID, jobRoot, o.homeDir); err != nil {
		if !sessionstore.IsNotFound(err) {
			return fmt.Errorf("failed to restore session: %w", err)
		}
		resuming = false
	}

	// Refreshed credentials win over archived ones.
	if err := provider.WriteCredentials(prov.Name(), req.Authentication); err != nil {
		return err
	}

	meta, err := sessionstore.LoadMetadata(jobRoot)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		meta = sessionstore.NewMetadata(req.WebsiteSessionID, prov.Name())
	}

	// Step 4.
	stream.Publish(events.New(events.TypeConnected, map[string]any{
		"resuming": resuming,
		"provider": prov.Name(),
	}))

	// Step 5: repository preparation.
	if req.GitHub != nil {
		if err := o.prepareRepository(ctx, req, prov.Name(), meta, stream, jobRoot, logger); err != nil {
			return err
		}
		if err := sessionstore.SaveMetadata(jobRoot, meta); err != nil {
			return err
		}
	}

	// Step 6: provider dispatch. A job cancelled before dispatch must not
	// start at all.
	if ctx.Err() != nil {
		return fmt.Errorf("%w: before provider dispatch", provider.ErrCancelled)
	}

	workspace := sessionstore.WorkspacePath(jobRoot)
	repoRoot := workspace
	if meta.GitHub != nil && meta.GitHub.ClonedPath != "" {
		repoRoot = filepath.Join(workspace, meta.GitHub.ClonedPath)
	}

	execErr := prov.Execute(ctx, content, provider.Options{
		Authentication:          req.Authentication,
		Workspace:               repoRoot,
		ResumeProviderSessionID: meta.ProviderSessionID,
		ProviderOptions:         req.ProviderOptions,
		Env:                     o.databaseEnv(req),
	}, func(ev events.ProviderEvent) {
		o.relayProviderEvent(ev, prov.Name(), repoRoot, meta, jobRoot, stream, logger)
	})
	if execErr != nil {
		return execErr
	}

	meta.Provider = prov.Name()
	if err := sessionstore.SaveMetadata(jobRoot, meta); err != nil {
		return err
	}

	// Step 7: auto-commit is unconditional for repository-backed jobs;
	// its failure never fails the job.
	if req.GitHub != nil {
		o.autoCommit(ctx, req, meta, stream, jobRoot, logger)
	}

	return nil
}

// relayProviderEvent enriches one provider event and publishes it. The
// first provider-native session id is persisted immediately so a mid-job
// crash still allows a future resume to reconnect to the provider's own
// conversation.
func (o *Orchestrator) relayProviderEvent(ev events.ProviderEvent, providerName, repoRoot string, meta *sessionstore.Metadata, jobRoot string, stream *events.Stream, logger *slog.Logger) {
	switch ev.Type {
	case events.ProviderSession:
		id, _ := ev.Data["session_id"].(string)
		if id == "" || meta.ProviderSessionID == id {
			return
		}
		meta.ProviderSessionID = id
		if err := sessionstore.SaveMetadata(jobRoot, meta); err != nil {
			logger.Error("failed to persist provider session id", "error", err)
		}
		stream.Publish(events.NewFrom(events.TypeDebug, events.Source(providerName), map[string]any{
			"providerSessionId": id,
		}))
	case events.ProviderAssistantMessage:
		fields := events.EnrichRelativePaths(ev.Data, repoRoot)
		if ev.Model != "" {
			fields["model"] = ev.Model
		}
		stream.Publish(events.NewFrom(events.TypeAssistantMessage, events.Source(providerName), fields))
	}
}

// prepareRepository makes sure the session workspace holds a clone with a
// session branch, via the GitHub worker's combined init or the local
// fallback path.
func (o *Orchestrator) prepareRepository(ctx context.Context, req *ExecuteRequest, providerName string, meta *sessionstore.Metadata, stream *events.Stream, jobRoot string, logger *slog.Logger) error {
	workspace := sessionstore.WorkspacePath(jobRoot)

	// Resume case: the clone restored from the archive is reused as-is.
	if meta.GitHub != nil && meta.GitHub.ClonedPath != "" {
		if _, err := os.Stat(filepath.Join(workspace, meta.GitHub.ClonedPath, ".git")); err == nil {
			stream.Publish(events.New(events.TypeMessage, map[string]any{
				"message": "Reusing existing repository clone",
			}))
			return nil
		}
	}

	relay := func(event map[string]any) {
		msg, _ := event["message"].(string)
		stream.Publish(events.NewFrom(events.TypeMessage, events.SourceGitHubWorker, map[string]any{
			"message": msg,
		}))
	}

	owner, repo := parseRepoURL(req.GitHub.RepoURL)
	branch := ""
	sessionPath := ""
	sessionTitle := ""
	clonedPath := "repo"
	baseBranch := req.GitHub.Branch

	result, err := o.github.InitSession(ctx, githubworker.InitSessionRequest{
		SessionID:   req.WebsiteSessionID,
		RepoURL:     req.GitHub.RepoURL,
		Branch:      req.GitHub.Branch,
		Directory:   req.GitHub.Directory,
		AccessToken: req.GitHub.AccessToken,
		UserRequest: firstTextLine(req),
	}, relay)
	if err == nil {
		branch = result.Branch
		baseBranch = orDefault(result.BaseBranch, baseBranch)
		clonedPath = orDefault(result.ClonedPath, clonedPath)
		sessionPath = result.SessionPath
		sessionTitle = result.SessionTitle
		owner = orDefault(result.RepositoryOwner, owner)
		repo = orDefault(result.RepositoryName, repo)
	} else {
		if ctx.Err() != nil {
			return fmt.Errorf("%w: during repository init", provider.ErrCancelled)
		}
		logger.Warn("init-session failed, using local fallback", "error", err)

		cloneResult, cloneErr := o.github.CloneRepository(ctx, githubworker.CloneRequest{
			SessionID:   req.WebsiteSessionID,
			RepoURL:     req.GitHub.RepoURL,
			Branch:      req.GitHub.Branch,
			Directory:   req.GitHub.Directory,
			AccessToken: req.GitHub.AccessToken,
		}, relay)
		if cloneErr != nil {
			return fmt.Errorf("repository init failed: %w (fallback clone: %v)", err, cloneErr)
		}
		baseBranch = orDefault(cloneResult.BaseBranch, baseBranch)
		clonedPath = orDefault(cloneResult.ClonedPath, clonedPath)

		branch = fallbackBranchName(req.WebsiteSessionID)
		if _, branchErr := o.github.CreateBranch(ctx, githubworker.CreateBranchRequest{
			SessionID:   req.WebsiteSessionID,
			RepoURL:     req.GitHub.RepoURL,
			BranchName:  branch,
			Push:        true,
			AccessToken: req.GitHub.AccessToken,
		}, relay); branchErr != nil {
			// Push failure is non-fatal; the branch must still exist
			// locally in the stored workspace.
			logger.Warn("branch push failed, retrying without push", "branch", branch, "error", branchErr)
			if _, retryErr := o.github.CreateBranch(ctx, githubworker.CreateBranchRequest{
				SessionID:   req.WebsiteSessionID,
				RepoURL:     req.GitHub.RepoURL,
				BranchName:  branch,
				Push:        false,
				AccessToken: req.GitHub.AccessToken,
			}, relay); retryErr != nil {
				return fmt.Errorf("fallback branch creation failed: %w", retryErr)
			}
		}
		sessionPath = fmt.Sprintf("%s/%s/%s", owner, repo, branch)
	}

	// Pull the stored clone into this job's workspace.
	if err := o.store.Download(ctx, req.WebsiteSessionID, jobRoot, o.homeDir); err != nil && !sessionstore.IsNotFound(err) {
		return fmt.Errorf("failed to fetch cloned workspace: %w", err)
	}

	// The archive's credential subtree replaced the home dirs on unpack;
	// the caller's blob may carry newer tokens and must win.
	if err := provider.WriteCredentials(providerName, req.Authentication); err != nil {
		return err
	}

	meta.RepositoryOwner = owner
	meta.RepositoryName = repo
	meta.Branch = branch
	meta.SessionPath = orDefault(sessionPath, fmt.Sprintf("%s/%s/%s", owner, repo, branch))
	if sessionTitle != "" {
		meta.SessionTitle = sessionTitle
	}
	meta.GitHub = &sessionstore.GitHubMetadata{
		RepoURL:    req.GitHub.RepoURL,
		BaseBranch: baseBranch,
		ClonedPath: clonedPath,
	}

	// Both paths end with the same synthesized pair so downstream
	// consumers see a consistent sequence.
	stream.Publish(events.New(events.TypeBranchCreated, map[string]any{
		"branch": branch,
	}))
	stream.Publish(events.New(events.TypeSessionName, map[string]any{
		"sessionPath":  meta.SessionPath,
		"sessionTitle": meta.SessionTitle,
	}))
	return nil
}

// autoCommit uploads the workspace and asks the GitHub worker to commit and
// push it. All outcomes, including failure, surface as commit_progress.
func (o *Orchestrator) autoCommit(ctx context.Context, req *ExecuteRequest, meta *sessionstore.Metadata, stream *events.Stream, jobRoot string, logger *slog.Logger) {
	relay := func(event map[string]any) {
		fields := make(map[string]any, len(event))
		for k, v := range event {
			if k == "type" {
				continue
			}
			fields[k] = v
		}
		stream.Publish(events.NewFrom(events.TypeCommitProgress, events.SourceGitHubWorker, fields))
	}

	fail := func(err error) {
		logger.Error("auto-commit failed", "error", err)
		stream.Publish(events.New(events.TypeCommitProgress, map[string]any{
			"status": "failed",
			"error":  err.Error(),
		}))
	}

	// The GitHub worker reads the workspace from object storage, so the
	// current tree must be uploaded first.
	if err := o.store.Upload(ctx, req.WebsiteSessionID, jobRoot, o.homeDir, provider.CredentialDirs()); err != nil {
		fail(fmt.Errorf("workspace upload before commit failed: %w", err))
		return
	}

	result, err := o.github.CommitAndPush(ctx, githubworker.CommitRequest{
		SessionID:   req.WebsiteSessionID,
		RepoURL:     req.GitHub.RepoURL,
		Branch:      meta.Branch,
		Message:     commitMessage(meta),
		AccessToken: req.GitHub.AccessToken,
	}, relay)
	if err != nil {
		fail(err)
		return
	}

	if result.Skipped {
		stream.Publish(events.New(events.TypeCommitProgress, map[string]any{
			"status":  "skipped",
			"message": "no changes to commit",
		}))
		return
	}
	stream.Publish(events.New(events.TypeCommitProgress, map[string]any{
		"status": "completed",
		"commit": result.CommitSha,
	}))
}

func (o *Orchestrator) databaseEnv(req *ExecuteRequest) map[string]string {
	if req.Database == nil {
		return nil
	}
	env := map[string]string{
		"DATABASE_ACCESS_TOKEN": req.Database.AccessToken,
	}
	if req.Database.URL != "" {
		env["DATABASE_URL"] = req.Database.URL
	}
	return env
}

// fallbackBranchName derives the deterministic fallback branch. Collisions
// beyond the session id suffix are a known gap, not a contract.
func fallbackBranchName(sessionID string) string {
	suffix := sessionID
	if len(suffix) > 8 {
		suffix = suffix[len(suffix)-8:]
	}
	return fallbackBranchPrefix + suffix
}

func commitMessage(meta *sessionstore.Metadata) string {
	if meta.SessionTitle != "" {
		return meta.SessionTitle
	}
	return "Auto-commit from coding session " + meta.SessionID
}

func parseRepoURL(repoURL string) (owner, repo string) {
	trimmed := strings.TrimSuffix(repoURL, ".git")
	trimmed = strings.TrimSuffix(trimmed, "/")
	parts := strings.Split(trimmed, "/")
	if len(parts) >= 2 {
		return parts[len(parts)-2], parts[len(parts)-1]
	}
	return "", trimmed
}

func firstTextLine(req *ExecuteRequest) string {
	content, err := req.Content()
	if err != nil {
		return ""
	}
	text, err := provider.TextContent(content)
	if err != nil {
		return ""
	}
	if idx := strings.IndexByte(text, '\n'); idx > 0 {
		text = text[:idx]
	}
	if len(text) > 200 {
		text = text[:200]
	}
	return text
}

func orDefault(value, fallback string) string {
	if value != "" {
		return value
	}
	return fallback
}
