package githubworker

import (
	"context"
	"encoding/json"
	"fmt"
)

// InitSessionRequest asks the GitHub worker to clone a repository, create
// the session branch, and store the resulting workspace under the session
// key in object storage.
type InitSessionRequest struct {
	SessionID   string `json:"sessionId"`
	RepoURL     string `json:"repoUrl"`
	Branch      string `json:"branch,omitempty"`
	Directory   string `json:"directory,omitempty"`
	AccessToken string `json:"accessToken,omitempty"`
	UserRequest string `json:"userRequest,omitempty"`
}

// InitSessionResult is the combined clone+branch return value.
type InitSessionResult struct {
	Branch          string `json:"branch"`
	BaseBranch      string `json:"baseBranch,omitempty"`
	ClonedPath      string `json:"clonedPath,omitempty"`
	SessionPath     string `json:"sessionPath,omitempty"`
	SessionTitle    string `json:"sessionTitle,omitempty"`
	RepositoryOwner string `json:"repositoryOwner,omitempty"`
	RepositoryName  string `json:"repositoryName,omitempty"`
}

// InitSession performs the combined clone+branch happy path.
func (c *Client) InitSession(ctx context.Context, req InitSessionRequest, onEvent EventFunc) (*InitSessionResult, error) {
	raw, err := c.call(ctx, "/init-session", req, onEvent)
	if err != nil {
		return nil, err
	}
	var result InitSessionResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("failed to parse init-session result: %w", err)
	}
	return &result, nil
}

// CloneRequest asks for a plain clone into the session's stored workspace.
type CloneRequest struct {
	SessionID   string `json:"sessionId"`
	RepoURL     string `json:"repoUrl"`
	Branch      string `json:"branch,omitempty"`
	Directory   string `json:"directory,omitempty"`
	AccessToken string `json:"accessToken,omitempty"`
}

// CloneResult is the plain clone return value.
type CloneResult struct {
	ClonedPath string `json:"clonedPath,omitempty"`
	BaseBranch string `json:"baseBranch,omitempty"`
}

// CloneRepository performs a plain clone, used by the local fallback path.
func (c *Client) CloneRepository(ctx context.Context, req CloneRequest, onEvent EventFunc) (*CloneResult, error) {
	raw, err := c.call(ctx, "/clone-repository", req, onEvent)
	if err != nil {
		return nil, err
	}
	var result CloneResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("failed to parse clone result: %w", err)
	}
	return &result, nil
}

// CreateBranchRequest asks for a branch on the session's stored workspace.
type CreateBranchRequest struct {
	SessionID   string `json:"sessionId"`
	RepoURL     string `json:"repoUrl,omitempty"`
	BranchName  string `json:"branchName"`
	Push        bool   `json:"push,omitempty"`
	AccessToken string `json:"accessToken,omitempty"`
}

// CreateBranchResult reports the created branch and whether it was pushed.
type CreateBranchResult struct {
	Branch string `json:"branch"`
	Pushed bool   `json:"pushed,omitempty"`
}

// CreateBranch creates (and optionally pushes) a branch.
func (c *Client) CreateBranch(ctx context.Context, req CreateBranchRequest, onEvent EventFunc) (*CreateBranchResult, error) {
	raw, err := c.call(ctx, "/create-branch", req, onEvent)
	if err != nil {
		return nil, err
	}
	var result CreateBranchResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("failed to parse create-branch result: %w", err)
	}
	return &result, nil
}

// CommitRequest asks the GitHub worker to commit and push the session's
// stored workspace. The worker uploads the workspace archive before issuing
// this call.
type CommitRequest struct {
	SessionID   string `json:"sessionId"`
	RepoURL     string `json:"repoUrl"`
	Branch      string `json:"branch"`
	Message     string `json:"message,omitempty"`
	AccessToken string `json:"accessToken,omitempty"`
}

// CommitResult reports the commit outcome. Skipped means the tree had no
// changes, which is a successful no-op.
type CommitResult struct {
	CommitSha string `json:"commitSha,omitempty"`
	Skipped   bool   `json:"skipped,omitempty"`
	Message   string `json:"message,omitempty"`
}

// CommitAndPush commits and pushes the session workspace.
func (c *Client) CommitAndPush(ctx context.Context, req CommitRequest, onEvent EventFunc) (*CommitResult, error) {
	raw, err := c.call(ctx, "/commit-and-push", req, onEvent)
	if err != nil {
		return nil, err
	}
	var result CommitResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("failed to parse commit result: %w", err)
	}
	return &result, nil
}
