// Package sessionstore packages session workspaces into compressed archives
// and moves them to and from the object-storage session API. A session
// archive bundles the workspace subtree, the provider credential home
// directories, and the session metadata document.
package sessionstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// MetadataFileName is the metadata document inside the unpacked session
// root. It sits next to the workspace subtree, not inside it, so it survives
// independent of the tracked-file contents.
const MetadataFileName = "metadata.json"

// WorkspaceDirName is the workspace subtree inside the session root.
const WorkspaceDirName = "workspace"

// Metadata is the durable session record. Field names follow the platform
// document format shared with the website and the GitHub worker.
type Metadata struct {
	SessionID         string          `json:"sessionId"`
	SessionPath       string          `json:"sessionPath,omitempty"` // owner/repo/branch
	SessionTitle      string          `json:"sessionTitle,omitempty"`
	RepositoryOwner   string          `json:"repositoryOwner,omitempty"`
	RepositoryName    string          `json:"repositoryName,omitempty"`
	Branch            string          `json:"branch,omitempty"`
	ProviderSessionID string          `json:"providerSessionId,omitempty"`
	Provider          string          `json:"provider,omitempty"`
	CreatedAt         time.Time       `json:"createdAt"`
	UpdatedAt         time.Time       `json:"updatedAt"`
	GitHub            *GitHubMetadata `json:"github,omitempty"`
}

// GitHubMetadata records the repository a session is bound to.
type GitHubMetadata struct {
	RepoURL    string `json:"repoUrl,omitempty"`
	BaseBranch string `json:"baseBranch,omitempty"`
	ClonedPath string `json:"clonedPath,omitempty"`
}

// NewMetadata creates the record for a session's first execution.
func NewMetadata(sessionID, provider string) *Metadata {
	now := time.Now().UTC()
	return &Metadata{
		SessionID: sessionID,
		Provider:  provider,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// LoadMetadata reads the metadata document from a session root. Callers
// distinguish a brand-new session with errors.Is(err, fs.ErrNotExist).
func LoadMetadata(root string) (*Metadata, error) {
	data, err := os.ReadFile(filepath.Join(root, MetadataFileName))
	if err != nil {
		return nil, err
	}
	var m Metadata
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse session metadata: %w", err)
	}
	return &m, nil
}

// SaveMetadata writes the metadata document into the session root, bumping
// UpdatedAt.
func SaveMetadata(root string, m *Metadata) error {
	m.UpdatedAt = time.Now().UTC()
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode session metadata: %w", err)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(root, MetadataFileName), data, 0o644)
}

// WorkspacePath returns the workspace subtree under a session root.
func WorkspacePath(root string) string {
	return filepath.Join(root, WorkspaceDirName)
}
