package provider

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mitchellh/go-homedir"
)

// credentialFiles maps canonical provider names to the file each backend
// expects its credentials in, relative to the home directory.
var credentialFiles = map[string]string{
	"claude":       ".claude/.credentials.json",
	"claude-code":  ".claude/.credentials.json",
	"codex":        ".codex/auth.json",
	"cursor-agent": ".cursor/credentials.json",
}

// CredentialDirs lists the home-relative directories bundled into session
// archives so refreshed tokens survive container recycling.
func CredentialDirs() []string {
	return []string{".claude", ".codex", ".cursor"}
}

// WriteCredentials materializes the opaque credential blob to the location
// the provider's tooling reads it from. It is called before every
// execution, including resume: the caller's blob may carry refreshed OAuth
// tokens newer than what the session archive restored, and the provider
// must see the fresh ones.
func WriteCredentials(providerName string, auth json.RawMessage) error {
	rel, ok := credentialFiles[normalize(providerName)]
	if !ok {
		// HTTP-API providers consume the blob directly.
		return nil
	}
	if len(auth) == 0 {
		return ErrMissingCredentials
	}

	home, err := homedir.Dir()
	if err != nil {
		return fmt.Errorf("failed to resolve home directory: %w", err)
	}
	target := filepath.Join(home, rel)
	if err := os.MkdirAll(filepath.Dir(target), 0o700); err != nil {
		return fmt.Errorf("failed to create credential dir: %w", err)
	}

	data := credentialBytes(auth)
	if err := os.WriteFile(target, data, 0o600); err != nil {
		return fmt.Errorf("failed to write credentials: %w", err)
	}
	return nil
}

// credentialBytes renders the blob for disk: JSON objects verbatim, JSON
// strings unwrapped so the file holds the raw token.
func credentialBytes(auth json.RawMessage) []byte {
	var s string
	if err := json.Unmarshal(auth, &s); err == nil {
		return []byte(s)
	}
	return auth
}

// APIKeyFromAuth extracts a usable API key from the credential blob: either
// the blob is the key itself, or an object carrying one of the known key
// fields.
func APIKeyFromAuth(auth json.RawMessage) string {
	if len(auth) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(auth, &s); err == nil {
		return s
	}
	var obj map[string]any
	if err := json.Unmarshal(auth, &obj); err != nil {
		return ""
	}
	for _, key := range []string{"apiKey", "api_key", "accessToken", "access_token", "token"} {
		if v, ok := obj[key].(string); ok && v != "" {
			return v
		}
	}
	// Claude OAuth blobs nest the token.
	if oauth, ok := obj["claudeAiOauth"].(map[string]any); ok {
		if v, ok := oauth["accessToken"].(string); ok {
			return v
		}
	}
	return ""
}
