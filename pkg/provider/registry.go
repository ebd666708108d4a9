package provider

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
)

// Registry resolves provider names to variants. It is built once at startup;
// lookups are case-insensitive and tolerate the aliases callers actually
// send.
type Registry struct {
	providers map[string]Provider
	aliases   map[string]string
}

// NewRegistry constructs the closed set of supported providers.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		providers: make(map[string]Provider),
		aliases: map[string]string{
			"anthropic":     "claude",
			"anthropic-api": "claude",
			"claudecode":    "claude-code",
			"claude-cli":    "claude-code",
			"openai-codex":  "codex",
			"cursor":        "cursor-agent",
			"cursoragent":   "cursor-agent",
		},
	}
	for _, p := range []Provider{
		NewClaude(logger),
		NewClaudeCode(logger),
		NewCodex(logger),
		NewCursorAgent(logger),
		NewOllama(logger),
	} {
		r.providers[p.Name()] = p
	}
	return r
}

// Get resolves a provider by name or alias.
func (r *Registry) Get(name string) (Provider, error) {
	key := normalize(name)
	if canonical, ok := r.aliases[key]; ok {
		key = canonical
	}
	p, ok := r.providers[key]
	if !ok {
		return nil, fmt.Errorf("unsupported provider %q (supported: %s)", name, strings.Join(r.Names(), ", "))
	}
	return p, nil
}

// Names returns the canonical provider names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func normalize(name string) string {
	key := strings.ToLower(strings.TrimSpace(name))
	return strings.ReplaceAll(key, "_", "-")
}
