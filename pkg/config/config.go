// Package config loads worker configuration from an optional YAML file with
// environment variable overrides. Files are discovered through the XDG
// config search path so containers and developer machines resolve the same
// way.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/adrg/xdg"
	"gopkg.in/yaml.v3"
)

// ConfigName is the file looked up under the XDG config directories.
const ConfigName = "coding-worker/config.yaml"

// Config holds all worker settings.
type Config struct {
	// ListenAddr is the HTTP bind address.
	ListenAddr string `yaml:"listen_addr"`

	// WorkRoot is the parent directory for per-job workspaces.
	WorkRoot string `yaml:"work_root"`

	// GitHubWorkerURL is the base URL of the GitHub worker service.
	GitHubWorkerURL string `yaml:"github_worker_url"`
	// GitHubWorkerTimeout bounds each GitHub worker RPC.
	GitHubWorkerTimeout time.Duration `yaml:"github_worker_timeout"`

	// SessionAPIURL is the base URL of the object-storage session API.
	SessionAPIURL string `yaml:"session_api_url"`
	// StorageTimeout bounds each archive transfer.
	StorageTimeout time.Duration `yaml:"storage_timeout"`

	// WebsiteURL is the base URL for the completion callback.
	WebsiteURL string `yaml:"website_url"`
	// WebsiteSharedSecret authenticates the completion callback.
	WebsiteSharedSecret string `yaml:"website_shared_secret"`

	// DrainDelay is the post-completion wait before process exit, giving
	// slow clients time to read the tail of the SSE stream.
	DrainDelay time.Duration `yaml:"drain_delay"`
	// ShutdownJobWait bounds how long OS-signal shutdown waits for the
	// active job.
	ShutdownJobWait time.Duration `yaml:"shutdown_job_wait"`

	Completions CompletionsConfig `yaml:"completions"`
}

// CompletionsConfig configures the lightweight fill-in-the-middle provider
// behind POST /completions.
type CompletionsConfig struct {
	Endpoint string        `yaml:"endpoint"`
	APIKey   string        `yaml:"api_key"`
	Model    string        `yaml:"model"`
	CacheTTL time.Duration `yaml:"cache_ttl"`
	Timeout  time.Duration `yaml:"timeout"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		ListenAddr:          ":8080",
		WorkRoot:            filepath.Join(os.TempDir(), "coding-worker"),
		GitHubWorkerURL:     "http://localhost:8081",
		GitHubWorkerTimeout: 10 * time.Minute,
		SessionAPIURL:       "http://localhost:8082",
		StorageTimeout:      5 * time.Minute,
		DrainDelay:          10 * time.Second,
		ShutdownJobWait:     60 * time.Second,
		Completions: CompletionsConfig{
			Model:    "codestral-latest",
			CacheTTL: 30 * time.Second,
			Timeout:  10 * time.Second,
		},
	}
}

// Load builds the configuration: defaults, then the YAML file (explicit path
// or XDG lookup), then environment overrides. A missing file is not an
// error; a present but unreadable one is.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		if found, err := xdg.SearchConfigFile(ConfigName); err == nil {
			path = found
		}
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.ListenAddr = getEnvOrDefault("LISTEN_ADDR", c.ListenAddr)
	c.WorkRoot = getEnvOrDefault("WORK_ROOT", c.WorkRoot)
	c.GitHubWorkerURL = getEnvOrDefault("GITHUB_WORKER_URL", c.GitHubWorkerURL)
	c.SessionAPIURL = getEnvOrDefault("SESSION_API_URL", c.SessionAPIURL)
	c.WebsiteURL = getEnvOrDefault("WEBSITE_URL", c.WebsiteURL)
	c.WebsiteSharedSecret = getEnvOrDefault("WEBSITE_SHARED_SECRET", c.WebsiteSharedSecret)
	c.Completions.Endpoint = getEnvOrDefault("COMPLETIONS_ENDPOINT", c.Completions.Endpoint)
	c.Completions.APIKey = getEnvOrDefault("COMPLETIONS_API_KEY", c.Completions.APIKey)
	c.Completions.Model = getEnvOrDefault("COMPLETIONS_MODEL", c.Completions.Model)
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
