package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func Test_Default(t *testing.T) {
	cfg := Default()

	if cfg.ListenAddr != ":8080" {
		t.Errorf("expected :8080, got %s", cfg.ListenAddr)
	}
	if cfg.DrainDelay != 10*time.Second {
		t.Errorf("expected 10s drain delay, got %s", cfg.DrainDelay)
	}
	if cfg.ShutdownJobWait != 60*time.Second {
		t.Errorf("expected 60s shutdown wait, got %s", cfg.ShutdownJobWait)
	}
	if cfg.Completions.CacheTTL != 30*time.Second {
		t.Errorf("expected 30s completion cache TTL, got %s", cfg.Completions.CacheTTL)
	}
}

func Test_Load_FromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `
listen_addr: ":9090"
github_worker_url: "http://gh:8081"
drain_delay: 2s
completions:
  endpoint: "https://fim.example/v1/completions"
  model: "custom-fim"
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.ListenAddr != ":9090" {
		t.Errorf("expected :9090, got %s", cfg.ListenAddr)
	}
	if cfg.GitHubWorkerURL != "http://gh:8081" {
		t.Errorf("expected file value, got %s", cfg.GitHubWorkerURL)
	}
	if cfg.DrainDelay != 2*time.Second {
		t.Errorf("expected 2s, got %s", cfg.DrainDelay)
	}
	if cfg.Completions.Model != "custom-fim" {
		t.Errorf("expected custom-fim, got %s", cfg.Completions.Model)
	}
	// Unset keys keep their defaults.
	if cfg.SessionAPIURL != "http://localhost:8082" {
		t.Errorf("expected default session API URL, got %s", cfg.SessionAPIURL)
	}
}

func Test_Load_EnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(`session_api_url: "http://file:1"`), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("SESSION_API_URL", "http://env:2")
	t.Setenv("WEBSITE_SHARED_SECRET", "s3cret")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.SessionAPIURL != "http://env:2" {
		t.Errorf("env must override file, got %s", cfg.SessionAPIURL)
	}
	if cfg.WebsiteSharedSecret != "s3cret" {
		t.Errorf("expected env secret, got %s", cfg.WebsiteSharedSecret)
	}
}

func Test_Load_MissingExplicitFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("an explicitly named but unreadable config must fail")
	}
}

func Test_Load_MalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("listen_addr: [not, a, string"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("malformed YAML must fail")
	}
}
