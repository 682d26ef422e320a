package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadYAML(t *testing.T) {
	dir := t.TempDir()
	content := `server:
  socket_path: /tmp/test.sock
  max_connections: 4
  heartbeat_timeout: 2m
worker:
  data_dir: /var/lib/trawl
  max_concurrent_jobs: 2
`
	if err := os.WriteFile(filepath.Join(dir, ".trawl.yaml"), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, filename, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if filename != ".trawl.yaml" {
		t.Errorf("expected .trawl.yaml, got %s", filename)
	}
	if cfg.Server.SocketPath != "/tmp/test.sock" {
		t.Errorf("expected /tmp/test.sock, got %q", cfg.Server.SocketPath)
	}
	if cfg.Server.MaxConnections != 4 {
		t.Errorf("expected 4 connections, got %d", cfg.Server.MaxConnections)
	}
	if cfg.Server.HeartbeatTimeout.Duration() != 2*time.Minute {
		t.Errorf("expected 2m, got %v", cfg.Server.HeartbeatTimeout.Duration())
	}
	if cfg.Worker.MaxConcurrentJobs != 2 {
		t.Errorf("expected 2 jobs, got %d", cfg.Worker.MaxConcurrentJobs)
	}
}

func TestLoadTOML(t *testing.T) {
	dir := t.TempDir()
	content := `[server]
socket_path = "/run/trawl.sock"
cleanup_interval = "45s"

[worker]
anonymization_secret = "s3cret"
`
	if err := os.WriteFile(filepath.Join(dir, ".trawl.toml"), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, filename, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if filename != ".trawl.toml" {
		t.Errorf("expected .trawl.toml, got %s", filename)
	}
	if cfg.Server.SocketPath != "/run/trawl.sock" {
		t.Errorf("expected /run/trawl.sock, got %q", cfg.Server.SocketPath)
	}
	if cfg.Server.CleanupInterval.Duration() != 45*time.Second {
		t.Errorf("expected 45s, got %v", cfg.Server.CleanupInterval.Duration())
	}
	if cfg.Worker.AnonymizationSecret != "s3cret" {
		t.Errorf("expected s3cret, got %q", cfg.Worker.AnonymizationSecret)
	}
}

func TestLoadJSON(t *testing.T) {
	dir := t.TempDir()
	content := `{"server": {"admin_addr": "127.0.0.1:9000", "message_timeout": "3s"}, "worker": {}}`
	if err := os.WriteFile(filepath.Join(dir, ".trawl.json"), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, filename, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if filename != ".trawl.json" {
		t.Errorf("expected .trawl.json, got %s", filename)
	}
	if cfg.Server.AdminAddr != "127.0.0.1:9000" {
		t.Errorf("expected 127.0.0.1:9000, got %q", cfg.Server.AdminAddr)
	}
	if cfg.Server.MessageTimeout.Duration() != 3*time.Second {
		t.Errorf("expected 3s, got %v", cfg.Server.MessageTimeout.Duration())
	}
}

func TestLoadPriority(t *testing.T) {
	// .trawl.yaml should take priority over trawl.yaml
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, ".trawl.yaml"), []byte("server:\n  admin_addr: first\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "trawl.yaml"), []byte("server:\n  admin_addr: second\n"), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, filename, err := Load(dir)
	if err != nil {
		t.Fatal(err)
	}
	if filename != ".trawl.yaml" {
		t.Errorf("expected .trawl.yaml priority, got %s", filename)
	}
	if cfg.Server.AdminAddr != "first" {
		t.Errorf("expected 'first', got %q", cfg.Server.AdminAddr)
	}
}

func TestDefaults(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, ".trawl.yaml"), []byte("server: {}\nworker: {}\n"), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, _, err := Load(dir)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Server.MaxConnections != 10 {
		t.Errorf("expected default max_connections 10, got %d", cfg.Server.MaxConnections)
	}
	if cfg.Server.HeartbeatTimeout.Duration() != 90*time.Second {
		t.Errorf("expected default heartbeat_timeout 90s, got %v", cfg.Server.HeartbeatTimeout.Duration())
	}
	if cfg.Server.BufferSize != 1<<20 {
		t.Errorf("expected default buffer_size 1MB, got %d", cfg.Server.BufferSize)
	}
	if cfg.Worker.MaxConcurrentJobs != 3 {
		t.Errorf("expected default max_concurrent_jobs 3, got %d", cfg.Worker.MaxConcurrentJobs)
	}
	if cfg.Worker.PollInterval.Duration() != 5*time.Second {
		t.Errorf("expected default poll_interval 5s, got %v", cfg.Worker.PollInterval.Duration())
	}
	if cfg.Worker.ArtifactBackend != "filesystem" {
		t.Errorf("expected default artifact_backend filesystem, got %q", cfg.Worker.ArtifactBackend)
	}
}

func TestWorkerSocketInheritsServer(t *testing.T) {
	dir := t.TempDir()
	content := `server:
  socket_path: /tmp/shared.sock
worker: {}
`
	if err := os.WriteFile(filepath.Join(dir, ".trawl.yaml"), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, _, err := Load(dir)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Worker.SocketPath != "/tmp/shared.sock" {
		t.Errorf("expected worker socket to inherit /tmp/shared.sock, got %q", cfg.Worker.SocketPath)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults valid", func(c *Config) {}, false},
		{"zero connections", func(c *Config) { c.Server.MaxConnections = -1 }, true},
		{"tiny buffer", func(c *Config) { c.Server.BufferSize = 16 }, true},
		{"heartbeat timeout below interval", func(c *Config) {
			c.Server.HeartbeatInterval = Duration(2 * time.Minute)
			c.Server.HeartbeatTimeout = Duration(time.Minute)
		}, true},
		{"unknown artifact backend", func(c *Config) { c.Worker.ArtifactBackend = "tape" }, true},
		{"s3 without bucket", func(c *Config) {
			c.Worker.ArtifactBackend = "s3"
			c.Worker.S3.Bucket = ""
		}, true},
		{"s3 with bucket", func(c *Config) {
			c.Worker.ArtifactBackend = "s3"
			c.Worker.S3.Bucket = "crawl-artifacts"
		}, false},
		{"postgres dsn", func(c *Config) { c.Server.DB = "postgres://u:p@localhost/trawl" }, false},
		{"bogus dsn scheme", func(c *Config) { c.Server.DB = "mysql://localhost/trawl" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestNoConfigError(t *testing.T) {
	dir := t.TempDir()
	_, _, err := Load(dir)
	if err != ErrNoConfig {
		t.Errorf("expected ErrNoConfig, got %v", err)
	}
}
