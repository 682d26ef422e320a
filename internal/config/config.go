package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// ErrNoConfig is returned when no config file is found.
var ErrNoConfig = errors.New("no trawl config file found")

// Config is the parsed trawl configuration. A single file configures both
// processes; each reads its own section.
type Config struct {
	Server ServerConfig `yaml:"server" toml:"server" json:"server"`
	Worker WorkerConfig `yaml:"worker" toml:"worker" json:"worker"`
}

// ServerConfig configures the control plane.
type ServerConfig struct {
	// SocketPath is the stream socket workers connect to. A plain path
	// or unix:// URL listens on a Unix domain socket; tcp://host:port
	// listens on TCP.
	SocketPath string `yaml:"socket_path" toml:"socket_path" json:"socket_path"`

	// AdminAddr is the admin HTTP listen address.
	AdminAddr string `yaml:"admin_addr" toml:"admin_addr" json:"admin_addr"`

	// DB is a SQLite file path or a postgres:// DSN.
	DB string `yaml:"db" toml:"db" json:"db"`

	// EncryptionSecret encrypts OAuth tokens at rest. Empty disables
	// encryption.
	EncryptionSecret string `yaml:"encryption_secret" toml:"encryption_secret" json:"encryption_secret"`

	// AdminJWTSecret signs admin session tokens. Empty disables sessions
	// (static admin tokens still work).
	AdminJWTSecret string `yaml:"admin_jwt_secret" toml:"admin_jwt_secret" json:"admin_jwt_secret"`

	MaxConnections    int      `yaml:"max_connections" toml:"max_connections" json:"max_connections"`
	HeartbeatInterval Duration `yaml:"heartbeat_interval" toml:"heartbeat_interval" json:"heartbeat_interval"`
	HeartbeatTimeout  Duration `yaml:"heartbeat_timeout" toml:"heartbeat_timeout" json:"heartbeat_timeout"`
	ConnectionTimeout Duration `yaml:"connection_timeout" toml:"connection_timeout" json:"connection_timeout"`
	MessageTimeout    Duration `yaml:"message_timeout" toml:"message_timeout" json:"message_timeout"`
	CleanupInterval   Duration `yaml:"cleanup_interval" toml:"cleanup_interval" json:"cleanup_interval"`
	AssignmentTimeout Duration `yaml:"assignment_timeout" toml:"assignment_timeout" json:"assignment_timeout"`

	// BufferSize caps the per-connection frame buffer, in bytes.
	BufferSize int `yaml:"buffer_size" toml:"buffer_size" json:"buffer_size"`

	// SendFailedToWorker hands recoverable failed jobs back out alongside
	// queued ones.
	SendFailedToWorker bool `yaml:"send_failed_to_worker" toml:"send_failed_to_worker" json:"send_failed_to_worker"`

	// OAuth client credentials per provider, used when refreshing tokens.
	OAuth map[string]OAuthClient `yaml:"oauth" toml:"oauth" json:"oauth"`

	LogLevel string `yaml:"log_level" toml:"log_level" json:"log_level"`
}

// OAuthClient holds the client credentials registered with a provider.
type OAuthClient struct {
	ClientID     string `yaml:"client_id" toml:"client_id" json:"client_id"`
	ClientSecret string `yaml:"client_secret" toml:"client_secret" json:"client_secret"`
}

// WorkerConfig configures the crawler worker.
type WorkerConfig struct {
	SocketPath string `yaml:"socket_path" toml:"socket_path" json:"socket_path"`

	// DataDir is where fetched entities are persisted (filesystem backend).
	DataDir string `yaml:"data_dir" toml:"data_dir" json:"data_dir"`

	// AnonymizationSecret keys the HMAC used on PII-like fields.
	AnonymizationSecret string `yaml:"anonymization_secret" toml:"anonymization_secret" json:"anonymization_secret"`

	// LookupDBPath is the CSV file mapping hashes back to originals.
	LookupDBPath string `yaml:"lookup_db_path" toml:"lookup_db_path" json:"lookup_db_path"`

	MaxConcurrentJobs    int      `yaml:"max_concurrent_jobs" toml:"max_concurrent_jobs" json:"max_concurrent_jobs"`
	PollInterval         Duration `yaml:"poll_interval" toml:"poll_interval" json:"poll_interval"`
	HeartbeatInterval    Duration `yaml:"heartbeat_interval" toml:"heartbeat_interval" json:"heartbeat_interval"`
	MaxRequestsPerMinute int      `yaml:"max_requests_per_minute" toml:"max_requests_per_minute" json:"max_requests_per_minute"`
	MaxRequestsPerHour   int      `yaml:"max_requests_per_hour" toml:"max_requests_per_hour" json:"max_requests_per_hour"`

	// ArtifactBackend is "filesystem" or "s3".
	ArtifactBackend string   `yaml:"artifact_backend" toml:"artifact_backend" json:"artifact_backend"`
	S3              S3Config `yaml:"s3" toml:"s3" json:"s3"`

	LogLevel string `yaml:"log_level" toml:"log_level" json:"log_level"`
}

// S3Config configures the S3 artifact backend. Endpoint overrides the AWS
// default for S3-compatible stores.
type S3Config struct {
	Bucket          string `yaml:"bucket" toml:"bucket" json:"bucket"`
	Region          string `yaml:"region" toml:"region" json:"region"`
	Endpoint        string `yaml:"endpoint" toml:"endpoint" json:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id" toml:"access_key_id" json:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key" toml:"secret_access_key" json:"secret_access_key"`
}

// Duration wraps time.Duration for custom parsing.
type Duration time.Duration

func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(dur)
	return nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	dur, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	*d = Duration(dur)
	return nil
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(dur)
	return nil
}

// Load finds and parses a trawl config file from the given directory.
func Load(dir string) (*Config, string, error) {
	candidates := []struct {
		name   string
		parser func([]byte, *Config) error
	}{
		{".trawl.yaml", parseYAML},
		{".trawl.yml", parseYAML},
		{".trawl.toml", parseTOML},
		{".trawl.json", parseJSON},
		{"trawl.yaml", parseYAML},
		{"trawl.yml", parseYAML},
		{"trawl.toml", parseTOML},
		{"trawl.json", parseJSON},
	}

	for _, c := range candidates {
		path := filepath.Join(dir, c.name)
		data, err := os.ReadFile(path)
		if err != nil {
			continue // File doesn't exist, try next
		}

		var cfg Config
		if err := c.parser(data, &cfg); err != nil {
			return nil, c.name, fmt.Errorf("parse %s: %w", c.name, err)
		}

		cfg.applyDefaults()

		if err := cfg.Validate(); err != nil {
			return nil, c.name, fmt.Errorf("validate %s: %w", c.name, err)
		}

		return &cfg, c.name, nil
	}

	return nil, "", ErrNoConfig
}

// Default returns a config with all defaults applied and no file read.
func Default() *Config {
	var cfg Config
	cfg.applyDefaults()
	return &cfg
}

func parseYAML(data []byte, cfg *Config) error {
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true) // Strict: error on unknown fields
	return decoder.Decode(cfg)
}

func parseTOML(data []byte, cfg *Config) error {
	_, err := toml.Decode(string(data), cfg)
	return err
}

func parseJSON(data []byte, cfg *Config) error {
	return json.Unmarshal(data, cfg)
}

// Validate checks the config for errors.
func (c *Config) Validate() error {
	if c.Server.MaxConnections < 1 {
		return errors.New("server.max_connections must be at least 1")
	}
	if c.Server.BufferSize < 1024 {
		return errors.New("server.buffer_size must be at least 1024 bytes")
	}
	if c.Server.HeartbeatTimeout.Duration() <= c.Server.HeartbeatInterval.Duration() {
		return errors.New("server.heartbeat_timeout must exceed heartbeat_interval")
	}
	if c.Worker.MaxConcurrentJobs < 1 {
		return errors.New("worker.max_concurrent_jobs must be at least 1")
	}
	if c.Worker.ArtifactBackend != "filesystem" && c.Worker.ArtifactBackend != "s3" {
		return fmt.Errorf("worker.artifact_backend %q: must be filesystem or s3", c.Worker.ArtifactBackend)
	}
	if c.Worker.ArtifactBackend == "s3" && c.Worker.S3.Bucket == "" {
		return errors.New("worker.s3.bucket is required for the s3 backend")
	}
	if db := c.Server.DB; strings.Contains(db, "://") && !strings.HasPrefix(db, "postgres://") && !strings.HasPrefix(db, "postgresql://") {
		return fmt.Errorf("server.db %q: unsupported scheme", db)
	}
	return nil
}

func (c *Config) applyDefaults() {
	s := &c.Server
	if s.SocketPath == "" {
		s.SocketPath = "/tmp/trawl.sock"
	}
	if s.AdminAddr == "" {
		s.AdminAddr = "127.0.0.1:8487"
	}
	if s.DB == "" {
		s.DB = "trawl.db"
	}
	if s.MaxConnections == 0 {
		s.MaxConnections = 10
	}
	if s.HeartbeatInterval == 0 {
		s.HeartbeatInterval = Duration(30 * time.Second)
	}
	if s.HeartbeatTimeout == 0 {
		s.HeartbeatTimeout = Duration(90 * time.Second)
	}
	if s.ConnectionTimeout == 0 {
		s.ConnectionTimeout = Duration(5 * time.Minute)
	}
	if s.MessageTimeout == 0 {
		s.MessageTimeout = Duration(5 * time.Second)
	}
	if s.CleanupInterval == 0 {
		s.CleanupInterval = Duration(60 * time.Second)
	}
	if s.AssignmentTimeout == 0 {
		s.AssignmentTimeout = Duration(2 * time.Minute)
	}
	if s.BufferSize == 0 {
		s.BufferSize = 1 << 20
	}
	if s.LogLevel == "" {
		s.LogLevel = "info"
	}

	w := &c.Worker
	if w.SocketPath == "" {
		w.SocketPath = s.SocketPath
	}
	if w.DataDir == "" {
		w.DataDir = "trawl-data"
	}
	if w.LookupDBPath == "" {
		w.LookupDBPath = filepath.Join(w.DataDir, "lookup.csv")
	}
	if w.MaxConcurrentJobs == 0 {
		w.MaxConcurrentJobs = 3
	}
	if w.PollInterval == 0 {
		w.PollInterval = Duration(5 * time.Second)
	}
	if w.HeartbeatInterval == 0 {
		w.HeartbeatInterval = Duration(30 * time.Second)
	}
	if w.MaxRequestsPerMinute == 0 {
		w.MaxRequestsPerMinute = 600
	}
	if w.MaxRequestsPerHour == 0 {
		w.MaxRequestsPerHour = 10000
	}
	if w.ArtifactBackend == "" {
		w.ArtifactBackend = "filesystem"
	}
	if w.LogLevel == "" {
		w.LogLevel = "info"
	}
}
