// Package config loads the treemirror YAML configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/agentworkforce/treemirror/internal/logging"
)

const (
	defaultListenAddr     = "127.0.0.1:7420"
	defaultMaxBodyBytes   = 1 << 20
	defaultDrainTimeout   = 2 * time.Second
	defaultQueueCapacity  = 4096
	defaultMaxFileSize    = 50 * 1024 * 1024
	defaultMirrorHashSize = 6
	defaultMaxRecent      = 10
)

// Config represents the complete treemirror configuration
type Config struct {
	Paths    PathsConfig    `yaml:"paths"`
	Sync     SyncConfig     `yaml:"sync"`
	Registry RegistryConfig `yaml:"registry"`
	Control  ControlConfig  `yaml:"control"`
	Logging  LoggingConfig  `yaml:"logging"`
}

type PathsConfig struct {
	DataDir    string `yaml:"data_dir"`
	MirrorsDir string `yaml:"mirrors_dir"`
}

type SyncConfig struct {
	MaxFileSizeBytes int64         `yaml:"max_file_size_bytes"`
	SkipDirectories  []string      `yaml:"skip_directories"`
	DrainTimeout     time.Duration `yaml:"drain_timeout"`
	QueueCapacity    int           `yaml:"queue_capacity"`
	WatchBackend     string        `yaml:"watch_backend"`
	MirrorHashBytes  int           `yaml:"mirror_hash_bytes"`
}

type RegistryConfig struct {
	DSN       string `yaml:"dsn"`
	MaxRecent int    `yaml:"max_recent"`
}

type ControlConfig struct {
	ListenAddr   string `yaml:"listen_addr"`
	Token        string `yaml:"token"`
	MaxBodyBytes int64  `yaml:"max_body_bytes"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Load reads the configuration file at path, or starts from defaults when
// path is empty, then applies TREEMIRROR_* environment overrides.
func Load(path string) (*Config, error) {
	var cfg Config
	path = strings.TrimSpace(os.ExpandEnv(path))
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.expandEnv()
	cfg.applyEnv()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func (c *Config) expandEnv() {
	c.Paths.DataDir = os.ExpandEnv(c.Paths.DataDir)
	c.Paths.MirrorsDir = os.ExpandEnv(c.Paths.MirrorsDir)
	c.Registry.DSN = os.ExpandEnv(c.Registry.DSN)
	c.Control.ListenAddr = os.ExpandEnv(c.Control.ListenAddr)
	c.Control.Token = os.ExpandEnv(c.Control.Token)
	c.Logging.Output = os.ExpandEnv(c.Logging.Output)
}

func (c *Config) applyEnv() {
	c.Paths.DataDir = envOrDefault("TREEMIRROR_DATA_DIR", c.Paths.DataDir)
	c.Paths.MirrorsDir = envOrDefault("TREEMIRROR_MIRRORS_DIR", c.Paths.MirrorsDir)
	c.Sync.MaxFileSizeBytes = int64Env("TREEMIRROR_MAX_FILE_SIZE_BYTES", c.Sync.MaxFileSizeBytes)
	c.Sync.DrainTimeout = durationEnv("TREEMIRROR_DRAIN_TIMEOUT", c.Sync.DrainTimeout)
	c.Sync.QueueCapacity = intEnv("TREEMIRROR_QUEUE_CAPACITY", c.Sync.QueueCapacity)
	c.Sync.WatchBackend = envOrDefault("TREEMIRROR_WATCH_BACKEND", c.Sync.WatchBackend)
	if raw := strings.TrimSpace(os.Getenv("TREEMIRROR_SKIP_DIRECTORIES")); raw != "" {
		c.Sync.SkipDirectories = splitList(raw)
	}
	c.Registry.DSN = envOrDefault("TREEMIRROR_REGISTRY_DSN", c.Registry.DSN)
	c.Control.ListenAddr = envOrDefault("TREEMIRROR_LISTEN_ADDR", c.Control.ListenAddr)
	c.Control.Token = envOrDefault("TREEMIRROR_TOKEN", c.Control.Token)
	c.Logging.Level = envOrDefault("TREEMIRROR_LOG_LEVEL", c.Logging.Level)
	c.Logging.Format = envOrDefault("TREEMIRROR_LOG_FORMAT", c.Logging.Format)
}

func (c *Config) applyDefaults() {
	if c.Paths.DataDir == "" {
		c.Paths.DataDir = defaultDataDir()
	}
	if c.Paths.MirrorsDir == "" {
		c.Paths.MirrorsDir = filepath.Join(c.Paths.DataDir, "mirrors")
	}
	if c.Sync.MaxFileSizeBytes <= 0 {
		c.Sync.MaxFileSizeBytes = defaultMaxFileSize
	}
	if c.Sync.SkipDirectories == nil {
		c.Sync.SkipDirectories = []string{"node_modules", ".git", "__pycache__", ".gradle", ".idea", "venv", ".env"}
	}
	if c.Sync.DrainTimeout <= 0 {
		c.Sync.DrainTimeout = defaultDrainTimeout
	}
	if c.Sync.QueueCapacity <= 0 {
		c.Sync.QueueCapacity = defaultQueueCapacity
	}
	if c.Sync.WatchBackend == "" {
		c.Sync.WatchBackend = "fsnotify"
	}
	if c.Sync.MirrorHashBytes == 0 {
		c.Sync.MirrorHashBytes = defaultMirrorHashSize
	}
	if c.Registry.DSN == "" {
		c.Registry.DSN = "file://" + filepath.Join(c.Paths.DataDir, "registry.json")
	}
	if c.Registry.MaxRecent <= 0 {
		c.Registry.MaxRecent = defaultMaxRecent
	}
	if c.Control.ListenAddr == "" {
		c.Control.ListenAddr = defaultListenAddr
	}
	if c.Control.MaxBodyBytes <= 0 {
		c.Control.MaxBodyBytes = defaultMaxBodyBytes
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.Output == "" {
		c.Logging.Output = "stderr"
	}
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if !filepath.IsAbs(c.Paths.DataDir) {
		return fmt.Errorf("paths.data_dir must be an absolute path: %s", c.Paths.DataDir)
	}
	if !filepath.IsAbs(c.Paths.MirrorsDir) {
		return fmt.Errorf("paths.mirrors_dir must be an absolute path: %s", c.Paths.MirrorsDir)
	}
	switch c.Sync.WatchBackend {
	case "fsnotify", "notify":
	default:
		return fmt.Errorf("invalid sync.watch_backend: %s (must be fsnotify or notify)", c.Sync.WatchBackend)
	}
	if c.Sync.MirrorHashBytes < defaultMirrorHashSize || c.Sync.MirrorHashBytes > 32 {
		return fmt.Errorf("sync.mirror_hash_bytes must be between 6 and 32, got %d", c.Sync.MirrorHashBytes)
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("invalid logging.format: %s (must be json or console)", c.Logging.Format)
	}
	return nil
}

// GrantsPath is where the local permission authority keeps its grants.
func (c *Config) GrantsPath() string {
	return filepath.Join(c.Paths.DataDir, "grants.json")
}

func (c *Config) LoggingConfig() logging.Config {
	return logging.Config{
		Level:      c.Logging.Level,
		Format:     c.Logging.Format,
		OutputPath: c.Logging.Output,
	}
}

func defaultDataDir() string {
	if xdg := strings.TrimSpace(os.Getenv("XDG_DATA_HOME")); filepath.IsAbs(xdg) {
		return filepath.Join(xdg, "treemirror")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".local", "share", "treemirror")
	}
	return filepath.Join(os.TempDir(), "treemirror")
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func intEnv(name string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		logging.S().Warnf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func int64Env(name string, fallback int64) int64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		logging.S().Warnf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		logging.S().Warnf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}
