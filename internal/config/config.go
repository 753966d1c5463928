package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/rogers-f/prerender/internal/domain"
)

// EnvConfigPath names the environment variable consulted when no --config
// flag is given.
const EnvConfigPath = "PRERENDER_CONFIG"

// discoveryNames are tried, in order, in the working directory.
var discoveryNames = []string{"prerender.yaml", "prerender.yml", "prerender.json"}

// Config holds the runtime configuration of the build and the server.
type Config struct {
	DBPath      string `json:"db_path" yaml:"db_path"`
	ArtifactDir string `json:"artifact_dir" yaml:"artifact_dir"`
	// SitePath is an HCL site definition. Empty selects the built-in site.
	SitePath string `json:"site_path" yaml:"site_path"`
	PagePath string `json:"page_path" yaml:"page_path"`

	ListenAddr string `json:"listen_addr" yaml:"listen_addr"`
	LogLevel   string `json:"log_level" yaml:"log_level"`
	LogFormat  string `json:"log_format" yaml:"log_format"`

	GraceWindowMS         int   `json:"grace_window_ms" yaml:"grace_window_ms"`
	SettleQuantumMS       int   `json:"settle_quantum_ms" yaml:"settle_quantum_ms"`
	DebounceRounds        int   `json:"debounce_rounds" yaml:"debounce_rounds"`
	ProspectiveTimeoutSec int   `json:"prospective_timeout_sec" yaml:"prospective_timeout_sec"`
	CaptureDeferredState  *bool `json:"capture_deferred_state" yaml:"capture_deferred_state"`
	MaxConcurrency        int   `json:"max_concurrency" yaml:"max_concurrency"`
	PostsLatencyMS        int   `json:"posts_latency_ms" yaml:"posts_latency_ms"`

	// StrictCache fails a build whose final pass missed the cache.
	StrictCache   bool `json:"strict_cache" yaml:"strict_cache"`
	MaxShellBytes int  `json:"max_shell_bytes" yaml:"max_shell_bytes"`

	IdentityCookie  string `json:"identity_cookie" yaml:"identity_cookie"`
	DefaultIdentity string `json:"default_identity" yaml:"default_identity"`
	WatchArtifacts  bool   `json:"watch_artifacts" yaml:"watch_artifacts"`

	// Path is the file the configuration was loaded from, if any.
	Path string `json:"-" yaml:"-"`
}

// Default returns the configuration used when no file is found.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads a JSON or YAML config file, chosen by extension, applies
// defaults, and validates.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config YAML: %w", err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config JSON: %w", err)
		}
	}
	cfg.Path = path

	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Discover loads the configuration from flagPath, else from $PRERENDER_CONFIG,
// else from the first discovery file in the working directory. With none of
// those it returns Default().
func Discover(flagPath string) (*Config, error) {
	if flagPath != "" {
		return Load(flagPath)
	}
	if p := os.Getenv(EnvConfigPath); p != "" {
		return Load(p)
	}
	for _, name := range discoveryNames {
		if _, err := os.Stat(name); err == nil {
			return Load(name)
		} else if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("stat %s: %w", name, err)
		}
	}
	return Default(), nil
}

func (c *Config) applyDefaults() {
	if c.DBPath == "" {
		c.DBPath = filepath.Join(".prerender", "prerender.db")
	}
	if c.ArtifactDir == "" {
		c.ArtifactDir = filepath.Join(".prerender", "out")
	}
	if c.PagePath == "" {
		c.PagePath = "/"
	}
	if c.ListenAddr == "" {
		c.ListenAddr = ":9800"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogFormat == "" {
		c.LogFormat = "console"
	}
	if c.GraceWindowMS == 0 {
		c.GraceWindowMS = 100
	}
	if c.DebounceRounds == 0 {
		c.DebounceRounds = 2
	}
	if c.ProspectiveTimeoutSec == 0 {
		c.ProspectiveTimeoutSec = 60
	}
	if c.CaptureDeferredState == nil {
		v := true
		c.CaptureDeferredState = &v
	}
	if c.PostsLatencyMS == 0 {
		c.PostsLatencyMS = 200
	}
	if c.IdentityCookie == "" {
		c.IdentityCookie = "username"
	}
	if c.DefaultIdentity == "" {
		c.DefaultIdentity = "Guest"
	}
}

func (c *Config) validate() error {
	var problems []string

	if c.GraceWindowMS < 0 {
		problems = append(problems, "grace_window_ms must not be negative")
	}
	if c.SettleQuantumMS < 0 {
		problems = append(problems, "settle_quantum_ms must not be negative")
	}
	if c.DebounceRounds < 1 {
		problems = append(problems, "debounce_rounds must be at least 1")
	}
	if c.ProspectiveTimeoutSec < 0 {
		problems = append(problems, "prospective_timeout_sec must not be negative")
	}
	if c.MaxConcurrency < 0 {
		problems = append(problems, "max_concurrency must not be negative")
	}
	if c.PostsLatencyMS < 0 {
		problems = append(problems, "posts_latency_ms must not be negative")
	}
	if c.MaxShellBytes < 0 {
		problems = append(problems, "max_shell_bytes must not be negative")
	}
	if !strings.HasPrefix(c.PagePath, "/") {
		problems = append(problems, "page_path must start with /")
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "warning", "error":
	default:
		problems = append(problems, fmt.Sprintf("unknown log_level %q", c.LogLevel))
	}
	if c.LogFormat != "console" && c.LogFormat != "json" {
		problems = append(problems, fmt.Sprintf("unknown log_format %q", c.LogFormat))
	}
	if strings.ContainsAny(c.IdentityCookie, " \t;,=\"") {
		problems = append(problems, fmt.Sprintf("identity_cookie %q is not a valid cookie name", c.IdentityCookie))
	}

	if len(problems) > 0 {
		return &domain.EngineError{
			Code:    domain.ErrConfigInvalid.Code,
			Message: fmt.Sprintf("%s: %v", domain.ErrConfigInvalid.Message, problems),
		}
	}
	return nil
}

// GraceWindow is GraceWindowMS as a duration.
func (c *Config) GraceWindow() time.Duration {
	return time.Duration(c.GraceWindowMS) * time.Millisecond
}

// SettleQuantum is SettleQuantumMS as a duration.
func (c *Config) SettleQuantum() time.Duration {
	return time.Duration(c.SettleQuantumMS) * time.Millisecond
}

// ProspectiveTimeout is ProspectiveTimeoutSec as a duration.
func (c *Config) ProspectiveTimeout() time.Duration {
	return time.Duration(c.ProspectiveTimeoutSec) * time.Second
}

// PostsLatency is PostsLatencyMS as a duration.
func (c *Config) PostsLatency() time.Duration {
	return time.Duration(c.PostsLatencyMS) * time.Millisecond
}

// CaptureDeferred reports whether builds record deferred state.
func (c *Config) CaptureDeferred() bool {
	return c.CaptureDeferredState == nil || *c.CaptureDeferredState
}
