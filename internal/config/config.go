// Package config loads and validates process-wide gateway configuration.
// Configuration is resolved once at startup and immutable afterwards:
// an optional YAML file is applied first, then environment variables
// (including a best-effort .env file) override it.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DefaultDenyGlobs are the path patterns rejected regardless of allowed
// roots. They cover the usual credential-bearing files.
var DefaultDenyGlobs = []string{
	"**/.env",
	"**/.ssh/**",
	"**/credentials*",
	"**/*.pem",
	"**/*.key",
}

// Config is the resolved gateway configuration.
type Config struct {
	Token        string   `yaml:"token"`
	AllowedRoots []string `yaml:"allowed_roots"`
	Port         int      `yaml:"port"`
	Bind         string   `yaml:"bind"`
	DataDir      string   `yaml:"data_dir"`
	DenyGlobs    []string `yaml:"deny_globs"`
	PromptAppend string   `yaml:"prompt_append"`
	AgentBin     string   `yaml:"agent_bin"`

	MaxTurnsCap       int `yaml:"max_turns_cap"`
	TimeoutCapSeconds int `yaml:"timeout_cap_seconds"`
	KillGraceSeconds  int `yaml:"kill_grace_seconds"`
	LogtailMaxLines   int `yaml:"logtail_max_lines"`
	ExcerptMaxChars   int `yaml:"excerpt_max_chars"`
}

// Addr returns the listen address in host:port form.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Bind, c.Port)
}

func defaults() Config {
	return Config{
		Port:              8787,
		Bind:              "127.0.0.1",
		DataDir:           filepath.Join("data", "sessions"),
		DenyGlobs:         append([]string{}, DefaultDenyGlobs...),
		AgentBin:          "claude",
		MaxTurnsCap:       50,
		TimeoutCapSeconds: 1800,
		KillGraceSeconds:  5,
		LogtailMaxLines:   200,
		ExcerptMaxChars:   4000,
	}
}

// Load resolves configuration from an optional YAML file plus the
// environment. A .env file in the working directory is honored if present.
func Load(configPath string) (*Config, error) {
	// Missing .env is the normal case; only real parse errors matter and
	// those surface again when the variables are read.
	_ = godotenv.Load()

	cfg := defaults()

	if configPath != "" {
		b, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", configPath, err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyEnv(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("AGENTGATE_TOKEN")); v != "" {
		cfg.Token = v
	}
	if v := strings.TrimSpace(os.Getenv("AGENTGATE_ALLOWED_ROOTS")); v != "" {
		cfg.AllowedRoots = splitNonEmpty(v)
	}
	if v := strings.TrimSpace(os.Getenv("AGENTGATE_DENY_GLOBS")); v != "" {
		cfg.DenyGlobs = splitNonEmpty(v)
	}
	if v := strings.TrimSpace(os.Getenv("AGENTGATE_BIND")); v != "" {
		cfg.Bind = v
	}
	if v := strings.TrimSpace(os.Getenv("AGENTGATE_DATA_DIR")); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("AGENTGATE_PROMPT_APPEND"); v != "" {
		cfg.PromptAppend = v
	}
	if v := strings.TrimSpace(os.Getenv("AGENTGATE_AGENT_BIN")); v != "" {
		cfg.AgentBin = v
	}
	envInt("AGENTGATE_PORT", &cfg.Port)
	envInt("AGENTGATE_MAX_TURNS_CAP", &cfg.MaxTurnsCap)
	envInt("AGENTGATE_TIMEOUT_CAP_SECONDS", &cfg.TimeoutCapSeconds)
	envInt("AGENTGATE_KILL_GRACE_SECONDS", &cfg.KillGraceSeconds)
	envInt("AGENTGATE_LOGTAIL_MAX_LINES", &cfg.LogtailMaxLines)
	envInt("AGENTGATE_EXCERPT_MAX_CHARS", &cfg.ExcerptMaxChars)
}

func envInt(key string, dst *int) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return
	}
	if n, err := strconv.Atoi(v); err == nil {
		*dst = n
	}
}

func splitNonEmpty(csv string) []string {
	var out []string
	for _, part := range strings.Split(csv, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func (c *Config) validate() error {
	if strings.TrimSpace(c.Token) == "" {
		return fmt.Errorf("AGENTGATE_TOKEN is required")
	}
	if len(c.AllowedRoots) == 0 {
		return fmt.Errorf("AGENTGATE_ALLOWED_ROOTS is required")
	}
	for _, root := range c.AllowedRoots {
		if !filepath.IsAbs(root) {
			return fmt.Errorf("allowed root %q is not absolute", root)
		}
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range 1-65535", c.Port)
	}
	if c.MaxTurnsCap < 1 {
		return fmt.Errorf("max turns cap must be >= 1")
	}
	if c.TimeoutCapSeconds < 1 {
		return fmt.Errorf("timeout cap must be >= 1 second")
	}
	if c.KillGraceSeconds < 0 {
		return fmt.Errorf("kill grace must be >= 0 seconds")
	}
	if c.LogtailMaxLines < 1 {
		return fmt.Errorf("logtail max lines must be >= 1")
	}
	if c.ExcerptMaxChars < 1 {
		return fmt.Errorf("excerpt max chars must be >= 1")
	}
	if strings.TrimSpace(c.AgentBin) == "" {
		return fmt.Errorf("agent binary name must not be empty")
	}
	return nil
}
