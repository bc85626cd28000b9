// Package config provides configuration management for the Cloud Codex gateway.
// It supports loading configuration from environment variables, a config file,
// and built-in defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the gateway.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Workspace WorkspaceConfig `mapstructure:"workspace"`
	Session   SessionConfig   `mapstructure:"session"`
	Agent     AgentConfig     `mapstructure:"agent"`
	Approval  ApprovalConfig  `mapstructure:"approval"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Audit     AuditConfig     `mapstructure:"audit"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	ReadTimeoutMs  int    `mapstructure:"readTimeoutMs"`
	WriteTimeoutMs int    `mapstructure:"writeTimeoutMs"`
}

// ReadTimeoutDuration returns the HTTP read timeout as a duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeoutMs) * time.Millisecond
}

// WriteTimeoutDuration returns the HTTP write timeout as a duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeoutMs) * time.Millisecond
}

// WorkspaceConfig holds per-user workspace settings.
type WorkspaceConfig struct {
	// Root is the base directory for per-user workspaces; each session works
	// in <root>/<userId>.
	Root string `mapstructure:"root"`
}

// SessionConfig holds session registry settings.
type SessionConfig struct {
	IdleTimeoutMs   int `mapstructure:"idleTimeoutMs"`
	SweepIntervalMs int `mapstructure:"sweepIntervalMs"`
}

// AgentConfig holds agent subprocess settings.
type AgentConfig struct {
	// Command is the agent binary; Args are passed verbatim.
	Command string   `mapstructure:"command"`
	Args    []string `mapstructure:"args"`
	// Env lists extra KEY=VALUE pairs appended to the inherited environment.
	Env []string `mapstructure:"env"`
	// RequestTimeoutMs is the deadline for outgoing JSON-RPC requests.
	RequestTimeoutMs int `mapstructure:"requestTimeoutMs"`
}

// ApprovalConfig holds approval broker settings.
type ApprovalConfig struct {
	TimeoutMs     int         `mapstructure:"timeoutMs"`
	DefaultAction string      `mapstructure:"defaultAction"` // "accept" or "decline"
	AutoApprove   AutoApprove `mapstructure:"autoApprove"`
}

// AutoApprove holds the policy engine's auto-approval lists.
type AutoApprove struct {
	Commands []string `mapstructure:"commands"` // command prefixes
	Paths    []string `mapstructure:"paths"`    // cwd globs, * matches any run
}

// NATSConfig holds event bus configuration. An empty URL selects the
// in-memory bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// AuditConfig holds audit sink configuration. An empty SQLitePath selects the
// in-memory auditor.
type AuditConfig struct {
	SQLitePath string `mapstructure:"sqlitePath"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// IdleTimeout returns the session idle reap threshold as a duration.
func (s *SessionConfig) IdleTimeout() time.Duration {
	return time.Duration(s.IdleTimeoutMs) * time.Millisecond
}

// SweepInterval returns the idle sweep period as a duration.
func (s *SessionConfig) SweepInterval() time.Duration {
	return time.Duration(s.SweepIntervalMs) * time.Millisecond
}

// RequestTimeout returns the outgoing RPC deadline as a duration.
func (a *AgentConfig) RequestTimeout() time.Duration {
	return time.Duration(a.RequestTimeoutMs) * time.Millisecond
}

// Timeout returns the pending-approval deadline as a duration.
func (a *ApprovalConfig) Timeout() time.Duration {
	return time.Duration(a.TimeoutMs) * time.Millisecond
}

func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("CLOUDCODEX_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

func defaultWorkspaceRoot() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "cloud-codex", "workspaces")
	}
	return filepath.Join(home, ".cloud-codex", "workspaces")
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeoutMs", 30_000)
	// long-lived WebSocket writes; zero disables the write deadline
	v.SetDefault("server.writeTimeoutMs", 0)

	v.SetDefault("workspace.root", defaultWorkspaceRoot())

	v.SetDefault("session.idleTimeoutMs", 1_800_000) // 30 min
	v.SetDefault("session.sweepIntervalMs", 60_000)

	v.SetDefault("agent.command", "codex")
	v.SetDefault("agent.args", []string{"app-server"})
	v.SetDefault("agent.env", []string{})
	v.SetDefault("agent.requestTimeoutMs", 60_000)

	v.SetDefault("approval.timeoutMs", 300_000) // 5 min
	v.SetDefault("approval.defaultAction", "decline")
	v.SetDefault("approval.autoApprove.commands", []string{"ls", "cat", "grep", "git status", "git log"})
	v.SetDefault("approval.autoApprove.paths", []string{"/tmp/*"})

	// empty URL means use the in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "cloud-codex")
	v.SetDefault("nats.maxReconnects", 10)

	// empty path means use the in-memory auditor
	v.SetDefault("audit.sqlitePath", "")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and
// defaults. Environment variables use the prefix CLOUDCODEX_ with underscores
// replacing dots.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("CLOUDCODEX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/cloud-codex/")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are sane.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if cfg.Workspace.Root == "" {
		errs = append(errs, "workspace.root is required")
	}
	if cfg.Session.IdleTimeoutMs <= 0 {
		errs = append(errs, "session.idleTimeoutMs must be positive")
	}
	if cfg.Session.SweepIntervalMs <= 0 {
		errs = append(errs, "session.sweepIntervalMs must be positive")
	}
	if cfg.Agent.Command == "" {
		errs = append(errs, "agent.command is required")
	}
	if cfg.Agent.RequestTimeoutMs <= 0 {
		errs = append(errs, "agent.requestTimeoutMs must be positive")
	}
	if cfg.Approval.TimeoutMs <= 0 {
		errs = append(errs, "approval.timeoutMs must be positive")
	}
	if cfg.Approval.DefaultAction != "accept" && cfg.Approval.DefaultAction != "decline" {
		errs = append(errs, "approval.defaultAction must be one of: accept, decline")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}
