// Package config handles Overwatch executor configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// (FindConfig checks an explicit path before any of these.)
// Order: ./overwatch.yaml, ~/.config/overwatch/overwatch.yaml,
// /config/overwatch.yaml, /etc/overwatch/overwatch.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"overwatch.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "overwatch", "overwatch.yaml"))
	}

	paths = append(paths, "/config/overwatch.yaml") // Container convention
	paths = append(paths, "/etc/overwatch/overwatch.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// ExecutorConfig is the "executor_config" parameter of Overwatch.Run: it
// tunes the runtime without describing the service graph itself (the
// service graph is supplied in code, not configuration).
type ExecutorConfig struct {
	// MailboxCapacity is the bounded mailbox size used for every
	// service's mailbox and for the controller's command mailbox. Must be
	// positive; the default is 16.
	MailboxCapacity int `yaml:"mailbox_capacity"`
	// ShutdownGrace bounds how long the controller waits for a
	// service's task and state-operator task to exit after cancellation.
	// When it elapses the controller publishes Stopped{AbortedTimeout}
	// for that service and moves on; the goroutines are not forcibly
	// ended.
	ShutdownGrace time.Duration `yaml:"shutdown_grace"`
	// CommandTimeout bounds each per-service settings write the
	// controller makes for UpdateSettings and UpdateAllSettings; a write
	// that exceeds it fails with the context's deadline error. The wait
	// for a command's reply is bounded only by the caller's own context.
	CommandTimeout time.Duration `yaml:"command_timeout"`
	// ShutdownOnFailure, when true, converts any single service's
	// ServiceFailed terminal state into a graph-wide Shutdown. Default
	// false: one failing service does not take down its healthy peers.
	ShutdownOnFailure bool `yaml:"shutdown_on_failure"`
	// LogLevel controls the verbosity of the runtime's own structured
	// logging (trace, debug, info, warn, error).
	LogLevel string `yaml:"log_level"`
}

// Load reads an ExecutorConfig from a YAML file, expands environment
// variables, applies defaults for any unset fields, and validates the
// result. After Load returns successfully, all fields are usable
// without additional nil/zero checks.
func Load(path string) (*ExecutorConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables (e.g., ${OVERWATCH_LOG_LEVEL}). This
	// is a convenience for container deployments; the recommended
	// approach is to put values directly in the config file.
	expanded := os.ExpandEnv(string(data))

	cfg := &ExecutorConfig{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// applyDefaults fills in zero-value fields with sensible defaults.
// Called automatically by Load and Default. After this, callers can
// read any field without checking for zero values.
func (c *ExecutorConfig) applyDefaults() {
	if c.MailboxCapacity == 0 {
		c.MailboxCapacity = 16
	}
	if c.ShutdownGrace == 0 {
		c.ShutdownGrace = 5 * time.Second
	}
	if c.CommandTimeout == 0 {
		c.CommandTimeout = 10 * time.Second
	}
}

// Validate checks that the configuration is internally consistent. It
// runs after applyDefaults, so it can assume defaults are populated.
// Returns an error describing the first problem found, or nil.
func (c *ExecutorConfig) Validate() error {
	if c.MailboxCapacity < 1 {
		return fmt.Errorf("mailbox_capacity %d must be positive", c.MailboxCapacity)
	}
	if c.ShutdownGrace < 0 {
		return fmt.Errorf("shutdown_grace %s must not be negative", c.ShutdownGrace)
	}
	if c.CommandTimeout < 0 {
		return fmt.Errorf("command_timeout %s must not be negative", c.CommandTimeout)
	}
	if c.LogLevel != "" {
		if _, err := ParseLogLevel(c.LogLevel); err != nil {
			return err
		}
	}
	return nil
}

// Default returns an ExecutorConfig with all defaults applied, suitable
// for tests and small graphs.
func Default() *ExecutorConfig {
	cfg := &ExecutorConfig{}
	cfg.applyDefaults()
	return cfg
}
