// Package config manages the application configuration file.
package config

import (
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/agentmux/agentmux/paths"
)

// Defaults applied when the config file omits a setting.
const (
	DefaultCLIPath            = "claude"
	DefaultRecentSessionLimit = 50
	DefaultQuickSlots         = 9
)

// Config holds the application configuration. Fields are exported for
// YAML round-tripping; concurrent access goes through the accessor
// methods, which hold the mutex.
type Config struct {
	CLIPath        string   `yaml:"cli_path,omitempty"`        // agent CLI binary, default "claude"
	DefaultModel   string   `yaml:"default_model,omitempty"`   // model flag for new sessions, empty = CLI default
	PermissionMode string   `yaml:"permission_mode,omitempty"` // "supervised" (default) or "full"
	AllowedTools   []string `yaml:"allowed_tools,omitempty"`   // pre-authorized tools in supervised mode
	ApprovalTools  []string `yaml:"approval_tools,omitempty"`  // tools that pause for a user decision

	RecentSessionLimit int  `yaml:"recent_session_limit,omitempty"` // stored session cap, default 50
	QuickSlots         int  `yaml:"quick_slots,omitempty"`          // number of quick-switch slots, default 9
	Debug              bool `yaml:"debug,omitempty"`                // verbose logging

	mu       sync.RWMutex
	filePath string
}

// Load reads the config from disk, or returns a default config if the
// file doesn't exist yet.
func Load() (*Config, error) {
	path, err := paths.ConfigFilePath()
	if err != nil {
		return nil, err
	}

	cfg := &Config{filePath: path}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the config is internally consistent.
func (c *Config) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	switch c.PermissionMode {
	case "", "supervised", "full":
	default:
		return fmt.Errorf("invalid permission_mode %q (want \"supervised\" or \"full\")", c.PermissionMode)
	}

	if c.RecentSessionLimit < 0 {
		return fmt.Errorf("recent_session_limit must not be negative")
	}
	if c.QuickSlots < 0 {
		return fmt.Errorf("quick_slots must not be negative")
	}

	return nil
}

// Save writes the config to disk.
func (c *Config) Save() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	dir, err := paths.ConfigDir()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}

	return os.WriteFile(c.filePath, data, 0644)
}

// SetFilePath sets the config file path (for testing).
func (c *Config) SetFilePath(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.filePath = path
}

// GetCLIPath returns the agent CLI binary path or name.
func (c *Config) GetCLIPath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.CLIPath == "" {
		return DefaultCLIPath
	}
	return c.CLIPath
}

// SetCLIPath sets the agent CLI binary path.
func (c *Config) SetCLIPath(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CLIPath = path
}

// GetDefaultModel returns the model for new sessions, "" meaning the
// CLI's own default.
func (c *Config) GetDefaultModel() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.DefaultModel
}

// SetDefaultModel sets the model for new sessions.
func (c *Config) SetDefaultModel(model string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.DefaultModel = model
}

// GetPermissionMode returns the permission mode, defaulting to supervised.
func (c *Config) GetPermissionMode() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.PermissionMode == "" {
		return "supervised"
	}
	return c.PermissionMode
}

// SetPermissionMode sets the permission mode.
func (c *Config) SetPermissionMode(mode string) error {
	switch mode {
	case "supervised", "full":
	default:
		return fmt.Errorf("invalid permission mode %q", mode)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.PermissionMode = mode
	return nil
}

// GetAllowedTools returns a copy of the pre-authorized tool list.
func (c *Config) GetAllowedTools() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	tools := make([]string, len(c.AllowedTools))
	copy(tools, c.AllowedTools)
	return tools
}

// GetApprovalTools returns a copy of the approval-gated tool list, or
// nil to use the built-in default set.
func (c *Config) GetApprovalTools() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.ApprovalTools == nil {
		return nil
	}
	tools := make([]string, len(c.ApprovalTools))
	copy(tools, c.ApprovalTools)
	return tools
}

// GetRecentSessionLimit returns the stored session cap.
func (c *Config) GetRecentSessionLimit() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.RecentSessionLimit == 0 {
		return DefaultRecentSessionLimit
	}
	return c.RecentSessionLimit
}

// SetRecentSessionLimit sets the stored session cap.
func (c *Config) SetRecentSessionLimit(limit int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.RecentSessionLimit = limit
}

// GetQuickSlots returns the number of quick-switch slots.
func (c *Config) GetQuickSlots() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.QuickSlots == 0 {
		return DefaultQuickSlots
	}
	return c.QuickSlots
}

// GetDebug returns whether verbose logging is enabled.
func (c *Config) GetDebug() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Debug
}

// SetDebug toggles verbose logging.
func (c *Config) SetDebug(enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Debug = enabled
}
