// Package config defines the runtime configuration and its loader.
package config

import (
	"fmt"
	"regexp"
	"time"
)

// OperationMode controls which tools an agent may see and how write
// permissions are resolved.
type OperationMode string

const (
	// ModeStandard exposes the full registry with declared permissions.
	ModeStandard OperationMode = "standard"
	// ModeSafe promotes auto-approved write tools to ask.
	ModeSafe OperationMode = "safe"
	// ModePlan removes write and shell tools from the schema entirely.
	ModePlan OperationMode = "plan"
)

// Config is the root configuration.
type Config struct {
	Logging  LoggingConfig        `yaml:"logging"`
	Provider ProviderConfig       `yaml:"provider"`
	Agent    AgentConfig          `yaml:"agent"`
	Memory   MemoryConfig         `yaml:"memory"`
	Tools    ToolsConfig          `yaml:"tools"`
	MCP      map[string]MCPServer `yaml:"mcp"`
	Storage  StorageConfig        `yaml:"storage"`
}

// LoggingConfig controls the process logger and per-session log files.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	SessionDir string `yaml:"session_dir"`
}

// ProviderConfig describes an OpenAI-compatible chat completion endpoint.
type ProviderConfig struct {
	BaseURL     string        `yaml:"base_url"`
	APIKey      string        `yaml:"api_key"`
	Model       string        `yaml:"model"`
	MaxTokens   int           `yaml:"max_tokens"`
	Temperature float64       `yaml:"temperature"`
	Timeout     time.Duration `yaml:"timeout"`
	MaxRetries  int           `yaml:"max_retries"`
	Streaming   bool          `yaml:"streaming"`
}

// AgentConfig controls the reasoning loop and delegation.
type AgentConfig struct {
	MaxTurns        int           `yaml:"max_turns"`
	Mode            OperationMode `yaml:"mode"`
	SubAgentTimeout time.Duration `yaml:"sub_agent_timeout"`
	SystemPrompt    string        `yaml:"system_prompt"`
}

// MemoryConfig bounds the conversation window. PreserveSystem is a pointer
// so an explicit false survives defaulting.
type MemoryConfig struct {
	MaxTokens      int    `yaml:"max_tokens"`
	Encoding       string `yaml:"encoding"`
	PreserveSystem *bool  `yaml:"preserve_system"`
}

// PreserveSystemEnabled reports whether system messages are exempt from
// eviction.
func (c *MemoryConfig) PreserveSystemEnabled() bool {
	return c.PreserveSystem == nil || *c.PreserveSystem
}

// ToolsConfig holds executor-wide settings plus per-tool security blocks.
// Workers caps how many calls of one batch run at once; zero means one
// worker per call.
type ToolsConfig struct {
	Timeout    time.Duration             `yaml:"timeout"`
	Workers    int                       `yaml:"workers"`
	WorkingDir string                    `yaml:"working_dir"`
	DeniedDirs []string                  `yaml:"denied_dirs"`
	Security   map[string]SecurityConfig `yaml:"security"`
}

// SecurityConfig refines the ask permission for one tool. An argument string
// matching the allowlist is auto-approved; a denylist match is denied without
// prompting. Denylist wins.
type SecurityConfig struct {
	Allowlist []string `yaml:"allowlist"`
	Denylist  []string `yaml:"denylist"`

	allowRe []*regexp.Regexp
	denyRe  []*regexp.Regexp
}

// MCPServer describes one stdio MCP server whose tools are bridged into the
// registry under <name>__<tool>.
type MCPServer struct {
	Command string            `yaml:"command"`
	Args    []string          `yaml:"args"`
	Env     map[string]string `yaml:"env"`
	Enabled bool              `yaml:"enabled"`
}

// StorageConfig controls the sqlite conversation store.
type StorageConfig struct {
	Path    string `yaml:"path"`
	Enabled bool   `yaml:"enabled"`
}

// SetDefaults applies defaults to every section.
func (c *Config) SetDefaults() {
	c.Logging.SetDefaults()
	c.Provider.SetDefaults()
	c.Agent.SetDefaults()
	c.Memory.SetDefaults()
	c.Tools.SetDefaults()
	c.Storage.SetDefaults()
}

// Validate checks every section, compiling security patterns as it goes.
func (c *Config) Validate() error {
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	if err := c.Provider.Validate(); err != nil {
		return fmt.Errorf("provider: %w", err)
	}
	if err := c.Agent.Validate(); err != nil {
		return fmt.Errorf("agent: %w", err)
	}
	if err := c.Memory.Validate(); err != nil {
		return fmt.Errorf("memory: %w", err)
	}
	if err := c.Tools.Validate(); err != nil {
		return fmt.Errorf("tools: %w", err)
	}
	for name, server := range c.MCP {
		if server.Enabled && server.Command == "" {
			return fmt.Errorf("mcp server %q: command is required", name)
		}
	}
	return nil
}

func (c *LoggingConfig) SetDefaults() {
	if c.Level == "" {
		c.Level = "info"
	}
	if c.Format == "" {
		c.Format = "text"
	}
}

func (c *LoggingConfig) Validate() error {
	switch c.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid level %q", c.Level)
	}
	switch c.Format {
	case "text", "json":
	default:
		return fmt.Errorf("invalid format %q", c.Format)
	}
	return nil
}

func (c *ProviderConfig) SetDefaults() {
	if c.BaseURL == "" {
		c.BaseURL = "https://api.openai.com/v1"
	}
	if c.Model == "" {
		c.Model = "gpt-4o"
	}
	if c.MaxTokens == 0 {
		c.MaxTokens = 4096
	}
	if c.Timeout == 0 {
		c.Timeout = 120 * time.Second
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
}

func (c *ProviderConfig) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("base_url is required")
	}
	if c.Model == "" {
		return fmt.Errorf("model is required")
	}
	if c.Temperature < 0 || c.Temperature > 2 {
		return fmt.Errorf("temperature must be in [0, 2], got %v", c.Temperature)
	}
	return nil
}

func (c *AgentConfig) SetDefaults() {
	if c.MaxTurns == 0 {
		c.MaxTurns = 70
	}
	if c.Mode == "" {
		c.Mode = ModeStandard
	}
	if c.SubAgentTimeout == 0 {
		c.SubAgentTimeout = 300 * time.Second
	}
}

func (c *AgentConfig) Validate() error {
	if c.MaxTurns < 1 {
		return fmt.Errorf("max_turns must be positive, got %d", c.MaxTurns)
	}
	switch c.Mode {
	case ModeStandard, ModeSafe, ModePlan:
	default:
		return fmt.Errorf("invalid mode %q", c.Mode)
	}
	return nil
}

func (c *MemoryConfig) SetDefaults() {
	if c.MaxTokens == 0 {
		c.MaxTokens = 100000
	}
	if c.Encoding == "" {
		c.Encoding = "cl100k_base"
	}
	if c.PreserveSystem == nil {
		preserve := true
		c.PreserveSystem = &preserve
	}
}

func (c *MemoryConfig) Validate() error {
	if c.MaxTokens < 1 {
		return fmt.Errorf("max_tokens must be positive, got %d", c.MaxTokens)
	}
	return nil
}

func (c *ToolsConfig) SetDefaults() {
	if c.Timeout == 0 {
		c.Timeout = 120 * time.Second
	}
}

func (c *ToolsConfig) Validate() error {
	if c.Timeout < time.Second {
		return fmt.Errorf("timeout must be at least 1s, got %v", c.Timeout)
	}
	if c.Workers < 0 {
		return fmt.Errorf("workers must be non-negative, got %d", c.Workers)
	}
	for name, sec := range c.Security {
		compiled := sec
		if err := compiled.compile(); err != nil {
			return fmt.Errorf("security for tool %q: %w", name, err)
		}
		c.Security[name] = compiled
	}
	return nil
}

func (c *StorageConfig) SetDefaults() {
	if c.Path == "" {
		c.Path = "forge.db"
	}
}

func (c *SecurityConfig) compile() error {
	c.allowRe = c.allowRe[:0]
	for _, pattern := range c.Allowlist {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return fmt.Errorf("invalid allowlist pattern %q: %w", pattern, err)
		}
		c.allowRe = append(c.allowRe, re)
	}
	c.denyRe = c.denyRe[:0]
	for _, pattern := range c.Denylist {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return fmt.Errorf("invalid denylist pattern %q: %w", pattern, err)
		}
		c.denyRe = append(c.denyRe, re)
	}
	return nil
}

// Allowed reports whether the serialized arguments hit the allowlist.
func (c *SecurityConfig) Allowed(args string) bool {
	for _, re := range c.allowRe {
		if re.MatchString(args) {
			return true
		}
	}
	return false
}

// Denied reports whether the serialized arguments hit the denylist.
func (c *SecurityConfig) Denied(args string) bool {
	for _, re := range c.denyRe {
		if re.MatchString(args) {
			return true
		}
	}
	return false
}
