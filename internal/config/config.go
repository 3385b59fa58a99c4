// Package config handles thane-core configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/thane-core/config.yaml, /etc/thane-core/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "thane-core", "config.yaml"))
	}

	paths = append(paths, "/etc/thane-core/config.yaml")
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

// Config holds all thane-core configuration.
type Config struct {
	DataDir       string              `yaml:"data_dir"`
	LogLevel      string              `yaml:"log_level"`
	LogFormat     string              `yaml:"log_format"` // text (default) or json
	Models        ModelsConfig        `yaml:"models"`
	Loop          LoopConfig          `yaml:"loop"`
	Workspace     WorkspaceConfig     `yaml:"workspace"`
	Tools         ToolsConfig         `yaml:"tools"`
	Memory        MemoryConfig        `yaml:"memory"`
	Consolidation ConsolidationConfig `yaml:"consolidation"`
	Knowledge     KnowledgeConfig     `yaml:"knowledge"`
	MQTT          MQTTConfig          `yaml:"mqtt"`
}

// ModelsConfig defines the language model endpoint.
type ModelsConfig struct {
	Default     string  `yaml:"default"`
	OllamaURL   string  `yaml:"ollama_url"`
	Temperature float64 `yaml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens"`
	// TimeoutSec bounds a single generation call. Default 120.
	TimeoutSec int `yaml:"timeout_sec"`
}

// LoopConfig controls the reasoning loop budgets.
type LoopConfig struct {
	// ChatMaxIterations caps conversational invocations. Default 2.
	ChatMaxIterations int `yaml:"chat_max_iterations"`
	// WorkspaceMaxIterations caps workspace/task invocations. Default 10.
	WorkspaceMaxIterations int `yaml:"workspace_max_iterations"`
	// StepTimeoutSec bounds each tool call. Default 30.
	StepTimeoutSec int `yaml:"step_timeout_sec"`
	// ContextTopK caps each injected context slice. Default 3.
	ContextTopK int `yaml:"context_top_k"`
	// ExtraLoopKeywords are added to the router's built-in keyword list.
	ExtraLoopKeywords []string `yaml:"extra_loop_keywords"`
}

// StepTimeout returns the per-step timeout as a duration.
func (c LoopConfig) StepTimeout() time.Duration {
	return time.Duration(c.StepTimeoutSec) * time.Second
}

// WorkspaceConfig defines where tool calls operate.
type WorkspaceConfig struct {
	// DefaultRoot is the sandbox root used when no workspace is bound.
	// Each agent gets its own subdirectory beneath it.
	DefaultRoot string `yaml:"default_root"`
	// Agents maps agent IDs to bound workspace directories.
	Agents map[string]string `yaml:"agents"`
	// Sessions maps session IDs to bound workspace directories.
	Sessions map[string]string `yaml:"sessions"`
	// Roots names directories that hints may reference as "name:rel".
	Roots map[string]string `yaml:"roots"`
}

// ToolsConfig configures the tool execution gateway.
type ToolsConfig struct {
	Shell    ShellExecConfig     `yaml:"shell_exec"`
	Runtimes []ToolRuntimeConfig `yaml:"runtimes"`
}

// ShellExecConfig defines shell execution capabilities.
type ShellExecConfig struct {
	// Enabled allows shell command execution. Disabled by default for safety.
	Enabled bool `yaml:"enabled"`
	// DeniedPatterns are command patterns to block (e.g., "rm -rf /").
	DeniedPatterns []string `yaml:"denied_patterns"`
	// AllowedPrefixes limits commands to those starting with these prefixes.
	// Empty means all commands are allowed (subject to denied patterns).
	AllowedPrefixes []string `yaml:"allowed_prefixes"`
	// DefaultTimeoutSec is the default timeout in seconds (default 30).
	DefaultTimeoutSec int `yaml:"default_timeout_sec"`
}

// ToolRuntimeConfig describes an external tool runtime whose tools are
// bridged into the gateway registry.
type ToolRuntimeConfig struct {
	Name      string            `yaml:"name"`
	Transport string            `yaml:"transport"` // http, websocket, stdio
	URL       string            `yaml:"url"`
	Headers   map[string]string `yaml:"headers"`
	Command   string            `yaml:"command"`
	Args      []string          `yaml:"args"`
	Env       []string          `yaml:"env"`
	// Include limits bridging to the named tools; Exclude drops tools.
	Include []string `yaml:"include"`
	Exclude []string `yaml:"exclude"`
}

// MemoryConfig configures both memory tiers.
type MemoryConfig struct {
	// Driver selects the database/sql driver for the long-term tier:
	// "sqlite3" (cgo, default) or "sqlite" (pure Go).
	Driver string `yaml:"driver"`
	// Path is the long-term database file. Default: <data_dir>/memory.db.
	Path string `yaml:"path"`
	// ShortTerm selects the short-term backend: "memory" (default) or "redis".
	ShortTerm       string `yaml:"short_term"`
	RedisAddr       string `yaml:"redis_addr"`
	RedisPassword   string `yaml:"redis_password"`
	RedisDB         int    `yaml:"redis_db"`
	MaxPerSession   int    `yaml:"stm_max_per_session"`
	TTLHours        int    `yaml:"stm_ttl_hours"`
	WriteQueueSize  int    `yaml:"write_queue_size"`
	RetentionPolicy string `yaml:"retention_policy"`
}

// ConsolidationConfig configures scheduled consolidation.
type ConsolidationConfig struct {
	Enabled       bool     `yaml:"enabled"`
	IntervalMin   int      `yaml:"interval_min"`
	Agents        []string `yaml:"agents"`
	Strategy      string   `yaml:"strategy"`
	MinImportance float64  `yaml:"min_importance"`
	MaxAgeHours   int      `yaml:"max_age_hours"`
	// Lock selects the mutual-exclusion backend: "local" (default) or "etcd".
	Lock          string   `yaml:"lock"`
	EtcdEndpoints []string `yaml:"etcd_endpoints"`
}

// Interval returns the consolidation interval as a duration.
func (c ConsolidationConfig) Interval() time.Duration {
	return time.Duration(c.IntervalMin) * time.Minute
}

// KnowledgeConfig points at the external knowledge retrieval service.
// An empty URL disables retrieval.
type KnowledgeConfig struct {
	URL  string `yaml:"url"`
	TopK int    `yaml:"top_k"`
}

// MQTTConfig configures the optional event publisher.
type MQTTConfig struct {
	Broker      string `yaml:"broker"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	ClientID    string `yaml:"client_id"`
	TopicPrefix string `yaml:"topic_prefix"`
	// RateLimit caps published events per second. Default 50.
	RateLimit int `yaml:"rate_limit"`
}

// Configured reports whether an MQTT broker is set.
func (c MQTTConfig) Configured() bool {
	return c.Broker != ""
}

// Load reads configuration from a YAML file. Environment variables in
// the file are expanded before parsing, and defaults are applied to
// any field left unset.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	if c.Models.Default == "" {
		c.Models.Default = "qwen3:4b"
	}
	if c.Models.OllamaURL == "" {
		c.Models.OllamaURL = "http://localhost:11434"
	}
	if c.Models.TimeoutSec <= 0 {
		c.Models.TimeoutSec = 120
	}
	if c.Loop.ChatMaxIterations <= 0 {
		c.Loop.ChatMaxIterations = 2
	}
	if c.Loop.WorkspaceMaxIterations <= 0 {
		c.Loop.WorkspaceMaxIterations = 10
	}
	if c.Loop.StepTimeoutSec <= 0 {
		c.Loop.StepTimeoutSec = 30
	}
	if c.Loop.ContextTopK <= 0 {
		c.Loop.ContextTopK = 3
	}
	if c.Workspace.DefaultRoot == "" {
		c.Workspace.DefaultRoot = filepath.Join(c.DataDir, "sandbox")
	}
	if c.Tools.Shell.DefaultTimeoutSec <= 0 {
		c.Tools.Shell.DefaultTimeoutSec = 30
	}
	if c.Memory.Driver == "" {
		c.Memory.Driver = "sqlite3"
	}
	if c.Memory.Path == "" {
		c.Memory.Path = filepath.Join(c.DataDir, "memory.db")
	}
	if c.Memory.ShortTerm == "" {
		c.Memory.ShortTerm = "memory"
	}
	if c.Memory.MaxPerSession <= 0 {
		c.Memory.MaxPerSession = 15
	}
	if c.Memory.TTLHours <= 0 {
		c.Memory.TTLHours = 24
	}
	if c.Memory.WriteQueueSize <= 0 {
		c.Memory.WriteQueueSize = 64
	}
	if c.Consolidation.IntervalMin <= 0 {
		c.Consolidation.IntervalMin = 60
	}
	if c.Consolidation.Strategy == "" {
		c.Consolidation.Strategy = "summarize"
	}
	if c.Consolidation.Lock == "" {
		c.Consolidation.Lock = "local"
	}
	if c.Knowledge.TopK <= 0 {
		c.Knowledge.TopK = 3
	}
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = "thane-core"
	}
	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = "thane-core"
	}
	if c.MQTT.RateLimit <= 0 {
		c.MQTT.RateLimit = 50
	}
}

// Validate checks enumerated settings. It is called by [Load] after
// defaults have been applied.
func (c *Config) Validate() error {
	switch c.Memory.Driver {
	case "sqlite3", "sqlite":
	default:
		return fmt.Errorf("memory.driver %q: must be sqlite3 or sqlite", c.Memory.Driver)
	}
	switch c.Memory.ShortTerm {
	case "memory":
	case "redis":
		if c.Memory.RedisAddr == "" {
			return fmt.Errorf("memory.redis_addr is required when memory.short_term is redis")
		}
	default:
		return fmt.Errorf("memory.short_term %q: must be memory or redis", c.Memory.ShortTerm)
	}
	switch c.Consolidation.Lock {
	case "local":
	case "etcd":
		if len(c.Consolidation.EtcdEndpoints) == 0 {
			return fmt.Errorf("consolidation.etcd_endpoints is required when consolidation.lock is etcd")
		}
	default:
		return fmt.Errorf("consolidation.lock %q: must be local or etcd", c.Consolidation.Lock)
	}
	if c.Consolidation.MinImportance < 0 || c.Consolidation.MinImportance > 1 {
		return fmt.Errorf("consolidation.min_importance %.2f: must be within [0,1]", c.Consolidation.MinImportance)
	}
	for _, rt := range c.Tools.Runtimes {
		switch rt.Transport {
		case "http", "websocket":
			if rt.URL == "" {
				return fmt.Errorf("tools.runtimes[%s]: url is required for %s transport", rt.Name, rt.Transport)
			}
		case "stdio":
			if rt.Command == "" {
				return fmt.Errorf("tools.runtimes[%s]: command is required for stdio transport", rt.Name)
			}
		default:
			return fmt.Errorf("tools.runtimes[%s]: unknown transport %q", rt.Name, rt.Transport)
		}
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}
