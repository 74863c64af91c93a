// Package config loads gateway configuration from a YAML file with
// environment variable overrides. Environment always wins.
package config

import (
	"bytes"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/inreslabs/inres-agent/internal/audit"
	"github.com/inreslabs/inres-agent/internal/mcp"
)

// Config is the full runtime configuration.
type Config struct {
	// ListenAddr is the HTTP/WebSocket bind address.
	ListenAddr string `yaml:"listen_addr"`

	// DatabaseURL is the Postgres connection string for transcripts and
	// audit persistence.
	DatabaseURL string `yaml:"database_url"`

	// RedisURL backs cross-instance state: rate limits and the session
	// registry.
	RedisURL string `yaml:"redis_url"`

	// AnthropicAPIKey is the LLM provider credential.
	AnthropicAPIKey string `yaml:"anthropic_api_key"`

	// AnthropicBaseURL overrides the provider endpoint, used in tests.
	AnthropicBaseURL string `yaml:"anthropic_base_url"`

	// InresAPIURL is the base URL for the built-in incident tool backend.
	InresAPIURL string `yaml:"inres_api_url"`

	// JWTSecret verifies session bearer tokens.
	JWTSecret string `yaml:"jwt_secret"`

	// Model is the streaming model; PlanModel the planner model. PlanModel
	// defaults to Model.
	Model     string `yaml:"model"`
	PlanModel string `yaml:"plan_model"`

	// PlanMaxTokens and StreamMaxTokens are the per-call token budgets.
	PlanMaxTokens   int `yaml:"plan_max_tokens"`
	StreamMaxTokens int `yaml:"stream_max_tokens"`

	// MaxTurns caps tool-use recursion depth within one turn.
	MaxTurns int `yaml:"max_turns"`

	// AlwaysPlan forces the planner path for every turn.
	AlwaysPlan bool `yaml:"always_plan"`

	// SystemPrompt is prepended to every model call.
	SystemPrompt string `yaml:"system_prompt"`

	// MaxMCPServersPerUser caps external subprocess servers per user.
	MaxMCPServersPerUser int `yaml:"max_mcp_servers_per_user"`

	// MaxGlobalMCPServers caps external subprocess servers process-wide.
	MaxGlobalMCPServers int `yaml:"max_global_mcp_servers"`

	// MCPServerIdleTimeoutS is the idle-reclamation grace in seconds.
	MCPServerIdleTimeoutS int `yaml:"mcp_server_idle_timeout_s"`

	// AIRateLimit is requests per window per user.
	AIRateLimit int `yaml:"ai_rate_limit"`

	// MCPServers is the stored external tool server configuration applied
	// to connecting users.
	MCPServers map[string]mcp.ServerConfig `yaml:"mcp_servers"`

	// Audit configures the audit pipeline.
	Audit audit.Config `yaml:"audit"`
}

// Default returns the configuration defaults applied before file and
// environment loading.
func Default() *Config {
	return &Config{
		ListenAddr:            ":8080",
		Model:                 "claude-sonnet-4-20250514",
		PlanMaxTokens:         1024,
		StreamMaxTokens:       4096,
		MaxTurns:              10,
		MaxMCPServersPerUser:  5,
		MaxGlobalMCPServers:   50,
		MCPServerIdleTimeoutS: 300,
		AIRateLimit:           60,
		Audit:                 audit.DefaultConfig(),
	}
}

// Load reads configuration. path may be empty, in which case only defaults
// and environment apply. Unknown YAML keys are an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		decoder := yaml.NewDecoder(bytes.NewReader([]byte(os.ExpandEnv(string(data)))))
		decoder.KnownFields(true)
		if err := decoder.Decode(cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	setString(&c.ListenAddr, "LISTEN_ADDR")
	setString(&c.DatabaseURL, "DATABASE_URL")
	setString(&c.RedisURL, "REDIS_URL")
	setString(&c.AnthropicAPIKey, "ANTHROPIC_API_KEY")
	setString(&c.AnthropicBaseURL, "ANTHROPIC_BASE_URL")
	setString(&c.InresAPIURL, "INRES_API_URL")
	setString(&c.JWTSecret, "JWT_SECRET")
	setString(&c.Model, "MODEL")
	setString(&c.PlanModel, "PLAN_MODEL")
	setString(&c.SystemPrompt, "SYSTEM_PROMPT")
	setInt(&c.PlanMaxTokens, "PLAN_MAX_TOKENS")
	setInt(&c.StreamMaxTokens, "STREAM_MAX_TOKENS")
	setInt(&c.MaxTurns, "MAX_TURNS")
	setInt(&c.MaxMCPServersPerUser, "MAX_MCP_SERVERS_PER_USER")
	setInt(&c.MaxGlobalMCPServers, "MAX_GLOBAL_MCP_SERVERS")
	setInt(&c.MCPServerIdleTimeoutS, "MCP_SERVER_IDLE_TIMEOUT_S")
	setInt(&c.AIRateLimit, "AI_RATE_LIMIT")
	setBool(&c.AlwaysPlan, "ALWAYS_PLAN")
}

func (c *Config) validate() error {
	if c.AnthropicAPIKey == "" {
		return fmt.Errorf("config: anthropic_api_key is required")
	}
	if c.JWTSecret == "" {
		return fmt.Errorf("config: jwt_secret is required")
	}
	if c.InresAPIURL == "" {
		return fmt.Errorf("config: inres_api_url is required")
	}
	if c.PlanModel == "" {
		c.PlanModel = c.Model
	}
	return nil
}

// MCPIdleTimeout returns the idle grace as a duration.
func (c *Config) MCPIdleTimeout() time.Duration {
	return time.Duration(c.MCPServerIdleTimeoutS) * time.Second
}

func setString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}
