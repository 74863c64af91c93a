package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaultsAndFile(t *testing.T) {
	path := writeConfig(t, `
anthropic_api_key: key-from-file
jwt_secret: secret
inres_api_url: https://api.inres.example
ai_rate_limit: 30
mcp_servers:
  grafana:
    command: grafana-mcp
    args: ["--stdio"]
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.AIRateLimit != 30 {
		t.Errorf("ai_rate_limit = %d, want 30", cfg.AIRateLimit)
	}
	if cfg.MaxMCPServersPerUser != 5 || cfg.MaxGlobalMCPServers != 50 || cfg.MCPServerIdleTimeoutS != 300 {
		t.Errorf("mcp defaults not applied: %+v", cfg)
	}
	if cfg.PlanModel != cfg.Model {
		t.Errorf("plan_model should default to model, got %q", cfg.PlanModel)
	}
	if cfg.MCPServers["grafana"].Command != "grafana-mcp" {
		t.Errorf("mcp_servers not parsed: %+v", cfg.MCPServers)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, `
anthropic_api_key: key-from-file
jwt_secret: secret
inres_api_url: https://api.inres.example
ai_rate_limit: 30
`)
	t.Setenv("AI_RATE_LIMIT", "120")
	t.Setenv("ANTHROPIC_API_KEY", "key-from-env")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.AIRateLimit != 120 {
		t.Errorf("env did not override ai_rate_limit: %d", cfg.AIRateLimit)
	}
	if cfg.AnthropicAPIKey != "key-from-env" {
		t.Errorf("env did not override api key: %q", cfg.AnthropicAPIKey)
	}
}

func TestUnknownKeyRejected(t *testing.T) {
	path := writeConfig(t, `
anthropic_api_key: k
jwt_secret: s
inres_api_url: u
no_such_key: true
`)
	if _, err := Load(path); err == nil {
		t.Error("expected error for unknown key")
	}
}

func TestMissingRequiredKeys(t *testing.T) {
	path := writeConfig(t, `jwt_secret: s`)
	if _, err := Load(path); err == nil {
		t.Error("expected error for missing anthropic_api_key")
	}
}
