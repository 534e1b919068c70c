package config

import (
	"strings"
	"testing"
)

func TestLoadConfigFile(t *testing.T) {
	yaml := `
mcp_servers:
  - name: browser
    url: https://mcp.example.com/browser
  - name: search
    url: https://mcp.example.com/search
default_model: gpt-4o
`

	cfg := &Config{}
	if err := LoadConfigFile(strings.NewReader(yaml), cfg); err != nil {
		t.Fatalf("LoadConfigFile failed: %v", err)
	}

	if len(cfg.MCPServers) != 2 {
		t.Fatalf("expected 2 MCP servers, got %d", len(cfg.MCPServers))
	}
	if cfg.MCPServers[0].Name != "browser" || cfg.MCPServers[0].URL != "https://mcp.example.com/browser" {
		t.Errorf("unexpected first server: %+v", cfg.MCPServers[0])
	}
	if cfg.DefaultModel != "gpt-4o" {
		t.Errorf("expected default model gpt-4o, got %q", cfg.DefaultModel)
	}
}

func TestLoadConfigFileEmpty(t *testing.T) {
	for _, body := range []string{"", "---\n", "null\n", "# comments only\n"} {
		cfg := &Config{Port: "8080", DatabaseURL: "postgres://x", DefaultModel: "keep"}
		if err := LoadConfigFile(strings.NewReader(body), cfg); err != nil {
			t.Fatalf("%q must be tolerated: %v", body, err)
		}
		if cfg.Port != "8080" || cfg.DatabaseURL != "postgres://x" || cfg.DefaultModel != "keep" {
			t.Errorf("%q must not clear settings, got %+v", body, cfg)
		}
	}
}

func TestLoadConfigFilePartial(t *testing.T) {
	cfg := &Config{DefaultModel: "original"}
	if err := LoadConfigFile(strings.NewReader("mcp_servers:\n  - name: a\n    url: u\n"), cfg); err != nil {
		t.Fatalf("LoadConfigFile failed: %v", err)
	}
	if cfg.DefaultModel != "original" {
		t.Errorf("absent default_model must not clear the setting, got %q", cfg.DefaultModel)
	}
	if len(cfg.MCPServers) != 1 {
		t.Errorf("expected 1 MCP server, got %d", len(cfg.MCPServers))
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("CONFIG_FILE", "does-not-exist.yaml")

	LoadConfig()

	if AppConfig.Port != "8080" {
		t.Errorf("expected default port 8080, got %q", AppConfig.Port)
	}
	if AppConfig.SessionTimeoutSeconds != 3600 {
		t.Errorf("expected default retention 3600s, got %d", AppConfig.SessionTimeoutSeconds)
	}
	if AppConfig.SessionCleanupInterval != 300 {
		t.Errorf("expected default cleanup interval 300s, got %d", AppConfig.SessionCleanupInterval)
	}
}

func TestLoadConfigEnvOverride(t *testing.T) {
	t.Setenv("CONFIG_FILE", "does-not-exist.yaml")
	t.Setenv("AGENT_SERVICE_URL", "http://agents.internal:9000")
	t.Setenv("SESSION_TIMEOUT_SECONDS", "60")
	t.Setenv("SESSION_CLEANUP_INTERVAL", "not-a-number")

	LoadConfig()

	if AppConfig.AgentServiceURL != "http://agents.internal:9000" {
		t.Errorf("env override ignored, got %q", AppConfig.AgentServiceURL)
	}
	if AppConfig.SessionTimeoutSeconds != 60 {
		t.Errorf("expected 60, got %d", AppConfig.SessionTimeoutSeconds)
	}
	// Unparseable ints fall back to the default.
	if AppConfig.SessionCleanupInterval != 300 {
		t.Errorf("expected fallback 300, got %d", AppConfig.SessionCleanupInterval)
	}
}
