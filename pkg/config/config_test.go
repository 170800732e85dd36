package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/easzlab/ezhole/pkg/nat"
	"go.uber.org/zap"
)

// validConfig returns a minimal valid Config for testing.
func validConfig() *Config {
	return &Config{
		Global: GlobalConfig{LogLevel: "info"},
		STUN:   STUNConfig{Server: "stun.example.com:3478"},
		DDNS: DDNSConfig{
			Provider: "cloudflare",
			Token:    "secret",
			Domain:   "example.com",
		},
		Forward: ForwardConfig{
			Rules: []RuleConfig{
				{ListenPort: 25565, Family: "ipv4", Backend: "127.0.0.1:25565", ProxyProtocol: "v2"},
			},
		},
	}
}

// writeConfigFile writes content to a temp config file and returns its path.
func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ezhole.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}
	return path
}

const validYAML = `
global:
  log_level: info
stun:
  server: stun.example.com:3478
  probe_interval: 30s
  keepalive_interval: 10s
ddns:
  provider: cloudflare
  token: secret
  domain: example.com
  sub_domain: mc
forward:
  rules:
    - listen_port: 25565
      family: ipv4
      backend: 127.0.0.1:25565
      proxy_protocol: v2
`

func TestValidate_ValidConfig(t *testing.T) {
	if err := Validate(validConfig()); err != nil {
		t.Errorf("expected valid config, got %v", err)
	}
}

func TestValidate_Errors(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing stun server", func(c *Config) { c.STUN.Server = "" }},
		{"stun server without port", func(c *Config) { c.STUN.Server = "stun.example.com" }},
		{"bad probe interval", func(c *Config) { c.STUN.ProbeInterval = "soon" }},
		{"negative keepalive", func(c *Config) { c.STUN.KeepaliveInterval = "-5s" }},
		{"unknown provider", func(c *Config) { c.DDNS.Provider = "route53" }},
		{"missing token", func(c *Config) { c.DDNS.Token = "" }},
		{"missing domain", func(c *Config) { c.DDNS.Domain = "" }},
		{"no rules", func(c *Config) { c.Forward.Rules = nil }},
		{"bad family", func(c *Config) { c.Forward.Rules[0].Family = "ipv5" }},
		{"zero listen port", func(c *Config) { c.Forward.Rules[0].ListenPort = 0 }},
		{"bad backend", func(c *Config) { c.Forward.Rules[0].Backend = "localhost" }},
		{"backend family mismatch", func(c *Config) { c.Forward.Rules[0].Backend = "[::1]:25565" }},
		{"bad proxy protocol", func(c *Config) { c.Forward.Rules[0].ProxyProtocol = "v3" }},
		{"duplicate family", func(c *Config) {
			c.Forward.Rules = append(c.Forward.Rules, c.Forward.Rules[0])
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(cfg)
			if err := Validate(cfg); err == nil {
				t.Error("expected validation error, got nil")
			}
		})
	}
}

func TestValidate_HostnameBackendAllowed(t *testing.T) {
	cfg := validConfig()
	cfg.Forward.Rules[0].Backend = "backend.internal:25565"
	if err := Validate(cfg); err != nil {
		t.Errorf("hostname backends must pass validation, got %v", err)
	}
}

func TestManager_LoadsValidFile(t *testing.T) {
	path := writeConfigFile(t, validYAML)
	manager, err := NewManager(path, zap.NewNop())
	if err != nil {
		t.Fatalf("failed to create manager: %v", err)
	}

	cfg := manager.GetConfig()
	if cfg.STUN.GetProbeInterval() != 30*time.Second {
		t.Errorf("unexpected probe interval: %v", cfg.STUN.GetProbeInterval())
	}
	if cfg.STUN.GetKeepaliveInterval() != 10*time.Second {
		t.Errorf("unexpected keepalive interval: %v", cfg.STUN.GetKeepaliveInterval())
	}
	if cfg.DDNS.SubDomain != "mc" {
		t.Errorf("unexpected sub_domain: %q", cfg.DDNS.SubDomain)
	}
	if cfg.Forward.Rules[0].GetFamily() != nat.FamilyV4 {
		t.Errorf("unexpected family: %v", cfg.Forward.Rules[0].GetFamily())
	}
}

func TestManager_DefaultsApplied(t *testing.T) {
	path := writeConfigFile(t, validYAML)
	manager, err := NewManager(path, zap.NewNop())
	if err != nil {
		t.Fatalf("failed to create manager: %v", err)
	}

	cfg := manager.GetConfig()
	if cfg.DDNS.GetService() != "_minecraft" {
		t.Errorf("unexpected default service: %q", cfg.DDNS.GetService())
	}
	if cfg.DDNS.GetTTL() != 60 {
		t.Errorf("unexpected default ttl: %d", cfg.DDNS.GetTTL())
	}
	if cfg.DDNS.GetMaxRetries() != 5 {
		t.Errorf("unexpected default max_retries: %d", cfg.DDNS.GetMaxRetries())
	}
	if cfg.STUN.GetBackoffInitial() != 2*time.Second {
		t.Errorf("unexpected default backoff: %v", cfg.STUN.GetBackoffInitial())
	}
	if cfg.STUN.GetBackoffMax() != 5*time.Minute {
		t.Errorf("unexpected default backoff ceiling: %v", cfg.STUN.GetBackoffMax())
	}
}

func TestManager_RejectsInvalidFile(t *testing.T) {
	path := writeConfigFile(t, "stun:\n  server: not-an-address\n")
	if _, err := NewManager(path, zap.NewNop()); err == nil {
		t.Error("expected error for invalid config")
	}
}

func TestManager_RejectsMissingFile(t *testing.T) {
	if _, err := NewManager("/nonexistent/ezhole.yaml", zap.NewNop()); err == nil {
		t.Error("expected error for missing config file")
	}
}
