package config

import (
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/easzlab/ezhole/pkg/nat"
	"github.com/easzlab/ezhole/pkg/proxyproto"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Config represents the top-level configuration structure.
type Config struct {
	Global  GlobalConfig  `yaml:"global"  mapstructure:"global"`
	STUN    STUNConfig    `yaml:"stun"    mapstructure:"stun"`
	DDNS    DDNSConfig    `yaml:"ddns"    mapstructure:"ddns"`
	Forward ForwardConfig `yaml:"forward" mapstructure:"forward"`
}

// GlobalConfig holds global settings.
type GlobalConfig struct {
	LogLevel      string `yaml:"log_level"      mapstructure:"log_level"`
	MetricsListen string `yaml:"metrics_listen" mapstructure:"metrics_listen"`
}

// STUNConfig defines the probe target and the binding maintenance cadence.
type STUNConfig struct {
	Server            string `yaml:"server"             mapstructure:"server"`
	ProbeInterval     string `yaml:"probe_interval"     mapstructure:"probe_interval"`
	KeepaliveInterval string `yaml:"keepalive_interval" mapstructure:"keepalive_interval"`
	ProbeTimeout      string `yaml:"probe_timeout"      mapstructure:"probe_timeout"`
	BackoffInitial    string `yaml:"backoff_initial"    mapstructure:"backoff_initial"`
	BackoffMax        string `yaml:"backoff_max"        mapstructure:"backoff_max"`
}

// GetProbeInterval returns the full probe interval. Defaults to 60s.
func (s STUNConfig) GetProbeInterval() time.Duration {
	return durationOr(s.ProbeInterval, 60*time.Second)
}

// GetKeepaliveInterval returns the keepalive probe interval.
// Defaults to 25s, below the common 30s idle-binding floor of consumer routers.
func (s STUNConfig) GetKeepaliveInterval() time.Duration {
	return durationOr(s.KeepaliveInterval, 25*time.Second)
}

// GetProbeTimeout returns the per-probe response wait. Defaults to 5s.
func (s STUNConfig) GetProbeTimeout() time.Duration {
	return durationOr(s.ProbeTimeout, 5*time.Second)
}

// GetBackoffInitial returns the initial probe retry backoff. Defaults to 2s.
func (s STUNConfig) GetBackoffInitial() time.Duration {
	return durationOr(s.BackoffInitial, 2*time.Second)
}

// GetBackoffMax returns the probe retry backoff ceiling. Defaults to 5m.
func (s STUNConfig) GetBackoffMax() time.Duration {
	return durationOr(s.BackoffMax, 5*time.Minute)
}

func durationOr(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	duration, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return duration
}

// DDNSConfig holds the DNS provider credentials and record naming.
type DDNSConfig struct {
	Provider   string `yaml:"provider"    mapstructure:"provider"`
	Token      string `yaml:"token"       mapstructure:"token"`
	Domain     string `yaml:"domain"      mapstructure:"domain"`
	SubDomain  string `yaml:"sub_domain"  mapstructure:"sub_domain"`
	Service    string `yaml:"service"     mapstructure:"service"`
	TTL        int    `yaml:"ttl"         mapstructure:"ttl"`
	MaxRetries int    `yaml:"max_retries" mapstructure:"max_retries"`
}

// GetService returns the SRV service label. Defaults to "_minecraft".
func (d DDNSConfig) GetService() string {
	if d.Service == "" {
		return "_minecraft"
	}
	return d.Service
}

// GetTTL returns the record TTL in seconds. Defaults to 60.
func (d DDNSConfig) GetTTL() int {
	if d.TTL <= 0 {
		return 60
	}
	return d.TTL
}

// GetMaxRetries returns the retry cap for a failed record sync. Defaults to 5.
func (d DDNSConfig) GetMaxRetries() int {
	if d.MaxRetries <= 0 {
		return 5
	}
	return d.MaxRetries
}

// ForwardConfig lists the per-family forwarding rules.
type ForwardConfig struct {
	Rules []RuleConfig `yaml:"rules" mapstructure:"rules"`
}

// RuleConfig defines one forwarding rule: the NAT-maintained listen port, the
// backend service, and the proxy protocol version to inject.
type RuleConfig struct {
	ListenPort    uint16 `yaml:"listen_port"    mapstructure:"listen_port"`
	Family        string `yaml:"family"         mapstructure:"family"`
	Backend       string `yaml:"backend"        mapstructure:"backend"`
	ProxyProtocol string `yaml:"proxy_protocol" mapstructure:"proxy_protocol"`
}

// GetFamily returns the rule's address family. Defaults to IPv4.
func (r RuleConfig) GetFamily() nat.Family {
	if r.Family == string(nat.FamilyV6) {
		return nat.FamilyV6
	}
	return nat.FamilyV4
}

// validFamilies is the set of supported address families.
var validFamilies = map[string]bool{
	"":                   true, // defaults to ipv4
	string(nat.FamilyV4): true,
	string(nat.FamilyV6): true,
}

// validProviders is the set of supported DDNS providers.
var validProviders = map[string]bool{
	"cloudflare": true,
}

// Manager handles configuration loading, validation, and hot-reload.
type Manager struct {
	viper      *viper.Viper
	configPath string
	current    *Config
	mu         sync.RWMutex
	onChange   chan struct{}
	logger     *zap.Logger
}

// NewManager creates a config Manager, loads and validates the initial configuration.
func NewManager(configPath string, logger *zap.Logger) (*Manager, error) {
	viperInstance := viper.New()
	viperInstance.SetConfigFile(configPath)

	// Set defaults
	viperInstance.SetDefault("global.log_level", "info")
	viperInstance.SetDefault("stun.server", "stun.l.google.com:19302")
	viperInstance.SetDefault("ddns.service", "_minecraft")
	viperInstance.SetDefault("ddns.ttl", 60)
	viperInstance.SetDefault("ddns.max_retries", 5)

	manager := &Manager{
		viper:      viperInstance,
		configPath: configPath,
		onChange:   make(chan struct{}, 1),
		logger:     logger,
	}

	cfg, err := manager.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	manager.current = cfg

	return manager, nil
}

// Load reads the config file, unmarshals it, and validates.
func (m *Manager) Load() (*Config, error) {
	if err := m.viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := m.viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// Validate checks the configuration for correctness.
func Validate(cfg *Config) error {
	// Validate STUN settings
	host, port, err := net.SplitHostPort(cfg.STUN.Server)
	if err != nil {
		return fmt.Errorf("stun: invalid server address %q: %w", cfg.STUN.Server, err)
	}
	if host == "" || port == "" {
		return fmt.Errorf("stun: server must be host:port, got %q", cfg.STUN.Server)
	}
	for name, value := range map[string]string{
		"probe_interval":     cfg.STUN.ProbeInterval,
		"keepalive_interval": cfg.STUN.KeepaliveInterval,
		"probe_timeout":      cfg.STUN.ProbeTimeout,
		"backoff_initial":    cfg.STUN.BackoffInitial,
		"backoff_max":        cfg.STUN.BackoffMax,
	} {
		if value == "" {
			continue
		}
		duration, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("stun: invalid %s %q: %w", name, value, err)
		}
		if duration <= 0 {
			return fmt.Errorf("stun: %s must be positive, got %q", name, value)
		}
	}

	// Validate DDNS settings
	if !validProviders[cfg.DDNS.Provider] {
		return fmt.Errorf("ddns: unsupported provider %q (supported: cloudflare)", cfg.DDNS.Provider)
	}
	if cfg.DDNS.Token == "" {
		return fmt.Errorf("ddns: token is required")
	}
	if cfg.DDNS.Domain == "" {
		return fmt.Errorf("ddns: domain is required")
	}

	// Validate forwarding rules
	if len(cfg.Forward.Rules) == 0 {
		return fmt.Errorf("forward: at least one rule must be defined")
	}
	familySeen := make(map[nat.Family]bool)
	for i, rule := range cfg.Forward.Rules {
		if !validFamilies[rule.Family] {
			return fmt.Errorf("forward rule[%d]: unsupported family %q (supported: ipv4, ipv6)", i, rule.Family)
		}
		family := rule.GetFamily()
		if familySeen[family] {
			return fmt.Errorf("forward rule[%d]: duplicate rule for family %q", i, family)
		}
		familySeen[family] = true

		if rule.ListenPort == 0 {
			return fmt.Errorf("forward rule[%d]: listen_port must be a positive number", i)
		}

		backendHost, backendPort, err := net.SplitHostPort(rule.Backend)
		if err != nil {
			return fmt.Errorf("forward rule[%d]: invalid backend %q: %w", i, rule.Backend, err)
		}
		if portNum, err := strconv.Atoi(backendPort); err != nil || portNum <= 0 || portNum > 65535 {
			return fmt.Errorf("forward rule[%d]: invalid backend port %q", i, backendPort)
		}
		// Hostname backends are resolved at dial time; only literal IPs can
		// be family-checked here.
		if ip := net.ParseIP(backendHost); ip != nil && nat.FamilyOf(ip) != family {
			return fmt.Errorf("forward rule[%d]: backend %q does not match family %q", i, rule.Backend, family)
		}

		if _, err := proxyproto.ParseVersion(rule.ProxyProtocol); err != nil {
			return fmt.Errorf("forward rule[%d]: %w", i, err)
		}
	}

	return nil
}

// WatchConfig starts watching the config file for changes.
// On change, it reloads and validates; if valid, updates current config and notifies via onChange channel.
func (m *Manager) WatchConfig() {
	m.viper.OnConfigChange(func(event fsnotify.Event) {
		m.logger.Info("config file changed", zap.String("file", event.Name))

		cfg, err := m.Load()
		if err != nil {
			m.logger.Error("failed to reload config, keeping previous config", zap.Error(err))
			return
		}

		m.mu.Lock()
		m.current = cfg
		m.mu.Unlock()

		m.logger.Info("config reloaded successfully")

		// Non-blocking send to notify listeners
		select {
		case m.onChange <- struct{}{}:
		default:
		}
	})

	m.viper.WatchConfig()
}

// GetConfig returns a snapshot of the current configuration.
func (m *Manager) GetConfig() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// OnChange returns a read-only channel that signals when config has changed.
func (m *Manager) OnChange() <-chan struct{} {
	return m.onChange
}
