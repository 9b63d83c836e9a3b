package config

import (
	"encoding/json"
	"sync"

	"github.com/poemonsense/antigravity-hub/internal/utils"
)

// AppConfigKey is the configs-table key holding the serialized AppConfig.
const AppConfigKey = "app_config"

// UpstreamProxyConfig configures the optional outbound proxy.
type UpstreamProxyConfig struct {
	Enabled bool   `json:"enabled"`
	URL     string `json:"url"` // http(s):// or socks5://
}

// SchedulingConfig controls account selection behavior.
type SchedulingConfig struct {
	Mode           SchedulingMode `json:"mode"`
	MaxWaitSeconds int64          `json:"max_wait_seconds"`
}

// ProxyConfig is the client-facing proxy configuration.
type ProxyConfig struct {
	Enabled          bool                `json:"enabled"`
	Port             int                 `json:"port"`
	APIKey           string              `json:"api_key"`
	AutoStart        bool                `json:"auto_start"`
	RequestTimeout   int64               `json:"request_timeout"` // seconds
	AllowLanAccess   bool                `json:"allow_lan_access"`
	UpstreamProxy    UpstreamProxyConfig `json:"upstream_proxy"`
	AnthropicMapping map[string]string   `json:"anthropic_mapping"`
	OpenAIMapping    map[string]string   `json:"openai_mapping"`
	CustomMapping    map[string]string   `json:"custom_mapping"`
	Scheduling       SchedulingConfig    `json:"scheduling"`
	AuthMode         string              `json:"auth_mode"` // "off" | "all" | "lan_only"
}

// AppConfig is the root runtime configuration.
type AppConfig struct {
	Proxy         ProxyConfig `json:"proxy"`
	WarmupEnabled bool        `json:"warmup_enabled"`

	// Redis configuration for the signature cache (optional).
	RedisAddr     string `json:"redis_addr"`
	RedisPassword string `json:"redis_password"`
	RedisDB       int    `json:"redis_db"`
}

// DefaultAppConfig returns the configuration used when the configs table
// has no persisted entry yet.
func DefaultAppConfig() *AppConfig {
	return &AppConfig{
		Proxy: ProxyConfig{
			Enabled:        true,
			Port:           DefaultPort,
			RequestTimeout: DefaultRequestTimeoutSeconds,
			Scheduling: SchedulingConfig{
				Mode:           ModeCacheFirst,
				MaxWaitSeconds: 30,
			},
			AuthMode:         "off",
			AnthropicMapping: map[string]string{},
			OpenAIMapping:    map[string]string{},
			CustomMapping:    map[string]string{},
		},
		WarmupEnabled: false,
	}
}

// ConfigStore is the subset of the durable store the config manager needs.
type ConfigStore interface {
	GetConfig(key string) (string, error)
	SetConfig(key, value string) error
}

// Manager holds the live AppConfig behind a reader-writer lock. The request
// path takes many read locks; writes happen only on reload or API update.
type Manager struct {
	mu    sync.RWMutex
	cfg   *AppConfig
	store ConfigStore
}

// NewManager loads the persisted config (or defaults) from the store.
func NewManager(store ConfigStore) *Manager {
	m := &Manager{cfg: DefaultAppConfig(), store: store}
	if store != nil {
		if err := m.Reload(); err != nil {
			utils.Warn("[Config] Using defaults, load failed: %v", err)
		}
	}
	return m
}

// Get returns a snapshot copy of the current configuration.
func (m *Manager) Get() AppConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return *m.cfg
}

// Scheduling returns the current scheduling configuration.
func (m *Manager) Scheduling() SchedulingConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg.Proxy.Scheduling
}

// Reload re-reads the persisted configuration from the store.
func (m *Manager) Reload() error {
	raw, err := m.store.GetConfig(AppConfigKey)
	if err != nil {
		return err
	}
	if raw == "" {
		return nil
	}
	cfg := DefaultAppConfig()
	if err := json.Unmarshal([]byte(raw), cfg); err != nil {
		return err
	}
	m.mu.Lock()
	m.cfg = cfg
	m.mu.Unlock()
	return nil
}

// Update applies fn to a copy of the config, persists it, then swaps it in.
func (m *Manager) Update(fn func(*AppConfig)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	next := *m.cfg
	fn(&next)

	if m.store != nil {
		data, err := json.Marshal(&next)
		if err != nil {
			return err
		}
		if err := m.store.SetConfig(AppConfigKey, string(data)); err != nil {
			return err
		}
	}
	m.cfg = &next
	return nil
}
