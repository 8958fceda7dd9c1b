package config

import (
	"strings"
	"time"
)

// Config represents the complete starhost configuration.
type Config struct {
	Service             ServiceConfig         `yaml:"service"`
	State               StateConfig           `yaml:"state"`
	API                 APIConfig             `yaml:"api,omitempty"`
	CorePluginsDir      string                `yaml:"core_plugins_dir"`
	ExtensionPluginsDir string                `yaml:"extension_plugins_dir"`
	Plugins             map[string]PluginConf `yaml:"plugins,omitempty"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name      string `yaml:"name"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
	PIDFile   string `yaml:"pid_file"`
}

// StateConfig defines host database settings (plugin state + dispatch audit).
type StateConfig struct {
	Path string `yaml:"path"`
}

// APIConfig defines HTTP API server settings.
type APIConfig struct {
	Enabled bool          `yaml:"enabled"`
	Listen  string        `yaml:"listen"`
	Auth    APIAuthConfig `yaml:"auth"`
}

// APIAuthConfig defines API authentication settings.
type APIAuthConfig struct {
	// APIKey is the single bearer token with admin/full access.
	// Prefer Tokens for scoped access.
	APIKey string     `yaml:"api_key"`
	Tokens []APIToken `yaml:"tokens,omitempty"`
}

// APIToken defines a bearer token and its scopes.
type APIToken struct {
	Token  string   `yaml:"token"`
	Scopes []string `yaml:"scopes"`
}

// PluginConf defines host-side configuration for a single plugin.
type PluginConf struct {
	// Enabled defaults to true when omitted.
	Enabled  *bool           `yaml:"enabled,omitempty"`
	Config   map[string]any  `yaml:"config,omitempty"`
	Timeouts *TimeoutsConfig `yaml:"timeouts,omitempty"`
}

// IsEnabled reports whether the plugin should be loaded.
func (c PluginConf) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// TimeoutsConfig defines subprocess deadlines per invocation kind.
type TimeoutsConfig struct {
	Command   time.Duration `yaml:"command"`
	Lifecycle time.Duration `yaml:"lifecycle"`
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:      "starhost",
			LogLevel:  "info",
			LogFormat: "json",
			PIDFile:   "./data/starhost.pid",
		},
		State: StateConfig{
			Path: "./data/starhost.db",
		},
		API: APIConfig{
			Enabled: false,
			Listen:  "127.0.0.1:8080",
		},
		CorePluginsDir:      "./plugins/core",
		ExtensionPluginsDir: "./plugins/extensions",
		Plugins:             make(map[string]PluginConf),
	}
}

// DefaultTimeouts returns the fallback subprocess deadlines.
func DefaultTimeouts() *TimeoutsConfig {
	return &TimeoutsConfig{
		Command:   30 * time.Second,
		Lifecycle: 10 * time.Second,
	}
}

// DisabledPlugins returns the names of plugins switched off in config.
func (c *Config) DisabledPlugins() []string {
	var out []string
	for name, pc := range c.Plugins {
		if !pc.IsEnabled() {
			out = append(out, name)
		}
	}
	return out
}

// pluginConf finds the config section for a plugin. Section keys match the
// plugin name case-insensitively, like registry lookups.
func (c *Config) pluginConf(plugin string) (PluginConf, bool) {
	if pc, ok := c.Plugins[plugin]; ok {
		return pc, true
	}
	for key, pc := range c.Plugins {
		if strings.EqualFold(key, plugin) {
			return pc, true
		}
	}
	return PluginConf{}, false
}

// TimeoutsFor returns the effective timeouts for a plugin.
func (c *Config) TimeoutsFor(plugin string) *TimeoutsConfig {
	if pc, ok := c.pluginConf(plugin); ok && pc.Timeouts != nil {
		t := *pc.Timeouts
		defaults := DefaultTimeouts()
		if t.Command <= 0 {
			t.Command = defaults.Command
		}
		if t.Lifecycle <= 0 {
			t.Lifecycle = defaults.Lifecycle
		}
		return &t
	}
	return DefaultTimeouts()
}

// ConfigFor returns the config map handed to a plugin, never nil.
func (c *Config) ConfigFor(plugin string) map[string]any {
	if pc, ok := c.pluginConf(plugin); ok && pc.Config != nil {
		return pc.Config
	}
	return map[string]any{}
}
