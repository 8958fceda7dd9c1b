// Package doctor validates host configuration and plugin setup before a
// start. It runs a dry discovery pass over the configured plugin roots so
// operators see dependency and manifest problems without booting the host.
package doctor

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/kestrelworks/starhost/internal/auth"
	"github.com/kestrelworks/starhost/internal/config"
	"github.com/kestrelworks/starhost/internal/plugin"
)

// Result holds the outcome of a validation run.
type Result struct {
	Valid    bool     `json:"valid"`
	Plugins  []string `json:"plugins,omitempty"`
	Errors   []Issue  `json:"errors,omitempty"`
	Warnings []Issue  `json:"warnings,omitempty"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

// Doctor validates a loaded configuration.
type Doctor struct {
	cfg    *config.Config
	logger *slog.Logger
}

func New(cfg *config.Config, logger *slog.Logger) *Doctor {
	return &Doctor{cfg: cfg, logger: logger}
}

// Validate runs all checks and returns a result.
func (d *Doctor) Validate() *Result {
	r := &Result{Valid: true}

	d.validateService(r)
	d.validateAPI(r)
	d.validateTokenScopes(r)
	reg := d.validateDiscovery(r)
	d.validatePluginRefs(r, reg)

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) validateService(r *Result) {
	if d.cfg.State.Path == "" {
		d.addError(r, "service", "state.path", "state.path is required")
	}
	if d.cfg.CorePluginsDir == "" && d.cfg.ExtensionPluginsDir == "" {
		d.addError(r, "service", "core_plugins_dir",
			"at least one plugin root must be configured")
	}
}

func (d *Doctor) validateAPI(r *Result) {
	if !d.cfg.API.Enabled {
		return
	}
	if d.cfg.API.Listen == "" {
		d.addError(r, "api", "api.listen", "api.listen is required when API is enabled")
	}
	if d.cfg.API.Auth.APIKey == "" && len(d.cfg.API.Auth.Tokens) == 0 {
		d.addWarning(r, "api", "api.auth", "API enabled but no authentication configured")
	}
}

func (d *Doctor) validateTokenScopes(r *Result) {
	known := map[string]bool{
		auth.ScopeAdmin:    true,
		auth.ScopeRead:     true,
		auth.ScopeDispatch: true,
	}
	for i, token := range d.cfg.API.Auth.Tokens {
		if token.Token == "" {
			d.addError(r, "token_scopes", fmt.Sprintf("api.auth.tokens[%d]", i), "token value is empty")
		}
		for j, scope := range token.Scopes {
			if !known[scope] {
				d.addError(r, "token_scopes",
					fmt.Sprintf("api.auth.tokens[%d].scopes[%d]", i, j),
					fmt.Sprintf("unknown scope %q (expected read, dispatch, or *)", scope))
			}
		}
	}
}

// validateDiscovery dry-runs the two load passes and surfaces every skipped
// candidate. The returned registry backs the plugin reference checks.
func (d *Doctor) validateDiscovery(r *Result) *plugin.Registry {
	reg := plugin.NewRegistry()
	loader := plugin.NewLoader(reg, plugin.LoaderOptions{
		Disabled: d.cfg.DisabledPlugins(),
		Logger:   d.logger,
	})

	roots := []struct {
		dir    string
		origin string
	}{
		{d.cfg.CorePluginsDir, plugin.OriginCore},
		{d.cfg.ExtensionPluginsDir, plugin.OriginExtension},
	}

	for _, root := range roots {
		if root.dir == "" {
			continue
		}
		if _, err := os.Stat(root.dir); os.IsNotExist(err) {
			d.addWarning(r, "discovery", root.origin+"_plugins_dir",
				fmt.Sprintf("plugin root %s does not exist", root.dir))
			continue
		}

		report, err := loader.LoadDir(root.dir, root.origin)
		if err != nil {
			d.addError(r, "discovery", root.origin+"_plugins_dir",
				fmt.Sprintf("load pass failed: %v", err))
			continue
		}
		for _, skip := range report.Skipped {
			d.addWarning(r, "discovery", skip.Name,
				fmt.Sprintf("candidate %s skipped: %v", skip.Path, skip.Reason))
		}
	}

	for _, p := range reg.All() {
		r.Plugins = append(r.Plugins, p.Name)
	}
	return reg
}

// validatePluginRefs checks that configured plugins are discoverable.
func (d *Doctor) validatePluginRefs(r *Result, reg *plugin.Registry) {
	for name, pc := range d.cfg.Plugins {
		if !pc.IsEnabled() {
			continue
		}
		if !reg.Has(name) {
			d.addError(r, "plugin_refs", fmt.Sprintf("plugins.%s", name),
				fmt.Sprintf("plugin %q in config but not found in any plugin root", name))
		}
	}
}
