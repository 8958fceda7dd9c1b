package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kestrelworks/starhost/internal/events"
	"github.com/kestrelworks/starhost/internal/plugin"
	"github.com/kestrelworks/starhost/internal/protocol"
)

// ActivateAll runs the activate hook over every loaded plugin in load
// order. Already-active plugins are skipped, so a retry after a partial
// failure resumes where it stopped. The first failing hook aborts the pass;
// plugins activated before the failure stay active.
func (d *Dispatcher) ActivateAll(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, plug := range d.registry.All() {
		if d.active[plug.NormalizedName()] {
			continue
		}

		err := d.runLifecycle(ctx, plug, protocol.CommandActivate)
		if auditErr := d.audit.RecordLifecycle(ctx, plug.Name, protocol.CommandActivate, err); auditErr != nil {
			d.logger.Error("failed to record lifecycle", "plugin", plug.Name, "error", auditErr)
		}
		if err != nil {
			return fmt.Errorf("activate %q: %w", plug.Name, err)
		}

		d.active[plug.NormalizedName()] = true
		d.hub.Publish(events.TypePluginActivated, events.PluginPayload{
			Name:    plug.Name,
			Origin:  plug.Origin,
			Version: plug.Version,
		})
		d.logger.Info("plugin activated", "plugin", plug.Name)
	}

	d.hub.Publish(events.TypeHostActivated, nil)
	return nil
}

// DeactivateAll runs the deactivate hook over every active plugin in load
// order, same as activation. Inactive plugins are skipped. Fail-fast like
// activation.
func (d *Dispatcher) DeactivateAll(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, plug := range d.registry.All() {
		if !d.active[plug.NormalizedName()] {
			continue
		}

		err := d.runLifecycle(ctx, plug, protocol.CommandDeactivate)
		if auditErr := d.audit.RecordLifecycle(ctx, plug.Name, protocol.CommandDeactivate, err); auditErr != nil {
			d.logger.Error("failed to record lifecycle", "plugin", plug.Name, "error", auditErr)
		}
		if err != nil {
			return fmt.Errorf("deactivate %q: %w", plug.Name, err)
		}

		delete(d.active, plug.NormalizedName())
		d.hub.Publish(events.TypePluginDeactivated, events.PluginPayload{
			Name:   plug.Name,
			Origin: plug.Origin,
		})
		d.logger.Info("plugin deactivated", "plugin", plug.Name)
	}

	d.hub.Publish(events.TypeHostDeactivated, nil)
	return nil
}

// IsActive reports whether a plugin's activate hook has completed.
func (d *Dispatcher) IsActive(name string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.active[strings.ToLower(name)]
}

func (d *Dispatcher) runLifecycle(ctx context.Context, plug *plugin.Plugin, hook string) error {
	stateMap, err := d.state.GetMap(ctx, plug.Name)
	if err != nil {
		return fmt.Errorf("load state: %w", err)
	}

	var depends map[string]protocol.DependencyRef
	if len(plug.Deps) > 0 {
		depends = make(map[string]protocol.DependencyRef, len(plug.Deps))
		for name, dep := range plug.Deps {
			depends[name] = protocol.DependencyRef{Name: dep.Name, Version: dep.Version}
		}
	}

	timeout := d.cfg.TimeoutsFor(plug.Name).Lifecycle
	req := &protocol.Request{
		Protocol:   protocol.Version,
		DispatchID: uuid.NewString(),
		Command:    hook,
		Config:     d.cfg.ConfigFor(plug.Name),
		State:      stateMap,
		Depends:    depends,
		DeadlineAt: time.Now().UTC().Add(timeout),
	}

	resp, stderr, err := d.runner.Run(ctx, plug.Entrypoint, req, timeout)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("hook timed out after %v", timeout)
		}
		if stderr != "" {
			d.logger.Error("lifecycle hook failed", "plugin", plug.Name, "hook", hook, "stderr", stderr)
		}
		return err
	}
	if resp.Status == "error" {
		return fmt.Errorf("hook returned error: %s", resp.Error)
	}

	if len(resp.StateUpdates) > 0 {
		if _, err := d.state.ApplyUpdates(ctx, plug.Name, resp.StateUpdates); err != nil {
			return fmt.Errorf("apply state updates: %w", err)
		}
	}
	return nil
}
