package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kestrelworks/starhost/internal/audit"
	"github.com/kestrelworks/starhost/internal/config"
	"github.com/kestrelworks/starhost/internal/events"
	"github.com/kestrelworks/starhost/internal/log"
	"github.com/kestrelworks/starhost/internal/plugin"
	"github.com/kestrelworks/starhost/internal/protocol"
	"github.com/kestrelworks/starhost/internal/state"
)

// Dispatcher broadcasts commands across the registry and runs the
// lifecycle hooks. Broadcasts are serialized; plugins see one command at a
// time, in load order.
type Dispatcher struct {
	registry *plugin.Registry
	runner   Runner
	state    *state.Store
	audit    *audit.Log
	hub      *events.Hub
	cfg      *config.Config
	logger   *slog.Logger

	mu     sync.Mutex
	active map[string]bool
}

func New(reg *plugin.Registry, runner Runner, st *state.Store, aud *audit.Log, hub *events.Hub, cfg *config.Config) *Dispatcher {
	return &Dispatcher{
		registry: reg,
		runner:   runner,
		state:    st,
		audit:    aud,
		hub:      hub,
		cfg:      cfg,
		logger:   log.WithComponent("dispatch"),
		active:   make(map[string]bool),
	}
}

// Outcome is the aggregate result of one broadcast.
type Outcome struct {
	DispatchID string
	Command    string
	Approved   bool
	VetoedBy   string // first vetoing plugin, empty when approved
	Results    []audit.Result
}

// Broadcast sends command to every loaded plugin in load order and folds
// their verdicts: approved unless some plugin vetoes. Plugins that do not
// declare the command abstain without being spawned. The first invocation
// failure aborts the pass and is returned as an error; verdicts collected
// before the abort are still recorded.
func (d *Dispatcher) Broadcast(ctx context.Context, command string, data map[string]any, sess *protocol.Session) (*Outcome, error) {
	if command == "" {
		return nil, fmt.Errorf("command is empty")
	}
	if protocol.IsLifecycleCommand(command) {
		return nil, fmt.Errorf("command %q is a reserved lifecycle hook", command)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	dispatchID := uuid.NewString()
	logger := log.WithDispatch(dispatchID).With("command", command)

	if err := d.audit.Begin(ctx, dispatchID, command, sess); err != nil {
		return nil, fmt.Errorf("record broadcast: %w", err)
	}
	d.hub.Publish(events.TypeDispatchStarted, events.DispatchPayload{
		DispatchID: dispatchID,
		Command:    command,
	})

	approved := true
	vetoedBy := ""
	var results []audit.Result

	for _, plug := range d.registry.All() {
		if !plug.SupportsCommand(command) {
			results = append(results, audit.Result{
				Plugin:      plug.Name,
				Fingerprint: plug.Fingerprint,
				Verdict:     protocol.VerdictAbstain,
			})
			continue
		}

		res, err := d.invoke(ctx, plug, dispatchID, command, data, sess, logger)
		if err != nil {
			if auditErr := d.audit.Fail(ctx, dispatchID, err.Error(), results); auditErr != nil {
				logger.Error("failed to record aborted broadcast", "error", auditErr)
			}
			d.hub.Publish(events.TypeDispatchFailed, events.DispatchPayload{
				DispatchID: dispatchID,
				Command:    command,
				Error:      err.Error(),
			})
			return nil, fmt.Errorf("broadcast %q aborted: %w", command, err)
		}

		results = append(results, *res)
		if !res.Verdict.Bool() {
			approved = false
			if vetoedBy == "" {
				vetoedBy = plug.Name
			}
		}
	}

	if err := d.audit.Complete(ctx, dispatchID, approved, results); err != nil {
		logger.Error("failed to record broadcast outcome", "error", err)
	}
	d.hub.Publish(events.TypeDispatchCompleted, events.DispatchPayload{
		DispatchID: dispatchID,
		Command:    command,
		Approved:   &approved,
		VetoedBy:   vetoedBy,
	})
	logger.Info("broadcast completed", "approved", approved, "plugins", len(results))

	return &Outcome{
		DispatchID: dispatchID,
		Command:    command,
		Approved:   approved,
		VetoedBy:   vetoedBy,
		Results:    results,
	}, nil
}

// invoke spawns one plugin for the broadcast and returns its recorded result.
func (d *Dispatcher) invoke(ctx context.Context, plug *plugin.Plugin, dispatchID, command string, data map[string]any, sess *protocol.Session, logger *slog.Logger) (*audit.Result, error) {
	stateMap, err := d.state.GetMap(ctx, plug.Name)
	if err != nil {
		return nil, fmt.Errorf("load state for %q: %w", plug.Name, err)
	}

	var depends map[string]protocol.DependencyRef
	if len(plug.Deps) > 0 {
		depends = make(map[string]protocol.DependencyRef, len(plug.Deps))
		for name, dep := range plug.Deps {
			depends[name] = protocol.DependencyRef{Name: dep.Name, Version: dep.Version}
		}
	}

	timeout := d.cfg.TimeoutsFor(plug.Name).Command
	req := &protocol.Request{
		Protocol:   protocol.Version,
		DispatchID: dispatchID,
		Command:    command,
		Data:       data,
		Session:    sess,
		Config:     d.cfg.ConfigFor(plug.Name),
		State:      stateMap,
		Depends:    depends,
		DeadlineAt: time.Now().UTC().Add(timeout),
	}

	started := time.Now()
	resp, stderr, err := d.runner.Run(ctx, plug.Entrypoint, req, timeout)
	elapsed := time.Since(started)

	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			logger.Warn("plugin timed out", "plugin", plug.Name, "timeout", timeout, "stderr", stderr)
			return nil, fmt.Errorf("plugin %q timed out after %v", plug.Name, timeout)
		}
		logger.Error("plugin invocation failed", "plugin", plug.Name, "error", err, "stderr", stderr)
		return nil, fmt.Errorf("plugin %q: %w", plug.Name, err)
	}

	for _, entry := range resp.Logs {
		logger.Info("plugin log", "plugin", plug.Name, "level", entry.Level, "message", entry.Message)
	}

	if resp.Status == "error" {
		logger.Warn("plugin returned error", "plugin", plug.Name, "error", resp.Error)
		return nil, fmt.Errorf("plugin %q returned error: %s", plug.Name, resp.Error)
	}

	if len(resp.StateUpdates) > 0 {
		if _, err := d.state.ApplyUpdates(ctx, plug.Name, resp.StateUpdates); err != nil {
			return nil, fmt.Errorf("apply state updates for %q: %w", plug.Name, err)
		}
		logger.Debug("applied state updates", "plugin", plug.Name, "keys", len(resp.StateUpdates))
	}

	return &audit.Result{
		Plugin:      plug.Name,
		Fingerprint: plug.Fingerprint,
		Verdict:     resp.EffectiveVerdict(),
		Elapsed:     elapsed,
	}, nil
}
