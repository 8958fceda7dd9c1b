package plugin

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/kestrelworks/starhost/internal/protocol"
)

const manifestFilename = "manifest.yaml"

// Origins label which load pass registered a plugin.
const (
	OriginCore      = "core"
	OriginExtension = "extension"
)

// Skip records a candidate unit that was not registered, and why. Skips are
// best-effort outcomes: one broken optional plugin never blocks the others.
type Skip struct {
	Name   string
	Path   string
	Reason error
}

// LoadReport is the structured outcome of one load pass over a directory.
type LoadReport struct {
	Root    string
	Origin  string
	Loaded  []string
	Skipped []Skip
}

// Loader discovers candidate units in plugin directories, registers those
// whose manifest satisfies the plugin contract, and wires declared
// dependencies. It may be invoked once per search path, accumulating into
// the same registry.
type Loader struct {
	registry *Registry
	disabled map[string]bool
	logger   *slog.Logger
}

// LoaderOptions configures a Loader. Disabled lists plugin names switched
// off in host configuration; matching candidates are skipped at discovery.
type LoaderOptions struct {
	Disabled []string
	Logger   *slog.Logger
}

// NewLoader creates a Loader that appends into reg.
func NewLoader(reg *Registry, opts LoaderOptions) *Loader {
	disabled := make(map[string]bool, len(opts.Disabled))
	for _, name := range opts.Disabled {
		disabled[strings.ToLower(name)] = true
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{
		registry: reg,
		disabled: disabled,
		logger:   logger,
	}
}

// candidate is a unit discovered on disk, before instantiation.
type candidate struct {
	name         string // unit name from the filesystem entry
	path         string // plugin directory (the root itself for single-file units)
	manifestPath string
}

// pending is an instantiated plugin awaiting dependency resolution.
type pending struct {
	plugin *Plugin
	norm   string
}

// LoadDir runs one load pass over root and appends qualifying plugins to
// the registry in dependency order.
//
// Candidates are sub-directories containing manifest.yaml (multi-file
// units) and top-level *.yaml files (single-file units); other entries are
// ignored. Per-candidate failures are recorded in the report and skipped.
// Dependency resolution is two-phase: all candidates of the pass are
// instantiated first, then the dependency graph is checked for cycles,
// topologically sorted, and wired in sorted order, so a plugin may depend
// on any other plugin of the same pass regardless of directory-listing
// order, and on anything registered by an earlier pass.
//
// A dependency cycle aborts the pass before anything is registered. A
// dependency satisfied neither by the registry nor by the pass fails with
// a MissingDependencyError, aborting the remainder of the pass; plugins
// already appended remain registered.
func (l *Loader) LoadDir(root, origin string) (*LoadReport, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve plugin root %q: %w", root, err)
	}
	info, err := os.Stat(absRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("plugin root does not exist: %s", absRoot)
		}
		return nil, fmt.Errorf("failed to stat plugin root %s: %w", absRoot, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("plugin root is not a directory: %s", absRoot)
	}

	report := &LoadReport{Root: absRoot, Origin: origin}

	// Phase one: instantiate every candidate, best effort.
	batch := make([]*pending, 0)
	seen := make(map[string]*pending)
	for _, cand := range listCandidates(absRoot) {
		p, err := l.instantiate(cand, absRoot, origin)
		if err != nil {
			report.Skipped = append(report.Skipped, Skip{Name: cand.name, Path: cand.path, Reason: err})
			l.logger.Warn("skipping plugin candidate", "root", absRoot, "candidate", cand.name, "error", err.Error())
			continue
		}

		norm := p.NormalizedName()
		if prior, ok := seen[norm]; ok {
			dup := &DuplicateError{Name: norm, Path: p.Path, KeptPath: prior.plugin.Path}
			report.Skipped = append(report.Skipped, Skip{Name: p.Name, Path: p.Path, Reason: dup})
			l.logger.Warn("duplicate plugin ignored (keeping first discovered)",
				"plugin", norm, "ignored_path", p.Path, "kept_path", prior.plugin.Path)
			continue
		}
		if existing, err := l.registry.GetByName(norm); err == nil {
			dup := &DuplicateError{Name: norm, Path: p.Path, KeptPath: existing.Path}
			report.Skipped = append(report.Skipped, Skip{Name: p.Name, Path: p.Path, Reason: dup})
			l.logger.Warn("duplicate plugin ignored (keeping first loaded)",
				"plugin", norm, "ignored_path", p.Path, "kept_path", existing.Path)
			continue
		}

		pend := &pending{plugin: p, norm: norm}
		seen[norm] = pend
		batch = append(batch, pend)
	}

	// Phase two: cycle check and topological order over the pass.
	sorted, err := sortByDependency(batch)
	if err != nil {
		return report, err
	}

	// Wire and register in dependency order.
	for _, pend := range sorted {
		p := pend.plugin
		for _, dep := range p.Depends {
			resolved, err := l.registry.GetByName(dep)
			if err != nil {
				return report, &MissingDependencyError{
					Dependent:  pend.norm,
					Dependency: strings.ToLower(dep),
				}
			}
			if p.Deps == nil {
				p.Deps = make(map[string]*Plugin, len(p.Depends))
			}
			p.Deps[strings.ToLower(dep)] = resolved
		}

		if err := l.registry.Add(p); err != nil {
			// Unreachable after the dedupe above; treat as a skip to keep
			// the pass going.
			report.Skipped = append(report.Skipped, Skip{Name: p.Name, Path: p.Path, Reason: err})
			continue
		}
		report.Loaded = append(report.Loaded, p.Name)
		l.logger.Info("loaded plugin",
			"plugin", p.Name, "path", p.Path, "version", p.Version,
			"origin", origin, "fingerprint", shortFingerprint(p.Fingerprint))
	}

	return report, nil
}

// listCandidates enumerates the units of a directory in listing order.
func listCandidates(root string) []candidate {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil
	}

	out := make([]candidate, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() {
			out = append(out, candidate{
				name:         name,
				path:         filepath.Join(root, name),
				manifestPath: filepath.Join(root, name, manifestFilename),
			})
			continue
		}
		ext := filepath.Ext(name)
		if (ext == ".yaml" || ext == ".yml") && name != manifestFilename {
			out = append(out, candidate{
				name:         strings.TrimSuffix(name, ext),
				path:         root,
				manifestPath: filepath.Join(root, name),
			})
		}
	}
	return out
}

// instantiate reads and validates a single candidate.
func (l *Loader) instantiate(cand candidate, root, origin string) (*Plugin, error) {
	data, err := os.ReadFile(cand.manifestPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	var manifest Manifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("failed to parse manifest YAML: %w", err)
	}

	if err := manifest.Validate(); err != nil {
		return nil, fmt.Errorf("invalid manifest: %w", err)
	}

	if manifest.Protocol != protocol.Version {
		return nil, fmt.Errorf("unsupported protocol version %d (supported: %d)", manifest.Protocol, protocol.Version)
	}

	if l.disabled[strings.ToLower(manifest.Name)] {
		return nil, fmt.Errorf("disabled in host configuration")
	}

	entrypointPath := filepath.Join(cand.path, manifest.Entrypoint)
	if err := validateTrust(entrypointPath, cand.path, root); err != nil {
		return nil, fmt.Errorf("trust validation failed: %w", err)
	}

	fingerprint, err := fingerprintUnit(data, entrypointPath)
	if err != nil {
		return nil, fmt.Errorf("fingerprint failed: %w", err)
	}

	return &Plugin{
		Name:        manifest.Name,
		Path:        cand.path,
		Entrypoint:  entrypointPath,
		Protocol:    manifest.Protocol,
		Version:     manifest.Version,
		Description: manifest.Description,
		Origin:      origin,
		Fingerprint: fingerprint,
		Depends:     manifest.Depends,
		Commands:    manifest.Commands,
	}, nil
}

// sortByDependency orders a pass topologically, keeping discovery order
// among plugins with no ordering constraint between them. Dependencies on
// names outside the batch are left for registry resolution. A cycle fails
// the whole pass with a CycleError.
func sortByDependency(batch []*pending) ([]*pending, error) {
	pos := make(map[string]int, len(batch))
	for i, pend := range batch {
		pos[pend.norm] = i
	}

	indegree := make([]int, len(batch))
	dependents := make([][]int, len(batch))
	for i, pend := range batch {
		for _, dep := range pend.plugin.Depends {
			j, inBatch := pos[strings.ToLower(dep)]
			if !inBatch {
				continue
			}
			dependents[j] = append(dependents[j], i)
			indegree[i]++
		}
	}

	sorted := make([]*pending, 0, len(batch))
	picked := make([]bool, len(batch))
	for range batch {
		next := -1
		for i := range batch {
			if !picked[i] && indegree[i] == 0 {
				next = i
				break
			}
		}
		if next == -1 {
			break
		}
		picked[next] = true
		sorted = append(sorted, batch[next])
		for _, dep := range dependents[next] {
			indegree[dep]--
		}
	}

	if len(sorted) != len(batch) {
		var names []string
		for i, pend := range batch {
			if !picked[i] {
				names = append(names, pend.norm)
			}
		}
		return nil, &CycleError{Names: names}
	}
	return sorted, nil
}

// validateTrust enforces filesystem constraints on a unit's entrypoint.
func validateTrust(entrypointPath, unitPath, root string) error {
	resolvedEntrypoint, err := filepath.EvalSymlinks(entrypointPath)
	if err != nil {
		return fmt.Errorf("failed to resolve entrypoint symlink: %w", err)
	}

	resolvedUnit, err := filepath.EvalSymlinks(unitPath)
	if err != nil {
		return fmt.Errorf("failed to resolve plugin path symlink: %w", err)
	}

	resolvedRoot, err := filepath.EvalSymlinks(root)
	if err != nil {
		return fmt.Errorf("failed to resolve plugin root symlink: %w", err)
	}

	// Entrypoint must live under the plugin root.
	if !strings.HasPrefix(resolvedEntrypoint, resolvedRoot+string(os.PathSeparator)) {
		return fmt.Errorf("entrypoint %s is not under plugin root %s", resolvedEntrypoint, resolvedRoot)
	}

	// And under the unit's own directory.
	if !strings.HasPrefix(resolvedEntrypoint, resolvedUnit+string(os.PathSeparator)) {
		return fmt.Errorf("entrypoint %s is not under plugin directory %s", resolvedEntrypoint, resolvedUnit)
	}

	info, err := os.Stat(resolvedEntrypoint)
	if err != nil {
		return fmt.Errorf("entrypoint not found: %w", err)
	}
	if info.Mode()&0111 == 0 {
		return fmt.Errorf("entrypoint is not executable: %s", resolvedEntrypoint)
	}

	unitInfo, err := os.Stat(resolvedUnit)
	if err != nil {
		return fmt.Errorf("plugin directory not found: %w", err)
	}
	if unitInfo.Mode().Perm()&0002 != 0 {
		return fmt.Errorf("plugin directory is world-writable: %s", resolvedUnit)
	}

	return nil
}
