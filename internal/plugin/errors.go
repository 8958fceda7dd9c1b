package plugin

import (
	"errors"
	"fmt"
	"strings"
)

// Error kinds for registry and loader failures. Structured error types below
// unwrap to these sentinels so callers can classify with errors.Is.
var (
	// ErrPluginNotFound is returned by lookups when no plugin matches a name.
	ErrPluginNotFound = errors.New("plugin not found")

	// ErrMissingDependency is a load-time specialization of ErrPluginNotFound:
	// a declared dependency could not be resolved while its dependent was
	// being loaded. errors.Is(err, ErrPluginNotFound) holds for it too.
	ErrMissingDependency = fmt.Errorf("missing dependency: %w", ErrPluginNotFound)

	// ErrDuplicatePlugin marks a candidate skipped because its normalized
	// name is already registered. Duplicates are never fatal; the first
	// loaded plugin wins and the skip is surfaced in the LoadReport.
	ErrDuplicatePlugin = errors.New("duplicate plugin name")

	// ErrCyclicDependency marks a dependency cycle within a load pass.
	ErrCyclicDependency = errors.New("cyclic plugin dependency")
)

// NotFoundError reports a failed lookup. Name is normalized (lower-cased).
type NotFoundError struct {
	Name string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("no plugin with name=%q found", e.Name)
}

func (e *NotFoundError) Unwrap() error { return ErrPluginNotFound }

// MissingDependencyError reports an unresolvable dependency at load time.
// Both names are normalized.
type MissingDependencyError struct {
	Dependent  string
	Dependency string
}

func (e *MissingDependencyError) Error() string {
	return fmt.Sprintf("plugin %q depends on %q which is not loaded", e.Dependent, e.Dependency)
}

func (e *MissingDependencyError) Unwrap() error { return ErrMissingDependency }

// DuplicateError reports a candidate whose name collides with an already
// registered plugin.
type DuplicateError struct {
	Name     string // normalized name
	Path     string // candidate that was skipped
	KeptPath string // plugin that was kept
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("plugin name %q already registered (kept %s, skipped %s)", e.Name, e.KeptPath, e.Path)
}

func (e *DuplicateError) Unwrap() error { return ErrDuplicatePlugin }

// CycleError reports a dependency cycle among the candidates of one load
// pass. Names preserves discovery order of the plugins involved.
type CycleError struct {
	Names []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency cycle involving: %s", strings.Join(e.Names, ", "))
}

func (e *CycleError) Unwrap() error { return ErrCyclicDependency }
