package plugin

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/kestrelworks/starhost/internal/protocol"
)

// Command declares a broadcast command a plugin responds to. A plugin is
// invoked for a dispatched command only if the command is declared here;
// undeclared commands make the plugin abstain without being spawned.
type Command struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description,omitempty"`
}

// Commands is the list of declared commands.
//
// Two accepted formats:
//   - scalar array: commands: [on_chat, on_connect]
//   - object array: commands: [{name: on_chat, description: "..."}]
type Commands []Command

func (c *Commands) UnmarshalYAML(n *yaml.Node) error {
	if n == nil {
		*c = nil
		return nil
	}
	if n.Kind != yaml.SequenceNode {
		return fmt.Errorf("commands must be a sequence")
	}

	out := make([]Command, 0, len(n.Content))
	for _, item := range n.Content {
		switch item.Kind {
		case yaml.ScalarNode:
			out = append(out, Command{Name: strings.TrimSpace(item.Value)})
		case yaml.MappingNode:
			var tmp Command
			if err := item.Decode(&tmp); err != nil {
				return fmt.Errorf("invalid command object: %w", err)
			}
			tmp.Name = strings.TrimSpace(tmp.Name)
			out = append(out, tmp)
		default:
			return fmt.Errorf("invalid command entry (must be string or object)")
		}
	}

	*c = out
	return nil
}

// Manifest defines the structure of a plugin's manifest.yaml file.
type Manifest struct {
	Name        string   `yaml:"name"`
	Version     string   `yaml:"version"`
	Protocol    int      `yaml:"protocol"`
	Entrypoint  string   `yaml:"entrypoint"`
	Description string   `yaml:"description,omitempty"`
	Depends     []string `yaml:"depends,omitempty"`
	Commands    Commands `yaml:"commands,omitempty"`
}

// Validate checks required manifest fields and name hygiene.
func (m *Manifest) Validate() error {
	if strings.TrimSpace(m.Name) == "" {
		return fmt.Errorf("name is required")
	}

	if m.Protocol == 0 {
		return fmt.Errorf("protocol version is required")
	}

	if m.Entrypoint == "" {
		return fmt.Errorf("entrypoint is required")
	}

	// Check for path traversal in entrypoint
	if strings.Contains(m.Entrypoint, "..") {
		return fmt.Errorf("entrypoint contains path traversal: %s", m.Entrypoint)
	}

	seen := make(map[string]struct{}, len(m.Commands))
	for _, cmd := range m.Commands {
		if cmd.Name == "" {
			return fmt.Errorf("command name is required")
		}
		if protocol.IsLifecycleCommand(cmd.Name) {
			return fmt.Errorf("command %q is reserved for lifecycle hooks", cmd.Name)
		}
		norm := strings.ToLower(cmd.Name)
		if _, dup := seen[norm]; dup {
			return fmt.Errorf("command %q declared more than once", cmd.Name)
		}
		seen[norm] = struct{}{}
	}

	for _, dep := range m.Depends {
		if strings.TrimSpace(dep) == "" {
			return fmt.Errorf("depends entries must be non-empty names")
		}
		if strings.EqualFold(dep, m.Name) {
			return fmt.Errorf("plugin %q cannot depend on itself", m.Name)
		}
	}

	return nil
}

// Plugin represents a discovered, validated and registered plugin.
type Plugin struct {
	Name        string   // Plugin name from manifest
	Path        string   // Absolute path to the plugin directory (or root for single-file units)
	Entrypoint  string   // Absolute path to entrypoint executable
	Protocol    int      // Protocol version
	Version     string   // Plugin version
	Description string   // Human-readable description
	Origin      string   // Which load pass registered it ("core" or "extension")
	Fingerprint string   // BLAKE3 hash over manifest + entrypoint bytes
	Depends     []string // Declared dependency names, manifest order
	Commands    Commands // Declared broadcast commands

	// Deps maps normalized dependency names to the resolved registry
	// members, populated by the loader before registration. Values are
	// non-owning references to plugins loaded earlier.
	Deps map[string]*Plugin
}

// NormalizedName returns the lower-cased registry key for the plugin.
func (p *Plugin) NormalizedName() string {
	return strings.ToLower(p.Name)
}

// SupportsCommand reports whether the plugin declares a broadcast command.
// The comparison is case-insensitive, matching registry name semantics.
func (p *Plugin) SupportsCommand(cmd string) bool {
	for _, c := range p.Commands {
		if strings.EqualFold(c.Name, cmd) {
			return true
		}
	}
	return false
}

// CommandNames returns declared command names in manifest order.
func (p *Plugin) CommandNames() []string {
	out := make([]string, 0, len(p.Commands))
	for _, c := range p.Commands {
		out = append(out, c.Name)
	}
	return out
}
