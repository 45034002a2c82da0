// Package plugins loads the Wasm column transforms declared in the plugin
// manifest and runs them through extism.
package plugins

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ekaya-inc/ontask-engine/pkg/models"
)

// DefaultEntrypoint is the exported function called when a plugin does not
// name one.
const DefaultEntrypoint = "transform"

// DefaultTimeout bounds one plugin call.
const DefaultTimeout = 30 * time.Second

// OutputColumn declares one column produced by a plugin.
type OutputColumn struct {
	Name string            `yaml:"name" json:"name"`
	Type models.ColumnType `yaml:"type" json:"type"`
}

// Plugin is one manifest entry. The plugin receives the key column and the
// input columns of every row and returns the key column and its outputs.
type Plugin struct {
	Name         string            `yaml:"name" json:"name"`
	Description  string            `yaml:"description" json:"description"`
	Wasm         string            `yaml:"wasm" json:"-"`
	Entrypoint   string            `yaml:"entrypoint" json:"entrypoint"`
	Key          string            `yaml:"key" json:"key"`
	Inputs       []string          `yaml:"inputs" json:"inputs"`
	Outputs      []OutputColumn    `yaml:"outputs" json:"outputs"`
	Timeout      time.Duration     `yaml:"timeout" json:"timeout"`
	Config       map[string]string `yaml:"config" json:"-"`
	AllowedHosts []string          `yaml:"allowed_hosts" json:"-"`

	// path is Wasm resolved against the plugin directory.
	path string
}

// Path returns the resolved location of the Wasm module.
func (p *Plugin) Path() string {
	return p.path
}

// OutputNames returns the names of the produced columns in manifest order.
func (p *Plugin) OutputNames() []string {
	names := make([]string, len(p.Outputs))
	for i, o := range p.Outputs {
		names[i] = o.Name
	}
	return names
}

// Manifest is the plugin manifest file.
type Manifest struct {
	Plugins []*Plugin `yaml:"plugins"`
}

// ParseManifest decodes a manifest and resolves module paths against dir.
func ParseManifest(data []byte, dir string) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse plugin manifest: %w", err)
	}
	seen := make(map[string]bool, len(m.Plugins))
	for i, p := range m.Plugins {
		if err := p.normalize(dir); err != nil {
			return nil, fmt.Errorf("plugin %d: %w", i, err)
		}
		if seen[p.Name] {
			return nil, fmt.Errorf("plugin %q is declared twice", p.Name)
		}
		seen[p.Name] = true
	}
	return &m, nil
}

// LoadManifest reads the manifest at path. Module paths are resolved
// against dir, or against the directory of the manifest when dir is empty.
func LoadManifest(path, dir string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read plugin manifest: %w", err)
	}
	if dir == "" {
		dir = filepath.Dir(path)
	}
	return ParseManifest(data, dir)
}

func (p *Plugin) normalize(dir string) error {
	if err := models.ValidateColumnName(p.Name); err != nil {
		return fmt.Errorf("invalid name: %w", err)
	}
	if p.Wasm == "" {
		return fmt.Errorf("plugin %s has no wasm module", p.Name)
	}
	if p.Key == "" {
		return fmt.Errorf("plugin %s has no key column", p.Name)
	}
	if len(p.Outputs) == 0 {
		return fmt.Errorf("plugin %s declares no outputs", p.Name)
	}
	for _, o := range p.Outputs {
		if err := models.ValidateColumnName(o.Name); err != nil {
			return fmt.Errorf("plugin %s output: %w", p.Name, err)
		}
		if !o.Type.Valid() {
			return fmt.Errorf("plugin %s output %s has unknown type %q", p.Name, o.Name, o.Type)
		}
		if o.Name == p.Key {
			return fmt.Errorf("plugin %s cannot overwrite its key column", p.Name)
		}
	}
	if dups := models.DuplicateColumnNames(p.OutputNames()); len(dups) > 0 {
		return fmt.Errorf("plugin %s repeats output %s", p.Name, dups[0])
	}
	if slices.Contains(p.Inputs, p.Key) {
		p.Inputs = slices.DeleteFunc(p.Inputs, func(s string) bool { return s == p.Key })
	}
	if p.Entrypoint == "" {
		p.Entrypoint = DefaultEntrypoint
	}
	if p.Timeout <= 0 {
		p.Timeout = DefaultTimeout
	}
	if filepath.IsAbs(p.Wasm) {
		p.path = p.Wasm
	} else {
		p.path = filepath.Join(dir, p.Wasm)
	}
	return nil
}

// Registry is the set of configured plugins.
type Registry struct {
	plugins []*Plugin
}

// NewRegistry creates a registry over the manifest entries.
func NewRegistry(m *Manifest) *Registry {
	if m == nil {
		return &Registry{}
	}
	return &Registry{plugins: m.Plugins}
}

// List returns the plugins sorted by name.
func (r *Registry) List() []*Plugin {
	out := slices.Clone(r.plugins)
	slices.SortFunc(out, func(a, b *Plugin) int {
		switch {
		case a.Name < b.Name:
			return -1
		case a.Name > b.Name:
			return 1
		}
		return 0
	})
	return out
}

// Get returns the plugin called name.
func (r *Registry) Get(name string) (*Plugin, bool) {
	for _, p := range r.plugins {
		if p.Name == name {
			return p, true
		}
	}
	return nil, false
}
