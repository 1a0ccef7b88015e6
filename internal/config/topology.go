package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/modula-sync/modula/internal/directory"
)

// ErrInvalidTopology is wrapped by every topology validation failure.
var ErrInvalidTopology = errors.New("invalid topology")

// Mapping binds one source directory to the targets it replicates into.
type Mapping struct {
	Source  string   `yaml:"source" toml:"source" json:"source"`
	Targets []string `yaml:"targets" toml:"targets" json:"targets"`
}

// Topology is the ordered list of mappings. Order fixes engine indexes.
type Topology struct {
	Mappings []Mapping `yaml:"replicas" toml:"replicas" json:"replicas"`
}

// Sources returns every source path in order.
func (t Topology) Sources() []string {
	out := make([]string, 0, len(t.Mappings))
	for _, m := range t.Mappings {
		out = append(out, m.Source)
	}
	return out
}

// LoadTopology reads and validates a topology file. The format is chosen by
// extension: .yaml/.yml or .toml.
func LoadTopology(path string) (Topology, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Topology{}, fmt.Errorf("failed to read topology %s: %w", path, err)
	}

	var topo Topology
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&topo); err != nil {
			return Topology{}, fmt.Errorf("failed to parse topology %s: %w", path, err)
		}
	case ".toml":
		md, err := toml.Decode(string(data), &topo)
		if err != nil {
			return Topology{}, fmt.Errorf("failed to parse topology %s: %w", path, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return Topology{}, fmt.Errorf("%w: unknown keys in %s: %v", ErrInvalidTopology, path, undecoded)
		}
	default:
		return Topology{}, fmt.Errorf("%w: unsupported topology format %q", ErrInvalidTopology, ext)
	}

	if err := topo.Validate(); err != nil {
		return Topology{}, err
	}
	return topo, nil
}

// Validate checks that every source is an existing absolute directory,
// appears once, has at least one absolute target, and that no target equals
// or lies inside any source.
func (t Topology) Validate() error {
	if len(t.Mappings) == 0 {
		return fmt.Errorf("%w: no replicas configured", ErrInvalidTopology)
	}

	sources := make([]directory.Directory, 0, len(t.Mappings))
	for i, m := range t.Mappings {
		if !filepath.IsAbs(m.Source) {
			return fmt.Errorf("%w: replica %d: source %q is not absolute", ErrInvalidTopology, i, m.Source)
		}
		src, err := directory.New(m.Source)
		if err != nil {
			return fmt.Errorf("%w: replica %d: %v", ErrInvalidTopology, i, err)
		}
		if !src.Exists() {
			return fmt.Errorf("%w: replica %d: source %s does not exist", ErrInvalidTopology, i, src)
		}
		for _, seen := range sources {
			if seen.Equal(src) {
				return fmt.Errorf("%w: source %s is listed twice", ErrInvalidTopology, src)
			}
		}
		sources = append(sources, src)

		if len(m.Targets) == 0 {
			return fmt.Errorf("%w: replica %d: source %s has no targets", ErrInvalidTopology, i, src)
		}
	}

	for i, m := range t.Mappings {
		for _, raw := range m.Targets {
			if !filepath.IsAbs(raw) {
				return fmt.Errorf("%w: replica %d: target %q is not absolute", ErrInvalidTopology, i, raw)
			}
			target, err := directory.New(raw)
			if err != nil {
				return fmt.Errorf("%w: replica %d: %v", ErrInvalidTopology, i, err)
			}
			for _, src := range sources {
				if target.IsSubdirectoryOf(src) {
					return fmt.Errorf("%w: target %s is inside source %s", ErrInvalidTopology, target, src)
				}
			}
		}
	}
	return nil
}
