package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/dataspan/gateway/pkg/registry"
)

// LoadNamespaceDescriptors reads every *.yaml/*.yml file in dir, each
// expected to unmarshal into one registry.NamespaceDescriptor, and returns
// them all. A missing directory is not an error (an empty gateway has no
// declared namespaces yet).
func LoadNamespaceDescriptors(dir string) ([]*registry.NamespaceDescriptor, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("config: reading namespace descriptor dir %q: %w", dir, err)
	}

	var out []*registry.NamespaceDescriptor
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml") {
			continue
		}

		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: reading namespace descriptor %q: %w", path, err)
		}

		desc := &registry.NamespaceDescriptor{}
		if err := yaml.Unmarshal(data, desc); err != nil {
			return nil, fmt.Errorf("config: parsing namespace descriptor %q: %w", path, err)
		}
		if desc.Name == "" {
			return nil, fmt.Errorf("config: namespace descriptor %q declares no name", path)
		}
		out = append(out, desc)
	}
	return out, nil
}

// RegisterNamespaces installs every descriptor into reg, restricted to names
// in active when active is non-empty.
func RegisterNamespaces(reg *registry.NamespaceRegistry, descriptors []*registry.NamespaceDescriptor, active []string) {
	allow := make(map[string]bool, len(active))
	for _, name := range active {
		allow[name] = true
	}

	for _, desc := range descriptors {
		if len(allow) > 0 && !allow[desc.Name] {
			continue
		}
		reg.Register(desc)
	}
}
