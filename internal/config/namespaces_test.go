package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/dataspan/gateway/pkg/registry"
)

func TestLoadNamespaceDescriptorsParsesYAML(t *testing.T) {
	dir := t.TempDir()
	body := `
name: sales
objects:
  orders:
    name: orders
    key_columns: [id]
    columns:
      - name: id
        pkey: true
      - name: total
queries:
  top_orders:
    sql: "SELECT * FROM orders ORDER BY total DESC LIMIT #{n}"
`
	if err := os.WriteFile(filepath.Join(dir, "sales.yaml"), []byte(body), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	descs, err := LoadNamespaceDescriptors(dir)
	if err != nil {
		t.Fatalf("LoadNamespaceDescriptors: %v", err)
	}
	if len(descs) != 1 {
		t.Fatalf("got %d descriptors, want 1", len(descs))
	}
	if descs[0].Name != "sales" {
		t.Errorf("Name = %q, want sales", descs[0].Name)
	}
	if _, ok := descs[0].Objects["orders"]; !ok {
		t.Errorf("expected an orders object descriptor")
	}
	if _, ok := descs[0].Queries["top_orders"]; !ok {
		t.Errorf("expected a top_orders query descriptor")
	}
}

func TestLoadNamespaceDescriptorsMissingDirIsNotAnError(t *testing.T) {
	descs, err := LoadNamespaceDescriptors(filepath.Join(t.TempDir(), "missing"))
	if err != nil {
		t.Fatalf("LoadNamespaceDescriptors: %v", err)
	}
	if descs != nil {
		t.Errorf("descs = %v, want nil", descs)
	}
}

func TestRegisterNamespacesRestrictsToActiveList(t *testing.T) {
	reg := registry.NewNamespaceRegistry()
	descs := []*registry.NamespaceDescriptor{
		{Name: "a", Objects: map[string]*registry.ObjectDescriptor{}},
		{Name: "b", Objects: map[string]*registry.ObjectDescriptor{}},
	}
	RegisterNamespaces(reg, descs, []string{"a"})

	if _, ok := reg.Get("a"); !ok {
		t.Errorf("expected namespace a to be registered")
	}
	if _, ok := reg.Get("b"); ok {
		t.Errorf("namespace b should be excluded by the active list")
	}
}

func TestRegisterNamespacesRegistersAllWhenActiveEmpty(t *testing.T) {
	reg := registry.NewNamespaceRegistry()
	descs := []*registry.NamespaceDescriptor{{Name: "a"}, {Name: "b"}}
	RegisterNamespaces(reg, descs, nil)

	if _, ok := reg.Get("a"); !ok {
		t.Errorf("expected namespace a to be registered")
	}
	if _, ok := reg.Get("b"); !ok {
		t.Errorf("expected namespace b to be registered")
	}
}
