package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Column describes one column of an object or one substitution parameter of
// a query.
type Column struct {
	Name     string `yaml:"name" json:"name"`
	Type     string `yaml:"type" json:"type"`
	PKey     bool   `yaml:"pkey" json:"pkey"`
	Nullable bool   `yaml:"nullable" json:"nullable"`
}

// MethodHookSpec is a (phase, language, script-or-file) tuple attached to a
// (namespace, object, method) triple (spec §3's Method Hook).
type MethodHookSpec struct {
	Phase    string `yaml:"phase" json:"phase"` // "pre" | "post"
	Language string `yaml:"language" json:"language"`
	Script   string `yaml:"script,omitempty" json:"script,omitempty"`
	File     string `yaml:"file,omitempty" json:"file,omitempty"`
}

// ObjectDescriptor declares one CRUD-capable resource within a namespace.
type ObjectDescriptor struct {
	Name       string                      `yaml:"name" json:"name"`
	Columns    []Column                    `yaml:"columns" json:"columns"`
	KeyColumns []string                    `yaml:"key_columns" json:"key_columns"`
	Hooks      map[string][]MethodHookSpec `yaml:"hooks,omitempty" json:"hooks,omitempty"` // keyed by method
	Permission string                      `yaml:"permission,omitempty" json:"permission,omitempty"`
}

// QueryDescriptor declares one parameterised custom query.
type QueryDescriptor struct {
	Name       string            `yaml:"name" json:"name"`
	SQL        string            `yaml:"sql" json:"sql"` // contains #{param} placeholders and ${DATA_PERMISSION_SQL}
	CountSQL   string            `yaml:"count_sql,omitempty" json:"count_sql,omitempty"`
	Params     []Column          `yaml:"params" json:"params"` // columns marked pkey are fixed-substituted
	FieldMap   map[string]string `yaml:"field_map,omitempty" json:"field_map,omitempty"`
	Permission string            `yaml:"permission,omitempty" json:"permission,omitempty"`
}

// PluginConfig is the declared binding of one plugin instance within a
// namespace: protocol (scheme), name, and an opaque nested config blob.
type PluginConfig struct {
	Protocol   string `yaml:"protocol" json:"protocol"`
	Name       string `yaml:"name" json:"name"`
	Config     string `yaml:"config" json:"config"` // path, or opaque inline config
	LogLevel   string `yaml:"log_level,omitempty" json:"log_level,omitempty"`
	PluginType string `yaml:"plugin_type,omitempty" json:"plugin_type,omitempty"`
}

// Key returns the globally-unique protocol://namespace/name key used to bind
// this plugin's service into the namespace registry.
func (p *PluginConfig) Key(namespace string) string {
	return fmt.Sprintf("%s://%s/%s", p.Protocol, namespace, p.Name)
}

// NamespaceDescriptor is the service descriptor for one namespace: its
// declared objects, queries, and plugin bindings (spec §3).
type NamespaceDescriptor struct {
	Name    string
	Objects map[string]*ObjectDescriptor
	Queries map[string]*QueryDescriptor
	Plugins map[string]*PluginConfig // keyed by plugin Name
}

// NamespaceRegistry maps a namespace name to its descriptor, and holds the
// plugin services registered against protocol://namespace/name keys.
type NamespaceRegistry struct {
	mu         sync.RWMutex
	namespaces map[string]*NamespaceDescriptor
	services   map[string]PluginService // keyed by protocol://ns/name
}

// NewNamespaceRegistry returns an empty registry.
func NewNamespaceRegistry() *NamespaceRegistry {
	return &NamespaceRegistry{
		namespaces: make(map[string]*NamespaceDescriptor),
		services:   make(map[string]PluginService),
	}
}

var (
	namespaceOnce     sync.Once
	namespaceInstance *NamespaceRegistry
)

// NamespaceRegistryInstance returns the process-wide namespace registry.
func NamespaceRegistryInstance() *NamespaceRegistry {
	namespaceOnce.Do(func() {
		namespaceInstance = NewNamespaceRegistry()
	})
	return namespaceInstance
}

// Register installs or replaces a namespace's descriptor.
func (r *NamespaceRegistry) Register(desc *NamespaceDescriptor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.namespaces[desc.Name] = desc
}

// Get returns the descriptor for namespace ns, if any.
func (r *NamespaceRegistry) Get(ns string) (*NamespaceDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.namespaces[ns]
	return d, ok
}

// GetObject returns the object descriptor named name within ns.
func (r *NamespaceRegistry) GetObject(ns, name string) (*ObjectDescriptor, bool) {
	d, ok := r.Get(ns)
	if !ok {
		return nil, false
	}
	o, ok := d.Objects[name]
	return o, ok
}

// GetQuery returns the query descriptor named name within ns.
func (r *NamespaceRegistry) GetQuery(ns, name string) (*QueryDescriptor, bool) {
	d, ok := r.Get(ns)
	if !ok {
		return nil, false
	}
	q, ok := d.Queries[name]
	return q, ok
}

// GetPluginConfig returns the declared plugin config named name within ns.
func (r *NamespaceRegistry) GetPluginConfig(ns, name string) (*PluginConfig, bool) {
	d, ok := r.Get(ns)
	if !ok {
		return nil, false
	}
	p, ok := d.Plugins[name]
	return p, ok
}

// UpdatePluginConfig replaces the stored plugin config for ns/name, used by
// SaveConfig after a plugin successfully persists its new configuration.
func (r *NamespaceRegistry) UpdatePluginConfig(ns string, cfg *PluginConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.namespaces[ns]
	if !ok {
		return
	}
	d.Plugins[cfg.Name] = cfg
}

// RegisterPluginService binds a running plugin service under
// protocol://namespace/name, the key the thin per-protocol dispatcher looks
// up at invocation time (spec §4.5).
func (r *NamespaceRegistry) RegisterPluginService(key string, svc PluginService) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.services[key] = svc
}

// GetPluginService returns the plugin service bound to key
// (protocol://namespace/name), if any.
func (r *NamespaceRegistry) GetPluginService(key string) (PluginService, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.services[key]
	return s, ok
}

// GetConfig implements the reflective get_config reserved method (spec
// §4.4): for scheme "object"/"query" it returns the matching descriptor;
// for any plugin scheme it delegates to that plugin service's GetConfig.
func (r *NamespaceRegistry) GetConfig(scheme, ns, object string) (any, error) {
	switch scheme {
	case "object":
		o, ok := r.GetObject(ns, object)
		if !ok {
			return nil, fmt.Errorf("no object descriptor %q in namespace %q", object, ns)
		}
		return o, nil
	case "query":
		q, ok := r.GetQuery(ns, object)
		if !ok {
			return nil, fmt.Errorf("no query descriptor %q in namespace %q", object, ns)
		}
		return q, nil
	default:
		key := fmt.Sprintf("%s://%s/%s", scheme, ns, object)
		svc, ok := r.GetPluginService(key)
		if !ok {
			return nil, fmt.Errorf("not implemented")
		}
		return svc.GetConfig()
	}
}

// SaveConfig implements the reflective save_config reserved method (spec
// §4.4): resolves modelPath into a filesystem path under the namespace's
// model directory, updates the plugin config's Config field to that
// resolved path, asks the plugin to persist, and returns its refreshed
// config.
func (r *NamespaceRegistry) SaveConfig(scheme, ns, object string, value any, modelPath string) (any, error) {
	if scheme == "object" || scheme == "query" {
		return nil, nil
	}
	if modelPath == "" {
		return nil, fmt.Errorf("no model_path provided by second params")
	}

	key := fmt.Sprintf("%s://%s/%s", scheme, ns, object)
	svc, ok := r.GetPluginService(key)
	if !ok {
		return nil, fmt.Errorf("not implemented")
	}

	if err := svc.ParseConfig(value); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg, ok := r.GetPluginConfig(ns, object)
	if !ok {
		return nil, fmt.Errorf("no plugin config %q found", object)
	}

	resolvedDir := filepath.Join(modelPath, ns)
	if err := os.MkdirAll(resolvedDir, 0o755); err != nil {
		return nil, fmt.Errorf("create model dir %q: %w", resolvedDir, err)
	}

	updated := *cfg
	updated.Config = filepath.Join(resolvedDir, filepath.Base(cfg.Config))

	if err := svc.SaveConfig(&updated); err != nil {
		return nil, fmt.Errorf("save plugin config to %q: %w", updated.Config, err)
	}

	r.UpdatePluginConfig(ns, &updated)

	return svc.GetConfig()
}

// MarshalDescriptor turns a descriptor into a generic JSON value (a
// marshal/unmarshal round trip). GetConfig does not call it; it returns
// descriptors as typed pointers.
func MarshalDescriptor(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}
