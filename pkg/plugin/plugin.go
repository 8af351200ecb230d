// Package plugin implements the plugin lifecycle (spec §4.5): loading plugin
// modules, wiring each one's service into the protocol and namespace
// registries, and giving it a place to register its own HTTP routes.
package plugin

import (
	"context"
	"fmt"
	"sort"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/dataspan/gateway/pkg/invocation"
	"github.com/dataspan/gateway/pkg/registry"
	"github.com/dataspan/gateway/pkg/uri"
)

// RouteRegistrar is the function form of a route registrar that attaches
// HTTP routes to a sub-router (spec §6's "optional HTTP route registrars").
// The Supervisor does not use it; it mounts routes only through the
// RouterRegistrar and AnonymousRouterRegistrar interfaces below.
type RouteRegistrar func(r *mux.Router)

// Plugin is the capability set every plugin module must implement (spec
// §4.5: "a plugin is a unit that exports get_protocol_name, optional
// plugin_init, optional extension_init, optional HTTP route registrars").
type Plugin interface {
	// ProtocolName is the URI scheme this plugin serves (e.g. "kafka").
	ProtocolName() string

	// Init constructs the plugin's service for one namespace binding. It is
	// called once per declared registry.PluginConfig at startup.
	Init(namespace string, cfg *registry.PluginConfig, log zerolog.Logger) (registry.PluginService, error)
}

// ExtensionInitializer is an optional capability: a plugin that needs a
// one-time, namespace-independent setup step implements it (spec's
// "optional extension_init()").
type ExtensionInitializer interface {
	ExtensionInit() error
}

// RouterRegistrar is an optional capability: a plugin that exposes HTTP
// routes implements it (spec's "optional HTTP route registrars").
type RouterRegistrar interface {
	RegisterRoutes(r *mux.Router)
}

// AnonymousRouterRegistrar is the unauthenticated counterpart, mounted
// outside any identity middleware.
type AnonymousRouterRegistrar interface {
	RegisterAnonymousRoutes(r *mux.Router)
}

// Descriptor is one static-loader entry: a plugin implementation paired with
// the sort key the loader uses to make load order deterministic (spec §4.5:
// "static — compile-time composition; a fixed, sort-ordered list of plugin
// descriptors").
type Descriptor struct {
	SortKey string
	Plugin  Plugin
}

// Loader is a static, compile-time composed list of plugin descriptors.
// Dynamic (.so) loading is not implemented; static composition is the
// in-scope loader kind.
type Loader struct {
	descriptors []Descriptor
}

// NewLoader returns a loader with no descriptors registered.
func NewLoader() *Loader {
	return &Loader{}
}

// Add appends a descriptor to the loader's static list.
func (l *Loader) Add(d Descriptor) {
	l.descriptors = append(l.descriptors, d)
}

// Sorted returns the descriptors ordered by SortKey, ties broken by
// insertion order (stable sort).
func (l *Loader) Sorted() []Descriptor {
	out := make([]Descriptor, len(l.descriptors))
	copy(out, l.descriptors)
	sort.SliceStable(out, func(i, j int) bool { return out[i].SortKey < out[j].SortKey })
	return out
}

// Supervisor iterates every configured plugin at startup, calls Init for
// each declared binding, and wires the resulting service into the protocol
// registry (by scheme) and the namespace registry (by protocol://ns/name).
type Supervisor struct {
	loader     *Loader
	protocols  *registry.ProtocolRegistry
	namespace  *registry.NamespaceRegistry
	logger     zerolog.Logger
	router     *mux.Router
	anonRouter *mux.Router

	// installedSchemes remembers which schemes have already had their
	// thin dispatcher installed into protocols, so a second plugin binding
	// for an already-seen scheme doesn't reinstall it.
	installedSchemes map[string]bool
}

// NewSupervisor wires loader against the given protocol/namespace registries.
// router and anonRouter may be nil if the caller has no HTTP transport (e.g.
// a unit test); route registration is then skipped.
func NewSupervisor(loader *Loader, protocols *registry.ProtocolRegistry, namespace *registry.NamespaceRegistry, log zerolog.Logger, router, anonRouter *mux.Router) *Supervisor {
	return &Supervisor{
		loader:           loader,
		protocols:        protocols,
		namespace:        namespace,
		logger:           log,
		router:           router,
		anonRouter:       anonRouter,
		installedSchemes: make(map[string]bool),
	}
}

// Start runs plugin_init for every (plugin, namespace binding) pair found by
// walking every namespace's declared plugin configs whose protocol matches a
// loaded plugin, in loader sort order.
func (s *Supervisor) Start(namespaces []string) error {
	for _, d := range s.loader.Sorted() {
		p := d.Plugin
		scheme := p.ProtocolName()

		if init, ok := p.(ExtensionInitializer); ok {
			if err := init.ExtensionInit(); err != nil {
				return fmt.Errorf("plugin %q extension_init: %w", scheme, err)
			}
		}

		for _, ns := range namespaces {
			desc, ok := s.namespace.Get(ns)
			if !ok {
				continue
			}
			for _, cfg := range desc.Plugins {
				if cfg.Protocol != scheme {
					continue
				}
				if err := s.bind(ns, scheme, p, cfg); err != nil {
					return err
				}
			}
		}

		if rr, ok := p.(RouterRegistrar); ok && s.router != nil {
			rr.RegisterRoutes(s.router)
		}
		if ar, ok := p.(AnonymousRouterRegistrar); ok && s.anonRouter != nil {
			ar.RegisterAnonymousRoutes(s.anonRouter)
		}
	}
	return nil
}

func (s *Supervisor) bind(ns, scheme string, p Plugin, cfg *registry.PluginConfig) error {
	sublog := s.logger.With().Str("plugin", cfg.Name).Str("protocol", scheme).Str("namespace", ns).Logger()
	if cfg.LogLevel != "" {
		if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
			sublog = sublog.Level(lvl)
		}
	}

	svc, err := p.Init(ns, cfg, sublog)
	if err != nil {
		return fmt.Errorf("plugin %q init for %s/%s: %w", scheme, ns, cfg.Name, err)
	}

	key := cfg.Key(ns)
	s.namespace.RegisterPluginService(key, svc)

	if !s.installedSchemes[scheme] {
		s.protocols.Register(scheme, &dispatcher{scheme: scheme, namespace: s.namespace})
		s.installedSchemes[scheme] = true
	}

	sublog.Debug().Str("key", key).Msg("plugin service registered")
	return nil
}

// dispatcher is the thin per-protocol handler installed into the protocol
// registry: it resolves protocol://ns/object to the bound plugin service in
// the namespace registry, per spec §4.5's "thin dispatcher" description.
type dispatcher struct {
	scheme    string
	namespace *registry.NamespaceRegistry
}

func (d *dispatcher) resolve(u *uri.URI) (registry.PluginService, error) {
	key := fmt.Sprintf("%s://%s/%s", d.scheme, u.Namespace, u.Object)
	svc, ok := d.namespace.GetPluginService(key)
	if !ok {
		return nil, &registry.ErrNotImplemented{Scheme: d.scheme}
	}
	return svc, nil
}

func (d *dispatcher) InvokeOne(ctx context.Context, ic *invocation.Context, u *uri.URI, args []any) (any, error) {
	svc, err := d.resolve(u)
	if err != nil {
		return nil, err
	}
	return svc.InvokeOne(ctx, ic, u, args)
}

func (d *dispatcher) InvokeMany(ctx context.Context, ic *invocation.Context, u *uri.URI, args []any) ([]any, error) {
	svc, err := d.resolve(u)
	if err != nil {
		return nil, err
	}
	return svc.InvokeMany(ctx, ic, u, args)
}

func (d *dispatcher) InvokePage(ctx context.Context, ic *invocation.Context, u *uri.URI, args []any) (*registry.Page, error) {
	svc, err := d.resolve(u)
	if err != nil {
		return nil, err
	}
	return svc.InvokePage(ctx, ic, u, args)
}
