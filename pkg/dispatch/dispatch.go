// Package dispatch implements the invocation dispatcher (spec §4.7): the
// pipeline that parses a URI, starts a performance counter, runs pre-hooks,
// resolves and invokes the handler, runs post-hooks, and finalises the
// counter. It does not finalise the invocation context; the transport layer
// that constructed the context owns its lifetime.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dataspan/gateway/internal/gwerrors"
	"github.com/dataspan/gateway/pkg/hooks"
	"github.com/dataspan/gateway/pkg/invocation"
	"github.com/dataspan/gateway/pkg/perf"
	"github.com/dataspan/gateway/pkg/registry"
	"github.com/dataspan/gateway/pkg/uri"
)

const (
	methodGetConfig  = "get_config"
	methodSaveConfig = "save_config"
)

// Dispatcher wires the protocol registry, namespace registry, hook engine,
// and performance holder into the single call pipeline spec.md §4.7
// describes.
type Dispatcher struct {
	Protocols  *registry.ProtocolRegistry
	Namespaces *registry.NamespaceRegistry
	Hooks      *hooks.Engine
	Perf       *perf.Holder
}

// New returns a dispatcher wired against the given singletons/components.
// Perf may be nil to disable performance accounting entirely (e.g. in
// focused unit tests).
func New(protocols *registry.ProtocolRegistry, namespaces *registry.NamespaceRegistry, hookEngine *hooks.Engine, perfHolder *perf.Holder) *Dispatcher {
	return &Dispatcher{Protocols: protocols, Namespaces: namespaces, Hooks: hookEngine, Perf: perfHolder}
}

func (d *Dispatcher) hookSpecs(u *uri.URI) []registry.MethodHookSpec {
	obj, ok := d.Namespaces.GetObject(u.Namespace, u.Object)
	if !ok || obj.Hooks == nil {
		return nil
	}
	return obj.Hooks[u.Method]
}

// applyDeclaredPermission seeds the data_permission_sql slot (which
// internal/storage/query substitutes for ${DATA_PERMISSION_SQL} and
// internal/storage/object places in its WHERE clause) from the invoking
// object/query descriptor's
// declared Permission predicate, unless something upstream (identity
// middleware, a pre-hook) has already set one. A caller-supplied value
// always wins over the namespace-declared default.
func (d *Dispatcher) applyDeclaredPermission(ic *invocation.Context, u *uri.URI) {
	if _, ok := ic.Get("data_permission_sql"); ok {
		return
	}
	var perm string
	switch u.Scheme {
	case "object":
		if obj, ok := d.Namespaces.GetObject(u.Namespace, u.Object); ok {
			perm = obj.Permission
		}
	case "query":
		if q, ok := d.Namespaces.GetQuery(u.Namespace, u.Object); ok {
			perm = q.Permission
		}
	}
	if perm != "" {
		ic.Insert("data_permission_sql", perm)
	}
}

func (d *Dispatcher) startCounter(ic *invocation.Context, u *uri.URI, remoteAddr string) *perf.Counter {
	if d.Perf == nil || perf.IsReentrant(ic) {
		return nil
	}
	return &perf.Counter{
		FullURL:    u.String(),
		RemoteAddr: remoteAddr,
		Namespace:  u.Namespace,
		Protocol:   u.Scheme,
		Refname:    u.Object,
		Method:     u.Method,
		StartTime:  time.Now(),
	}
}

func (d *Dispatcher) finishCounter(c *perf.Counter, err error) {
	if c == nil {
		return
	}
	if err != nil {
		c.FinalizeError(err)
	} else {
		c.Finalize()
	}
	d.Perf.AddCounter(c)
}

// reservedConfigInvoke handles get_config/save_config (spec §4.3's
// reserved-method shortcut to the namespace registry) and reports whether u
// named one of them.
func (d *Dispatcher) reservedConfigInvoke(u *uri.URI, args []any) (any, bool, error) {
	switch u.Method {
	case methodGetConfig:
		v, err := d.Namespaces.GetConfig(u.Scheme, u.Namespace, u.Object)
		if err != nil {
			return nil, true, gwerrors.NotImplemented(err.Error())
		}
		return v, true, nil
	case methodSaveConfig:
		var value any
		var modelPath string
		if len(args) > 0 {
			value = args[0]
		}
		if len(args) > 1 {
			if s, ok := args[1].(string); ok {
				modelPath = s
			}
		}
		v, err := d.Namespaces.SaveConfig(u.Scheme, u.Namespace, u.Object, value, modelPath)
		if err != nil {
			return nil, true, gwerrors.ConfigError(u.Object, err)
		}
		return v, true, nil
	default:
		return nil, false, nil
	}
}

// InvokeOne runs the full pipeline for a single-result call (spec §4.7
// steps 1-7).
func (d *Dispatcher) InvokeOne(ctx context.Context, ic *invocation.Context, rawURI string, args []any, remoteAddr string) (any, error) {
	u, err := uri.Parse(rawURI)
	if err != nil {
		return nil, gwerrors.BadURI(rawURI, err)
	}

	if v, handled, err := d.reservedConfigInvoke(u, args); handled {
		return v, err
	}

	d.applyDeclaredPermission(ic, u)
	counter := d.startCounter(ic, u, remoteAddr)
	specs := d.hookSpecs(u)

	args, err = d.Hooks.RunPre(ctx, ic, u.Namespace, u.Object, u.Method, specs, args)
	if err != nil {
		d.finishCounter(counter, err)
		return nil, gwerrors.HookError("pre", u.String(), err)
	}

	result, err := d.Protocols.InvokeOne(ctx, ic, u, args)
	if err != nil {
		d.finishCounter(counter, err)
		return nil, wrapHandlerErr(u, err)
	}

	result = d.Hooks.RunPost(ctx, ic, u.Namespace, u.Object, u.Method, specs, result)
	d.finishCounter(counter, nil)
	return result, nil
}

// InvokeMany runs the full pipeline for a multi-result call.
func (d *Dispatcher) InvokeMany(ctx context.Context, ic *invocation.Context, rawURI string, args []any, remoteAddr string) ([]any, error) {
	u, err := uri.Parse(rawURI)
	if err != nil {
		return nil, gwerrors.BadURI(rawURI, err)
	}

	d.applyDeclaredPermission(ic, u)
	counter := d.startCounter(ic, u, remoteAddr)
	specs := d.hookSpecs(u)

	args, err = d.Hooks.RunPre(ctx, ic, u.Namespace, u.Object, u.Method, specs, args)
	if err != nil {
		d.finishCounter(counter, err)
		return nil, gwerrors.HookError("pre", u.String(), err)
	}

	result, err := d.Protocols.InvokeMany(ctx, ic, u, args)
	if err != nil {
		d.finishCounter(counter, err)
		return nil, wrapHandlerErr(u, err)
	}

	out := d.Hooks.RunPost(ctx, ic, u.Namespace, u.Object, u.Method, specs, any(result))
	d.finishCounter(counter, nil)
	if arr, ok := out.([]any); ok {
		return arr, nil
	}
	return result, nil
}

// InvokePage runs the full pipeline for a paged-result call.
func (d *Dispatcher) InvokePage(ctx context.Context, ic *invocation.Context, rawURI string, args []any, remoteAddr string) (*registry.Page, error) {
	u, err := uri.Parse(rawURI)
	if err != nil {
		return nil, gwerrors.BadURI(rawURI, err)
	}

	d.applyDeclaredPermission(ic, u)
	counter := d.startCounter(ic, u, remoteAddr)
	specs := d.hookSpecs(u)

	args, err = d.Hooks.RunPre(ctx, ic, u.Namespace, u.Object, u.Method, specs, args)
	if err != nil {
		d.finishCounter(counter, err)
		return nil, gwerrors.HookError("pre", u.String(), err)
	}

	page, err := d.Protocols.InvokePage(ctx, ic, u, args)
	if err != nil {
		d.finishCounter(counter, err)
		return nil, wrapHandlerErr(u, err)
	}

	out := d.Hooks.RunPost(ctx, ic, u.Namespace, u.Object, u.Method, specs, any(page))
	d.finishCounter(counter, nil)
	if p, ok := out.(*registry.Page); ok {
		return p, nil
	}
	return page, nil
}

// AsPerfForwardFunc adapts InvokeOne to perf.ForwardFunc, letting the
// performance pipeline forward finalised counters through this dispatcher
// without an import cycle between pkg/perf and pkg/dispatch.
func (d *Dispatcher) AsPerfForwardFunc() perf.ForwardFunc {
	return func(ctx context.Context, ic *invocation.Context, uri string, args []any) (any, error) {
		return d.InvokeOne(ctx, ic, uri, args, "")
	}
}

// AsTaskLoggerInvokeFunc adapts InvokeOne to synctask.InvokeOneFunc for the
// same reason as AsPerfForwardFunc.
func (d *Dispatcher) AsTaskLoggerInvokeFunc() func(ctx context.Context, ic *invocation.Context, uri string, args []any) (any, error) {
	return func(ctx context.Context, ic *invocation.Context, uri string, args []any) (any, error) {
		return d.InvokeOne(ctx, ic, uri, args, "")
	}
}

// InvokeDirectQuery routes an ad-hoc query to the "query" scheme handler,
// bypassing the declared query-descriptor machinery (spec §4.3).
func (d *Dispatcher) InvokeDirectQuery(ctx context.Context, ic *invocation.Context, namespace, query string, args []any) ([]any, error) {
	return d.Protocols.InvokeDirectQuery(ctx, ic, namespace, query, args)
}

func wrapHandlerErr(u *uri.URI, err error) error {
	if _, ok := gwerrors.As(err); ok {
		return err
	}
	var nie *registry.ErrNotImplemented
	if errors.As(err, &nie) {
		return gwerrors.NotImplemented(fmt.Sprintf("%s: %v", u.Scheme, err))
	}
	return gwerrors.HandlerError(u.Scheme, err)
}
