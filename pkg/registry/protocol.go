package registry

import (
	"context"
	"fmt"
	"sync"

	"github.com/dataspan/gateway/pkg/invocation"
	"github.com/dataspan/gateway/pkg/uri"
)

// ProtocolRegistry maps a URI scheme to the handler that serves it. It is a
// process-wide singleton (see ProtocolRegistryInstance) but the type itself
// is unexported-state-safe for unit tests that want an isolated instance.
type ProtocolRegistry struct {
	mu       sync.RWMutex
	handlers map[string]Invocation

	onReregister func(scheme string)
}

// NewProtocolRegistry returns an empty registry. Most callers should use
// ProtocolRegistryInstance instead; this constructor exists for isolated
// tests.
func NewProtocolRegistry() *ProtocolRegistry {
	return &ProtocolRegistry{handlers: make(map[string]Invocation)}
}

var (
	protocolOnce     sync.Once
	protocolInstance *ProtocolRegistry
)

// ProtocolRegistryInstance returns the process-wide protocol registry.
func ProtocolRegistryInstance() *ProtocolRegistry {
	protocolOnce.Do(func() {
		protocolInstance = NewProtocolRegistry()
	})
	return protocolInstance
}

// OnReregister installs a callback invoked whenever Register replaces an
// existing scheme's handler, used by callers that want to emit a debug
// record (spec §4.3: "re-registration ... emits a debug record").
func (r *ProtocolRegistry) OnReregister(fn func(scheme string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onReregister = fn
}

// Register binds scheme to handler, replacing any prior handler for that
// scheme.
func (r *ProtocolRegistry) Register(scheme string, handler Invocation) {
	r.mu.Lock()
	_, existed := r.handlers[scheme]
	r.handlers[scheme] = handler
	cb := r.onReregister
	r.mu.Unlock()

	if existed && cb != nil {
		cb(scheme)
	}
}

// Handler returns the handler registered for scheme, if any.
func (r *ProtocolRegistry) Handler(scheme string) (Invocation, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[scheme]
	return h, ok
}

// ErrNotImplemented is returned when no handler is registered for a scheme.
type ErrNotImplemented struct {
	Scheme string
}

func (e *ErrNotImplemented) Error() string {
	return fmt.Sprintf("not implemented: no handler registered for scheme %q", e.Scheme)
}

// InvokeOne resolves u.Scheme and delegates to the handler's InvokeOne.
func (r *ProtocolRegistry) InvokeOne(ctx context.Context, ic *invocation.Context, u *uri.URI, args []any) (any, error) {
	h, ok := r.Handler(u.Scheme)
	if !ok {
		return nil, &ErrNotImplemented{Scheme: u.Scheme}
	}
	return h.InvokeOne(ctx, ic, u, args)
}

// InvokeMany resolves u.Scheme and delegates to the handler's InvokeMany.
func (r *ProtocolRegistry) InvokeMany(ctx context.Context, ic *invocation.Context, u *uri.URI, args []any) ([]any, error) {
	h, ok := r.Handler(u.Scheme)
	if !ok {
		return nil, &ErrNotImplemented{Scheme: u.Scheme}
	}
	return h.InvokeMany(ctx, ic, u, args)
}

// InvokePage resolves u.Scheme and delegates to the handler's InvokePage.
func (r *ProtocolRegistry) InvokePage(ctx context.Context, ic *invocation.Context, u *uri.URI, args []any) (*Page, error) {
	h, ok := r.Handler(u.Scheme)
	if !ok {
		return nil, &ErrNotImplemented{Scheme: u.Scheme}
	}
	return h.InvokePage(ctx, ic, u, args)
}

// InvokeDirectQuery routes an ad-hoc SQL query to the handler registered for
// scheme "query" (spec §4.3's direct-query shortcut), bypassing the declared
// QueryDescriptor machinery.
func (r *ProtocolRegistry) InvokeDirectQuery(ctx context.Context, ic *invocation.Context, namespace, query string, args []any) ([]any, error) {
	h, ok := r.Handler("query")
	if !ok {
		return nil, fmt.Errorf("direct query only supports the query scheme; no handler registered for %q", "query")
	}
	dq, ok := h.(DirectQueryInvocation)
	if !ok {
		return nil, fmt.Errorf("handler registered for scheme %q does not support direct queries", "query")
	}
	return dq.InvokeDirectQuery(ctx, ic, namespace, query, args)
}
