// Package registry holds the process-wide protocol and namespace registries:
// the scheme→handler dispatch table and the namespace→descriptor table that
// the reserved get_config/save_config methods reflect over.
package registry

import (
	"context"

	"github.com/dataspan/gateway/pkg/invocation"
	"github.com/dataspan/gateway/pkg/uri"
)

// Page is the result shape for paginated invocations.
type Page struct {
	Total    uint64 `json:"total"`
	PageNo   uint64 `json:"page_no"`
	PageSize uint64 `json:"page_size"`
	Records  []any  `json:"records"`
}

// Invocation is the capability set a protocol handler must implement: the
// three result shapes named in spec §4.3/§6.
type Invocation interface {
	InvokeOne(ctx context.Context, ic *invocation.Context, u *uri.URI, args []any) (any, error)
	InvokeMany(ctx context.Context, ic *invocation.Context, u *uri.URI, args []any) ([]any, error)
	InvokePage(ctx context.Context, ic *invocation.Context, u *uri.URI, args []any) (*Page, error)
}

// DirectQueryInvocation is an optional extension a handler may implement to
// serve the invoke_direct_query shortcut (spec §4.3). Only the handler
// registered for scheme "query" is expected to implement this.
type DirectQueryInvocation interface {
	InvokeDirectQuery(ctx context.Context, ic *invocation.Context, namespace, query string, args []any) ([]any, error)
}

// PluginService is the capability set a plugin-backed handler exposes beyond
// the three Invocation methods: the reflective config surface, metadata for
// openAPI/permission export, and permission checks (spec §4.5).
type PluginService interface {
	Invocation
	GetConfig() (any, error)
	ParseConfig(value any) error
	SaveConfig(cfg *PluginConfig) error
	GetMetadata() []MethodDescription
	HasPermission(u *uri.URI, identity any, roles []string, bypass bool) bool
}

// MethodDescription documents one invocable method exposed by a plugin
// service, used for openAPI export and permission checks (spec §4.5).
type MethodDescription struct {
	URI         string `json:"uri"`
	MethodName  string `json:"method_name"`
	ParamShape  string `json:"param_shape"`
	ResultShape string `json:"result_shape"`
}
