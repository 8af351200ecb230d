// Package hooks implements the hook engine (spec §4.6): ordered pre/post
// scripts attached to a (namespace, object, method) triple that can mutate
// the pending argument vector or the call result.
package hooks

import (
	"context"
	"fmt"

	"github.com/dataspan/gateway/pkg/invocation"
	"github.com/dataspan/gateway/pkg/registry"
	"github.com/dataspan/gateway/pkg/script"
)

// Warnf is called whenever a hook is skipped because its language is
// unregistered. Tests and the logging adapter may replace it.
var Warnf = func(format string, args ...any) {}

// Engine runs the pre/post hook pipeline for a dispatch, resolving each
// hook's language through a script.Registry.
type Engine struct {
	scripts *script.Registry
}

// New returns an engine backed by scripts. Pass script.Instance() to share
// the process-wide language-extension registry.
func New(scripts *script.Registry) *Engine {
	return &Engine{scripts: scripts}
}

// RunPre runs every pre-hook for (ns, object, method) in declaration order,
// threading the args vector through each in turn. A hook that errors marks
// ic failed and aborts immediately (spec §4.6 step 2 / §7's Hook-Error).
func (e *Engine) RunPre(ctx context.Context, ic *invocation.Context, ns, object, method string, specs []registry.MethodHookSpec, args []any) ([]any, error) {
	for _, spec := range specs {
		if spec.Phase != "pre" {
			continue
		}
		out, skipped, err := e.run(ctx, ic, spec, args)
		if err != nil {
			ic.SetFailed()
			return nil, fmt.Errorf("pre-hook for %s/%s#%s: %w", ns, object, method, err)
		}
		if skipped {
			continue
		}
		args = wrapScalar(out)
	}
	return args, nil
}

// RunPost runs every post-hook for (ns, object, method) in REVERSE
// declaration order (spec §3, §4.6 step 4), threading result through each.
// A hook error taints the context but the last good result is still
// returned (spec's deliberate asymmetry).
func (e *Engine) RunPost(ctx context.Context, ic *invocation.Context, ns, object, method string, specs []registry.MethodHookSpec, result any) any {
	posts := make([]registry.MethodHookSpec, 0, len(specs))
	for _, spec := range specs {
		if spec.Phase == "post" {
			posts = append(posts, spec)
		}
	}
	for i := len(posts) - 1; i >= 0; i-- {
		out, skipped, err := e.run(ctx, ic, posts[i], []any{result})
		if err != nil {
			ic.SetFailed()
			Warnf("post-hook for %s/%s#%s failed: %v", ns, object, method, err)
			continue
		}
		if skipped {
			continue
		}
		result = out
	}
	return result
}

// run evaluates one hook spec against args, returning (value, skipped, err).
// skipped is true when the hook's language is unregistered: the call must
// proceed as if the hook did not exist (spec §4.6 step 1).
func (e *Engine) run(ctx context.Context, ic *invocation.Context, spec registry.MethodHookSpec, args []any) (any, bool, error) {
	form := script.FormScript
	source := spec.Script
	if source == "" {
		form = script.FormFile
		source = spec.File
	}

	val, err := e.scripts.EvalOne(ctx, ic, spec.Language, source, form, args)
	if err != nil {
		var nie *script.ErrNotImplemented
		if asErrNotImplemented(err, &nie) {
			Warnf("hook language %q is not registered, skipping hook", spec.Language)
			return nil, true, nil
		}
		return nil, false, err
	}
	return val, false, nil
}

func asErrNotImplemented(err error, target **script.ErrNotImplemented) bool {
	nie, ok := err.(*script.ErrNotImplemented)
	if !ok {
		return false
	}
	*target = nie
	return true
}

// wrapScalar implements the pinned Open Question: a pre-hook return value
// that isn't already a slice is wrapped into a single-element args vector.
func wrapScalar(v any) []any {
	if arr, ok := v.([]any); ok {
		return arr
	}
	return []any{v}
}
