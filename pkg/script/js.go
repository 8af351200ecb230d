package script

import (
	"context"
	"fmt"

	"github.com/dop251/goja"

	"github.com/dataspan/gateway/pkg/invocation"
)

// RegisterJS installs the goja-backed "js" language into r. Scripts are
// evaluated in a fresh VM per call: a VM is cheap to build and this keeps
// concurrent invocations from ever sharing interpreter state.
func RegisterJS(r *Registry) {
	r.Register(&Extension{
		Lang:       "js",
		FullName:   "JavaScript (goja)",
		ScriptOne:  jsOne,
		FileOne:    jsOne,
		ScriptMany: jsMany,
		FileMany:   jsMany,
		ScriptPage: jsPage,
		FilePage:   jsPage,
	})
}

func newVM(ic *invocation.Context, args []any) *goja.Runtime {
	vm := goja.New()
	vm.Set("args", args)
	if ic != nil {
		vm.Set("contextId", ic.ID())
	}
	return vm
}

func runJS(_ context.Context, ic *invocation.Context, source string, args []any) (goja.Value, error) {
	vm := newVM(ic, args)
	v, err := vm.RunString(source)
	if err != nil {
		return nil, fmt.Errorf("js: %w", err)
	}
	return v, nil
}

func jsOne(ctx context.Context, ic *invocation.Context, source string, args []any) (any, error) {
	v, err := runJS(ctx, ic, source, args)
	if err != nil {
		return nil, err
	}
	return v.Export(), nil
}

func jsMany(ctx context.Context, ic *invocation.Context, source string, args []any) ([]any, error) {
	v, err := runJS(ctx, ic, source, args)
	if err != nil {
		return nil, err
	}
	exported := v.Export()
	items, ok := exported.([]any)
	if !ok {
		return nil, fmt.Errorf("js: expected script to return an array, got %T", exported)
	}
	return items, nil
}

func jsPage(ctx context.Context, ic *invocation.Context, source string, args []any) (*ReturnPageResult, error) {
	v, err := runJS(ctx, ic, source, args)
	if err != nil {
		return nil, err
	}
	m, ok := v.Export().(map[string]any)
	if !ok {
		return nil, fmt.Errorf("js: expected script to return an object with total/page_no/page_size/records")
	}

	page := &ReturnPageResult{}
	if t, ok := m["total"]; ok {
		page.Total = toUint64(t)
	}
	if p, ok := m["page_no"]; ok {
		page.PageNo = toUint64(p)
	}
	if ps, ok := m["page_size"]; ok {
		page.PageSize = toUint64(ps)
	}
	if recs, ok := m["records"].([]any); ok {
		page.Records = recs
	}
	return page, nil
}

func toUint64(v any) uint64 {
	switch n := v.(type) {
	case int64:
		return uint64(n)
	case float64:
		return uint64(n)
	case int:
		return uint64(n)
	default:
		return 0
	}
}
