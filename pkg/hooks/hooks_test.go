package hooks

import (
	"context"
	"errors"
	"testing"

	"github.com/dataspan/gateway/pkg/invocation"
	"github.com/dataspan/gateway/pkg/registry"
	"github.com/dataspan/gateway/pkg/script"
)

func echoRegistry() *script.Registry {
	r := script.NewRegistry()
	r.Register(&script.Extension{
		Lang: "stub",
		ScriptOne: func(_ context.Context, _ *invocation.Context, source string, args []any) (any, error) {
			if source == "fail" {
				return nil, errTest
			}
			if source == "replace" {
				return map[string]any{"a": 2}, nil
			}
			if source == "array" {
				return []any{1, 2}, nil
			}
			return args, nil
		},
	})
	return r
}

var errTest = errors.New("boom")

func TestRunPreReplacesArgsWithHookResult(t *testing.T) {
	e := New(echoRegistry())
	ic := invocation.New()

	specs := []registry.MethodHookSpec{
		{Phase: "pre", Language: "stub", Script: "replace"},
	}
	out, err := e.RunPre(context.Background(), ic, "ns", "X", "update", specs, []any{map[string]any{"a": 1}})
	if err != nil {
		t.Fatalf("RunPre() error = %v", err)
	}
	if len(out) != 1 || out[0].(map[string]any)["a"] != 2 {
		t.Errorf("RunPre() = %v, want args replaced with a:2", out)
	}
}

func TestRunPreWrapsScalarReturn(t *testing.T) {
	e := New(echoRegistry())
	ic := invocation.New()
	specs := []registry.MethodHookSpec{{Phase: "pre", Language: "stub", Script: "replace"}}

	out, err := e.RunPre(context.Background(), ic, "ns", "X", "update", specs, nil)
	if err != nil {
		t.Fatalf("RunPre() error = %v", err)
	}
	if len(out) != 1 {
		t.Errorf("RunPre() = %v, want single-element wrapped vector", out)
	}
}

func TestRunPreArrayReturnIsNotDoubleWrapped(t *testing.T) {
	e := New(echoRegistry())
	ic := invocation.New()
	specs := []registry.MethodHookSpec{{Phase: "pre", Language: "stub", Script: "array"}}

	out, err := e.RunPre(context.Background(), ic, "ns", "X", "update", specs, nil)
	if err != nil {
		t.Fatalf("RunPre() error = %v", err)
	}
	if len(out) != 2 {
		t.Errorf("RunPre() = %v, want the 2-element array itself, not wrapped again", out)
	}
}

func TestRunPreFailureMarksContextFailedAndAborts(t *testing.T) {
	e := New(echoRegistry())
	ic := invocation.New()
	specs := []registry.MethodHookSpec{{Phase: "pre", Language: "stub", Script: "fail"}}

	_, err := e.RunPre(context.Background(), ic, "ns", "X", "update", specs, []any{1})
	if err == nil {
		t.Fatalf("RunPre() error = nil, want failure propagated")
	}
	if ic.IsSuccess() {
		t.Errorf("ic.IsSuccess() = true, want false after pre-hook failure")
	}
}

func TestRunPreSkipsUnregisteredLanguage(t *testing.T) {
	e := New(echoRegistry())
	ic := invocation.New()
	specs := []registry.MethodHookSpec{{Phase: "pre", Language: "ruby", Script: "whatever"}}

	out, err := e.RunPre(context.Background(), ic, "ns", "X", "update", specs, []any{"original"})
	if err != nil {
		t.Fatalf("RunPre() error = %v", err)
	}
	if len(out) != 1 || out[0] != "original" {
		t.Errorf("RunPre() = %v, want args unchanged when hook language is unregistered", out)
	}
	if !ic.IsSuccess() {
		t.Errorf("ic.IsSuccess() = false, want true: skipped hook must never block the call")
	}
}

func TestRunPostRunsInReverseDeclarationOrder(t *testing.T) {
	e := New(echoRegistry())
	ic := invocation.New()

	var order []string
	scripts := script.NewRegistry()
	scripts.Register(&script.Extension{
		Lang: "track",
		ScriptOne: func(_ context.Context, _ *invocation.Context, source string, _ []any) (any, error) {
			order = append(order, source)
			return source, nil
		},
	})
	e = New(scripts)

	specs := []registry.MethodHookSpec{
		{Phase: "post", Language: "track", Script: "first"},
		{Phase: "post", Language: "track", Script: "second"},
	}
	result := e.RunPost(context.Background(), ic, "ns", "X", "find_one", specs, "original")

	if len(order) != 2 || order[0] != "second" || order[1] != "first" {
		t.Errorf("post-hook order = %v, want [second, first]", order)
	}
	if result != "first" {
		t.Errorf("RunPost() = %v, want last-executed hook's return value (first)", result)
	}
}

func TestRunPostFailureTaintsContextButKeepsResult(t *testing.T) {
	e := New(echoRegistry())
	ic := invocation.New()
	specs := []registry.MethodHookSpec{{Phase: "post", Language: "stub", Script: "fail"}}

	result := e.RunPost(context.Background(), ic, "ns", "X", "find_one", specs, "kept")
	if result != "kept" {
		t.Errorf("RunPost() = %v, want original result preserved despite hook failure", result)
	}
	if ic.IsSuccess() {
		t.Errorf("ic.IsSuccess() = true, want false: failing post-hook must taint the context")
	}
}
