package registry

import (
	"context"
	"errors"
	"testing"

	"github.com/dataspan/gateway/pkg/invocation"
	"github.com/dataspan/gateway/pkg/uri"
)

type stubHandler struct {
	one any
}

func (s *stubHandler) InvokeOne(_ context.Context, _ *invocation.Context, _ *uri.URI, _ []any) (any, error) {
	return s.one, nil
}

func (s *stubHandler) InvokeMany(_ context.Context, _ *invocation.Context, _ *uri.URI, _ []any) ([]any, error) {
	return nil, nil
}

func (s *stubHandler) InvokePage(_ context.Context, _ *invocation.Context, _ *uri.URI, _ []any) (*Page, error) {
	return nil, nil
}

func TestRegisterThenInvokeUsesLastRegistered(t *testing.T) {
	r := NewProtocolRegistry()
	r.Register("object", &stubHandler{one: map[string]any{"id": 1}})
	r.Register("object", &stubHandler{one: map[string]any{"id": 2}})

	u, err := uri.Parse("object://ns/T#find_one")
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	got, err := r.InvokeOne(context.Background(), invocation.New(), u, nil)
	if err != nil {
		t.Fatalf("InvokeOne() error = %v", err)
	}
	m, ok := got.(map[string]any)
	if !ok || m["id"] != 2 {
		t.Errorf("InvokeOne() = %v, want the last-registered handler's value", got)
	}
}

func TestInvokeUnknownSchemeIsNotImplemented(t *testing.T) {
	r := NewProtocolRegistry()
	u, err := uri.Parse("ghost://ns/x#find_one")
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	_, err = r.InvokeOne(context.Background(), invocation.New(), u, nil)
	if err == nil {
		t.Fatalf("InvokeOne() error = nil, want not-implemented")
	}
	var nie *ErrNotImplemented
	if !errors.As(err, &nie) {
		t.Errorf("InvokeOne() error = %v, want *ErrNotImplemented", err)
	}
}

func TestReregisterEmitsDebugRecord(t *testing.T) {
	r := NewProtocolRegistry()
	var replaced string
	r.OnReregister(func(scheme string) { replaced = scheme })

	r.Register("redis", &stubHandler{})
	if replaced != "" {
		t.Errorf("OnReregister fired on first registration")
	}
	r.Register("redis", &stubHandler{})
	if replaced != "redis" {
		t.Errorf("OnReregister callback got %q, want redis", replaced)
	}
}
