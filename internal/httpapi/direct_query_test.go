package httpapi

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/dataspan/gateway/pkg/invocation"
)

type stubDirectQueryHandler struct {
	stubHandler
	rows []any
}

func (s *stubDirectQueryHandler) InvokeDirectQuery(context.Context, *invocation.Context, string, string, []any) ([]any, error) {
	return s.rows, nil
}

func TestDirectQueryDispatchesToQueryHandler(t *testing.T) {
	s, protocols := newTestServer(t)
	protocols.Register("query", &stubDirectQueryHandler{rows: []any{map[string]any{"n": float64(1)}}})

	body := `{"namespace": "ns", "query": "SELECT 1", "args": []}`
	req := httptest.NewRequest(http.MethodPost, "/invoke/direct_query", bytes.NewBufferString(body))
	req.Header.Set("Authorization", "Bearer "+signedToken(t, "user-1", nil))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", rec.Code, rec.Body.String())
	}
}
