package httpapi

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dataspan/gateway/pkg/perf"
)

func TestPerfStreamRejectsWithoutAdminRole(t *testing.T) {
	PerfStreamInterval = 10 * time.Millisecond
	s, _ := newTestServer(t)
	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/perf"
	header := make(map[string][]string)
	header["Authorization"] = []string{"Bearer " + signedToken(t, "user-1", []string{"user"})}

	_, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err == nil {
		t.Fatalf("Dial() error = nil, want forbidden")
	}
	if resp != nil && resp.StatusCode != 403 {
		t.Errorf("status = %d, want 403", resp.StatusCode)
	}
}

func TestPerfStreamSendsAggregateDeltas(t *testing.T) {
	PerfStreamInterval = 10 * time.Millisecond
	s, _ := newTestServer(t)
	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	perf.ConsumerWaitInterval = 10 * time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.perf.Run(ctx)

	c := &perf.Counter{FullURL: "object://ns/T#find_one", Namespace: "ns", Protocol: "object", Refname: "T", Method: "find_one", StartTime: time.Now()}
	c.Finalize()
	s.perf.AddCounter(c)

	deadline := time.After(time.Second)
	for {
		if sum, ok := s.perf.GetSummary(c.FullURL); ok && sum.SuccessCount == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("summary for %q never appeared", c.FullURL)
		case <-time.After(5 * time.Millisecond):
		}
	}

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/perf"
	header := make(map[string][]string)
	header["Authorization"] = []string{"Bearer " + signedToken(t, "admin-1", []string{"admin"})}

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(time.Second))
	var delta perfDelta
	if err := conn.ReadJSON(&delta); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	if delta.FullURL != c.FullURL || delta.SuccessCount != 1 {
		t.Errorf("delta = %+v, want full_url=%q success_count=1", delta, c.FullURL)
	}
}
