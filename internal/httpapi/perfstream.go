package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/dataspan/gateway/pkg/perf"
)

// PerfStreamInterval is how often the websocket endpoint polls the
// performance holder for changed aggregates. A package var so tests can
// shrink it.
var PerfStreamInterval = 2 * time.Second

var perfUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type perfDelta struct {
	FullURL      string        `json:"full_url"`
	Namespace    string        `json:"namespace"`
	Protocol     string        `json:"protocol"`
	Refname      string        `json:"refname"`
	Method       string        `json:"method"`
	SuccessCount uint64        `json:"success_count"`
	FailureCount uint64        `json:"failure_count"`
	AvgElapsed   time.Duration `json:"avg_elapsed_ns"`
}

// perfStreamHandler upgrades to a WebSocket and pushes per-URI aggregate
// deltas to admin clients (spec §4.8's aggregate map, read-only view). The
// connection requires the "admin" role.
func (s *Server) perfStreamHandler(c *gin.Context) {
	id, ok := c.Get("identity")
	if !ok {
		c.AbortWithStatus(http.StatusUnauthorized)
		return
	}
	if !hasRole(id, "admin") {
		c.AbortWithStatus(http.StatusForbidden)
		return
	}

	conn, err := perfUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ticker := time.NewTicker(PerfStreamInterval)
	defer ticker.Stop()

	last := make(map[string]perf.Summary)
	for {
		select {
		case <-c.Request.Context().Done():
			return
		case <-ticker.C:
			for _, summary := range s.perf.Summaries() {
				prev, seen := last[summary.FullURL]
				if seen && prev == *summary {
					continue
				}
				last[summary.FullURL] = *summary

				conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
				err := conn.WriteJSON(perfDelta{
					FullURL:      summary.FullURL,
					Namespace:    summary.Namespace,
					Protocol:     summary.Protocol,
					Refname:      summary.Refname,
					Method:       summary.Method,
					SuccessCount: summary.SuccessCount,
					FailureCount: summary.FailureCount,
					AvgElapsed:   summary.AvgElapsed,
				})
				if err != nil {
					return
				}
			}
		}
	}
}

func hasRole(identity any, role string) bool {
	id, ok := identity.(*Identity)
	if !ok {
		return false
	}
	for _, r := range id.Roles {
		if r == role {
			return true
		}
	}
	return false
}
