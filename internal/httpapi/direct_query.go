package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/dataspan/gateway/pkg/invocation"
)

type directQueryRequest struct {
	Namespace string `json:"namespace" binding:"required"`
	Query     string `json:"query" binding:"required"`
	Args      []any  `json:"args"`
}

// directQueryHandler serves the invoke_direct_query shortcut (spec §4.3),
// bypassing the declared QueryDescriptor machinery entirely.
func (s *Server) directQueryHandler(c *gin.Context) {
	var req directQueryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ic := invocation.NewTracked()
	injectIdentity(c, ic)
	injectTrace(c, ic)
	defer func() {
		if err := ic.Finalize(c.Request.Context()); err != nil {
			s.logger.WithField("namespace", req.Namespace).Errorf("finalize invocation: %v", err)
		}
	}()

	result, err := s.dispatcher.InvokeDirectQuery(c.Request.Context(), ic, req.Namespace, req.Query, req.Args)
	if err != nil {
		ic.SetFailed()
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": result})
}
