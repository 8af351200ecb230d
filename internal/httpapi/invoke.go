package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/dataspan/gateway/internal/gwerrors"
	"github.com/dataspan/gateway/pkg/invocation"
)

type invokeRequest struct {
	URI  string `json:"uri" binding:"required"`
	Args []any  `json:"args"`
}

// invokeHandler realizes spec.md §2's "control flow of a typical call": it
// builds a tracked invocation context (identity injected from the JWT
// middleware), dispatches through the shared pipeline, and finalises the
// context on the way out regardless of outcome.
func (s *Server) invokeHandler(shape string) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req invokeRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		ic := invocation.NewTracked()
		injectIdentity(c, ic)
		injectTrace(c, ic)
		defer func() {
			if err := ic.Finalize(c.Request.Context()); err != nil {
				s.logger.WithField("uri", req.URI).Errorf("finalize invocation: %v", err)
			}
		}()

		remoteAddr := c.ClientIP()

		switch shape {
		case "one":
			result, err := s.dispatcher.InvokeOne(c.Request.Context(), ic, req.URI, req.Args, remoteAddr)
			if err != nil {
				ic.SetFailed()
				writeError(c, err)
				return
			}
			c.JSON(http.StatusOK, gin.H{"result": result})
		case "many":
			result, err := s.dispatcher.InvokeMany(c.Request.Context(), ic, req.URI, req.Args, remoteAddr)
			if err != nil {
				ic.SetFailed()
				writeError(c, err)
				return
			}
			c.JSON(http.StatusOK, gin.H{"result": result})
		case "page":
			page, err := s.dispatcher.InvokePage(c.Request.Context(), ic, req.URI, req.Args, remoteAddr)
			if err != nil {
				ic.SetFailed()
				writeError(c, err)
				return
			}
			c.JSON(http.StatusOK, page)
		default:
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown invocation shape"})
		}
	}
}

func writeError(c *gin.Context, err error) {
	status := gwerrors.HTTPStatus(err)
	body := gin.H{"error": err.Error()}
	if ge, ok := gwerrors.As(err); ok {
		body["code"] = ge.Code
		if len(ge.Details) > 0 {
			body["details"] = ge.Details
		}
	}
	c.JSON(status, body)
}
