// Package httpapi is the gateway's one concrete transport (spec §6): a gin
// router that turns HTTP requests into dispatcher calls, a gorilla/mux
// sub-router plugins attach their own routes to, and a websocket endpoint
// streaming performance aggregates.
package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dataspan/gateway/internal/logging"
	"github.com/dataspan/gateway/pkg/dispatch"
	"github.com/dataspan/gateway/pkg/perf"
)

// Server holds the gin engine plus the collaborators route handlers need.
type Server struct {
	router       *gin.Engine
	pluginRouter *mux.Router
	anonRouter   *mux.Router

	dispatcher *dispatch.Dispatcher
	perf       *perf.Holder
	logger     *logging.Logger

	jwtSecret   []byte
	rateLimiter *rateLimiter
}

// Config bundles the construction-time settings New needs beyond its
// collaborators.
type Config struct {
	JWTSecret []byte

	// RateLimit, when Enabled, mounts a per-identity (falling back to
	// client IP) token-bucket limiter ahead of the authenticated routes.
	RateLimit RateLimitConfig
}

// New builds a Server. pluginRouter and anonRouter are the sub-routers
// passed into plugin.NewSupervisor so plugin-declared HTTP routes land on
// the same listener as the core invoke API (spec §4.5's "optional HTTP
// route registrars").
func New(cfg Config, dispatcher *dispatch.Dispatcher, perfHolder *perf.Holder, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.NewDefault()
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()

	s := &Server{
		router:       router,
		pluginRouter: mux.NewRouter(),
		anonRouter:   mux.NewRouter(),
		dispatcher:   dispatcher,
		perf:         perfHolder,
		logger:       logger,
		jwtSecret:    cfg.JWTSecret,
	}

	if cfg.RateLimit.Enabled {
		s.rateLimiter = newRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst)
		s.rateLimiter.startCleanup(10 * time.Minute)
	}

	router.Use(gin.Recovery())
	router.Use(traceMiddleware())
	router.Use(s.loggingMiddleware())

	router.GET("/health", s.healthHandler)
	if perfHolder != nil {
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}

	authorized := router.Group("/")
	authorized.Use(identityMiddleware(s.jwtSecret))
	if s.rateLimiter != nil {
		authorized.Use(s.rateLimiter.middleware())
	}
	{
		authorized.POST("/invoke/:shape", func(c *gin.Context) {
			s.invokeHandler(c.Param("shape"))(c)
		})
		authorized.POST("/invoke/direct_query", s.directQueryHandler)
		authorized.GET("/ws/perf", s.perfStreamHandler)

		// Authenticated plugin routes (RouterRegistrar, spec §4.5).
		authorized.Any("/plugins/*proxyPath", gin.WrapH(stripPrefix("/plugins", s.pluginRouter)))
	}

	// Anonymous plugin routes (AnonymousRouterRegistrar) stay outside the
	// identity middleware entirely.
	router.Any("/plugins-anon/*proxyPath", gin.WrapH(stripPrefix("/plugins-anon", s.anonRouter)))

	return s
}

// stripPrefix removes prefix from the incoming request path before handing
// it to r, so a plugin registers its routes against the path it actually
// owns ("/kafka/topics") rather than the gin mount point
// ("/plugins/kafka/topics").
func stripPrefix(prefix string, r *mux.Router) http.Handler {
	return http.StripPrefix(prefix, r)
}

// Router exposes the underlying gin engine, e.g. for http.Server.Handler or
// tests driving it with httptest.
func (s *Server) Router() http.Handler {
	return s.router
}

// PluginRouter is the sub-router handed to plugin.NewSupervisor as its
// authenticated router argument; routes registered here sit behind the same
// identity middleware as the core invoke API.
func (s *Server) PluginRouter() *mux.Router {
	return s.pluginRouter
}

// AnonymousPluginRouter is the sub-router handed to plugin.NewSupervisor as
// its anonRouter argument, mounted outside any identity middleware.
func (s *Server) AnonymousPluginRouter() *mux.Router {
	return s.anonRouter
}

// Close releases background resources started by New (currently just the
// rate limiter's stale-bucket sweep), without touching the HTTP listener
// itself — that shutdown is cmd/gateway's to own.
func (s *Server) Close() {
	if s.rateLimiter != nil {
		s.rateLimiter.stopCleanup()
	}
}

func (s *Server) healthHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

const traceIDHeader = "X-Trace-Id"

// traceMiddleware stamps every request with a correlation id (spec-external
// convenience carried over from the teacher's request-tracing convention),
// returned as a response header and threaded into the invocation context by
// injectIdentity's sibling injectTrace.
func traceMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(traceIDHeader)
		if id == "" {
			id = logging.NewTraceID()
		}
		c.Set("trace_id", id)
		c.Writer.Header().Set(traceIDHeader, id)
		c.Next()
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		traceID, _ := c.Get("trace_id")
		s.logger.WithField("method", c.Request.Method).
			WithField("path", c.Request.URL.Path).
			WithField("status", c.Writer.Status()).
			WithField("elapsed", time.Since(start)).
			WithField("trace_id", traceID).
			Debug("request handled")
	}
}
