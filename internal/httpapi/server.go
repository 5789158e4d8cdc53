// Package httpapi serves the broker's small operator-facing HTTP
// surface: a liveness probe and a lightweight metrics snapshot. It runs
// alongside the adapter and client WebSocket listeners on its own port.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/bcon/bcon-server/internal/commandtracker"
	"github.com/bcon/bcon-server/internal/registry"
	"github.com/bcon/bcon-server/internal/router"
)

// Server hosts /healthz and /metrics-lite.
type Server struct {
	addr     string
	registry *registry.Registry
	tracker  *commandtracker.Tracker
	router   *router.Router
	startedAt time.Time
	engine   *gin.Engine
}

// New constructs a Server bound to addr (host:port).
func New(addr string, reg *registry.Registry, tracker *commandtracker.Tracker, rt *router.Router) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{addr: addr, registry: reg, tracker: tracker, router: rt, startedAt: time.Now()}

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.GET("/healthz", s.handleHealthz)
	engine.GET("/metrics-lite", s.handleMetricsLite)
	s.engine = engine
	return s
}

func (s *Server) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":     "ok",
		"uptime_sec": int64(time.Since(s.startedAt).Seconds()),
	})
}

func (s *Server) handleMetricsLite(c *gin.Context) {
	stats := s.tracker.GetStats()
	c.JSON(http.StatusOK, gin.H{
		"adapters":               s.registry.AdapterCount(),
		"clients":                s.registry.ClientCount(),
		"pending_commands":       stats.PendingCount,
		"total_commands_tracked": stats.TotalCommands,
		"messages_routed":        s.router.RoutedCount(),
	})
}

// ListenAndServe binds addr and serves until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{Addr: s.addr, Handler: s.engine}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
