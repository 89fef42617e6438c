// Package httpapi exposes this gateway's ambient operational surface:
// liveness, VictoriaMetrics exposition, and a websocket fan-out of parsed
// device events for live dashboards. Grounded on teacher
// internal/http/server.go (gin setup, CORS, release mode) trimmed to this
// surface instead of the teacher's full fleet-management REST API, which
// is the command-producer API spec.md places out of scope.
package httpapi

import (
	"context"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"luna-gateway/internal/bus"
)

// RegistryStats is the slice of registry.Registry this surface reports on.
type RegistryStats interface {
	ActiveCount() int
}

// Server is the ambient HTTP surface: health, metrics, websocket fan-out.
type Server struct {
	router *gin.Engine
	addr   string
	hub    *Hub
	log    *logrus.Entry
}

// New builds the gin router with /healthz, /metrics, /ws wired in.
func New(host string, port int, reg RegistryStats, log *logrus.Entry) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if os.Getenv("LOG_HTTP") == "true" {
		router.Use(gin.Logger())
	}
	router.Use(corsMiddleware())

	hub := NewHub(log)
	go hub.Run()

	s := &Server{
		router: router,
		addr:   host + ":" + strconv.Itoa(port),
		hub:    hub,
		log:    log,
	}

	router.GET("/healthz", s.handleHealthz(reg))
	router.GET("/metrics", s.handleMetrics())
	router.GET("/ws", s.handleWebsocket())

	return s
}

// Hub exposes the websocket fan-out so callers (the bus consumer wired in
// cmd/gateway) can push parsed events without importing gorilla directly.
func (s *Server) Hub() *Hub { return s.hub }

func (s *Server) handleHealthz(reg RegistryStats) gin.HandlerFunc {
	return func(c *gin.Context) {
		active := 0
		if reg != nil {
			active = reg.ActiveCount()
		}
		c.JSON(http.StatusOK, gin.H{
			"status":          "ok",
			"active_sessions": active,
			"time":            time.Now().UTC().Format(time.RFC3339),
		})
	}
}

func (s *Server) handleMetrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Content-Type", "text/plain; version=0.0.4")
		metrics.WritePrometheus(c.Writer, true)
	}
}

func (s *Server) handleWebsocket() gin.HandlerFunc {
	return func(c *gin.Context) {
		s.hub.Serve(c.Writer, c.Request)
	}
}

// Run blocks serving HTTP until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{Addr: s.addr, Handler: s.router}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

// BroadcastEvent forwards a bus event to every connected dashboard client.
func (s *Server) BroadcastEvent(msg bus.EventMessage) {
	s.hub.Broadcast(msg)
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		}
		c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
