package api

import (
	"fmt"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/holonext/scenesync/internal/app"
	"github.com/holonext/scenesync/internal/collab"
	"github.com/holonext/scenesync/internal/handlers"
	"github.com/holonext/scenesync/internal/middleware"
	"github.com/holonext/scenesync/internal/realtime"
)

// NewRouter builds the Gin engine, wires middleware, and registers routes.
func NewRouter(cfg *app.Config, hub *realtime.Hub, manager *collab.Manager) (*gin.Engine, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config must be provided")
	}
	if hub == nil {
		return nil, fmt.Errorf("realtime hub must be provided")
	}
	if manager == nil {
		return nil, fmt.Errorf("session manager must be provided")
	}

	r := gin.New()

	r.Use(middleware.Recovery())
	r.Use(middleware.Logger())
	r.Use(middleware.Metrics())
	r.Use(middleware.SecurityHeaders())
	r.Use(middleware.CORS(cfg.Server.CORS.AllowedOrigin))

	if cfg.Monitoring.Health.Enabled {
		r.GET("/health", handlers.Health())
	}
	if cfg.Monitoring.Prometheus.Enabled {
		endpoint := cfg.Monitoring.Prometheus.Endpoint
		if endpoint == "" {
			endpoint = "/metrics"
		}
		r.GET(endpoint, gin.WrapH(promhttp.Handler()))
	}

	rt := handlers.NewRealtimeHandler(hub)
	r.GET("/ws", rt.Stream)

	sessions := handlers.NewSessionHandler(manager)
	api := r.Group("/api")
	{
		api.GET("/sessions/:id/history", sessions.History)
		api.GET("/sessions/:id/users", sessions.Users)
		api.DELETE("/sessions/:id/history", sessions.ResetHistory)
	}

	r.NoRoute(middleware.NotFoundHandler)

	return r, nil
}
