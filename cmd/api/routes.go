package main

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"compliance-recorder/internal/auth"
	"compliance-recorder/internal/httpapi"
	"compliance-recorder/internal/metrics"
	"compliance-recorder/pkg/logger"
)

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers should delegate to internal modules.
func registerRoutes(r *gin.Engine, a *app, authManager *auth.Manager, m *metrics.Metrics) {
	// public
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/readyz", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
		defer cancel()
		if err := a.ready(ctx); err != nil {
			logger.FromGin(c).Warn("not ready", "err", err)
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})
	r.GET("/metrics", gin.WrapH(m.Handler()))

	// Platform change notifications. Authenticated per item by clientState.
	a.webhook.Register(r, "/notifications")

	h := httpapi.Handlers{
		Auth:          authManager,
		Recordings:    a.orchestrator,
		Subscriptions: a.subscriptions,
		Events:        a.audit,
	}

	r.POST("/v1/auth/refresh", h.Refresh)

	// protected admin API
	v1 := r.Group("/v1")
	v1.Use(auth.RequireAccessToken(authManager))
	httpapi.Register(v1, h)
}
