package main

import (
	"context"
	"net/http"
	"time"

	"outreach-platform/internal/httpapi"
	"outreach-platform/internal/telephony"
	"outreach-platform/pkg/utils"

	"github.com/gin-gonic/gin"
)

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers should delegate to internal modules.
func registerRoutes(r *gin.Engine, a *app) {
	// public
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/readyz", func(c *gin.Context) {
		if a.db != nil {
			if err := utils.HealthCheck(c.Request.Context(), a.db, 2*time.Second); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{"status": "postgres unavailable"})
				return
			}
		}
		if a.rdb != nil {
			ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
			defer cancel()
			if err := a.rdb.Ping(ctx).Err(); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{"status": "redis unavailable"})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})

	// Provider webhooks. They only enqueue callback jobs.
	hooks := r.Group("/webhooks/twilio")
	if a.cfg.Twilio.ValidateSignatures {
		hooks.Use(telephony.RequireSignature(a.cfg.Twilio.AuthToken, a.cfg.App.PublicURL))
	}
	a.webhooks.Register(hooks, r.Group("/media"))

	httpapi.Handlers{
		Auth:      a.auth,
		Campaigns: a.campaigns,
		Outbox:    a.outbox,
	}.Mount(r)
}
