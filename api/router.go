// Package api wires the HTTP surface: one JSON-RPC endpoint plus a
// health probe, behind optional auth and inbound rate limiting.
package api

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/foragehq/forage/api/handler"
	"github.com/foragehq/forage/api/middleware"
	"github.com/foragehq/forage/batch"
	"github.com/foragehq/forage/cache"
	"github.com/foragehq/forage/config"
	"github.com/foragehq/forage/engine"
	"github.com/foragehq/forage/render"
)

// NewRouter creates a configured Gin engine with all routes and middleware.
//
// Middleware chain:
//
//	Global:  Recovery → Logger
//	RPC:     Auth (if enabled) → RateLimit
//
// The health endpoint is intentionally outside auth so monitoring
// probes always work. ctrl is nil when dynamic rendering is disabled.
func NewRouter(pool *engine.WorkerPool, batches *batch.Manager, ctrl *render.Controller, cc *cache.Cache, cfg *config.Config, startTime time.Time) *gin.Engine {
	gin.SetMode(cfg.Server.Mode)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.Logger())

	// Health — no auth required.
	r.GET("/healthz", handler.Health(pool, ctrl, cc, cfg.Workers.QueueSize, startTime))

	// The RPC endpoint — auth + rate limit.
	protected := r.Group("")
	if cfg.Auth.Enabled {
		protected.Use(middleware.Auth(cfg.Auth.APIKeys))
	}
	protected.Use(middleware.RateLimit(cfg.RateLimit))
	protected.POST("/rpc", handler.RPC(pool, batches))

	return r
}
