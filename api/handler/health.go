package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/foragehq/forage/cache"
	"github.com/foragehq/forage/engine"
	"github.com/foragehq/forage/models"
	"github.com/foragehq/forage/render"
)

// Version is reported by the health endpoint.
const Version = "0.1.0"

// Health returns the handler for GET /healthz.
//
// Reports worker, render-pool and cache occupancy. Status degrades
// when renders are queueing behind a full session pool or the worker
// queue is more than 80% full. ctrl is nil when the dynamic path is
// disabled; its stats then read as zero.
func Health(pool *engine.WorkerPool, ctrl *render.Controller, cc *cache.Cache, queueSize int, startTime time.Time) gin.HandlerFunc {
	return func(c *gin.Context) {
		resp := models.HealthResponse{
			Status:  "healthy",
			Uptime:  time.Since(startTime).Round(time.Second).String(),
			Version: Version,
			Workers: pool.Stats(),
		}
		if ctrl != nil {
			resp.Render = ctrl.Stats()
		}
		if cc != nil {
			resp.Cache = cc.Stats()
		}

		if resp.Render.Waiters > 0 {
			resp.Status = "degraded"
		}
		if queueSize > 0 && resp.Workers.Queued > int(float64(queueSize)*0.8) {
			resp.Status = "degraded"
		}

		c.JSON(http.StatusOK, resp)
	}
}
