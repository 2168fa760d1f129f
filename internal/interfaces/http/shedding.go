package http

import (
	"net/http"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/lynkr/lynkr/internal/infrastructure/config"
)

// heapSampleInterval bounds how often ReadMemStats runs; it stops the world
// briefly, so once a second is plenty.
const heapSampleInterval = time.Second

// loadShedding rejects new work when the heap crosses the configured limit.
// Requests already in flight are unaffected; the client gets a retryable 503.
// The config is re-read on every sample so hot-reloaded limits take effect
// without a restart.
func loadShedding(current func() config.LoadSheddingConfig, logger *zap.Logger) gin.HandlerFunc {
	var lastSample atomic.Int64
	var shedding atomic.Bool

	return func(c *gin.Context) {
		now := time.Now().UnixNano()
		last := lastSample.Load()
		if now-last >= int64(heapSampleInterval) && lastSample.CompareAndSwap(last, now) {
			cfg := current()
			over := false
			if cfg.Enabled && cfg.HeapMB > 0 {
				limit := uint64(cfg.HeapMB) * 1024 * 1024
				var stats runtime.MemStats
				runtime.ReadMemStats(&stats)
				over = stats.HeapAlloc > limit
				if over != shedding.Load() {
					logger.Warn("Load shedding state changed",
						zap.Bool("shedding", over),
						zap.Uint64("heap_bytes", stats.HeapAlloc),
						zap.Uint64("limit_bytes", limit),
					)
				}
			}
			shedding.Store(over)
		}

		if shedding.Load() {
			c.Header("Retry-After", "5")
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
				"type": "error",
				"error": gin.H{
					"type":    "overloaded_error",
					"message": "proxy is over its memory budget, retry shortly",
				},
			})
			return
		}
		c.Next()
	}
}
