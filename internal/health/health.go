// Package health exposes the monitor's liveness and counters over HTTP.
// Keep this free of business logic; it only reads monitor.Stats.
package health

import (
	"log/slog"
	"net/http"
	"time"

	"cdrwatch/internal/monitor"
	"cdrwatch/pkg/logger"

	"github.com/gin-gonic/gin"
)

// StatsSource is satisfied by *monitor.Monitor.
type StatsSource interface {
	Stats() monitor.Stats
}

// NewRouter wires /healthz and /status.
//
// /healthz reports "stale" with 503 when no iteration has finished within
// staleAfter, which catches a loop wedged inside a store query or ffmpeg run.
func NewRouter(log *slog.Logger, src StatsSource, staleAfter time.Duration) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))

	r.GET("/healthz", func(c *gin.Context) {
		s := src.Stats()
		if staleAfter > 0 && !s.LastIterationAt.IsZero() && time.Since(s.LastIterationAt) > staleAfter {
			logger.FromGin(c).Warn("monitor loop stale", "last_iteration_at", s.LastIterationAt, "stale_after", staleAfter.String())
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "stale", "last_iteration_at": s.LastIterationAt})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	r.GET("/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, src.Stats())
	})
	return r
}

// NewServer wraps the router with conservative timeouts.
func NewServer(addr string, h http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}
