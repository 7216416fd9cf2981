package db

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

// PoolStats represents database connection pool statistics.
type PoolStats struct {
	TotalConns      int32  `json:"total_conns"`
	IdleConns       int32  `json:"idle_conns"`
	AcquiredConns   int32  `json:"acquired_conns"`
	MaxConns        int32  `json:"max_conns"`
	AcquireCount    int64  `json:"acquire_count"`
	AcquireDuration string `json:"acquire_duration"`
	Healthy         bool   `json:"healthy"`
}

// Probe is the part of a pool the health handler needs.
type Probe interface {
	Ping(ctx context.Context) error
	Stats() *PoolStats
}

type poolProbe struct{ pool *pgxpool.Pool }

// NewProbe wraps a pgx pool as a Probe.
func NewProbe(pool *pgxpool.Pool) Probe { return poolProbe{pool: pool} }

func (p poolProbe) Ping(ctx context.Context) error { return p.pool.Ping(ctx) }
func (p poolProbe) Stats() *PoolStats              { return GetPoolStats(p.pool.Stat()) }

// FeedStatus reports whether the change-feed listener currently holds a
// LISTEN connection.
type FeedStatus interface {
	Listening() bool
}

// GetPoolStats returns connection pool statistics.
func GetPoolStats(stat *pgxpool.Stat) *PoolStats {
	return &PoolStats{
		TotalConns:      stat.TotalConns(),
		IdleConns:       stat.IdleConns(),
		AcquiredConns:   stat.AcquiredConns(),
		MaxConns:        stat.MaxConns(),
		AcquireCount:    stat.AcquireCount(),
		AcquireDuration: stat.AcquireDuration().String(),
		Healthy:         stat.TotalConns() > 0,
	}
}

// HealthHandler returns a handler for the database health check endpoint.
// A feed that is not listening degrades the response to 503 because no
// realtime notification can be produced without it.
func HealthHandler(pool Probe, feed FeedStatus) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
		defer cancel()

		err := pool.Ping(ctx)
		stats := pool.Stats()
		listening := feed != nil && feed.Listening()

		if err != nil {
			stats.Healthy = false
			return c.JSON(http.StatusServiceUnavailable, map[string]interface{}{
				"status":    "unhealthy",
				"error":     err.Error(),
				"pool":      stats,
				"listening": listening,
			})
		}
		if !listening {
			return c.JSON(http.StatusServiceUnavailable, map[string]interface{}{
				"status":    "degraded",
				"pool":      stats,
				"listening": false,
			})
		}

		return c.JSON(http.StatusOK, map[string]interface{}{
			"status":    "healthy",
			"pool":      stats,
			"listening": true,
		})
	}
}
