package db

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

// PoolStats represents source database connection pool statistics.
type PoolStats struct {
	Driver          string `json:"driver"`
	TotalConns      int32  `json:"total_conns"`
	IdleConns       int32  `json:"idle_conns"`
	AcquiredConns   int32  `json:"acquired_conns"`
	MaxConns        int32  `json:"max_conns"`
	AcquireCount    int64  `json:"acquire_count"`
	AcquireDuration string `json:"acquire_duration"`
	Healthy         bool   `json:"healthy"`
}

// SourceHealth is the body of the source database health check.
type SourceHealth struct {
	Status    string     `json:"status"`
	Driver    Driver     `json:"driver"`
	PingMS    float64    `json:"ping_ms"`
	Error     string     `json:"error,omitempty"`
	Pool      *PoolStats `json:"pool"`
	CheckedAt time.Time  `json:"checked_at"`
}

const pingTimeout = 5 * time.Second

// CheckSource pings the source database once.
func CheckSource(ctx context.Context, d DB) SourceHealth {
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	start := time.Now()
	err := d.Ping(ctx)
	h := SourceHealth{
		Status:    "healthy",
		Driver:    d.Driver(),
		PingMS:    float64(time.Since(start).Microseconds()) / 1000,
		Pool:      d.Stats(),
		CheckedAt: time.Now().UTC(),
	}
	h.Pool.Healthy = err == nil
	if err != nil {
		h.Status = "unhealthy"
		h.Error = err.Error()
	}
	return h
}

// HealthHandler serves CheckSource; an unreachable source answers 503 so
// load balancers stop routing exports to this instance.
func HealthHandler(d DB) echo.HandlerFunc {
	return func(c echo.Context) error {
		h := CheckSource(c.Request().Context(), d)
		if h.Error != "" {
			return c.JSON(http.StatusServiceUnavailable, h)
		}
		return c.JSON(http.StatusOK, h)
	}
}
