package server

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/Jecosine/blivechat/internal/version"
)

func (s *Server) handleLiveness(c echo.Context) error {
	stats := s.registry.Stats()
	return c.JSON(http.StatusOK, map[string]any{
		"status":      "ok",
		"uptime":      time.Since(s.startTime).Seconds(),
		"rooms":       stats.Rooms,
		"subscribers": stats.Subscribers,
	})
}

// handleReadiness checks the optional backends. Components that are not
// configured are simply not checked; the relay itself has no dependencies.
func (s *Server) handleReadiness(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	checks := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"postgres", s.checkPostgres},
		{"redis", s.checkRedis},
	}

	for _, check := range checks {
		if err := check.fn(ctx); err != nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]any{
				"status":       "unhealthy",
				"failed_check": check.name,
				"error":        err.Error(),
			})
		}
	}

	return c.JSON(http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) checkPostgres(ctx context.Context) error {
	if s.eventLog == nil {
		return nil
	}
	return s.eventLog.HealthCheck(ctx)
}

func (s *Server) checkRedis(ctx context.Context) error {
	if s.redis == nil {
		return nil
	}
	return s.redis.Ping(ctx).Err()
}

func (s *Server) handleVersion(c echo.Context) error {
	return c.JSON(http.StatusOK, version.Get())
}
