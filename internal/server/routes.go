package server

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func (s *Server) registerRoutes() {
	// Observability
	s.echo.GET("/health/live", s.handleLiveness)
	s.echo.GET("/health/ready", s.handleReadiness)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	s.echo.GET("/version", s.handleVersion)

	// Chat websocket
	s.echo.GET("/api/chat", s.handleChat)

	// JSON API
	s.echo.GET("/api/room_info", s.handleRoomInfo)
	s.echo.GET("/api/avatar_url", s.handleAvatarURL)
	s.echo.POST("/api/reply", s.handleReply)

	// Event log
	s.echo.GET("/api/log", s.handleLogList)
	s.echo.GET("/api/log/:lid", s.handleLogDownload)
	s.echo.DELETE("/api/log/:lid", s.handleLogDelete)
}
