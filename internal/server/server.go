// Package server is the HTTP surface: the chat websocket endpoint, the small
// JSON API around room metadata, avatars, logs and replies, and the
// observability endpoints.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	goredis "github.com/redis/go-redis/v9"

	"github.com/Jecosine/blivechat/internal/blive"
	"github.com/Jecosine/blivechat/internal/config"
	"github.com/Jecosine/blivechat/internal/enrich"
	"github.com/Jecosine/blivechat/internal/relay"
	"github.com/Jecosine/blivechat/internal/storage"
)

// roomInfoLookup resolves room metadata for the room-info endpoint.
type roomInfoLookup interface {
	GetRoomInfo(ctx context.Context, roomID int64) blive.RoomInfo
}

// eventLogStore is the slice of the storage repository the log endpoints use.
type eventLogStore interface {
	List(ctx context.Context) ([]storage.LogRecord, error)
	Get(ctx context.Context, lid int64) (storage.LogRecord, [][]byte, error)
	Delete(ctx context.Context, lid int64) error
	HealthCheck(ctx context.Context) error
}

type Server struct {
	echo      *echo.Echo
	config    *config.Config
	registry  *relay.Registry
	roomInfo  roomInfoLookup
	avatars   *enrich.AvatarCache
	eventLog  eventLogStore   // nil when persistence is disabled
	redis     goredis.Cmdable // nil when the avatar L2 is disabled
	clock     clockwork.Clock
	startTime time.Time
}

func NewServer(cfg *config.Config, registry *relay.Registry, roomInfo roomInfoLookup,
	avatars *enrich.AvatarCache, eventLog eventLogStore, redis goredis.Cmdable,
	clock clockwork.Clock) *Server {

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Logger())
	e.Use(middleware.Recover())

	srv := &Server{
		echo:      e,
		config:    cfg,
		registry:  registry,
		roomInfo:  roomInfo,
		avatars:   avatars,
		eventLog:  eventLog,
		redis:     redis,
		clock:     clock,
		startTime: time.Now(),
	}
	srv.registerRoutes()
	return srv
}

func (s *Server) Start() error {
	slog.Info("starting server", "port", s.config.Port)
	return s.echo.Start(fmt.Sprintf(":%s", s.config.Port))
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}
