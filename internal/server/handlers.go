package server

import (
	"encoding/hex"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/Jecosine/blivechat/internal/enrich"
	blcerrors "github.com/Jecosine/blivechat/internal/errors"
	"github.com/Jecosine/blivechat/internal/logging"
	"github.com/Jecosine/blivechat/internal/protocol"
	"github.com/Jecosine/blivechat/internal/relay"
)

// Cache-Control lifetimes for lookup endpoints: successes are effectively
// immutable for a day, fallbacks retry after three minutes.
const (
	cacheControlHit  = "public, max-age=86400"
	cacheControlMiss = "public, max-age=180"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Subscribers embed the chat as an OBS browser source; origin is open.
	CheckOrigin: func(r *http.Request) bool { return true },
}

func (s *Server) handleChat(c echo.Context) error {
	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "error", err)
		return nil
	}

	sess := relay.NewSession(conn, s.registry, s.clock,
		logging.WithRemote(c.Request().RemoteAddr))
	sess.Run()
	return nil
}

func (s *Server) handleRoomInfo(c echo.Context) error {
	roomID, err := parseRoomID(c.QueryParam("room_id"))
	if err != nil {
		return jsonError(c, err)
	}

	info := s.roomInfo.GetRoomInfo(c.Request().Context(), roomID)
	if info.Found() {
		c.Response().Header().Set("Cache-Control", cacheControlHit)
	} else {
		c.Response().Header().Set("Cache-Control", cacheControlMiss)
	}

	return c.JSON(http.StatusOK, map[string]any{
		"roomId":   info.RoomID,
		"ownerUid": info.OwnerUID,
	})
}

func (s *Server) handleAvatarURL(c echo.Context) error {
	uid, err := strconv.ParseInt(c.QueryParam("uid"), 10, 64)
	if err != nil || uid <= 0 {
		return jsonError(c, blcerrors.ValidationError("uid must be a positive integer"))
	}

	avatarURL, ok := s.avatars.LookupAvatarURL(c.Request().Context(), uid)
	if ok {
		c.Response().Header().Set("Cache-Control", cacheControlHit)
	} else {
		avatarURL = enrich.DefaultAvatarURL
		c.Response().Header().Set("Cache-Control", cacheControlMiss)
	}

	return c.JSON(http.StatusOK, map[string]string{"avatarUrl": avatarURL})
}

type replyRequest struct {
	RoomID     int64  `json:"roomId"`
	AuthorName string `json:"authorName"`
	Content    string `json:"content"`
}

// handleReply injects an owner-typed message into a watched room's fan-out,
// so streamers can answer chat from their own tooling.
func (s *Server) handleReply(c echo.Context) error {
	var req replyRequest
	if err := c.Bind(&req); err != nil {
		return jsonError(c, blcerrors.ValidationError("invalid request body"))
	}
	if req.RoomID <= 0 {
		return jsonError(c, blcerrors.ValidationError("roomId must be a positive integer"))
	}
	if req.Content == "" {
		return jsonError(c, blcerrors.ValidationError("content must not be empty"))
	}
	if req.AuthorName == "" {
		req.AuthorName = "主播"
	}

	data := protocol.MakeTextData(
		"", time.Now().Unix(), req.AuthorName, protocol.AuthorOwner,
		req.Content, 0, false, 60, false, true, 0,
		replyMessageID(), "",
	)
	if err := s.registry.Broadcast(req.RoomID, protocol.CmdAddText, data); err != nil {
		return jsonError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "sent"})
}

func parseRoomID(raw string) (int64, error) {
	roomID, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || roomID <= 0 {
		return 0, blcerrors.ValidationError("room_id must be a positive integer")
	}
	return roomID, nil
}

// jsonError renders structured errors with their mapped status.
func jsonError(c echo.Context, err error) error {
	e := blcerrors.AsStructuredError(err)
	return c.JSON(e.HTTPStatus(), e.ToResponse())
}

func replyMessageID() string {
	u := uuid.New()
	return hex.EncodeToString(u[:])
}
