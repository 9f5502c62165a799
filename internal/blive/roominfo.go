package blive

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

const (
	roomInfoURL     = "https://api.live.bilibili.com/xlive/web-room/v1/index/getInfoByRoom"
	roomInfoTimeout = 10 * time.Second
)

// RoomInfo is the resolved metadata for a room. OwnerUID 0 is the not-found
// sentinel: the room id is echoed back and callers treat the room as
// unavailable.
type RoomInfo struct {
	RoomID   int64 `json:"roomId"`
	OwnerUID int64 `json:"ownerUid"`
}

// RoomInfoClient resolves a short or long room id to its canonical id and
// owner uid via the platform HTTP API.
type RoomInfoClient struct {
	httpClient *http.Client
	baseURL    string
}

// NewRoomInfoClient creates a room metadata client. baseURL overrides the
// platform endpoint for tests; pass "" for the default.
func NewRoomInfoClient(baseURL string) *RoomInfoClient {
	if baseURL == "" {
		baseURL = roomInfoURL
	}
	return &RoomInfoClient{
		httpClient: &http.Client{Timeout: roomInfoTimeout},
		baseURL:    baseURL,
	}
}

// GetRoomInfo returns the canonical room id and owner uid. On any network or
// platform-side error it returns (roomID, 0) rather than an error: the
// not-found sentinel is part of the contract and callers decide how long to
// cache it.
func (c *RoomInfoClient) GetRoomInfo(ctx context.Context, roomID int64) RoomInfo {
	fallback := RoomInfo{RoomID: roomID, OwnerUID: 0}

	reqURL := c.baseURL + "?" + url.Values{"room_id": {strconv.FormatInt(roomID, 10)}}.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		slog.Warn("room info request build failed", "room_id", roomID, "error", err)
		return fallback
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		slog.Warn("room info request failed", "room_id", roomID, "error", err)
		return fallback
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		slog.Warn("room info request failed", "room_id", roomID, "status", resp.StatusCode)
		return fallback
	}

	var body struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Data    struct {
			RoomInfo struct {
				RoomID int64 `json:"room_id"`
				UID    int64 `json:"uid"`
			} `json:"room_info"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		slog.Warn("room info decode failed", "room_id", roomID, "error", err)
		return fallback
	}

	if body.Code != 0 {
		slog.Warn("room info rejected by platform", "room_id", roomID, "code", body.Code, "message", body.Message)
		return fallback
	}

	return RoomInfo{
		RoomID:   body.Data.RoomInfo.RoomID,
		OwnerUID: body.Data.RoomInfo.UID,
	}
}

// Found reports whether the lookup resolved an owner.
func (ri RoomInfo) Found() bool {
	return ri.OwnerUID != 0
}

func (ri RoomInfo) String() string {
	return fmt.Sprintf("room %d (owner %d)", ri.RoomID, ri.OwnerUID)
}
