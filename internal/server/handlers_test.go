package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Jecosine/blivechat/internal/blive"
	"github.com/Jecosine/blivechat/internal/config"
	"github.com/Jecosine/blivechat/internal/enrich"
	blcerrors "github.com/Jecosine/blivechat/internal/errors"
	"github.com/Jecosine/blivechat/internal/relay"
	"github.com/Jecosine/blivechat/internal/storage"
)

// fakeRoomInfo resolves rooms listed in owners; everything else is a miss.
type fakeRoomInfo struct {
	owners map[int64]int64
}

func (f *fakeRoomInfo) GetRoomInfo(ctx context.Context, roomID int64) blive.RoomInfo {
	return blive.RoomInfo{RoomID: roomID, OwnerUID: f.owners[roomID]}
}

type fakeEventLog struct {
	records []storage.LogRecord
	events  [][]byte
	deleted []int64
	healthy bool
}

func (f *fakeEventLog) List(ctx context.Context) ([]storage.LogRecord, error) {
	return f.records, nil
}

func (f *fakeEventLog) Get(ctx context.Context, lid int64) (storage.LogRecord, [][]byte, error) {
	for _, rec := range f.records {
		if rec.LID == lid {
			return rec, f.events, nil
		}
	}
	return storage.LogRecord{}, nil, blcerrors.NotFoundError("log record not found")
}

func (f *fakeEventLog) Delete(ctx context.Context, lid int64) error {
	f.deleted = append(f.deleted, lid)
	return nil
}

func (f *fakeEventLog) HealthCheck(ctx context.Context) error {
	if f.healthy {
		return nil
	}
	return errors.New("connection refused")
}

// nullFeed is an upstream that connects and stays silent.
type nullFeed struct{}

func (nullFeed) Start(ctx context.Context) error { return nil }
func (nullFeed) Stop()                           {}

// idleSub holds a room open and counts deliveries.
type idleSub struct {
	delivered atomic.Int32
}

func (s *idleSub) Enqueue(message []byte) bool { s.delivered.Add(1); return true }
func (s *idleSub) AutoTranslate() bool         { return false }
func (s *idleSub) Kick()                       {}

func newTestServer(t *testing.T, eventLog eventLogStore) (*Server, *relay.Registry) {
	t.Helper()

	cfg := &config.Config{Port: "0"}
	avatars := enrich.NewAvatarCache(nil, clockwork.NewRealClock(), "http://unused.invalid")
	roomInfo := &fakeRoomInfo{owners: map[int64]int64{1000: 9000}}

	registry := relay.NewRegistry(roomInfo,
		func(roomID int64, handler blive.EventHandler) blive.Feed { return nullFeed{} },
		&relay.Pipeline{Avatars: avatars, Config: cfg})
	t.Cleanup(registry.Stop)

	return NewServer(cfg, registry, roomInfo, avatars, eventLog, nil, clockwork.NewRealClock()), registry
}

func doRequest(srv *Server, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	srv.echo.ServeHTTP(rec, req)
	return rec
}

func TestRoomInfo_CacheControlSplit(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	rec := doRequest(srv, httptest.NewRequest(http.MethodGet, "/api/room_info?room_id=1000", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "public, max-age=86400", rec.Header().Get("Cache-Control"))

	var body map[string]int64
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, int64(1000), body["roomId"])
	assert.Equal(t, int64(9000), body["ownerUid"])

	// An unresolvable room still answers 200, but with the short lifetime and
	// the requested id echoed back.
	rec = doRequest(srv, httptest.NewRequest(http.MethodGet, "/api/room_info?room_id=77", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "public, max-age=180", rec.Header().Get("Cache-Control"))
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, int64(77), body["roomId"])
	assert.Equal(t, int64(0), body["ownerUid"])
}

func TestRoomInfo_Validation(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	for _, query := range []string{"", "?room_id=abc", "?room_id=-5"} {
		rec := doRequest(srv, httptest.NewRequest(http.MethodGet, "/api/room_info"+query, nil))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	}
}

func TestAvatarURL_HitAndFallback(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	srv.avatars.Update(42, "//i0.hdslb.com/bfs/face/abc.jpg@48w_48h")

	rec := doRequest(srv, httptest.NewRequest(http.MethodGet, "/api/avatar_url?uid=42", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "public, max-age=86400", rec.Header().Get("Cache-Control"))
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "//i0.hdslb.com/bfs/face/abc.jpg@48w_48h", body["avatarUrl"])

	rec = doRequest(srv, httptest.NewRequest(http.MethodGet, "/api/avatar_url?uid=0", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestReply_RoomNotWatched(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/reply",
		strings.NewReader(`{"roomId":1000,"content":"thanks for watching"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := doRequest(srv, req)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestReply_DeliveredToSubscribers(t *testing.T) {
	srv, registry := newTestServer(t, nil)

	sub := &idleSub{}
	registry.Attach(1000, sub)
	require.Eventually(t, func() bool {
		return registry.Stats() == (relay.Stats{Rooms: 1, Subscribers: 1})
	}, 2*time.Second, 10*time.Millisecond)

	req := httptest.NewRequest(http.MethodPost, "/api/reply",
		strings.NewReader(`{"roomId":1000,"content":"thanks for watching"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := doRequest(srv, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int32(1), sub.delivered.Load())
}

func TestReply_Validation(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	for _, payload := range []string{
		`{"roomId":0,"content":"x"}`,
		`{"roomId":1000,"content":""}`,
		`not json`,
	} {
		req := httptest.NewRequest(http.MethodPost, "/api/reply", strings.NewReader(payload))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
		rec := doRequest(srv, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code, "payload %s", payload)
	}
}

func TestLogEndpoints(t *testing.T) {
	eventLog := &fakeEventLog{
		records: []storage.LogRecord{{LID: 1, Filename: "1000-20240315-200405.log", RoomID: 1000}},
		events:  [][]byte{[]byte(`{"cmd":2,"data":[]}`), []byte(`{"cmd":3,"data":{}}`)},
		healthy: true,
	}
	srv, _ := newTestServer(t, eventLog)

	rec := doRequest(srv, httptest.NewRequest(http.MethodGet, "/api/log", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var listBody struct {
		Records []storage.LogRecord `json:"records"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listBody))
	require.Len(t, listBody.Records, 1)
	assert.Equal(t, int64(1000), listBody.Records[0].RoomID)

	rec = doRequest(srv, httptest.NewRequest(http.MethodGet, "/api/log/1", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "1000-20240315-200405.log")
	assert.Equal(t, "{\"cmd\":2,\"data\":[]}\n{\"cmd\":3,\"data\":{}}\n", rec.Body.String())

	rec = doRequest(srv, httptest.NewRequest(http.MethodGet, "/api/log/99", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doRequest(srv, httptest.NewRequest(http.MethodDelete, "/api/log/1", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []int64{1}, eventLog.deleted)
}

func TestLogEndpoints_DisabledWithoutStorage(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	for _, req := range []*http.Request{
		httptest.NewRequest(http.MethodGet, "/api/log", nil),
		httptest.NewRequest(http.MethodGet, "/api/log/1", nil),
		httptest.NewRequest(http.MethodDelete, "/api/log/1", nil),
	} {
		rec := doRequest(srv, req)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	}
}

func TestHealth(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	rec := doRequest(srv, httptest.NewRequest(http.MethodGet, "/health/live", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	// No backends configured: nothing to check, always ready.
	rec = doRequest(srv, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHealth_UnreachableDatabase(t *testing.T) {
	srv, _ := newTestServer(t, &fakeEventLog{healthy: false})

	rec := doRequest(srv, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "postgres", body["failed_check"])
}

func TestChatEndpoint_Upgrades(t *testing.T) {
	srv, registry := newTestServer(t, nil)

	ts := httptest.NewServer(srv.echo)
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/chat"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage,
		[]byte(`{"cmd":1,"data":{"roomId":1000,"config":{"autoTranslate":false}}}`)))

	require.Eventually(t, func() bool {
		return registry.Stats() == (relay.Stats{Rooms: 1, Subscribers: 1})
	}, 2*time.Second, 10*time.Millisecond)
}
