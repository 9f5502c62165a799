package blive

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetRoomInfo_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "123", r.URL.Query().Get("room_id"))
		w.Write([]byte(`{"code":0,"data":{"room_info":{"room_id":21452505,"uid":999}}}`))
	}))
	defer server.Close()

	client := NewRoomInfoClient(server.URL)
	info := client.GetRoomInfo(context.Background(), 123)

	assert.Equal(t, int64(21452505), info.RoomID)
	assert.Equal(t, int64(999), info.OwnerUID)
	assert.True(t, info.Found())
}

func TestGetRoomInfo_PlatformError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"code":60004,"message":"房间不存在"}`))
	}))
	defer server.Close()

	client := NewRoomInfoClient(server.URL)
	info := client.GetRoomInfo(context.Background(), 404404)

	assert.Equal(t, int64(404404), info.RoomID)
	assert.Zero(t, info.OwnerUID)
	assert.False(t, info.Found())
}

func TestGetRoomInfo_HTTPFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	client := NewRoomInfoClient(server.URL)
	info := client.GetRoomInfo(context.Background(), 5050)

	assert.Equal(t, int64(5050), info.RoomID)
	assert.False(t, info.Found())
}

func TestGetRoomInfo_NetworkFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close() // connection refused from here on

	client := NewRoomInfoClient(server.URL)
	info := client.GetRoomInfo(context.Background(), 5050)

	assert.Equal(t, int64(5050), info.RoomID)
	assert.False(t, info.Found())
}
