package enrich

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProcessAvatarURL(t *testing.T) {
	tests := []struct {
		name     string
		in       string
		expected string
	}{
		{"https stripped", "https://i0.hdslb.com/bfs/face/abc.jpg", "//i0.hdslb.com/bfs/face/abc.jpg@48w_48h"},
		{"http stripped", "http://i0.hdslb.com/bfs/face/abc.jpg", "//i0.hdslb.com/bfs/face/abc.jpg@48w_48h"},
		{"already protocol relative", "//i0.hdslb.com/bfs/face/abc.jpg", "//i0.hdslb.com/bfs/face/abc.jpg@48w_48h"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, ProcessAvatarURL(tt.in))
		})
	}
}

func TestAvatarCache_FetchAndCache(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, "123", r.URL.Query().Get("mid"))
		w.Write([]byte(`{"code":0,"data":{"face":"https://i0.hdslb.com/bfs/face/abc.jpg"}}`))
	}))
	defer server.Close()

	cache := NewAvatarCache(nil, clockwork.NewFakeClock(), server.URL)

	url := cache.GetAvatarURL(context.Background(), 123)
	assert.Equal(t, "//i0.hdslb.com/bfs/face/abc.jpg@48w_48h", url)

	// Second lookup is served from memory.
	url = cache.GetAvatarURL(context.Background(), 123)
	assert.Equal(t, "//i0.hdslb.com/bfs/face/abc.jpg@48w_48h", url)
	assert.Equal(t, int32(1), calls.Load())
}

func TestAvatarCache_FallbackOnFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	cache := NewAvatarCache(nil, clockwork.NewFakeClock(), server.URL)

	url := cache.GetAvatarURL(context.Background(), 456)
	assert.Equal(t, DefaultAvatarURL, url)

	_, ok := cache.LookupAvatarURL(context.Background(), 456)
	assert.False(t, ok)
}

// A failed fetch must not stick: the next lookup tries again.
func TestAvatarCache_FailureNotCached(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte(`{"code":0,"data":{"face":"https://i0.hdslb.com/bfs/face/later.jpg"}}`))
	}))
	defer server.Close()

	cache := NewAvatarCache(nil, clockwork.NewFakeClock(), server.URL)

	assert.Equal(t, DefaultAvatarURL, cache.GetAvatarURL(context.Background(), 789))
	assert.Equal(t, "//i0.hdslb.com/bfs/face/later.jpg@48w_48h", cache.GetAvatarURL(context.Background(), 789))
}

func TestAvatarCache_UpdateSideChannel(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("no fetch expected after side-channel update")
	}))
	defer server.Close()

	cache := NewAvatarCache(nil, clockwork.NewFakeClock(), server.URL)
	cache.Update(321, "//i0.hdslb.com/bfs/face/gift.jpg@48w_48h")

	url, ok := cache.LookupAvatarURL(context.Background(), 321)
	require.True(t, ok)
	assert.Equal(t, "//i0.hdslb.com/bfs/face/gift.jpg@48w_48h", url)
}

func TestAvatarCache_TTLExpiry(t *testing.T) {
	clock := clockwork.NewFakeClock()
	cache := NewAvatarCache(nil, clock, "http://unused.invalid")
	cache.Update(1, "//a@48w_48h")

	clock.Advance(avatarCacheTTL + 1)

	_, ok := cache.memoryGet(1)
	assert.False(t, ok)
	assert.Equal(t, 1, cache.EvictExpired())
}

func TestAvatarCache_ZeroUID(t *testing.T) {
	cache := NewAvatarCache(nil, clockwork.NewFakeClock(), "http://unused.invalid")
	assert.Equal(t, DefaultAvatarURL, cache.GetAvatarURL(context.Background(), 0))
}
