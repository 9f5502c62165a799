// Package enrich implements the lookup-or-fetch enrichment contracts used by
// the relay pipeline: avatar URL resolution and text translation. Both keep
// an in-memory cache in front of a bounded external call and fall back
// gracefully, never poisoning the cache with failures.
package enrich

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	goredis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/Jecosine/blivechat/internal/metrics"
)

// DefaultAvatarURL is served whenever a sender's avatar cannot be resolved.
const DefaultAvatarURL = "//static.hdslb.com/images/member/noface.gif"

const (
	avatarAPIURL     = "https://api.bilibili.com/x/space/acc/info"
	avatarFetchLimit = rate.Limit(5) // the platform throttles aggressively
	avatarCacheTTL   = 24 * time.Hour
	avatarRedisTTL   = 24 * time.Hour
	avatarRedisKey   = "avatar:"
	avatarTimeout    = 10 * time.Second
)

var schemeRe = regexp.MustCompile(`^https?:`)

// ProcessAvatarURL normalizes an avatar URL observed on the wire: the scheme
// is stripped so the frontend inherits the page protocol, and the platform's
// resize suffix keeps payloads small.
func ProcessAvatarURL(avatarURL string) string {
	return schemeRe.ReplaceAllString(avatarURL, "") + "@48w_48h"
}

type avatarEntry struct {
	url       string
	expiresAt time.Time
}

// AvatarCache resolves sender uids to avatar URLs: memory, then an optional
// Redis second level, then a rate-limited platform fetch. Concurrent misses
// for the same uid are collapsed through singleflight.
type AvatarCache struct {
	mu      sync.RWMutex
	entries map[int64]avatarEntry

	clock      clockwork.Clock
	rdb        goredis.Cmdable // nil disables the second level
	httpClient *http.Client
	apiURL     string
	limiter    *rate.Limiter
	group      singleflight.Group
}

// NewAvatarCache creates an avatar cache. rdb may be nil (memory-only);
// apiURL overrides the platform endpoint for tests ("" for the default).
func NewAvatarCache(rdb goredis.Cmdable, clock clockwork.Clock, apiURL string) *AvatarCache {
	if apiURL == "" {
		apiURL = avatarAPIURL
	}
	return &AvatarCache{
		entries:    make(map[int64]avatarEntry),
		clock:      clock,
		rdb:        rdb,
		httpClient: &http.Client{Timeout: avatarTimeout},
		apiURL:     apiURL,
		limiter:    rate.NewLimiter(avatarFetchLimit, 1),
	}
}

// GetAvatarURL resolves a uid, falling back to DefaultAvatarURL on any
// failure. It never returns an error; the fallback is part of the contract.
func (c *AvatarCache) GetAvatarURL(ctx context.Context, uid int64) string {
	if avatarURL, ok := c.LookupAvatarURL(ctx, uid); ok {
		return avatarURL
	}
	return DefaultAvatarURL
}

// LookupAvatarURL resolves a uid and reports whether a real avatar was found.
// The false case is not cached, so a transient failure does not stick.
func (c *AvatarCache) LookupAvatarURL(ctx context.Context, uid int64) (string, bool) {
	if uid == 0 {
		return "", false
	}

	if avatarURL, ok := c.memoryGet(uid); ok {
		metrics.AvatarCacheHits.WithLabelValues("memory").Inc()
		return avatarURL, true
	}

	if avatarURL, ok := c.redisGet(ctx, uid); ok {
		metrics.AvatarCacheHits.WithLabelValues("redis").Inc()
		c.memorySet(uid, avatarURL)
		return avatarURL, true
	}

	avatarURL, err, _ := c.group.Do(strconv.FormatInt(uid, 10), func() (any, error) {
		return c.fetch(ctx, uid)
	})
	if err != nil {
		metrics.AvatarFetchFailures.Inc()
		slog.Warn("avatar fetch failed", "uid", uid, "error", err)
		return "", false
	}

	c.Update(uid, avatarURL.(string))
	return avatarURL.(string), true
}

// Update writes through both cache levels unconditionally. Used when an
// avatar URL is observed as a side effect of unrelated processing, e.g. gift
// events carry one for free.
func (c *AvatarCache) Update(uid int64, avatarURL string) {
	c.memorySet(uid, avatarURL)
	if c.rdb != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := c.rdb.Set(ctx, avatarRedisKey+strconv.FormatInt(uid, 10), avatarURL, avatarRedisTTL).Err(); err != nil {
			slog.Warn("avatar redis write failed", "uid", uid, "error", err)
		}
	}
}

// EvictExpired removes expired memory entries and returns the count evicted.
func (c *AvatarCache) EvictExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	evicted := 0
	for uid, entry := range c.entries {
		if now.After(entry.expiresAt) {
			delete(c.entries, uid)
			evicted++
		}
	}
	return evicted
}

// StartEvictionTimer periodically evicts expired entries. Returns a stop
// function.
func (c *AvatarCache) StartEvictionTimer(interval time.Duration) func() {
	ticker := c.clock.NewTicker(interval)
	done := make(chan struct{})

	go func() {
		for {
			select {
			case <-ticker.Chan():
				if evicted := c.EvictExpired(); evicted > 0 {
					slog.Debug("evicted expired avatar cache entries", "count", evicted)
				}
			case <-done:
				ticker.Stop()
				return
			}
		}
	}()

	return func() { close(done) }
}

func (c *AvatarCache) memoryGet(uid int64) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries[uid]
	if !ok || c.clock.Now().After(entry.expiresAt) {
		return "", false
	}
	return entry.url, true
}

func (c *AvatarCache) memorySet(uid int64, avatarURL string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[uid] = avatarEntry{url: avatarURL, expiresAt: c.clock.Now().Add(avatarCacheTTL)}
}

func (c *AvatarCache) redisGet(ctx context.Context, uid int64) (string, bool) {
	if c.rdb == nil {
		return "", false
	}
	avatarURL, err := c.rdb.Get(ctx, avatarRedisKey+strconv.FormatInt(uid, 10)).Result()
	if err != nil {
		if err != goredis.Nil {
			slog.Warn("avatar redis read failed", "uid", uid, "error", err)
		}
		return "", false
	}
	return avatarURL, true
}

func (c *AvatarCache) fetch(ctx context.Context, uid int64) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", err
	}

	reqURL := c.apiURL + "?" + url.Values{"mid": {strconv.FormatInt(uid, 10)}}.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return "", err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("avatar api returned status %d", resp.StatusCode)
	}

	var body struct {
		Code int `json:"code"`
		Data struct {
			Face string `json:"face"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", err
	}
	if body.Code != 0 || body.Data.Face == "" {
		return "", fmt.Errorf("avatar api returned code %d", body.Code)
	}

	return ProcessAvatarURL(body.Data.Face), nil
}
