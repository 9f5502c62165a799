package enrich

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"
	"unicode"

	"github.com/jonboulle/clockwork"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/Jecosine/blivechat/internal/metrics"
)

// ErrNoTranslation signals that a translation could not be produced. Callers
// skip the enrichment push; there is no fallback string.
var ErrNoTranslation = errors.New("no translation available")

const (
	translationCacheTTL = 1 * time.Hour
	translateTimeout    = 10 * time.Second
)

type translationEntry struct {
	translation string
	expiresAt   time.Time
}

// Translator provides the translation half of the enrichment contract: a
// cheap local needs-translation heuristic, a non-blocking cache probe, and a
// bounded external call behind a rate limiter and a circuit breaker.
type Translator struct {
	mu      sync.RWMutex
	entries map[string]translationEntry

	clock      clockwork.Clock
	httpClient *http.Client
	apiURL     string
	targetLang string
	limiter    *rate.Limiter
	breaker    *gobreaker.CircuitBreaker
}

// NewTranslator creates a translator against the given API endpoint.
func NewTranslator(apiURL, targetLang string, maxRPS float64, clock clockwork.Clock) *Translator {
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "translate",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("translate circuit state changed", "from", from.String(), "to", to.String())
		},
	})

	return &Translator{
		entries:    make(map[string]translationEntry),
		clock:      clock,
		httpClient: &http.Client{Timeout: translateTimeout},
		apiURL:     apiURL,
		targetLang: targetLang,
		limiter:    rate.NewLimiter(rate.Limit(maxRPS), 1),
		breaker:    breaker,
	}
}

// NeedsTranslation is the local heuristic deciding whether content is worth
// translating: it must contain Han characters and no kana (text with kana is
// already in the target language). Thresholds are a policy detail, not a
// contract.
func NeedsTranslation(text string) bool {
	han := false
	for _, r := range text {
		if unicode.In(r, unicode.Hiragana, unicode.Katakana) {
			return false
		}
		if unicode.Is(unicode.Han, r) {
			han = true
		}
	}
	return han
}

// GetCached probes the cache without blocking. Used to decide inline versus
// deferred delivery.
func (t *Translator) GetCached(text string) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	entry, ok := t.entries[text]
	if !ok || t.clock.Now().After(entry.expiresAt) {
		return "", false
	}
	metrics.TranslationCacheHits.Inc()
	return entry.translation, true
}

// Translate performs the bounded external call and fills the cache on
// success. Failures return ErrNoTranslation (wrapped) and are never cached.
func (t *Translator) Translate(ctx context.Context, text string) (string, error) {
	if err := t.limiter.Wait(ctx); err != nil {
		metrics.TranslationFailures.Inc()
		return "", fmt.Errorf("%w: %v", ErrNoTranslation, err)
	}

	result, err := t.breaker.Execute(func() (any, error) {
		return t.fetch(ctx, text)
	})
	if err != nil {
		metrics.TranslationFailures.Inc()
		return "", fmt.Errorf("%w: %v", ErrNoTranslation, err)
	}

	translation := result.(string)
	t.Update(text, translation)
	return translation, nil
}

// Update writes a translation into the cache unconditionally.
func (t *Translator) Update(text, translation string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[text] = translationEntry{
		translation: translation,
		expiresAt:   t.clock.Now().Add(translationCacheTTL),
	}
}

// EvictExpired removes expired entries and returns the count evicted.
func (t *Translator) EvictExpired() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clock.Now()
	evicted := 0
	for text, entry := range t.entries {
		if now.After(entry.expiresAt) {
			delete(t.entries, text)
			evicted++
		}
	}
	return evicted
}

// StartEvictionTimer periodically evicts expired entries. Returns a stop
// function.
func (t *Translator) StartEvictionTimer(interval time.Duration) func() {
	ticker := t.clock.NewTicker(interval)
	done := make(chan struct{})

	go func() {
		for {
			select {
			case <-ticker.Chan():
				if evicted := t.EvictExpired(); evicted > 0 {
					slog.Debug("evicted expired translation cache entries", "count", evicted)
				}
			case <-done:
				ticker.Stop()
				return
			}
		}
	}()

	return func() { close(done) }
}

func (t *Translator) fetch(ctx context.Context, text string) (string, error) {
	payload, err := json.Marshal(map[string]string{
		"text":   text,
		"target": t.targetLang,
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.apiURL, bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("translate api returned status %d", resp.StatusCode)
	}

	var body struct {
		Translation string `json:"translation"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", err
	}
	if body.Translation == "" {
		return "", fmt.Errorf("translate api returned empty translation")
	}

	return body.Translation, nil
}
