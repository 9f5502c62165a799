// Package metrics defines the Prometheus collectors for the relay.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Relay metrics
var (
	// ActiveRooms tracks the number of rooms with a live upstream feed
	ActiveRooms = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_active_rooms",
			Help: "Number of rooms with a live upstream feed",
		},
	)

	// ConnectedSessions tracks the number of connected subscriber sessions
	ConnectedSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_connected_sessions",
			Help: "Number of connected subscriber websocket sessions",
		},
	)

	// FanOutMessagesTotal tracks outbound envelopes by command
	FanOutMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_fanout_messages_total",
			Help: "Total outbound envelopes fanned out, by command",
		},
		[]string{"command"},
	)

	// SubscriberWriteFailures tracks fan-out writes that failed because the
	// subscriber socket was already closed or its buffer was full
	SubscriberWriteFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_subscriber_write_failures_total",
			Help: "Total fan-out writes dropped due to closed or slow subscribers",
		},
	)

	// SessionTimeouts tracks sessions reaped by the receive-timeout timer
	SessionTimeouts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_session_timeouts_total",
			Help: "Total sessions closed by the receive-timeout timer",
		},
	)

	// RoomCreateFailures tracks failed room acquisitions
	RoomCreateFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_room_create_failures_total",
			Help: "Total room creations that failed (metadata lookup or feed start)",
		},
	)
)

// Upstream feed metrics
var (
	// FeedEventsTotal tracks decoded upstream events by kind
	FeedEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_feed_events_total",
			Help: "Total decoded upstream events, by kind",
		},
		[]string{"kind"},
	)

	// FeedReconnectsTotal tracks upstream feed reconnect attempts
	FeedReconnectsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_feed_reconnects_total",
			Help: "Total upstream feed reconnect attempts",
		},
	)
)

// Enrichment metrics
var (
	// AvatarCacheHits tracks avatar cache hits by level (memory/redis)
	AvatarCacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_avatar_cache_hits_total",
			Help: "Total avatar cache hits, by cache level",
		},
		[]string{"level"},
	)

	// AvatarFetchFailures tracks failed avatar lookups (fell back to default)
	AvatarFetchFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_avatar_fetch_failures_total",
			Help: "Total avatar fetches that failed and fell back to the default URL",
		},
	)

	// TranslationCacheHits tracks translation cache hits
	TranslationCacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_translation_cache_hits_total",
			Help: "Total translation cache hits",
		},
	)

	// TranslationPushesTotal tracks deferred UPDATE_TRANSLATION pushes
	TranslationPushesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_translation_pushes_total",
			Help: "Total deferred translation pushes fanned out",
		},
	)

	// TranslationFailures tracks translation fetches that were skipped
	TranslationFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_translation_failures_total",
			Help: "Total translation fetches that failed or were rejected by the breaker",
		},
	)
)

// Persistence metrics
var (
	// EventLogWrites tracks event-log appends by status
	EventLogWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_eventlog_writes_total",
			Help: "Total event-log append attempts, by status",
		},
		[]string{"status"},
	)
)
