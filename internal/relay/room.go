// Package relay is the core of the server: the room registry, the per-room
// dispatch and enrichment pipeline, and the per-subscriber session state
// machine.
package relay

import (
	"context"
	"encoding/hex"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/Jecosine/blivechat/internal/blive"
	"github.com/Jecosine/blivechat/internal/config"
	"github.com/Jecosine/blivechat/internal/enrich"
	"github.com/Jecosine/blivechat/internal/metrics"
	"github.com/Jecosine/blivechat/internal/protocol"
)

const (
	// roomEventBuffer bounds undelivered upstream events per room; the feed
	// drops on overflow rather than backpressuring the upstream socket.
	roomEventBuffer = 512

	avatarAwaitTimeout    = 10 * time.Second
	translatePushTimeout  = 15 * time.Second
	eventLogAppendTimeout = 5 * time.Second
)

// Subscriber is one downstream connection as seen by the registry and the
// fan-out path. Session implements it.
type Subscriber interface {
	// Enqueue offers one serialized envelope. It returns false when the
	// subscriber is closed or too slow to keep up; the caller removes it.
	Enqueue(message []byte) bool
	// AutoTranslate reports whether the subscriber opted into translation
	// pushes at join time.
	AutoTranslate() bool
	// Kick closes the subscriber from the server side without blocking the
	// caller.
	Kick()
}

// EventSink is the append-only persistence collaborator. Failures are
// degraded writes, never fatal to the relay path.
type EventSink interface {
	Append(ctx context.Context, roomID int64, body []byte) error
}

// Pipeline bundles the enrichment and persistence collaborators shared by
// every room.
type Pipeline struct {
	Avatars    *enrich.AvatarCache
	Translator *enrich.Translator // nil when translation is disabled
	Config     *config.Config
	EventLog   EventSink // nil when persistence is disabled
}

// broadcastFunc delivers one serialized envelope to a room's subscribers.
// pred nil means every subscriber.
type broadcastFunc func(cmd protocol.Command, body []byte, pred func(Subscriber) bool)

// Room owns one upstream feed and drives the dispatch pipeline for one room
// id. Decoded events are queued by the feed goroutine and consumed
// sequentially by the dispatch goroutine, which preserves per-room FIFO
// delivery; only translation follow-ups leave that order, and only relative
// to other subscribers' streams.
type Room struct {
	ID       int64
	OwnerUID int64

	feed     blive.Feed
	pipeline *Pipeline

	// subscribers is owned by the registry goroutine; nothing else touches it.
	subscribers []Subscriber

	// autoTranslateCount gates translation work; mutated by the registry,
	// read by the dispatch goroutine.
	autoTranslateCount atomic.Int32

	events    chan any
	quit      chan struct{}
	broadcast broadcastFunc
}

func newRoom(roomID, ownerUID int64, pipeline *Pipeline) *Room {
	return &Room{
		ID:       roomID,
		OwnerUID: ownerUID,
		pipeline: pipeline,
		events:   make(chan any, roomEventBuffer),
		quit:     make(chan struct{}),
	}
}

// start launches the dispatch goroutine. Called once the feed is running.
func (r *Room) start() {
	go r.dispatchLoop()
}

// stop shuts the feed and dispatch down. Already-scheduled translation
// pushes are not cancelled; they fail harmlessly once the room is gone.
func (r *Room) stop() {
	if r.feed != nil {
		r.feed.Stop()
	}
	close(r.quit)
}

func (r *Room) dispatchLoop() {
	for {
		select {
		case <-r.quit:
			return
		case ev := <-r.events:
			switch e := ev.(type) {
			case blive.TextEvent:
				r.handleText(e)
			case blive.GiftEvent:
				r.handleGift(e)
			case blive.MembershipEvent:
				r.handleMembership(e)
			case blive.SuperChatEvent:
				r.handleSuperChat(e)
			case blive.SuperChatDeleteEvent:
				r.handleSuperChatDelete(e)
			}
		}
	}
}

// enqueueEvent hands an event from the feed goroutine to the dispatch loop.
// The feed must never block on a slow room, so overflow drops the event.
func (r *Room) enqueueEvent(ev any) {
	select {
	case r.events <- ev:
	default:
		slog.Warn("room event buffer full, dropping event", "room_id", r.ID)
	}
}

// Room implements blive.EventHandler; these run on the feed goroutine.

func (r *Room) OnText(ev blive.TextEvent)             { r.enqueueEvent(ev) }
func (r *Room) OnGift(ev blive.GiftEvent)             { r.enqueueEvent(ev) }
func (r *Room) OnMembership(ev blive.MembershipEvent) { r.enqueueEvent(ev) }
func (r *Room) OnSuperChat(ev blive.SuperChatEvent)   { r.enqueueEvent(ev) }
func (r *Room) OnSuperChatDelete(ev blive.SuperChatDeleteEvent) {
	r.enqueueEvent(ev)
}

func (r *Room) handleText(ev blive.TextEvent) {
	authorType := r.classifyAuthor(ev.UID, ev.Admin, ev.PrivilegeType)

	needTranslate := r.needsTranslation(ev.Content)
	translation := ""
	if needTranslate {
		if cached, ok := r.pipeline.Translator.GetCached(ev.Content); ok {
			translation = cached
			needTranslate = false
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), avatarAwaitTimeout)
	avatarURL := r.pipeline.Avatars.GetAvatarURL(ctx, ev.UID)
	cancel()

	// A medal from another room is not shown.
	medalLevel := 0
	if ev.MedalRoomID == r.ID {
		medalLevel = ev.MedalLevel
	}

	id := newMessageID()
	data := protocol.MakeTextData(
		avatarURL,
		ev.TimestampMilli/1000,
		ev.UName,
		authorType,
		ev.Content,
		ev.PrivilegeType,
		ev.IsGiftDanmaku,
		ev.UserLevel,
		ev.URank < 10000,
		ev.MobileVerified,
		medalLevel,
		id,
		translation,
	)
	r.fanOut(protocol.CmdAddText, data)

	if needTranslate {
		go r.translateAndPush(ev.Content, id)
	}
}

func (r *Room) handleGift(ev blive.GiftEvent) {
	avatarURL := enrich.ProcessAvatarURL(ev.FaceURL)
	r.pipeline.Avatars.Update(ev.UID, avatarURL)

	// Free-currency gifts update the cache silently and are never delivered.
	if ev.CoinType != "gold" {
		return
	}

	r.fanOut(protocol.CmdAddGift, protocol.GiftData{
		ID:         newMessageID(),
		AvatarURL:  avatarURL,
		Timestamp:  ev.Timestamp,
		AuthorName: ev.UName,
		TotalCoin:  ev.TotalCoin,
		GiftName:   ev.GiftName,
		Num:        ev.Num,
	})
}

func (r *Room) handleMembership(ev blive.MembershipEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), avatarAwaitTimeout)
	avatarURL := r.pipeline.Avatars.GetAvatarURL(ctx, ev.UID)
	cancel()

	r.fanOut(protocol.CmdAddMember, protocol.MemberData{
		ID:            newMessageID(),
		AvatarURL:     avatarURL,
		Timestamp:     ev.StartTime,
		AuthorName:    ev.UName,
		PrivilegeType: ev.GuardLevel,
	})
}

func (r *Room) handleSuperChat(ev blive.SuperChatEvent) {
	avatarURL := enrich.ProcessAvatarURL(ev.FaceURL)
	r.pipeline.Avatars.Update(ev.UID, avatarURL)

	needTranslate := r.needsTranslation(ev.Content)
	translation := ""
	if needTranslate {
		if cached, ok := r.pipeline.Translator.GetCached(ev.Content); ok {
			translation = cached
			needTranslate = false
		}
	}

	// The platform id is the message id so a later withdrawal can reference it.
	id := strconv.FormatInt(ev.ID, 10)
	r.fanOut(protocol.CmdAddSuperChat, protocol.SuperChatData{
		ID:          id,
		AvatarURL:   avatarURL,
		Timestamp:   ev.StartTime,
		AuthorName:  ev.UName,
		Price:       ev.Price,
		Content:     ev.Content,
		Translation: translation,
	})

	if needTranslate {
		go r.translateAndPush(ev.Content, id)
	}
}

func (r *Room) handleSuperChatDelete(ev blive.SuperChatDeleteEvent) {
	ids := make([]string, len(ev.IDs))
	for i, id := range ev.IDs {
		ids[i] = strconv.FormatInt(id, 10)
	}
	r.fanOut(protocol.CmdDelSuperChat, protocol.DelSuperChatData{IDs: ids})
}

// classifyAuthor maps sender attributes to the wire author type, first match
// wins: owner > admin > paid member > normal.
func (r *Room) classifyAuthor(uid int64, admin bool, privilegeType int) int {
	switch {
	case uid == r.OwnerUID:
		return protocol.AuthorOwner
	case admin:
		return protocol.AuthorAdmin
	case privilegeType != 0:
		return protocol.AuthorMember
	default:
		return protocol.AuthorNormal
	}
}

// needsTranslation applies the full gate: global flag, room allow-list, at
// least one opted-in subscriber, and the content heuristic.
func (r *Room) needsTranslation(content string) bool {
	return r.pipeline.Translator != nil &&
		r.pipeline.Config.TranslateAllowed(r.ID) &&
		r.autoTranslateCount.Load() > 0 &&
		enrich.NeedsTranslation(content)
}

// fanOut serializes one envelope, hands it to the registry for delivery, and
// appends it to the event log.
func (r *Room) fanOut(cmd protocol.Command, data any) {
	body, err := protocol.Marshal(cmd, data)
	if err != nil {
		slog.Error("envelope marshal failed", "room_id", r.ID, "cmd", cmd.String(), "error", err)
		return
	}
	r.broadcast(cmd, body, nil)
	r.appendLog(body)
}

// translateAndPush runs as an independent task: the hot path never waits on
// the translation API. The push is delivered only to subscribers that
// requested translation and shares the initial message's id.
func (r *Room) translateAndPush(content, id string) {
	ctx, cancel := context.WithTimeout(context.Background(), translatePushTimeout)
	defer cancel()

	translation, err := r.pipeline.Translator.Translate(ctx, content)
	if err != nil {
		slog.Debug("translation skipped", "room_id", r.ID, "error", err)
		return
	}

	body, err := protocol.Marshal(protocol.CmdUpdateTranslation, protocol.MakeTranslationData(id, translation))
	if err != nil {
		slog.Error("translation envelope marshal failed", "room_id", r.ID, "error", err)
		return
	}

	metrics.TranslationPushesTotal.Inc()
	r.broadcast(protocol.CmdUpdateTranslation, body, func(sub Subscriber) bool {
		return sub.AutoTranslate()
	})
}

func (r *Room) appendLog(body []byte) {
	if r.pipeline.EventLog == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), eventLogAppendTimeout)
		defer cancel()
		if err := r.pipeline.EventLog.Append(ctx, r.ID, body); err != nil {
			metrics.EventLogWrites.WithLabelValues("error").Inc()
			slog.Warn("event log append failed", "room_id", r.ID, "error", err)
			return
		}
		metrics.EventLogWrites.WithLabelValues("ok").Inc()
	}()
}

// newMessageID generates the 32-char hex id shared by an initial message and
// its translation follow-up.
func newMessageID() string {
	u := uuid.New()
	return hex.EncodeToString(u[:])
}
