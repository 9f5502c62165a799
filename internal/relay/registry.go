package relay

import (
	"context"
	"log/slog"
	"time"

	"github.com/Jecosine/blivechat/internal/blive"
	"github.com/Jecosine/blivechat/internal/enrich"
	blcerrors "github.com/Jecosine/blivechat/internal/errors"
	"github.com/Jecosine/blivechat/internal/metrics"
	"github.com/Jecosine/blivechat/internal/protocol"
)

const (
	registryCommandBuffer = 256
	roomCreateTimeout     = 30 * time.Second
)

// translateForbiddenNotice is shown once at join time to subscribers that
// requested translation in a room the allow-list excludes.
const translateForbiddenNotice = "Translation is not allowed in this room. Please download to use translation"

// RoomInfoLookup resolves room metadata before a room is created. The
// production implementation is blive.RoomInfoClient.
type RoomInfoLookup interface {
	GetRoomInfo(ctx context.Context, roomID int64) blive.RoomInfo
}

// Registry owns the room table. A single goroutine serializes every mutation
// of the table and of per-room subscriber lists; all public methods hand
// commands to that goroutine. Creation runs outside the loop so a slow
// upstream never stalls other rooms; subscribers arriving while creation is
// in flight queue on a pending entry and share its outcome.
type Registry struct {
	cmds chan any
	done chan struct{}

	rooms map[int64]*roomEntry

	info     RoomInfoLookup
	feeds    blive.FeedFactory
	pipeline *Pipeline
}

// roomEntry is one slot in the table. room nil means creation is in flight
// and waiters holds the subscribers queued on its outcome.
type roomEntry struct {
	room    *Room
	waiters []Subscriber
}

type attachCmd struct {
	roomID int64
	sub    Subscriber
}

type detachCmd struct {
	roomID int64
	sub    Subscriber
}

type createResultCmd struct {
	roomID int64
	room   *Room
	err    error
}

type broadcastCmd struct {
	room *Room // delivery is dropped if the slot no longer holds this room
	cmd  protocol.Command
	body []byte
	pred func(Subscriber) bool
}

type injectCmd struct {
	roomID int64
	cmd    protocol.Command
	body   []byte
	reply  chan error
}

type statsCmd struct {
	reply chan Stats
}

type stopCmd struct{}

// Stats is a point-in-time snapshot for health reporting and tests.
type Stats struct {
	Rooms       int
	Subscribers int
}

// NewRegistry creates the registry and starts its command loop.
func NewRegistry(info RoomInfoLookup, feeds blive.FeedFactory, pipeline *Pipeline) *Registry {
	reg := &Registry{
		cmds:     make(chan any, registryCommandBuffer),
		done:     make(chan struct{}),
		rooms:    make(map[int64]*roomEntry),
		info:     info,
		feeds:    feeds,
		pipeline: pipeline,
	}
	go reg.run()
	return reg
}

// Attach subscribes sub to roomID, creating the room on first use. On
// creation failure the subscriber is kicked; there is no error return because
// the outcome may arrive long after this call.
func (reg *Registry) Attach(roomID int64, sub Subscriber) {
	reg.send(attachCmd{roomID: roomID, sub: sub})
}

// Detach removes sub from roomID. Unknown pairs are a no-op, so close paths
// may call it unconditionally.
func (reg *Registry) Detach(roomID int64, sub Subscriber) {
	reg.send(detachCmd{roomID: roomID, sub: sub})
}

// Broadcast delivers one externally built envelope to a live room's
// subscribers. It returns ErrRoomUnavailable when the room is not being
// watched.
func (reg *Registry) Broadcast(roomID int64, cmd protocol.Command, data any) error {
	body, err := protocol.Marshal(cmd, data)
	if err != nil {
		return err
	}

	reply := make(chan error, 1)
	reg.send(injectCmd{roomID: roomID, cmd: cmd, body: body, reply: reply})
	select {
	case err := <-reply:
		return err
	case <-reg.done:
		return blcerrors.ErrRoomUnavailable
	}
}

// Stats reports current room and subscriber counts.
func (reg *Registry) Stats() Stats {
	reply := make(chan Stats, 1)
	reg.send(statsCmd{reply: reply})
	select {
	case s := <-reply:
		return s
	case <-reg.done:
		return Stats{}
	}
}

// Stop tears down every room, kicks every subscriber, and ends the command
// loop.
func (reg *Registry) Stop() {
	reg.send(stopCmd{})
	<-reg.done
}

func (reg *Registry) send(cmd any) {
	select {
	case reg.cmds <- cmd:
	case <-reg.done:
	}
}

func (reg *Registry) run() {
	for raw := range reg.cmds {
		switch cmd := raw.(type) {
		case attachCmd:
			reg.handleAttach(cmd)
		case detachCmd:
			reg.handleDetach(cmd)
		case createResultCmd:
			reg.handleCreateResult(cmd)
		case broadcastCmd:
			reg.handleBroadcast(cmd)
		case injectCmd:
			reg.handleInject(cmd)
		case statsCmd:
			cmd.reply <- reg.snapshotStats()
		case stopCmd:
			reg.handleStop()
			return
		}
	}
}

func (reg *Registry) handleAttach(cmd attachCmd) {
	entry, ok := reg.rooms[cmd.roomID]
	if !ok {
		// First subscriber for this room id; create in the background and
		// queue the subscriber on the outcome.
		reg.rooms[cmd.roomID] = &roomEntry{waiters: []Subscriber{cmd.sub}}
		go reg.createRoom(cmd.roomID)
		return
	}

	if entry.room == nil {
		entry.waiters = append(entry.waiters, cmd.sub)
		return
	}

	reg.addSubscriber(entry.room, cmd.sub)
}

func (reg *Registry) handleDetach(cmd detachCmd) {
	entry, ok := reg.rooms[cmd.roomID]
	if !ok {
		return
	}

	if entry.room == nil {
		// Still being created; drop from the waiting list. An empty list is
		// left for handleCreateResult to observe and tear down.
		for i, w := range entry.waiters {
			if w == cmd.sub {
				entry.waiters = append(entry.waiters[:i], entry.waiters[i+1:]...)
				break
			}
		}
		return
	}

	reg.removeSubscriber(entry, cmd.sub)
}

func (reg *Registry) handleCreateResult(cmd createResultCmd) {
	entry, ok := reg.rooms[cmd.roomID]
	if !ok {
		// Table was torn down while creation was in flight.
		if cmd.room != nil {
			cmd.room.stop()
		}
		return
	}

	waiters := entry.waiters
	entry.waiters = nil

	if cmd.err != nil {
		metrics.RoomCreateFailures.Inc()
		slog.Warn("room create failed", "room_id", cmd.roomID, "error", cmd.err)
		delete(reg.rooms, cmd.roomID)
		for _, sub := range waiters {
			sub.Kick()
		}
		return
	}

	if len(waiters) == 0 {
		// Everyone left while we were connecting.
		slog.Info("room created with no remaining subscribers, discarding", "room_id", cmd.roomID)
		cmd.room.stop()
		delete(reg.rooms, cmd.roomID)
		return
	}

	entry.room = cmd.room
	metrics.ActiveRooms.Inc()
	slog.Info("room created", "room_id", cmd.roomID, "subscribers", len(waiters))
	for _, sub := range waiters {
		reg.addSubscriber(cmd.room, sub)
	}
}

func (reg *Registry) handleBroadcast(cmd broadcastCmd) {
	entry, ok := reg.rooms[cmd.room.ID]
	if !ok || entry.room != cmd.room {
		return
	}
	reg.deliver(entry, cmd.cmd, cmd.body, cmd.pred)
}

func (reg *Registry) handleInject(cmd injectCmd) {
	entry, ok := reg.rooms[cmd.roomID]
	if !ok || entry.room == nil {
		cmd.reply <- blcerrors.RoomUnavailableError(cmd.roomID, nil)
		return
	}
	reg.deliver(entry, cmd.cmd, cmd.body, nil)
	cmd.reply <- nil
}

// deliver fans one envelope out to the entry's subscribers. Failed writes
// evict; iteration runs over a snapshot so eviction cannot disturb it.
func (reg *Registry) deliver(entry *roomEntry, cmd protocol.Command, body []byte, pred func(Subscriber) bool) {
	subs := make([]Subscriber, len(entry.room.subscribers))
	copy(subs, entry.room.subscribers)

	for _, sub := range subs {
		if pred != nil && !pred(sub) {
			continue
		}
		if sub.Enqueue(body) {
			metrics.FanOutMessagesTotal.WithLabelValues(cmd.String()).Inc()
			continue
		}
		metrics.SubscriberWriteFailures.Inc()
		slog.Warn("subscriber cannot keep up, evicting", "room_id", entry.room.ID)
		reg.removeSubscriber(entry, sub)
		sub.Kick()
	}
}

func (reg *Registry) addSubscriber(room *Room, sub Subscriber) {
	room.subscribers = append(room.subscribers, sub)
	if sub.AutoTranslate() {
		room.autoTranslateCount.Add(1)
		reg.notifyIfTranslateForbidden(room.ID, sub)
	}
	metrics.ConnectedSessions.Inc()
}

func (reg *Registry) removeSubscriber(entry *roomEntry, sub Subscriber) {
	room := entry.room
	for i, s := range room.subscribers {
		if s != sub {
			continue
		}
		room.subscribers = append(room.subscribers[:i], room.subscribers[i+1:]...)
		if sub.AutoTranslate() && room.autoTranslateCount.Load() > 0 {
			room.autoTranslateCount.Add(-1)
		}
		metrics.ConnectedSessions.Dec()

		if len(room.subscribers) == 0 {
			slog.Info("last subscriber left, tearing down room", "room_id", room.ID)
			room.stop()
			delete(reg.rooms, room.ID)
			metrics.ActiveRooms.Dec()
		}
		return
	}
}

// notifyIfTranslateForbidden tells a single subscriber that its translation
// request will not be honored in this room.
func (reg *Registry) notifyIfTranslateForbidden(roomID int64, sub Subscriber) {
	cfg := reg.pipeline.Config
	if !cfg.EnableTranslate || len(cfg.AllowTranslateRooms) == 0 || cfg.TranslateAllowed(roomID) {
		return
	}

	data := protocol.MakeTextData(
		enrich.DefaultAvatarURL, time.Now().Unix(), "blivechat", protocol.AuthorAdmin,
		translateForbiddenNotice, 0, false, 60, false, true, 0,
		newMessageID(), "",
	)
	body, err := protocol.Marshal(protocol.CmdAddText, data)
	if err != nil {
		return
	}
	sub.Enqueue(body)
}

func (reg *Registry) handleStop() {
	for roomID, entry := range reg.rooms {
		if entry.room != nil {
			entry.room.stop()
			for _, sub := range entry.room.subscribers {
				sub.Kick()
			}
			metrics.ActiveRooms.Dec()
		}
		for _, sub := range entry.waiters {
			sub.Kick()
		}
		delete(reg.rooms, roomID)
	}
	close(reg.done)
}

func (reg *Registry) snapshotStats() Stats {
	s := Stats{Rooms: 0}
	for _, entry := range reg.rooms {
		if entry.room == nil {
			continue
		}
		s.Rooms++
		s.Subscribers += len(entry.room.subscribers)
	}
	return s
}

// createRoom runs outside the command loop: resolve metadata, connect the
// feed, then report back. The result command is the only way the outcome
// reaches the table.
func (reg *Registry) createRoom(roomID int64) {
	ctx, cancel := context.WithTimeout(context.Background(), roomCreateTimeout)
	defer cancel()

	info := reg.info.GetRoomInfo(ctx, roomID)
	if !info.Found() {
		reg.send(createResultCmd{roomID: roomID, err: blcerrors.RoomUnavailableError(roomID, nil)})
		return
	}

	room := newRoom(roomID, info.OwnerUID, reg.pipeline)
	room.broadcast = reg.broadcasterFor(room)

	// The feed connects to the canonical room id, which may differ from the
	// short id subscribers join with.
	feed := reg.feeds(info.RoomID, room)
	if err := feed.Start(ctx); err != nil {
		reg.send(createResultCmd{roomID: roomID, err: blcerrors.RoomUnavailableError(roomID, err)})
		return
	}
	room.feed = feed
	room.start()

	reg.send(createResultCmd{roomID: roomID, room: room})
}

// broadcasterFor builds the delivery callback handed to one room. The send
// races teardown, so it aborts once the room's quit channel closes; a stale
// delivery that still slips through is dropped by handleBroadcast's room
// identity check.
func (reg *Registry) broadcasterFor(room *Room) broadcastFunc {
	return func(cmd protocol.Command, body []byte, pred func(Subscriber) bool) {
		select {
		case reg.cmds <- broadcastCmd{room: room, cmd: cmd, body: body, pred: pred}:
		case <-room.quit:
		case <-reg.done:
		}
	}
}
