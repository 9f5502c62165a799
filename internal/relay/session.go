package relay

import (
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"

	"github.com/Jecosine/blivechat/internal/metrics"
	"github.com/Jecosine/blivechat/internal/protocol"
)

const (
	// HeartbeatInterval is the cadence of server heartbeats to each session.
	HeartbeatInterval = 10 * time.Second
	// ReceiveTimeout closes a session that stays silent past one heartbeat
	// interval plus grace.
	ReceiveTimeout = HeartbeatInterval + 5*time.Second

	sessionSendBuffer = 64
	sessionWriteWait  = 5 * time.Second
)

// heartbeatFrame is identical for every session, so it is built once.
var heartbeatFrame = mustMarshal(protocol.CmdHeartbeat, struct{}{})

func mustMarshal(cmd protocol.Command, data any) []byte {
	body, err := protocol.Marshal(cmd, data)
	if err != nil {
		panic(err)
	}
	return body
}

// Session states. Transitions only move forward: connected, then joined, then
// closed (joined may be skipped).
const (
	stateConnected int32 = iota
	stateJoined
	stateClosed
)

// Session is one downstream websocket connection. The read loop runs on the
// caller's goroutine (Run); a single writer goroutine owns the connection's
// write side and the two clocks, so writes never interleave.
type Session struct {
	conn     *websocket.Conn
	registry *Registry
	clock    clockwork.Clock
	log      *slog.Logger

	state         atomic.Int32
	roomID        atomic.Int64
	autoTranslate atomic.Bool

	send      chan []byte
	refresh   chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// NewSession wraps an accepted websocket connection and starts its writer.
// The caller must call Run to pump the read side.
func NewSession(conn *websocket.Conn, registry *Registry, clock clockwork.Clock, log *slog.Logger) *Session {
	s := &Session{
		conn:     conn,
		registry: registry,
		clock:    clock,
		log:      log,
		send:     make(chan []byte, sessionSendBuffer),
		refresh:  make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	go s.writeLoop()
	return s
}

// Run pumps inbound frames until the connection drops or the session is
// closed. It always leaves the session fully closed.
func (s *Session) Run() {
	defer s.Close()
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if s.state.Load() != stateClosed && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Debug("session read ended", "error", err)
			}
			return
		}
		s.handleFrame(data)
	}
}

// handleFrame processes one inbound frame. Malformed frames are logged and
// dropped; the session stays open and the frame still counts as liveness.
func (s *Session) handleFrame(data []byte) {
	// Any inbound traffic proves liveness, but only once joined; a client
	// that never joins is reaped at the original deadline.
	if s.state.Load() == stateJoined {
		s.refreshTimeout()
	}

	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		s.log.Warn("malformed frame", "error", err)
		return
	}

	switch env.Cmd {
	case protocol.CmdHeartbeat:
		// Liveness only; no payload, no reply.
	case protocol.CmdJoinRoom:
		s.handleJoin(env.Data)
	default:
		s.log.Warn("unexpected inbound command", "cmd", env.Cmd.String())
	}
}

func (s *Session) handleJoin(raw json.RawMessage) {
	var join protocol.JoinRoomData
	if err := json.Unmarshal(raw, &join); err != nil || join.RoomID <= 0 {
		s.log.Warn("malformed join request", "error", err)
		return
	}

	// Joining twice is ignored.
	if !s.state.CompareAndSwap(stateConnected, stateJoined) {
		return
	}

	s.roomID.Store(join.RoomID)
	if join.Config != nil {
		s.autoTranslate.Store(join.Config.AutoTranslate)
	}
	s.refreshTimeout()

	s.log.Info("session joined room", "room_id", join.RoomID, "auto_translate", s.autoTranslate.Load())
	s.registry.Attach(join.RoomID, s)

	// Close can land between the state swap and the attach, in which case
	// its detach ran before we were registered. Re-check so a closed
	// session never stays attached.
	if s.state.Load() == stateClosed {
		s.registry.Detach(join.RoomID, s)
	}
}

// refreshTimeout pushes the receive deadline forward. Coalesced; the writer
// applies it.
func (s *Session) refreshTimeout() {
	select {
	case s.refresh <- struct{}{}:
	default:
	}
}

// writeLoop owns the write side: queued envelopes, heartbeats, and the
// receive-timeout clock.
func (s *Session) writeLoop() {
	heartbeat := s.clock.NewTicker(HeartbeatInterval)
	defer heartbeat.Stop()
	timeout := s.clock.NewTimer(ReceiveTimeout)
	defer timeout.Stop()

	for {
		select {
		case msg := <-s.send:
			if !s.write(msg) {
				go s.Close()
				return
			}
		case <-heartbeat.Chan():
			if !s.write(heartbeatFrame) {
				go s.Close()
				return
			}
		case <-s.refresh:
			timeout.Reset(ReceiveTimeout)
		case <-timeout.Chan():
			metrics.SessionTimeouts.Inc()
			s.log.Info("session receive timeout, closing")
			go s.Close()
			return
		case <-s.done:
			return
		}
	}
}

func (s *Session) write(msg []byte) bool {
	s.conn.SetWriteDeadline(time.Now().Add(sessionWriteWait))
	if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
		s.log.Debug("session write failed", "error", err)
		return false
	}
	return true
}

// Enqueue implements Subscriber. It never blocks: a full buffer means the
// client cannot keep up and the registry will evict it.
func (s *Session) Enqueue(message []byte) bool {
	if s.state.Load() == stateClosed {
		return false
	}
	select {
	case s.send <- message:
		return true
	default:
		return false
	}
}

// AutoTranslate implements Subscriber.
func (s *Session) AutoTranslate() bool {
	return s.autoTranslate.Load()
}

// Kick implements Subscriber. It is called from the registry goroutine, which
// must never block on a session.
func (s *Session) Kick() {
	go s.Close()
}

// Close tears the session down: detaches from its room if joined, stops the
// writer, and closes the connection. Idempotent; every close path funnels
// here.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		prev := s.state.Swap(stateClosed)
		close(s.done)
		s.conn.Close()
		if prev == stateJoined {
			s.registry.Detach(s.roomID.Load(), s)
		}
	})
}
