package blive

import (
	"bytes"
	"compress/zlib"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Jecosine/blivechat/internal/metrics"
)

const (
	danmakuServerURL = "wss://broadcastlv.chat.bilibili.com/sub"

	feedHeartbeatInterval = 30 * time.Second
	dialTimeout           = 10 * time.Second
	writeTimeout          = 10 * time.Second
	reconnectBaseDelay    = 2 * time.Second
	reconnectMaxDelay     = 60 * time.Second

	headerSize = 16

	// Packet operations
	opHeartbeat      = 2
	opHeartbeatReply = 3
	opNotification   = 5
	opJoin           = 7
	opJoinReply      = 8

	// Body encodings
	verPlain      = 0
	verPopularity = 1
	verZlib       = 2
)

// DanmakuClient implements Feed over the platform's framed websocket
// protocol: a join packet after connect, heartbeats every 30 seconds, and
// notification packets whose bodies are JSON commands, batched and
// zlib-compressed on protocol version 2.
type DanmakuClient struct {
	roomID  int64
	handler EventHandler
	url     string
	dialer  *websocket.Dialer

	mu     sync.Mutex
	conn   *websocket.Conn
	cancel context.CancelFunc
	done   chan struct{}
}

// NewDanmakuClient creates the production feed for a room. serverURL
// overrides the danmaku endpoint for tests; pass "" for the default.
func NewDanmakuClient(roomID int64, handler EventHandler, serverURL string) *DanmakuClient {
	if serverURL == "" {
		serverURL = danmakuServerURL
	}
	return &DanmakuClient{
		roomID:  roomID,
		handler: handler,
		url:     serverURL,
		dialer:  &websocket.Dialer{HandshakeTimeout: dialTimeout},
	}
}

// NewFeedFactory returns a FeedFactory producing DanmakuClients against
// serverURL ("" for the platform default).
func NewFeedFactory(serverURL string) FeedFactory {
	return func(roomID int64, handler EventHandler) Feed {
		return NewDanmakuClient(roomID, handler, serverURL)
	}
}

// Start dials the danmaku server and joins the room. The initial connection
// is synchronous so a dead room fails fast; after that the client reconnects
// on its own until Stop.
func (c *DanmakuClient) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)

	conn, err := c.connect(runCtx)
	if err != nil {
		cancel()
		return fmt.Errorf("danmaku feed for room %d: %w", c.roomID, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.cancel = cancel
	c.done = make(chan struct{})
	c.mu.Unlock()

	go c.run(runCtx, conn)
	return nil
}

// Stop disconnects and waits for the run loop to exit. Idempotent.
func (c *DanmakuClient) Stop() {
	c.mu.Lock()
	cancel := c.cancel
	conn := c.conn
	done := c.done
	c.cancel = nil
	c.conn = nil
	c.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	if conn != nil {
		_ = conn.Close()
	}
	if done != nil {
		<-done
	}
}

func (c *DanmakuClient) connect(ctx context.Context) (*websocket.Conn, error) {
	conn, _, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	joinBody, _ := json.Marshal(map[string]any{
		"uid":       0,
		"roomid":    c.roomID,
		"protover":  2,
		"platform":  "web",
		"clientver": "1.4.0",
	})
	if err := writePacket(conn, opJoin, joinBody); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("join room: %w", err)
	}
	return conn, nil
}

func (c *DanmakuClient) run(ctx context.Context, conn *websocket.Conn) {
	defer close(c.done)

	delay := reconnectBaseDelay
	for {
		c.readLoop(ctx, conn)
		_ = conn.Close()

		if ctx.Err() != nil {
			return
		}

		slog.Info("danmaku feed disconnected, reconnecting", "room_id", c.roomID, "delay", delay)
		metrics.FeedReconnectsTotal.Inc()

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		if delay *= 2; delay > reconnectMaxDelay {
			delay = reconnectMaxDelay
		}

		next, err := c.connect(ctx)
		if err != nil {
			slog.Warn("danmaku feed reconnect failed", "room_id", c.roomID, "error", err)
			continue
		}
		delay = reconnectBaseDelay
		conn = next
		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()
	}
}

// readLoop pumps packets from one connection until it breaks, running the
// heartbeat writer alongside it.
func (c *DanmakuClient) readLoop(ctx context.Context, conn *websocket.Conn) {
	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go c.heartbeatLoop(hbCtx, conn)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		c.handleFrame(data)
	}
}

func (c *DanmakuClient) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(feedHeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := writePacket(conn, opHeartbeat, nil); err != nil {
				_ = conn.Close()
				return
			}
		}
	}
}

// handleFrame splits one websocket message into packets; a message may carry
// several back to back.
func (c *DanmakuClient) handleFrame(data []byte) {
	for len(data) >= headerSize {
		totalLen := binary.BigEndian.Uint32(data[0:4])
		if totalLen < headerSize || int(totalLen) > len(data) {
			slog.Warn("danmaku packet with bad length", "room_id", c.roomID, "total_len", totalLen)
			return
		}
		c.handlePacket(data[:totalLen])
		data = data[totalLen:]
	}
}

func (c *DanmakuClient) handlePacket(packet []byte) {
	ver := binary.BigEndian.Uint16(packet[6:8])
	op := binary.BigEndian.Uint32(packet[8:12])
	body := packet[headerSize:]

	switch op {
	case opJoinReply, opHeartbeatReply:
		// join ack and popularity counter, nothing to relay
	case opNotification:
		if ver == verZlib {
			inflated, err := inflate(body)
			if err != nil {
				slog.Warn("danmaku batch inflate failed", "room_id", c.roomID, "error", err)
				return
			}
			c.handleFrame(inflated)
			return
		}
		c.dispatchCommand(body)
	default:
		slog.Debug("danmaku packet with unknown op", "room_id", c.roomID, "op", op)
	}
}

func (c *DanmakuClient) dispatchCommand(body []byte) {
	var probe struct {
		Cmd string `json:"cmd"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		slog.Warn("danmaku command decode failed", "room_id", c.roomID, "error", err)
		return
	}

	if err := decodeCommand(probe.Cmd, body, c.handler); err != nil {
		slog.Warn("danmaku command parse failed", "room_id", c.roomID, "cmd", probe.Cmd, "error", err)
	}
}

func writePacket(conn *websocket.Conn, op uint32, body []byte) error {
	packet := make([]byte, headerSize+len(body))
	binary.BigEndian.PutUint32(packet[0:4], uint32(len(packet)))
	binary.BigEndian.PutUint16(packet[4:6], headerSize)
	binary.BigEndian.PutUint16(packet[6:8], verPopularity)
	binary.BigEndian.PutUint32(packet[8:12], op)
	binary.BigEndian.PutUint32(packet[12:16], 1)
	copy(packet[headerSize:], body)

	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteMessage(websocket.BinaryMessage, packet)
}

func inflate(data []byte) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}
