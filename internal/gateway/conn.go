package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"supportchat/internal/model"
)

type Options struct {
	SendBuffer    int
	MaxFrameBytes int64
	PingPeriod    time.Duration
	WriteWait     time.Duration
	// DispatchTimeout bounds how long one inbound frame may wait on the queue.
	DispatchTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.SendBuffer <= 0 {
		o.SendBuffer = 32
	}
	if o.MaxFrameBytes <= 0 {
		o.MaxFrameBytes = 32 << 10
	}
	if o.PingPeriod <= 0 {
		o.PingPeriod = 30 * time.Second
	}
	if o.WriteWait <= 0 {
		o.WriteWait = 10 * time.Second
	}
	if o.DispatchTimeout <= 0 {
		o.DispatchTimeout = 10 * time.Second
	}
	return o
}

func (o Options) pongWait() time.Duration {
	return o.PingPeriod * 10 / 9
}

type frameFunc func(ctx context.Context, binding model.Binding, raw []byte) error

// Conn is one live websocket. The read pump and the write pump are the only
// goroutines touching ws; everyone else talks to the write pump through send.
type Conn struct {
	binding model.Binding
	ws      *websocket.Conn
	opts    Options
	logger  zerolog.Logger

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func newConn(ws *websocket.Conn, binding model.Binding, opts Options, logger zerolog.Logger) *Conn {
	return &Conn{
		binding: binding,
		ws:      ws,
		opts:    opts,
		logger:  logger.With().Str("connection_id", binding.ConnectionID).Str("session_id", binding.SessionID).Logger(),
		send:    make(chan []byte, opts.SendBuffer),
		done:    make(chan struct{}),
	}
}

func (c *Conn) enqueue(payload []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- payload:
		return true
	default:
		return false
	}
}

func (c *Conn) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *Conn) isClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *Conn) readPump(hub *Hub, onFrame frameFunc, reject func(error) string) {
	defer hub.Disconnect(c.binding.ConnectionID)

	c.ws.SetReadLimit(c.opts.MaxFrameBytes)
	_ = c.ws.SetReadDeadline(time.Now().Add(c.opts.pongWait()))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.opts.pongWait()))
	})

	for {
		msgType, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				c.logger.Debug().Err(err).Msg("websocket read failed")
			}
			return
		}
		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), c.opts.DispatchTimeout)
		err = onFrame(ctx, c.binding, raw)
		cancel()
		if err != nil {
			hub.PushTo(c.binding.ConnectionID, errorFrame{Error: reject(err)})
		}
	}
}

func (c *Conn) writePump(hub *Hub) {
	ticker := time.NewTicker(c.opts.PingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
		hub.Disconnect(c.binding.ConnectionID)
	}()

	for {
		select {
		case payload := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, payload); err != nil {
				c.logger.Debug().Err(err).Msg("websocket write failed")
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			_ = c.ws.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(c.opts.WriteWait),
			)
			return
		}
	}
}

type errorFrame struct {
	Error string `json:"error"`
}
