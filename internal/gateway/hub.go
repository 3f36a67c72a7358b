// Package gateway terminates client websocket connections, keeps the
// per-instance table of which connection serves which session, and exposes
// the push API the processor uses to deliver replies.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"hash/fnv"
	"sync"

	"github.com/rs/zerolog"

	"supportchat/internal/model"
)

var ErrHubClosed = errors.New("gateway hub closed")

type PushResult int

const (
	Delivered PushResult = iota
	ConnectionGone
)

func (r PushResult) String() string {
	if r == Delivered {
		return "delivered"
	}
	return "connection_gone"
}

// Observer is told when a session gains its first or loses its last
// connection on this instance. Calls for one session never overlap and the
// last call always matches the hub's current state.
type Observer interface {
	SessionBound(ctx context.Context, sessionID string)
	SessionUnbound(ctx context.Context, sessionID string)
}

const notifyStripes = 32

type Hub struct {
	logger zerolog.Logger

	mu        sync.RWMutex
	conns     map[string]*Conn
	sessions  map[string]map[string]*Conn
	observers []Observer
	closed    bool

	notifyMu [notifyStripes]sync.Mutex
}

func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		logger:   logger.With().Str("component", "hub").Logger(),
		conns:    make(map[string]*Conn),
		sessions: make(map[string]map[string]*Conn),
	}
}

// AddObserver must be called before connections are accepted.
func (h *Hub) AddObserver(o Observer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.observers = append(h.observers, o)
}

func (h *Hub) register(c *Conn) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return ErrHubClosed
	}
	sessionID := c.binding.SessionID
	h.conns[c.binding.ConnectionID] = c
	bySession, ok := h.sessions[sessionID]
	if !ok {
		bySession = make(map[string]*Conn)
		h.sessions[sessionID] = bySession
	}
	bySession[c.binding.ConnectionID] = c
	first := len(bySession) == 1
	h.mu.Unlock()

	h.logger.Debug().
		Str("connection_id", c.binding.ConnectionID).
		Str("session_id", sessionID).
		Str("user_id", c.binding.UserID).
		Msg("connection bound")

	if first {
		h.notify(sessionID)
	}
	return nil
}

// Disconnect removes the binding and closes the connection. Calling it for an
// unknown or already removed connection is a no-op.
func (h *Hub) Disconnect(connectionID string) {
	h.mu.Lock()
	c, ok := h.conns[connectionID]
	if !ok {
		h.mu.Unlock()
		return
	}
	delete(h.conns, connectionID)
	sessionID := c.binding.SessionID
	last := false
	if bySession, ok := h.sessions[sessionID]; ok {
		delete(bySession, connectionID)
		if len(bySession) == 0 {
			delete(h.sessions, sessionID)
			last = true
		}
	}
	h.mu.Unlock()

	c.close()
	h.logger.Debug().
		Str("connection_id", connectionID).
		Str("session_id", sessionID).
		Msg("connection unbound")

	if last {
		h.notify(sessionID)
	}
}

// notify reports the session's state as read under its stripe lock, not as
// it was when the caller changed it. Observers end on the current state.
func (h *Hub) notify(sessionID string) {
	h.mu.RLock()
	observers := h.observers
	h.mu.RUnlock()
	if len(observers) == 0 {
		return
	}

	mu := h.notifyLock(sessionID)
	mu.Lock()
	defer mu.Unlock()

	connected := h.Connected(sessionID)
	for _, o := range observers {
		if connected {
			o.SessionBound(context.Background(), sessionID)
		} else {
			o.SessionUnbound(context.Background(), sessionID)
		}
	}
}

func (h *Hub) notifyLock(sessionID string) *sync.Mutex {
	f := fnv.New32a()
	_, _ = f.Write([]byte(sessionID))
	return &h.notifyMu[f.Sum32()%notifyStripes]
}

// Push delivers frame to the connections of the audience's session on this
// instance whose binding the audience admits. Anyone else bound to the same
// session id receives nothing. It never blocks on a slow client.
func (h *Hub) Push(_ context.Context, audience model.Audience, frame model.PushFrame) PushResult {
	payload, err := json.Marshal(frame)
	if err != nil {
		h.logger.Error().Err(err).Msg("marshal push frame failed")
		return ConnectionGone
	}

	h.mu.RLock()
	bySession := h.sessions[audience.SessionID]
	targets := make([]*Conn, 0, len(bySession))
	for _, c := range bySession {
		if audience.Admits(c.binding) {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	result := ConnectionGone
	for _, c := range targets {
		if h.deliver(c, payload) {
			result = Delivered
		}
	}
	return result
}

// PushTo delivers frame to one connection.
func (h *Hub) PushTo(connectionID string, frame interface{}) PushResult {
	payload, err := json.Marshal(frame)
	if err != nil {
		return ConnectionGone
	}

	h.mu.RLock()
	c, ok := h.conns[connectionID]
	h.mu.RUnlock()
	if !ok {
		return ConnectionGone
	}
	if h.deliver(c, payload) {
		return Delivered
	}
	return ConnectionGone
}

// deliver hands payload to the connection's writer. A client whose buffer is
// full is dropped rather than allowed to stall pushes.
func (h *Hub) deliver(c *Conn, payload []byte) bool {
	if c.enqueue(payload) {
		return true
	}
	if !c.isClosed() {
		h.logger.Warn().
			Str("connection_id", c.binding.ConnectionID).
			Msg("send buffer full, dropping connection")
		h.Disconnect(c.binding.ConnectionID)
	}
	return false
}

// Connected reports whether sessionID has a live connection on this instance.
func (h *Hub) Connected(sessionID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions[sessionID]) > 0
}

func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Close refuses new connections and disconnects every live one.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	ids := make([]string, 0, len(h.conns))
	for id := range h.conns {
		ids = append(ids, id)
	}
	h.mu.Unlock()

	for _, id := range ids {
		h.Disconnect(id)
	}
}
