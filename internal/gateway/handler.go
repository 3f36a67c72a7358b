package gateway

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"supportchat/internal/auth"
	"supportchat/internal/dispatcher"
	"supportchat/internal/model"
	"supportchat/internal/transport/http/response"
)

// FrameDispatcher receives every inbound frame of a bound connection.
type FrameDispatcher interface {
	Dispatch(ctx context.Context, binding model.Binding, raw []byte) (*model.WorkItem, error)
}

// SessionLookup reads the stored session a handshake asks to join. A missing
// session is nil, nil.
type SessionLookup interface {
	GetSession(ctx context.Context, sessionID string) (*model.Session, error)
}

type Handler struct {
	hub        *Hub
	authorizer auth.Authorizer
	sessions   SessionLookup
	dispatcher FrameDispatcher
	upgrader   websocket.Upgrader
	opts       Options
	logger     zerolog.Logger
}

func NewHandler(hub *Hub, authorizer auth.Authorizer, sessions SessionLookup, dispatcher FrameDispatcher, opts Options, logger zerolog.Logger) *Handler {
	return &Handler{
		hub:        hub,
		authorizer: authorizer,
		sessions:   sessions,
		dispatcher: dispatcher,
		upgrader:   websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		opts:       opts.withDefaults(),
		logger:     logger.With().Str("component", "gateway").Logger(),
	}
}

// ServeWS authorizes the handshake and only then upgrades. A refused
// handshake leaves no binding behind. Users may join their own sessions or
// ones not created yet; agents only sessions they have claimed.
func (h *Handler) ServeWS(c *gin.Context) {
	sessionID := strings.TrimSpace(c.Query("session_id"))
	userID := strings.TrimSpace(c.Query("user_id"))
	if sessionID == "" || userID == "" {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "session_id and user_id are required")
		return
	}

	role := model.Role(strings.TrimSpace(c.DefaultQuery("role", string(model.RoleUser))))
	if role != model.RoleUser && role != model.RoleAgent {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "unknown role")
		return
	}

	identity, err := h.authorizer.Authorize(c.Request.Context(), c.Query("idToken"), userID)
	if err != nil {
		h.logger.Info().Str("user_id", userID).Str("session_id", sessionID).Err(err).Msg("handshake refused")
		if errors.Is(err, auth.ErrTokenExpired) {
			response.Error(c, http.StatusUnauthorized, response.CodeTokenExpired, "token expired")
			return
		}
		response.Error(c, http.StatusUnauthorized, response.CodeUnauthorized, "unauthorized")
		return
	}
	if role == model.RoleAgent && !identity.HasRole(string(model.RoleAgent)) {
		response.Error(c, http.StatusForbidden, response.CodeForbidden, "agent role not granted")
		return
	}

	session, err := h.sessions.GetSession(c.Request.Context(), sessionID)
	if err != nil {
		h.logger.Error().Str("session_id", sessionID).Err(err).Msg("handshake session lookup failed")
		response.Error(c, http.StatusServiceUnavailable, response.CodeUnavailable, "session lookup failed, please retry")
		return
	}
	switch {
	case role == model.RoleUser && session != nil && session.UserID != identity.UserID,
		role == model.RoleAgent && session == nil:
		h.logger.Info().Str("user_id", identity.UserID).Str("session_id", sessionID).Msg("handshake refused, session not visible to caller")
		response.Error(c, http.StatusNotFound, response.CodeSessionNotFound, "session not found")
		return
	case role == model.RoleAgent && !session.HandledBy(identity.UserID):
		response.Error(c, http.StatusForbidden, response.CodeForbidden, "session not assigned to this agent")
		return
	}

	ws, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}

	conn := newConn(ws, model.Binding{
		ConnectionID: uuid.NewString(),
		SessionID:    sessionID,
		UserID:       identity.UserID,
		Role:         role,
	}, h.opts, h.logger)

	if err := h.hub.register(conn); err != nil {
		_ = ws.WriteMessage(websocket.TextMessage, []byte(`{"error":"server shutting down"}`))
		_ = ws.Close()
		return
	}

	go conn.writePump(h.hub)
	go conn.readPump(h.hub, h.dispatch, rejectionMessage)
}

func (h *Handler) dispatch(ctx context.Context, binding model.Binding, raw []byte) error {
	_, err := h.dispatcher.Dispatch(ctx, binding, raw)
	return err
}

func rejectionMessage(err error) string {
	if errors.Is(err, dispatcher.ErrValidation) {
		return err.Error()
	}
	return "message not accepted, please retry"
}
