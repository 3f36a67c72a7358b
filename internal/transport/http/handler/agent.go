package handler

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"supportchat/internal/app"
	"supportchat/internal/model"
	"supportchat/internal/transport/http/middleware"
	"supportchat/internal/transport/http/response"
)

// AgentHandler serves the agent console: the queue of waiting sessions and
// the claim that hands one of them to the calling agent.
type AgentHandler struct {
	queries *app.QueryService
}

func NewAgentHandler(queries *app.QueryService) *AgentHandler {
	return &AgentHandler{queries: queries}
}

// ListSessions answers GET /agent/sessions?status=Pending. Pending is the
// default status.
func (h *AgentHandler) ListSessions(c *gin.Context) {
	page, ok := parsePage(c)
	if !ok {
		return
	}
	status := model.SessionStatus(strings.TrimSpace(c.DefaultQuery("status", string(model.SessionPending))))

	sessions, err := h.queries.ListSessionsByStatus(c.Request.Context(), status, page)
	if err != nil {
		writeError(c, err, "list sessions failed")
		return
	}
	items := sessions.Items
	if items == nil {
		items = []model.Session{}
	}
	response.List(c, items, len(items), sessions.NextToken)
}

func (h *AgentHandler) ClaimSession(c *gin.Context) {
	agentID, ok := middleware.UserID(c)
	if !ok {
		response.Error(c, http.StatusUnauthorized, response.CodeUnauthorized, "invalid token payload")
		return
	}

	session, err := h.queries.ClaimSession(c.Request.Context(), agentID, c.Param("sessionId"))
	if err != nil {
		writeError(c, err, "claim session failed")
		return
	}
	response.OK(c, session)
}
