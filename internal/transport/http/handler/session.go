package handler

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"supportchat/internal/app"
	"supportchat/internal/model"
	"supportchat/internal/repository"
	"supportchat/internal/transport/http/middleware"
	"supportchat/internal/transport/http/response"
)

type SessionHandler struct {
	queries *app.QueryService
}

type CreateSessionRequest struct {
	SessionID string `json:"sessionId" binding:"max=64"`
	ChatbotID string `json:"chatbotId" binding:"max=64"`
}

type CreateSessionResponse struct {
	Session *model.Session `json:"session"`
	Created bool           `json:"created"`
}

func NewSessionHandler(queries *app.QueryService) *SessionHandler {
	return &SessionHandler{queries: queries}
}

func (h *SessionHandler) ListSessions(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		response.Error(c, http.StatusUnauthorized, response.CodeUnauthorized, "invalid token payload")
		return
	}
	page, ok := parsePage(c)
	if !ok {
		return
	}

	sessions, err := h.queries.ListSessions(c.Request.Context(), userID, page)
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

func (h *SessionHandler) CreateOrGetSession(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		response.Error(c, http.StatusUnauthorized, response.CodeUnauthorized, "invalid token payload")
		return
	}

	var req CreateSessionRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "invalid request payload")
			return
		}
	}

	session, created, err := h.queries.CreateOrGetSession(c.Request.Context(), userID, req.SessionID, req.ChatbotID)
	if err != nil {
		writeError(c, err, "create session failed")
		return
	}
	response.OK(c, CreateSessionResponse{Session: session, Created: created})
}

func (h *SessionHandler) ListMessages(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		response.Error(c, http.StatusUnauthorized, response.CodeUnauthorized, "invalid token payload")
		return
	}
	page, ok := parsePage(c)
	if !ok {
		return
	}

	messages, err := h.queries.ListMessages(c.Request.Context(), userID, c.Param("sessionId"), page)
	if err != nil {
		writeError(c, err, "list messages failed")
		return
	}
	items := messages.Items
	if items == nil {
		items = []model.Message{}
	}
	response.List(c, items, len(items), messages.NextToken)
}

func parsePage(c *gin.Context) (repository.Page, bool) {
	page := repository.Page{StartingToken: strings.TrimSpace(c.Query("starting_token"))}
	if raw := strings.TrimSpace(c.Query("max_items")); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "max_items must be a positive integer")
			return repository.Page{}, false
		}
		page.Limit = limit
	}
	return page, true
}

func writeError(c *gin.Context, err error, fallback string) {
	switch {
	case errors.Is(err, app.ErrSessionNotFound):
		response.Error(c, http.StatusNotFound, response.CodeSessionNotFound, "session not found")
	case errors.Is(err, app.ErrSessionClaimed):
		response.Error(c, http.StatusConflict, response.CodeSessionClaimed, "session already claimed")
	case errors.Is(err, app.ErrInvalidInput):
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, err.Error())
	case errors.Is(err, repository.ErrInvalidToken):
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "invalid starting_token")
	default:
		_ = c.Error(err)
		response.Error(c, http.StatusInternalServerError, response.CodeInternalServer, fallback)
	}
}
