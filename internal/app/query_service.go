package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"supportchat/internal/model"
	"supportchat/internal/repository"
)

const maxSessionIDLength = 64

// QueryService answers the synchronous read API. It never touches the queue.
type QueryService struct {
	store  repository.Store
	cache  HistoryCache
	logger zerolog.Logger
	now    func() time.Time
}

func NewQueryService(store repository.Store, cache HistoryCache, logger zerolog.Logger) *QueryService {
	return &QueryService{
		store:  store,
		cache:  cache,
		logger: logger.With().Str("component", "query_service").Logger(),
		now:    time.Now,
	}
}

// ListSessions returns the caller's sessions, newest first.
func (s *QueryService) ListSessions(ctx context.Context, userID string, page repository.Page) (*repository.SessionPage, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, ErrInvalidInput
	}
	return s.store.ListSessionsByUser(ctx, userID, page.Normalize())
}

// ListMessages returns a session's messages in the order they were stored.
// Sessions owned by someone else are reported as missing.
func (s *QueryService) ListMessages(ctx context.Context, userID, sessionID string, page repository.Page) (*repository.MessagePage, error) {
	if strings.TrimSpace(userID) == "" || strings.TrimSpace(sessionID) == "" {
		return nil, ErrInvalidInput
	}
	page = page.Normalize()

	session, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session == nil || session.UserID != userID {
		return nil, ErrSessionNotFound
	}

	firstPage := page.StartingToken == "" && s.cache != nil
	if firstPage {
		dirty, err := s.cache.IsDirty(ctx, sessionID)
		if err == nil && !dirty {
			if cached, hit, cacheErr := s.cache.GetFirstPage(ctx, sessionID, page.Limit); cacheErr == nil && hit {
				return cached, nil
			}
		}
	}

	messages, err := s.store.ListMessagesBySession(ctx, sessionID, page)
	if err != nil {
		return nil, err
	}

	if firstPage {
		if dirty, err := s.cache.IsDirty(ctx, sessionID); err == nil && !dirty {
			if err := s.cache.SetFirstPage(ctx, sessionID, page.Limit, messages); err != nil {
				s.logger.Warn().Str("session_id", sessionID).Err(err).Msg("fill history cache failed")
			}
		}
	}
	return messages, nil
}

// CreateOrGetSession returns the session the caller should talk in. With an
// explicit sessionID the session is created if absent; without one the
// caller's most recent session is reused, or a new one is started.
func (s *QueryService) CreateOrGetSession(ctx context.Context, userID, sessionID, chatbotID string) (*model.Session, bool, error) {
	userID = strings.TrimSpace(userID)
	sessionID = strings.TrimSpace(sessionID)
	if userID == "" || len(sessionID) > maxSessionIDLength {
		return nil, false, ErrInvalidInput
	}

	if sessionID == "" {
		latest, err := s.store.LatestSessionByUser(ctx, userID)
		if err != nil {
			return nil, false, err
		}
		if latest != nil {
			return latest, false, nil
		}
		sessionID = uuid.NewString()
	}

	ts := model.FormatTimestamp(s.now())
	session, created, err := s.store.UpsertSession(ctx, model.Session{
		SessionID:         sessionID,
		UserID:            userID,
		CreateTimestamp:   ts,
		LastSeenTimestamp: ts,
		ChatbotID:         strings.TrimSpace(chatbotID),
		Status:            model.SessionPending,
	})
	if err != nil {
		return nil, false, fmt.Errorf("create session failed: %w", err)
	}
	if session.UserID != userID {
		return nil, false, ErrSessionNotFound
	}
	return session, created, nil
}

// ListSessionsByStatus is the agent queue: sessions in status, oldest first.
func (s *QueryService) ListSessionsByStatus(ctx context.Context, status model.SessionStatus, page repository.Page) (*repository.SessionPage, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidInput, status)
	}
	return s.store.ListSessionsByStatus(ctx, status, page.Normalize())
}

// ClaimSession assigns a pending session to agentID. From then on the bot no
// longer answers and only that agent may speak in the session.
func (s *QueryService) ClaimSession(ctx context.Context, agentID, sessionID string) (*model.Session, error) {
	agentID = strings.TrimSpace(agentID)
	sessionID = strings.TrimSpace(sessionID)
	if agentID == "" || sessionID == "" {
		return nil, ErrInvalidInput
	}

	session, err := s.store.ClaimSession(ctx, sessionID, agentID, model.FormatTimestamp(s.now()))
	if errors.Is(err, repository.ErrAlreadyClaimed) {
		return nil, ErrSessionClaimed
	}
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, ErrSessionNotFound
	}
	s.logger.Info().Str("session_id", sessionID).Str("agent_id", agentID).Msg("session claimed")
	return session, nil
}
