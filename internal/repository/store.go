package repository

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"

	"supportchat/internal/model"
)

const (
	DefaultPageLimit = 50
	MaxPageLimit     = 200
)

var (
	ErrInvalidToken   = errors.New("invalid starting token")
	ErrAlreadyClaimed = errors.New("session claimed by another agent")
)

// SessionStore owns durability of session rows.
type SessionStore interface {
	// UpsertSession inserts the session unless a row with the same SessionID
	// exists; the stored row is returned either way.
	UpsertSession(ctx context.Context, session model.Session) (*model.Session, bool, error)
	TouchSession(ctx context.Context, sessionID, latestQuestion, at string) error
	GetSession(ctx context.Context, sessionID string) (*model.Session, error)
	LatestSessionByUser(ctx context.Context, userID string) (*model.Session, error)
	ListSessionsByUser(ctx context.Context, userID string, page Page) (*SessionPage, error)
	// ListSessionsByStatus walks sessions in one status, oldest first.
	ListSessionsByStatus(ctx context.Context, status model.SessionStatus, page Page) (*SessionPage, error)
	// ClaimSession hands a pending session to agentID and marks it active.
	// Claiming again as the same agent is a no-op; a session held by another
	// agent yields ErrAlreadyClaimed and a missing one nil, nil.
	ClaimSession(ctx context.Context, sessionID, agentID, at string) (*model.Session, error)
}

// MessageStore owns durability of message rows.
type MessageStore interface {
	// CreateMessage inserts the message unless its MessageID is already stored.
	CreateMessage(ctx context.Context, message *model.Message) (bool, error)
	ListMessagesBySession(ctx context.Context, sessionID string, page Page) (*MessagePage, error)
	// ListRecentMessages returns the last limit messages of a session, oldest first.
	ListRecentMessages(ctx context.Context, sessionID string, limit int) ([]model.Message, error)
}

type Store interface {
	SessionStore
	MessageStore
}

type Page struct {
	Limit         int
	StartingToken string
}

// Normalize clamps the limit into [1, MaxPageLimit].
func (p Page) Normalize() Page {
	if p.Limit <= 0 {
		p.Limit = DefaultPageLimit
	}
	if p.Limit > MaxPageLimit {
		p.Limit = MaxPageLimit
	}
	p.StartingToken = strings.TrimSpace(p.StartingToken)
	return p
}

type SessionPage struct {
	Items     []model.Session
	NextToken string
}

type MessagePage struct {
	Items     []model.Message
	NextToken string
}

func EncodeToken(raw string) string {
	if raw == "" {
		return ""
	}
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

func DecodeToken(token string) (string, error) {
	if token == "" {
		return "", nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return "", ErrInvalidToken
	}
	return string(raw), nil
}
