package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"supportchat/internal/model"
)

type SessionRepository struct {
	db *gorm.DB
}

func NewSessionRepository(db *gorm.DB) *SessionRepository {
	return &SessionRepository{db: db}
}

func (r *SessionRepository) UpsertSession(ctx context.Context, session model.Session) (*model.Session, bool, error) {
	result := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "session_id"}}, DoNothing: true}).
		Create(&session)
	if result.Error != nil {
		return nil, false, fmt.Errorf("upsert session failed: %w", result.Error)
	}
	if result.RowsAffected == 1 {
		return &session, true, nil
	}

	existing, err := r.GetSession(ctx, session.SessionID)
	if err != nil {
		return nil, false, err
	}
	if existing == nil {
		return nil, false, fmt.Errorf("upsert session failed: row %s vanished", session.SessionID)
	}
	return existing, false, nil
}

func (r *SessionRepository) TouchSession(ctx context.Context, sessionID, latestQuestion, at string) error {
	updates := map[string]interface{}{"last_seen_timestamp": at}
	if latestQuestion != "" {
		updates["latest_question"] = latestQuestion
	}
	if err := r.db.WithContext(ctx).Model(&model.Session{}).Where("session_id = ?", sessionID).Updates(updates).Error; err != nil {
		return fmt.Errorf("touch session failed: %w", err)
	}
	return nil
}

func (r *SessionRepository) GetSession(ctx context.Context, sessionID string) (*model.Session, error) {
	var session model.Session
	if err := r.db.WithContext(ctx).Where("session_id = ?", sessionID).First(&session).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get session failed: %w", err)
	}
	return &session, nil
}

func (r *SessionRepository) LatestSessionByUser(ctx context.Context, userID string) (*model.Session, error) {
	var session model.Session
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("create_timestamp DESC").
		Order("session_id DESC").
		First(&session).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get latest session failed: %w", err)
	}
	return &session, nil
}

// ListSessionsByUser walks the (user_id, create_timestamp) index newest first.
// The token carries the last row's "createTimestamp|sessionId".
func (r *SessionRepository) ListSessionsByUser(ctx context.Context, userID string, page Page) (*SessionPage, error) {
	page = page.Normalize()
	query := r.db.WithContext(ctx).Where("user_id = ?", userID)

	raw, err := DecodeToken(page.StartingToken)
	if err != nil {
		return nil, err
	}
	if raw != "" {
		ts, sid, ok := strings.Cut(raw, "|")
		if !ok {
			return nil, ErrInvalidToken
		}
		query = query.Where("(create_timestamp < ?) OR (create_timestamp = ? AND session_id < ?)", ts, ts, sid)
	}

	var sessions []model.Session
	if err := query.Order("create_timestamp DESC").Order("session_id DESC").Limit(page.Limit + 1).Find(&sessions).Error; err != nil {
		return nil, fmt.Errorf("list sessions failed: %w", err)
	}

	out := &SessionPage{Items: sessions}
	if len(sessions) > page.Limit {
		out.Items = sessions[:page.Limit]
		last := out.Items[len(out.Items)-1]
		out.NextToken = EncodeToken(last.CreateTimestamp + "|" + last.SessionID)
	}
	return out, nil
}

// ListSessionsByStatus walks the (status, create_timestamp) index oldest
// first. The token has the same shape as ListSessionsByUser's.
func (r *SessionRepository) ListSessionsByStatus(ctx context.Context, status model.SessionStatus, page Page) (*SessionPage, error) {
	page = page.Normalize()
	query := r.db.WithContext(ctx).Where("status = ?", status)

	raw, err := DecodeToken(page.StartingToken)
	if err != nil {
		return nil, err
	}
	if raw != "" {
		ts, sid, ok := strings.Cut(raw, "|")
		if !ok {
			return nil, ErrInvalidToken
		}
		query = query.Where("((create_timestamp > ?) OR (create_timestamp = ? AND session_id > ?))", ts, ts, sid)
	}

	var sessions []model.Session
	if err := query.Order("create_timestamp ASC").Order("session_id ASC").Limit(page.Limit + 1).Find(&sessions).Error; err != nil {
		return nil, fmt.Errorf("list sessions by status failed: %w", err)
	}

	out := &SessionPage{Items: sessions}
	if len(sessions) > page.Limit {
		out.Items = sessions[:page.Limit]
		last := out.Items[len(out.Items)-1]
		out.NextToken = EncodeToken(last.CreateTimestamp + "|" + last.SessionID)
	}
	return out, nil
}

func (r *SessionRepository) ClaimSession(ctx context.Context, sessionID, agentID, at string) (*model.Session, error) {
	result := r.db.WithContext(ctx).
		Model(&model.Session{}).
		Where("session_id = ? AND (status = ? OR agent_id = ?)", sessionID, model.SessionPending, agentID).
		Updates(map[string]interface{}{
			"agent_id":            agentID,
			"status":              model.SessionActive,
			"last_seen_timestamp": at,
		})
	if result.Error != nil {
		return nil, fmt.Errorf("claim session failed: %w", result.Error)
	}

	session, err := r.GetSession(ctx, sessionID)
	if err != nil || session == nil {
		return nil, err
	}
	if !session.HandledBy(agentID) {
		return nil, ErrAlreadyClaimed
	}
	return session, nil
}
