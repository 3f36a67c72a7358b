package repository

import (
	"context"
	"fmt"
	"strconv"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"supportchat/internal/model"
)

type MessageRepository struct {
	db *gorm.DB
}

func NewMessageRepository(db *gorm.DB) *MessageRepository {
	return &MessageRepository{db: db}
}

func (r *MessageRepository) CreateMessage(ctx context.Context, message *model.Message) (bool, error) {
	result := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "message_id"}}, DoNothing: true}).
		Create(message)
	if result.Error != nil {
		return false, fmt.Errorf("create message failed: %w", result.Error)
	}
	return result.RowsAffected == 1, nil
}

// ListMessagesBySession returns messages in persistence order. The token
// carries the last returned Seq.
func (r *MessageRepository) ListMessagesBySession(ctx context.Context, sessionID string, page Page) (*MessagePage, error) {
	page = page.Normalize()
	query := r.db.WithContext(ctx).Where("session_id = ?", sessionID)

	raw, err := DecodeToken(page.StartingToken)
	if err != nil {
		return nil, err
	}
	if raw != "" {
		after, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return nil, ErrInvalidToken
		}
		query = query.Where("seq > ?", after)
	}

	var messages []model.Message
	if err := query.Order("seq ASC").Limit(page.Limit + 1).Find(&messages).Error; err != nil {
		return nil, fmt.Errorf("list messages failed: %w", err)
	}

	out := &MessagePage{Items: messages}
	if len(messages) > page.Limit {
		out.Items = messages[:page.Limit]
		out.NextToken = EncodeToken(strconv.FormatUint(out.Items[len(out.Items)-1].Seq, 10))
	}
	return out, nil
}

func (r *MessageRepository) ListRecentMessages(ctx context.Context, sessionID string, limit int) ([]model.Message, error) {
	if limit <= 0 {
		return nil, nil
	}
	var messages []model.Message
	if err := r.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("seq DESC").
		Limit(limit).
		Find(&messages).Error; err != nil {
		return nil, fmt.Errorf("list recent messages failed: %w", err)
	}
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}
