package repository

import (
	"gorm.io/gorm"

	"supportchat/internal/model"
)

// GormStore combines the session and message repositories over one database.
type GormStore struct {
	*SessionRepository
	*MessageRepository
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{
		SessionRepository: NewSessionRepository(db),
		MessageRepository: NewMessageRepository(db),
	}
}

func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&model.Session{}, &model.Message{})
}
