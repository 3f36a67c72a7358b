package model

type Role string

const (
	RoleUser  Role = "user"
	RoleBot   Role = "bot"
	RoleAgent Role = "agent"
)

func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleBot, RoleAgent:
		return true
	}
	return false
}

// Message is a single immutable turn of a session. Seq records the order in
// which the processor persisted messages and is not exposed to clients.
type Message struct {
	Seq             uint64 `gorm:"primaryKey;autoIncrement" json:"-"`
	MessageID       string `gorm:"size:64;not null;uniqueIndex" json:"messageId"`
	SessionID       string `gorm:"size:64;not null;index" json:"sessionId"`
	UserID          string `gorm:"size:128;not null" json:"userId"`
	Role            Role   `gorm:"size:16;not null" json:"role"`
	Content         string `gorm:"type:text;not null" json:"content"`
	CreateTimestamp string `gorm:"size:40;not null" json:"createTimestamp"`
}

func (Message) TableName() string {
	return "customer_messages"
}
