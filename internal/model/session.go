package model

// SessionStatus tracks whether a human agent has taken over a session.
type SessionStatus string

const (
	// SessionPending sessions are answered by the bot and wait for an agent.
	SessionPending SessionStatus = "Pending"
	// SessionActive sessions are handled by the agent in AgentID.
	SessionActive SessionStatus = "Active"
)

func (s SessionStatus) Valid() bool {
	return s == SessionPending || s == SessionActive
}

// Session is one long-lived conversation between a user and the support backend.
// SessionID is generated by the client and never changes once stored.
type Session struct {
	SessionID         string        `gorm:"primaryKey;size:64" json:"sessionId"`
	UserID            string        `gorm:"size:128;not null;index:idx_sessions_user_created,priority:1" json:"userId"`
	CreateTimestamp   string        `gorm:"size:40;not null;index:idx_sessions_user_created,priority:2;index:idx_sessions_status_created,priority:2" json:"createTimestamp"`
	LastSeenTimestamp string        `gorm:"size:40" json:"lastSeenTimestamp,omitempty"`
	LatestQuestion    string        `gorm:"type:text" json:"latestQuestion,omitempty"`
	ChatbotID         string        `gorm:"size:64" json:"chatbotId,omitempty"`
	Status            SessionStatus `gorm:"size:16;not null;default:Pending;index:idx_sessions_status_created,priority:1" json:"status"`
	AgentID           string        `gorm:"size:128" json:"agentId,omitempty"`
}

func (Session) TableName() string {
	return "customer_sessions"
}

// HandledBy reports whether agentID has claimed the session.
func (s *Session) HandledBy(agentID string) bool {
	return s.Status == SessionActive && agentID != "" && s.AgentID == agentID
}

// Audience is who may receive pushes for the session.
func (s *Session) Audience() Audience {
	a := Audience{SessionID: s.SessionID, UserID: s.UserID}
	if s.Status == SessionActive {
		a.AgentID = s.AgentID
	}
	return a
}
