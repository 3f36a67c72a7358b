package model

// Binding ties one live connection to the session it serves.
type Binding struct {
	ConnectionID string
	SessionID    string
	UserID       string
	Role         Role
}

// Audience names the parties of a session a push may reach: the owning user
// and, once the session is claimed, the assigned agent.
type Audience struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
	AgentID   string `json:"agent_id,omitempty"`
}

// Admits reports whether a connection bound as b belongs to the audience.
func (a Audience) Admits(b Binding) bool {
	if b.SessionID != a.SessionID {
		return false
	}
	switch b.Role {
	case RoleUser:
		return a.UserID != "" && b.UserID == a.UserID
	case RoleAgent:
		return a.AgentID != "" && b.UserID == a.AgentID
	}
	return false
}

// PushFrame is the outbound frame delivered to a bound connection.
type PushFrame struct {
	MessageID string `json:"message_id"`
	Query     string `json:"query"`
	Role      Role   `json:"role,omitempty"`
}
