package model

import "time"

// Action names the business operation a work item requests.
type Action string

const (
	// ActionSendMessage records a user message and produces a bot reply.
	ActionSendMessage Action = "sendMessage"
	// ActionAgentMessage records a human agent message and relays it to the session.
	ActionAgentMessage Action = "agentMessage"
)

// InboundRole is the role the inbound message is stored with.
func (a Action) InboundRole() (Role, bool) {
	switch a {
	case ActionSendMessage:
		return RoleUser, true
	case ActionAgentMessage:
		return RoleAgent, true
	}
	return "", false
}

// WantsReply reports whether the processor should generate a bot reply.
func (a Action) WantsReply() bool {
	return a == ActionSendMessage
}

// WorkItem is the normalized command travelling through the queue.
// DeliveryID is assigned once at enqueue and is stable across redeliveries.
type WorkItem struct {
	DeliveryID string    `json:"delivery_id"`
	SessionID  string    `json:"session_id"`
	UserID     string    `json:"user_id"`
	Query      string    `json:"query"`
	EntryType  string    `json:"entry_type"`
	Action     Action    `json:"action"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	Attempt    int       `json:"attempt"`
}
