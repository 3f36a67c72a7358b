// Package dispatcher turns raw websocket frames into work items and hands
// them to the queue without waiting for them to be processed.
package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"supportchat/internal/model"
	"supportchat/internal/queue"
)

var (
	ErrValidation = errors.New("invalid frame")
	ErrEnqueue    = errors.New("enqueue failed")
)

const maxQueryLength = 8000

// Frame is the inbound JSON message sent by a connected client.
type Frame struct {
	Query     string `json:"query"`
	EntryType string `json:"entry_type"`
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
	Action    string `json:"action"`
}

type Dispatcher struct {
	queue  queue.Queue
	logger zerolog.Logger
	now    func() time.Time
}

func New(q queue.Queue, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		queue:  q,
		logger: logger.With().Str("component", "dispatcher").Logger(),
		now:    time.Now,
	}
}

// Dispatch validates raw against the connection binding and enqueues the
// resulting work item. It returns once the queue has accepted the item.
func (d *Dispatcher) Dispatch(ctx context.Context, binding model.Binding, raw []byte) (*model.WorkItem, error) {
	item, err := d.parse(binding, raw)
	if err != nil {
		d.logger.Debug().
			Str("connection_id", binding.ConnectionID).
			Err(err).
			Msg("frame rejected")
		return nil, err
	}

	if err := d.queue.Enqueue(ctx, *item); err != nil {
		d.logger.Error().
			Str("delivery_id", item.DeliveryID).
			Str("session_id", item.SessionID).
			Err(err).
			Msg("enqueue work item failed")
		return nil, fmt.Errorf("%w: %v", ErrEnqueue, err)
	}

	d.logger.Debug().
		Str("delivery_id", item.DeliveryID).
		Str("session_id", item.SessionID).
		Str("action", string(item.Action)).
		Msg("work item enqueued")
	return item, nil
}

func (d *Dispatcher) parse(binding model.Binding, raw []byte) (*model.WorkItem, error) {
	var frame Frame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return nil, fmt.Errorf("%w: malformed json", ErrValidation)
	}

	sessionID := strings.TrimSpace(frame.SessionID)
	if sessionID == "" {
		sessionID = binding.SessionID
	}
	userID := strings.TrimSpace(frame.UserID)
	if userID == "" {
		userID = binding.UserID
	}

	switch {
	case sessionID == "":
		return nil, fmt.Errorf("%w: session_id is required", ErrValidation)
	case userID == "":
		return nil, fmt.Errorf("%w: user_id is required", ErrValidation)
	case binding.SessionID != "" && sessionID != binding.SessionID:
		return nil, fmt.Errorf("%w: session_id does not match connection", ErrValidation)
	case binding.UserID != "" && userID != binding.UserID:
		return nil, fmt.Errorf("%w: user_id does not match connection", ErrValidation)
	}

	action := model.Action(frame.Action)
	if _, ok := action.InboundRole(); !ok {
		return nil, fmt.Errorf("%w: unknown action %q", ErrValidation, frame.Action)
	}
	if !allowed(action, binding.Role) {
		return nil, fmt.Errorf("%w: action %s not permitted for role %s", ErrValidation, action, binding.Role)
	}

	query := strings.TrimSpace(frame.Query)
	if query == "" {
		return nil, fmt.Errorf("%w: query is required", ErrValidation)
	}
	if len(query) > maxQueryLength {
		return nil, fmt.Errorf("%w: query exceeds %d bytes", ErrValidation, maxQueryLength)
	}

	return &model.WorkItem{
		DeliveryID: uuid.NewString(),
		SessionID:  sessionID,
		UserID:     userID,
		Query:      query,
		EntryType:  frame.EntryType,
		Action:     action,
		EnqueuedAt: d.now().UTC(),
	}, nil
}

func allowed(action model.Action, role model.Role) bool {
	switch action {
	case model.ActionAgentMessage:
		return role == model.RoleAgent
	case model.ActionSendMessage:
		return role == model.RoleUser || role == ""
	}
	return false
}
