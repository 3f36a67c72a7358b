package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"supportchat/internal/ai"
	"supportchat/internal/gateway"
	"supportchat/internal/model"
	"supportchat/internal/queue"
	"supportchat/internal/repository"
)

// messageNamespace seeds the name based message ids derived from delivery ids.
var messageNamespace = uuid.MustParse("6f1d3c52-8a4e-4b7e-9d55-0c2f7a9e4b13")

// MessageID is the id of one message produced by a work item. It depends only
// on the delivery id and the kind of message, so redelivering an item maps
// onto rows that already exist.
func MessageID(deliveryID, kind string) string {
	return uuid.NewSHA1(messageNamespace, []byte(deliveryID+"/"+kind)).String()
}

// Pusher delivers a frame to the connections of a session that belong to
// the audience.
type Pusher interface {
	Push(ctx context.Context, audience model.Audience, frame model.PushFrame) gateway.PushResult
}

type HistoryCache interface {
	GetFirstPage(ctx context.Context, sessionID string, limit int) (*repository.MessagePage, bool, error)
	SetFirstPage(ctx context.Context, sessionID string, limit int, page *repository.MessagePage) error
	Invalidate(ctx context.Context, sessionID string) error
	IsDirty(ctx context.Context, sessionID string) (bool, error)
}

type Processor struct {
	store      repository.Store
	replier    ai.Replier
	pusher     Pusher
	cache      HistoryCache
	maxContext int
	logger     zerolog.Logger
	now        func() time.Time
}

func NewProcessor(store repository.Store, replier ai.Replier, pusher Pusher, cache HistoryCache, maxContext int, logger zerolog.Logger) *Processor {
	if maxContext <= 0 {
		maxContext = 20
	}
	return &Processor{
		store:      store,
		replier:    replier,
		pusher:     pusher,
		cache:      cache,
		maxContext: maxContext,
		logger:     logger.With().Str("component", "processor").Logger(),
		now:        time.Now,
	}
}

// Handle runs one work item. Every step up to and including persisting the
// reply returns its error so the queue redelivers the item; the final push is
// best effort and never fails the item. Once an agent has claimed the session
// the bot stays quiet and user messages are relayed as they are.
func (p *Processor) Handle(ctx context.Context, item model.WorkItem) error {
	role, ok := item.Action.InboundRole()
	if !ok {
		return queue.Permanent(fmt.Errorf("%w: unknown action %q", ErrInvalidInput, item.Action))
	}

	log := p.logger.With().
		Str("delivery_id", item.DeliveryID).
		Str("session_id", item.SessionID).
		Str("action", string(item.Action)).
		Int("attempt", item.Attempt).
		Logger()

	ts := model.FormatTimestamp(p.now())
	session, err := p.ensureSession(ctx, item, ts)
	if err != nil {
		return err
	}

	inbound := model.Message{
		MessageID:       MessageID(item.DeliveryID, "inbound"),
		SessionID:       item.SessionID,
		UserID:          item.UserID,
		Role:            role,
		Content:         item.Query,
		CreateTimestamp: ts,
	}
	created, err := p.store.CreateMessage(ctx, &inbound)
	if err != nil {
		return fmt.Errorf("persist inbound message failed: %w", err)
	}
	p.invalidate(ctx, item.SessionID)
	if !created {
		log.Debug().Str("message_id", inbound.MessageID).Msg("inbound message already stored")
	}

	outbound := inbound
	fresh := created
	switch {
	case !item.Action.WantsReply():
	case session.Status == model.SessionActive:
		log.Debug().Str("agent_id", session.AgentID).Msg("session handled by an agent, bot reply skipped")
	default:
		reply, replyCreated, err := p.reply(ctx, item, session, inbound.MessageID)
		if err != nil {
			return err
		}
		outbound = *reply
		fresh = replyCreated
	}

	if !fresh {
		// A previous attempt stored this message and already had its chance to push it.
		log.Info().Str("message_id", outbound.MessageID).Msg("duplicate delivery, push skipped")
		return nil
	}

	result := p.pusher.Push(ctx, session.Audience(), model.PushFrame{
		MessageID: outbound.MessageID,
		Query:     outbound.Content,
		Role:      outbound.Role,
	})
	if result == gateway.ConnectionGone {
		log.Debug().Str("message_id", outbound.MessageID).Msg("no live connection, reply stored only")
	} else {
		log.Debug().Str("message_id", outbound.MessageID).Msg("reply pushed")
	}
	return nil
}

func (p *Processor) ensureSession(ctx context.Context, item model.WorkItem, ts string) (*model.Session, error) {
	var session *model.Session
	if item.Action == model.ActionAgentMessage {
		existing, err := p.store.GetSession(ctx, item.SessionID)
		if err != nil {
			return nil, fmt.Errorf("load session failed: %w", err)
		}
		if existing == nil {
			return nil, queue.Permanent(fmt.Errorf("%w: %s", ErrSessionNotFound, item.SessionID))
		}
		if !existing.HandledBy(item.UserID) {
			return nil, queue.Permanent(fmt.Errorf("%w: %s is not handled by %s", ErrNotAssigned, item.SessionID, item.UserID))
		}
		session = existing
	} else {
		stored, created, err := p.store.UpsertSession(ctx, model.Session{
			SessionID:         item.SessionID,
			UserID:            item.UserID,
			CreateTimestamp:   ts,
			LastSeenTimestamp: ts,
			LatestQuestion:    item.Query,
			Status:            model.SessionPending,
		})
		if err != nil {
			return nil, fmt.Errorf("upsert session failed: %w", err)
		}
		if stored.UserID != item.UserID {
			return nil, queue.Permanent(fmt.Errorf("%w: %s belongs to another user", ErrSessionNotFound, item.SessionID))
		}
		if created {
			return stored, nil
		}
		session = stored
	}

	latestQuestion := ""
	if item.Action == model.ActionSendMessage {
		latestQuestion = item.Query
	}
	if err := p.store.TouchSession(ctx, item.SessionID, latestQuestion, ts); err != nil {
		return nil, fmt.Errorf("touch session failed: %w", err)
	}
	return session, nil
}

func (p *Processor) reply(ctx context.Context, item model.WorkItem, session *model.Session, inboundID string) (*model.Message, bool, error) {
	history, err := p.store.ListRecentMessages(ctx, item.SessionID, p.maxContext+1)
	if err != nil {
		return nil, false, fmt.Errorf("load history failed: %w", err)
	}
	turns := make([]model.Message, 0, len(history))
	for _, m := range history {
		if m.MessageID != inboundID {
			turns = append(turns, m)
		}
	}
	if len(turns) > p.maxContext {
		turns = turns[len(turns)-p.maxContext:]
	}

	answer, err := p.replier.Reply(ctx, item.SessionID, turns, item.Query)
	if err != nil {
		var statusErr *ai.StatusError
		if errors.As(err, &statusErr) && !statusErr.Temporary() {
			return nil, false, queue.Permanent(fmt.Errorf("generate reply failed: %w", err))
		}
		return nil, false, fmt.Errorf("generate reply failed: %w", err)
	}

	reply := &model.Message{
		MessageID:       MessageID(item.DeliveryID, "reply"),
		SessionID:       item.SessionID,
		UserID:          session.UserID,
		Role:            model.RoleBot,
		Content:         answer,
		CreateTimestamp: model.FormatTimestamp(p.now()),
	}
	created, err := p.store.CreateMessage(ctx, reply)
	if err != nil {
		return nil, false, fmt.Errorf("persist reply failed: %w", err)
	}
	p.invalidate(ctx, item.SessionID)
	return reply, created, nil
}

func (p *Processor) invalidate(ctx context.Context, sessionID string) {
	if p.cache == nil {
		return
	}
	if err := p.cache.Invalidate(ctx, sessionID); err != nil {
		p.logger.Warn().Str("session_id", sessionID).Err(err).Msg("invalidate history cache failed")
	}
}
