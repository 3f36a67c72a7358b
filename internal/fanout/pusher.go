package fanout

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/rs/zerolog"

	"supportchat/internal/gateway"
	"supportchat/internal/model"
)

// LocalPusher delivers to connections held by this instance.
type LocalPusher interface {
	Push(ctx context.Context, audience model.Audience, frame model.PushFrame) gateway.PushResult
}

// OwnerLookup reports which instances hold a connection for a session.
type OwnerLookup interface {
	Owners(ctx context.Context, sessionID string) ([]string, error)
}

type envelope struct {
	Audience model.Audience  `json:"audience"`
	Frame    model.PushFrame `json:"frame"`
}

// Topic is the stream an instance consumes push requests from.
func Topic(prefix, instanceID string) string {
	return prefix + instanceID
}

// Pusher always offers a push to the local hub, then forwards it through the
// stream of every other instance the registry lists as an owner. The local
// attempt does not consult the registry.
type Pusher struct {
	local       LocalPusher
	owners      OwnerLookup
	publisher   message.Publisher
	instanceID  string
	topicPrefix string
	logger      zerolog.Logger
}

func NewPusher(local LocalPusher, owners OwnerLookup, publisher message.Publisher, instanceID, topicPrefix string, logger zerolog.Logger) *Pusher {
	return &Pusher{
		local:       local,
		owners:      owners,
		publisher:   publisher,
		instanceID:  instanceID,
		topicPrefix: topicPrefix,
		logger:      logger.With().Str("component", "fanout_pusher").Logger(),
	}
}

func (p *Pusher) Push(ctx context.Context, audience model.Audience, frame model.PushFrame) gateway.PushResult {
	result := p.local.Push(ctx, audience, frame)

	owners, err := p.owners.Owners(ctx, audience.SessionID)
	if err != nil {
		p.logger.Warn().Str("session_id", audience.SessionID).Err(err).Msg("owner lookup failed, pushed locally only")
		return result
	}
	for _, owner := range owners {
		if owner == p.instanceID {
			continue
		}
		if err := p.forward(owner, audience, frame); err != nil {
			p.logger.Warn().Str("session_id", audience.SessionID).Str("owner", owner).Err(err).Msg("forward push failed")
			continue
		}
		result = gateway.Delivered
	}
	return result
}

func (p *Pusher) forward(owner string, audience model.Audience, frame model.PushFrame) error {
	payload, err := json.Marshal(envelope{Audience: audience, Frame: frame})
	if err != nil {
		return fmt.Errorf("marshal push envelope failed: %w", err)
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.Metadata.Set("origin", p.instanceID)
	if err := p.publisher.Publish(Topic(p.topicPrefix, owner), msg); err != nil {
		return fmt.Errorf("publish push failed: %w", err)
	}
	return nil
}
