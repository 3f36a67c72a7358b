package fanout

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/rs/zerolog"
)

// Listener consumes this instance's push stream and hands each request to
// the local hub.
type Listener struct {
	subscriber message.Subscriber
	topic      string
	local      LocalPusher
	logger     zerolog.Logger
}

func NewListener(subscriber message.Subscriber, topic string, local LocalPusher, logger zerolog.Logger) *Listener {
	return &Listener{
		subscriber: subscriber,
		topic:      topic,
		local:      local,
		logger:     logger.With().Str("component", "fanout_listener").Str("topic", topic).Logger(),
	}
}

// Run blocks until ctx is done or the subscription ends.
func (l *Listener) Run(ctx context.Context) error {
	messages, err := l.subscriber.Subscribe(ctx, l.topic)
	if err != nil {
		return fmt.Errorf("subscribe push topic failed: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			l.handle(ctx, msg)
		}
	}
}

func (l *Listener) handle(ctx context.Context, msg *message.Message) {
	// Pushes are best effort; a request is acked whatever happens to it.
	defer msg.Ack()

	var env envelope
	if err := json.Unmarshal(msg.Payload, &env); err != nil {
		l.logger.Warn().Str("message_uuid", msg.UUID).Err(err).Msg("undecodable push request dropped")
		return
	}
	result := l.local.Push(ctx, env.Audience, env.Frame)
	l.logger.Debug().
		Str("session_id", env.Audience.SessionID).
		Str("message_id", env.Frame.MessageID).
		Str("origin", msg.Metadata.Get("origin")).
		Str("result", result.String()).
		Msg("forwarded push handled")
}
