package fanout

import (
	"context"
	"fmt"
	"strings"

	"github.com/ThreeDotsLabs/watermill/message"
	rstream "github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	redisv9 "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"supportchat/internal/platform/logger"
)

const consumerGroup = "push"

// NewStreamBus builds the Redis Streams publisher used to forward pushes and
// the subscriber reading this instance's own topic. The consumer group is
// created at the stream tail so a restarted instance does not replay pushes
// meant for connections it no longer has.
func NewStreamBus(ctx context.Context, client redisv9.UniversalClient, instanceID, topic string, log zerolog.Logger) (message.Publisher, message.Subscriber, error) {
	adapter := logger.NewWatermill(log)
	marshaler := rstream.DefaultMarshallerUnmarshaller{}

	pub, err := rstream.NewPublisher(rstream.PublisherConfig{
		Client:     client,
		Marshaller: marshaler,
	}, adapter)
	if err != nil {
		return nil, nil, fmt.Errorf("create redis stream publisher failed: %w", err)
	}

	if err := ensureGroupAtTail(ctx, client, topic, consumerGroup); err != nil {
		_ = pub.Close()
		return nil, nil, err
	}

	sub, err := rstream.NewSubscriber(rstream.SubscriberConfig{
		Client:        client,
		Unmarshaller:  marshaler,
		ConsumerGroup: consumerGroup,
		Consumer:      instanceID,
	}, adapter)
	if err != nil {
		_ = pub.Close()
		return nil, nil, fmt.Errorf("create redis stream subscriber failed: %w", err)
	}
	return pub, sub, nil
}

func ensureGroupAtTail(ctx context.Context, client redisv9.UniversalClient, stream, group string) error {
	err := client.XGroupCreateMkStream(ctx, stream, group, "$").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group %s on %s failed: %w", group, stream, err)
	}
	return nil
}
