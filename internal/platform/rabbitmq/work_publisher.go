package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"supportchat/internal/model"
	"supportchat/internal/queue"
)

// ChannelOpener hands out AMQP channels. *Conn and *amqp.Connection both
// satisfy it.
type ChannelOpener interface {
	Channel() (*amqp.Channel, error)
}

type confirmation interface {
	WaitContext(ctx context.Context) (bool, error)
}

type publishChannel interface {
	publish(ctx context.Context, routingKey string, msg amqp.Publishing) (confirmation, error)
	IsClosed() bool
	Close() error
}

// WorkPublisher is the RabbitMQ backed queue.Queue. Enqueue returns only
// after the broker has confirmed the persistent message. The shared channel is
// locked for the publish itself; confirms are awaited outside the lock so one
// slow confirm does not hold up other connections' enqueues.
type WorkPublisher struct {
	open     func() (publishChannel, error)
	topology Topology

	mu sync.Mutex
	ch publishChannel
}

func NewWorkPublisher(conn ChannelOpener, topology Topology) (*WorkPublisher, error) {
	if topology.Partitions <= 0 {
		topology.Partitions = 1
	}
	p := &WorkPublisher{
		open:     func() (publishChannel, error) { return openConfirmChannel(conn, topology) },
		topology: topology,
	}
	if _, err := p.channel(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *WorkPublisher) Enqueue(ctx context.Context, item model.WorkItem) error {
	payload, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("marshal work item failed: %w", err)
	}
	routingKey := p.topology.PartitionQueue(queue.Partition(item.SessionID, p.topology.Partitions))

	p.mu.Lock()
	ch, err := p.channelLocked()
	if err != nil {
		p.mu.Unlock()
		return err
	}
	confirm, err := ch.publish(ctx, routingKey, amqp.Publishing{
		ContentType:  "application/json",
		MessageId:    item.DeliveryID,
		Timestamp:    item.EnqueuedAt,
		Body:         payload,
		DeliveryMode: amqp.Persistent,
	})
	if err != nil {
		p.resetLocked(ch)
		p.mu.Unlock()
		return fmt.Errorf("publish work item failed: %w", err)
	}
	p.mu.Unlock()

	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		p.reset(ch)
		return fmt.Errorf("wait publish confirm failed: %w", err)
	}
	if !acked {
		return fmt.Errorf("broker rejected work item %s", item.DeliveryID)
	}
	return nil
}

func (p *WorkPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch == nil {
		return nil
	}
	err := p.ch.Close()
	p.ch = nil
	return err
}

func (p *WorkPublisher) channel() (publishChannel, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.channelLocked()
}

func (p *WorkPublisher) channelLocked() (publishChannel, error) {
	if p.ch != nil && !p.ch.IsClosed() {
		return p.ch, nil
	}
	ch, err := p.open()
	if err != nil {
		return nil, err
	}
	p.ch = ch
	return ch, nil
}

func (p *WorkPublisher) reset(ch publishChannel) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resetLocked(ch)
}

// resetLocked drops ch unless another caller already replaced it.
func (p *WorkPublisher) resetLocked(ch publishChannel) {
	if p.ch == nil || p.ch != ch {
		return
	}
	_ = p.ch.Close()
	p.ch = nil
}

func openConfirmChannel(conn ChannelOpener, topology Topology) (publishChannel, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open rabbitmq channel failed: %w", err)
	}
	if err := topology.Declare(ch); err != nil {
		_ = ch.Close()
		return nil, err
	}
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("enable publisher confirms failed: %w", err)
	}
	return confirmChannel{ch}, nil
}

type confirmChannel struct {
	*amqp.Channel
}

func (c confirmChannel) publish(ctx context.Context, routingKey string, msg amqp.Publishing) (confirmation, error) {
	dc, err := c.PublishWithDeferredConfirmWithContext(ctx, "", routingKey, false, false, msg)
	if err != nil {
		return nil, err
	}
	if dc == nil {
		return nil, errors.New("publisher confirms not enabled")
	}
	return dc, nil
}
