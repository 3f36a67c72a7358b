package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"supportchat/internal/model"
	"supportchat/internal/platform/rabbitmq"
	"supportchat/internal/queue"
)

// Acknowledger is the subset of amqp.Delivery the consumer settles with.
type Acknowledger interface {
	Ack(multiple bool) error
	Nack(multiple, requeue bool) error
}

// WorkConsumer reads every work partition with prefetch 1 and hands items to
// the handler. Retries happen in place, before the delivery is settled, so a
// failing item keeps later items of its session waiting behind it. When the
// attempts are used up the delivery is rejected into the dead-letter queue.
// A partition whose channel or connection is lost is subscribed to again.
type WorkConsumer struct {
	conn          rabbitmq.ChannelOpener
	topology      rabbitmq.Topology
	handler       queue.Handler
	retry         queue.RetryPolicy
	resubscribe   queue.RetryPolicy
	handleTimeout time.Duration
	logger        zerolog.Logger

	subscribe func(queueName string) (<-chan amqp.Delivery, io.Closer, error)

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewWorkConsumer(conn rabbitmq.ChannelOpener, topology rabbitmq.Topology, handler queue.Handler, retry queue.RetryPolicy, handleTimeout time.Duration, logger zerolog.Logger) *WorkConsumer {
	if topology.Partitions <= 0 {
		topology.Partitions = 1
	}
	w := &WorkConsumer{
		conn:          conn,
		topology:      topology,
		handler:       handler,
		retry:         retry,
		resubscribe:   queue.RetryPolicy{InitialDelay: 500 * time.Millisecond, Multiplier: 2, MaxDelay: 30 * time.Second},
		handleTimeout: handleTimeout,
		logger:        logger.With().Str("component", "work_consumer").Logger(),
	}
	w.subscribe = w.consume
	return w
}

func (w *WorkConsumer) Start(ctx context.Context) error {
	if w.cancel != nil {
		return nil
	}

	workerCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

	for i := 0; i < w.topology.Partitions; i++ {
		queueName := w.topology.PartitionQueue(i)
		deliveries, ch, err := w.subscribe(queueName)
		if err != nil {
			cancel()
			w.wg.Wait()
			return err
		}

		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			w.run(workerCtx, queueName, deliveries, ch)
		}()
	}

	w.logger.Info().Int("partitions", w.topology.Partitions).Msg("work consumer started")
	return nil
}

// run reads one partition until ctx is done, subscribing again with backoff
// whenever the broker closes the delivery channel.
func (w *WorkConsumer) run(ctx context.Context, queueName string, deliveries <-chan amqp.Delivery, ch io.Closer) {
	for {
		w.loop(ctx, queueName, deliveries)
		_ = ch.Close()

		var ok bool
		if deliveries, ch, ok = w.resubscribeTo(ctx, queueName); !ok {
			return
		}
	}
}

func (w *WorkConsumer) resubscribeTo(ctx context.Context, queueName string) (<-chan amqp.Delivery, io.Closer, bool) {
	for attempt := 1; ; attempt++ {
		select {
		case <-ctx.Done():
			return nil, nil, false
		case <-time.After(w.resubscribe.NextDelay(attempt)):
		}

		deliveries, ch, err := w.subscribe(queueName)
		if err == nil {
			w.logger.Info().Str("queue", queueName).Int("attempt", attempt).Msg("work queue resubscribed")
			return deliveries, ch, true
		}
		w.logger.Warn().Str("queue", queueName).Int("attempt", attempt).Err(err).Msg("resubscribe work queue failed")
	}
}

func (w *WorkConsumer) consume(queueName string) (<-chan amqp.Delivery, io.Closer, error) {
	ch, err := w.conn.Channel()
	if err != nil {
		return nil, nil, fmt.Errorf("open worker channel failed: %w", err)
	}
	if err := w.topology.Declare(ch); err != nil {
		_ = ch.Close()
		return nil, nil, err
	}
	if err := ch.Qos(1, 0, false); err != nil {
		_ = ch.Close()
		return nil, nil, fmt.Errorf("set worker prefetch failed: %w", err)
	}
	deliveries, err := ch.Consume(
		queueName,
		"",
		false,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		_ = ch.Close()
		return nil, nil, fmt.Errorf("consume queue %s failed: %w", queueName, err)
	}
	return deliveries, ch, nil
}

func (w *WorkConsumer) loop(ctx context.Context, queueName string, deliveries <-chan amqp.Delivery) {
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				w.logger.Warn().Str("queue", queueName).Msg("delivery channel closed")
				return
			}
			w.Process(ctx, d.Body, d.Redelivered, &d)
		}
	}
}

// Process runs one delivery through the handler and settles it.
func (w *WorkConsumer) Process(ctx context.Context, body []byte, redelivered bool, ack Acknowledger) {
	var item model.WorkItem
	if err := json.Unmarshal(body, &item); err != nil {
		w.logger.Error().Err(err).Msg("undecodable work item dead-lettered")
		_ = ack.Nack(false, false)
		return
	}

	first := 1
	if redelivered {
		first = 2
	}

	for attempt := first; ; attempt++ {
		item.Attempt = attempt
		err := w.handle(ctx, item)
		if err == nil {
			_ = ack.Ack(false)
			return
		}

		if ctx.Err() != nil {
			// Shutting down: hand the item back to the broker untouched.
			_ = ack.Nack(false, true)
			return
		}

		log := w.logger.With().
			Str("delivery_id", item.DeliveryID).
			Str("session_id", item.SessionID).
			Int("attempt", attempt).
			Err(err).
			Logger()

		if !w.retry.ShouldRetry(err, attempt) {
			log.Error().Bool("permanent", errors.Is(err, queue.ErrPermanent)).Msg("work item dead-lettered")
			_ = ack.Nack(false, false)
			return
		}

		log.Warn().Msg("work item failed, retrying")
		select {
		case <-ctx.Done():
			_ = ack.Nack(false, true)
			return
		case <-time.After(w.retry.NextDelay(attempt)):
		}
	}
}

func (w *WorkConsumer) handle(ctx context.Context, item model.WorkItem) error {
	if w.handleTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.handleTimeout)
		defer cancel()
	}
	return w.handler(ctx, item)
}

func (w *WorkConsumer) Close() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
}
