package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

var ErrConnClosed = errors.New("rabbitmq connection closed")

// dial connects and opens one channel to make sure the broker answers.
func dial(ctx context.Context, url string) (*amqp.Connection, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq failed: %w", err)
	}

	checkCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		ch, err := conn.Channel()
		if err != nil {
			done <- err
			return
		}
		done <- ch.Close()
	}()

	select {
	case <-checkCtx.Done():
		_ = conn.Close()
		return nil, fmt.Errorf("rabbitmq health check timeout: %w", checkCtx.Err())
	case err := <-done:
		if err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("open rabbitmq channel failed: %w", err)
		}
		return conn, nil
	}
}

// Conn keeps one AMQP connection for the publisher and the consumers. When
// the broker drops it, the next Channel call dials again.
type Conn struct {
	url    string
	logger zerolog.Logger

	mu     sync.Mutex
	conn   *amqp.Connection
	closed bool
}

func Dial(ctx context.Context, url string, logger zerolog.Logger) (*Conn, error) {
	conn, err := dial(ctx, url)
	if err != nil {
		return nil, err
	}
	return &Conn{
		url:    url,
		logger: logger.With().Str("component", "rabbitmq").Logger(),
		conn:   conn,
	}, nil
}

func (c *Conn) Channel() (*amqp.Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrConnClosed
	}
	if c.conn.IsClosed() {
		conn, err := amqp.Dial(c.url)
		if err != nil {
			return nil, fmt.Errorf("redial rabbitmq failed: %w", err)
		}
		c.logger.Warn().Msg("rabbitmq connection re-established")
		c.conn = conn
	}
	ch, err := c.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open rabbitmq channel failed: %w", err)
	}
	return ch, nil
}

// IsClosed reports whether the current connection is down. It turns false
// again once a later Channel call has redialed.
func (c *Conn) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed || c.conn.IsClosed()
}

func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if c.conn.IsClosed() {
		return nil
	}
	return c.conn.Close()
}

// Topology names the queues backing the work queue: one durable queue per
// partition, each dead-lettering into a shared dead queue.
type Topology struct {
	Name       string
	Partitions int
}

func (t Topology) PartitionQueue(i int) string {
	return fmt.Sprintf("%s.%d", t.Name, i)
}

func (t Topology) DeadExchange() string {
	return t.Name + ".dlx"
}

func (t Topology) DeadQueue() string {
	return t.Name + ".dead"
}

// Declare creates the exchanges and queues. It is idempotent.
func (t Topology) Declare(ch *amqp.Channel) error {
	if err := ch.ExchangeDeclare(t.DeadExchange(), amqp.ExchangeDirect, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare dead-letter exchange failed: %w", err)
	}
	if _, err := ch.QueueDeclare(t.DeadQueue(), true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare dead-letter queue failed: %w", err)
	}
	if err := ch.QueueBind(t.DeadQueue(), t.DeadQueue(), t.DeadExchange(), false, nil); err != nil {
		return fmt.Errorf("bind dead-letter queue failed: %w", err)
	}

	args := amqp.Table{
		"x-dead-letter-exchange":    t.DeadExchange(),
		"x-dead-letter-routing-key": t.DeadQueue(),
		// Only one consumer across all instances reads a partition at a time.
		"x-single-active-consumer": true,
	}
	for i := 0; i < t.Partitions; i++ {
		if _, err := ch.QueueDeclare(t.PartitionQueue(i), true, false, false, false, args); err != nil {
			return fmt.Errorf("declare work queue %s failed: %w", t.PartitionQueue(i), err)
		}
	}
	return nil
}
