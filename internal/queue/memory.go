package queue

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"supportchat/internal/model"
)

type MemoryOptions struct {
	Concurrency   int64
	LaneSize      int
	HandleTimeout time.Duration
	Retry         RetryPolicy
}

// Memory is an in-process Queue. Each session gets its own FIFO lane drained
// by one goroutine, so items of a session are handled strictly in order, and a
// global semaphore bounds how many sessions are handled at once. Items are
// lost if the process exits; use it for development and tests.
type Memory struct {
	handler Handler
	opts    MemoryOptions
	logger  zerolog.Logger

	sem     *semaphore.Weighted
	pending atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	lanes  map[string]chan model.WorkItem
	closed bool

	deadMu sync.Mutex
	dead   []DeadLetter
}

func NewMemory(handler Handler, opts MemoryOptions, logger zerolog.Logger) *Memory {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 8
	}
	if opts.LaneSize <= 0 {
		opts.LaneSize = 256
	}
	if opts.Retry.MaxAttempts <= 0 {
		opts.Retry = DefaultRetryPolicy()
	}
	return &Memory{
		handler: handler,
		opts:    opts,
		logger:  logger.With().Str("component", "memory_queue").Logger(),
		sem:     semaphore.NewWeighted(opts.Concurrency),
		lanes:   make(map[string]chan model.WorkItem),
	}
}

// Start must be called before Enqueue.
func (q *Memory) Start(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.ctx, q.cancel = context.WithCancel(ctx)
}

func (q *Memory) Enqueue(_ context.Context, item model.WorkItem) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed || q.ctx == nil {
		return ErrClosed
	}

	lane, ok := q.lanes[item.SessionID]
	if !ok {
		lane = make(chan model.WorkItem, q.opts.LaneSize)
		q.lanes[item.SessionID] = lane
		q.wg.Add(1)
		go q.drain(item.SessionID, lane)
	}

	select {
	case lane <- item:
		q.pending.Add(1)
		return nil
	default:
		return fmt.Errorf("%w: session %s", ErrLaneFull, item.SessionID)
	}
}

// drain processes a lane until it is empty, then retires it. The emptiness
// check and the removal happen under q.mu, which Enqueue also holds while
// sending, so no item can slip into a retired lane.
func (q *Memory) drain(sessionID string, lane chan model.WorkItem) {
	defer q.wg.Done()
	for {
		select {
		case <-q.ctx.Done():
			return
		case item := <-lane:
			q.deliver(item)
			q.pending.Add(-1)
		default:
			q.mu.Lock()
			if len(lane) == 0 {
				delete(q.lanes, sessionID)
				q.mu.Unlock()
				return
			}
			q.mu.Unlock()
		}
	}
}

func (q *Memory) deliver(item model.WorkItem) {
	for attempt := 1; ; attempt++ {
		item.Attempt = attempt
		err := q.handle(item)
		if err == nil {
			return
		}
		if q.ctx.Err() != nil {
			return
		}

		log := q.logger.With().
			Str("delivery_id", item.DeliveryID).
			Str("session_id", item.SessionID).
			Int("attempt", attempt).
			Err(err).
			Logger()

		if !q.opts.Retry.ShouldRetry(err, attempt) {
			log.Error().Msg("work item dead-lettered")
			q.deadMu.Lock()
			q.dead = append(q.dead, DeadLetter{Item: item, Reason: err.Error(), FailedAt: time.Now()})
			q.deadMu.Unlock()
			return
		}

		log.Warn().Msg("work item failed, retrying")
		select {
		case <-q.ctx.Done():
			return
		case <-time.After(q.opts.Retry.NextDelay(attempt)):
		}
	}
}

func (q *Memory) handle(item model.WorkItem) error {
	if err := q.sem.Acquire(q.ctx, 1); err != nil {
		return err
	}
	defer q.sem.Release(1)

	ctx := q.ctx
	if q.opts.HandleTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, q.opts.HandleTimeout)
		defer cancel()
	}
	return q.handler(ctx, item)
}

// DeadLetters returns a copy of the items that exhausted their attempts.
func (q *Memory) DeadLetters() []DeadLetter {
	q.deadMu.Lock()
	defer q.deadMu.Unlock()
	out := make([]DeadLetter, len(q.dead))
	copy(out, q.dead)
	return out
}

// WaitIdle blocks until every enqueued item has been handled or
// dead-lettered, or the timeout expires.
func (q *Memory) WaitIdle(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for q.pending.Load() > 0 {
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(5 * time.Millisecond)
	}
	return true
}

// Stop refuses new items and waits for the lane goroutines to exit. Items
// still waiting in lanes are dropped.
func (q *Memory) Stop() {
	q.mu.Lock()
	q.closed = true
	cancel := q.cancel
	q.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	q.wg.Wait()
}
