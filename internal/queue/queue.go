// Package queue defines the durable work queue between the Dispatcher and the
// Processor and ships an in-process implementation of it.
package queue

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"time"

	"supportchat/internal/model"
)

var (
	ErrClosed    = errors.New("queue closed")
	ErrLaneFull  = errors.New("session lane full")
	ErrPermanent = errors.New("permanent failure")
)

// Queue accepts work items. Once Enqueue returns nil the item will be handed
// to the registered Handler at least once.
type Queue interface {
	Enqueue(ctx context.Context, item model.WorkItem) error
}

// Handler processes one work item. A non-nil error asks for redelivery.
type Handler func(ctx context.Context, item model.WorkItem) error

// DeadLetter is a work item that exhausted its attempts.
type DeadLetter struct {
	Item     model.WorkItem
	Reason   string
	FailedAt time.Time
}

// Permanent marks err so the item is dead-lettered without further attempts.
func Permanent(err error) error {
	return fmt.Errorf("%w: %w", ErrPermanent, err)
}

// Partition maps a session onto one of n partitions. Items of one session
// always land on the same partition.
func Partition(sessionID string, n int) int {
	if n <= 1 {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(sessionID))
	return int(h.Sum32() % uint32(n))
}
