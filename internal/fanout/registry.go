// Package fanout lets any instance push to a session whose websocket lives on
// another instance. A Redis sorted set per session records which instances
// hold a connection for it, and each instance consumes its own Redis stream
// of push requests.
package fanout

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	redisv9 "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Registry records which instances hold connections for a session. Members
// are scored with their last heartbeat so entries of a crashed instance age
// out after ttl.
type Registry struct {
	client     redisv9.UniversalClient
	instanceID string
	ttl        time.Duration
	logger     zerolog.Logger
	now        func() time.Time

	mu       sync.Mutex
	sessions map[string]struct{}
}

func NewRegistry(client redisv9.UniversalClient, instanceID string, ttl time.Duration, logger zerolog.Logger) *Registry {
	if ttl <= 0 {
		ttl = 90 * time.Second
	}
	return &Registry{
		client:     client,
		instanceID: instanceID,
		ttl:        ttl,
		logger:     logger.With().Str("component", "fanout_registry").Logger(),
		now:        time.Now,
		sessions:   make(map[string]struct{}),
	}
}

func (r *Registry) SessionBound(ctx context.Context, sessionID string) {
	r.mu.Lock()
	r.sessions[sessionID] = struct{}{}
	r.mu.Unlock()

	if err := r.announce(ctx, []string{sessionID}); err != nil {
		r.logger.Warn().Str("session_id", sessionID).Err(err).Msg("register session owner failed")
	}
}

func (r *Registry) SessionUnbound(ctx context.Context, sessionID string) {
	r.mu.Lock()
	delete(r.sessions, sessionID)
	r.mu.Unlock()

	if err := r.client.ZRem(ctx, key(sessionID), r.instanceID).Err(); err != nil {
		r.logger.Warn().Str("session_id", sessionID).Err(err).Msg("unregister session owner failed")
	}
}

// Owners returns the instances with a live connection for sessionID.
func (r *Registry) Owners(ctx context.Context, sessionID string) ([]string, error) {
	minScore := strconv.FormatInt(r.now().Add(-r.ttl).UnixMilli(), 10)
	owners, err := r.client.ZRangeByScore(ctx, key(sessionID), &redisv9.ZRangeBy{Min: minScore, Max: "+inf"}).Result()
	if err != nil {
		return nil, fmt.Errorf("redis lookup session owners failed: %w", err)
	}
	return owners, nil
}

// Run re-announces local sessions until ctx is done, then withdraws them.
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(r.ttl / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.withdraw()
			return
		case <-ticker.C:
			if err := r.announce(ctx, r.localSessions()); err != nil {
				r.logger.Warn().Err(err).Msg("refresh session owners failed")
			}
		}
	}
}

func (r *Registry) announce(ctx context.Context, sessionIDs []string) error {
	if len(sessionIDs) == 0 {
		return nil
	}
	nowMs := r.now().UnixMilli()
	staleBefore := strconv.FormatInt(nowMs-r.ttl.Milliseconds(), 10)

	_, err := r.client.Pipelined(ctx, func(pipe redisv9.Pipeliner) error {
		for _, sessionID := range sessionIDs {
			k := key(sessionID)
			pipe.ZAdd(ctx, k, redisv9.Z{Score: float64(nowMs), Member: r.instanceID})
			pipe.ZRemRangeByScore(ctx, k, "-inf", "("+staleBefore)
			pipe.Expire(ctx, k, 2*r.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis announce sessions failed: %w", err)
	}
	return nil
}

func (r *Registry) withdraw() {
	sessions := r.localSessions()
	if len(sessions) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, err := r.client.Pipelined(ctx, func(pipe redisv9.Pipeliner) error {
		for _, sessionID := range sessions {
			pipe.ZRem(ctx, key(sessionID), r.instanceID)
		}
		return nil
	})
	if err != nil {
		r.logger.Warn().Err(err).Msg("withdraw session owners failed")
	}
}

func (r *Registry) localSessions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.sessions))
	for sessionID := range r.sessions {
		out = append(out, sessionID)
	}
	return out
}

func key(sessionID string) string {
	return "chat:conn:" + sessionID
}
