package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

var ErrUnknownKey = errors.New("no key matches token kid")

const (
	defaultKeySetTTL     = time.Hour
	minRefreshInterval   = 30 * time.Second
	keySetRefreshTimeout = 10 * time.Second
)

// KeySet caches an identity provider's JWKS document. Only the very first
// lookup waits for the network; afterwards a stale document or an unknown kid
// schedules a background refresh and the cached keys keep serving meanwhile.
type KeySet struct {
	url    string
	client *http.Client
	ttl    time.Duration
	logger zerolog.Logger
	now    func() time.Time

	mu          sync.RWMutex
	keys        *jose.JSONWebKeySet
	fetchedAt   time.Time
	lastAttempt time.Time

	group singleflight.Group
	wg    sync.WaitGroup
}

func NewKeySet(url string, ttl time.Duration, logger zerolog.Logger) *KeySet {
	if ttl <= 0 {
		ttl = defaultKeySetTTL
	}
	return &KeySet{
		url:    url,
		client: &http.Client{Timeout: keySetRefreshTimeout},
		ttl:    ttl,
		logger: logger.With().Str("component", "jwks").Logger(),
		now:    time.Now,
	}
}

func (k *KeySet) Methods() []string {
	return []string{"RS256", "RS384", "RS512", "PS256", "PS384", "PS512", "ES256", "ES384", "ES512"}
}

func (k *KeySet) Key(ctx context.Context, token *jwt.Token) (interface{}, error) {
	kid, _ := token.Header["kid"].(string)

	k.mu.RLock()
	keys, fetchedAt := k.keys, k.fetchedAt
	k.mu.RUnlock()

	if keys == nil {
		fetched, err := k.refresh(ctx)
		if err != nil {
			return nil, err
		}
		keys = fetched
	} else if k.now().Sub(fetchedAt) > k.ttl {
		k.refreshAsync()
	}

	key, ok := lookupKey(keys, kid)
	if !ok {
		k.refreshAsync()
		return nil, ErrUnknownKey
	}
	return key, nil
}

// Prefetch loads the document if nothing is cached yet.
func (k *KeySet) Prefetch(ctx context.Context) error {
	k.mu.RLock()
	cached := k.keys != nil
	k.mu.RUnlock()
	if cached {
		return nil
	}
	_, err := k.refresh(ctx)
	return err
}

// Wait blocks until in-flight background refreshes have finished.
func (k *KeySet) Wait() {
	k.wg.Wait()
}

func (k *KeySet) refreshAsync() {
	k.mu.Lock()
	if k.now().Sub(k.lastAttempt) < minRefreshInterval && k.keys != nil && k.now().Sub(k.fetchedAt) <= k.ttl {
		k.mu.Unlock()
		return
	}
	k.lastAttempt = k.now()
	k.mu.Unlock()

	k.wg.Add(1)
	go func() {
		defer k.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), keySetRefreshTimeout)
		defer cancel()
		if _, err := k.refresh(ctx); err != nil {
			k.logger.Warn().Err(err).Msg("background jwks refresh failed, serving cached keys")
		}
	}()
}

func (k *KeySet) refresh(ctx context.Context) (*jose.JSONWebKeySet, error) {
	v, err, _ := k.group.Do("jwks", func() (interface{}, error) {
		keys, err := k.fetch(ctx)
		if err != nil {
			return nil, err
		}
		k.mu.Lock()
		k.keys = keys
		k.fetchedAt = k.now()
		k.mu.Unlock()
		k.logger.Debug().Int("keys", len(keys.Keys)).Msg("jwks refreshed")
		return keys, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*jose.JSONWebKeySet), nil
}

func (k *KeySet) fetch(ctx context.Context) (*jose.JSONWebKeySet, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, k.url, nil)
	if err != nil {
		return nil, fmt.Errorf("build jwks request failed: %w", err)
	}
	resp, err := k.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("jwks request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read jwks response failed: %w", err)
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("jwks response status %d", resp.StatusCode)
	}

	var keys jose.JSONWebKeySet
	if err := json.Unmarshal(raw, &keys); err != nil {
		return nil, fmt.Errorf("parse jwks failed: %w", err)
	}
	return &keys, nil
}

func lookupKey(keys *jose.JSONWebKeySet, kid string) (interface{}, bool) {
	if kid == "" {
		if len(keys.Keys) == 1 {
			return keys.Keys[0].Key, true
		}
		return nil, false
	}
	for _, candidate := range keys.Key(kid) {
		if candidate.Use == "" || candidate.Use == "sig" {
			return candidate.Key, true
		}
	}
	return nil, false
}
