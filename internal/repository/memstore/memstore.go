// Package memstore keeps sessions and messages in process memory. It backs the
// "memory" store driver for local development and the pipeline tests.
package memstore

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"

	"supportchat/internal/model"
	"supportchat/internal/repository"
)

type Store struct {
	mu       sync.RWMutex
	sessions map[string]model.Session
	messages map[string][]model.Message
	ids      map[string]struct{}
	seq      uint64

	failNext int
	failErr  error
}

var _ repository.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		sessions: make(map[string]model.Session),
		messages: make(map[string][]model.Message),
		ids:      make(map[string]struct{}),
	}
}

// FailWrites makes the next n write calls return err.
func (s *Store) FailWrites(n int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = n
	s.failErr = err
}

func (s *Store) injectedFailure() error {
	if s.failNext > 0 {
		s.failNext--
		return s.failErr
	}
	return nil
}

func (s *Store) UpsertSession(_ context.Context, session model.Session) (*model.Session, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injectedFailure(); err != nil {
		return nil, false, err
	}
	if existing, ok := s.sessions[session.SessionID]; ok {
		return &existing, false, nil
	}
	if session.Status == "" {
		session.Status = model.SessionPending
	}
	s.sessions[session.SessionID] = session
	return &session, true, nil
}

func (s *Store) TouchSession(_ context.Context, sessionID, latestQuestion, at string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injectedFailure(); err != nil {
		return err
	}
	session, ok := s.sessions[sessionID]
	if !ok {
		return nil
	}
	session.LastSeenTimestamp = at
	if latestQuestion != "" {
		session.LatestQuestion = latestQuestion
	}
	s.sessions[sessionID] = session
	return nil
}

func (s *Store) GetSession(_ context.Context, sessionID string) (*model.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[sessionID]
	if !ok {
		return nil, nil
	}
	return &session, nil
}

func (s *Store) LatestSessionByUser(ctx context.Context, userID string) (*model.Session, error) {
	page, err := s.ListSessionsByUser(ctx, userID, repository.Page{Limit: 1})
	if err != nil || len(page.Items) == 0 {
		return nil, err
	}
	return &page.Items[0], nil
}

func (s *Store) ListSessionsByUser(_ context.Context, userID string, page repository.Page) (*repository.SessionPage, error) {
	page = page.Normalize()
	raw, err := repository.DecodeToken(page.StartingToken)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	var owned []model.Session
	for _, session := range s.sessions {
		if session.UserID == userID {
			owned = append(owned, session)
		}
	}
	s.mu.RUnlock()

	sort.Slice(owned, func(i, j int) bool {
		return sessionKey(owned[i]) > sessionKey(owned[j])
	})
	if raw != "" {
		cut := sort.Search(len(owned), func(i int) bool { return sessionKey(owned[i]) < raw })
		owned = owned[cut:]
	}

	out := &repository.SessionPage{Items: owned}
	if len(owned) > page.Limit {
		out.Items = owned[:page.Limit]
		out.NextToken = repository.EncodeToken(sessionKey(out.Items[len(out.Items)-1]))
	}
	return out, nil
}

func (s *Store) ListSessionsByStatus(_ context.Context, status model.SessionStatus, page repository.Page) (*repository.SessionPage, error) {
	page = page.Normalize()
	raw, err := repository.DecodeToken(page.StartingToken)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	var matched []model.Session
	for _, session := range s.sessions {
		if session.Status == status {
			matched = append(matched, session)
		}
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		return sessionKey(matched[i]) < sessionKey(matched[j])
	})
	if raw != "" {
		cut := sort.Search(len(matched), func(i int) bool { return sessionKey(matched[i]) > raw })
		matched = matched[cut:]
	}

	out := &repository.SessionPage{Items: matched}
	if len(matched) > page.Limit {
		out.Items = matched[:page.Limit]
		out.NextToken = repository.EncodeToken(sessionKey(out.Items[len(out.Items)-1]))
	}
	return out, nil
}

func (s *Store) ClaimSession(_ context.Context, sessionID, agentID, at string) (*model.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injectedFailure(); err != nil {
		return nil, err
	}
	session, ok := s.sessions[sessionID]
	if !ok {
		return nil, nil
	}
	if session.Status != model.SessionPending && session.AgentID != agentID {
		return nil, repository.ErrAlreadyClaimed
	}
	session.AgentID = agentID
	session.Status = model.SessionActive
	session.LastSeenTimestamp = at
	s.sessions[sessionID] = session
	return &session, nil
}

func sessionKey(s model.Session) string {
	return s.CreateTimestamp + "|" + s.SessionID
}

func (s *Store) CreateMessage(_ context.Context, message *model.Message) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injectedFailure(); err != nil {
		return false, err
	}
	if _, ok := s.ids[message.MessageID]; ok {
		return false, nil
	}
	s.seq++
	message.Seq = s.seq
	s.ids[message.MessageID] = struct{}{}
	s.messages[message.SessionID] = append(s.messages[message.SessionID], *message)
	return true, nil
}

func (s *Store) ListMessagesBySession(_ context.Context, sessionID string, page repository.Page) (*repository.MessagePage, error) {
	page = page.Normalize()
	raw, err := repository.DecodeToken(page.StartingToken)
	if err != nil {
		return nil, err
	}
	var after uint64
	if raw != "" {
		if after, err = strconv.ParseUint(strings.TrimSpace(raw), 10, 64); err != nil {
			return nil, repository.ErrInvalidToken
		}
	}

	s.mu.RLock()
	var items []model.Message
	for _, m := range s.messages[sessionID] {
		if m.Seq > after {
			items = append(items, m)
		}
	}
	s.mu.RUnlock()

	out := &repository.MessagePage{Items: items}
	if len(items) > page.Limit {
		out.Items = items[:page.Limit]
		out.NextToken = repository.EncodeToken(strconv.FormatUint(out.Items[len(out.Items)-1].Seq, 10))
	}
	return out, nil
}

func (s *Store) ListRecentMessages(_ context.Context, sessionID string, limit int) ([]model.Message, error) {
	if limit <= 0 {
		return nil, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := s.messages[sessionID]
	if len(all) > limit {
		all = all[len(all)-limit:]
	}
	out := make([]model.Message, len(all))
	copy(out, all)
	return out, nil
}

// SessionCount is used by tests to assert idempotent upserts.
func (s *Store) SessionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}
