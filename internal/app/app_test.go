package app

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"supportchat/internal/ai"
	"supportchat/internal/gateway"
	"supportchat/internal/model"
	"supportchat/internal/queue"
	"supportchat/internal/repository"
	"supportchat/internal/repository/memstore"
)

type fakePusher struct {
	mu        sync.Mutex
	frames    []model.PushFrame
	audiences []model.Audience
	result    gateway.PushResult
}

func (p *fakePusher) Push(_ context.Context, audience model.Audience, frame model.PushFrame) gateway.PushResult {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.frames = append(p.frames, frame)
	p.audiences = append(p.audiences, audience)
	return p.result
}

func (p *fakePusher) pushedTo() []model.Audience {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]model.Audience(nil), p.audiences...)
}

func (p *fakePusher) pushed() []model.PushFrame {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]model.PushFrame(nil), p.frames...)
}

type fakeReplier struct {
	answer  string
	err     error
	calls   int
	history []model.Message
}

func (r *fakeReplier) Reply(_ context.Context, _ string, history []model.Message, query string) (string, error) {
	r.calls++
	r.history = history
	if r.err != nil {
		return "", r.err
	}
	if r.answer != "" {
		return r.answer, nil
	}
	return "echo: " + query, nil
}

type fakeCache struct {
	pages       map[string]*repository.MessagePage
	dirty       map[string]bool
	invalidated int
	hits        int
}

func newFakeCache() *fakeCache {
	return &fakeCache{pages: map[string]*repository.MessagePage{}, dirty: map[string]bool{}}
}

func (c *fakeCache) GetFirstPage(_ context.Context, sessionID string, _ int) (*repository.MessagePage, bool, error) {
	page, ok := c.pages[sessionID]
	if ok {
		c.hits++
	}
	return page, ok, nil
}

func (c *fakeCache) SetFirstPage(_ context.Context, sessionID string, _ int, page *repository.MessagePage) error {
	c.pages[sessionID] = page
	return nil
}

func (c *fakeCache) Invalidate(_ context.Context, sessionID string) error {
	c.invalidated++
	delete(c.pages, sessionID)
	return nil
}

func (c *fakeCache) IsDirty(_ context.Context, sessionID string) (bool, error) {
	return c.dirty[sessionID], nil
}

func sendItem(deliveryID, sessionID, userID, query string) model.WorkItem {
	return model.WorkItem{
		DeliveryID: deliveryID,
		SessionID:  sessionID,
		UserID:     userID,
		Query:      query,
		Action:     model.ActionSendMessage,
		Attempt:    1,
	}
}

func messages(t *testing.T, store repository.Store, sessionID string) []model.Message {
	t.Helper()
	page, err := store.ListMessagesBySession(context.Background(), sessionID, repository.Page{Limit: 200})
	require.NoError(t, err)
	return page.Items
}

func TestProcessorSendMessage(t *testing.T) {
	store := memstore.New()
	pusher := &fakePusher{result: gateway.Delivered}
	cache := newFakeCache()
	p := NewProcessor(store, &fakeReplier{}, pusher, cache, 10, zerolog.Nop())

	require.NoError(t, p.Handle(context.Background(), sendItem("d1", "abc", "u1", "hello")))

	stored := messages(t, store, "abc")
	require.Len(t, stored, 2)
	assert.Equal(t, model.RoleUser, stored[0].Role)
	assert.Equal(t, "hello", stored[0].Content)
	assert.Equal(t, MessageID("d1", "inbound"), stored[0].MessageID)
	assert.Equal(t, model.RoleBot, stored[1].Role)
	assert.Equal(t, "echo: hello", stored[1].Content)
	assert.Equal(t, "u1", stored[1].UserID)

	session, err := store.GetSession(context.Background(), "abc")
	require.NoError(t, err)
	require.NotNil(t, session)
	assert.Equal(t, "u1", session.UserID)
	assert.Equal(t, "hello", session.LatestQuestion)

	frames := pusher.pushed()
	require.Len(t, frames, 1)
	assert.Equal(t, stored[1].MessageID, frames[0].MessageID)
	assert.Equal(t, "echo: hello", frames[0].Query)
	assert.Equal(t, 2, cache.invalidated)
}

func TestProcessorConnectionGoneIsNotAnError(t *testing.T) {
	store := memstore.New()
	pusher := &fakePusher{result: gateway.ConnectionGone}
	p := NewProcessor(store, &fakeReplier{}, pusher, nil, 10, zerolog.Nop())

	require.NoError(t, p.Handle(context.Background(), sendItem("d1", "abc", "u1", "hello")))
	assert.Len(t, messages(t, store, "abc"), 2)
}

func TestProcessorRedeliveryDoesNotDuplicate(t *testing.T) {
	store := memstore.New()
	pusher := &fakePusher{result: gateway.Delivered}
	p := NewProcessor(store, &fakeReplier{}, pusher, nil, 10, zerolog.Nop())

	item := sendItem("d1", "abc", "u1", "hello")
	require.NoError(t, p.Handle(context.Background(), item))
	item.Attempt = 2
	require.NoError(t, p.Handle(context.Background(), item))

	assert.Len(t, messages(t, store, "abc"), 2)
	assert.Equal(t, 1, store.SessionCount())
	assert.Len(t, pusher.pushed(), 1)
}

func TestProcessorStoreFailureIsRetriable(t *testing.T) {
	store := memstore.New()
	pusher := &fakePusher{result: gateway.Delivered}
	p := NewProcessor(store, &fakeReplier{}, pusher, nil, 10, zerolog.Nop())

	store.FailWrites(1, errors.New("throttled"))
	err := p.Handle(context.Background(), sendItem("d1", "abc", "u1", "hello"))
	require.Error(t, err)
	assert.NotErrorIs(t, err, queue.ErrPermanent)
	assert.Empty(t, pusher.pushed())

	require.NoError(t, p.Handle(context.Background(), sendItem("d1", "abc", "u1", "hello")))
	assert.Len(t, messages(t, store, "abc"), 2)
	assert.Len(t, pusher.pushed(), 1)
}

func TestProcessorReplierFailure(t *testing.T) {
	store := memstore.New()
	pusher := &fakePusher{result: gateway.Delivered}

	replier := &fakeReplier{err: errors.New("timeout")}
	p := NewProcessor(store, replier, pusher, nil, 10, zerolog.Nop())
	err := p.Handle(context.Background(), sendItem("d1", "abc", "u1", "hello"))
	require.Error(t, err)
	assert.NotErrorIs(t, err, queue.ErrPermanent)

	replier.err = &ai.StatusError{StatusCode: 400}
	err = p.Handle(context.Background(), sendItem("d1", "abc", "u1", "hello"))
	require.ErrorIs(t, err, queue.ErrPermanent)

	// The user message is stored once; no reply exists.
	stored := messages(t, store, "abc")
	require.Len(t, stored, 1)
	assert.Equal(t, model.RoleUser, stored[0].Role)
	assert.Empty(t, pusher.pushed())
}

func TestProcessorHistoryExcludesCurrentMessage(t *testing.T) {
	store := memstore.New()
	replier := &fakeReplier{}
	p := NewProcessor(store, replier, &fakePusher{}, nil, 3, zerolog.Nop())

	for i, q := range []string{"a", "b", "c"} {
		require.NoError(t, p.Handle(context.Background(), sendItem(string(rune('1'+i)), "abc", "u1", q)))
	}

	// Prior turns: a, echo a, b, echo b; the last three are kept.
	require.Len(t, replier.history, 3)
	assert.Equal(t, "echo: a", replier.history[0].Content)
	assert.Equal(t, "b", replier.history[1].Content)
	assert.Equal(t, "echo: b", replier.history[2].Content)
}

func TestProcessorDistinctDeliveriesGetDistinctIDs(t *testing.T) {
	store := memstore.New()
	p := NewProcessor(store, &fakeReplier{}, &fakePusher{}, nil, 10, zerolog.Nop())

	require.NoError(t, p.Handle(context.Background(), sendItem("d1", "abc", "u1", "same")))
	require.NoError(t, p.Handle(context.Background(), sendItem("d2", "abc", "u1", "same")))

	stored := messages(t, store, "abc")
	require.Len(t, stored, 4)
	ids := map[string]struct{}{}
	for _, m := range stored {
		ids[m.MessageID] = struct{}{}
	}
	assert.Len(t, ids, 4)
}

func TestProcessorForeignSessionIsPermanent(t *testing.T) {
	store := memstore.New()
	p := NewProcessor(store, &fakeReplier{}, &fakePusher{}, nil, 10, zerolog.Nop())

	require.NoError(t, p.Handle(context.Background(), sendItem("d1", "abc", "u1", "hi")))
	err := p.Handle(context.Background(), sendItem("d2", "abc", "intruder", "hi"))
	require.ErrorIs(t, err, queue.ErrPermanent)
	require.ErrorIs(t, err, ErrSessionNotFound)
	assert.Len(t, messages(t, store, "abc"), 2)
}

func TestProcessorAgentMessage(t *testing.T) {
	store := memstore.New()
	pusher := &fakePusher{result: gateway.Delivered}
	replier := &fakeReplier{}
	p := NewProcessor(store, replier, pusher, nil, 10, zerolog.Nop())
	ctx := context.Background()

	agentItem := model.WorkItem{DeliveryID: "d9", SessionID: "abc", UserID: "agent-1", Query: "an agent here", Action: model.ActionAgentMessage}
	err := p.Handle(ctx, agentItem)
	require.ErrorIs(t, err, queue.ErrPermanent)
	require.ErrorIs(t, err, ErrSessionNotFound)

	require.NoError(t, p.Handle(ctx, sendItem("d1", "abc", "u1", "hello")))

	// Pending sessions belong to no agent yet.
	err = p.Handle(ctx, agentItem)
	require.ErrorIs(t, err, queue.ErrPermanent)
	require.ErrorIs(t, err, ErrNotAssigned)

	_, err = store.ClaimSession(ctx, "abc", "agent-1", "2024-01-01T00:00:00.000Z")
	require.NoError(t, err)

	intruder := agentItem
	intruder.DeliveryID = "d10"
	intruder.UserID = "agent-2"
	require.ErrorIs(t, p.Handle(ctx, intruder), ErrNotAssigned)

	require.NoError(t, p.Handle(ctx, agentItem))

	stored := messages(t, store, "abc")
	require.Len(t, stored, 3)
	assert.Equal(t, model.RoleAgent, stored[2].Role)
	assert.Equal(t, 1, replier.calls)

	frames := pusher.pushed()
	require.Len(t, frames, 2)
	assert.Equal(t, model.RoleAgent, frames[1].Role)
	assert.Equal(t, "an agent here", frames[1].Query)

	audiences := pusher.pushedTo()
	assert.Equal(t, model.Audience{SessionID: "abc", UserID: "u1"}, audiences[0])
	assert.Equal(t, model.Audience{SessionID: "abc", UserID: "u1", AgentID: "agent-1"}, audiences[1])

	session, err := store.GetSession(ctx, "abc")
	require.NoError(t, err)
	assert.Equal(t, "hello", session.LatestQuestion)
}

func TestProcessorActiveSessionSkipsBot(t *testing.T) {
	store := memstore.New()
	pusher := &fakePusher{result: gateway.Delivered}
	replier := &fakeReplier{}
	p := NewProcessor(store, replier, pusher, nil, 10, zerolog.Nop())
	ctx := context.Background()

	require.NoError(t, p.Handle(ctx, sendItem("d1", "abc", "u1", "hello")))
	_, err := store.ClaimSession(ctx, "abc", "agent-1", "2024-01-01T00:00:00.000Z")
	require.NoError(t, err)

	require.NoError(t, p.Handle(ctx, sendItem("d2", "abc", "u1", "still there?")))
	assert.Equal(t, 1, replier.calls)

	stored := messages(t, store, "abc")
	require.Len(t, stored, 3)
	assert.Equal(t, model.RoleUser, stored[2].Role)

	frames := pusher.pushed()
	require.Len(t, frames, 2)
	assert.Equal(t, stored[2].MessageID, frames[1].MessageID)
	assert.Equal(t, model.RoleUser, frames[1].Role)
	assert.Equal(t, "agent-1", pusher.pushedTo()[1].AgentID)

	session, err := store.GetSession(ctx, "abc")
	require.NoError(t, err)
	assert.Equal(t, model.SessionActive, session.Status)
	assert.Equal(t, "still there?", session.LatestQuestion)
}

func TestProcessorUnknownAction(t *testing.T) {
	p := NewProcessor(memstore.New(), &fakeReplier{}, &fakePusher{}, nil, 10, zerolog.Nop())
	err := p.Handle(context.Background(), model.WorkItem{DeliveryID: "d1", SessionID: "abc", UserID: "u1", Action: "bogus"})
	require.ErrorIs(t, err, queue.ErrPermanent)
}

func TestQueryServiceListMessagesOwnership(t *testing.T) {
	store := memstore.New()
	p := NewProcessor(store, &fakeReplier{}, &fakePusher{}, nil, 10, zerolog.Nop())
	require.NoError(t, p.Handle(context.Background(), sendItem("d1", "abc", "u1", "hello")))

	q := NewQueryService(store, nil, zerolog.Nop())

	page, err := q.ListMessages(context.Background(), "u1", "abc", repository.Page{})
	require.NoError(t, err)
	assert.Len(t, page.Items, 2)

	_, err = q.ListMessages(context.Background(), "u2", "abc", repository.Page{})
	require.ErrorIs(t, err, ErrSessionNotFound)

	_, err = q.ListMessages(context.Background(), "u1", "missing", repository.Page{})
	require.ErrorIs(t, err, ErrSessionNotFound)
}

func TestQueryServiceListMessagesPagination(t *testing.T) {
	store := memstore.New()
	p := NewProcessor(store, &fakeReplier{}, &fakePusher{}, nil, 10, zerolog.Nop())
	for i, q := range []string{"a", "b", "c"} {
		require.NoError(t, p.Handle(context.Background(), sendItem(string(rune('1'+i)), "abc", "u1", q)))
	}
	q := NewQueryService(store, nil, zerolog.Nop())

	var contents []string
	token := ""
	for {
		page, err := q.ListMessages(context.Background(), "u1", "abc", repository.Page{Limit: 4, StartingToken: token})
		require.NoError(t, err)
		for _, m := range page.Items {
			contents = append(contents, m.Content)
		}
		if page.NextToken == "" {
			break
		}
		token = page.NextToken
	}
	assert.Equal(t, []string{"a", "echo: a", "b", "echo: b", "c", "echo: c"}, contents)

	_, err := q.ListMessages(context.Background(), "u1", "abc", repository.Page{StartingToken: "%%%"})
	require.ErrorIs(t, err, repository.ErrInvalidToken)
}

func TestQueryServiceHistoryCache(t *testing.T) {
	store := memstore.New()
	cache := newFakeCache()
	p := NewProcessor(store, &fakeReplier{}, &fakePusher{}, cache, 10, zerolog.Nop())
	q := NewQueryService(store, cache, zerolog.Nop())

	require.NoError(t, p.Handle(context.Background(), sendItem("d1", "abc", "u1", "hello")))

	_, err := q.ListMessages(context.Background(), "u1", "abc", repository.Page{})
	require.NoError(t, err)
	assert.Equal(t, 0, cache.hits)

	page, err := q.ListMessages(context.Background(), "u1", "abc", repository.Page{})
	require.NoError(t, err)
	assert.Equal(t, 1, cache.hits)
	assert.Len(t, page.Items, 2)

	// A new message invalidates the cached page.
	require.NoError(t, p.Handle(context.Background(), sendItem("d2", "abc", "u1", "again")))
	page, err = q.ListMessages(context.Background(), "u1", "abc", repository.Page{})
	require.NoError(t, err)
	assert.Equal(t, 1, cache.hits)
	assert.Len(t, page.Items, 4)

	// Dirty sessions bypass the cache.
	cache.dirty["abc"] = true
	_, err = q.ListMessages(context.Background(), "u1", "abc", repository.Page{})
	require.NoError(t, err)
	assert.Equal(t, 1, cache.hits)
}

func TestQueryServiceListSessionsNewestFirst(t *testing.T) {
	store := memstore.New()
	q := NewQueryService(store, nil, zerolog.Nop())
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	for i, id := range []string{"s1", "s2", "s3"} {
		ts := base.Add(time.Duration(i) * time.Minute)
		q.now = func() time.Time { return ts }
		_, created, err := q.CreateOrGetSession(context.Background(), "u1", id, "")
		require.NoError(t, err)
		assert.True(t, created)
	}
	_, _, err := q.CreateOrGetSession(context.Background(), "u2", "other", "")
	require.NoError(t, err)

	page, err := q.ListSessions(context.Background(), "u1", repository.Page{Limit: 2})
	require.NoError(t, err)
	require.Len(t, page.Items, 2)
	assert.Equal(t, "s3", page.Items[0].SessionID)
	assert.Equal(t, "s2", page.Items[1].SessionID)
	require.NotEmpty(t, page.NextToken)

	page, err = q.ListSessions(context.Background(), "u1", repository.Page{Limit: 2, StartingToken: page.NextToken})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "s1", page.Items[0].SessionID)
	assert.Empty(t, page.NextToken)
}

func TestQueryServiceCreateOrGetSession(t *testing.T) {
	store := memstore.New()
	q := NewQueryService(store, nil, zerolog.Nop())
	ctx := context.Background()

	session, created, err := q.CreateOrGetSession(ctx, "u1", "abc", "bot-1")
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "bot-1", session.ChatbotID)

	again, created, err := q.CreateOrGetSession(ctx, "u1", "abc", "")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, session.CreateTimestamp, again.CreateTimestamp)
	assert.Equal(t, 1, store.SessionCount())

	_, _, err = q.CreateOrGetSession(ctx, "u2", "abc", "")
	require.ErrorIs(t, err, ErrSessionNotFound)

	latest, created, err := q.CreateOrGetSession(ctx, "u1", "", "")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "abc", latest.SessionID)

	fresh, created, err := q.CreateOrGetSession(ctx, "u3", "", "")
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEmpty(t, fresh.SessionID)
	assert.Equal(t, "u3", fresh.UserID)

	_, _, err = q.CreateOrGetSession(ctx, "", "abc", "")
	require.ErrorIs(t, err, ErrInvalidInput)
}

func TestQueryServiceClaimSession(t *testing.T) {
	store := memstore.New()
	q := NewQueryService(store, nil, zerolog.Nop())
	ctx := context.Background()

	_, err := q.ClaimSession(ctx, "agent-1", "missing")
	require.ErrorIs(t, err, ErrSessionNotFound)
	_, err = q.ClaimSession(ctx, "", "abc")
	require.ErrorIs(t, err, ErrInvalidInput)

	created, _, err := q.CreateOrGetSession(ctx, "u1", "abc", "")
	require.NoError(t, err)
	assert.Equal(t, model.SessionPending, created.Status)

	claimed, err := q.ClaimSession(ctx, "agent-1", "abc")
	require.NoError(t, err)
	assert.Equal(t, model.SessionActive, claimed.Status)
	assert.Equal(t, "agent-1", claimed.AgentID)
	assert.True(t, claimed.HandledBy("agent-1"))

	// Claiming again is harmless for the same agent.
	_, err = q.ClaimSession(ctx, "agent-1", "abc")
	require.NoError(t, err)

	_, err = q.ClaimSession(ctx, "agent-2", "abc")
	require.ErrorIs(t, err, ErrSessionClaimed)
}

func TestQueryServiceListSessionsByStatus(t *testing.T) {
	store := memstore.New()
	q := NewQueryService(store, nil, zerolog.Nop())
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	for i, id := range []string{"s1", "s2", "s3"} {
		ts := base.Add(time.Duration(i) * time.Minute)
		q.now = func() time.Time { return ts }
		_, _, err := q.CreateOrGetSession(ctx, "u"+id, id, "")
		require.NoError(t, err)
	}
	_, err := q.ClaimSession(ctx, "agent-1", "s2")
	require.NoError(t, err)

	page, err := q.ListSessionsByStatus(ctx, model.SessionPending, repository.Page{Limit: 1})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "s1", page.Items[0].SessionID)
	require.NotEmpty(t, page.NextToken)

	page, err = q.ListSessionsByStatus(ctx, model.SessionPending, repository.Page{Limit: 1, StartingToken: page.NextToken})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "s3", page.Items[0].SessionID)
	assert.Empty(t, page.NextToken)

	page, err = q.ListSessionsByStatus(ctx, model.SessionActive, repository.Page{})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "s2", page.Items[0].SessionID)

	_, err = q.ListSessionsByStatus(ctx, "Closed", repository.Page{})
	require.ErrorIs(t, err, ErrInvalidInput)
}
