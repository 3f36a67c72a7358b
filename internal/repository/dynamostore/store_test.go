package dynamostore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"supportchat/internal/model"
	"supportchat/internal/repository"
)

var testTables = Tables{
	Sessions:          "sessions",
	Messages:          "messages",
	SessionsByTimeIdx: "byTimestamp",
	MessagesBySessIdx: "bySessionId",
	SessionsByStatIdx: "byStatus",
}

// fakeDynamo keeps both tables in memory and understands just the
// expressions Store sends.
type fakeDynamo struct {
	mu     sync.Mutex
	tables map[string]map[string]map[string]types.AttributeValue
	err    error
}

func newFakeDynamo() *fakeDynamo {
	return &fakeDynamo{tables: map[string]map[string]map[string]types.AttributeValue{
		testTables.Sessions: {},
		testTables.Messages: {},
	}}
}

func hashKey(table string) string {
	if table == testTables.Sessions {
		return "sessionId"
	}
	return "messageId"
}

func str(item map[string]types.AttributeValue, key string) string {
	if v, ok := item[key].(*types.AttributeValueMemberS); ok {
		return v.Value
	}
	return ""
}

func (f *fakeDynamo) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	table := aws.ToString(in.TableName)
	return &dynamodb.GetItemOutput{Item: f.tables[table][str(in.Key, hashKey(table))]}, nil
}

func (f *fakeDynamo) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	table := aws.ToString(in.TableName)
	id := str(in.Item, hashKey(table))
	if _, exists := f.tables[table][id]; exists && strings.HasPrefix(aws.ToString(in.ConditionExpression), "attribute_not_exists") {
		return nil, &types.ConditionalCheckFailedException{Message: aws.String("exists")}
	}
	f.tables[table][id] = in.Item
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeDynamo) UpdateItem(_ context.Context, in *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	table := aws.ToString(in.TableName)
	item, ok := f.tables[table][str(in.Key, hashKey(table))]
	if !ok {
		return nil, &types.ConditionalCheckFailedException{Message: aws.String("missing")}
	}
	if active, ok := in.ExpressionAttributeValues[":active"]; ok {
		agent := in.ExpressionAttributeValues[":agent"]
		if str(item, "status") != str(in.ExpressionAttributeValues, ":pending") && str(item, "agentId") != str(in.ExpressionAttributeValues, ":agent") {
			return nil, &types.ConditionalCheckFailedException{Message: aws.String("claimed")}
		}
		item["status"] = active
		item["agentId"] = agent
		item["lastSeenTimestamp"] = in.ExpressionAttributeValues[":ts"]
		return &dynamodb.UpdateItemOutput{Attributes: item}, nil
	}
	item["lastSeenTimestamp"] = in.ExpressionAttributeValues[":ts"]
	if q, ok := in.ExpressionAttributeValues[":q"]; ok {
		item["latestQuestion"] = q
	}
	return &dynamodb.UpdateItemOutput{}, nil
}

func (f *fakeDynamo) Query(_ context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	table := aws.ToString(in.TableName)
	partKey, partVal := "sessionId", str(in.ExpressionAttributeValues, ":sid")
	switch {
	case aws.ToString(in.IndexName) == testTables.SessionsByStatIdx:
		partKey, partVal = "status", str(in.ExpressionAttributeValues, ":st")
	case table == testTables.Sessions:
		partKey, partVal = "userId", str(in.ExpressionAttributeValues, ":uid")
	}

	var matched []map[string]types.AttributeValue
	for _, item := range f.tables[table] {
		if str(item, partKey) == partVal {
			matched = append(matched, item)
		}
	}
	id := hashKey(table)
	forward := aws.ToBool(in.ScanIndexForward)
	sort.Slice(matched, func(i, j int) bool {
		a := str(matched[i], "createTimestamp") + "|" + str(matched[i], id)
		b := str(matched[j], "createTimestamp") + "|" + str(matched[j], id)
		if forward {
			return a < b
		}
		return a > b
	})

	if in.ExclusiveStartKey != nil {
		start := str(in.ExclusiveStartKey, id)
		for i, item := range matched {
			if str(item, id) == start {
				matched = matched[i+1:]
				break
			}
		}
	}

	out := &dynamodb.QueryOutput{Items: matched}
	if limit := int(aws.ToInt32(in.Limit)); limit > 0 && len(matched) > limit {
		out.Items = matched[:limit]
		last := out.Items[limit-1]
		out.LastEvaluatedKey = map[string]types.AttributeValue{
			id:                last[id],
			partKey:           last[partKey],
			"createTimestamp": last["createTimestamp"],
		}
	}
	return out, nil
}

func newStore(t *testing.T) (*Store, *fakeDynamo) {
	t.Helper()
	fake := newFakeDynamo()
	store, err := New(fake, testTables)
	require.NoError(t, err)
	return store, fake
}

func TestNewValidates(t *testing.T) {
	_, err := New(nil, testTables)
	assert.Error(t, err)
	_, err = New(newFakeDynamo(), Tables{Sessions: "s", Messages: "m"})
	assert.Error(t, err)
}

func TestUpsertSession(t *testing.T) {
	store, _ := newStore(t)
	ctx := context.Background()

	first, created, err := store.UpsertSession(ctx, model.Session{SessionID: "abc", UserID: "u1", CreateTimestamp: "t1", ChatbotID: "bot"})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "bot", first.ChatbotID)

	again, created, err := store.UpsertSession(ctx, model.Session{SessionID: "abc", UserID: "u2", CreateTimestamp: "t2"})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "u1", again.UserID)
	assert.Equal(t, "bot", again.ChatbotID)
}

func TestTouchSessionIgnoresMissingRow(t *testing.T) {
	store, _ := newStore(t)
	ctx := context.Background()

	require.NoError(t, store.TouchSession(ctx, "missing", "q", "t1"))

	_, _, err := store.UpsertSession(ctx, model.Session{SessionID: "abc", UserID: "u1", CreateTimestamp: "t1"})
	require.NoError(t, err)
	require.NoError(t, store.TouchSession(ctx, "abc", "how?", "t2"))

	got, err := store.GetSession(ctx, "abc")
	require.NoError(t, err)
	assert.Equal(t, "t2", got.LastSeenTimestamp)
	assert.Equal(t, "how?", got.LatestQuestion)
}

func TestListSessionsPaging(t *testing.T) {
	store, _ := newStore(t)
	ctx := context.Background()
	for i := 1; i <= 3; i++ {
		_, _, err := store.UpsertSession(ctx, model.Session{SessionID: fmt.Sprintf("s%d", i), UserID: "u1", CreateTimestamp: fmt.Sprintf("t%d", i)})
		require.NoError(t, err)
	}

	page, err := store.ListSessionsByUser(ctx, "u1", repository.Page{Limit: 2})
	require.NoError(t, err)
	require.Len(t, page.Items, 2)
	assert.Equal(t, "s3", page.Items[0].SessionID)
	require.NotEmpty(t, page.NextToken)

	page, err = store.ListSessionsByUser(ctx, "u1", repository.Page{Limit: 2, StartingToken: page.NextToken})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "s1", page.Items[0].SessionID)
	assert.Empty(t, page.NextToken)

	latest, err := store.LatestSessionByUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "s3", latest.SessionID)

	_, err = store.ListSessionsByUser(ctx, "u1", repository.Page{StartingToken: repository.EncodeToken("not json")})
	assert.ErrorIs(t, err, repository.ErrInvalidToken)
}

func TestMessages(t *testing.T) {
	store, _ := newStore(t)
	ctx := context.Background()
	for i := 1; i <= 4; i++ {
		created, err := store.CreateMessage(ctx, &model.Message{
			MessageID:       fmt.Sprintf("m%d", i),
			SessionID:       "abc",
			UserID:          "u1",
			Role:            model.RoleUser,
			Content:         fmt.Sprintf("q%d", i),
			CreateTimestamp: fmt.Sprintf("t%d", i),
		})
		require.NoError(t, err)
		assert.True(t, created)
	}

	created, err := store.CreateMessage(ctx, &model.Message{MessageID: "m1", SessionID: "abc", Role: model.RoleUser, CreateTimestamp: "t9"})
	require.NoError(t, err)
	assert.False(t, created)

	_, err = store.CreateMessage(ctx, &model.Message{SessionID: "abc"})
	assert.Error(t, err)

	page, err := store.ListMessagesBySession(ctx, "abc", repository.Page{Limit: 3})
	require.NoError(t, err)
	require.Len(t, page.Items, 3)
	assert.Equal(t, "q1", page.Items[0].Content)

	page, err = store.ListMessagesBySession(ctx, "abc", repository.Page{Limit: 3, StartingToken: page.NextToken})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "q4", page.Items[0].Content)

	recent, err := store.ListRecentMessages(ctx, "abc", 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "q3", recent[0].Content)
	assert.Equal(t, "q4", recent[1].Content)
}

func TestBackendErrorsAreWrapped(t *testing.T) {
	store, fake := newStore(t)
	fake.err = errors.New("throttled")

	_, err := store.GetSession(context.Background(), "abc")
	assert.ErrorContains(t, err, "throttled")
	_, err = store.CreateMessage(context.Background(), &model.Message{MessageID: "m1", SessionID: "abc"})
	assert.ErrorContains(t, err, "throttled")
}

func TestClaimSessionAndStatusIndex(t *testing.T) {
	store, _ := newStore(t)
	ctx := context.Background()

	missing, err := store.ClaimSession(ctx, "abc", "agent-1", "t5")
	require.NoError(t, err)
	assert.Nil(t, missing)

	for i := 1; i <= 3; i++ {
		_, _, err := store.UpsertSession(ctx, model.Session{SessionID: fmt.Sprintf("s%d", i), UserID: "u1", CreateTimestamp: fmt.Sprintf("t%d", i)})
		require.NoError(t, err)
	}

	claimed, err := store.ClaimSession(ctx, "s2", "agent-1", "t5")
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, model.SessionActive, claimed.Status)
	assert.Equal(t, "agent-1", claimed.AgentID)
	assert.Equal(t, "t5", claimed.LastSeenTimestamp)

	_, err = store.ClaimSession(ctx, "s2", "agent-1", "t6")
	require.NoError(t, err)
	_, err = store.ClaimSession(ctx, "s2", "agent-2", "t7")
	require.ErrorIs(t, err, repository.ErrAlreadyClaimed)

	page, err := store.ListSessionsByStatus(ctx, model.SessionPending, repository.Page{Limit: 1})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "s1", page.Items[0].SessionID)
	require.NotEmpty(t, page.NextToken)

	page, err = store.ListSessionsByStatus(ctx, model.SessionPending, repository.Page{Limit: 1, StartingToken: page.NextToken})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "s3", page.Items[0].SessionID)

	page, err = store.ListSessionsByStatus(ctx, model.SessionActive, repository.Page{})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "s2", page.Items[0].SessionID)
}
