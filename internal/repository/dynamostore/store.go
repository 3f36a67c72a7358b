// Package dynamostore persists sessions and messages in two DynamoDB tables.
//
// The sessions table is keyed by sessionId with a byTimestamp index on
// (userId, createTimestamp) and a byStatus index on (status, createTimestamp).
// The messages table is keyed by messageId with a
// bySessionId index on (sessionId, createTimestamp). Index reads are
// eventually consistent, so a message written a moment ago may be missing from
// an immediate listing.
package dynamostore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"supportchat/internal/model"
	"supportchat/internal/repository"
)

// dynamodbAPI is the subset of *dynamodb.Client used by Store.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

type Tables struct {
	Sessions          string
	Messages          string
	SessionsByTimeIdx string
	MessagesBySessIdx string
	SessionsByStatIdx string
}

type Store struct {
	api    dynamodbAPI
	tables Tables
}

var _ repository.Store = (*Store)(nil)

func New(api dynamodbAPI, tables Tables) (*Store, error) {
	if api == nil {
		return nil, errors.New("dynamostore: api must not be nil")
	}
	if strings.TrimSpace(tables.Sessions) == "" || strings.TrimSpace(tables.Messages) == "" {
		return nil, errors.New("dynamostore: table names must not be empty")
	}
	if tables.SessionsByTimeIdx == "" || tables.MessagesBySessIdx == "" || tables.SessionsByStatIdx == "" {
		return nil, errors.New("dynamostore: index names must not be empty")
	}
	return &Store{api: api, tables: tables}, nil
}

func (s *Store) UpsertSession(ctx context.Context, session model.Session) (*model.Session, bool, error) {
	if session.Status == "" {
		session.Status = model.SessionPending
	}
	_, err := s.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.tables.Sessions),
		Item:                sessionItem(session),
		ConditionExpression: aws.String("attribute_not_exists(sessionId)"),
	})
	if err == nil {
		return &session, true, nil
	}
	if !isConditionFailed(err) {
		return nil, false, fmt.Errorf("dynamostore: UpsertSession: %w", err)
	}

	existing, err := s.GetSession(ctx, session.SessionID)
	if err != nil {
		return nil, false, err
	}
	if existing == nil {
		return nil, false, fmt.Errorf("dynamostore: UpsertSession: session %s vanished", session.SessionID)
	}
	return existing, false, nil
}

func (s *Store) TouchSession(ctx context.Context, sessionID, latestQuestion, at string) error {
	expr := "SET lastSeenTimestamp = :ts"
	values := map[string]types.AttributeValue{
		":ts": &types.AttributeValueMemberS{Value: at},
	}
	if latestQuestion != "" {
		expr += ", latestQuestion = :q"
		values[":q"] = &types.AttributeValueMemberS{Value: latestQuestion}
	}

	_, err := s.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(s.tables.Sessions),
		Key:                       map[string]types.AttributeValue{"sessionId": &types.AttributeValueMemberS{Value: sessionID}},
		UpdateExpression:          aws.String(expr),
		ConditionExpression:       aws.String("attribute_exists(sessionId)"),
		ExpressionAttributeValues: values,
	})
	if err != nil && !isConditionFailed(err) {
		return fmt.Errorf("dynamostore: TouchSession: %w", err)
	}
	return nil
}

func (s *Store) GetSession(ctx context.Context, sessionID string) (*model.Session, error) {
	out, err := s.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.tables.Sessions),
		Key:            map[string]types.AttributeValue{"sessionId": &types.AttributeValueMemberS{Value: sessionID}},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("dynamostore: GetSession: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return nil, nil
	}
	session, err := itemToSession(out.Item)
	if err != nil {
		return nil, fmt.Errorf("dynamostore: GetSession decode: %w", err)
	}
	return &session, nil
}

func (s *Store) LatestSessionByUser(ctx context.Context, userID string) (*model.Session, error) {
	page, err := s.ListSessionsByUser(ctx, userID, repository.Page{Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(page.Items) == 0 {
		return nil, nil
	}
	return &page.Items[0], nil
}

func (s *Store) ListSessionsByUser(ctx context.Context, userID string, page repository.Page) (*repository.SessionPage, error) {
	page = page.Normalize()
	startKey, err := decodeStartKey(page.StartingToken)
	if err != nil {
		return nil, err
	}

	out, err := s.api.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(s.tables.Sessions),
		IndexName:              aws.String(s.tables.SessionsByTimeIdx),
		KeyConditionExpression: aws.String("userId = :uid"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":uid": &types.AttributeValueMemberS{Value: userID},
		},
		ScanIndexForward:  aws.Bool(false),
		Limit:             aws.Int32(int32(page.Limit)),
		ExclusiveStartKey: startKey,
	})
	if err != nil {
		return nil, fmt.Errorf("dynamostore: ListSessionsByUser query: %w", err)
	}

	result := &repository.SessionPage{Items: make([]model.Session, 0, len(out.Items))}
	for _, item := range out.Items {
		session, err := itemToSession(item)
		if err != nil {
			return nil, fmt.Errorf("dynamostore: ListSessionsByUser decode: %w", err)
		}
		result.Items = append(result.Items, session)
	}
	if result.NextToken, err = encodeStartKey(out.LastEvaluatedKey); err != nil {
		return nil, err
	}
	return result, nil
}

// ListSessionsByStatus queries the byStatus index oldest first. status is a
// reserved word and goes through an attribute name placeholder.
func (s *Store) ListSessionsByStatus(ctx context.Context, status model.SessionStatus, page repository.Page) (*repository.SessionPage, error) {
	page = page.Normalize()
	startKey, err := decodeStartKey(page.StartingToken)
	if err != nil {
		return nil, err
	}

	out, err := s.api.Query(ctx, &dynamodb.QueryInput{
		TableName:                aws.String(s.tables.Sessions),
		IndexName:                aws.String(s.tables.SessionsByStatIdx),
		KeyConditionExpression:   aws.String("#st = :st"),
		ExpressionAttributeNames: map[string]string{"#st": "status"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":st": &types.AttributeValueMemberS{Value: string(status)},
		},
		ScanIndexForward:  aws.Bool(true),
		Limit:             aws.Int32(int32(page.Limit)),
		ExclusiveStartKey: startKey,
	})
	if err != nil {
		return nil, fmt.Errorf("dynamostore: ListSessionsByStatus query: %w", err)
	}

	result := &repository.SessionPage{Items: make([]model.Session, 0, len(out.Items))}
	for _, item := range out.Items {
		session, err := itemToSession(item)
		if err != nil {
			return nil, fmt.Errorf("dynamostore: ListSessionsByStatus decode: %w", err)
		}
		result.Items = append(result.Items, session)
	}
	if result.NextToken, err = encodeStartKey(out.LastEvaluatedKey); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) ClaimSession(ctx context.Context, sessionID, agentID, at string) (*model.Session, error) {
	out, err := s.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                aws.String(s.tables.Sessions),
		Key:                      map[string]types.AttributeValue{"sessionId": &types.AttributeValueMemberS{Value: sessionID}},
		UpdateExpression:         aws.String("SET agentId = :agent, #st = :active, lastSeenTimestamp = :ts"),
		ConditionExpression:      aws.String("attribute_exists(sessionId) AND (#st = :pending OR agentId = :agent)"),
		ExpressionAttributeNames: map[string]string{"#st": "status"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":agent":   &types.AttributeValueMemberS{Value: agentID},
			":active":  &types.AttributeValueMemberS{Value: string(model.SessionActive)},
			":pending": &types.AttributeValueMemberS{Value: string(model.SessionPending)},
			":ts":      &types.AttributeValueMemberS{Value: at},
		},
		ReturnValues: types.ReturnValueAllNew,
	})
	if err != nil {
		if !isConditionFailed(err) {
			return nil, fmt.Errorf("dynamostore: ClaimSession: %w", err)
		}
		existing, getErr := s.GetSession(ctx, sessionID)
		if getErr != nil || existing == nil {
			return nil, getErr
		}
		return nil, repository.ErrAlreadyClaimed
	}

	session, err := itemToSession(out.Attributes)
	if err != nil {
		return nil, fmt.Errorf("dynamostore: ClaimSession decode: %w", err)
	}
	return &session, nil
}

func (s *Store) CreateMessage(ctx context.Context, message *model.Message) (bool, error) {
	if message.MessageID == "" || message.SessionID == "" {
		return false, errors.New("dynamostore: CreateMessage: messageId and sessionId are required")
	}
	_, err := s.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.tables.Messages),
		Item:                messageItem(*message),
		ConditionExpression: aws.String("attribute_not_exists(messageId)"),
	})
	if err == nil {
		return true, nil
	}
	if isConditionFailed(err) {
		return false, nil
	}
	return false, fmt.Errorf("dynamostore: CreateMessage: %w", err)
}

func (s *Store) ListMessagesBySession(ctx context.Context, sessionID string, page repository.Page) (*repository.MessagePage, error) {
	page = page.Normalize()
	startKey, err := decodeStartKey(page.StartingToken)
	if err != nil {
		return nil, err
	}

	out, err := s.api.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(s.tables.Messages),
		IndexName:              aws.String(s.tables.MessagesBySessIdx),
		KeyConditionExpression: aws.String("sessionId = :sid"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":sid": &types.AttributeValueMemberS{Value: sessionID},
		},
		ScanIndexForward:  aws.Bool(true),
		Limit:             aws.Int32(int32(page.Limit)),
		ExclusiveStartKey: startKey,
	})
	if err != nil {
		return nil, fmt.Errorf("dynamostore: ListMessagesBySession query: %w", err)
	}

	result := &repository.MessagePage{Items: make([]model.Message, 0, len(out.Items))}
	for _, item := range out.Items {
		msg, err := itemToMessage(item)
		if err != nil {
			return nil, fmt.Errorf("dynamostore: ListMessagesBySession decode: %w", err)
		}
		result.Items = append(result.Items, msg)
	}
	if result.NextToken, err = encodeStartKey(out.LastEvaluatedKey); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) ListRecentMessages(ctx context.Context, sessionID string, limit int) ([]model.Message, error) {
	if limit <= 0 {
		return nil, nil
	}
	out, err := s.api.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(s.tables.Messages),
		IndexName:              aws.String(s.tables.MessagesBySessIdx),
		KeyConditionExpression: aws.String("sessionId = :sid"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":sid": &types.AttributeValueMemberS{Value: sessionID},
		},
		ScanIndexForward: aws.Bool(false),
		Limit:            aws.Int32(int32(limit)),
	})
	if err != nil {
		return nil, fmt.Errorf("dynamostore: ListRecentMessages query: %w", err)
	}

	messages := make([]model.Message, len(out.Items))
	for i, item := range out.Items {
		msg, err := itemToMessage(item)
		if err != nil {
			return nil, fmt.Errorf("dynamostore: ListRecentMessages decode: %w", err)
		}
		messages[len(out.Items)-1-i] = msg
	}
	return messages, nil
}

func isConditionFailed(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	return errors.As(err, &ccf)
}

// encodeStartKey turns a LastEvaluatedKey into an opaque token. Every key
// attribute of both tables and their indexes is a string.
func encodeStartKey(key map[string]types.AttributeValue) (string, error) {
	if len(key) == 0 {
		return "", nil
	}
	flat := make(map[string]string, len(key))
	for name := range key {
		v, err := strAttr(key, name)
		if err != nil {
			return "", fmt.Errorf("dynamostore: encode start key: %w", err)
		}
		flat[name] = v
	}
	raw, err := json.Marshal(flat)
	if err != nil {
		return "", fmt.Errorf("dynamostore: encode start key: %w", err)
	}
	return repository.EncodeToken(string(raw)), nil
}

func decodeStartKey(token string) (map[string]types.AttributeValue, error) {
	raw, err := repository.DecodeToken(token)
	if err != nil || raw == "" {
		return nil, err
	}
	var flat map[string]string
	if err := json.Unmarshal([]byte(raw), &flat); err != nil || len(flat) == 0 {
		return nil, repository.ErrInvalidToken
	}
	key := make(map[string]types.AttributeValue, len(flat))
	for name, v := range flat {
		key[name] = &types.AttributeValueMemberS{Value: v}
	}
	return key, nil
}
